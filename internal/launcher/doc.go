// Package launcher starts worker processes for scale-out.
//
// Exec launches the configured binary with the worker command line built
// from a types.SpawnRequest, tracks every child it started, and can stop
// them all on shutdown.
package launcher
