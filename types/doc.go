// Package types provides core type definitions and interfaces for the rescale module.
//
// This package contains shared types that are used across multiple packages.
// By keeping these types in a separate package, we avoid import cycles
// between the root rescale package and its internal implementations.
//
// Key types:
//   - BinID, WorkerIndex: the units of state partitioning and execution
//   - ControlInstruction, Control, Batch: the broadcast migration protocol
//   - Phase: orchestrator lifecycle phase
//   - Logger: Structured logging interface
//   - MetricsCollector: Metrics recording interface
package types
