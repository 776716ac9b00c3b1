// Package orchestrator drives scale-out on the leader worker.
//
// The leader (global worker index 0) owns the only Orchestrator in a
// cluster. For every trigger in its schedule it runs one cycle:
//
//	Idle → Spawning → Bootstrapping → MarginWait → Rebalancing → Idle
//
// Spawning launches one new process and waits until its workers have
// joined. Bootstrapping broadcasts one Bootstrap instruction per joining
// worker under a single sequence number. After the bootstrap margin the
// balancer computes bin moves onto the new workers and Rebalancing
// broadcasts them as one Move batch.
//
// All counters (next process ordinal, join rotation, new process count,
// control sequence) live in an explicit State value that every step
// consumes and returns, so cycles are reproducible and testable without
// launching processes.
package orchestrator
