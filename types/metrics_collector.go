package types

// MetricsCollector defines methods for recording operational metrics.
//
// Implementations should be non-blocking and handle failures gracefully.
// All methods may be called from internal goroutines and must be thread-safe.
//
// This interface composes smaller, domain-focused interfaces for better modularity.
type MetricsCollector interface {
	OrchestratorMetrics
	BalancerMetrics
	ControlMetrics
	VerifierMetrics
	HeartbeatMetrics
}

// OrchestratorMetrics defines metrics for the leader's rescaling cycles.
type OrchestratorMetrics interface {
	// RecordPhaseTransition records an orchestrator phase change.
	//
	// Parameters:
	//   - from: Previous phase
	//   - to: New phase
	RecordPhaseTransition(from, to Phase)

	// RecordSpawn records a process launch attempt.
	//
	// Parameters:
	//   - success: true if the process started
	RecordSpawn(success bool)

	// RecordJoinWait records how long the leader waited for spawned workers to join.
	//
	// Parameters:
	//   - duration: Time taken in seconds
	//   - success: false if the wait timed out
	RecordJoinWait(duration float64, success bool)

	// RecordCycleDuration records the wall time of one full scale-out cycle.
	RecordCycleDuration(duration float64)

	// RecordPeers sets the current total worker count (gauge metric).
	RecordPeers(count int)
}

// BalancerMetrics defines metrics for the bin load balancer.
type BalancerMetrics interface {
	// RecordBinMoves records the number of moves produced by one AddWorkers call.
	RecordBinMoves(count int)

	// RecordBinImbalance sets max-min bin load after a balancer operation (gauge metric).
	RecordBinImbalance(spread int)
}

// ControlMetrics defines metrics for control batch production and delivery.
type ControlMetrics interface {
	// RecordControlBatchPublished records a batch broadcast by a control authority.
	//
	// Parameters:
	//   - kind: Dominant instruction kind of the batch ("move", "bootstrap", ...)
	//   - size: Number of instructions in the batch
	RecordControlBatchPublished(kind string, size int)

	// RecordControlBatchApplied records a complete batch applied by a worker.
	RecordControlBatchApplied(size int)

	// RecordControlRejected records a dropped control line or control message.
	//
	// Parameters:
	//   - reason: "malformed", "unrecognized", "stale", "invalid"
	RecordControlRejected(reason string)
}

// VerifierMetrics defines metrics for stream verification.
type VerifierMetrics interface {
	// RecordVerification records the outcome of one timestamp comparison.
	//
	// Parameters:
	//   - records: Number of records compared per stream
	//   - success: false on mismatch
	RecordVerification(records int, success bool)

	// RecordVerifierPending sets the number of timestamps with buffered records (gauge metric).
	RecordVerifierPending(count int)
}

// HeartbeatMetrics defines metrics for worker presence heartbeats.
type HeartbeatMetrics interface {
	// RecordHeartbeat records a heartbeat publish attempt.
	//
	// Parameters:
	//   - worker: Global worker index
	//   - success: true if heartbeat was published successfully
	RecordHeartbeat(worker WorkerIndex, success bool)
}
