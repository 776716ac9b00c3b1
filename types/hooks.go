package types

import "context"

// Hooks defines callbacks for orchestration and control events.
//
// All hooks are optional. Hook errors are logged but never fail the
// operation that triggered them.
//
// Example:
//
//	hooks := &rescale.Hooks{
//	    OnPhaseChanged: func(ctx context.Context, from, to rescale.Phase) error {
//	        log.Printf("orchestrator %s -> %s", from, to)
//	        return nil
//	    },
//	}
type Hooks struct {
	// OnPhaseChanged is called after the leader's orchestrator changes phase.
	OnPhaseChanged func(ctx context.Context, from, to Phase) error

	// OnBatchApplied is called after a worker applied a complete control batch.
	OnBatchApplied func(ctx context.Context, worker WorkerIndex, batch Batch) error

	// OnBootstrap is called when a worker receives a Bootstrap instruction
	// naming it as the source. The state transfer itself happens out of band.
	OnBootstrap func(ctx context.Context, from, newWorker WorkerIndex) error
}
