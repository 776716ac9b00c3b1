package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/arloliu/rescale/internal/logging"
	"github.com/arloliu/rescale/internal/metrics"
	"github.com/arloliu/rescale/types"
)

// ErrInvalidTransition is returned when a phase change is not allowed from the current phase.
var ErrInvalidTransition = errors.New("invalid phase transition")

// validTransitions lists the allowed successor phases of each phase.
// Failed may follow any non-terminal phase and is handled separately.
var validTransitions = map[types.Phase][]types.Phase{
	types.PhaseIdle:          {types.PhaseSpawning, types.PhaseDone},
	types.PhaseSpawning:      {types.PhaseBootstrapping},
	types.PhaseBootstrapping: {types.PhaseMarginWait},
	types.PhaseMarginWait:    {types.PhaseRebalancing},
	types.PhaseRebalancing:   {types.PhaseIdle},
}

// PhaseMachine tracks the orchestrator phase and fans changes out.
//
// Transitions are validated against the cycle
// Idle → Spawning → Bootstrapping → MarginWait → Rebalancing → Idle;
// Done and Failed are terminal.
type PhaseMachine struct {
	current atomic.Int32 // types.Phase

	logger  types.Logger
	metrics types.OrchestratorMetrics
	hooks   *types.Hooks

	// Fan-out to subscribers
	subscribers      *xsync.Map[uint64, *phaseSubscriber]
	nextSubscriberID atomic.Uint64
}

// NewPhaseMachine creates a phase machine starting in Idle.
//
// Parameters:
//   - logger: Logger for transitions (nil uses a no-op logger)
//   - m: Metrics collector (nil uses no-op metrics)
//   - hooks: Optional hooks; OnPhaseChanged is invoked after each transition
//
// Returns:
//   - *PhaseMachine: Phase machine in PhaseIdle
func NewPhaseMachine(logger types.Logger, m types.OrchestratorMetrics, hooks *types.Hooks) *PhaseMachine {
	if logger == nil {
		logger = logging.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}

	pm := &PhaseMachine{
		logger:      logger,
		metrics:     m,
		hooks:       hooks,
		subscribers: xsync.NewMap[uint64, *phaseSubscriber](),
	}
	pm.current.Store(int32(types.PhaseIdle))

	return pm
}

// Phase returns the current phase. Safe for concurrent use.
func (pm *PhaseMachine) Phase() types.Phase {
	return types.Phase(pm.current.Load())
}

// Subscribe returns a channel that receives phase changes.
//
// The channel is buffered so one full cycle can queue without blocking the
// orchestrator, and it receives the current phase immediately.
//
// Returns:
//   - <-chan types.Phase: Channel of phase updates
//   - func(): Unsubscribe function that closes the channel
//
// Example:
//
//	ch, unsubscribe := pm.Subscribe()
//	defer unsubscribe()
//	for phase := range ch {
//	    if phase.IsTerminal() {
//	        break
//	    }
//	}
func (pm *PhaseMachine) Subscribe() (<-chan types.Phase, func()) {
	id := pm.nextSubscriberID.Add(1)

	sub := &phaseSubscriber{ch: make(chan types.Phase, 8)}
	pm.subscribers.Store(id, sub)

	sub.trySend(pm.Phase())

	unsubscribe := func() {
		if s, ok := pm.subscribers.LoadAndDelete(id); ok {
			s.close()
		}
	}

	return sub.ch, unsubscribe
}

// Transition moves to phase to.
//
// Returns:
//   - error: ErrInvalidTransition if to may not follow the current phase
func (pm *PhaseMachine) Transition(ctx context.Context, to types.Phase) error {
	from := pm.Phase()
	if !allowed(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	if !pm.current.CompareAndSwap(int32(from), int32(to)) { //nolint:gosec // G115: phase is a bounded enum
		return fmt.Errorf("%w: concurrent transition from %s", ErrInvalidTransition, from)
	}

	pm.logger.Info("phase transition", "from", from, "to", to)
	pm.metrics.RecordPhaseTransition(from, to)

	pm.subscribers.Range(func(_ uint64, sub *phaseSubscriber) bool {
		if !sub.trySend(to) {
			pm.logger.Debug("phase subscriber is slow, update dropped", "phase", to)
		}

		return true
	})

	if pm.hooks != nil && pm.hooks.OnPhaseChanged != nil {
		if err := pm.hooks.OnPhaseChanged(ctx, from, to); err != nil {
			pm.logger.Warn("phase hook failed", "from", from, "to", to, "error", err)
		}
	}

	return nil
}

// Fail moves to PhaseFailed from any non-terminal phase.
func (pm *PhaseMachine) Fail(ctx context.Context) {
	if err := pm.Transition(ctx, types.PhaseFailed); err != nil {
		pm.logger.Debug("ignoring failure transition", "error", err)
	}
}

func allowed(from, to types.Phase) bool {
	if from.IsTerminal() {
		return false
	}
	if to == types.PhaseFailed {
		return true
	}

	return slices.Contains(validTransitions[from], to)
}
