package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/arloliu/rescale/internal/balancer"
	"github.com/arloliu/rescale/internal/logging"
	"github.com/arloliu/rescale/internal/metrics"
	"github.com/arloliu/rescale/types"
)

// Config controls the scale-out schedule and its timing.
type Config struct {
	// Schedule lists scale-out trigger offsets from the start of Run.
	// One process is added per entry.
	Schedule []time.Duration

	// BootstrapMargin is how long to wait after the bootstrap batch before
	// moving bins onto the new workers.
	BootstrapMargin time.Duration

	// JoinTimeout bounds one wait for the spawned workers to join.
	JoinTimeout time.Duration

	// JoinRetries is how many additional waits follow a join timeout before
	// the cycle fails. The process is not respawned.
	JoinRetries int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger types.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m types.MetricsCollector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithHooks sets the lifecycle hooks.
func WithHooks(hooks *types.Hooks) Option {
	return func(o *Orchestrator) { o.hooks = hooks }
}

// WithClock replaces the wall clock.
func WithClock(clock Clock) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// Orchestrator runs scale-out cycles on the leader.
//
// Run and Cycle must not be called concurrently; State and Phases are safe
// to read from other goroutines.
type Orchestrator struct {
	cfg       Config
	launcher  types.ProcessLauncher
	watcher   types.PeerWatcher
	publisher types.ControlPublisher
	balancer  *balancer.LoadBalancer

	logger  types.Logger
	metrics types.MetricsCollector
	hooks   *types.Hooks
	clock   Clock
	phases  *PhaseMachine

	mu    sync.RWMutex
	state State
}

// New creates an orchestrator for a cluster described by initial.
//
// Parameters:
//   - cfg: Schedule and timing
//   - initial: Counters of the running cluster (usually NewState(n, w))
//   - launcher: Starts new worker processes
//   - watcher: Observes workers joining
//   - publisher: Broadcasts control batches to every worker
//   - lb: Balancer over the current workers
//   - opts: Optional logger, metrics, hooks and clock
//
// Returns:
//   - *Orchestrator: Orchestrator ready to Run
//   - error: types.ErrLauncherRequired or types.ErrInvalidConfig
func New(
	cfg Config,
	initial State,
	launcher types.ProcessLauncher,
	watcher types.PeerWatcher,
	publisher types.ControlPublisher,
	lb *balancer.LoadBalancer,
	opts ...Option,
) (*Orchestrator, error) {
	if launcher == nil {
		return nil, types.ErrLauncherRequired
	}
	if watcher == nil || publisher == nil || lb == nil {
		return nil, fmt.Errorf("%w: orchestrator needs a peer watcher, a control publisher and a balancer", types.ErrInvalidConfig)
	}
	if initial.WorkersPerProcess <= 0 {
		return nil, fmt.Errorf("%w: workers per process must be positive, got %d", types.ErrInvalidConfig, initial.WorkersPerProcess)
	}
	if got := len(lb.Workers()); got != initial.Peers {
		return nil, fmt.Errorf("%w: balancer has %d workers, state has %d peers", types.ErrInvalidConfig, got, initial.Peers)
	}

	o := &Orchestrator{
		cfg:       cfg,
		launcher:  launcher,
		watcher:   watcher,
		publisher: publisher,
		balancer:  lb,
		logger:    logging.NewNop(),
		metrics:   metrics.NewNop(),
		clock:     RealClock(),
		state:     initial,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.phases = NewPhaseMachine(o.logger, o.metrics, o.hooks)
	o.cfg.Schedule = slices.Clone(cfg.Schedule)
	slices.Sort(o.cfg.Schedule)

	return o, nil
}

// Phases returns the phase machine for subscriptions.
func (o *Orchestrator) Phases() *PhaseMachine {
	return o.phases
}

// State returns the latest orchestration counters.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.state
}

// Run processes every scheduled trigger, then enters PhaseDone.
//
// Triggers that are already due when the previous cycle finishes run
// immediately. A non-retryable error or exhausted join retries stop the run
// in PhaseFailed; context cancellation stops it in the current phase.
//
// Returns:
//   - State: Counters after the last completed step
//   - error: First cycle error, or ctx.Err()
func (o *Orchestrator) Run(ctx context.Context) (State, error) {
	start := o.clock.Now()
	st := o.State()

	o.logger.Info("orchestration started", "triggers", len(o.cfg.Schedule), "state", st.String())

	for i, offset := range o.cfg.Schedule {
		if err := o.sleepUntil(ctx, start.Add(offset)); err != nil {
			return st, err
		}

		o.logger.Info("scale-out triggered", "trigger", i, "offset", offset)

		next, err := o.Cycle(ctx, st)
		if err != nil {
			if ctx.Err() == nil {
				o.phases.Fail(ctx)
				next.Phase = o.phases.Phase()
				o.setState(next)
			}

			return next, err
		}
		st = next
	}

	if err := o.enter(ctx, &st, types.PhaseDone); err != nil {
		return st, err
	}
	o.logger.Info("orchestration finished", "state", st.String())

	return st, nil
}

// Cycle adds one process to the cluster.
//
// It launches the process, waits for its workers to join, broadcasts the
// bootstrap batch, waits the bootstrap margin, then broadcasts the bin moves
// onto the new workers.
//
// Parameters:
//   - ctx: Context for every blocking step
//   - st: Counters before the cycle
//
// Returns:
//   - State: Counters after the cycle, or after the last completed step on error
//   - error: types.ErrSpawnFailed, join errors, or publish errors
func (o *Orchestrator) Cycle(ctx context.Context, st State) (State, error) {
	cycleStart := o.clock.Now()

	if err := o.enter(ctx, &st, types.PhaseSpawning); err != nil {
		return st, err
	}

	req := st.SpawnRequest()
	err := o.launcher.Launch(ctx, req)
	o.metrics.RecordSpawn(err == nil)
	if err != nil {
		if !errors.Is(err, types.ErrSpawnFailed) {
			err = fmt.Errorf("%w: %w", types.ErrSpawnFailed, err)
		}

		return st, err
	}

	peers, err := o.awaitJoin(ctx, st.Peers+st.WorkersPerProcess, st.NewWorkers())
	if err != nil {
		return st, err
	}

	if err := o.enter(ctx, &st, types.PhaseBootstrapping); err != nil {
		return st, err
	}

	bootstrap, next := st.BootstrapBatch()
	if err := o.publisher.Publish(ctx, bootstrap.Controls()); err != nil {
		return st, fmt.Errorf("failed to publish bootstrap batch: %w", err)
	}
	st = next
	o.setState(st)

	if err := o.enter(ctx, &st, types.PhaseMarginWait); err != nil {
		return st, err
	}
	if err := o.sleep(ctx, o.cfg.BootstrapMargin); err != nil {
		return st, err
	}

	if err := o.enter(ctx, &st, types.PhaseRebalancing); err != nil {
		return st, err
	}

	moves := o.balancer.AddWorkers(st.NewWorkers())
	o.metrics.RecordBinMoves(len(moves))
	o.metrics.RecordBinImbalance(o.balancer.Spread())

	if batch, next, ok := st.MoveBatch(moves); ok {
		if err := o.publisher.Publish(ctx, batch.Controls()); err != nil {
			return st, fmt.Errorf("failed to publish move batch: %w", err)
		}
		st = next
	} else {
		o.logger.Info("no bins to move", "new_workers", st.NewWorkers())
	}

	o.logger.Info("scale-out complete",
		"process", req.ProcessIndex,
		"moves", len(moves),
		"peers", peers,
	)

	st = st.Advance(peers)
	o.metrics.RecordPeers(peers)
	o.metrics.RecordCycleDuration(o.clock.Now().Sub(cycleStart).Seconds())

	if err := o.enter(ctx, &st, types.PhaseIdle); err != nil {
		return st, err
	}

	return st, nil
}

// awaitJoin waits for want workers including every joining one, retrying
// join timeouts up to JoinRetries times.
func (o *Orchestrator) awaitJoin(ctx context.Context, want int, joining []types.WorkerIndex) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= o.cfg.JoinRetries; attempt++ {
		waitStart := o.clock.Now()
		peers, err := o.watcher.WaitForPeers(ctx, want, joining, o.cfg.JoinTimeout)
		o.metrics.RecordJoinWait(o.clock.Now().Sub(waitStart).Seconds(), err == nil)
		if err == nil {
			return peers, nil
		}
		if ctx.Err() != nil || !types.IsRetryable(err) {
			return 0, err
		}

		lastErr = err
		o.logger.Warn("workers have not joined yet",
			"want", want,
			"attempt", attempt+1,
			"max_attempts", o.cfg.JoinRetries+1,
			"error", err,
		)
	}

	return 0, fmt.Errorf("workers did not join after %d attempts: %w", o.cfg.JoinRetries+1, lastErr)
}

func (o *Orchestrator) enter(ctx context.Context, st *State, phase types.Phase) error {
	if err := o.phases.Transition(ctx, phase); err != nil {
		return err
	}
	st.Phase = phase
	o.setState(*st)

	return nil
}

func (o *Orchestrator) setState(st State) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.state = st
}

func (o *Orchestrator) sleepUntil(ctx context.Context, t time.Time) error {
	return o.sleep(ctx, t.Sub(o.clock.Now()))
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-o.clock.After(d):
		return nil
	}
}
