package rescale

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/rescale/internal/balancer"
	"github.com/arloliu/rescale/internal/control"
	"github.com/arloliu/rescale/internal/heartbeat"
	"github.com/arloliu/rescale/internal/kvutil"
	"github.com/arloliu/rescale/internal/launcher"
	"github.com/arloliu/rescale/internal/logging"
	"github.com/arloliu/rescale/internal/metrics"
	"github.com/arloliu/rescale/internal/orchestrator"
	"github.com/arloliu/rescale/internal/routing"
	"github.com/arloliu/rescale/types"
)

// heartbeatKeyPrefix is the key prefix of worker heartbeats inside the heartbeat bucket.
const heartbeatKeyPrefix = "worker"

// Node runs one worker process.
//
// A process hosts WorkersPerProcess logical workers with global indices
// ProcessIndex*WorkersPerProcess+i. Every worker publishes a heartbeat and
// keeps its own routing table in sync with the control stream. The process
// hosting worker 0 also runs the control authority: the scale-out
// orchestrator or the text control ingest, depending on Control.Mode.
//
// Lifecycle:
//   - Create with NewNode()
//   - Call Start() to join the cluster
//   - On the leader, WaitOrchestration() returns once the schedule is done
//   - Call Stop() for graceful shutdown
type Node struct {
	cfg  Config
	conn *nats.Conn

	// Optional dependencies
	logger    Logger
	metrics   MetricsCollector
	hooks     *Hooks
	launcher  ProcessLauncher
	bootstrap BootstrapFunc
	clock     Clock

	// Internal components
	bus        *control.Bus
	tables     map[WorkerIndex]*routing.Table
	subs       []*control.Subscription
	heartbeats []*heartbeat.Publisher
	orch       *orchestrator.Orchestrator
	ingest     *control.Ingest

	// Orchestration result, valid once orchDone is closed
	orchDone  chan struct{}
	orchState OrchestratorState
	orchErr   error

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
}

// NewNode creates a Node for the process described by cfg.
//
// Parameters:
//   - cfg: Process configuration; defaults are applied in place
//   - conn: NATS connection for coordination
//   - opts: Optional logger, metrics, hooks, launcher, bootstrap handler and clock
//
// Returns:
//   - *Node: Initialized node
//   - error: ErrInvalidConfig or ErrNATSConnectionRequired
//
// Example:
//
//	cfg := rescale.DefaultConfig()
//	cfg.Processes, cfg.WorkersPerProcess = 2, 4
//	node, err := rescale.NewNode(&cfg, nc, rescale.WithLauncher(l))
func NewNode(cfg *Config, conn *nats.Conn, opts ...Option) (*Node, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	if conn == nil {
		return nil, ErrNATSConnectionRequired
	}

	SetDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	options := &nodeOptions{}
	for _, opt := range opts {
		opt(options)
	}

	n := &Node{
		cfg:       *cfg,
		conn:      conn,
		logger:    options.logger,
		metrics:   options.metrics,
		hooks:     options.hooks,
		launcher:  options.launcher,
		bootstrap: options.bootstrap,
		clock:     options.clock,
		tables:    make(map[WorkerIndex]*routing.Table, cfg.WorkersPerProcess),
		orchDone:  make(chan struct{}),
	}

	// Provide safe defaults for optional dependencies to avoid nil checks everywhere
	if n.logger == nil {
		n.logger = logging.NewNop()
	}
	if n.metrics == nil {
		n.metrics = metrics.NewNop()
	}
	if n.hooks == nil {
		n.hooks = &Hooks{}
	}
	if n.clock == nil {
		n.clock = orchestrator.RealClock()
	}

	cfg.ValidateWithWarnings(n.logger)

	return n, nil
}

// Start joins the cluster.
//
// It ensures the heartbeat bucket and control stream exist, subscribes every
// local worker's routing table to the control stream, starts heartbeats, and
// on the leader process starts the control authority. Orchestration runs in
// the background; use WaitOrchestration to collect its result.
//
// Parameters:
//   - ctx: Context for startup; the node's own lifetime ends with Stop
//
// Returns:
//   - error: Startup error; partially started components are stopped
func (n *Node) Start(ctx context.Context) (err error) {
	n.mu.Lock()
	if n.ctx != nil {
		n.mu.Unlock()
		return ErrAlreadyStarted
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.mu.Unlock()

	defer func() {
		if err != nil {
			n.teardown()
		}
	}()

	startupCtx, cancel := context.WithTimeout(ctx, n.cfg.StartupTimeout)
	defer cancel()

	js, err := jetstream.New(n.conn)
	if err != nil {
		return fmt.Errorf("failed to create jetstream context: %w", err)
	}

	heartbeatKV, err := kvutil.EnsureKVBucketWithRetry(startupCtx, js, jetstream.KeyValueConfig{
		Bucket:      n.cfg.HeartbeatBucket,
		Description: "rescale worker heartbeats",
		TTL:         n.cfg.HeartbeatTTL,
	}, 3)
	if err != nil {
		return fmt.Errorf("failed to create heartbeat KV: %w", err)
	}

	storage := jetstream.FileStorage
	if n.cfg.Control.MemoryStorage {
		storage = jetstream.MemoryStorage
	}
	n.bus, err = control.NewBus(startupCtx, n.conn, control.BusConfig{
		StreamName: n.cfg.Control.StreamName,
		Subject:    n.controlSubject(),
		Storage:    storage,
	}, n.logger, n.metrics)
	if err != nil {
		return fmt.Errorf("failed to create control bus: %w", err)
	}

	// A fresh run starts from an empty control history.
	if n.cfg.IsLeaderProcess() {
		if err := n.bus.Reset(startupCtx); err != nil {
			return fmt.Errorf("failed to reset control stream: %w", err)
		}
	}

	for _, w := range n.cfg.Workers() {
		if err := n.startWorker(startupCtx, heartbeatKV, w); err != nil {
			return err
		}
	}

	n.logger.Info("node started",
		"process", n.cfg.ProcessIndex,
		"workers", n.cfg.Workers(),
		"joining", n.cfg.IsJoining(),
		"bins", n.cfg.BinCount(),
	)

	if !n.cfg.IsLeaderProcess() {
		return nil
	}

	switch n.cfg.Control.Mode {
	case ControlModeIngest:
		return n.startIngest(n.ctx)
	default:
		return n.startOrchestrator(heartbeatKV)
	}
}

// startWorker wires one logical worker: routing table, control subscription, heartbeat.
func (n *Node) startWorker(ctx context.Context, kv jetstream.KeyValue, w WorkerIndex) error {
	table := routing.NewTable(w, n.cfg.InitialWorkers(), n.cfg.BinShift)
	table.OnBootstrap(func(ctx context.Context, from, newWorker WorkerIndex) error {
		n.logger.Info("bootstrapping new worker", "from", from, "new_worker", newWorker)
		if n.bootstrap != nil {
			if err := n.bootstrap(ctx, from, newWorker); err != nil {
				return err
			}
		}
		if n.hooks.OnBootstrap != nil {
			if err := n.hooks.OnBootstrap(ctx, from, newWorker); err != nil {
				n.logger.Warn("bootstrap hook failed", "from", from, "new_worker", newWorker, "error", err)
			}
		}

		return nil
	})

	n.mu.Lock()
	n.tables[w] = table
	n.mu.Unlock()

	sub, err := n.bus.Subscribe(n.ctx, func(ctx context.Context, batch Batch) error {
		if err := table.Apply(ctx, batch); err != nil {
			return fmt.Errorf("worker %d: %w", w, err)
		}
		n.logger.Debug("control batch applied", "worker", w, "seq", batch.Seq, "size", batch.Len())

		if n.hooks.OnBatchApplied != nil {
			if err := n.hooks.OnBatchApplied(ctx, w, batch); err != nil {
				n.logger.Warn("batch hook failed", "worker", w, "seq", batch.Seq, "error", err)
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe worker %d to controls: %w", w, err)
	}
	n.subs = append(n.subs, sub)

	pub := heartbeat.NewPublisher(kv, heartbeatKeyPrefix, w, n.cfg.HeartbeatInterval)
	pub.SetLogger(n.logger)
	pub.SetMetrics(n.metrics)
	if err := pub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start heartbeat for worker %d: %w", w, err)
	}
	n.heartbeats = append(n.heartbeats, pub)

	return nil
}

// startIngest runs the text control ingest for the node's lifetime; ctx must
// outlive Start because every accepted line is published with it.
func (n *Node) startIngest(ctx context.Context) error {
	parser := control.NewParser(n.cfg.BinCount(), n.logger)
	n.ingest = control.NewIngest(n.conn, n.TextControlSubject(), parser, control.NewSequencer(0), n.bus, n.logger, n.metrics)
	if err := n.ingest.Start(ctx); err != nil {
		return fmt.Errorf("failed to start control ingest: %w", err)
	}
	close(n.orchDone)

	return nil
}

func (n *Node) startOrchestrator(kv jetstream.KeyValue) error {
	launch := n.launcher
	if launch == nil && len(n.cfg.Orchestrator.Schedule) > 0 {
		binary := n.cfg.Launcher.Binary
		if binary == "" {
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("%w: no launcher binary configured: %w", ErrLauncherRequired, err)
			}
			binary = exe
		}
		launch = launcher.NewExec(binary, n.cfg.Launcher.Args, nil, n.logger)
	}
	if launch == nil {
		launch = noLaunch{}
	}

	lb := balancer.New(n.cfg.InitialWorkers(), n.cfg.BinCount())
	monitor := heartbeat.NewMonitor(kv, heartbeatKeyPrefix, n.cfg.HeartbeatInterval, n.logger)

	orch, err := orchestrator.New(
		orchestrator.Config{
			Schedule:        n.cfg.Orchestrator.Schedule,
			BootstrapMargin: n.cfg.Orchestrator.BootstrapMargin,
			JoinTimeout:     n.cfg.Orchestrator.JoinTimeout,
			JoinRetries:     n.cfg.Orchestrator.JoinRetries,
		},
		orchestrator.NewState(n.cfg.Processes, n.cfg.WorkersPerProcess),
		launch, monitor, n.bus, lb,
		orchestrator.WithLogger(n.logger),
		orchestrator.WithMetrics(n.metrics),
		orchestrator.WithHooks(n.hooks),
		orchestrator.WithClock(n.clock),
	)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	n.orch = orch
	n.metrics.RecordPeers(n.cfg.Processes * n.cfg.WorkersPerProcess)

	n.wg.Go(func() {
		defer close(n.orchDone)

		st, err := orch.Run(n.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			n.logger.Error("orchestration failed", "error", err, "state", st.String())
		}

		n.mu.Lock()
		n.orchState, n.orchErr = st, err
		n.mu.Unlock()
	})

	return nil
}

// Stop gracefully shuts down the node.
//
// Parameters:
//   - ctx: Context for shutdown timeout
//
// Returns:
//   - error: ErrNotStarted, heartbeat cleanup errors, or ctx.Err() on timeout
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.ctx == nil || n.stopped {
		n.mu.Unlock()
		return ErrNotStarted
	}
	n.mu.Unlock()

	shutdownErr := n.teardown()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("node stopped", "process", n.cfg.ProcessIndex)
		return shutdownErr
	case <-ctx.Done():
		n.logger.Error("shutdown timeout exceeded, orchestration may still be running")
		return errors.Join(ctx.Err(), shutdownErr)
	}
}

// teardown stops every started component in reverse start order.
func (n *Node) teardown() error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	n.cancel()
	n.mu.Unlock()

	var errs []error
	if n.ingest != nil {
		if err := n.ingest.Stop(); err != nil && !errors.Is(err, types.ErrNotStarted) {
			errs = append(errs, fmt.Errorf("ingest stop failed: %w", err))
		}
	}
	for _, sub := range n.subs {
		sub.Stop()
	}
	for _, pub := range n.heartbeats {
		if err := pub.Stop(); err != nil && !errors.Is(err, types.ErrNotStarted) {
			errs = append(errs, fmt.Errorf("heartbeat stop failed: %w", err))
		}
	}

	return errors.Join(errs...)
}

// WaitOrchestration blocks until the leader's orchestration has finished.
//
// Parameters:
//   - ctx: Context bounding the wait
//
// Returns:
//   - OrchestratorState: Final counters
//   - error: ErrNotLeader on other processes, ErrNotStarted before Start,
//     the orchestration error, or ctx.Err()
func (n *Node) WaitOrchestration(ctx context.Context) (OrchestratorState, error) {
	if !n.cfg.IsLeaderProcess() {
		return OrchestratorState{}, ErrNotLeader
	}

	n.mu.RLock()
	started := n.ctx != nil
	n.mu.RUnlock()
	if !started {
		return OrchestratorState{}, ErrNotStarted
	}

	select {
	case <-n.orchDone:
	case <-ctx.Done():
		return OrchestratorState{}, ctx.Err()
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.orchState, n.orchErr
}

// Phase returns the leader's orchestration phase.
//
// Non-leader processes and ingest mode always report PhaseIdle.
func (n *Node) Phase() Phase {
	if n.orch == nil {
		return PhaseIdle
	}

	return n.orch.Phases().Phase()
}

// State returns the leader's current orchestration counters.
//
// Returns:
//   - OrchestratorState: Latest counters
//   - bool: false on processes that do not run the orchestrator
func (n *Node) State() (OrchestratorState, bool) {
	if n.orch == nil {
		return OrchestratorState{}, false
	}

	return n.orch.State(), true
}

// Workers returns the global indices of the local workers.
func (n *Node) Workers() []WorkerIndex {
	return n.cfg.Workers()
}

// Tables returns a snapshot of every local worker's bin -> worker vector.
func (n *Node) Tables() map[WorkerIndex][]WorkerIndex {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make(map[WorkerIndex][]WorkerIndex, len(n.tables))
	for w, table := range n.tables {
		out[w] = table.Snapshot()
	}

	return out
}

// OwnerOf returns the worker currently owning key, as seen by the first local worker.
//
// Returns:
//   - WorkerIndex: Owning worker
//   - bool: false before Start
func (n *Node) OwnerOf(key string) (WorkerIndex, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	workers := slices.Sorted(maps.Keys(n.tables))
	if len(workers) == 0 {
		return 0, false
	}

	return n.tables[workers[0]].OwnerOf(key), true
}

// TextControlSubject returns the subject the text control channel listens on in ingest mode.
func (n *Node) TextControlSubject() string {
	return n.cfg.SubjectPrefix + ".control.text"
}

func (n *Node) controlSubject() string {
	return n.cfg.SubjectPrefix + ".control"
}

// noLaunch stands in for a launcher when the schedule is empty and none was configured.
type noLaunch struct{}

func (noLaunch) Launch(context.Context, SpawnRequest) error {
	return ErrLauncherRequired
}
