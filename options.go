package rescale

// Option configures a Node with optional dependencies.
type Option func(*nodeOptions)

// nodeOptions holds optional Node configuration.
type nodeOptions struct {
	logger    Logger
	metrics   MetricsCollector
	hooks     *Hooks
	launcher  ProcessLauncher
	bootstrap BootstrapFunc
	clock     Clock
}

// WithLogger sets a logger.
//
// Parameters:
//   - logger: Logger implementation
//
// Returns:
//   - Option: Functional option for NewNode
//
// Example:
//
//	logger, _ := logging.New(os.Stderr, "info", "json")
//	node, err := rescale.NewNode(&cfg, nc, rescale.WithLogger(logger))
func WithLogger(logger Logger) Option {
	return func(o *nodeOptions) {
		o.logger = logger
	}
}

// WithMetrics sets a metrics collector.
//
// Parameters:
//   - metrics: MetricsCollector implementation
//
// Returns:
//   - Option: Functional option for NewNode
func WithMetrics(metrics MetricsCollector) Option {
	return func(o *nodeOptions) {
		o.metrics = metrics
	}
}

// WithHooks sets lifecycle event hooks.
//
// Parameters:
//   - hooks: Hooks structure with callback functions
//
// Returns:
//   - Option: Functional option for NewNode
//
// Example:
//
//	hooks := &rescale.Hooks{
//	    OnBatchApplied: func(ctx context.Context, w rescale.WorkerIndex, b rescale.Batch) error {
//	        log.Printf("worker %d applied seq %d", w, b.Seq)
//	        return nil
//	    },
//	}
//	node, err := rescale.NewNode(&cfg, nc, rescale.WithHooks(hooks))
func WithHooks(hooks *Hooks) Option {
	return func(o *nodeOptions) {
		o.hooks = hooks
	}
}

// WithLauncher sets the process launcher used by the leader to scale out.
//
// Required on the leader process when the orchestrator has triggers.
//
// Parameters:
//   - launcher: ProcessLauncher implementation
//
// Returns:
//   - Option: Functional option for NewNode
func WithLauncher(launcher ProcessLauncher) Option {
	return func(o *nodeOptions) {
		o.launcher = launcher
	}
}

// WithBootstrapHandler sets the callback that transfers bin state to a newly
// joined worker. It runs on the source worker named by each Bootstrap
// instruction. Hooks.OnBootstrap, if set, is still called afterwards.
//
// Parameters:
//   - fn: State transfer callback
//
// Returns:
//   - Option: Functional option for NewNode
func WithBootstrapHandler(fn BootstrapFunc) Option {
	return func(o *nodeOptions) {
		o.bootstrap = fn
	}
}

// WithClock replaces the wall clock used for the scale-out schedule and the
// bootstrap margin.
//
// Parameters:
//   - clock: Clock implementation
//
// Returns:
//   - Option: Functional option for NewNode
func WithClock(clock Clock) Option {
	return func(o *nodeOptions) {
		o.clock = clock
	}
}
