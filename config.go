package rescale

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arloliu/rescale/types"
)

// Control authority modes.
const (
	// ControlModeOrchestrator lets the leader's orchestrator drive scale-out.
	ControlModeOrchestrator = "orchestrator"

	// ControlModeIngest lets an operator drive migrations through the text control channel.
	ControlModeIngest = "ingest"
)

// Environment variables read by ApplyEnv.
const (
	// EnvProcesses holds the initial process count.
	EnvProcesses = "RESCALE_PROCESSES"

	// EnvWorkers holds the number of workers per process.
	EnvWorkers = "RESCALE_WORKERS"
)

// OrchestratorConfig controls scale-out on the leader.
type OrchestratorConfig struct {
	// Schedule lists scale-out trigger offsets from orchestration start
	// (e.g., ["10s", "20s"]). Each entry adds one process.
	Schedule []time.Duration `yaml:"schedule"`

	// BootstrapMargin is how long the leader waits after the bootstrap batch
	// before moving bins onto the new workers.
	//
	// The margin is a timing assumption: nothing confirms that state transfer
	// finished when it elapses.
	//
	// Default: 500ms
	BootstrapMargin time.Duration `yaml:"bootstrapMargin"`

	// JoinTimeout bounds one wait for a spawned process's workers to publish heartbeats.
	// Default: 30 seconds
	JoinTimeout time.Duration `yaml:"joinTimeout"`

	// JoinRetries is the number of further waits after a join timeout.
	// The process is never respawned. Default: 2
	JoinRetries int `yaml:"joinRetries"`
}

// ControlConfig configures the control channel.
type ControlConfig struct {
	// Mode selects the control authority on the leader: "orchestrator" or "ingest".
	// Exactly one authority publishes controls in a cluster.
	Mode string `yaml:"mode"`

	// StreamName is the JetStream stream holding the control history.
	StreamName string `yaml:"streamName"`

	// MemoryStorage keeps the control stream in memory instead of on disk.
	MemoryStorage bool `yaml:"memoryStorage"`
}

// LauncherConfig configures how the leader spawns new processes.
type LauncherConfig struct {
	// Binary is the worker executable. Empty means the current executable.
	Binary string `yaml:"binary"`

	// Args are passed before the generated "-n -w -p --join --nn" arguments.
	Args []string `yaml:"args"`
}

// Config is the configuration of one worker process.
//
// All duration fields accept standard Go duration strings like "500ms", "30s".
type Config struct {
	// Processes is the number of processes the cluster was started with (-n).
	Processes int `yaml:"processes"`

	// WorkersPerProcess is the number of workers each process hosts (-w).
	WorkersPerProcess int `yaml:"workersPerProcess"`

	// ProcessIndex is this process's ordinal (-p). Process 0 hosts the leader.
	ProcessIndex int `yaml:"processIndex"`

	// JoinFrom is the existing worker a joining process bootstraps from (--join).
	JoinFrom int `yaml:"joinFrom"`

	// NewProcesses is the process count after this process joins (--nn).
	// Zero for processes that are part of the initial cluster.
	NewProcesses int `yaml:"newProcesses"`

	// BinShift sets the bin count to 1 << BinShift.
	// Default: 8 (256 bins)
	BinShift uint `yaml:"binShift"`

	// SubjectPrefix prefixes every NATS subject and heartbeat key.
	// Default: "rescale"
	SubjectPrefix string `yaml:"subjectPrefix"`

	// HeartbeatBucket is the KV bucket holding worker heartbeats.
	HeartbeatBucket string `yaml:"heartbeatBucket"`

	// HeartbeatInterval is how often workers publish heartbeats.
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`

	// HeartbeatTTL is how long a heartbeat stays valid.
	// Must be at least 2*HeartbeatInterval.
	HeartbeatTTL time.Duration `yaml:"heartbeatTtl"`

	// StartupTimeout bounds bucket and stream creation in Start.
	StartupTimeout time.Duration `yaml:"startupTimeout"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	// Orchestrator controls scale-out on the leader.
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`

	// Control configures the control channel.
	Control ControlConfig `yaml:"control"`

	// Launcher configures process spawning on the leader.
	Launcher LauncherConfig `yaml:"launcher"`
}

// DefaultConfig returns a Config with sensible defaults.
//
// Processes and WorkersPerProcess have no default; they come from flags or
// the environment (see ApplyEnv).
//
// Returns:
//   - Config: Configuration with default values
func DefaultConfig() Config {
	return Config{
		BinShift:          8,
		SubjectPrefix:     "rescale",
		HeartbeatBucket:   "rescale-heartbeat",
		HeartbeatInterval: time.Second,
		HeartbeatTTL:      3 * time.Second,
		StartupTimeout:    30 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		Orchestrator: OrchestratorConfig{
			BootstrapMargin: 500 * time.Millisecond,
			JoinTimeout:     30 * time.Second,
			JoinRetries:     2,
		},
		Control: ControlConfig{
			Mode:       ControlModeOrchestrator,
			StreamName: "RESCALE_CONTROL",
		},
	}
}

// SetDefaults fills in missing configuration values with defaults.
//
// Parameters:
//   - cfg: Config to apply defaults to (modified in place)
func SetDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.BinShift == 0 {
		cfg.BinShift = defaults.BinShift
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = defaults.SubjectPrefix
	}
	if cfg.HeartbeatBucket == "" {
		cfg.HeartbeatBucket = defaults.HeartbeatBucket
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.HeartbeatTTL == 0 {
		cfg.HeartbeatTTL = defaults.HeartbeatTTL
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = defaults.StartupTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if cfg.Orchestrator.BootstrapMargin == 0 {
		cfg.Orchestrator.BootstrapMargin = defaults.Orchestrator.BootstrapMargin
	}
	if cfg.Orchestrator.JoinTimeout == 0 {
		cfg.Orchestrator.JoinTimeout = defaults.Orchestrator.JoinTimeout
	}
	// JoinRetries of 0 is valid (fail on the first timeout), so no default is applied.
	if cfg.Control.Mode == "" {
		cfg.Control.Mode = defaults.Control.Mode
	}
	if cfg.Control.StreamName == "" {
		cfg.Control.StreamName = defaults.Control.StreamName
	}
}

// BinCount returns the number of bins, 1 << BinShift.
func (cfg *Config) BinCount() int {
	return types.BinCount(cfg.BinShift)
}

// IsJoining reports whether this process joins a running cluster.
func (cfg *Config) IsJoining() bool {
	return cfg.NewProcesses > 0
}

// Workers returns the global indices of the workers hosted by this process.
func (cfg *Config) Workers() []types.WorkerIndex {
	first := cfg.ProcessIndex * cfg.WorkersPerProcess
	workers := make([]types.WorkerIndex, cfg.WorkersPerProcess)
	for i := range workers {
		workers[i] = types.WorkerIndex(first + i)
	}

	return workers
}

// InitialWorkers returns every worker of the initial cluster.
//
// Every routing table starts from the round-robin layout over these workers,
// joining processes included; replaying the control history brings a
// joiner's table up to date.
func (cfg *Config) InitialWorkers() []types.WorkerIndex {
	workers := make([]types.WorkerIndex, cfg.Processes*cfg.WorkersPerProcess)
	for i := range workers {
		workers[i] = types.WorkerIndex(i)
	}

	return workers
}

// IsLeaderProcess reports whether this process hosts worker 0.
func (cfg *Config) IsLeaderProcess() bool {
	return cfg.ProcessIndex == 0 && !cfg.IsJoining()
}

// Validate checks configuration constraints and returns error for invalid values.
//
// Hard Validation Rules:
//   - Processes >= 1 and WorkersPerProcess >= 1
//   - Initial processes: ProcessIndex < Processes
//   - Joining processes: Processes <= ProcessIndex < NewProcesses
//   - Joining processes: JoinFrom names an existing worker
//   - 1 <= BinShift <= types.MaxBinShift
//   - HeartbeatTTL >= 2 * HeartbeatInterval (allow 1 missed heartbeat)
//   - Control.Mode is "orchestrator" or "ingest"
//   - Orchestrator timings are non-negative and JoinTimeout > 0
//
// Returns:
//   - error: Validation error with clear explanation, nil if valid
func (cfg *Config) Validate() error {
	// Rule 1: Cluster shape
	if cfg.Processes < 1 {
		return fmt.Errorf("Processes must be >= 1, got %d", cfg.Processes)
	}
	if cfg.WorkersPerProcess < 1 {
		return fmt.Errorf("WorkersPerProcess must be >= 1, got %d", cfg.WorkersPerProcess)
	}

	// Rule 2: Process ordinal
	if cfg.ProcessIndex < 0 {
		return fmt.Errorf("ProcessIndex must be >= 0, got %d", cfg.ProcessIndex)
	}
	if !cfg.IsJoining() && cfg.ProcessIndex >= cfg.Processes {
		return fmt.Errorf(
			"ProcessIndex (%d) must be < Processes (%d) for an initial process; joining processes set NewProcesses",
			cfg.ProcessIndex, cfg.Processes,
		)
	}

	// Rule 3: Join coordinates
	if cfg.IsJoining() {
		if cfg.ProcessIndex < cfg.Processes || cfg.ProcessIndex >= cfg.NewProcesses {
			return fmt.Errorf(
				"joining ProcessIndex (%d) must be in [Processes (%d), NewProcesses (%d))",
				cfg.ProcessIndex, cfg.Processes, cfg.NewProcesses,
			)
		}
		if existing := cfg.ProcessIndex * cfg.WorkersPerProcess; cfg.JoinFrom < 0 || cfg.JoinFrom >= existing {
			return fmt.Errorf("JoinFrom (%d) must name an existing worker in [0, %d)", cfg.JoinFrom, existing)
		}
	}

	// Rule 4: Bin space
	if cfg.BinShift < 1 || cfg.BinShift > types.MaxBinShift {
		return fmt.Errorf("BinShift must be in [1, %d], got %d", types.MaxBinShift, cfg.BinShift)
	}

	// Rule 5: Heartbeat TTL sanity
	if cfg.HeartbeatTTL < 2*cfg.HeartbeatInterval {
		return fmt.Errorf(
			"HeartbeatTTL (%v) must be >= 2*HeartbeatInterval (%v) to allow one missed heartbeat",
			cfg.HeartbeatTTL, cfg.HeartbeatInterval,
		)
	}

	// Rule 6: Control authority
	if cfg.Control.Mode != ControlModeOrchestrator && cfg.Control.Mode != ControlModeIngest {
		return fmt.Errorf("Control.Mode must be %q or %q, got %q", ControlModeOrchestrator, ControlModeIngest, cfg.Control.Mode)
	}

	// Rule 7: Orchestrator timing
	if cfg.Orchestrator.BootstrapMargin < 0 {
		return fmt.Errorf("BootstrapMargin must be >= 0, got %v", cfg.Orchestrator.BootstrapMargin)
	}
	if cfg.Orchestrator.JoinTimeout <= 0 {
		return fmt.Errorf("JoinTimeout must be > 0, got %v", cfg.Orchestrator.JoinTimeout)
	}
	if cfg.Orchestrator.JoinRetries < 0 {
		return fmt.Errorf("JoinRetries must be >= 0, got %d", cfg.Orchestrator.JoinRetries)
	}
	for i, offset := range cfg.Orchestrator.Schedule {
		if offset < 0 {
			return fmt.Errorf("Schedule[%d] must be >= 0, got %v", i, offset)
		}
	}

	return nil
}

// ValidateWithWarnings logs warnings for valid but questionable values.
//
// Parameters:
//   - logger: Logger instance for warning output
func (cfg *Config) ValidateWithWarnings(logger Logger) {
	if cfg.Control.Mode == ControlModeOrchestrator && cfg.IsLeaderProcess() && len(cfg.Orchestrator.Schedule) == 0 {
		logger.Warn("orchestrator has no scale-out triggers, the cluster will not grow")
	}

	if cfg.Control.Mode == ControlModeIngest && len(cfg.Orchestrator.Schedule) > 0 {
		logger.Warn(
			"scale-out schedule is ignored in ingest mode",
			"triggers", len(cfg.Orchestrator.Schedule),
		)
	}

	if cfg.Orchestrator.BootstrapMargin < 100*time.Millisecond {
		logger.Warn(
			"BootstrapMargin is very short, bins may move before state transfer completes",
			"margin", cfg.Orchestrator.BootstrapMargin,
			"recommended", "500ms or higher",
		)
	}

	if cfg.Orchestrator.JoinTimeout < 2*cfg.HeartbeatInterval {
		logger.Warn(
			"JoinTimeout is shorter than two heartbeat intervals",
			"joinTimeout", cfg.Orchestrator.JoinTimeout,
			"heartbeatInterval", cfg.HeartbeatInterval,
		)
	}
}

// TestConfig returns a configuration optimized for fast test execution.
//
// Returns:
//   - Config: Configuration with fast timings and in-memory control storage
//
// Example:
//
//	cfg := rescale.TestConfig()
//	cfg.Processes, cfg.WorkersPerProcess = 1, 2
//	node, err := rescale.NewNode(&cfg, nc)
func TestConfig() Config {
	cfg := DefaultConfig()

	cfg.BinShift = 4
	cfg.HeartbeatInterval = 100 * time.Millisecond
	cfg.HeartbeatTTL = 500 * time.Millisecond
	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.Orchestrator.BootstrapMargin = 50 * time.Millisecond
	cfg.Orchestrator.JoinTimeout = 2 * time.Second
	cfg.Orchestrator.JoinRetries = 0
	cfg.Control.MemoryStorage = true

	return cfg
}

// LoadConfig loads configuration from a YAML file.
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded configuration with defaults applied (not validated)
//   - error: Error if file cannot be read or parsed
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	SetDefaults(&cfg)

	return &cfg, nil
}

// ApplyEnv reads the cluster shape from the environment.
//
// RESCALE_PROCESSES and RESCALE_WORKERS override Processes and
// WorkersPerProcess. A variable may be absent only if the field is already
// set (e.g., from a flag or the config file).
//
// Parameters:
//   - cfg: Config to update (modified in place)
//   - lookup: Environment lookup, usually os.LookupEnv
//
// Returns:
//   - error: ErrMissingEnv if a required value is absent, ErrInvalidConfig if unparsable
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error

	if err := envInt(lookup, EnvProcesses, &cfg.Processes); err != nil {
		errs = append(errs, err)
	}
	if err := envInt(lookup, EnvWorkers, &cfg.WorkersPerProcess); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func envInt(lookup func(string) (string, bool), name string, dst *int) error {
	raw, ok := lookup(name)
	if !ok || raw == "" {
		if *dst > 0 {
			return nil
		}

		return fmt.Errorf("%w: %s is not set", ErrMissingEnv, name)
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fmt.Errorf("%w: %s must be a positive integer, got %q", ErrInvalidConfig, name, raw)
	}
	*dst = n

	return nil
}
