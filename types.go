package rescale

import (
	"github.com/arloliu/rescale/internal/orchestrator"
	"github.com/arloliu/rescale/internal/routing"
	"github.com/arloliu/rescale/types"
)

// Re-export types from the types package.
//
// Internal packages depend on types rather than on the root package, which
// avoids import cycles while still letting users write rescale.Phase,
// rescale.Logger and so on.
type (
	BinID              = types.BinID
	WorkerIndex        = types.WorkerIndex
	Move               = types.Move
	ControlInstruction = types.ControlInstruction
	Control            = types.Control
	Batch              = types.Batch
	Phase              = types.Phase
	SpawnRequest       = types.SpawnRequest

	// OrchestratorState holds the leader's scale-out counters.
	OrchestratorState = orchestrator.State

	// BootstrapFunc transfers bin state from an existing worker to a new one.
	BootstrapFunc = routing.BootstrapFunc

	// Clock abstracts wall time for the scale-out schedule.
	Clock = orchestrator.Clock
)

// Re-export interfaces from the types package for convenience.
type (
	Logger           = types.Logger
	MetricsCollector = types.MetricsCollector
	ProcessLauncher  = types.ProcessLauncher
	Hooks            = types.Hooks
)

// Re-export Phase constants from the types package.
const (
	PhaseIdle          = types.PhaseIdle
	PhaseSpawning      = types.PhaseSpawning
	PhaseBootstrapping = types.PhaseBootstrapping
	PhaseMarginWait    = types.PhaseMarginWait
	PhaseRebalancing   = types.PhaseRebalancing
	PhaseDone          = types.PhaseDone
	PhaseFailed        = types.PhaseFailed
)
