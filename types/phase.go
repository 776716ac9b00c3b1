package types

// Phase represents the lifecycle phase of the rescaling orchestrator.
//
// The leader cycles through these phases once per scale-out trigger:
//
//	Idle → Spawning → Bootstrapping → MarginWait → Rebalancing → Idle
//
// Done is entered when the trigger schedule is exhausted, Failed when a
// cycle hit a non-retryable error.
type Phase int

const (
	// PhaseIdle waits for the next scheduled scale-out trigger.
	PhaseIdle Phase = iota

	// PhaseSpawning launches the new process and waits for its workers to join.
	PhaseSpawning

	// PhaseBootstrapping broadcasts the bootstrap batch for the joined workers.
	PhaseBootstrapping

	// PhaseMarginWait lets bootstrap state transfer settle before bins move.
	PhaseMarginWait

	// PhaseRebalancing computes and broadcasts the move batch.
	PhaseRebalancing

	// PhaseDone indicates the trigger schedule was fully processed.
	PhaseDone

	// PhaseFailed indicates orchestration stopped on a fatal error.
	PhaseFailed
)

// String returns the string representation of the phase.
//
// Returns:
//   - string: Human-readable phase name
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseSpawning:
		return "Spawning"
	case PhaseBootstrapping:
		return "Bootstrapping"
	case PhaseMarginWait:
		return "MarginWait"
	case PhaseRebalancing:
		return "Rebalancing"
	case PhaseDone:
		return "Done"
	case PhaseFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether no further transitions can follow this phase.
func (p Phase) IsTerminal() bool {
	return p == PhaseDone || p == PhaseFailed
}
