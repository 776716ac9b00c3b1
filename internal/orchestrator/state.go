package orchestrator

import (
	"fmt"

	"github.com/arloliu/rescale/types"
)

// State holds the orchestration counters between cycles.
//
// State is a value: helpers return an updated copy and never mutate the
// receiver.
type State struct {
	// Processes is the process count the cluster was started with.
	Processes int
	// WorkersPerProcess is the number of workers each process hosts.
	WorkersPerProcess int
	// NextProcess is the ordinal of the next process to spawn.
	NextProcess int
	// JoinFrom is the existing worker the next newcomer bootstraps from.
	JoinFrom types.WorkerIndex
	// NewProcesses is the process count after the next join.
	NewProcesses int
	// Seq is the next control batch sequence number.
	Seq uint64
	// Peers is the current total worker count.
	Peers int
	// Phase is the phase the orchestrator was in when this state was produced.
	Phase types.Phase
}

// NewState returns the state of a freshly started cluster of processes×workersPerProcess workers.
func NewState(processes, workersPerProcess int) State {
	return State{
		Processes:         processes,
		WorkersPerProcess: workersPerProcess,
		NextProcess:       processes,
		JoinFrom:          0,
		NewProcesses:      processes + 1,
		Seq:               0,
		Peers:             processes * workersPerProcess,
		Phase:             types.PhaseIdle,
	}
}

// SpawnRequest returns the launch request for the next process.
func (s State) SpawnRequest() types.SpawnRequest {
	return types.SpawnRequest{
		Processes:         s.Processes,
		WorkersPerProcess: s.WorkersPerProcess,
		ProcessIndex:      s.NextProcess,
		JoinFrom:          s.JoinFrom,
		NewProcesses:      s.NewProcesses,
	}
}

// NewWorkers returns the global indices of the next process's workers.
func (s State) NewWorkers() []types.WorkerIndex {
	first := s.NextProcess * s.WorkersPerProcess
	workers := make([]types.WorkerIndex, s.WorkersPerProcess)
	for i := range workers {
		workers[i] = types.WorkerIndex(first + i)
	}

	return workers
}

// BootstrapBatch returns one Bootstrap instruction per joining worker under
// a single sequence number, and the state with that number consumed.
func (s State) BootstrapBatch() (types.Batch, State) {
	newWorkers := s.NewWorkers()
	instructions := make([]types.ControlInstruction, len(newWorkers))
	for i, w := range newWorkers {
		instructions[i] = types.BootstrapInstruction(s.JoinFrom, w)
	}

	batch := types.NewBatch(s.Seq, instructions...)
	s.Seq++

	return batch, s
}

// MoveBatch wraps moves into one Move batch sized to the move count.
//
// Returns:
//   - types.Batch: The batch (zero value if moves is empty)
//   - State: State with the sequence number consumed
//   - bool: false when there is nothing to publish; no sequence number is consumed
func (s State) MoveBatch(moves []types.Move) (types.Batch, State, bool) {
	if len(moves) == 0 {
		return types.Batch{}, s, false
	}

	instructions := make([]types.ControlInstruction, len(moves))
	for i, mv := range moves {
		instructions[i] = types.MoveInstruction(mv.Bin, mv.Worker)
	}

	batch := types.NewBatch(s.Seq, instructions...)
	s.Seq++

	return batch, s, true
}

// Advance records a completed join and prepares the counters for the next cycle.
//
// Parameters:
//   - peers: Worker count observed after the join; the join rotation wraps at it
func (s State) Advance(peers int) State {
	s.Peers = peers
	s.NextProcess++
	s.NewProcesses++
	if peers > 0 {
		s.JoinFrom = types.WorkerIndex((int(s.JoinFrom) + 1) % peers)
	}

	return s
}

// String returns a compact description for logs.
func (s State) String() string {
	return fmt.Sprintf("p=%d nn=%d join=%d seq=%d peers=%d phase=%s",
		s.NextProcess, s.NewProcesses, s.JoinFrom, s.Seq, s.Peers, s.Phase)
}
