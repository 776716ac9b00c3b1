package types

import (
	"context"
	"strconv"
	"time"
)

// SpawnRequest describes the process the leader launches for one scale-out.
//
// The fields mirror the worker command line so that a joining process can
// rebuild the cluster shape it is joining.
type SpawnRequest struct {
	// Processes is the process count the cluster was started with (-n).
	Processes int
	// WorkersPerProcess is the number of workers each process hosts (-w).
	WorkersPerProcess int
	// ProcessIndex is the ordinal of the new process (-p).
	ProcessIndex int
	// JoinFrom is the existing worker the newcomer bootstraps from (--join).
	JoinFrom WorkerIndex
	// NewProcesses is the process count once the newcomer has joined (--nn).
	NewProcesses int
}

// Args encodes the request as a worker command line argument vector.
//
// Returns:
//   - []string: "-n N -w W -p P --join J --nn NN"
func (r SpawnRequest) Args() []string {
	return []string{
		"-n", strconv.Itoa(r.Processes),
		"-w", strconv.Itoa(r.WorkersPerProcess),
		"-p", strconv.Itoa(r.ProcessIndex),
		"--join", strconv.Itoa(int(r.JoinFrom)),
		"--nn", strconv.Itoa(r.NewProcesses),
	}
}

// ProcessLauncher starts new worker processes.
//
// Launch returns once the process has started; it does not wait for the
// process to join the cluster. A returned error is fatal to orchestration.
type ProcessLauncher interface {
	Launch(ctx context.Context, req SpawnRequest) error
}

// PeerWatcher observes how many workers are currently part of the cluster.
type PeerWatcher interface {
	// Peers returns the current number of live workers.
	Peers(ctx context.Context) (int, error)

	// WaitForPeers blocks until at least want workers are live and every
	// worker in required is among them.
	//
	// Returns ErrJoinTimeout when timeout elapses first.
	WaitForPeers(ctx context.Context, want int, required []WorkerIndex, timeout time.Duration) (int, error)
}

// ControlPublisher broadcasts control envelopes to every worker.
type ControlPublisher interface {
	Publish(ctx context.Context, controls []Control) error
}
