package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/arloliu/rescale/internal/logging"
	"github.com/arloliu/rescale/types"
)

// Status is the lifecycle state of a launched process.
type Status string

const (
	// StatusRunning indicates the process is currently running.
	StatusRunning Status = "running"

	// StatusExited indicates the process exited with status zero.
	StatusExited Status = "exited"

	// StatusCrashed indicates the process exited with an error.
	StatusCrashed Status = "crashed"

	// StatusStopped indicates the process exited after StopAll signaled it.
	StatusStopped Status = "stopped"

	// StatusKilled indicates the process was forcibly killed.
	StatusKilled Status = "killed"
)

// ProcessInfo describes one launched worker process.
type ProcessInfo struct {
	Request types.SpawnRequest
	Pid     int
	Started time.Time
	Stopped time.Time
	Status  Status
	Err     error
}

type process struct {
	info     ProcessInfo
	cmd      *exec.Cmd
	done     chan struct{}
	stopping bool
}

// Exec launches worker processes by executing a binary.
//
// Children are not bound to the context passed to Launch: a joining worker
// must outlive the orchestration step that started it. Use StopAll to
// terminate them.
type Exec struct {
	binary   string
	baseArgs []string
	env      []string
	logger   types.Logger

	mu        sync.RWMutex
	processes map[int]*process
}

var _ types.ProcessLauncher = (*Exec)(nil)

// NewExec creates a launcher for binary.
//
// Parameters:
//   - binary: Path to the worker binary
//   - baseArgs: Arguments placed before the spawn arguments (e.g. "-config", path)
//   - env: Extra environment entries appended to os.Environ()
//   - logger: Logger (nil uses a no-op logger)
//
// Returns:
//   - *Exec: Launcher instance
//
// Example:
//
//	l := launcher.NewExec(os.Args[0], []string{"-config", cfgPath}, nil, logger)
//	err := l.Launch(ctx, state.SpawnRequest())
func NewExec(binary string, baseArgs []string, env []string, logger types.Logger) *Exec {
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Exec{
		binary:    binary,
		baseArgs:  slices.Clone(baseArgs),
		env:       slices.Clone(env),
		logger:    logger,
		processes: make(map[int]*process),
	}
}

// Launch starts the worker process described by req.
//
// Returns once the process has been started. The exit status is reaped in
// the background and reported through Processes.
//
// Returns:
//   - error: types.ErrSpawnFailed wrapping the start error
func (l *Exec) Launch(ctx context.Context, req types.SpawnRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if p, exists := l.processes[req.ProcessIndex]; exists && p.info.Status == StatusRunning {
		return fmt.Errorf("%w: process %d is already running (pid %d)", types.ErrSpawnFailed, req.ProcessIndex, p.info.Pid)
	}

	args := append(slices.Clone(l.baseArgs), req.Args()...)

	//nolint:gosec // Binary and arguments come from local configuration
	cmd := exec.Command(l.binary, args...)
	cmd.Env = append(os.Environ(), l.env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: process %d: %w", types.ErrSpawnFailed, req.ProcessIndex, err)
	}

	p := &process{
		info: ProcessInfo{
			Request: req,
			Pid:     cmd.Process.Pid,
			Started: time.Now(),
			Status:  StatusRunning,
		},
		cmd:  cmd,
		done: make(chan struct{}),
	}
	l.processes[req.ProcessIndex] = p

	go l.reap(p)

	l.logger.Info("launched worker process",
		"process", req.ProcessIndex,
		"pid", p.info.Pid,
		"args", args,
	)

	return nil
}

// Processes returns a snapshot of all launched processes, ordered by process index.
func (l *Exec) Processes() []ProcessInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()

	infos := make([]ProcessInfo, 0, len(l.processes))
	for _, p := range l.processes {
		infos = append(infos, p.info)
	}
	slices.SortFunc(infos, func(a, b ProcessInfo) int {
		return a.Request.ProcessIndex - b.Request.ProcessIndex
	})

	return infos
}

// Wait blocks until the process with the given index exits or ctx is done.
func (l *Exec) Wait(ctx context.Context, processIndex int) (ProcessInfo, error) {
	l.mu.RLock()
	p, exists := l.processes[processIndex]
	l.mu.RUnlock()

	if !exists {
		return ProcessInfo{}, fmt.Errorf("process %d not found", processIndex)
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		return ProcessInfo{}, ctx.Err()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	return p.info, nil
}

// StopAll sends SIGTERM to every running process and kills those that have
// not exited within timeout.
//
// Returns:
//   - error: Joined signal errors, nil if every process stopped
func (l *Exec) StopAll(timeout time.Duration) error {
	l.mu.RLock()
	running := make([]*process, 0, len(l.processes))
	for _, p := range l.processes {
		if p.info.Status == StatusRunning {
			running = append(running, p)
		}
	}
	l.mu.RUnlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, p := range running {
		wg.Go(func() {
			if err := l.stop(p, timeout); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	return errors.Join(errs...)
}

func (l *Exec) stop(p *process, timeout time.Duration) error {
	l.mu.Lock()
	p.stopping = true
	l.mu.Unlock()

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to signal process %d: %w", p.info.Request.ProcessIndex, err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
	}

	l.logger.Warn("worker process did not exit, killing", "process", p.info.Request.ProcessIndex, "pid", p.info.Pid)

	l.mu.Lock()
	p.info.Status = StatusKilled
	l.mu.Unlock()

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill process %d: %w", p.info.Request.ProcessIndex, err)
	}
	<-p.done

	return nil
}

func (l *Exec) reap(p *process) {
	err := p.cmd.Wait()

	l.mu.Lock()
	p.info.Stopped = time.Now()
	p.info.Err = err
	switch {
	case p.info.Status == StatusKilled:
	case p.stopping:
		p.info.Status = StatusStopped
	case err != nil:
		p.info.Status = StatusCrashed
	default:
		p.info.Status = StatusExited
	}
	status := p.info.Status
	l.mu.Unlock()

	close(p.done)

	if status == StatusCrashed {
		l.logger.Error("worker process exited with error", "process", p.info.Request.ProcessIndex, "pid", p.info.Pid, "error", err)
	} else {
		l.logger.Info("worker process exited", "process", p.info.Request.ProcessIndex, "pid", p.info.Pid, "status", status)
	}
}
