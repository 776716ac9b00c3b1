package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/arloliu/rescale/types"
)

type fakeLauncher struct {
	mu       sync.Mutex
	requests []types.SpawnRequest
	err      error
}

func (f *fakeLauncher) Launch(_ context.Context, req types.SpawnRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)

	return f.err
}

func (f *fakeLauncher) Requests() []types.SpawnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]types.SpawnRequest(nil), f.requests...)
}

// fakeWatcher reports want peers immediately unless results are scripted.
type fakeWatcher struct {
	mu      sync.Mutex
	results []error
	calls   int
	wants   []int
	joining [][]types.WorkerIndex
}

func (f *fakeWatcher) Peers(context.Context) (int, error) {
	return 0, nil
}

func (f *fakeWatcher) WaitForPeers(_ context.Context, want int, required []types.WorkerIndex, _ time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.wants = append(f.wants, want)
	f.joining = append(f.joining, required)
	idx := f.calls
	f.calls++
	if idx < len(f.results) && f.results[idx] != nil {
		return want - 1, f.results[idx]
	}

	return want, nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	batches [][]types.Control
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, controls []types.Control) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	p.batches = append(p.batches, append([]types.Control(nil), controls...))

	return nil
}

func (p *recordingPublisher) Batches() [][]types.Control {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([][]types.Control(nil), p.batches...)
}

// fakeClock advances instantly on After and records every wait.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	c.waits = append(c.waits, d)

	ch := make(chan time.Time, 1)
	ch <- c.now

	return ch
}

func (c *fakeClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]time.Duration(nil), c.waits...)
}
