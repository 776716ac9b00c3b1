package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/rescale/internal/logging"
	"github.com/arloliu/rescale/internal/natsutil"
	"github.com/arloliu/rescale/types"
)

// Monitor counts live workers from their heartbeat keys.
//
// WaitForPeers combines a KV watcher for fast detection with periodic
// polling as a fallback, and gives up after a bounded timeout.
type Monitor struct {
	kv           jetstream.KeyValue
	prefix       string
	pollInterval time.Duration
	logger       types.Logger
}

// Compile-time assertion that Monitor can serve as the orchestrator's peer watcher.
var _ types.PeerWatcher = (*Monitor)(nil)

// NewMonitor creates a monitor over the heartbeat bucket.
//
// Parameters:
//   - kv: Heartbeat KV bucket
//   - prefix: Heartbeat key prefix
//   - pollInterval: Fallback polling interval while waiting
//   - logger: Logger (nil uses a no-op logger)
//
// Returns:
//   - *Monitor: Monitor instance
func NewMonitor(kv jetstream.KeyValue, prefix string, pollInterval time.Duration, logger types.Logger) *Monitor {
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Monitor{kv: kv, prefix: prefix, pollInterval: pollInterval, logger: logger}
}

// Workers returns the indices of workers with a live heartbeat, ascending.
//
// Returns:
//   - []types.WorkerIndex: Live workers
//   - error: KV access error (connectivity errors are marked retryable)
func (m *Monitor) Workers(ctx context.Context) ([]types.WorkerIndex, error) {
	keys, err := m.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) || types.IsNoKeysFoundError(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list heartbeat keys: %w", natsutil.Classify(err))
	}

	workers := make([]types.WorkerIndex, 0, len(keys))
	for _, key := range keys {
		idx, ok := strings.CutPrefix(key, m.prefix+".")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(idx)
		if err != nil || n < 0 {
			m.logger.Debug("skipping non-worker heartbeat key", "key", key)
			continue
		}
		workers = append(workers, types.WorkerIndex(n))
	}
	slices.Sort(workers)

	return workers, nil
}

// Peers returns the number of live workers.
func (m *Monitor) Peers(ctx context.Context) (int, error) {
	workers, err := m.Workers(ctx)
	if err != nil {
		return 0, err
	}

	return len(workers), nil
}

// WaitForPeers blocks until at least want workers have a live heartbeat and
// every worker in required is one of them.
//
// Naming the joining workers keeps leftover keys of an earlier run, still
// within their TTL, from satisfying the count on their own.
//
// Parameters:
//   - ctx: Parent context; its cancellation is returned as-is
//   - want: Target peer count
//   - required: Workers that must be live (usually the joining process's workers)
//   - timeout: Upper bound on the wait
//
// Returns:
//   - int: Peer count observed when the wait ended
//   - error: types.ErrJoinTimeout (retryable) if timeout elapsed first
func (m *Monitor) WaitForPeers(ctx context.Context, want int, required []types.WorkerIndex, timeout time.Duration) (int, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var updates <-chan jetstream.KeyValueEntry
	watcher, err := m.kv.Watch(waitCtx, m.prefix+".*", jetstream.UpdatesOnly())
	if err != nil {
		m.logger.Warn("failed to start heartbeat watcher, polling only", "error", err)
	} else {
		defer func() { _ = watcher.Stop() }()
		updates = watcher.Updates()
	}

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	last := 0
	missing := required
	for {
		workers, err := m.Workers(waitCtx)
		switch {
		case err == nil:
			last = len(workers)
			missing = missingWorkers(workers, required)
			if last >= want && len(missing) == 0 {
				return last, nil
			}
		case waitCtx.Err() == nil:
			m.logger.Warn("failed to count peers", "error", err)
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return last, err
			}

			return last, fmt.Errorf("%w: have %d of %d workers after %s, missing %v",
				types.ErrJoinTimeout, last, want, timeout, missing)
		case _, ok := <-updates:
			if !ok {
				updates = nil
			}
		case <-ticker.C:
		}
	}
}

// missingWorkers returns the workers of required that are absent from the sorted live list.
func missingWorkers(live, required []types.WorkerIndex) []types.WorkerIndex {
	var missing []types.WorkerIndex
	for _, w := range required {
		if _, found := slices.BinarySearch(live, w); !found {
			missing = append(missing, w)
		}
	}

	return missing
}
