package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	rescaletest "github.com/arloliu/rescale/testing"
	"github.com/arloliu/rescale/types"
)

func TestMonitor_Workers(t *testing.T) {
	_, nc := rescaletest.StartEmbeddedNATS(t)
	kv := rescaletest.CreateJetStreamKV(t, nc, "test-monitor", time.Minute)
	m := NewMonitor(kv, "worker", 50*time.Millisecond, rescaletest.NewTestLogger(t))

	t.Run("empty bucket has no peers", func(t *testing.T) {
		n, err := m.Peers(t.Context())
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("parses worker indices and skips foreign keys", func(t *testing.T) {
		for _, key := range []string{"worker.2", "worker.0", "worker.10", "worker.x", "other.1"} {
			_, err := kv.Put(t.Context(), key, []byte("now"))
			require.NoError(t, err)
		}

		workers, err := m.Workers(t.Context())
		require.NoError(t, err)
		require.Equal(t, []types.WorkerIndex{0, 2, 10}, workers)
	})
}

func TestMonitor_WaitForPeers(t *testing.T) {
	t.Run("returns once joining workers publish", func(t *testing.T) {
		_, nc := rescaletest.StartEmbeddedNATS(t)
		kv := rescaletest.CreateJetStreamKV(t, nc, "test-wait", time.Minute)
		m := NewMonitor(kv, "worker", time.Second, nil)

		for w := range types.WorkerIndex(2) {
			pub := NewPublisher(kv, "worker", w, time.Second)
			require.NoError(t, pub.Start(t.Context()))
			t.Cleanup(func() { _ = pub.Stop() })
		}

		// Late joiners only write their keys; the watcher should pick them up
		// well before the poll interval elapses.
		time.AfterFunc(100*time.Millisecond, func() {
			for w := types.WorkerIndex(2); w < 4; w++ {
				_, _ = kv.Put(context.Background(), Key("worker", w), []byte("now"))
			}
		})

		n, err := m.WaitForPeers(t.Context(), 4, []types.WorkerIndex{2, 3}, 5*time.Second)
		require.NoError(t, err)
		require.Equal(t, 4, n)
	})

	t.Run("times out with a retryable error", func(t *testing.T) {
		_, nc := rescaletest.StartEmbeddedNATS(t)
		kv := rescaletest.CreateJetStreamKV(t, nc, "test-timeout", time.Minute)
		m := NewMonitor(kv, "worker", 20*time.Millisecond, nil)

		_, err := kv.Put(t.Context(), "worker.0", []byte("now"))
		require.NoError(t, err)

		n, err := m.WaitForPeers(t.Context(), 2, nil, 150*time.Millisecond)
		require.ErrorIs(t, err, types.ErrJoinTimeout)
		require.True(t, types.IsRetryable(err))
		require.Equal(t, 1, n)
	})

	t.Run("leftover keys do not stand in for joining workers", func(t *testing.T) {
		_, nc := rescaletest.StartEmbeddedNATS(t)
		kv := rescaletest.CreateJetStreamKV(t, nc, "test-stale", time.Minute)
		m := NewMonitor(kv, "worker", 20*time.Millisecond, nil)

		// Workers 0-1 are live; 6-7 are left over from an earlier, larger run.
		for _, w := range []types.WorkerIndex{0, 1, 6, 7} {
			_, err := kv.Put(t.Context(), Key("worker", w), []byte("now"))
			require.NoError(t, err)
		}

		n, err := m.WaitForPeers(t.Context(), 4, []types.WorkerIndex{2, 3}, 150*time.Millisecond)
		require.ErrorIs(t, err, types.ErrJoinTimeout)
		require.ErrorContains(t, err, "missing [2 3]")
		require.Equal(t, 4, n)

		time.AfterFunc(50*time.Millisecond, func() {
			for _, w := range []types.WorkerIndex{2, 3} {
				_, _ = kv.Put(context.Background(), Key("worker", w), []byte("now"))
			}
		})

		n, err = m.WaitForPeers(t.Context(), 4, []types.WorkerIndex{2, 3}, 5*time.Second)
		require.NoError(t, err)
		require.Equal(t, 6, n)
	})

	t.Run("parent cancellation is not a timeout", func(t *testing.T) {
		_, nc := rescaletest.StartEmbeddedNATS(t)
		kv := rescaletest.CreateJetStreamKV(t, nc, "test-cancel", time.Minute)
		m := NewMonitor(kv, "worker", 20*time.Millisecond, nil)

		ctx, cancel := context.WithCancel(t.Context())
		time.AfterFunc(50*time.Millisecond, cancel)

		_, err := m.WaitForPeers(ctx, 1, nil, 5*time.Second)
		require.ErrorIs(t, err, context.Canceled)
		require.NotErrorIs(t, err, types.ErrJoinTimeout)
	})
}
