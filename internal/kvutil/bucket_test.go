package kvutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	rescaletest "github.com/arloliu/rescale/testing"
)

func TestEnsureKVBucketWithRetry(t *testing.T) {
	_, nc := rescaletest.StartEmbeddedNATS(t)
	js, err := jetstream.New(nc)
	require.NoError(t, err)

	t.Run("concurrent creators share one bucket", func(t *testing.T) {
		const creators = 5
		cfg := jetstream.KeyValueConfig{Bucket: "test-heartbeats", TTL: 5 * time.Second}

		var wg sync.WaitGroup
		errs := make(chan error, creators)
		for range creators {
			wg.Go(func() {
				_, err := EnsureKVBucketWithRetry(t.Context(), js, cfg, 5)
				errs <- err
			})
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			require.NoError(t, err)
		}

		kv, err := js.KeyValue(t.Context(), "test-heartbeats")
		require.NoError(t, err)
		_, err = kv.Put(t.Context(), "worker.0", []byte("alive"))
		require.NoError(t, err)
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		_, err := EnsureKVBucketWithRetry(ctx, js, jetstream.KeyValueConfig{Bucket: "test-cancelled"}, 3)
		require.Error(t, err)
	})
}

func TestEnsureStreamWithRetry(t *testing.T) {
	_, nc := rescaletest.StartEmbeddedNATS(t)
	js, err := jetstream.New(nc)
	require.NoError(t, err)

	cfg := jetstream.StreamConfig{
		Name:     "TEST_CONTROL",
		Subjects: []string{"test.control"},
		Storage:  jetstream.MemoryStorage,
	}

	first, err := EnsureStreamWithRetry(t.Context(), js, cfg, 3)
	require.NoError(t, err)

	second, err := EnsureStreamWithRetry(t.Context(), js, cfg, 3)
	require.NoError(t, err)
	require.Equal(t, first.CachedInfo().Config.Name, second.CachedInfo().Config.Name)
}

func TestWithRetry(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		v, err := withRetry(t.Context(), "thing", 3, func() (int, error) {
			calls++
			if calls < 3 {
				return 0, errors.New("transient")
			}

			return 42, nil
		})

		require.NoError(t, err)
		require.Equal(t, 42, v)
		require.Equal(t, 3, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		_, err := withRetry(t.Context(), "thing", 2, func() (int, error) {
			calls++
			return 0, errors.New("permanent")
		})

		require.ErrorContains(t, err, "after 2 attempts")
		require.Equal(t, 2, calls)
	})
}
