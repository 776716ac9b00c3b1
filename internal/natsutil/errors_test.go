package natsutil

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/rescale/types"
)

func TestIsConnectivityError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", nats.ErrTimeout, true},
		{"wrapped no servers", fmt.Errorf("publish: %w", nats.ErrNoServers), true},
		{"connection refused text", errors.New("dial tcp: connection refused"), true},
		{"sentinel", types.ErrConnectivity, true},
		{"application error", types.ErrSpawnFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, IsConnectivityError(tt.err))
		})
	}
}

func TestClassify(t *testing.T) {
	t.Run("marks connectivity errors retryable", func(t *testing.T) {
		err := Classify(fmt.Errorf("kv keys: %w", nats.ErrTimeout))

		require.ErrorIs(t, err, types.ErrConnectivity)
		require.ErrorIs(t, err, nats.ErrTimeout)
		require.True(t, types.IsRetryable(err))
	})

	t.Run("leaves other errors untouched", func(t *testing.T) {
		require.Equal(t, types.ErrSpawnFailed, Classify(types.ErrSpawnFailed))
		require.NoError(t, Classify(nil))
	})
}

func TestStartEmbedded(t *testing.T) {
	ns, nc, err := StartEmbedded(-1, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
	})

	require.True(t, nc.IsConnected())
}
