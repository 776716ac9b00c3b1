package launcher

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/rescale/types"
)

func spawnRequest(p int) types.SpawnRequest {
	return types.SpawnRequest{Processes: 2, WorkersPerProcess: 1, ProcessIndex: p, JoinFrom: 0, NewProcesses: p + 1}
}

func TestExec_Launch(t *testing.T) {
	t.Run("passes base and spawn arguments", func(t *testing.T) {
		out := t.TempDir() + "/args"
		// $0 is "sh", "$*" joins every argument after it.
		l := NewExec("/bin/sh", []string{"-c", `printf '%s\n' "$*" > ` + out, "sh"}, nil, nil)

		require.NoError(t, l.Launch(t.Context(), spawnRequest(2)))

		info, err := l.Wait(t.Context(), 2)
		require.NoError(t, err)
		require.Equal(t, StatusExited, info.Status)
		require.NoError(t, info.Err)

		data, err := os.ReadFile(out)
		require.NoError(t, err)
		require.Equal(t, "-n 2 -w 1 -p 2 --join 0 --nn 3\n", string(data))
	})

	t.Run("missing binary fails with ErrSpawnFailed", func(t *testing.T) {
		l := NewExec("/nonexistent/rescale-worker", nil, nil, nil)

		err := l.Launch(t.Context(), spawnRequest(2))
		require.ErrorIs(t, err, types.ErrSpawnFailed)
		require.Empty(t, l.Processes())
	})

	t.Run("non-zero exit is reported as crashed", func(t *testing.T) {
		l := NewExec("/bin/sh", []string{"-c", "exit 3", "sh"}, nil, nil)

		require.NoError(t, l.Launch(t.Context(), spawnRequest(2)))
		info, err := l.Wait(t.Context(), 2)
		require.NoError(t, err)
		require.Equal(t, StatusCrashed, info.Status)
		require.Error(t, info.Err)
	})

	t.Run("rejects a second launch of a running process", func(t *testing.T) {
		l := NewExec("/bin/sh", []string{"-c", "sleep 30", "sh"}, nil, nil)
		t.Cleanup(func() { _ = l.StopAll(time.Second) })

		require.NoError(t, l.Launch(t.Context(), spawnRequest(2)))
		require.ErrorIs(t, l.Launch(t.Context(), spawnRequest(2)), types.ErrSpawnFailed)
	})
}

func TestExec_StopAll(t *testing.T) {
	l := NewExec("/bin/sh", []string{"-c", "sleep 30", "sh"}, nil, nil)

	for p := range 3 {
		require.NoError(t, l.Launch(t.Context(), spawnRequest(p)))
	}
	require.Len(t, l.Processes(), 3)

	require.NoError(t, l.StopAll(5*time.Second))

	for _, info := range l.Processes() {
		require.Contains(t, []Status{StatusStopped, StatusKilled}, info.Status)
		require.False(t, info.Stopped.IsZero())
	}
}
