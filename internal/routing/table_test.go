package routing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/rescale/internal/balancer"
	"github.com/arloliu/rescale/types"
)

func workers(n int) []types.WorkerIndex {
	out := make([]types.WorkerIndex, n)
	for i := range out {
		out[i] = types.WorkerIndex(i)
	}

	return out
}

func TestNewTable_MatchesBalancerLayout(t *testing.T) {
	const shift = 5
	table := NewTable(0, workers(3), shift)
	lb := balancer.New(workers(3), types.BinCount(shift))

	require.Equal(t, lb.Assignment(), table.Snapshot())
}

func TestTable_Apply(t *testing.T) {
	t.Run("balancer moves bring tables in sync", func(t *testing.T) {
		const shift = 6
		table := NewTable(1, workers(4), shift)
		lb := balancer.New(workers(4), types.BinCount(shift))

		moves := lb.AddWorkers([]types.WorkerIndex{4, 5})
		instrs := make([]types.ControlInstruction, len(moves))
		for i, mv := range moves {
			instrs[i] = types.MoveInstruction(mv.Bin, mv.Worker)
		}

		require.NoError(t, table.Apply(t.Context(), types.NewBatch(0, instrs...)))
		require.Equal(t, lb.Assignment(), table.Snapshot())
		require.Len(t, table.Owned(4), len(lb.Bins(4)))
	})

	t.Run("map replaces the vector", func(t *testing.T) {
		table := NewTable(0, workers(2), 2)

		vec := []types.WorkerIndex{3, 3, 1, 0}
		require.NoError(t, table.Apply(t.Context(), types.NewBatch(0, types.MapInstruction(vec))))
		require.Equal(t, vec, table.Snapshot())
		require.Equal(t, types.WorkerIndex(3), table.Owner(1))
	})

	t.Run("stale batches are rejected", func(t *testing.T) {
		table := NewTable(0, workers(2), 2)

		require.NoError(t, table.Apply(t.Context(), types.NewBatch(4, types.NoneInstruction())))
		err := table.Apply(t.Context(), types.NewBatch(4, types.MoveInstruction(0, 1)))
		require.ErrorIs(t, err, types.ErrStaleSequence)
		require.Equal(t, types.WorkerIndex(0), table.Owner(0))

		seq, ok := table.LastSeq()
		require.True(t, ok)
		require.Equal(t, uint64(4), seq)
	})

	t.Run("invalid batch leaves table unchanged", func(t *testing.T) {
		table := NewTable(0, workers(2), 2)
		before := table.Snapshot()

		err := table.Apply(t.Context(), types.NewBatch(0,
			types.MoveInstruction(1, 0),
			types.MapInstruction([]types.WorkerIndex{0, 1}),
		))
		require.ErrorIs(t, err, types.ErrInvalidAssignment)
		require.Equal(t, before, table.Snapshot())

		err = table.Apply(t.Context(), types.NewBatch(0, types.MoveInstruction(9, 0)))
		require.ErrorIs(t, err, types.ErrInvalidAssignment)
	})

	t.Run("bootstrap callback only fires on the source worker", func(t *testing.T) {
		var calls [][2]types.WorkerIndex
		record := func(_ context.Context, from, newWorker types.WorkerIndex) error {
			calls = append(calls, [2]types.WorkerIndex{from, newWorker})
			return nil
		}

		source := NewTable(1, workers(2), 2)
		source.OnBootstrap(record)
		other := NewTable(0, workers(2), 2)
		other.OnBootstrap(record)

		batch := types.NewBatch(0, types.BootstrapInstruction(1, 2), types.BootstrapInstruction(1, 3))
		require.NoError(t, source.Apply(t.Context(), batch))
		require.NoError(t, other.Apply(t.Context(), batch))

		require.Equal(t, [][2]types.WorkerIndex{{1, 2}, {1, 3}}, calls)
	})

	t.Run("owner of key follows its bin", func(t *testing.T) {
		table := NewTable(0, workers(3), 4)
		bin := types.BinOf("hello", 4)

		require.Equal(t, table.Owner(bin), table.OwnerOf("hello"))
	})
}
