package control

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/rescale/types"
)

func TestAssembler(t *testing.T) {
	t.Run("releases a batch once all controls arrived", func(t *testing.T) {
		a := NewAssembler()
		controls := types.NewBatch(0, types.MoveInstruction(1, 2), types.NoneInstruction()).Controls()

		batches, err := a.Add(controls[0])
		require.NoError(t, err)
		require.Empty(t, batches)

		batches, err = a.Add(controls[1])
		require.NoError(t, err)
		require.Equal(t, []types.Batch{
			types.NewBatch(0, types.MoveInstruction(1, 2), types.NoneInstruction()),
		}, batches)
		require.Zero(t, a.Pending())
	})

	t.Run("holds a complete batch behind an incomplete lower one", func(t *testing.T) {
		a := NewAssembler()
		first := types.NewBatch(1, types.MoveInstruction(0, 1), types.MoveInstruction(1, 1)).Controls()
		second := types.NewBatch(2, types.NoneInstruction()).Controls()

		batches, err := a.Add(first[0])
		require.NoError(t, err)
		require.Empty(t, batches)

		batches, err = a.Add(second[0])
		require.NoError(t, err)
		require.Empty(t, batches, "seq 2 must wait for seq 1")

		batches, err = a.Add(first[1])
		require.NoError(t, err)
		require.Len(t, batches, 2)
		require.Equal(t, uint64(1), batches[0].Seq)
		require.Equal(t, uint64(2), batches[1].Seq)

		last, ok := a.LastReleased()
		require.True(t, ok)
		require.Equal(t, uint64(2), last)
	})

	t.Run("rejects controls for released sequences", func(t *testing.T) {
		a := NewAssembler()
		_, err := a.Add(types.NewBatch(3, types.NoneInstruction()).Controls()[0])
		require.NoError(t, err)

		_, err = a.Add(types.NewBatch(3, types.NoneInstruction()).Controls()[0])
		require.ErrorIs(t, err, types.ErrStaleSequence)

		_, err = a.Add(types.NewBatch(2, types.NoneInstruction()).Controls()[0])
		require.ErrorIs(t, err, types.ErrStaleSequence)
	})

	t.Run("rejects inconsistent batch sizes", func(t *testing.T) {
		a := NewAssembler()
		_, err := a.Add(types.Control{Seq: 0, BatchSize: 2, Instruction: types.NoneInstruction()})
		require.NoError(t, err)

		_, err = a.Add(types.Control{Seq: 0, BatchSize: 3, Instruction: types.NoneInstruction()})
		require.ErrorIs(t, err, types.ErrInvalidBatch)

		_, err = a.Add(types.Control{Seq: 1, BatchSize: 0, Instruction: types.NoneInstruction()})
		require.ErrorIs(t, err, types.ErrInvalidBatch)
	})

	t.Run("sequence gaps do not block delivery", func(t *testing.T) {
		a := NewAssembler()
		batches, err := a.Add(types.NewBatch(0, types.NoneInstruction()).Controls()[0])
		require.NoError(t, err)
		require.Len(t, batches, 1)

		batches, err = a.Add(types.NewBatch(5, types.NoneInstruction()).Controls()[0])
		require.NoError(t, err)
		require.Len(t, batches, 1)
	})
}
