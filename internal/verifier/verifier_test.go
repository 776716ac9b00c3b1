package verifier

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/rescale/types"
)

func kc(key string, count int64) KeyCount {
	return KeyCount{Key: key, Count: count}
}

func TestVerifier_Notify(t *testing.T) {
	t.Run("same records in different order pass", func(t *testing.T) {
		v := New(CompareKeyCount)
		require.NoError(t, v.Push(Reference, 0, kc("k1", 1), kc("k2", 1)))
		require.NoError(t, v.Push(Output, 0, kc("k2", 1), kc("k1", 1)))

		require.NoError(t, v.Notify(0))
		require.Zero(t, v.Pending())
	})

	t.Run("extra record fails with length mismatch", func(t *testing.T) {
		v := New(CompareKeyCount)
		require.NoError(t, v.Push(Reference, 0, kc("k1", 1), kc("k2", 1), kc("k3", 1)))
		require.NoError(t, v.Push(Output, 0, kc("k2", 1), kc("k1", 1)))

		err := v.Notify(0)
		require.ErrorIs(t, err, types.ErrVerificationMismatch)

		var mismatch *MismatchError
		require.True(t, errors.As(err, &mismatch))
		require.Equal(t, types.Timestamp(0), mismatch.Timestamp)
		require.Equal(t, -1, mismatch.Index)
		require.Equal(t, 3, mismatch.ReferenceLen)
		require.Equal(t, 2, mismatch.OutputLen)
	})

	t.Run("differing record reports position", func(t *testing.T) {
		v := New(CompareKeyCount)
		require.NoError(t, v.Push(Reference, 4, kc("a", 1), kc("b", 2)))
		require.NoError(t, v.Push(Output, 4, kc("a", 1), kc("b", 3)))

		var mismatch *MismatchError
		require.ErrorAs(t, v.Notify(4), &mismatch)
		require.Equal(t, 1, mismatch.Index)
		require.Equal(t, kc("b", 2), mismatch.Reference)
		require.Equal(t, kc("b", 3), mismatch.Output)
	})

	t.Run("absent timestamps compare as empty", func(t *testing.T) {
		v := New(CompareKeyCount)

		require.NoError(t, v.Notify(9))
	})

	t.Run("records on one side only fail", func(t *testing.T) {
		v := New(CompareKeyCount)
		require.NoError(t, v.Push(Output, 1, kc("x", 1)))

		require.ErrorIs(t, v.Notify(1), types.ErrVerificationMismatch)
	})

	t.Run("batches at the same timestamp accumulate", func(t *testing.T) {
		v := New(CompareKeyCount)
		require.NoError(t, v.Push(Reference, 2, kc("a", 1)))
		require.NoError(t, v.Push(Reference, 2, kc("b", 1)))
		require.NoError(t, v.Push(Output, 2, kc("b", 1), kc("a", 1)))

		require.NoError(t, v.Notify(2))
	})
}

func TestVerifier_Advance(t *testing.T) {
	t.Run("fault fires exactly at its timestamp", func(t *testing.T) {
		v := New(CompareKeyCount)
		require.NoError(t, v.Push(Reference, 0, kc("k1", 1)))
		require.NoError(t, v.Push(Output, 0, kc("k1", 1)))
		require.NoError(t, v.Push(Reference, 1, kc("k1", 2), kc("k3", 1)))
		require.NoError(t, v.Push(Output, 1, kc("k1", 2)))
		require.NoError(t, v.Push(Reference, 2, kc("k1", 3)))
		require.NoError(t, v.Push(Output, 2, kc("k1", 3)))

		// Only the reference side is complete: nothing may fire.
		require.NoError(t, v.Advance(Reference, 3))
		require.Equal(t, 3, v.Pending())

		// Output completes timestamp 0 only.
		require.NoError(t, v.Advance(Output, 1))
		require.Equal(t, types.Timestamp(1), v.Frontier())

		var mismatch *MismatchError
		require.ErrorAs(t, v.Advance(Output, 3), &mismatch)
		require.Equal(t, types.Timestamp(1), mismatch.Timestamp)
		require.Equal(t, 1, v.Pending(), "timestamp 2 stays buffered")
	})

	t.Run("frontier never moves backwards", func(t *testing.T) {
		v := New(CompareKeyCount)
		require.NoError(t, v.Advance(Reference, 5))
		require.NoError(t, v.Advance(Output, 5))
		require.NoError(t, v.Advance(Reference, 2))

		require.Equal(t, types.Timestamp(5), v.Frontier())
	})

	t.Run("late records are rejected", func(t *testing.T) {
		v := New(CompareKeyCount)
		require.NoError(t, v.Advance(Reference, 2))
		require.NoError(t, v.Advance(Output, 2))

		require.ErrorIs(t, v.Push(Output, 1, kc("late", 1)), ErrLateRecords)
		require.NoError(t, v.Push(Output, 2, kc("on-time", 1)))
	})

	t.Run("buffers are released once compared", func(t *testing.T) {
		v := New(CompareKeyCount)
		for ts := range types.Timestamp(10) {
			require.NoError(t, v.Push(Reference, ts, kc("k", int64(ts))))
			require.NoError(t, v.Push(Output, ts, kc("k", int64(ts))))
		}
		require.Equal(t, 10, v.Pending())

		require.NoError(t, v.Advance(Reference, 10))
		require.NoError(t, v.Advance(Output, 10))
		require.Zero(t, v.Pending())
	})
}

func TestVerifier_ArrivalOrderIndependence(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	records := []KeyCount{kc("a", 1), kc("b", 2), kc("c", 3), kc("a", 1), kc("d", 7)}

	for range 100 {
		ref := append([]KeyCount(nil), records...)
		out := append([]KeyCount(nil), records...)
		rng.Shuffle(len(ref), func(i, j int) { ref[i], ref[j] = ref[j], ref[i] })
		rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })

		v := New(CompareKeyCount)
		// Interleave single-record batches from both sides.
		for i := range ref {
			require.NoError(t, v.Push(Output, 0, out[i]))
			require.NoError(t, v.Push(Reference, 0, ref[i]))
		}

		require.NoError(t, v.Notify(0))
	}
}

type recordingMetrics struct {
	verified   int
	mismatches int
	pending    int
}

func (m *recordingMetrics) RecordVerification(_ int, success bool) {
	if success {
		m.verified++
	} else {
		m.mismatches++
	}
}

func (m *recordingMetrics) RecordVerifierPending(count int) {
	m.pending = count
}

func TestVerifier_Metrics(t *testing.T) {
	m := &recordingMetrics{}
	v := New(CompareKeyCount)
	v.SetMetrics(m)

	require.NoError(t, v.Push(Reference, 0, kc("a", 1)))
	require.NoError(t, v.Push(Output, 0, kc("a", 1)))
	require.NoError(t, v.Push(Output, 1, kc("b", 1)))
	require.Equal(t, 2, m.pending)

	require.NoError(t, v.Notify(0))
	require.Error(t, v.Notify(1))

	require.Equal(t, 1, m.verified)
	require.Equal(t, 1, m.mismatches)
	require.Zero(t, m.pending)
}

func TestVerifier_UnknownStream(t *testing.T) {
	v := New(CompareKeyCount)

	require.ErrorIs(t, v.Push(Stream(2), 0, kc("a", 1)), ErrUnknownStream)
	require.ErrorIs(t, v.Advance(Stream(-1), 3), ErrUnknownStream)
	require.Zero(t, v.Pending())
	require.Zero(t, v.Frontier())
	require.False(t, Stream(2).Valid())
	require.True(t, Output.Valid())
}
