package verifier

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/rescale/types"
)

func TestProducerFrontiers(t *testing.T) {
	t.Run("stays at zero until every producer reported", func(t *testing.T) {
		p := newProducerFrontiers(3)

		f, err := p.update("a", 5)
		require.NoError(t, err)
		require.Zero(t, f)

		f, err = p.update("b", 2)
		require.NoError(t, err)
		require.Zero(t, f)

		f, err = p.update("c", 4)
		require.NoError(t, err)
		require.Equal(t, types.Timestamp(2), f)
	})

	t.Run("follows the slowest producer and never regresses", func(t *testing.T) {
		p := newProducerFrontiers(2)
		_, _ = p.update("a", 3)
		_, _ = p.update("b", 1)

		f, err := p.update("b", 7)
		require.NoError(t, err)
		require.Equal(t, types.Timestamp(3), f)

		f, err = p.update("a", 2)
		require.NoError(t, err)
		require.Equal(t, types.Timestamp(3), f)
	})

	t.Run("rejects producers beyond the registered count", func(t *testing.T) {
		p := newProducerFrontiers(1)
		_, _ = p.update("a", 1)

		f, err := p.update("b", 9)
		require.ErrorIs(t, err, ErrUnexpectedProducer)
		require.Equal(t, types.Timestamp(1), f)
	})
}
