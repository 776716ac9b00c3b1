package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	rescaletest "github.com/arloliu/rescale/testing"
	"github.com/arloliu/rescale/types"
)

type capturePublisher struct {
	mu       sync.Mutex
	controls [][]types.Control
}

func (p *capturePublisher) Publish(_ context.Context, controls []types.Control) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.controls = append(p.controls, controls)

	return nil
}

func (p *capturePublisher) published() [][]types.Control {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([][]types.Control(nil), p.controls...)
}

func TestIngest_HandleLine(t *testing.T) {
	t.Run("accepted lines get consecutive sequence numbers", func(t *testing.T) {
		pub := &capturePublisher{}
		in := NewIngest(nil, "", NewParser(0, nil), NewSequencer(0), pub, nil, nil)

		require.NoError(t, in.HandleLine(t.Context(), "move 3 1,none"))
		require.ErrorIs(t, in.HandleLine(t.Context(), "move x 1"), types.ErrMalformedControl)
		require.NoError(t, in.HandleLine(t.Context(), "none"))

		got := pub.published()
		require.Len(t, got, 2)
		require.Equal(t, []types.Control{
			{Seq: 0, BatchSize: 2, Instruction: types.MoveInstruction(3, 1)},
			{Seq: 0, BatchSize: 2, Instruction: types.NoneInstruction()},
		}, got[0])
		require.Equal(t, []types.Control{
			{Seq: 1, BatchSize: 1, Instruction: types.NoneInstruction()},
		}, got[1])
	})
}

// partialPublisher stores controls one at a time and fails once failAt have been stored.
type partialPublisher struct {
	failAt int
	stored []types.Control
}

func (p *partialPublisher) Publish(_ context.Context, controls []types.Control) error {
	for _, c := range controls {
		if len(p.stored) == p.failAt {
			return errors.New("nats: timeout")
		}
		p.stored = append(p.stored, c)
	}

	return nil
}

func TestIngest_HaltsAfterPublishFailure(t *testing.T) {
	pub := &partialPublisher{failAt: 1}
	in := NewIngest(nil, "", NewParser(0, nil), NewSequencer(0), pub, nil, nil)

	err := in.HandleLine(t.Context(), "none,none")
	require.ErrorIs(t, err, types.ErrControlHalted)
	require.Error(t, in.Err())
	require.Len(t, pub.stored, 1)

	// Later lines must not add sequence numbers behind the incomplete one.
	require.ErrorIs(t, in.HandleLine(t.Context(), "move 3 1"), types.ErrControlHalted)
	require.ErrorIs(t, in.HandleLine(t.Context(), "none"), types.ErrControlHalted)
	require.Len(t, pub.stored, 1)

	a := NewAssembler()
	for _, c := range pub.stored {
		released, err := a.Add(c)
		require.NoError(t, err)
		require.Empty(t, released)
	}
	require.Equal(t, 1, a.Pending())
}

func TestIngest_FromNATS(t *testing.T) {
	_, nc := rescaletest.StartEmbeddedNATS(t)
	bus := newTestBus(t, nc)

	in := NewIngest(nc, "test.control.text", NewParser(16, nil), NewSequencer(0), bus, rescaletest.NewTestLogger(t), nil)
	require.NoError(t, in.Start(t.Context()))
	t.Cleanup(func() { _ = in.Stop() })
	require.ErrorIs(t, in.Start(t.Context()), types.ErrAlreadyStarted)

	r := &batchRecorder{}
	sub, err := bus.Subscribe(t.Context(), r.handle)
	require.NoError(t, err)
	t.Cleanup(sub.Stop)

	require.NoError(t, nc.Publish("test.control.text", []byte("move 3 1,none")))
	require.NoError(t, nc.Publish("test.control.text", []byte("bogus")))
	require.NoError(t, nc.Publish("test.control.text", []byte("move 20 1")))
	require.NoError(t, nc.Publish("test.control.text", []byte("move 4 2")))
	require.NoError(t, nc.Flush())

	require.Eventually(t, func() bool {
		return len(r.snapshot()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	batches := r.snapshot()
	require.Equal(t, types.NewBatch(0, types.MoveInstruction(3, 1), types.NoneInstruction()), batches[0])
	require.Equal(t, types.NewBatch(1, types.MoveInstruction(4, 2)), batches[1])
}
