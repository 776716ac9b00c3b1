package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/rescale/internal/kvutil"
	"github.com/arloliu/rescale/internal/logging"
	"github.com/arloliu/rescale/internal/metrics"
	"github.com/arloliu/rescale/internal/natsutil"
	"github.com/arloliu/rescale/types"
)

// BusConfig names the JetStream stream carrying controls.
type BusConfig struct {
	// StreamName is the JetStream stream name (e.g., "RESCALE_CONTROL").
	StreamName string
	// Subject is the subject controls are published on (e.g., "rescale.control").
	Subject string
	// Storage selects file or memory storage for the stream.
	Storage jetstream.StorageType
}

// Bus broadcasts controls to every worker through a JetStream stream.
//
// The stream keeps the full control history of a run, so a worker that joins
// late replays every batch from the start and ends up with the same routing
// table as workers that were present all along.
type Bus struct {
	js      jetstream.JetStream
	stream  jetstream.Stream
	cfg     BusConfig
	logger  types.Logger
	metrics types.ControlMetrics
}

// Compile-time assertion that Bus can serve as the orchestrator's publisher.
var _ types.ControlPublisher = (*Bus)(nil)

// NewBus ensures the control stream exists and returns a bus bound to it.
//
// Parameters:
//   - ctx: Context for stream creation
//   - nc: NATS connection
//   - cfg: Stream name and subject
//   - logger: Logger (nil uses a no-op logger)
//   - m: Metrics collector (nil uses no-op metrics)
//
// Returns:
//   - *Bus: Bus ready to publish and subscribe
//   - error: Error if JetStream is unavailable or the stream cannot be created
func NewBus(ctx context.Context, nc *nats.Conn, cfg BusConfig, logger types.Logger, m types.ControlMetrics) (*Bus, error) {
	if nc == nil {
		return nil, types.ErrNATSConnectionRequired
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	stream, err := kvutil.EnsureStreamWithRetry(ctx, js, jetstream.StreamConfig{
		Name:        cfg.StreamName,
		Description: "rescale control batches",
		Subjects:    []string{cfg.Subject},
		Storage:     cfg.Storage,
		Retention:   jetstream.LimitsPolicy,
	}, 5)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure control stream: %w", natsutil.Classify(err))
	}

	return &Bus{js: js, stream: stream, cfg: cfg, logger: logger, metrics: m}, nil
}

// Reset purges the control history.
//
// Called by the initial leader before the first batch of a run, so workers of
// a fresh cluster do not replay batches from a previous run.
func (b *Bus) Reset(ctx context.Context) error {
	if err := b.stream.Purge(ctx); err != nil {
		return fmt.Errorf("failed to purge control stream: %w", natsutil.Classify(err))
	}

	return nil
}

// Publish broadcasts controls in order and waits for each to be stored.
//
// Parameters:
//   - ctx: Context for publish acknowledgements
//   - controls: Envelopes of one or more complete batches
//
// Returns:
//   - error: First publish failure; connectivity failures are retryable
func (b *Bus) Publish(ctx context.Context, controls []types.Control) error {
	for _, c := range controls {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to encode control seq %d: %w", c.Seq, err)
		}

		if _, err := b.js.Publish(ctx, b.cfg.Subject, data); err != nil {
			return fmt.Errorf("failed to publish control seq %d: %w", c.Seq, natsutil.Classify(err))
		}
	}

	if len(controls) > 0 {
		b.metrics.RecordControlBatchPublished(controls[0].Instruction.Kind.String(), len(controls))
		b.logger.Debug("control batch published",
			"seq", controls[0].Seq,
			"size", len(controls),
			"kind", controls[0].Instruction.Kind.String())
	}

	return nil
}

// BatchHandler receives complete batches in ascending sequence order.
type BatchHandler func(ctx context.Context, batch types.Batch) error

// Subscription is an active control stream consumer.
type Subscription struct {
	cc   jetstream.ConsumeContext
	once sync.Once
}

// Stop ends delivery. It is safe to call more than once.
func (s *Subscription) Stop() {
	s.once.Do(s.cc.Stop)
}

// Subscribe replays the control stream from the start and delivers complete batches.
//
// Messages are consumed with an ordered consumer, so delivery is in stream
// order and callbacks never overlap. Undecodable, stale or inconsistent
// controls are logged and dropped.
//
// Parameters:
//   - ctx: Context passed to handler
//   - handler: Callback for each complete batch
//
// Returns:
//   - *Subscription: Handle to stop delivery
//   - error: Error if the consumer cannot be created
func (b *Bus) Subscribe(ctx context.Context, handler BatchHandler) (*Subscription, error) {
	cons, err := b.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{b.cfg.Subject},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create control consumer: %w", natsutil.Classify(err))
	}

	asm := NewAssembler()
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		var c types.Control
		if err := json.Unmarshal(msg.Data(), &c); err != nil {
			b.metrics.RecordControlRejected("malformed")
			b.logger.Warn("dropping undecodable control", "error", err)

			return
		}

		batches, err := asm.Add(c)
		if err != nil {
			b.metrics.RecordControlRejected(rejectReason(err))
			b.logger.Warn("dropping control", "seq", c.Seq, "error", err)

			return
		}

		for _, batch := range batches {
			if err := handler(ctx, batch); err != nil {
				b.logger.Error("control batch handler failed", "seq", batch.Seq, "error", err)
				continue
			}
			b.metrics.RecordControlBatchApplied(batch.Len())
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start control consumer: %w", natsutil.Classify(err))
	}

	return &Subscription{cc: cc}, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, types.ErrStaleSequence):
		return "stale"
	case errors.Is(err, types.ErrInvalidBatch):
		return "invalid"
	default:
		return "malformed"
	}
}
