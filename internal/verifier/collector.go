package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/arloliu/rescale/internal/logging"
	"github.com/arloliu/rescale/types"
)

// RecordBatch carries the records one producer of a stream emitted at a timestamp.
type RecordBatch[T any] struct {
	Stream    Stream          `json:"stream"`
	Producer  string          `json:"producer,omitempty"`
	Timestamp types.Timestamp `json:"timestamp"`
	Records   []T             `json:"records"`
}

// FrontierUpdate promises that one producer of a stream sends no more records
// below Frontier.
type FrontierUpdate struct {
	Stream   Stream          `json:"stream"`
	Producer string          `json:"producer,omitempty"`
	Frontier types.Timestamp `json:"frontier"`
}

// RecordsSubject returns the subject record batches are published on.
func RecordsSubject(prefix string) string {
	return prefix + ".records"
}

// FrontierSubject returns the subject frontier updates are published on.
func FrontierSubject(prefix string) string {
	return prefix + ".frontier"
}

// Collector is the single collection point for both verified streams.
//
// All record batches and frontier updates arrive on one subscription and are
// applied to the Verifier from one goroutine, so per-publisher message order
// is preserved and the Verifier needs no locking.
//
// Each stream may be fed by several producers (one per upstream partition).
// A stream's frontier only advances to the lowest frontier among its
// registered producers; see WithProducers. Messages naming an unknown stream,
// or a producer beyond the registered count, are logged and dropped.
//
// A mismatch is passed to the mismatch handler, which by default calls
// Logger.Fatal and aborts the process.
type Collector[T any] struct {
	nc         *nats.Conn
	prefix     string
	verifier   *Verifier[T]
	logger     types.Logger
	onMismatch func(err error)
	producers  [2]*producerFrontiers

	mu      sync.Mutex
	started bool
	sub     *nats.Subscription
	msgCh   chan *nats.Msg
	stopCh  chan struct{}
	doneCh  chan struct{}

	frontier atomic.Uint64
}

// CollectorOption configures a Collector.
type CollectorOption[T any] func(*Collector[T])

// WithMismatchHandler replaces the default fatal mismatch handler.
func WithMismatchHandler[T any](fn func(err error)) CollectorOption[T] {
	return func(c *Collector[T]) {
		c.onMismatch = fn
	}
}

// WithCollectorLogger sets the collector's logger.
func WithCollectorLogger[T any](logger types.Logger) CollectorOption[T] {
	return func(c *Collector[T]) {
		c.logger = logger
	}
}

// WithProducers sets how many distinct producers feed stream (default 1).
//
// Comparisons for a timestamp fire only after every one of them has advanced
// its frontier past it.
func WithProducers[T any](stream Stream, n int) CollectorOption[T] {
	return func(c *Collector[T]) {
		if stream.Valid() {
			c.producers[stream] = newProducerFrontiers(n)
		}
	}
}

// NewCollector creates a collector feeding v from subjects under prefix.
//
// Parameters:
//   - nc: NATS connection
//   - prefix: Subject prefix shared with the publishers (e.g., "rescale.verify")
//   - v: Verifier owned by the collector from now on
//   - opts: Optional configuration
//
// Returns:
//   - *Collector[T]: Collector ready to Start
func NewCollector[T any](nc *nats.Conn, prefix string, v *Verifier[T], opts ...CollectorOption[T]) *Collector[T] {
	c := &Collector[T]{
		nc:       nc,
		prefix:   prefix,
		verifier: v,
		logger:   logging.NewNop(),
		msgCh:    make(chan *nats.Msg, 1024),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	c.producers = [2]*producerFrontiers{newProducerFrontiers(1), newProducerFrontiers(1)}
	for _, opt := range opts {
		opt(c)
	}
	if c.onMismatch == nil {
		c.onMismatch = func(err error) {
			c.logger.Fatal("stream verification failed", "error", err)
		}
	}

	return c
}

// Start subscribes to the verification subjects and begins processing.
//
// Parameters:
//   - ctx: Context bounding the processing goroutine
//
// Returns:
//   - error: types.ErrAlreadyStarted, or the subscription error
func (c *Collector[T]) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return types.ErrAlreadyStarted
	}

	sub, err := c.nc.ChanSubscribe(c.prefix+".*", c.msgCh)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.prefix, err)
	}
	if err := c.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("failed to flush subscription: %w", err)
	}

	c.sub = sub
	c.started = true
	go c.run(ctx)

	c.logger.Info("verification collector started", "prefix", c.prefix)

	return nil
}

// Stop unsubscribes and waits for the processing goroutine to exit.
func (c *Collector[T]) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return types.ErrNotStarted
	}
	c.started = false
	sub := c.sub
	c.mu.Unlock()

	err := sub.Unsubscribe()
	close(c.stopCh)
	<-c.doneCh

	if err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}

	return nil
}

// Frontier returns the timestamp below which every comparison has passed.
func (c *Collector[T]) Frontier() types.Timestamp {
	return types.Timestamp(c.frontier.Load())
}

func (c *Collector[T]) run(ctx context.Context) {
	defer close(c.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case msg := <-c.msgCh:
			if err := c.handle(msg); err != nil {
				c.onMismatch(err)
				return
			}
		}
	}
}

func (c *Collector[T]) handle(msg *nats.Msg) error {
	switch {
	case strings.HasSuffix(msg.Subject, ".records"):
		var batch RecordBatch[T]
		if err := json.Unmarshal(msg.Data, &batch); err != nil {
			c.logger.Warn("dropping undecodable record batch", "subject", msg.Subject, "error", err)
			return nil
		}

		if !batch.Stream.Valid() {
			c.logger.Warn("dropping record batch for unknown stream",
				"stream", int(batch.Stream), "producer", batch.Producer)
			return nil
		}

		return c.verifier.Push(batch.Stream, batch.Timestamp, batch.Records...)
	case strings.HasSuffix(msg.Subject, ".frontier"):
		var update FrontierUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			c.logger.Warn("dropping undecodable frontier update", "subject", msg.Subject, "error", err)
			return nil
		}

		if !update.Stream.Valid() {
			c.logger.Warn("dropping frontier update for unknown stream",
				"stream", int(update.Stream), "producer", update.Producer)
			return nil
		}

		frontier, err := c.producers[update.Stream].update(update.Producer, update.Frontier)
		if err != nil {
			c.logger.Warn("dropping frontier update", "stream", update.Stream.String(), "error", err)
			return nil
		}

		if err := c.verifier.Advance(update.Stream, frontier); err != nil {
			return err
		}
		c.frontier.Store(uint64(c.verifier.Frontier()))
		c.logger.Debug("frontier advanced",
			"stream", update.Stream.String(),
			"producer", update.Producer,
			"producer_frontier", update.Frontier,
			"stream_frontier", frontier,
			"verified", c.verifier.Frontier())

		return nil
	default:
		c.logger.Debug("ignoring message on unexpected subject", "subject", msg.Subject)
		return nil
	}
}

// Publisher sends one producer's records and frontier for a stream to a Collector.
type Publisher[T any] struct {
	nc       *nats.Conn
	prefix   string
	stream   Stream
	producer string
}

// NewPublisher creates a publisher for stream under prefix.
//
// producer identifies this publisher among the stream's producers, e.g. the
// upstream partition it reads. Each producer must use a distinct id.
func NewPublisher[T any](nc *nats.Conn, prefix string, stream Stream, producer string) *Publisher[T] {
	return &Publisher[T]{nc: nc, prefix: prefix, stream: stream, producer: producer}
}

// Send publishes records observed at ts.
func (p *Publisher[T]) Send(ts types.Timestamp, records ...T) error {
	data, err := json.Marshal(RecordBatch[T]{Stream: p.stream, Producer: p.producer, Timestamp: ts, Records: records})
	if err != nil {
		return fmt.Errorf("failed to encode record batch: %w", err)
	}

	if err := p.nc.Publish(RecordsSubject(p.prefix), data); err != nil {
		return fmt.Errorf("failed to publish record batch: %w", err)
	}

	return nil
}

// AdvanceTo publishes that no more records below frontier will be sent.
func (p *Publisher[T]) AdvanceTo(frontier types.Timestamp) error {
	data, err := json.Marshal(FrontierUpdate{Stream: p.stream, Producer: p.producer, Frontier: frontier})
	if err != nil {
		return fmt.Errorf("failed to encode frontier update: %w", err)
	}

	if err := p.nc.Publish(FrontierSubject(p.prefix), data); err != nil {
		return fmt.Errorf("failed to publish frontier update: %w", err)
	}

	return nil
}
