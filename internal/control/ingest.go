package control

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/arloliu/rescale/internal/logging"
	"github.com/arloliu/rescale/internal/metrics"
	"github.com/arloliu/rescale/types"
)

// Ingest turns text control lines into broadcast batches.
//
// It is the manual control authority: it subscribes to a plain NATS subject,
// parses each message as one line of the control grammar and publishes
// accepted lines as one batch each. Rejected lines consume no sequence number.
// Only the leader runs an Ingest.
//
// A failed publish may leave part of a batch in the stream. Workers cannot
// release any later batch past that incomplete one, so the ingest halts: every
// following line is refused with types.ErrControlHalted.
type Ingest struct {
	nc      *nats.Conn
	subject string
	parser  *Parser
	seq     *Sequencer
	pub     types.ControlPublisher
	logger  types.Logger
	metrics types.ControlMetrics

	mu  sync.Mutex
	sub *nats.Subscription

	// handleMu serializes HandleLine so sequence numbers are published in order.
	handleMu sync.Mutex
	halted   error
}

// NewIngest creates a text control ingest.
//
// Parameters:
//   - nc: NATS connection for the text subject
//   - subject: Subject carrying control lines (e.g., "rescale.control.text")
//   - parser: Line parser
//   - seq: Sequence source for accepted batches
//   - pub: Publisher broadcasting the batches
//   - logger: Logger (nil uses a no-op logger)
//   - m: Metrics collector (nil uses no-op metrics)
//
// Returns:
//   - *Ingest: Ingest ready to Start
func NewIngest(
	nc *nats.Conn,
	subject string,
	parser *Parser,
	seq *Sequencer,
	pub types.ControlPublisher,
	logger types.Logger,
	m types.ControlMetrics,
) *Ingest {
	if logger == nil {
		logger = logging.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}

	return &Ingest{nc: nc, subject: subject, parser: parser, seq: seq, pub: pub, logger: logger, metrics: m}
}

// Start subscribes to the text control subject.
//
// Parameters:
//   - ctx: Context used for publishing batches
//
// Returns:
//   - error: types.ErrAlreadyStarted or the subscription error
func (in *Ingest) Start(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.sub != nil {
		return types.ErrAlreadyStarted
	}

	sub, err := in.nc.Subscribe(in.subject, func(msg *nats.Msg) {
		if err := in.HandleLine(ctx, string(msg.Data)); err != nil {
			if errors.Is(err, types.ErrControlHalted) {
				in.logger.Error("control line refused", "error", err)
				return
			}
			in.logger.Warn("control line not delivered", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", in.subject, err)
	}
	if err := in.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("failed to flush subscription: %w", err)
	}

	in.sub = sub
	in.logger.Info("control ingest started", "subject", in.subject)

	return nil
}

// Stop unsubscribes from the text control subject.
func (in *Ingest) Stop() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.sub == nil {
		return types.ErrNotStarted
	}

	err := in.sub.Unsubscribe()
	in.sub = nil

	return err
}

// HandleLine parses one line and publishes it as a single batch.
//
// Returns:
//   - error: Parse error (line dropped, no sequence consumed), or
//     types.ErrControlHalted once any publish has failed
func (in *Ingest) HandleLine(ctx context.Context, line string) error {
	in.handleMu.Lock()
	defer in.handleMu.Unlock()

	if in.halted != nil {
		return fmt.Errorf("%w: %w", types.ErrControlHalted, in.halted)
	}

	instructions, err := in.parser.ParseLine(line)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, types.ErrUnrecognizedCommand) {
			reason = "unrecognized"
		}
		in.metrics.RecordControlRejected(reason)

		return err
	}

	batch := types.NewBatch(in.seq.Next(), instructions...)
	if err := in.pub.Publish(ctx, batch.Controls()); err != nil {
		in.halted = fmt.Errorf("failed to publish control batch %d: %w", batch.Seq, err)
		in.metrics.RecordControlRejected("publish")

		return fmt.Errorf("%w: %w", types.ErrControlHalted, in.halted)
	}

	in.logger.Info("control batch accepted", "seq", batch.Seq, "size", batch.Len(), "line", line)

	return nil
}

// Err returns the publish failure that halted the ingest, or nil.
func (in *Ingest) Err() error {
	in.handleMu.Lock()
	defer in.handleMu.Unlock()

	return in.halted
}
