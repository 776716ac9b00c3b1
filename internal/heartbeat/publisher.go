package heartbeat

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/rescale/internal/logging"
	"github.com/arloliu/rescale/internal/metrics"
	"github.com/arloliu/rescale/types"
)

// Publisher publishes periodic heartbeats for one worker to NATS KV.
type Publisher struct {
	kv       jetstream.KeyValue
	prefix   string
	worker   types.WorkerIndex
	interval time.Duration
	logger   types.Logger
	metrics  types.HeartbeatMetrics

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPublisher creates a heartbeat publisher for worker.
//
// Parameters:
//   - kv: JetStream KV bucket for heartbeat storage
//   - prefix: Key prefix (e.g., "worker")
//   - worker: Global worker index
//   - interval: Publish interval
//
// Returns:
//   - *Publisher: Publisher ready to Start
//
// Example:
//
//	pub := heartbeat.NewPublisher(kv, "worker", 5, time.Second)
//	if err := pub.Start(ctx); err != nil {
//	    return err
//	}
//	defer pub.Stop()
func NewPublisher(kv jetstream.KeyValue, prefix string, worker types.WorkerIndex, interval time.Duration) *Publisher {
	return &Publisher{
		kv:       kv,
		prefix:   prefix,
		worker:   worker,
		interval: interval,
		logger:   logging.NewNop(),
		metrics:  metrics.NewNop(),
	}
}

// SetLogger sets the logger. Must be called before Start().
func (p *Publisher) SetLogger(logger types.Logger) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger = logger
}

// SetMetrics sets the metrics collector. Must be called before Start().
func (p *Publisher) SetMetrics(m types.HeartbeatMetrics) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics = m
}

// Start publishes the first heartbeat synchronously, then keeps publishing
// in the background until Stop is called.
//
// Returns:
//   - error: types.ErrAlreadyStarted, or the first publish error
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return types.ErrAlreadyStarted
	}

	if err := p.publish(ctx); err != nil {
		return fmt.Errorf("failed to publish initial heartbeat: %w", err)
	}

	p.started = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.publishLoop(p.stopCh, p.doneCh)

	return nil
}

// Stop stops publishing and deletes the heartbeat key.
//
// Returns:
//   - error: types.ErrNotStarted, or the delete error
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return types.ErrNotStarted
	}
	p.started = false
	close(p.stopCh)
	doneCh := p.doneCh
	p.mu.Unlock()

	<-doneCh

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.kv.Delete(ctx, Key(p.prefix, p.worker)); err != nil {
		return fmt.Errorf("stopped but failed to delete heartbeat: %w", err)
	}

	return nil
}

// IsStarted returns whether the publisher is currently running.
func (p *Publisher) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.started
}

func (p *Publisher) publishLoop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.interval)
			err := p.publish(ctx)
			cancel()

			if err != nil {
				p.logger.Warn("heartbeat publish failed", "worker", p.worker, "error", err)
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context) error {
	_, err := p.kv.Put(ctx, Key(p.prefix, p.worker), []byte(time.Now().Format(time.RFC3339Nano)))
	p.metrics.RecordHeartbeat(p.worker, err == nil)
	if err != nil {
		return fmt.Errorf("failed to publish heartbeat for worker %d: %w", p.worker, err)
	}

	return nil
}

// Key returns the heartbeat key of worker.
func Key(prefix string, worker types.WorkerIndex) string {
	return prefix + "." + strconv.Itoa(int(worker))
}
