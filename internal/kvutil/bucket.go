// Package kvutil provides utilities for creating NATS JetStream KV buckets and
// streams that several processes may race to create.
package kvutil

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const defaultMaxRetries = 3

// EnsureKVBucketWithRetry creates or opens a KV bucket with retry logic.
//
// Every worker process calls this at startup for the heartbeat bucket, so
// concurrent creation is expected; ErrBucketExists falls back to opening it.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - js: JetStream context
//   - config: KV bucket configuration
//   - maxRetries: Maximum number of attempts (default: 3)
//
// Returns:
//   - jetstream.KeyValue: The KV bucket instance
//   - error: Any error that occurred after all retries
func EnsureKVBucketWithRetry(
	ctx context.Context,
	js jetstream.JetStream,
	config jetstream.KeyValueConfig,
	maxRetries int,
) (jetstream.KeyValue, error) {
	return withRetry(ctx, "KV bucket "+config.Bucket, maxRetries, func() (jetstream.KeyValue, error) {
		kv, err := js.CreateKeyValue(ctx, config)
		if errors.Is(err, jetstream.ErrBucketExists) {
			kv, err = js.KeyValue(ctx, config.Bucket)
			if err != nil {
				return nil, fmt.Errorf("bucket exists but failed to open: %w", err)
			}
		}

		return kv, err
	})
}

// EnsureStreamWithRetry creates the stream or reuses an existing one.
//
// CreateOrUpdateStream is idempotent for identical configs; a config that
// conflicts with an existing stream is returned as an error after retries.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - js: JetStream context
//   - config: Stream configuration
//   - maxRetries: Maximum number of attempts (default: 3)
//
// Returns:
//   - jetstream.Stream: The stream handle
//   - error: Any error that occurred after all retries
func EnsureStreamWithRetry(
	ctx context.Context,
	js jetstream.JetStream,
	config jetstream.StreamConfig,
	maxRetries int,
) (jetstream.Stream, error) {
	return withRetry(ctx, "stream "+config.Name, maxRetries, func() (jetstream.Stream, error) {
		return js.CreateOrUpdateStream(ctx, config)
	})
}

// withRetry runs op with exponential backoff (10ms, 20ms, 40ms...).
func withRetry[T any](ctx context.Context, what string, maxRetries int, op func() (T, error)) (T, error) {
	var zero T
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	var lastErr error
	for attempt := range maxRetries {
		v, err := op()
		if err == nil {
			return v, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, fmt.Errorf("context cancelled while creating %s: %w", what, ctx.Err())
		}

		if attempt < maxRetries-1 {
			backoff := time.Duration(1<<uint(attempt)) * 10 * time.Millisecond //nolint:gosec // attempt is bounded by maxRetries
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return zero, fmt.Errorf("failed to create/open %s after %d attempts: %w", what, maxRetries, lastErr)
}
