package types

import (
	"errors"
	"strings"
)

// Sentinel errors for the rescale module.
//
// These errors provide type-safe error checking using errors.Is() and errors.As().
// External errors are wrapped with context using fmt.Errorf("%s: %w", msg, err).

// Node errors - Public API errors returned by the process runtime.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNATSConnectionRequired is returned when NATS connection is nil.
	ErrNATSConnectionRequired = errors.New("NATS connection is required")

	// ErrAlreadyStarted is returned when Start is called on a running component.
	ErrAlreadyStarted = errors.New("already started")

	// ErrNotStarted is returned when an operation requires a started component.
	ErrNotStarted = errors.New("not started")

	// ErrMissingEnv is returned when required environment configuration is absent.
	ErrMissingEnv = errors.New("missing required environment configuration")

	// ErrConnectivity indicates a NATS/KV connectivity issue.
	ErrConnectivity = errors.New("connectivity issue")
)

// Orchestrator errors.
var (
	// ErrSpawnFailed is returned when a new worker process cannot be launched.
	// It is not retryable.
	ErrSpawnFailed = errors.New("failed to spawn worker process")

	// ErrJoinTimeout is returned when spawned workers did not acknowledge
	// joining within the configured timeout. It is retryable.
	ErrJoinTimeout = errors.New("timed out waiting for workers to join")

	// ErrLauncherRequired is returned when the leader has no process launcher.
	ErrLauncherRequired = errors.New("process launcher is required")

	// ErrNotLeader is returned when orchestration is requested on a non-leader worker.
	ErrNotLeader = errors.New("orchestration runs only on worker 0")
)

// Control protocol errors.
var (
	// ErrMalformedControl is returned when a control line fails to parse.
	// The whole line is dropped.
	ErrMalformedControl = errors.New("malformed control batch")

	// ErrUnrecognizedCommand is returned for an unknown leading token.
	ErrUnrecognizedCommand = errors.New("unrecognized command")

	// ErrStaleSequence is returned when a control arrives for an already released batch.
	ErrStaleSequence = errors.New("stale control sequence")

	// ErrInvalidBatch is returned when controls of one batch disagree on batch size.
	ErrInvalidBatch = errors.New("inconsistent control batch")

	// ErrInvalidAssignment is returned when a map instruction does not cover every bin.
	ErrInvalidAssignment = errors.New("invalid bin assignment")

	// ErrControlHalted is returned by a control authority that stopped
	// accepting batches after a publish failure left a sequence number incomplete.
	ErrControlHalted = errors.New("control authority halted")
)

// Verification errors.
var (
	// ErrVerificationMismatch is returned when two streams differ at a timestamp.
	ErrVerificationMismatch = errors.New("verification mismatch")
)

// IsRetryable reports whether err is worth retrying without changing inputs.
//
// Join timeouts and connectivity issues are retryable; spawn failures and
// verification mismatches are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, ErrJoinTimeout) || errors.Is(err, ErrConnectivity)
}

// IsNoKeysFoundError checks if the error indicates no keys were found in a KV bucket.
//
// The jetstream package returns this as a plain error in some versions, so both
// the typed and the textual form are accepted.
func IsNoKeysFoundError(err error) bool {
	if err == nil {
		return false
	}

	return strings.Contains(err.Error(), "no keys found")
}
