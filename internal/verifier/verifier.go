// Package verifier checks that two logically timestamped streams carry the
// same multiset of records at every timestamp.
//
// The verifier is a correctness oracle: a mismatch means the rescaled
// computation diverged from its reference and the run must abort.
package verifier

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/arloliu/rescale/types"
)

var (
	// ErrLateRecords is returned when records arrive for an already verified timestamp.
	ErrLateRecords = errors.New("records arrived after their timestamp was verified")

	// ErrUnknownStream is returned for a stream other than Reference or Output.
	ErrUnknownStream = errors.New("unknown verified stream")
)

// Stream selects one of the two verified inputs.
type Stream int

const (
	// Reference is the non-rescaled computation's output.
	Reference Stream = iota
	// Output is the rescaled computation's output.
	Output
)

// Valid reports whether s is Reference or Output.
func (s Stream) Valid() bool {
	return s == Reference || s == Output
}

// String returns the stream name used in logs and on the wire.
func (s Stream) String() string {
	switch s {
	case Reference:
		return "reference"
	case Output:
		return "output"
	default:
		return "unknown"
	}
}

// MismatchError describes the first difference found at a timestamp.
type MismatchError struct {
	Timestamp    types.Timestamp
	ReferenceLen int
	OutputLen    int
	// Index is the position in sorted order of the first differing pair,
	// or -1 when the lengths differ.
	Index     int
	Reference any
	Output    any
}

// Error implements error.
func (e *MismatchError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("verification mismatch at %d: reference has %d records, output has %d",
			e.Timestamp, e.ReferenceLen, e.OutputLen)
	}

	return fmt.Sprintf("verification mismatch at %d: record %d differs: reference %v, output %v",
		e.Timestamp, e.Index, e.Reference, e.Output)
}

// Unwrap allows errors.Is(err, types.ErrVerificationMismatch).
func (e *MismatchError) Unwrap() error {
	return types.ErrVerificationMismatch
}

// Verifier buffers records per stream and timestamp and compares them once
// both streams are complete for that timestamp.
//
// Completion is signalled either directly with Notify, or through Advance,
// which fires notifications for every buffered timestamp below both stream
// frontiers in ascending order.
//
// Verifier is not safe for concurrent use; Collector serializes access to it.
type Verifier[T any] struct {
	cmp       func(a, b T) int
	pending   [2]map[types.Timestamp][]T
	requested map[types.Timestamp]struct{}
	frontier  [2]types.Timestamp
	verified  types.Timestamp // timestamps below this were notified
	metrics   types.VerifierMetrics
}

// New creates a verifier ordering records with cmp.
//
// Parameters:
//   - cmp: Total order on records; cmp(a, b) == 0 means the records are equal
//
// Returns:
//   - *Verifier[T]: Empty verifier with both frontiers at zero
func New[T any](cmp func(a, b T) int) *Verifier[T] {
	return &Verifier[T]{
		cmp:       cmp,
		pending:   [2]map[types.Timestamp][]T{make(map[types.Timestamp][]T), make(map[types.Timestamp][]T)},
		requested: make(map[types.Timestamp]struct{}),
	}
}

// SetMetrics sets the metrics collector for comparison outcomes.
//
// Optional. If not set, metrics are not recorded.
func (v *Verifier[T]) SetMetrics(metrics types.VerifierMetrics) {
	v.metrics = metrics
}

// Push appends records seen on stream at ts and registers interest in ts.
//
// Returns:
//   - error: ErrUnknownStream, or ErrLateRecords if ts was already verified
func (v *Verifier[T]) Push(stream Stream, ts types.Timestamp, records ...T) error {
	if !stream.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownStream, stream)
	}
	if ts < v.verified {
		return fmt.Errorf("%w: %s stream at %d (verified below %d)", ErrLateRecords, stream, ts, v.verified)
	}

	v.pending[stream][ts] = append(v.pending[stream][ts], records...)
	v.requested[ts] = struct{}{}
	v.recordPending()

	return nil
}

// Notify compares both streams at ts and drops their buffers.
//
// A timestamp with no buffered records on one side compares as empty.
//
// Returns:
//   - error: *MismatchError if the sorted records differ
func (v *Verifier[T]) Notify(ts types.Timestamp) error {
	ref := v.pending[Reference][ts]
	out := v.pending[Output][ts]
	delete(v.pending[Reference], ts)
	delete(v.pending[Output], ts)
	delete(v.requested, ts)
	v.recordPending()

	slices.SortFunc(ref, v.cmp)
	slices.SortFunc(out, v.cmp)

	if len(ref) != len(out) {
		v.recordOutcome(max(len(ref), len(out)), false)

		return &MismatchError{Timestamp: ts, ReferenceLen: len(ref), OutputLen: len(out), Index: -1}
	}

	for i := range ref {
		if v.cmp(ref[i], out[i]) != 0 {
			v.recordOutcome(len(ref), false)

			return &MismatchError{
				Timestamp:    ts,
				ReferenceLen: len(ref),
				OutputLen:    len(out),
				Index:        i,
				Reference:    ref[i],
				Output:       out[i],
			}
		}
	}

	v.recordOutcome(len(ref), true)

	return nil
}

// Advance moves stream's frontier and fires notifications that became due.
//
// A frontier f promises that no more records with timestamp < f will arrive on
// that stream. Timestamps below both frontiers are notified in ascending order.
// Frontiers never move backwards; a lower value is ignored.
//
// Returns:
//   - error: ErrUnknownStream, or the first *MismatchError; later timestamps stay buffered
func (v *Verifier[T]) Advance(stream Stream, frontier types.Timestamp) error {
	if !stream.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownStream, stream)
	}
	if frontier > v.frontier[stream] {
		v.frontier[stream] = frontier
	}

	complete := min(v.frontier[Reference], v.frontier[Output])
	due := slices.Sorted(maps.Keys(v.requested))
	for _, ts := range due {
		if ts >= complete {
			break
		}
		if err := v.Notify(ts); err != nil {
			v.verified = ts + 1
			return err
		}
	}

	if complete > v.verified {
		v.verified = complete
	}

	return nil
}

// Frontier returns the timestamp below which every comparison has fired.
func (v *Verifier[T]) Frontier() types.Timestamp {
	return v.verified
}

// Pending returns the number of timestamps still awaiting comparison.
func (v *Verifier[T]) Pending() int {
	return len(v.requested)
}

func (v *Verifier[T]) recordPending() {
	if v.metrics != nil {
		v.metrics.RecordVerifierPending(len(v.requested))
	}
}

func (v *Verifier[T]) recordOutcome(records int, success bool) {
	if v.metrics != nil {
		v.metrics.RecordVerification(records, success)
	}
}
