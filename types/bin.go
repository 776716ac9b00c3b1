package types

import (
	"fmt"

	"github.com/zeebo/xxh3"
)

// BinID identifies a fixed shard of the key space in [0, BinCount).
//
// A bin's identity never changes; only its owning worker does.
type BinID uint32

// WorkerIndex is the zero-based index of a logical worker in the process group.
//
// Worker 0 is the leader and drives rescaling orchestration.
type WorkerIndex int

// LeaderIndex is the worker index that runs orchestration.
const LeaderIndex WorkerIndex = 0

// Timestamp is a logical epoch produced by the dataflow engine.
type Timestamp uint64

// MaxBinShift bounds BinShift so bin ids fit in a BinID.
const MaxBinShift = 24

// BinCount returns the number of bins for the given shift (1 << shift).
func BinCount(shift uint) int {
	return 1 << shift
}

// BinOf maps a key to its bin using the top shift bits of its xxh3 hash.
//
// Parameters:
//   - key: Record key
//   - shift: Number of bin bits (BinCount = 1 << shift)
//
// Returns:
//   - BinID: Bin owning the key, always in [0, 1<<shift)
func BinOf(key string, shift uint) BinID {
	if shift == 0 {
		return 0
	}

	return BinID(xxh3.HashString(key) >> (64 - shift)) //nolint:gosec // G115: shift <= MaxBinShift keeps the value in range
}

// Move reassigns one bin to a target worker.
type Move struct {
	Bin    BinID       `json:"bin"`
	Worker WorkerIndex `json:"worker"`
}

// String returns a compact representation such as "17->3".
func (m Move) String() string {
	return fmt.Sprintf("%d->%d", m.Bin, m.Worker)
}
