// Package routing holds a worker's view of which worker owns each bin.
package routing

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/arloliu/rescale/types"
)

// BootstrapFunc is invoked for Bootstrap instructions that name this worker as source.
type BootstrapFunc func(ctx context.Context, from, newWorker types.WorkerIndex) error

// Table maps every bin to its owning worker and applies control batches to it.
//
// Every worker keeps its own Table. Because all workers apply the same batches
// in the same order, their tables agree after each batch.
//
// Table is safe for concurrent use.
type Table struct {
	self     types.WorkerIndex
	binShift uint

	mu          sync.RWMutex
	owners      []types.WorkerIndex
	lastSeq     uint64
	hasApplied  bool
	onBootstrap BootstrapFunc
}

// NewTable creates a table with bins spread round-robin over workers.
//
// Bin i is owned by workers[i % len(workers)], the same initial layout the
// leader's load balancer starts from.
//
// Parameters:
//   - self: The worker owning this table
//   - workers: Initial workers in round-robin order
//   - binShift: log2 of the bin count
//
// Returns:
//   - *Table: Routing table at its initial layout
func NewTable(self types.WorkerIndex, workers []types.WorkerIndex, binShift uint) *Table {
	binCount := types.BinCount(binShift)
	owners := make([]types.WorkerIndex, binCount)
	if len(workers) > 0 {
		for i := range owners {
			owners[i] = workers[i%len(workers)]
		}
	}

	return &Table{self: self, binShift: binShift, owners: owners}
}

// OnBootstrap sets the callback for Bootstrap instructions addressed to this worker.
func (t *Table) OnBootstrap(fn BootstrapFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.onBootstrap = fn
}

// Apply applies one complete batch.
//
// Move reassigns a bin, Map replaces the whole vector, None changes nothing and
// Bootstrap invokes the bootstrap callback when this worker is the source.
// The batch is validated before any instruction takes effect.
//
// Returns:
//   - error: ErrStaleSequence for an already applied seq, ErrInvalidAssignment
//     for out of range bins or a short map; the table is unchanged on error
func (t *Table) Apply(ctx context.Context, batch types.Batch) error {
	t.mu.Lock()

	if t.hasApplied && batch.Seq <= t.lastSeq {
		t.mu.Unlock()
		return fmt.Errorf("%w: seq %d, last applied %d", types.ErrStaleSequence, batch.Seq, t.lastSeq)
	}
	if err := t.validate(batch); err != nil {
		t.mu.Unlock()
		return err
	}

	var bootstraps []types.ControlInstruction
	for _, instr := range batch.Instructions {
		switch instr.Kind {
		case types.InstructionMove:
			t.owners[instr.Bin] = instr.Worker
		case types.InstructionMap:
			copy(t.owners, instr.Assignment)
		case types.InstructionBootstrap:
			if instr.From == t.self {
				bootstraps = append(bootstraps, instr)
			}
		case types.InstructionNone:
		}
	}
	t.lastSeq = batch.Seq
	t.hasApplied = true
	onBootstrap := t.onBootstrap
	t.mu.Unlock()

	if onBootstrap == nil {
		return nil
	}

	for _, instr := range bootstraps {
		if err := onBootstrap(ctx, instr.From, instr.NewWorker); err != nil {
			return fmt.Errorf("bootstrap of worker %d failed: %w", instr.NewWorker, err)
		}
	}

	return nil
}

func (t *Table) validate(batch types.Batch) error {
	for _, instr := range batch.Instructions {
		switch instr.Kind {
		case types.InstructionMove:
			if int(instr.Bin) >= len(t.owners) {
				return fmt.Errorf("%w: bin %d out of range", types.ErrInvalidAssignment, instr.Bin)
			}
		case types.InstructionMap:
			if len(instr.Assignment) != len(t.owners) {
				return fmt.Errorf("%w: map covers %d of %d bins", types.ErrInvalidAssignment, len(instr.Assignment), len(t.owners))
			}
		case types.InstructionNone, types.InstructionBootstrap:
		default:
			return fmt.Errorf("%w: unknown instruction kind %d", types.ErrInvalidBatch, instr.Kind)
		}
	}

	return nil
}

// Owner returns the worker owning bin.
func (t *Table) Owner(bin types.BinID) types.WorkerIndex {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.owners[bin]
}

// OwnerOf returns the worker owning key's bin.
func (t *Table) OwnerOf(key string) types.WorkerIndex {
	return t.Owner(types.BinOf(key, t.binShift))
}

// Snapshot returns a copy of the bin -> worker vector.
func (t *Table) Snapshot() []types.WorkerIndex {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return slices.Clone(t.owners)
}

// Owned returns the bins currently owned by w in ascending order.
func (t *Table) Owned(w types.WorkerIndex) []types.BinID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var bins []types.BinID
	for b, owner := range t.owners {
		if owner == w {
			bins = append(bins, types.BinID(b)) //nolint:gosec // G115: bounded by bin count
		}
	}

	return bins
}

// LastSeq returns the last applied sequence number and whether any batch was applied.
func (t *Table) LastSeq() (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.lastSeq, t.hasApplied
}
