package control

import (
	"fmt"
	"slices"

	"github.com/arloliu/rescale/types"
)

type partialBatch struct {
	size         int
	instructions []types.ControlInstruction
}

func (p *partialBatch) complete() bool {
	return len(p.instructions) == p.size
}

// Assembler regroups broadcast controls into complete batches.
//
// A batch is released once BatchSize controls with its sequence number have
// arrived, and never before every lower-numbered batch it has seen parts of.
// Released sequence numbers are final: later controls for them are rejected.
//
// Assembler is not safe for concurrent use.
type Assembler struct {
	pending     map[uint64]*partialBatch
	released    uint64
	hasReleased bool
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{pending: make(map[uint64]*partialBatch)}
}

// Add records one control and returns the batches it made releasable.
//
// Returns:
//   - []types.Batch: Complete batches in ascending sequence order (often empty)
//   - error: ErrStaleSequence or ErrInvalidBatch; the control is discarded
func (a *Assembler) Add(c types.Control) ([]types.Batch, error) {
	if a.hasReleased && c.Seq <= a.released {
		return nil, fmt.Errorf("%w: seq %d already released (last %d)", types.ErrStaleSequence, c.Seq, a.released)
	}
	if c.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: seq %d has batch size %d", types.ErrInvalidBatch, c.Seq, c.BatchSize)
	}

	p, ok := a.pending[c.Seq]
	if !ok {
		p = &partialBatch{size: c.BatchSize}
		a.pending[c.Seq] = p
	}
	if p.size != c.BatchSize {
		return nil, fmt.Errorf("%w: seq %d announced size %d, got %d", types.ErrInvalidBatch, c.Seq, p.size, c.BatchSize)
	}
	if p.complete() {
		return nil, fmt.Errorf("%w: seq %d received more than %d controls", types.ErrInvalidBatch, c.Seq, p.size)
	}
	p.instructions = append(p.instructions, c.Instruction)

	return a.drain(), nil
}

// drain releases complete batches that no incomplete lower batch blocks.
func (a *Assembler) drain() []types.Batch {
	seqs := make([]uint64, 0, len(a.pending))
	for seq := range a.pending {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)

	var out []types.Batch
	for _, seq := range seqs {
		p := a.pending[seq]
		if !p.complete() {
			break
		}
		out = append(out, types.NewBatch(seq, p.instructions...))
		delete(a.pending, seq)
		a.released = seq
		a.hasReleased = true
	}

	return out
}

// Pending returns the number of incomplete or blocked batches.
func (a *Assembler) Pending() int {
	return len(a.pending)
}

// LastReleased returns the last released sequence number and whether any batch was released.
func (a *Assembler) LastReleased() (uint64, bool) {
	return a.released, a.hasReleased
}
