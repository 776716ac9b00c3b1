package types

import (
	"fmt"
	"strings"
)

// InstructionKind tags the variant carried by a ControlInstruction.
type InstructionKind uint8

const (
	// InstructionNone is a no-op used to flush a checkpoint through all workers.
	InstructionNone InstructionKind = iota

	// InstructionMove reassigns one bin to a target worker.
	InstructionMove

	// InstructionMap replaces the whole bin -> worker vector atomically.
	InstructionMap

	// InstructionBootstrap asks an existing worker to transfer state to a newly joined worker.
	InstructionBootstrap
)

// String returns the lowercase command name of the kind.
func (k InstructionKind) String() string {
	switch k {
	case InstructionNone:
		return "none"
	case InstructionMove:
		return "move"
	case InstructionMap:
		return "map"
	case InstructionBootstrap:
		return "bootstrap"
	default:
		return "unknown"
	}
}

// ControlInstruction is a tagged union of the migration commands.
//
// Only the fields of the variant named by Kind are meaningful:
//   - Move: Bin, Worker
//   - Map: Assignment (index is the bin, value its owner)
//   - Bootstrap: From, NewWorker
//
// Use the constructor functions rather than filling fields by hand.
type ControlInstruction struct {
	Kind       InstructionKind `json:"kind"`
	Bin        BinID           `json:"bin,omitempty"`
	Worker     WorkerIndex     `json:"worker,omitempty"`
	Assignment []WorkerIndex   `json:"assignment,omitempty"`
	From       WorkerIndex     `json:"from,omitempty"`
	NewWorker  WorkerIndex     `json:"newWorker,omitempty"`
}

// NoneInstruction returns a no-op instruction.
func NoneInstruction() ControlInstruction {
	return ControlInstruction{Kind: InstructionNone}
}

// MoveInstruction returns an instruction moving bin to worker.
func MoveInstruction(bin BinID, worker WorkerIndex) ControlInstruction {
	return ControlInstruction{Kind: InstructionMove, Bin: bin, Worker: worker}
}

// MapInstruction returns an instruction replacing the whole assignment vector.
//
// The slice is copied so later mutation by the caller does not leak into the instruction.
func MapInstruction(assignment []WorkerIndex) ControlInstruction {
	vec := make([]WorkerIndex, len(assignment))
	copy(vec, assignment)

	return ControlInstruction{Kind: InstructionMap, Assignment: vec}
}

// BootstrapInstruction returns an instruction asking worker from to bootstrap newWorker.
func BootstrapInstruction(from, newWorker WorkerIndex) ControlInstruction {
	return ControlInstruction{Kind: InstructionBootstrap, From: from, NewWorker: newWorker}
}

// String renders the instruction in the text control grammar where one exists.
func (c ControlInstruction) String() string {
	switch c.Kind {
	case InstructionNone:
		return "none"
	case InstructionMove:
		return fmt.Sprintf("move %d %d", c.Bin, c.Worker)
	case InstructionMap:
		var b strings.Builder
		b.WriteString("map")
		for _, w := range c.Assignment {
			fmt.Fprintf(&b, " %d", w)
		}

		return b.String()
	case InstructionBootstrap:
		return fmt.Sprintf("bootstrap %d %d", c.From, c.NewWorker)
	default:
		return "unknown"
	}
}

// Control is the broadcast envelope for one instruction of a batch.
//
// All instructions of a batch share Seq; a batch is complete once BatchSize
// controls bearing that Seq have been observed.
type Control struct {
	Seq         uint64             `json:"seq"`
	BatchSize   int                `json:"batchSize"`
	Instruction ControlInstruction `json:"instruction"`
}

// Batch is a group of instructions delivered together under one sequence number.
type Batch struct {
	Seq          uint64
	Instructions []ControlInstruction
}

// NewBatch creates a batch with the given sequence number.
func NewBatch(seq uint64, instructions ...ControlInstruction) Batch {
	return Batch{Seq: seq, Instructions: instructions}
}

// Controls expands the batch into envelopes sized to the batch length.
//
// Returns:
//   - []Control: One envelope per instruction, in order
func (b Batch) Controls() []Control {
	out := make([]Control, len(b.Instructions))
	for i, instr := range b.Instructions {
		out[i] = Control{Seq: b.Seq, BatchSize: len(b.Instructions), Instruction: instr}
	}

	return out
}

// Len returns the number of instructions in the batch.
func (b Batch) Len() int {
	return len(b.Instructions)
}
