// Package control parses, sequences, broadcasts and reassembles control batches.
//
// A control authority (the leader's orchestrator or the text control channel)
// publishes batches of instructions under increasing sequence numbers. Every
// worker receives every control, reassembles complete batches and applies
// them in sequence order.
package control

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/arloliu/rescale/internal/logging"
	"github.com/arloliu/rescale/types"
)

// Parser translates text control lines into instructions.
//
// Grammar, one batch per line, tokens case-insensitive:
//
//	line  ::= instr ("," instr)*
//	instr ::= "none" | "move" bin worker | "map" w0 w1 ... w(BinCount-1)
//
// A line is accepted only if every instruction parses.
type Parser struct {
	binCount int
	logger   types.Logger
}

// NewParser creates a parser.
//
// Parameters:
//   - binCount: Number of bins used to range check move and map; 0 disables the checks
//   - logger: Logger for rejected lines (nil uses a no-op logger)
//
// Returns:
//   - *Parser: Parser instance
func NewParser(binCount int, logger types.Logger) *Parser {
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Parser{binCount: binCount, logger: logger}
}

// ParseLine parses a comma separated list of instructions.
//
// Returns:
//   - []types.ControlInstruction: Instructions in line order
//   - error: ErrMalformedControl (or ErrUnrecognizedCommand) if any instruction fails;
//     no instructions are returned in that case
func (p *Parser) ParseLine(line string) ([]types.ControlInstruction, error) {
	parts := strings.Split(line, ",")
	out := make([]types.ControlInstruction, 0, len(parts))

	for i, part := range parts {
		instr, err := p.parseInstruction(part)
		if err != nil {
			p.logger.Warn("dropping control line", "line", line, "instruction", i, "error", err)
			return nil, err
		}
		out = append(out, instr)
	}

	return out, nil
}

func (p *Parser) parseInstruction(text string) (types.ControlInstruction, error) {
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		return types.ControlInstruction{}, fmt.Errorf("%w: empty instruction", types.ErrMalformedControl)
	}

	switch tokens[0] {
	case "none":
		if len(tokens) != 1 {
			return types.ControlInstruction{}, fmt.Errorf("%w: none takes no arguments", types.ErrMalformedControl)
		}

		return types.NoneInstruction(), nil
	case "move":
		if len(tokens) != 3 {
			return types.ControlInstruction{}, fmt.Errorf("%w: move expects <bin> <worker>", types.ErrMalformedControl)
		}
		bin, err := p.parseBin(tokens[1])
		if err != nil {
			return types.ControlInstruction{}, err
		}
		worker, err := parseWorker(tokens[2])
		if err != nil {
			return types.ControlInstruction{}, err
		}

		return types.MoveInstruction(bin, worker), nil
	case "map":
		vec := make([]types.WorkerIndex, 0, len(tokens)-1)
		for _, tok := range tokens[1:] {
			w, err := parseWorker(tok)
			if err != nil {
				return types.ControlInstruction{}, err
			}
			vec = append(vec, w)
		}
		if len(vec) == 0 || (p.binCount > 0 && len(vec) != p.binCount) {
			return types.ControlInstruction{}, fmt.Errorf("%w: map has %d entries, want %d",
				types.ErrMalformedControl, len(vec), p.binCount)
		}

		return types.MapInstruction(vec), nil
	default:
		p.logger.Warn("unrecognized command", "command", tokens[0])
		return types.ControlInstruction{}, fmt.Errorf("%w: %w %q", types.ErrMalformedControl, types.ErrUnrecognizedCommand, tokens[0])
	}
}

func (p *Parser) parseBin(tok string) (types.BinID, error) {
	v, err := strconv.ParseUint(tok, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid bin %q", types.ErrMalformedControl, tok)
	}
	if p.binCount > 0 && v >= uint64(p.binCount) {
		return 0, fmt.Errorf("%w: bin %d out of range [0,%d)", types.ErrMalformedControl, v, p.binCount)
	}

	return types.BinID(v), nil
}

func parseWorker(tok string) (types.WorkerIndex, error) {
	v, err := strconv.Atoi(tok)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: invalid worker %q", types.ErrMalformedControl, tok)
	}

	return types.WorkerIndex(v), nil
}
