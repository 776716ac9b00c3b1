package verifier

import (
	"errors"
	"fmt"

	"github.com/arloliu/rescale/types"
)

// ErrUnexpectedProducer is returned when more distinct producers report a
// frontier for a stream than were registered for it.
var ErrUnexpectedProducer = errors.New("unexpected frontier producer")

// producerFrontiers combines the frontiers of every producer feeding one stream.
//
// A stream is complete below f only once all of its producers have promised
// f, so its frontier is the minimum over the registered producers, and zero
// until each of them has reported at least once.
type producerFrontiers struct {
	expected  int
	frontiers map[string]types.Timestamp
}

func newProducerFrontiers(expected int) *producerFrontiers {
	return &producerFrontiers{
		expected:  max(expected, 1),
		frontiers: make(map[string]types.Timestamp),
	}
}

// update records producer's frontier and returns the stream frontier.
//
// Returns:
//   - types.Timestamp: Minimum over all producers (0 while some are still silent)
//   - error: ErrUnexpectedProducer if producer would exceed the registered count;
//     the update is discarded
func (p *producerFrontiers) update(producer string, frontier types.Timestamp) (types.Timestamp, error) {
	current, known := p.frontiers[producer]
	if !known && len(p.frontiers) >= p.expected {
		return p.stream(), fmt.Errorf("%w: %q beyond %d registered producers", ErrUnexpectedProducer, producer, p.expected)
	}
	if !known || frontier > current {
		p.frontiers[producer] = frontier
	}

	return p.stream(), nil
}

func (p *producerFrontiers) stream() types.Timestamp {
	if len(p.frontiers) < p.expected {
		return 0
	}

	first := true
	var lowest types.Timestamp
	for _, f := range p.frontiers {
		if first || f < lowest {
			lowest, first = f, false
		}
	}

	return lowest
}
