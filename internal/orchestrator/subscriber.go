package orchestrator

import (
	"sync"

	"github.com/arloliu/rescale/types"
)

// phaseSubscriber is a helper for managing phase change subscriptions.
type phaseSubscriber struct {
	ch     chan types.Phase
	mu     sync.Mutex
	closed bool
}

// trySend sends a phase update without blocking. Slow subscribers miss
// intermediate phases and catch up on the next send.
func (s *phaseSubscriber) trySend(phase types.Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}

	select {
	case s.ch <- phase:
		return true
	default:
		return false
	}
}

// close safely closes the subscriber's channel.
func (s *phaseSubscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
