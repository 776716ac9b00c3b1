// Package balancer maintains the bin -> worker assignment and computes the
// moves needed to keep it balanced as workers join.
package balancer

import (
	"fmt"
	"slices"

	"github.com/arloliu/rescale/types"
)

// LoadBalancer owns a bin assignment and rebalances it when workers are added.
//
// Each worker holds a queue of bins; rebalancing only ever pops from and pushes
// to the back of those queues. Ties between equally loaded workers are broken
// by lowest worker index, so the same inputs always produce the same moves.
//
// LoadBalancer is not safe for concurrent use. Only the leader's orchestration
// loop mutates it.
type LoadBalancer struct {
	binCount int
	workers  []types.WorkerIndex // ascending
	bins     map[types.WorkerIndex][]types.BinID
}

// New creates a load balancer with bins distributed round-robin.
//
// Bin i is owned by initialWorkers[i % len(initialWorkers)]. This layout must
// match the initial routing table every worker starts from (see routing.NewTable).
//
// Parameters:
//   - initialWorkers: Workers present at start, in round-robin order
//   - binCount: Total number of bins
//
// Returns:
//   - *LoadBalancer: Balancer in sync with the initial routing layout
func New(initialWorkers []types.WorkerIndex, binCount int) *LoadBalancer {
	lb := &LoadBalancer{
		binCount: binCount,
		bins:     make(map[types.WorkerIndex][]types.BinID, len(initialWorkers)),
	}

	for _, w := range initialWorkers {
		lb.addWorker(w)
	}

	if len(initialWorkers) == 0 {
		return lb
	}

	for i := range binCount {
		w := initialWorkers[i%len(initialWorkers)]
		lb.bins[w] = append(lb.bins[w], types.BinID(i)) //nolint:gosec // G115: bin ids are bounded by binCount
	}

	return lb
}

// AddWorkers inserts new workers and moves bins until the load spread is at most one.
//
// Each iteration moves the last bin of the most loaded worker to the least
// loaded worker. Workers already known to the balancer are ignored.
//
// Parameters:
//   - newWorkers: Workers joining the assignment
//
// Returns:
//   - []types.Move: Moves in the order they were made; empty if already balanced
func (lb *LoadBalancer) AddWorkers(newWorkers []types.WorkerIndex) []types.Move {
	for _, w := range newWorkers {
		lb.addWorker(w)
	}

	var moves []types.Move
	for {
		maxW, minW := lb.extremes()
		if len(lb.bins[maxW])-len(lb.bins[minW]) <= 1 {
			return moves
		}

		src := lb.bins[maxW]
		bin := src[len(src)-1]
		lb.bins[maxW] = src[:len(src)-1]
		lb.bins[minW] = append(lb.bins[minW], bin)

		moves = append(moves, types.Move{Bin: bin, Worker: minW})
	}
}

// extremes returns the most and least loaded workers, lowest index first on ties.
func (lb *LoadBalancer) extremes() (maxW, minW types.WorkerIndex) {
	if len(lb.workers) == 0 {
		return 0, 0
	}

	maxW, minW = lb.workers[0], lb.workers[0]
	for _, w := range lb.workers[1:] {
		n := len(lb.bins[w])
		if n > len(lb.bins[maxW]) {
			maxW = w
		}
		if n < len(lb.bins[minW]) {
			minW = w
		}
	}

	return maxW, minW
}

func (lb *LoadBalancer) addWorker(w types.WorkerIndex) {
	if _, ok := lb.bins[w]; ok {
		return
	}

	lb.bins[w] = nil
	idx, _ := slices.BinarySearch(lb.workers, w)
	lb.workers = slices.Insert(lb.workers, idx, w)
}

// BinCount returns the fixed number of bins.
func (lb *LoadBalancer) BinCount() int {
	return lb.binCount
}

// Workers returns the known workers in ascending order.
func (lb *LoadBalancer) Workers() []types.WorkerIndex {
	return slices.Clone(lb.workers)
}

// Bins returns a copy of the bin queue owned by w.
func (lb *LoadBalancer) Bins(w types.WorkerIndex) []types.BinID {
	return slices.Clone(lb.bins[w])
}

// Loads returns the number of bins per worker.
func (lb *LoadBalancer) Loads() map[types.WorkerIndex]int {
	loads := make(map[types.WorkerIndex]int, len(lb.workers))
	for _, w := range lb.workers {
		loads[w] = len(lb.bins[w])
	}

	return loads
}

// Spread returns max load minus min load.
func (lb *LoadBalancer) Spread() int {
	maxW, minW := lb.extremes()

	return len(lb.bins[maxW]) - len(lb.bins[minW])
}

// Owner returns the worker holding bin, and false if no worker holds it.
func (lb *LoadBalancer) Owner(bin types.BinID) (types.WorkerIndex, bool) {
	for _, w := range lb.workers {
		if slices.Contains(lb.bins[w], bin) {
			return w, true
		}
	}

	return 0, false
}

// Assignment returns the bin -> worker vector, suitable for a Map instruction.
func (lb *LoadBalancer) Assignment() []types.WorkerIndex {
	vec := make([]types.WorkerIndex, lb.binCount)
	for _, w := range lb.workers {
		for _, b := range lb.bins[w] {
			vec[b] = w
		}
	}

	return vec
}

// Verify checks that every bin is owned exactly once and that loads are balanced.
//
// Returns:
//   - error: Description of the first violated property, nil if consistent
func (lb *LoadBalancer) Verify() error {
	seen := make([]bool, lb.binCount)
	total := 0

	for _, w := range lb.workers {
		for _, b := range lb.bins[w] {
			if int(b) >= lb.binCount {
				return fmt.Errorf("worker %d owns out of range bin %d", w, b)
			}
			if seen[b] {
				return fmt.Errorf("bin %d owned more than once", b)
			}
			seen[b] = true
			total++
		}
	}

	if len(lb.workers) > 0 && total != lb.binCount {
		return fmt.Errorf("assignment covers %d of %d bins", total, lb.binCount)
	}

	if spread := lb.Spread(); spread > 1 {
		return fmt.Errorf("load spread %d exceeds 1", spread)
	}

	return nil
}
