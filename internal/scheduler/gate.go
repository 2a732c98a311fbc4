package scheduler

import (
	"container/heap"
	"context"
	"sync"

	"github.com/miradorstack/mirador-federator/internal/models"
)

// gate bounds in-flight dispatches to one group. Waiters are admitted by priority, then in
// arrival order.
type gate struct {
	mu       sync.Mutex
	limit    int
	inFlight int
	peak     int
	seq      uint64
	waiters  waitQueue
}

type waiter struct {
	priority models.Priority
	seq      uint64
	ready    chan struct{}
	index    int
}

func newGate(limit int) *gate {
	if limit <= 0 {
		limit = 1
	}
	return &gate{limit: limit}
}

func (g *gate) acquire(ctx context.Context, priority models.Priority) error {
	g.mu.Lock()
	if g.inFlight < g.limit && len(g.waiters) == 0 {
		g.admit()
		g.mu.Unlock()
		return nil
	}
	w := &waiter{priority: priority, seq: g.seq, ready: make(chan struct{})}
	g.seq++
	heap.Push(&g.waiters, w)
	g.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		if w.index >= 0 {
			heap.Remove(&g.waiters, w.index)
			g.mu.Unlock()
			return ctx.Err()
		}
		g.mu.Unlock()
		// admitted concurrently with cancellation
		g.release()
		return ctx.Err()
	}
}

func (g *gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight--
	g.drain()
}

func (g *gate) setLimit(limit int) {
	if limit <= 0 {
		limit = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limit = limit
	g.drain()
}

// drain and admit must be called with g.mu held.
func (g *gate) drain() {
	for g.inFlight < g.limit && len(g.waiters) > 0 {
		w := heap.Pop(&g.waiters).(*waiter)
		g.admit()
		close(w.ready)
	}
}

func (g *gate) admit() {
	g.inFlight++
	if g.inFlight > g.peak {
		g.peak = g.inFlight
	}
}

func (g *gate) stats() (inFlight, peak, waiting int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight, g.peak, len(g.waiters)
}

type waitQueue []*waiter

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}
