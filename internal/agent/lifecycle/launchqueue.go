package lifecycle

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// launchWaiter is a Create request waiting for a sandbox slot.
type launchWaiter struct {
	priority int // Higher priority = admitted first
	queuedAt time.Time
	ready    chan struct{}
	index    int // Index in the heap (used by container/heap)
}

// waiterHeap implements heap.Interface for the launch queue
type waiterHeap []*launchWaiter

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	// Higher priority first, then earlier queued time
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].queuedAt.Before(h[j].queuedAt)
}

func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waiterHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*launchWaiter)
	item.index = n
	*h = append(*h, item)
}

func (h *waiterHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*h = old[0 : n-1]
	return item
}

// launchGate bounds the number of concurrently running sandboxes. Create
// requests beyond the limit queue up and are admitted by priority, then
// arrival order, as slots free up.
type launchGate struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	waiters  waiterHeap
}

// newLaunchGate creates a gate with the given capacity. Zero or negative
// capacity means unlimited.
func newLaunchGate(capacity int) *launchGate {
	g := &launchGate{capacity: capacity}
	heap.Init(&g.waiters)
	return g
}

// Acquire claims a sandbox slot, blocking in queue order until one is free
// or the context is done.
func (g *launchGate) Acquire(ctx context.Context, priority int) error {
	g.mu.Lock()
	if g.capacity <= 0 || g.inUse < g.capacity {
		g.inUse++
		g.mu.Unlock()
		return nil
	}

	w := &launchWaiter{
		priority: priority,
		queuedAt: time.Now(),
		ready:    make(chan struct{}),
	}
	heap.Push(&g.waiters, w)
	g.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		// The slot may have been granted between ctx.Done and lock
		// acquisition; hand it back if so.
		select {
		case <-w.ready:
			g.release()
		default:
			if w.index >= 0 {
				heap.Remove(&g.waiters, w.index)
			}
		}
		g.mu.Unlock()
		return ctx.Err()
	}
}

// Release frees a slot, admitting the next queued waiter if any.
func (g *launchGate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.release()
}

// release requires g.mu held.
func (g *launchGate) release() {
	if g.waiters.Len() > 0 {
		w := heap.Pop(&g.waiters).(*launchWaiter)
		close(w.ready) // slot transfers directly to the waiter
		return
	}
	if g.inUse > 0 {
		g.inUse--
	}
}

// Pending returns the number of queued Create requests.
func (g *launchGate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters.Len()
}
