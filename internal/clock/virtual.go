package clock

import (
	"container/heap"
	"sync"
	"time"
)

// Virtual is a Clock whose time only moves when Advance is called. It lets
// tests exercise heartbeat/timeout logic without sleeping wall-clock time.
type Virtual struct {
	mu   sync.Mutex
	now  time.Time
	next int
	pq   timerHeap
}

// NewVirtual returns a Virtual clock starting at t.
func NewVirtual(t time.Time) *Virtual {
	return &Virtual{now: t}
}

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

func (v *Virtual) AfterFunc(d time.Duration, f func()) Timer {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.next++
	t := &virtualTimer{id: v.next, fireAt: v.now.Add(d), fn: f, owner: v}
	heap.Push(&v.pq, t)
	return t
}

// Advance moves the clock forward by d, firing (in fireAt order) every timer
// whose deadline falls at or before the new time. A timer's callback may
// itself schedule a new timer; that timer only fires on a subsequent Advance.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	v.now = v.now.Add(d)
	deadline := v.now

	var due []*virtualTimer
	for v.pq.Len() > 0 && v.pq[0].fireAt.Before(deadline.Add(1)) {
		t := heap.Pop(&v.pq).(*virtualTimer)
		if t.stopped {
			continue
		}
		t.stopped = true // fired timers must be Reset before firing again
		due = append(due, t)
	}
	v.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

type virtualTimer struct {
	id      int
	fireAt  time.Time
	fn      func()
	stopped bool
	owner   *Virtual
}

func (t *virtualTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	t.owner.pq.remove(t)
	return true
}

func (t *virtualTimer) Reset(d time.Duration) bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	wasActive := !t.stopped
	t.owner.pq.remove(t)
	t.stopped = false
	t.fireAt = t.owner.now.Add(d)
	heap.Push(&t.owner.pq, t)
	return wasActive
}

type timerHeap []*virtualTimer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].fireAt.Before(h[j].fireAt) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)         { *h = append(*h, x.(*virtualTimer)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (h *timerHeap) remove(t *virtualTimer) {
	for i, e := range *h {
		if e == t {
			heap.Remove(h, i)
			return
		}
	}
}
