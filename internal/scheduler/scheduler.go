// Package scheduler implements a virtual-time event queue: callbacks are
// fired in deadline order as the owner advances a monotonically increasing
// nanosecond clock. Time here is never wall-clock time; the caller decides
// how far to advance it on each Tick.
package scheduler

import "container/heap"

// TimerHandle identifies a scheduled callback. The zero value never refers
// to a live timer.
type TimerHandle uint64

// Callback is invoked when a timer's deadline is reached.
type Callback func()

type entry struct {
	deadline int64 // ns
	seq      uint64
	handle   TimerHandle
	cb       Callback
	canceled bool
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(*entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Scheduler is a single-threaded virtual-time priority queue. It is not
// safe for concurrent use; callers (the emulator thread, in this system)
// must serialize access themselves.
type Scheduler struct {
	heap    entryHeap
	byHandle map[TimerHandle]*entry
	nextSeq  uint64
	nextID   TimerHandle
	now      int64
	firing   TimerHandle // handle currently executing, for self-cancel no-op
}

// New returns an empty Scheduler with virtual time at 0.
func New() *Scheduler {
	return &Scheduler{
		byHandle: make(map[TimerHandle]*entry),
	}
}

// Now returns the scheduler's current virtual time in nanoseconds.
func (s *Scheduler) Now() int64 { return s.now }

// CreateTimer schedules cb to fire at Now()+delayNS. delayNS must be
// non-negative.
func (s *Scheduler) CreateTimer(delayNS int64, cb Callback) TimerHandle {
	if delayNS < 0 {
		delayNS = 0
	}
	s.nextID++
	h := s.nextID
	s.nextSeq++
	e := &entry{
		deadline: s.now + delayNS,
		seq:      s.nextSeq,
		handle:   h,
		cb:       cb,
	}
	s.byHandle[h] = e
	heap.Push(&s.heap, e)
	return h
}

// Cancel removes a pending timer. Canceling an already-fired, already
// canceled, or unknown handle is a no-op. Canceling the timer that is
// currently firing (self-cancel) is also a no-op — it has already been
// popped off the heap by the time its callback runs.
func (s *Scheduler) Cancel(h TimerHandle) {
	if h == s.firing {
		return
	}
	if e, ok := s.byHandle[h]; ok {
		e.canceled = true
		delete(s.byHandle, h)
	}
}

// Tick fires every timer with deadline <= now, in deadline order (ties
// broken by insertion order), and advances the scheduler's virtual clock
// to now. A callback may schedule further timers; those take effect in a
// later Tick if their deadline lands in the future, or in this same Tick
// if their deadline is <= now.
func (s *Scheduler) Tick(now int64) {
	s.now = now
	for s.heap.Len() > 0 {
		top := s.heap[0]
		if top.canceled {
			heap.Pop(&s.heap)
			continue
		}
		if top.deadline > now {
			break
		}
		heap.Pop(&s.heap)
		delete(s.byHandle, top.handle)
		s.firing = top.handle
		top.cb()
		s.firing = 0
	}
}

// MillisecondsUntilNext returns the wait budget for the main loop: the
// number of milliseconds until the earliest pending timer's deadline
// (floored at 0), and ok=false if no timer is pending.
func (s *Scheduler) MillisecondsUntilNext() (ms int64, ok bool) {
	for s.heap.Len() > 0 && s.heap[0].canceled {
		heap.Pop(&s.heap)
	}
	if s.heap.Len() == 0 {
		return 0, false
	}
	delta := s.heap[0].deadline - s.now
	if delta < 0 {
		delta = 0
	}
	return delta / 1_000_000, true
}

// Pending reports how many live (non-canceled) timers remain.
func (s *Scheduler) Pending() int {
	return len(s.byHandle)
}
