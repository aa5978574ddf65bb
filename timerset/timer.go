// Package timerset implements the ordered timer set described in
// SPEC_FULL.md §4.4: one-shot, recurring, and conditional timers ordered by
// (deadline, identity), with coarse clock-rollover tolerance.
//
// The min-heap-by-deadline shape is a direct descendant of the teacher's
// own TimerHeap in runtime/eventloop.go (container/heap, deadline-ordered,
// reschedule-on-fire for intervals); this package generalizes it to the
// spec's one-shot/recurring/conditional taxonomy and adds cancellation and
// clock-rollover handling that the teacher's toy event loop did not need.
package timerset

import "fmt"

// Timer is a single entry in a TimerSet.
type Timer struct {
	deadline  int64 // absolute deadline, ms on the set's clock
	period    int64 // ms; only meaningful when recurring
	cb        func()
	recurring bool
	cancelled bool

	// owner is a non-owning back-reference: the TimerSet outlives every
	// Timer it contains, so this is never the only reference keeping the
	// set alive (spec.md §9, "Back-reference from Timer to TimerManager").
	owner *TimerSet
	index int // position in the owning heap; -1 when not in any heap
}

// Cancel removes the timer from its set. It returns true iff the timer was
// still pending (i.e. this call is the one that prevented the callback from
// firing), spec.md §8 invariant 4: "if cancel() returns true, T's callback
// is not invoked afterwards."
func (t *Timer) Cancel() bool {
	if t.owner == nil {
		return false
	}
	return t.owner.cancel(t)
}

// Refresh re-seats a recurring timer's deadline to now+period, as if it had
// just fired, without actually invoking its callback.
func (t *Timer) Refresh() bool {
	if t.owner == nil {
		return false
	}
	return t.owner.refresh(t)
}

// Reset re-seats the timer with a new period. If fromNow is true the new
// deadline is now+ms; otherwise it is the timer's previous deadline+ms.
func (t *Timer) Reset(ms int64, fromNow bool) bool {
	if t.owner == nil {
		return false
	}
	return t.owner.reset(t, ms, fromNow)
}

func (t *Timer) String() string {
	return fmt.Sprintf("Timer[deadline=%d recurring=%t cancelled=%t]", t.deadline, t.recurring, t.cancelled)
}

// timerHeap implements container/heap.Interface, ordering by deadline.
// Ties are broken by the timers' current positions in the heap slice, so
// timers with equal deadlines stay distinct entries but fire in no defined
// relative order.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return i < j
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	n := len(*h)
	timer := x.(*Timer)
	timer.index = n
	*h = append(*h, timer)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	timer := old[n-1]
	old[n-1] = nil
	timer.index = -1
	*h = old[:n-1]
	return timer
}
