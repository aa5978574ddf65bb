package timerset

import (
	"container/heap"
	"math"
	"sync"
	"time"
)

// Infinite is the sentinel GetNextTimer returns when the set is empty.
const Infinite = math.MaxInt64

// RolloverThreshold is how far backwards the clock must jump, relative to
// the last observed reading, before ListExpired treats every timer as
// expired (spec.md §4.4, "Clock rollover tolerance").
const RolloverThreshold = 60 * time.Minute

// TimerSet is a sorted, mutex-protected set of Timer handles ordered by
// (deadline, identity).
type TimerSet struct {
	// OnInsertedAtFront is the virtual hook the C++ original implements by
	// overriding a method; Go has no inheritance, so IoScheduler wires its
	// own tickle() in here after construction instead.
	OnInsertedAtFront func()

	// Clock lets tests simulate wall-clock rollbacks. Defaults to the
	// system clock in milliseconds.
	Clock func() int64

	mu           sync.RWMutex
	h            timerHeap
	previousTime int64
	tickled      bool
}

// New constructs an empty TimerSet using the system clock.
func New() *TimerSet {
	ts := &TimerSet{Clock: defaultClock}
	heap.Init(&ts.h)
	ts.previousTime = ts.Clock()
	return ts
}

func defaultClock() int64 {
	return time.Now().UnixMilli()
}

// AddTimer inserts a one-shot (or recurring) timer firing ms from now.
func (ts *TimerSet) AddTimer(ms int64, cb func(), recurring bool) *Timer {
	return ts.insert(ts.now()+ms, ms, cb, recurring)
}

// AddConditionTimer wraps cb so it only runs if weak() still resolves at
// fire time, the primitive hooked I/O uses to cancel a timeout safely once
// the waiting fiber has already resumed and been released (spec.md §4.4,
// §9 "Conditional timers use weak witnesses").
func (ts *TimerSet) AddConditionTimer(ms int64, cb func(), weak func() bool, recurring bool) *Timer {
	wrapped := func() {
		if weak() {
			cb()
		}
	}
	return ts.insert(ts.now()+ms, ms, wrapped, recurring)
}

func (ts *TimerSet) insert(deadline, period int64, cb func(), recurring bool) *Timer {
	t := &Timer{deadline: deadline, period: period, cb: cb, recurring: recurring, owner: ts}

	ts.mu.Lock()
	heap.Push(&ts.h, t)
	becameFront := ts.h[0] == t
	needTickle := becameFront && !ts.tickled
	if needTickle {
		ts.tickled = true
	}
	hook := ts.OnInsertedAtFront
	ts.mu.Unlock()

	if needTickle && hook != nil {
		hook()
	}
	return t
}

// GetNextTimer returns how many milliseconds remain until the soonest
// deadline (0 if already due), or Infinite if the set is empty. Clears the
// "tickled" latch so the next front-insertion wakes the idle loop again.
func (ts *TimerSet) GetNextTimer() int64 {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.tickled = false
	if ts.h.Len() == 0 {
		return Infinite
	}
	remaining := ts.h[0].deadline - ts.now()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ListExpired moves every timer with deadline <= now out of the set and
// returns their callbacks. A conditional timer's witness is not checked
// here; it is checked when the returned callback runs (see
// AddConditionTimer). Recurring timers are reinserted with
// deadline = now + period; one-shot timers are cleared and dropped.
func (ts *TimerSet) ListExpired() []func() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := ts.now()

	// Clock rollover tolerance: a wall-clock backstep of more than
	// RolloverThreshold is treated as "everything is expired" for this
	// pass, recovering coarsely from e.g. NTP corrections. The bookkeeping
	// update below is unconditional either way (spec.md §4.4, and
	// SPEC_FULL.md §C.4 per original_source/Timer.cpp).
	rolledOver := ts.previousTime-now > RolloverThreshold.Milliseconds()
	ts.previousTime = now

	var out []func()
	var reinsert []*Timer

	for ts.h.Len() > 0 {
		head := ts.h[0]
		if !rolledOver && head.deadline > now {
			break
		}
		heap.Pop(&ts.h)
		if head.cancelled {
			continue
		}
		out = append(out, head.cb)
		if head.recurring {
			head.deadline = now + head.period
			reinsert = append(reinsert, head)
		} else {
			head.cb = nil
			head.index = -1
		}
	}

	for _, t := range reinsert {
		heap.Push(&ts.h, t)
	}

	return out
}

// Len returns the number of timers currently held (cancelled timers are
// removed immediately, so this is always the live count).
func (ts *TimerSet) Len() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.h.Len()
}

func (ts *TimerSet) now() int64 {
	if ts.Clock != nil {
		return ts.Clock()
	}
	return defaultClock()
}

func (ts *TimerSet) cancel(t *Timer) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if t.cancelled || t.index < 0 {
		return false
	}
	heap.Remove(&ts.h, t.index)
	t.cancelled = true
	t.cb = nil
	return true
}

func (ts *TimerSet) refresh(t *Timer) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if t.cancelled || t.index < 0 {
		return false
	}
	heap.Remove(&ts.h, t.index)
	t.deadline = ts.now() + t.period
	heap.Push(&ts.h, t)
	return true
}

func (ts *TimerSet) reset(t *Timer, ms int64, fromNow bool) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if t.cancelled || t.index < 0 {
		return false
	}
	heap.Remove(&ts.h, t.index)
	base := t.deadline
	if fromNow {
		base = ts.now()
	}
	t.period = ms
	t.deadline = base + ms
	heap.Push(&ts.h, t)
	return true
}
