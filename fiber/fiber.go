// Package fiber implements the stackful, three-state coroutine primitive
// described in SPEC_FULL.md §4.1: a Fiber is READY, RUNNING, or TERM, and
// moves between those states only via Resume/Yield/Reset.
//
// Go cannot safely hand-roll register-level stack switching the way the
// original C++ runtime does (an arbitrary mmap'd region interpreted as a
// goroutine stack defeats the Go scheduler's own stack-growth bookkeeping
// without cgo). Instead each Fiber owns one goroutine, itself a real,
// growable, independently-scheduled stack, and Resume/Yield are realized
// as a strict two-channel rendezvous that lets exactly one side of the
// pair run at a time. This preserves every invariant in spec.md §8 (at
// most one RUNNING fiber per logical owner, serial cooperative handoff,
// TERM is terminal) while staying pure Go. See DESIGN.md.
package fiber

import (
	"fmt"
	"sync/atomic"
)

// State is a Fiber's position in its three-state lifecycle.
type State int32

const (
	Ready State = iota
	Running
	Term
)

func (s State) String() string {
	switch s {
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Term:
		return "TERM"
	default:
		return "UNKNOWN"
	}
}

// DefaultStackSize is the size reported for fibers spawned without an
// explicit stack size. Go's goroutine stacks start far smaller than this
// and grow on demand; the value exists for API parity with the spec and
// for callers that want to reason about their own sizing budget.
const DefaultStackSize = 128 * 1024

var idCounter uint64

func nextID() uint64 {
	return atomic.AddUint64(&idCounter, 1)
}

// Fiber is a stackful, cooperatively-scheduled execution context.
type Fiber struct {
	id    uint64
	state atomic.Int32

	entry     func()
	stackSize int
	scheduler bool // "runs under a scheduler", peer is the dispatch fiber, not the thread-root
	root      bool // thread-root fiber: no stack/entry of its own

	refs atomic.Int32

	launched atomic.Bool
	resumeCh chan struct{}
	yieldCh  chan struct{}
}

// newRootFiber constructs a thread-root fiber: RUNNING, no entry, no stack.
func newRootFiber() *Fiber {
	f := &Fiber{id: nextID(), root: true}
	f.state.Store(int32(Running))
	f.refs.Store(1)
	return f
}

// Spawn allocates a new READY fiber. stackSize <= 0 selects DefaultStackSize.
// runsUnderScheduler selects which peer context Yield swaps back to: the
// worker's dispatch fiber when true, the OS thread's root fiber when false.
func Spawn(entry func(), stackSize int, runsUnderScheduler bool) *Fiber {
	if stackSize <= 0 {
		stackSize = DefaultStackSize
	}
	f := &Fiber{
		id:        nextID(),
		entry:     entry,
		stackSize: stackSize,
		scheduler: runsUnderScheduler,
		resumeCh:  make(chan struct{}),
		yieldCh:   make(chan struct{}),
	}
	f.state.Store(int32(Ready))
	f.refs.Store(1)
	return f
}

// ID returns the fiber's unique monotonic identifier.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// IsRoot reports whether this is a thread-root fiber (no owned stack).
func (f *Fiber) IsRoot() bool { return f.root }

// RunsUnderScheduler reports the flag passed to Spawn.
func (f *Fiber) RunsUnderScheduler() bool { return f.scheduler }

// Retain bumps the fiber's reference count. Fibers are shared: a handle may
// sit in a scheduler Task, an I/O EventContext, and a resumer's local
// variable simultaneously.
func (f *Fiber) Retain() *Fiber {
	f.refs.Add(1)
	return f
}

// Release drops a reference. It is a caller error to use a Fiber handle
// after releasing the last reference to it.
func (f *Fiber) Release() {
	f.refs.Add(-1)
}

// peer returns the context Yield should swap back into: the dispatch fiber
// registered for this OS thread if this fiber runs under a scheduler,
// otherwise the thread-root fiber. See SPEC_FULL.md / spec.md §4.1.
func (f *Fiber) peer() *Fiber {
	if f.scheduler {
		if d := dispatchFiber(); d != nil {
			return d
		}
	}
	return threadRootFiber()
}

// Resume transitions a READY fiber to RUNNING and transfers control to it,
// blocking the calling goroutine until the fiber next yields or terminates.
func (f *Fiber) Resume() {
	if f.root {
		panic("fiber: cannot Resume a thread-root fiber")
	}
	if f.State() != Ready {
		panic(fmt.Sprintf("fiber: Resume of fiber %d from state %s, want READY", f.id, f.State()))
	}
	if !f.launched.Swap(true) {
		f.start()
	}
	setCurrent(f)
	f.state.Store(int32(Running))
	f.resumeCh <- struct{}{}
	<-f.yieldCh
}

// Yield suspends the running fiber back to READY (or leaves it at TERM, if
// called as part of the trampoline's callback-return path) and transfers
// control back to the appropriate peer.
func (f *Fiber) Yield() {
	st := f.State()
	if st != Running && st != Term {
		panic(fmt.Sprintf("fiber: Yield of fiber %d from state %s, want RUNNING or TERM", f.id, st))
	}
	if st == Running {
		f.state.Store(int32(Ready))
	}
	setCurrent(f.peer())
	f.yieldCh <- struct{}{}
	if st == Running {
		<-f.resumeCh
		setCurrent(f)
	}
}

// Reset rebuilds a TERM fiber back into READY with a new entry point,
// reusing its identity (a fresh backing goroutine is lazily spawned on the
// next Resume, see DESIGN.md for why the original stack cannot literally
// be reused in pure Go).
func (f *Fiber) Reset(entry func()) {
	if f.root {
		panic("fiber: cannot Reset a thread-root fiber")
	}
	if f.State() != Term {
		panic(fmt.Sprintf("fiber: Reset of fiber %d from state %s, want TERM", f.id, f.State()))
	}
	f.entry = entry
	f.resumeCh = make(chan struct{})
	f.yieldCh = make(chan struct{})
	f.launched.Store(false)
	f.state.Store(int32(Ready))
}

// start launches the fiber's backing goroutine. It blocks on the first
// resume signal before ever touching entry, so construction order can
// never race Resume.
func (f *Fiber) start() {
	go func() {
		<-f.resumeCh
		setCurrent(f)

		func() {
			defer func() {
				if r := recover(); r != nil {
					// A panicking fiber body is a fatal runtime invariant
					// violation per spec.md §7: there is no well-defined
					// state to resume into afterwards.
					panic(fmt.Sprintf("fiber: fiber %d panicked: %v", f.id, r))
				}
			}()
			entry := f.entry
			f.entry = nil
			entry()
		}()

		f.state.Store(int32(Term))
		setCurrent(f.peer())
		f.yieldCh <- struct{}{}
	}()
}

func (f *Fiber) String() string {
	return fmt.Sprintf("Fiber[%d state=%s root=%t scheduler=%t]", f.id, f.State(), f.root, f.scheduler)
}
