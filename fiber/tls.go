package fiber

import (
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// threadState is the per-OS-thread record spec.md §5 calls "thread-local:
// current fiber, current scheduler, current dispatch fiber, hook-enable
// flag". Go has no public thread-local-storage primitive, so this package
// keys a table by the kernel thread id (unix.Gettid) and pins every
// participating goroutine to its OS thread with runtime.LockOSThread,
// exactly the pairing the spec assumes between a "worker" and a real OS
// thread.
type threadState struct {
	root        *Fiber
	current     *Fiber
	dispatch    *Fiber
	hookEnabled bool
}

var (
	tlsMu    sync.RWMutex
	tlsTable = map[int]*threadState{}
)

// stateForCurrentThread locks the calling goroutine to its OS thread (a
// no-op after the first call) and returns that thread's state record,
// creating it on first use.
func stateForCurrentThread() *threadState {
	runtime.LockOSThread()
	tid := unix.Gettid()

	tlsMu.RLock()
	ts, ok := tlsTable[tid]
	tlsMu.RUnlock()
	if ok {
		return ts
	}

	tlsMu.Lock()
	defer tlsMu.Unlock()
	if ts, ok = tlsTable[tid]; ok {
		return ts
	}
	ts = &threadState{}
	tlsTable[tid] = ts
	return ts
}

// Current returns the fiber currently executing on this OS thread, lazily
// creating a thread-root fiber if none has run here yet. Idempotent.
func Current() *Fiber {
	ts := stateForCurrentThread()
	if ts.current == nil {
		ts.current = newRootFiber()
		ts.root = ts.current
	}
	return ts.current
}

func setCurrent(f *Fiber) {
	stateForCurrentThread().current = f
}

// threadRootFiber returns (creating if necessary) this OS thread's root
// fiber, independent of whatever is currently RUNNING.
func threadRootFiber() *Fiber {
	ts := stateForCurrentThread()
	if ts.root == nil {
		ts.root = newRootFiber()
		if ts.current == nil {
			ts.current = ts.root
		}
	}
	return ts.root
}

// SetDispatch registers f as this OS thread's scheduler-dispatch fiber,
// called once by a Scheduler worker before it starts resuming tasks. Fibers
// spawned with runsUnderScheduler=true swap with this fiber, never with the
// thread-root fiber, so a caller thread that both drives the scheduler and
// has its own main flow does not have those two roles bleed into each
// other (spec.md §4.1, "appropriate peer" rule).
func SetDispatch(f *Fiber) {
	stateForCurrentThread().dispatch = f
}

func dispatchFiber() *Fiber {
	ts := stateForCurrentThread()
	return ts.dispatch
}

// HookEnabled reports this OS thread's syscall-interception gate.
func HookEnabled() bool {
	return stateForCurrentThread().hookEnabled
}

// SetHookEnabled sets this OS thread's syscall-interception gate.
func SetHookEnabled(enabled bool) {
	stateForCurrentThread().hookEnabled = enabled
}
