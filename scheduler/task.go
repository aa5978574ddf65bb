package scheduler

import "mycoroutine/fiber"

// AnyThread is the thread-affinity sentinel meaning "any worker may run
// this task" (spec.md §3, "Thread-id 'any'").
const AnyThread = -1

// Task is a scheduling record: exactly one of Fiber or Thunk is set, plus
// an optional worker affinity.
type Task struct {
	Fiber  *fiber.Fiber
	Thunk  func()
	Thread int
}

// Reset clears a Task back to its zero value so the backing struct can be
// handed back to Scheduler's task pool and reused for a later dispatch
// instead of being discarded (see Scheduler.putTask in scheduler.go).
func (t *Task) Reset() {
	t.Fiber = nil
	t.Thunk = nil
	t.Thread = AnyThread
}
