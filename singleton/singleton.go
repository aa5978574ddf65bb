// Package singleton is the generic lazy-initialized-instance template
// spec.md §1 and §9 place out of scope: "process-wide lazy-initialized
// instance of T... first access constructs; later accesses return the same
// instance." It exists only to give fdtable's process-wide table a
// thread-safe home, per its specified contract, nothing more.
package singleton

import "sync"

// Lazy holds a single process-wide *T, constructed on first Get.
type Lazy[T any] struct {
	// New builds the instance. If nil, Get returns a pointer to a zero T.
	New func() *T

	once sync.Once
	val  *T
}

// Get returns the shared instance, constructing it on the first call.
func (l *Lazy[T]) Get() *T {
	l.once.Do(func() {
		if l.New != nil {
			l.val = l.New()
		} else {
			var zero T
			l.val = &zero
		}
	})
	return l.val
}
