// Package fdtable implements the process-wide fd -> metadata mapping
// spec.md §4.5 describes: a sparse-but-densely-backed table consulted by
// the hook package to decide whether a given fd is a socket, whether the
// kernel already forces O_NONBLOCK on it, and what recv/send timeouts the
// user has configured.
//
// The growable dense vector keyed by fd is the same shape as the teacher's
// heap.go object table; fdtable generalizes it to the spec's socket/
// nonblock/timeout metadata instead of GC bookkeeping. (The IoScheduler does
// not use this shape for its own per-fd event contexts: it keeps them in a
// map keyed by fd.)
package fdtable

import (
	"sync"

	"golang.org/x/sys/unix"

	"mycoroutine/singleton"
)

// UnsetTimeout is the sentinel meaning "no timeout configured".
const UnsetTimeout int64 = -1

// FdCtx is per-fd metadata. A socket's system-imposed nonblock flag is
// always true (see newFdCtx); UserNonblock reports what fcntl/ioctl told
// the application, independent of that, so F_GETFL can maintain the
// fiction the user never set nonblock themselves (spec.md §4.5).
type FdCtx struct {
	mu sync.Mutex

	fd           int
	isSocket     bool
	sysNonblock  bool
	userNonblock bool
	closed       bool
	recvTimeout  int64
	sendTimeout  int64
}

func newFdCtx(fd int) *FdCtx {
	ctx := &FdCtx{fd: fd, recvTimeout: UnsetTimeout, sendTimeout: UnsetTimeout}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err == nil && stat.Mode&unix.S_IFMT == unix.S_IFSOCK {
		ctx.isSocket = true
		// Sockets are always put in kernel-nonblocking mode so the hook
		// layer can retry on EAGAIN instead of blocking the OS thread;
		// the user's own view of O_NONBLOCK is tracked independently.
		_ = unix.SetNonblock(fd, true)
		ctx.sysNonblock = true
	}
	return ctx
}

// FD returns the file descriptor this context describes.
func (c *FdCtx) FD() int { return c.fd }

// IsSocket reports whether fstat identified this fd as a socket.
func (c *FdCtx) IsSocket() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSocket
}

// SysNonblock reports whether the kernel has O_NONBLOCK set on this fd.
func (c *FdCtx) SysNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sysNonblock
}

// UserNonblock reports the application's own view of O_NONBLOCK.
func (c *FdCtx) UserNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userNonblock
}

// SetUserNonblock records the application's view of O_NONBLOCK without
// necessarily touching the kernel flag (see spec.md §4.6 ioctl/fcntl
// policy).
func (c *FdCtx) SetUserNonblock(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userNonblock = v
}

// Closed reports whether SetClosed has marked this fd as torn down.
func (c *FdCtx) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SetClosed marks the fd as torn down.
func (c *FdCtx) SetClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// RecvTimeout/SendTimeout return the configured timeout in ms, or
// UnsetTimeout.
func (c *FdCtx) RecvTimeout() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recvTimeout
}

func (c *FdCtx) SendTimeout() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendTimeout
}

func (c *FdCtx) SetRecvTimeout(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recvTimeout = ms
}

func (c *FdCtx) SetSendTimeout(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendTimeout = ms
}

// Timeout returns the timeout relevant to the given logical direction:
// recv for reads/accepts, send for writes.
func (c *FdCtx) Timeout(isRecv bool) int64 {
	if isRecv {
		return c.RecvTimeout()
	}
	return c.SendTimeout()
}

// Table is the process-wide sparse fd -> *FdCtx mapping.
type Table struct {
	mu  sync.RWMutex
	fds []*FdCtx
}

var instance = singleton.Lazy[Table]{New: func() *Table { return &Table{} }}

// Instance returns the process-wide FdTable, constructing it on first use.
func Instance() *Table { return instance.Get() }

// Get looks up fd's context. With autoCreate=false a miss returns nil.
// With autoCreate=true, the table grows if necessary (new_capacity =
// max(current, ceil(1.5*fd)+1), spec.md REDESIGN FLAG 3 deliberately does
// not reproduce the source's `fd + fd > 1` expression) and a fresh FdCtx is
// constructed and cached.
func (t *Table) Get(fd int, autoCreate bool) *FdCtx {
	if fd < 0 {
		return nil
	}

	t.mu.RLock()
	if fd < len(t.fds) && t.fds[fd] != nil {
		ctx := t.fds[fd]
		t.mu.RUnlock()
		return ctx
	}
	t.mu.RUnlock()

	if !autoCreate {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if fd < len(t.fds) && t.fds[fd] != nil {
		return t.fds[fd]
	}
	if fd >= len(t.fds) {
		t.grow(fd)
	}
	ctx := newFdCtx(fd)
	t.fds[fd] = ctx
	return ctx
}

// grow resizes the backing slice so index fd is addressable. Caller must
// hold the write lock.
func (t *Table) grow(fd int) {
	newCap := growCapacity(len(t.fds), fd)
	grown := make([]*FdCtx, newCap)
	copy(grown, t.fds)
	t.fds = grown
}

func growCapacity(current, fd int) int {
	need := fd + 1
	scaled := int(1.5*float64(fd) + 0.999999999) + 1 // ceil(1.5*fd) + 1
	switch {
	case current >= need:
		return current
	case scaled >= need:
		return scaled
	default:
		return need
	}
}

// Del clears fd's slot.
func (t *Table) Del(fd int) {
	if fd < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < len(t.fds) {
		t.fds[fd] = nil
	}
}

// Cap reports the table's current addressable capacity (for tests).
func (t *Table) Cap() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.fds)
}
