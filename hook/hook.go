// Package hook is the syscall-interposition layer spec.md §4.6 describes:
// it turns what would be a blocking read/write/accept/connect/sleep into a
// fiber suspension, using fdtable to decide whether a given fd is even
// eligible and scheduler.IoScheduler to register the interest that resumes
// the caller once the fd is ready (or a timeout fires).
//
// Go offers no LD_PRELOAD-style syscall substitution, so "interception"
// here means what application code calls instead of the raw unix.* calls
// directly, Read/Write/Accept/Connect/Close/etc below, each wrapping the
// real unix call with the do_io policy. This mirrors the original's own
// per-call wrapper functions (SPEC_FULL.md §C.2: connect_with_timeout is
// independently callable there too), just invoked explicitly rather than
// via dynamic symbol interposition.
package hook

import (
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"mycoroutine/fdtable"
	"mycoroutine/fiber"
	"mycoroutine/scheduler"
)

// ErrTimeout is returned when a hooked call's configured timeout elapses
// before the fd becomes ready.
var ErrTimeout = errors.New("hook: i/o timeout")

// DefaultConnectTimeout is the connect() timeout used when none has been
// configured, matching the original's 3-second default (SPEC_FULL.md §C).
const DefaultConnectTimeout = 3 * time.Second

var currentIO atomic.Pointer[scheduler.IoScheduler]

// Init binds the IoScheduler hooked calls register interest with. It must
// be called once before any hooked call runs on a fiber.
func Init(io *scheduler.IoScheduler) { currentIO.Store(io) }

func ioSched() *scheduler.IoScheduler { return currentIO.Load() }

// Enabled and SetEnabled expose the thread-local hook gate (spec.md §4.6,
// "a process-wide thread-local boolean hook_enabled").
func Enabled() bool          { return fiber.HookEnabled() }
func SetEnabled(enabled bool) { fiber.SetHookEnabled(enabled) }

// timerInfo is the shared cancellation flag a conditional timeout timer
// and the resuming fiber both look at (spec.md §4.6 step 5's
// "shared timer_info{cancelled=0}, with a weak witness").
type timerInfo struct {
	live      bool
	cancelled error
}

// doIO implements the shared read/write/accept policy: call attempt; on
// EAGAIN register interest and an optional timeout, yield, then retry.
func doIO(fd int, typ scheduler.EventType, isRecv bool, attempt func() (int, error)) (int, error) {
	io := ioSched()
	if !Enabled() || io == nil {
		return attempt()
	}

	ctx := fdtable.Instance().Get(fd, false)
	if ctx == nil {
		return attempt()
	}
	if ctx.Closed() {
		return -1, unix.EBADF
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return attempt()
	}

	timeoutMS := ctx.Timeout(isRecv)

	for {
		n, err := attempt()
		if err == unix.EINTR {
			continue
		}
		if err != unix.EAGAIN {
			return n, err
		}

		info := &timerInfo{live: true}
		var timer interface{ Cancel() bool }
		if timeoutMS != fdtable.UnsetTimeout {
			t := io.AddConditionTimer(timeoutMS, func() {
				info.cancelled = ErrTimeout
				io.CancelEvent(fd, typ)
			}, func() bool { return info.live }, false)
			timer = t
		}

		self := fiber.Current()
		if err := io.AddEvent(fd, typ, self, nil); err != nil {
			if timer != nil {
				timer.Cancel()
			}
			return -1, err
		}

		self.Yield()

		info.live = false
		if timer != nil {
			timer.Cancel()
		}
		if info.cancelled != nil {
			return -1, info.cancelled
		}
	}
}

// Read hooks a read(2)-style call.
func Read(fd int, p []byte) (int, error) {
	return doIO(fd, scheduler.EventRead, true, func() (int, error) { return unix.Read(fd, p) })
}

// Write hooks a write(2)-style call.
func Write(fd int, p []byte) (int, error) {
	return doIO(fd, scheduler.EventWrite, false, func() (int, error) { return unix.Write(fd, p) })
}

// Recv hooks recv(2).
func Recv(fd int, p []byte, flags int) (int, error) {
	return doIO(fd, scheduler.EventRead, true, func() (int, error) {
		n, _, err := unix.Recvfrom(fd, p, flags)
		return n, err
	})
}

// Send hooks send(2).
func Send(fd int, p []byte, flags int) (int, error) {
	return doIO(fd, scheduler.EventWrite, false, func() (int, error) {
		if err := unix.Sendto(fd, p, flags, nil); err != nil {
			return 0, err
		}
		return len(p), nil
	})
}

// Readv hooks readv(2).
func Readv(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, scheduler.EventRead, true, func() (int, error) {
		total := 0
		for _, iov := range iovs {
			n, err := unix.Read(fd, iov)
			total += n
			if err != nil {
				return total, err
			}
			if n < len(iov) {
				break
			}
		}
		return total, nil
	})
}

// Writev hooks writev(2).
func Writev(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, scheduler.EventWrite, false, func() (int, error) {
		total := 0
		for _, iov := range iovs {
			n, err := unix.Write(fd, iov)
			total += n
			if err != nil {
				return total, err
			}
		}
		return total, nil
	})
}

// Accept hooks accept(2), registering the resulting fd on success.
func Accept(fd int) (int, error) {
	newFD, err := doIO(fd, scheduler.EventRead, true, func() (int, error) {
		nfd, _, err := unix.Accept(fd)
		return nfd, err
	})
	if err == nil {
		fdtable.Instance().Get(newFD, true)
	}
	return newFD, err
}

// Socket hooks socket(2), registering the new fd on success.
func Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err == nil {
		fdtable.Instance().Get(fd, true)
	}
	return fd, err
}

// Connect hooks connect(2) using DefaultConnectTimeout.
func Connect(fd int, addr unix.Sockaddr) error {
	return ConnectWithTimeout(fd, addr, DefaultConnectTimeout)
}

// ConnectWithTimeout is independently callable (SPEC_FULL.md §C.2): if the
// real connect returns EINPROGRESS, it arms a conditional timeout, waits
// for the fd to become writable, then inspects SO_ERROR to determine the
// outcome.
func ConnectWithTimeout(fd int, addr unix.Sockaddr, timeout time.Duration) error {
	io := ioSched()
	if !Enabled() || io == nil {
		return unix.Connect(fd, addr)
	}

	err := unix.Connect(fd, addr)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return err
	}

	info := &timerInfo{live: true}
	var timer interface{ Cancel() bool }
	if timeout > 0 {
		t := io.AddConditionTimer(timeout.Milliseconds(), func() {
			info.cancelled = ErrTimeout
			io.CancelEvent(fd, scheduler.EventWrite)
		}, func() bool { return info.live }, false)
		timer = t
	}

	self := fiber.Current()
	if err := io.AddEvent(fd, scheduler.EventWrite, self, nil); err != nil {
		if timer != nil {
			timer.Cancel()
		}
		return err
	}
	self.Yield()

	info.live = false
	if timer != nil {
		timer.Cancel()
	}
	if info.cancelled != nil {
		return info.cancelled
	}

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

// Close hooks close(2): cancels any pending events on fd (firing waiters),
// removes it from the FdTable, then closes for real.
func Close(fd int) error {
	if io := ioSched(); io != nil && Enabled() {
		io.CancelAll(fd)
	}
	fdtable.Instance().Del(fd)
	return unix.Close(fd)
}

// Fcntl hooks fcntl(2) for F_SETFL/F_GETFL, maintaining the user's
// independent view of O_NONBLOCK; all other commands forward transparently.
func Fcntl(fd int, cmd int, arg int) (int, error) {
	ctx := fdtable.Instance().Get(fd, false)
	if !Enabled() || ctx == nil {
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}

	switch cmd {
	case unix.F_SETFL:
		ctx.SetUserNonblock(arg&unix.O_NONBLOCK != 0)
		if !ctx.IsSocket() {
			return unix.FcntlInt(uintptr(fd), cmd, arg)
		}
		// Sockets stay kernel-nonblocking regardless (SetUserNonblock
		// above is the only effect the application observes).
		return 0, nil
	case unix.F_GETFL:
		real, err := unix.FcntlInt(uintptr(fd), cmd, arg)
		if err != nil {
			return real, err
		}
		if ctx.UserNonblock() {
			return real | unix.O_NONBLOCK, nil
		}
		return real &^ unix.O_NONBLOCK, nil
	default:
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}
}

// Ioctl hooks ioctl(2): FIONBIO updates the FdCtx's user-nonblock view.
func Ioctl(fd int, req uint, arg *int) error {
	ctx := fdtable.Instance().Get(fd, false)
	if Enabled() && ctx != nil && req == unix.FIONBIO {
		ctx.SetUserNonblock(*arg != 0)
		return nil
	}
	return unix.IoctlSetInt(fd, req, *arg)
}

// Setsockopt hooks setsockopt(2): SO_RCVTIMEO/SO_SNDTIMEO are captured in
// the FdCtx instead of (necessarily) being forwarded to the kernel, since
// the runtime enforces the timeout itself.
func Setsockopt(fd int, level, opt int, timeout time.Duration) error {
	ctx := fdtable.Instance().Get(fd, false)
	if Enabled() && ctx != nil && level == unix.SOL_SOCKET {
		ms := timeout.Milliseconds()
		switch opt {
		case unix.SO_RCVTIMEO:
			ctx.SetRecvTimeout(ms)
			return nil
		case unix.SO_SNDTIMEO:
			ctx.SetSendTimeout(ms)
			return nil
		}
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	return unix.SetsockoptTimeval(fd, level, opt, &tv)
}

// Getsockopt hooks getsockopt(2). SO_RCVTIMEO/SO_SNDTIMEO read back whatever
// Setsockopt captured in the FdCtx rather than the (irrelevant, since the
// kernel fd is never actually put in those modes) kernel value.
func Getsockopt(fd, level, opt int) (int, error) {
	ctx := fdtable.Instance().Get(fd, false)
	if Enabled() && ctx != nil && level == unix.SOL_SOCKET {
		switch opt {
		case unix.SO_RCVTIMEO:
			return int(ctx.Timeout(true)), nil
		case unix.SO_SNDTIMEO:
			return int(ctx.Timeout(false)), nil
		}
	}
	return unix.GetsockoptInt(fd, level, opt)
}

// Sleep suspends the current fiber for d, rescheduling it via a one-shot
// timer rather than blocking the OS thread.
func Sleep(d time.Duration) {
	io := ioSched()
	if !Enabled() || io == nil {
		time.Sleep(d)
		return
	}
	self := fiber.Current()
	io.AddTimer(d.Milliseconds(), func() {
		io.ScheduleFiber(self, scheduler.AnyThread)
	}, false)
	self.Yield()
}
