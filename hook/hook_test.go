package hook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"mycoroutine/fdtable"
	"mycoroutine/fiber"
	"mycoroutine/scheduler"
)

func newTestIO(t *testing.T) *scheduler.IoScheduler {
	t.Helper()
	io, err := scheduler.NewIoScheduler(2, false, "hook-test")
	require.NoError(t, err)
	io.Start()
	t.Cleanup(func() {
		io.Stop()
		io.Close()
	})
	return io
}

func TestDisabledHookPassesThrough(t *testing.T) {
	SetEnabled(false)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	_, err = unix.Write(fds[1], []byte("hi"))
	require.NoError(t, err)

	buf := make([]byte, 8)
	n, err := Read(fds[0], buf)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf[:n]))
}

func TestDoIOYieldsUntilReadable(t *testing.T) {
	io := newTestIO(t)
	Init(io)
	SetEnabled(true)
	defer SetEnabled(false)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	fdtable.Instance().Get(fds[0], true)

	result := make(chan string, 1)
	f := fiber.Spawn(func() {
		buf := make([]byte, 16)
		n, err := Read(fds[0], buf)
		if err != nil {
			result <- "error: " + err.Error()
			return
		}
		result <- string(buf[:n])
	}, 0, true)
	io.ScheduleFiber(f, scheduler.AnyThread)

	time.Sleep(20 * time.Millisecond)
	_, err = unix.Write(fds[1], []byte("payload"))
	require.NoError(t, err)

	select {
	case got := <-result:
		require.Equal(t, "payload", got)
	case <-time.After(2 * time.Second):
		t.Fatal("hooked Read never completed")
	}
}

func TestCloseCancelsPendingWaiters(t *testing.T) {
	io := newTestIO(t)
	Init(io)
	SetEnabled(true)
	defer SetEnabled(false)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])
	fdtable.Instance().Get(fds[0], true)

	result := make(chan error, 1)
	f := fiber.Spawn(func() {
		buf := make([]byte, 16)
		_, err := Read(fds[0], buf)
		result <- err
	}, 0, true)
	io.ScheduleFiber(f, scheduler.AnyThread)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, Close(fds[0]))

	select {
	case err := <-result:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close never unblocked the waiting reader")
	}
}

func TestFcntlTracksUserNonblockIndependently(t *testing.T) {
	io := newTestIO(t)
	Init(io)
	SetEnabled(true)
	defer SetEnabled(false)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	fdtable.Instance().Get(fds[0], true)

	_, err = Fcntl(fds[0], unix.F_SETFL, unix.O_NONBLOCK)
	require.NoError(t, err)

	flags, err := Fcntl(fds[0], unix.F_GETFL, 0)
	require.NoError(t, err)
	require.NotZero(t, flags&unix.O_NONBLOCK)
}

func TestSleepReschedulesFiberAfterDelay(t *testing.T) {
	io := newTestIO(t)
	Init(io)
	SetEnabled(true)
	defer SetEnabled(false)

	done := make(chan time.Time, 1)
	start := time.Now()
	f := fiber.Spawn(func() {
		Sleep(30 * time.Millisecond)
		done <- time.Now()
	}, 0, true)
	io.ScheduleFiber(f, scheduler.AnyThread)

	select {
	case end := <-done:
		require.GreaterOrEqual(t, end.Sub(start), 25*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("sleeping fiber never resumed")
	}
}
