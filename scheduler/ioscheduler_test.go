package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestIoSchedulerAddEventFiresOnReadable(t *testing.T) {
	io, err := NewIoScheduler(1, false, "io-test")
	require.NoError(t, err)
	defer io.Close()
	io.Start()
	defer io.Stop()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	fired := make(chan struct{}, 1)
	require.NoError(t, io.AddEvent(fds[0], EventRead, nil, func() { fired <- struct{}{} }))

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("read event never fired")
	}
}

func TestIoSchedulerTimerFiresThroughIdleLoop(t *testing.T) {
	io, err := NewIoScheduler(1, false, "io-test")
	require.NoError(t, err)
	defer io.Close()
	io.Start()
	defer io.Stop()

	fired := make(chan struct{}, 1)
	io.AddTimer(20, func() { fired <- struct{}{} }, false)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired through the io scheduler idle loop")
	}
}

func TestIoSchedulerCancelEventFiresImmediately(t *testing.T) {
	io, err := NewIoScheduler(1, false, "io-test")
	require.NoError(t, err)
	defer io.Close()
	io.Start()
	defer io.Stop()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	fired := make(chan struct{}, 1)
	require.NoError(t, io.AddEvent(fds[0], EventWrite, nil, func() { fired <- struct{}{} }))
	require.NoError(t, io.CancelEvent(fds[0], EventWrite))

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled event callback never fired")
	}
}

func TestIoSchedulerCancelAllClearsBothDirections(t *testing.T) {
	io, err := NewIoScheduler(1, false, "io-test")
	require.NoError(t, err)
	defer io.Close()
	io.Start()
	defer io.Stop()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, io.AddEvent(fds[0], EventRead, nil, func() {}))
	require.NoError(t, io.AddEvent(fds[0], EventWrite, nil, func() {}))
	io.CancelAll(fds[0])

	require.Eventually(t, func() bool { return io.PendingEventCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
