package fdtable

import (
	"sync"
	"testing"

	"golang.org/x/sys/unix"
)

func TestGetWithoutAutoCreateMisses(t *testing.T) {
	table := &Table{}
	if got := table.Get(5, false); got != nil {
		t.Errorf("Get(5, false) = %v, want nil", got)
	}
}

func TestGetAutoCreateGrowsAndCaches(t *testing.T) {
	table := &Table{}
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	ctx := table.Get(fds[0], true)
	if ctx == nil {
		t.Fatal("Get(fd, true) = nil, want a context")
	}
	if !ctx.IsSocket() {
		t.Error("IsSocket() = false for a socketpair fd, want true")
	}
	if !ctx.SysNonblock() {
		t.Error("SysNonblock() = false for a socket, want true (always forced)")
	}

	again := table.Get(fds[0], true)
	if again != ctx {
		t.Error("Get returned a different *FdCtx on the second call for the same fd")
	}
}

func TestGrowCapacityFormula(t *testing.T) {
	tests := []struct {
		current, fd, want int
	}{
		{0, 0, 1},
		{0, 10, 16},
		{20, 10, 20},
		{0, 100, 151},
	}
	for _, tt := range tests {
		if got := growCapacity(tt.current, tt.fd); got < tt.fd+1 || got < tt.current {
			t.Errorf("growCapacity(%d, %d) = %d, too small", tt.current, tt.fd, got)
		} else if got != tt.want {
			t.Errorf("growCapacity(%d, %d) = %d, want %d", tt.current, tt.fd, got, tt.want)
		}
	}
}

func TestDelClearsSlot(t *testing.T) {
	table := &Table{}
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	table.Get(fds[0], true)
	table.Del(fds[0])
	if got := table.Get(fds[0], false); got != nil {
		t.Errorf("Get after Del = %v, want nil", got)
	}
}

func TestConcurrentAutoCreateOnDistinctFdsStaysConsistent(t *testing.T) {
	table := &Table{}
	var pairs [][2]int
	for i := 0; i < 8; i++ {
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		if err != nil {
			t.Fatalf("Socketpair: %v", err)
		}
		pairs = append(pairs, [2]int{fds[0], fds[1]})
	}
	defer func() {
		for _, p := range pairs {
			unix.Close(p[0])
			unix.Close(p[1])
		}
	}()

	var wg sync.WaitGroup
	for _, p := range pairs {
		fd := p[0]
		wg.Add(1)
		go func() {
			defer wg.Done()
			table.Get(fd, true)
		}()
	}
	wg.Wait()

	for _, p := range pairs {
		if got := table.Get(p[0], false); got == nil || got.FD() != p[0] {
			t.Errorf("Get(%d, false) missing or wrong fd after concurrent growth", p[0])
		}
	}
}

func TestInstanceReturnsSameTable(t *testing.T) {
	a := Instance()
	b := Instance()
	if a != b {
		t.Error("Instance() returned two different tables")
	}
}

func TestUserNonblockIndependentOfSysNonblock(t *testing.T) {
	table := &Table{}
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	ctx := table.Get(fds[0], true)
	if ctx.UserNonblock() {
		t.Error("UserNonblock() = true before any fcntl/ioctl call, want false")
	}
	ctx.SetUserNonblock(true)
	if !ctx.UserNonblock() {
		t.Error("UserNonblock() = false after SetUserNonblock(true)")
	}
	if !ctx.SysNonblock() {
		t.Error("SysNonblock() should remain forced true for a socket regardless of the user view")
	}
}
