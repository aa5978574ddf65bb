// Package echodemo is a small TCP echo server built on the fiber/
// scheduler/hook stack, demonstrating the "testable scenario" spec.md §8
// asks for (a server handling many concurrent connections through
// fiber suspension rather than one goroutine/thread per connection) and
// directly adapting original_source/server.cpp's IOManager-based echo
// server (SPEC_FULL.md §C.6) into this runtime's idiom.
//
// The RWMutex-guarded start/stop bookkeeping follows the same shape as
// the teacher's runtime/http.go HTTPServer.
package echodemo

import (
	"fmt"
	"log"
	"sync"

	"golang.org/x/sys/unix"

	"mycoroutine/fdtable"
	"mycoroutine/fiber"
	"mycoroutine/hook"
	"mycoroutine/scheduler"
)

// Server is a single-listener TCP echo server.
type Server struct {
	Log *log.Logger

	mu        sync.RWMutex
	running   bool
	listenFD  int
	io        *scheduler.IoScheduler
	conns     int
}

// New constructs an idle Server.
func New() *Server {
	return &Server{listenFD: -1}
}

func (s *Server) logf(format string, args ...interface{}) {
	if s.Log != nil {
		s.Log.Printf("[echodemo] "+format, args...)
	}
}

// Start binds port, registers the listener with io for acceptance, and
// begins accepting connections. io must already be started.
func (s *Server) Start(io *scheduler.IoScheduler, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("echodemo: server already running")
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("echodemo: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("echodemo: setsockopt(SO_REUSEADDR): %w", err)
	}

	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("echodemo: bind: %w", err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return fmt.Errorf("echodemo: listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fmt.Errorf("echodemo: set nonblock: %w", err)
	}
	fdtable.Instance().Get(fd, true)

	s.listenFD = fd
	s.io = io
	s.running = true
	s.logf("listening on port %d", port)

	watch := func() {}
	watch = func() {
		io.AddEvent(fd, scheduler.EventRead, nil, func() {
			s.acceptOne()
			watch()
		})
	}
	watch()
	return nil
}

// Stop cancels the listener's pending event and closes it. It does not
// forcibly close already-accepted connections; those drain on their own.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	s.io.CancelAll(s.listenFD)
	err := hook.Close(s.listenFD)
	s.listenFD = -1
	return err
}

// Running reports whether Start has succeeded and Stop has not yet run.
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// ActiveConns reports the number of connections currently being served.
func (s *Server) ActiveConns() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns
}

func (s *Server) acceptOne() {
	fd, _, err := unix.Accept(s.listenFD)
	if err != nil {
		if err != unix.EAGAIN {
			s.logf("accept: %v", err)
		}
		return
	}
	unix.SetNonblock(fd, true)
	fdtable.Instance().Get(fd, true)
	s.logf("accepted fd %d", fd)

	s.mu.Lock()
	s.conns++
	s.mu.Unlock()

	f := fiber.Spawn(func() { s.serve(fd) }, 0, true)
	s.io.ScheduleFiber(f, scheduler.AnyThread)
}

// serve loops read-then-write on fd until the peer closes or an error that
// is not EAGAIN occurs, matching the original echo loop's retry-on-EAGAIN
// read/write cycle.
func (s *Server) serve(fd int) {
	defer func() {
		hook.Close(fd)
		s.mu.Lock()
		s.conns--
		s.mu.Unlock()
	}()

	buf := make([]byte, 4096)
	for {
		n, err := hook.Read(fd, buf)
		if n > 0 {
			if _, werr := hook.Write(fd, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil || n == 0 {
			return
		}
	}
}
