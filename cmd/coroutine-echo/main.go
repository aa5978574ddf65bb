// Command coroutine-echo runs the echo demo server (internal/echodemo) on
// top of the fiber/scheduler/hook runtime, mirroring the flag-driven CLI
// style of the teacher's own main.go.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"mycoroutine/hook"
	"mycoroutine/internal/echodemo"
	"mycoroutine/scheduler"
)

func main() {
	port := flag.Int("port", 9000, "TCP port to listen on")
	workers := flag.Int("workers", 4, "number of worker threads")
	useCaller := flag.Bool("use-caller", false, "donate the calling thread as a worker")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	var logger *log.Logger
	if *verbose {
		logger = log.New(os.Stdout, "", log.LstdFlags)
	}

	io, err := scheduler.NewIoScheduler(*workers, *useCaller, "coroutine-echo")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create io scheduler: %v\n", err)
		os.Exit(1)
	}
	io.Log = logger
	defer io.Close()

	hook.Init(io)
	io.Scheduler.WorkerInit = func() { hook.SetEnabled(true) }
	io.Start()
	defer io.Stop()

	server := echodemo.New()
	server.Log = logger
	if err := server.Start(io, *port); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start server: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("coroutine-echo listening on :%d (%d workers, use-caller=%v)\n", *port, *workers, *useCaller)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	fmt.Println("shutting down...")
	server.Stop()
}
