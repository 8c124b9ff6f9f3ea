package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/statstream"
	"github.com/jpalmerr/statstream/example/mockmgmt"
)

func main() {
	logger := slog.Default()

	// start mock management endpoint
	mock := &http.Server{
		Addr:              ":9999",
		Handler:           mockmgmt.New(logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := mock.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("mock server error", "error", err)
		}
	}()
	defer func() { _ = mock.Close() }()

	// discovery: one session per statistics object in the mock catalog
	discovered, err := statstream.NewTarget("http://localhost:9999/",
		statstream.WithCredentials(mockmgmt.User, mockmgmt.Password),
	)
	if err != nil {
		logger.Error("failed to create target", "error", err)
		os.Exit(1)
	}

	// explicit path: one session, no catalog request
	heap, _ := statstream.NewTarget("http://localhost:9999/",
		statstream.WithCredentials(mockmgmt.User, mockmgmt.Password),
		statstream.WithPath("jvm:type=MemoryStats/attributes"),
	)

	c, err := statstream.New(
		statstream.WithTargets(discovered, heap),
		statstream.WithSchedule(statstream.Schedule{Initial: time.Second, Period: 5 * time.Second, Times: -1}),
		statstream.WithTitle("statstream demo"),
		statstream.WithPort(8080),
		statstream.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to create collector", "error", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("  statstream demo")
	fmt.Println()
	fmt.Println("  Open http://localhost:8080/requests/ in your browser")
	fmt.Println("  and start any session to download its CSV.")
	fmt.Println()
	fmt.Println("  Sessions: 3 discovered + 1 explicit path")
	fmt.Println("  Metrics:  http://localhost:8080/metrics")
	fmt.Println()
	fmt.Println("  Press Ctrl+C to stop")
	fmt.Println()

	// set up context with signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Start(ctx); err != nil {
		logger.Error("statstream error", "error", err)
		os.Exit(1)
	}
}
