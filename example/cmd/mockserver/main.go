// Standalone mock management endpoint for testing the CLI.
//
// Usage:
//
//	go run ./example/cmd/mockserver
//
// Then in another terminal:
//
//	go run ./cmd/statstream serve -c example/config.yaml
//	go run ./cmd/statstream poll -l http://localhost:9999/ -u admin --password admin --initial 0s --period 2s
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jpalmerr/statstream/example/mockmgmt"
)

func main() {
	fmt.Println("Mock management endpoint starting on :9999")
	fmt.Printf("Credentials: %s/%s\n", mockmgmt.User, mockmgmt.Password)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	logger := slog.Default()
	srv := &http.Server{
		Addr:              ":9999",
		Handler:           mockmgmt.New(logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("mock server error", "error", err)
		os.Exit(1)
	}
}
