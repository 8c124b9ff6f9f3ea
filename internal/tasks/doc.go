// Package tasks tracks the cancellable handles of running poll loops.
//
// A [Task] wraps one goroutine with its own context. The [Registry] maps
// session ids to tasks so that a finish request can cancel the right loop,
// and drains every loop with a bounded grace period on shutdown.
package tasks
