// Package statstream polls the statistics published by a remote management
// endpoint and streams them as CSV, one row per tick.
//
// An operator reserves poll sessions against an endpoint, starts any
// startable session with a schedule, watches the CSV grow as a download and
// finishes sessions when done. Many sessions can run at once.
//
// # Quick Start
//
//	target, _ := statstream.NewTarget("https://appserver:4848/management/domain",
//	    statstream.WithCredentials("admin", "secret"),
//	)
//	c, _ := statstream.New(statstream.WithTargets(target))
//
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	c.Start(ctx) // blocks until context is cancelled
//
// The listing page at http://localhost:8080/requests/ shows every reserved
// session. Starting a session opens "/requests/{id}?initial=15&period=30&times=-1",
// which streams "<id>.csv" until the run ends.
//
// # Sessions
//
// A target with an explicit path reserves one session. A target without a
// path is resolved by discovery: the endpoint's catalog is fetched and one
// session is reserved per object whose name matches the discovery filter,
// polling "<name>/attributes". A failed discovery reserves one invalid
// session whose location holds the error, so the failure is visible in the
// listing.
//
// Sessions move from invalid or startable to started exactly once. A
// session is removed when its run ends, whether the schedule was exhausted,
// the client went away, or it was finished.
//
// # CSV format
//
// Each tick writes one row stamped with the tick's scheduled time in Unix
// milliseconds. The first tick that returns statistics also writes a
// "Time,<name>..." header. A tick whose request failed writes
// "<ms>,(not started)"; a tick answered with an empty body writes
// "<ms>,(no contents)". Rows end with CRLF.
//
// # Architecture
//
// statstream consists of several internal packages (under internal/):
//
//   - session: the poll session entity and its status
//   - store: the registry of reserved sessions with lifecycle events
//   - tasks: cancellable handles of running poll loops
//   - catalog: turns targets into sessions, with discovery
//   - poller: the remote client, the scheduler and the CSV formatter
//   - sink: HTTP, file and stdout destinations for CSV rows
//   - metrics: Prometheus collectors
//   - server: the HTTP triggers
package statstream
