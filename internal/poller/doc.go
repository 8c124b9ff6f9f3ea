// Package poller fetches statistics from the remote management endpoint and
// streams them as CSV.
//
// The main components are:
//
//   - [Client]: authenticated HTTP client for catalog and statistics requests
//   - [Scheduler]: runs one cancellable poll loop per started session
//   - [Schedule]: initial delay, period and tick count of a run
//   - [Sink]: destination of a session's CSV rows
//
// Each tick writes one row stamped with the tick's scheduled time in Unix
// milliseconds. The first row carrying statistics is preceded by a
// "Time,<name>..." header. Ticks whose fetch failed write a
// "(not started)" marker; ticks answered with an empty body write
// "(no contents)".
package poller
