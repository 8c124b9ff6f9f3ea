// Package server provides the HTTP triggers of statstream.
//
// This package handles all HTTP concerns:
//
//   - Session listing: HTML page at "/requests/" rendered from the embedded template
//   - Reservation and finish triggers: form posts answered with 303 redirects
//   - Monitor trigger: "/requests/{id}" starts a run and streams it as a CSV download
//   - REST API: JSON session listing at "/api/sessions"
//   - Server-Sent Events: session lifecycle events at "/api/sse"
//   - Metrics: Prometheus exposition at "/metrics"
//
// The server supports graceful shutdown via context cancellation, with a
// 5-second timeout for in-flight requests.
package server
