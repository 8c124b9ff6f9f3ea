package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jpalmerr/statstream/internal/catalog"
	"github.com/jpalmerr/statstream/internal/poller"
	"github.com/jpalmerr/statstream/internal/session"
	"github.com/jpalmerr/statstream/internal/sink"
	"github.com/jpalmerr/statstream/internal/store"
	"github.com/jpalmerr/statstream/internal/tasks"
)

const (
	// sseWriteTimeout is the maximum time allowed for a single SSE write operation.
	// This prevents goroutine leaks when clients are slow or disconnected.
	// Must be <= shutdown timeout to ensure clean shutdown.
	sseWriteTimeout = 5 * time.Second

	// defaultTitle is used when no custom title is configured.
	defaultTitle = "statstream"

	listingPath = "/requests/"
)

// Reserver creates sessions for a reservation target.
type Reserver interface {
	Reserve(ctx context.Context, target catalog.Target) []*session.Session
}

// Runner starts and finishes poll runs.
type Runner interface {
	Launch(ctx context.Context, id string, sched poller.Schedule, sink poller.Sink) (*tasks.Task, error)
	Finish(id string) bool
}

// Server exposes the reservation, monitor and finish triggers over HTTP.
//
// Routes:
//   - GET /: redirects to the session listing
//   - GET /requests/: HTML session listing
//   - POST /requests/: reserve sessions for a target, then redirect to the listing
//   - GET /requests/{id}: start polling and stream the session as CSV
//   - POST /requests/{id}/finished: finish a session, then redirect to the listing
//   - GET /api/sessions: session listing as JSON
//   - GET /api/sse: session events as Server-Sent Events
//   - GET /metrics: Prometheus metrics
//
// The server is designed for graceful shutdown via context cancellation.
type Server struct {
	store      store.Store
	reserver   Reserver
	runner     Runner
	gatherer   prometheus.Gatherer
	port       int
	httpServer *http.Server
	listing    *template.Template
	defaults   poller.Schedule
	title      string
	logger     *slog.Logger
}

// NewServer creates a new HTTP [Server].
//
// Parameters:
//   - st: session registry backing the listings
//   - reserver: creates sessions on reservation requests
//   - runner: starts and finishes poll runs
//   - gatherer: metrics source for /metrics (may be nil)
//   - port: TCP port to listen on
//   - assets: filesystem containing assets/index.html (may be nil)
//   - title: page title (defaults to "statstream" if empty)
//   - logger: logger for server events
//
// The server is not started until [Server.Start] is called.
func NewServer(st store.Store, reserver Reserver, runner Runner, gatherer prometheus.Gatherer, port int, assets fs.FS, title string, logger *slog.Logger) *Server {
	if title == "" {
		title = defaultTitle
	}
	s := &Server{
		store:    st,
		reserver: reserver,
		runner:   runner,
		gatherer: gatherer,
		port:     port,
		defaults: poller.DefaultSchedule(),
		title:    title,
		logger:   logger,
	}
	if assets != nil {
		tmpl, err := template.ParseFS(assets, "assets/index.html")
		if err != nil {
			logger.Error("failed to parse listing template", "error", err)
		} else {
			s.listing = tmpl
		}
	}
	return s
}

// SetDefaultSchedule sets the cadence used for monitor requests that omit
// initial, period or times. Call before [Server.Start].
func (s *Server) SetDefaultSchedule(sched poller.Schedule) {
	s.defaults = sched
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /requests/{$}", s.handleListing)
	mux.HandleFunc("POST /requests/{$}", s.handleReserve)
	mux.HandleFunc("GET /requests/{id}", s.handleMonitor)
	mux.HandleFunc("POST /requests/{id}/finished", s.handleFinish)

	// API routes
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/sse", s.handleSSE)

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start begins serving HTTP requests in a background goroutine.
//
// Start is non-blocking and returns immediately after confirming the server
// is listening. The server will continue running until the context is
// cancelled, at which point it initiates a graceful shutdown with a 5-second
// timeout. Cancelling ctx also cancels every request context, which ends the
// poll runs streaming to clients.
//
// Returns an error if the server fails to bind to the configured port.
func (s *Server) Start(ctx context.Context) error {
	// create listener first to verify port availability synchronously
	addr := fmt.Sprintf(":%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind to port %d: %w", s.port, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// BaseContext derives all request contexts from the server context.
		// When ctx is cancelled, all request contexts are also cancelled,
		// enabling graceful shutdown of long-running handlers like CSV streams.
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", "error", err)
		}
	}()

	// shutdown on context cancellation
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}()

	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, listingPath, http.StatusFound)
}

type sessionView struct {
	ID       string
	Location string
	Path     string
	Status   string
}

type listingView struct {
	Title    string
	Initial  int64
	Period   int64
	Times    int
	Sessions []sessionView
}

// handleListing renders the session listing, first-come-first-served.
func (s *Server) handleListing(w http.ResponseWriter, r *http.Request) {
	if s.listing == nil {
		http.Error(w, "Dashboard not found", http.StatusInternalServerError)
		return
	}

	sessions := s.store.List()
	view := listingView{
		Title:    s.title,
		Initial:  int64(s.defaults.Initial / time.Second),
		Period:   int64(s.defaults.Period / time.Second),
		Times:    s.defaults.Times,
		Sessions: make([]sessionView, 0, len(sessions)),
	}
	for _, sess := range sessions {
		view.Sessions = append(view.Sessions, sessionView{
			ID:       sess.ID(),
			Location: sess.Location(),
			Path:     sess.Path(),
			Status:   sess.Status().String(),
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	if err := s.listing.Execute(w, view); err != nil {
		s.logger.Error("failed to render listing", "error", err)
	}
}

// handleReserve creates sessions from the submitted form. The form field
// "query" is accepted as an alias of "path".
func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}

	location := r.PostForm.Get("location")
	if location == "" {
		http.Error(w, "location is required", http.StatusBadRequest)
		return
	}
	path := r.PostForm.Get("path")
	if path == "" {
		path = r.PostForm.Get("query")
	}

	reserved := s.reserver.Reserve(r.Context(), catalog.Target{
		Location: location,
		Path:     path,
		Credentials: session.Credentials{
			User:     r.PostForm.Get("user"),
			Password: r.PostForm.Get("password"),
		},
	})
	s.logger.Info("reservation requested", "location", location, "sessions", len(reserved))

	http.Redirect(w, r, listingPath, http.StatusSeeOther)
}

// handleFinish finishes a session. Unknown ids are ignored.
func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.runner.Finish(id) {
		s.logger.Info("session finished", "session", id)
	}
	http.Redirect(w, r, listingPath, http.StatusSeeOther)
}

// handleMonitor starts the session's poll run and streams it as a CSV
// download until the run ends or the client goes away.
func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	sched, err := parseSchedule(r.URL.Query(), s.defaults)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".csv"))
	w.Header().Set("Cache-Control", "no-cache")

	out := sink.NewHTTP(w)
	task, err := s.runner.Launch(r.Context(), id, sched, out)
	if err != nil {
		w.Header().Del("Content-Disposition")
		switch {
		case errors.Is(err, poller.ErrUnknownSession):
			http.Error(w, "Session not found", http.StatusNotFound)
		case errors.Is(err, session.ErrNotStartable):
			http.Error(w, "Session is not startable", http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}

	if err := out.Open(); err != nil {
		s.logger.Debug("failed to open csv stream", "session", id, "error", err)
	}

	<-task.Done()
	if err := task.Err(); err != nil {
		s.logger.Warn("csv stream ended with error", "session", id, "error", err)
	}
}

// parseSchedule reads initial, period and times from query values, falling
// back to defaults. Delays are whole seconds or Go durations such as "1m30s".
func parseSchedule(q url.Values, defaults poller.Schedule) (poller.Schedule, error) {
	sched := defaults

	var err error
	if sched.Initial, err = parseDelay(q.Get("initial"), sched.Initial); err != nil {
		return sched, fmt.Errorf("invalid initial: %w", err)
	}
	if sched.Period, err = parseDelay(q.Get("period"), sched.Period); err != nil {
		return sched, fmt.Errorf("invalid period: %w", err)
	}
	if v := q.Get("times"); v != "" {
		times, err := strconv.Atoi(v)
		if err != nil {
			return sched, fmt.Errorf("invalid times: %q is not an integer", v)
		}
		sched.Times = times
	}
	return sched, sched.Validate()
}

func parseDelay(v string, fallback time.Duration) (time.Duration, error) {
	if v == "" {
		return fallback, nil
	}
	var d time.Duration
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		d = time.Duration(secs) * time.Second
	} else {
		d, err = time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%q is neither seconds nor a duration", v)
		}
	}
	if d < 0 {
		return 0, fmt.Errorf("%q is negative", v)
	}
	return d, nil
}

// handleSessions returns the session listing as JSON.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.store.List()
	snapshots := make([]session.Snapshot, 0, len(sessions))
	for _, sess := range sessions {
		snapshots = append(snapshots, sess.Snapshot())
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")

	if err := json.NewEncoder(w).Encode(snapshots); err != nil {
		s.logger.Error("failed to encode sessions response", "error", err)
	}
}

// handleSSE streams session events via Server-Sent Events.
//
// The handler uses write deadlines to prevent goroutine leaks when clients are
// slow or disconnected. Without deadlines, a blocked Fprintf call would prevent
// the handler from detecting context cancellation or channel closure.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	// check if flushing is supported
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	rc := http.NewResponseController(w)

	// track if write deadlines are supported (may not be for some ResponseWriter impls)
	deadlinesSupported := true

	writeAndFlush := func(data []byte) error {
		if deadlinesSupported {
			if err := rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout)); err != nil {
				s.logger.Warn("sse write deadlines not supported", "error", err)
				deadlinesSupported = false
			}
		}

		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		return rc.Flush()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// subscribe before listing so no event between the two is lost
	ch := s.store.Subscribe()
	defer s.store.Unsubscribe(ch)

	// current sessions are sent as reserved events
	for _, sess := range s.store.List() {
		data, err := json.Marshal(store.Event{Kind: store.EventReserved, Session: sess.Snapshot()})
		if err != nil {
			continue
		}
		if err := writeAndFlush(data); err != nil {
			return
		}
	}

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := writeAndFlush(data); err != nil {
				return
			}

		case <-r.Context().Done():
			// request context is derived from server context via BaseContext,
			// so this fires on both client disconnect AND server shutdown
			return
		}
	}
}
