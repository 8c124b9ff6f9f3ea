package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jpalmerr/statstream/dashboard"
	"github.com/jpalmerr/statstream/internal/catalog"
	"github.com/jpalmerr/statstream/internal/metrics"
	"github.com/jpalmerr/statstream/internal/poller"
	"github.com/jpalmerr/statstream/internal/session"
	"github.com/jpalmerr/statstream/internal/store"
	"github.com/jpalmerr/statstream/internal/tasks"
)

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeReserver records targets and reserves one startable session per call.
type fakeReserver struct {
	mu       sync.Mutex
	sessions store.Store
	targets  []catalog.Target
}

func (f *fakeReserver) Reserve(ctx context.Context, target catalog.Target) []*session.Session {
	f.mu.Lock()
	f.targets = append(f.targets, target)
	f.mu.Unlock()

	sess := session.New(target.Location, target.Path, target.Credentials)
	_ = sess.SetStatus(session.StatusStartable)
	f.sessions.Put(sess)
	return []*session.Session{sess}
}

// statFetcher answers every tick with the same snapshot.
type statFetcher struct{}

func (statFetcher) FetchStats(ctx context.Context, url string, creds session.Credentials) ([]poller.StatEntry, error) {
	return []poller.StatEntry{{Name: "Heap", Value: "103350272"}, {Name: "Threads", Value: "42"}}, nil
}

var testAssets = fstest.MapFS{
	"assets/index.html": {Data: []byte(`<title>{{.Title}}</title>{{range .Sessions}}[{{.ID}} {{.Status}}]{{end}}`)},
}

type fixture struct {
	srv      *Server
	sessions *store.MemoryStore
	reserver *fakeReserver
	registry *tasks.Registry
	reg      *prometheus.Registry
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	sessions := store.NewMemoryStore()
	registry := tasks.NewRegistry(testLogger())
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		t.Fatalf("metrics.New() error = %v", err)
	}
	scheduler := poller.NewScheduler(statFetcher{}, sessions, registry, m, testLogger())
	reserver := &fakeReserver{sessions: sessions}

	return fixture{
		srv:      NewServer(sessions, reserver, scheduler, reg, 0, testAssets, "", testLogger()),
		sessions: sessions,
		reserver: reserver,
		registry: registry,
		reg:      reg,
	}
}

func (fx fixture) startable() *session.Session {
	sess := session.New("http://localhost:8686/management/domain", "server-mon/attributes", session.Credentials{})
	_ = sess.SetStatus(session.StatusStartable)
	fx.sessions.Put(sess)
	return sess
}

func (fx fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	fx.srv.Handler().ServeHTTP(rec, req)
	return rec
}

// --- Listing and triggers ---

func TestHandleRoot_RedirectsToListing(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusFound)
	}
	if loc := rec.Header().Get("Location"); loc != "/requests/" {
		t.Errorf("Location = %q, want /requests/", loc)
	}
}

func TestHandleListing_OrderedFirstCome(t *testing.T) {
	fx := newFixture(t)
	first := fx.startable()
	second := fx.startable()
	invalid := session.New("lookup failed", "", session.Credentials{})
	fx.sessions.Put(invalid)

	rec := fx.do(httptest.NewRequest(http.MethodGet, "/requests/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	i1 := strings.Index(body, first.ID())
	i2 := strings.Index(body, second.ID())
	i3 := strings.Index(body, invalid.ID()+" invalid")
	if i1 < 0 || i2 < 0 || i3 < 0 {
		t.Fatalf("listing missing sessions: %s", body)
	}
	if !(i1 < i2 && i2 < i3) {
		t.Errorf("listing not in reservation order: %s", body)
	}
	if !strings.Contains(body, "<title>statstream</title>") {
		t.Errorf("default title not rendered: %s", body)
	}
}

func TestHandleListing_TitleIsEscaped(t *testing.T) {
	sessions := store.NewMemoryStore()
	srv := NewServer(sessions, &fakeReserver{sessions: sessions}, nil, nil, 0, testAssets, "<script>alert('xss')</script>", testLogger())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/requests/", nil))

	body := rec.Body.String()
	if strings.Contains(body, "<script>") {
		t.Errorf("title should be escaped, got: %s", body)
	}
	if !strings.Contains(body, "&lt;script&gt;") {
		t.Errorf("expected escaped title, got: %s", body)
	}
}

func TestHandleListing_EmbeddedDashboard(t *testing.T) {
	sessions := store.NewMemoryStore()
	srv := NewServer(sessions, &fakeReserver{sessions: sessions}, nil, nil, 0, dashboard.Assets, "Stats", testLogger())

	startable := session.New("http://host/management", "jvm/attributes", session.Credentials{})
	_ = startable.SetStatus(session.StatusStartable)
	sessions.Put(startable)
	sessions.Put(session.New("connection refused", "", session.Credentials{}))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/requests/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if got := strings.Count(body, `target="_blank"`); got != 1 {
		t.Errorf("start forms = %d, want 1 for the single startable session", got)
	}
	if !strings.Contains(body, `action="/requests/`+startable.ID()+`/finished"`) {
		t.Error("finish form missing for startable session")
	}
	if !strings.Contains(body, `name="initial" min="0" value="15"`) {
		t.Error("default initial delay not rendered")
	}
	if !strings.Contains(body, "connection refused") {
		t.Error("diagnostic session location not rendered")
	}
}

func TestHandleListing_NoAssets(t *testing.T) {
	sessions := store.NewMemoryStore()
	srv := NewServer(sessions, &fakeReserver{sessions: sessions}, nil, nil, 0, nil, "", testLogger())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/requests/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestHandleReserve(t *testing.T) {
	fx := newFixture(t)

	form := url.Values{
		"location": {"http://host:8686/management/domain"},
		"user":     {"admin"},
		"password": {"secret"},
		"query":    {"server-mon/attributes"},
	}
	req := httptest.NewRequest(http.MethodPost, "/requests/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := fx.do(req)

	if rec.Code != http.StatusSeeOther {
		t.Errorf("status = %d, want 303", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/requests/" {
		t.Errorf("Location = %q, want /requests/", loc)
	}
	if len(fx.reserver.targets) != 1 {
		t.Fatalf("Reserve called %d times, want 1", len(fx.reserver.targets))
	}
	got := fx.reserver.targets[0]
	want := catalog.Target{
		Location:    "http://host:8686/management/domain",
		Path:        "server-mon/attributes",
		Credentials: session.Credentials{User: "admin", Password: "secret"},
	}
	if got != want {
		t.Errorf("target = %+v, want %+v", got, want)
	}
}

func TestHandleReserve_PathPreferredOverQuery(t *testing.T) {
	fx := newFixture(t)

	form := url.Values{"location": {"http://host"}, "path": {"a/attributes"}, "query": {"b/attributes"}}
	req := httptest.NewRequest(http.MethodPost, "/requests/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	fx.do(req)

	if len(fx.reserver.targets) != 1 || fx.reserver.targets[0].Path != "a/attributes" {
		t.Errorf("targets = %+v, want path a/attributes", fx.reserver.targets)
	}
}

func TestHandleReserve_MissingLocation(t *testing.T) {
	fx := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/requests/", strings.NewReader("path=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := fx.do(req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if len(fx.reserver.targets) != 0 {
		t.Error("Reserve called without location")
	}
}

func TestHandleFinish(t *testing.T) {
	fx := newFixture(t)
	sess := fx.startable()

	rec := fx.do(httptest.NewRequest(http.MethodPost, "/requests/"+sess.ID()+"/finished", nil))

	if rec.Code != http.StatusSeeOther {
		t.Errorf("status = %d, want 303", rec.Code)
	}
	if _, ok := fx.sessions.Get(sess.ID()); ok {
		t.Error("session still registered after finish")
	}
}

func TestHandleFinish_Unknown(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(httptest.NewRequest(http.MethodPost, "/requests/missing/finished", nil))

	if rec.Code != http.StatusSeeOther {
		t.Errorf("status = %d, want 303", rec.Code)
	}
}

// --- Monitor ---

func TestHandleMonitor_StreamsCSV(t *testing.T) {
	fx := newFixture(t)
	sess := fx.startable()

	rec := fx.do(httptest.NewRequest(http.MethodGet, "/requests/"+sess.ID()+"?initial=0&period=0&times=2", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Content-Type = %q, want text/csv", ct)
	}
	wantDisposition := `attachment; filename="` + sess.ID() + `.csv"`
	if cd := rec.Header().Get("Content-Disposition"); cd != wantDisposition {
		t.Errorf("Content-Disposition = %q, want %q", cd, wantDisposition)
	}

	lines := strings.Split(strings.TrimSuffix(rec.Body.String(), "\r\n"), "\r\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header + 2 rows: %q", len(lines), rec.Body.String())
	}
	if lines[0] != "Time,Heap,Threads" {
		t.Errorf("header = %q", lines[0])
	}
	for _, row := range lines[1:] {
		if !strings.HasSuffix(row, ",103350272,42") {
			t.Errorf("row = %q", row)
		}
	}
	if fx.sessions.Len() != 0 {
		t.Errorf("store Len() = %d after exhausted run, want 0", fx.sessions.Len())
	}
}

func TestHandleMonitor_Errors(t *testing.T) {
	tests := []struct {
		name   string
		target func(fx fixture) string
		want   int
	}{
		{
			name:   "unknown session",
			target: func(fx fixture) string { return "/requests/missing" },
			want:   http.StatusNotFound,
		},
		{
			name: "invalid session",
			target: func(fx fixture) string {
				sess := session.New("lookup failed", "", session.Credentials{})
				fx.sessions.Put(sess)
				return "/requests/" + sess.ID()
			},
			want: http.StatusConflict,
		},
		{
			name: "started session",
			target: func(fx fixture) string {
				sess := fx.startable()
				_ = sess.MarkStarted()
				return "/requests/" + sess.ID()
			},
			want: http.StatusConflict,
		},
		{
			name:   "bad times",
			target: func(fx fixture) string { return "/requests/" + fx.startable().ID() + "?times=many" },
			want:   http.StatusBadRequest,
		},
		{
			name:   "negative period",
			target: func(fx fixture) string { return "/requests/" + fx.startable().ID() + "?period=-5" },
			want:   http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			rec := fx.do(httptest.NewRequest(http.MethodGet, tt.target(fx), nil))

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if cd := rec.Header().Get("Content-Disposition"); cd != "" {
				t.Errorf("Content-Disposition = %q on error response", cd)
			}
		})
	}
}

func TestHandleMonitor_ClientDisconnectCancelsRun(t *testing.T) {
	fx := newFixture(t)
	sess := fx.startable()

	ts := httptest.NewServer(fx.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/requests/"+sess.ID()+"?initial=3600", nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}

	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	cancel()
	_ = resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for fx.sessions.Len() != 0 || fx.registry.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("run not cleaned up after client disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		want    poller.Schedule
		wantErr bool
	}{
		{name: "defaults", query: "", want: poller.Schedule{Initial: 15 * time.Second, Period: 30 * time.Second, Times: -1}},
		{name: "seconds", query: "initial=1&period=2&times=3", want: poller.Schedule{Initial: time.Second, Period: 2 * time.Second, Times: 3}},
		{name: "durations", query: "initial=500ms&period=1m", want: poller.Schedule{Initial: 500 * time.Millisecond, Period: time.Minute, Times: -1}},
		{name: "zero times", query: "times=0", want: poller.Schedule{Initial: 15 * time.Second, Period: 30 * time.Second, Times: 0}},
		{name: "bad initial", query: "initial=soon", wantErr: true},
		{name: "negative initial", query: "initial=-1s", wantErr: true},
		{name: "bad times", query: "times=1.5", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _ := url.ParseQuery(tt.query)
			got, err := parseSchedule(q, poller.DefaultSchedule())
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseSchedule() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseSchedule() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// --- API ---

func TestHandleSessions(t *testing.T) {
	fx := newFixture(t)
	sess := session.New("http://host", "p", session.Credentials{User: "admin", Password: "secret"})
	_ = sess.SetStatus(session.StatusStartable)
	fx.sessions.Put(sess)

	rec := fx.do(httptest.NewRequest(http.MethodGet, "/api/sessions", nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Error("credentials leaked in session listing")
	}
	var got []session.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(got) != 1 || got[0].ID != sess.ID() || got[0].Status != session.StatusStartable {
		t.Errorf("sessions = %+v", got)
	}
}

func TestHandleMetrics(t *testing.T) {
	fx := newFixture(t)
	sess := fx.startable()
	fx.do(httptest.NewRequest(http.MethodGet, "/requests/"+sess.ID()+"?initial=0&period=0&times=1", nil))

	rec := fx.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`statstream_ticks_total{result="ok"} 1`,
		`statstream_runs_finished_total{reason="exhausted"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestHandleMetrics_NotRegisteredWithoutGatherer(t *testing.T) {
	sessions := store.NewMemoryStore()
	srv := NewServer(sessions, &fakeReserver{sessions: sessions}, nil, nil, 0, nil, "", testLogger())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// --- SSE ---

func parseSSEEvents(body string) []store.Event {
	var events []store.Event
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			var event store.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err == nil {
				events = append(events, event)
			}
		}
	}
	return events
}

func TestHandleSSE_BasicFlow(t *testing.T) {
	fx := newFixture(t)
	a := fx.startable()
	b := fx.startable()

	req := httptest.NewRequest(http.MethodGet, "/api/sse", nil)
	rec := httptest.NewRecorder()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)

	fx.srv.handleSSE(rec, req)

	events := parseSSEEvents(rec.Body.String())
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Session.ID != a.ID() || events[1].Session.ID != b.ID() {
		t.Errorf("initial events not in reservation order: %+v", events)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestHandleSSE_StreamsLifecycle(t *testing.T) {
	fx := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sse", nil)
	rec := httptest.NewRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	req = req.WithContext(ctx)

	done := make(chan struct{})
	go func() {
		fx.srv.handleSSE(rec, req)
		close(done)
	}()

	// give handler time to subscribe
	time.Sleep(50 * time.Millisecond)

	sess := fx.startable()
	fx.sessions.Remove(sess.ID())

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not exit after context cancellation")
	}

	events := parseSSEEvents(rec.Body.String())
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if events[0].Kind != store.EventReserved || events[1].Kind != store.EventRemoved {
		t.Errorf("event kinds = %s, %s", events[0].Kind, events[1].Kind)
	}
}

func TestHandleSSE_NoGoroutineLeaks(t *testing.T) {
	runtime.GC()
	time.Sleep(100 * time.Millisecond)
	before := runtime.NumGoroutine()

	fx := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()

			req := httptest.NewRequest(http.MethodGet, "/api/sse", nil).WithContext(ctx)
			fx.srv.handleSSE(httptest.NewRecorder(), req)
		}()
	}
	wg.Wait()

	runtime.GC()
	time.Sleep(200 * time.Millisecond)

	after := runtime.NumGoroutine()
	if after > before+2 { // small tolerance for runtime variance
		t.Errorf("potential goroutine leak: before=%d, after=%d", before, after)
	}
}

type nonFlushWriter struct {
	header http.Header
	code   int
}

func (n *nonFlushWriter) Header() http.Header         { return n.header }
func (n *nonFlushWriter) Write(b []byte) (int, error) { return len(b), nil }
func (n *nonFlushWriter) WriteHeader(statusCode int)  { n.code = statusCode }

func TestHandleSSE_SSENotSupported(t *testing.T) {
	fx := newFixture(t)
	w := &nonFlushWriter{header: make(http.Header)}

	fx.srv.handleSSE(w, httptest.NewRequest(http.MethodGet, "/api/sse", nil))

	if w.code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.code)
	}
}

// --- Server lifecycle ---

func TestServer_ShutdownEndsStreams(t *testing.T) {
	fx := newFixture(t)
	sess := fx.startable()

	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	fx.srv.port = port
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := fx.srv.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	connDone := make(chan error, 1)
	go func() {
		resp, err := http.Get(base + "/requests/" + sess.ID() + "?initial=3600")
		if err != nil {
			connDone <- err
			return
		}
		defer func() { _ = resp.Body.Close() }()
		_, err = io.Copy(io.Discard, resp.Body)
		connDone <- err
	}()

	// give the stream time to start
	deadline := time.Now().Add(2 * time.Second)
	for sess.Status() != session.StatusStarted {
		if time.Now().After(deadline) {
			t.Fatal("stream did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()

	select {
	case <-connDone:
	case <-time.After(3 * time.Second):
		t.Fatal("csv stream did not close after server shutdown")
	}
}

func TestStart_PortInUse_ReturnsError(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer func() { _ = ln.Close() }()

	port := ln.Addr().(*net.TCPAddr).Port

	sessions := store.NewMemoryStore()
	srv := NewServer(sessions, &fakeReserver{sessions: sessions}, nil, nil, port, nil, "", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = srv.Start(ctx)
	if err == nil {
		t.Fatal("Start() on occupied port should return error")
	}
	if !strings.Contains(err.Error(), "failed to bind") {
		t.Errorf("expected bind error, got: %v", err)
	}
}

func TestStart_InvalidPort_ReturnsError(t *testing.T) {
	sessions := store.NewMemoryStore()
	srv := NewServer(sessions, &fakeReserver{sessions: sessions}, nil, nil, -1, nil, "", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err == nil {
		t.Fatal("Start() with invalid port should return error")
	}
}
