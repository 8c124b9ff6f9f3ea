// Package mockmgmt serves a fake management REST connector for demos.
//
// The catalog lives at the handler root and lists a few monitoring objects.
// Each object publishes "<name>/attributes" whose values drift on every
// request. Credentials are admin/admin.
package mockmgmt

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Credentials accepted by the server.
const (
	User     = "admin"
	Password = "admin"
)

// objects are the catalog entries; the last one does not match the default
// discovery filter.
var objects = []string{
	"jvm:type=MemoryStats",
	"http-listener-1:type=RequestStats",
	"jdbc:pool=DerbyPool,type=ConnectionStats",
	"domain:type=Config",
}

type gauge struct {
	name  string
	value int64
	step  int64
	min   int64
	max   int64
}

// Server is a fake management endpoint with per-object drifting gauges.
type Server struct {
	mu     sync.Mutex
	gauges map[string][]*gauge
	rng    *rand.Rand
	logger *slog.Logger
}

// New creates a Server seeded from the current time.
func New(logger *slog.Logger) *Server {
	return &Server{
		gauges: map[string][]*gauge{
			objects[0]: {
				{name: "HeapUsed", value: 64 << 20, step: 8 << 20, min: 16 << 20, max: 512 << 20},
				{name: "NonHeapUsed", value: 32 << 20, step: 1 << 20, min: 16 << 20, max: 128 << 20},
			},
			objects[1]: {
				{name: "RequestCount", value: 0, step: 50, min: 0, max: 1 << 40},
				{name: "ErrorCount", value: 0, step: 2, min: 0, max: 1 << 40},
				{name: "MaxTime", value: 40, step: 15, min: 1, max: 2000},
			},
			objects[2]: {
				{name: "NumConnUsed", value: 4, step: 2, min: 0, max: 32},
				{name: "NumConnFree", value: 28, step: 2, min: 0, max: 32},
			},
			objects[3]: {
				{name: "Locale", value: 0, step: 0, min: 0, max: 0},
			},
		},
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: logger,
	}
}

// Handler returns the HTTP handler serving the catalog and attributes.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serve)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	if user, pass, ok := r.BasicAuth(); !ok || user != User || pass != Password {
		w.Header().Set("WWW-Authenticate", `Basic realm="management"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	name := strings.Trim(r.URL.Path, "/")
	switch {
	case name == "":
		s.writeCatalog(w)
	case strings.HasSuffix(name, "/attributes"):
		s.writeAttributes(w, strings.TrimSuffix(name, "/attributes"))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) writeCatalog(w http.ResponseWriter) {
	entries := make([]map[string]string, 0, len(objects))
	for _, name := range objects {
		entries = append(entries, map[string]string{
			"objectName": name,
			"className":  "javax.management.MBean",
			"URL":        name,
		})
	}
	s.writeJSON(w, entries)
}

func (s *Server) writeAttributes(w http.ResponseWriter, object string) {
	s.mu.Lock()
	gauges, ok := s.gauges[object]
	if !ok {
		s.mu.Unlock()
		w.WriteHeader(http.StatusNotFound)
		return
	}

	type typedValue struct {
		Value string `json:"value"`
		Type  string `json:"type"`
	}
	type stat struct {
		Name  string     `json:"name"`
		Value typedValue `json:"value"`
	}
	stats := make([]stat, 0, len(gauges))
	for _, g := range gauges {
		g.drift(s.rng)
		stats = append(stats, stat{
			Name:  g.name,
			Value: typedValue{Value: strconv.FormatInt(g.value, 10), Type: "java.lang.Long"},
		})
	}
	s.mu.Unlock()

	s.writeJSON(w, stats)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

func (g *gauge) drift(rng *rand.Rand) {
	if g.step == 0 {
		return
	}
	g.value += rng.Int63n(2*g.step+1) - g.step/2
	if g.value < g.min {
		g.value = g.min
	}
	if g.value > g.max {
		g.value = g.max
	}
}
