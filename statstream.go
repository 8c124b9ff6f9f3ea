package statstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/jpalmerr/statstream/dashboard"
	"github.com/jpalmerr/statstream/internal/catalog"
	"github.com/jpalmerr/statstream/internal/metrics"
	"github.com/jpalmerr/statstream/internal/poller"
	"github.com/jpalmerr/statstream/internal/server"
	"github.com/jpalmerr/statstream/internal/session"
	"github.com/jpalmerr/statstream/internal/store"
	"github.com/jpalmerr/statstream/internal/tasks"
)

const (
	defaultPort            = 8080
	defaultRequestTimeout  = 10 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// ErrNothingToPoll is returned by [Collector.Poll] when a target yields no
// startable session.
var ErrNothingToPoll = errors.New("no startable session for target")

// Schedule is the cadence of one poll run.
type Schedule struct {
	// Initial is the delay before the first tick.
	Initial time.Duration

	// Period is the delay between the scheduled times of consecutive ticks.
	Period time.Duration

	// Times is the number of ticks. Negative means unbounded.
	Times int
}

// DefaultSchedule returns the default cadence: first tick after 15 seconds,
// then every 30 seconds, until finished.
func DefaultSchedule() Schedule {
	d := poller.DefaultSchedule()
	return Schedule{Initial: d.Initial, Period: d.Period, Times: d.Times}
}

func (s Schedule) poller() poller.Schedule {
	return poller.Schedule{Initial: s.Initial, Period: s.Period, Times: s.Times}
}

// Sink is the destination of a CSV stream written by [Collector.Poll].
// It is closed when the run ends.
type Sink interface {
	io.Writer
	Flush() error
	Close() error
}

// Collector reserves poll sessions against remote management endpoints and
// streams their statistics as CSV.
//
// A Collector is created using [New] with functional options and started
// with [Collector.Start]:
//
//	c, err := statstream.New(statstream.WithTargets(target))
//	if err != nil {
//	    slog.Error("failed to create collector", "error", err)
//	    os.Exit(1)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	c.Start(ctx) // blocks until context cancelled
//
// The caller controls the lifecycle via the context. Cancel the context to
// trigger graceful shutdown.
type Collector struct {
	title           string
	port            int
	targets         []Target
	schedule        Schedule
	requestTimeout  time.Duration
	shutdownTimeout time.Duration
	filter          *regexp.Regexp
	insecure        bool
	registry        *prometheus.Registry
	metrics         *metrics.Metrics
	logger          *slog.Logger
}

// New creates a new [Collector] instance with the given options.
//
// Defaults:
//   - Port: 8080
//   - Schedule: 15s initial delay, 30s period, unbounded
//   - Request timeout: 10 seconds
//   - Shutdown timeout: 10 seconds
//   - Certificate verification: skipped
//
// Returns an error if any option is invalid.
func New(opts ...Option) (*Collector, error) {
	cfg := &ssConfig{
		port:               defaultPort,
		schedule:           DefaultSchedule(),
		requestTimeout:     defaultRequestTimeout,
		shutdownTimeout:    defaultShutdownTimeout,
		insecureSkipVerify: true,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.port < 1 || cfg.port > 65535 {
		return nil, fmt.Errorf("port must be between 1 and 65535, got %d", cfg.port)
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	reg := cfg.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}

	return &Collector{
		title:           cfg.title,
		port:            cfg.port,
		targets:         cfg.targets,
		schedule:        cfg.schedule,
		requestTimeout:  cfg.requestTimeout,
		shutdownTimeout: cfg.shutdownTimeout,
		filter:          cfg.discoveryFilter,
		insecure:        cfg.insecureSkipVerify,
		registry:        reg,
		metrics:         m,
		logger:          logger,
	}, nil
}

// engine is the set of components behind one Start or Poll call.
type engine struct {
	client    *poller.Client
	sessions  *store.MemoryStore
	tasks     *tasks.Registry
	resolver  *catalog.Resolver
	scheduler *poller.Scheduler
}

func (c *Collector) newEngine() *engine {
	client := poller.NewClient(poller.ClientOptions{
		Timeout:            c.requestTimeout,
		InsecureSkipVerify: c.insecure,
	})
	sessions := store.NewMemoryStore()
	registry := tasks.NewRegistry(c.logger)
	return &engine{
		client:    client,
		sessions:  sessions,
		tasks:     registry,
		resolver:  catalog.NewResolver(client, sessions, c.filter, c.metrics, c.logger),
		scheduler: poller.NewScheduler(client, sessions, registry, c.metrics, c.logger),
	}
}

// Start serves the listing page and triggers, and reserves the configured
// targets.
//
// The listener is bound before any target is reserved, and targets are
// reserved concurrently, so unreachable endpoints never delay the server.
//
// Start is a blocking call that runs until the provided context is cancelled.
// On cancellation every running poll loop is cancelled and awaited for up to
// the shutdown timeout.
//
// Returns nil on graceful shutdown. Returns an error if the HTTP server fails to start.
func (c *Collector) Start(ctx context.Context) error {
	c.logger.Info("statstream starting", "target_count", len(c.targets))
	c.logger.Info("listing available", "url", fmt.Sprintf("http://localhost:%d/requests/", c.port))

	// check if context already cancelled
	if ctx.Err() != nil {
		return nil
	}

	e := c.newEngine()
	defer e.client.Close()

	httpServer := server.NewServer(e.sessions, e.resolver, e.scheduler, c.registry, c.port, dashboard.Assets, c.title, c.logger)
	httpServer.SetDefaultSchedule(c.schedule.poller())
	if err := httpServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	reserved := make(chan struct{})
	go func() {
		defer close(reserved)
		c.reserveTargets(ctx, e)
	}()

	<-ctx.Done()
	<-reserved
	e.tasks.Shutdown(c.shutdownTimeout)
	c.logger.Info("statstream stopped")
	return nil
}

// reserveTargets resolves every configured target concurrently. Discovery
// failures become invalid sessions, so no error is returned.
func (c *Collector) reserveTargets(ctx context.Context, e *engine) {
	var g errgroup.Group
	for _, t := range c.targets {
		g.Go(func() error {
			e.resolver.Reserve(ctx, t.catalogTarget())
			return nil
		})
	}
	_ = g.Wait()
}

// Poll reserves sessions for target and streams the first startable one to
// sink, blocking until the run ends or ctx is cancelled. The sink is always
// closed.
//
// Returns [ErrNothingToPoll] when the target yields no startable session; a
// discovery failure is included in the error.
func (c *Collector) Poll(ctx context.Context, target Target, sched Schedule, sink Sink) error {
	if err := sched.poller().Validate(); err != nil {
		_ = sink.Close()
		return err
	}

	e := c.newEngine()
	defer e.client.Close()

	var chosen *session.Session
	for _, sess := range e.resolver.Reserve(ctx, target.catalogTarget()) {
		if sess.Status() != session.StatusStartable {
			_ = sink.Close()
			return fmt.Errorf("%w: %s", ErrNothingToPoll, sess.Location())
		}
		if chosen == nil {
			chosen = sess
		}
	}
	if chosen == nil {
		_ = sink.Close()
		return fmt.Errorf("%w: %s", ErrNothingToPoll, target.Location())
	}

	c.logger.Info("polling session", "session", chosen.ID(), "url", chosen.URL())
	if err := e.scheduler.Run(ctx, chosen.ID(), sched.poller(), sink); err != nil {
		if errors.Is(err, poller.ErrUnknownSession) || errors.Is(err, session.ErrNotStartable) {
			_ = sink.Close()
		}
		return err
	}
	return nil
}

// Targets returns a copy of the configured targets.
func (c *Collector) Targets() []Target {
	cp := make([]Target, len(c.targets))
	copy(cp, c.targets)
	return cp
}

// Port returns the configured HTTP port.
func (c *Collector) Port() int {
	return c.port
}

// Schedule returns the default cadence of monitor requests.
func (c *Collector) Schedule() Schedule {
	return c.schedule
}
