package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jpalmerr/statstream/internal/metrics"
	"github.com/jpalmerr/statstream/internal/session"
	"github.com/jpalmerr/statstream/internal/store"
	"github.com/jpalmerr/statstream/internal/tasks"
)

// ErrUnknownSession is returned when no session is registered under an id.
var ErrUnknownSession = errors.New("unknown session")

// errStopped ends a run without error when its context is cancelled mid-tick.
var errStopped = errors.New("poll run stopped")

// Default schedule values.
const (
	DefaultInitial = 15 * time.Second
	DefaultPeriod  = 30 * time.Second
	DefaultTimes   = -1
)

// Schedule is the cadence of one poll run.
type Schedule struct {
	// Initial is the delay before the first tick.
	Initial time.Duration

	// Period is the delay between the scheduled times of consecutive ticks.
	Period time.Duration

	// Times is the number of ticks. Negative means unbounded.
	Times int
}

// DefaultSchedule returns a schedule with the default cadence.
func DefaultSchedule() Schedule {
	return Schedule{Initial: DefaultInitial, Period: DefaultPeriod, Times: DefaultTimes}
}

// Validate rejects negative delays.
func (s Schedule) Validate() error {
	if s.Initial < 0 {
		return fmt.Errorf("initial delay must not be negative, got %s", s.Initial)
	}
	if s.Period < 0 {
		return fmt.Errorf("period must not be negative, got %s", s.Period)
	}
	return nil
}

func (s Schedule) ticks() int {
	if s.Times < 0 {
		return math.MaxInt
	}
	return s.Times
}

// StatFetcher retrieves one statistics snapshot.
//
// [Client] implements StatFetcher.
type StatFetcher interface {
	FetchStats(ctx context.Context, url string, creds session.Credentials) ([]StatEntry, error)
}

// Scheduler runs the poll loops of startable sessions.
//
// Each run lives on its own [tasks.Task], registered under the session id so
// that [Scheduler.Finish] can cancel it. When a run ends for any reason its
// sink is closed, its task entry is detached and its session is removed.
type Scheduler struct {
	fetcher  StatFetcher
	sessions store.Store
	tasks    *tasks.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewScheduler creates a [Scheduler]. m may be nil.
func NewScheduler(fetcher StatFetcher, sessions store.Store, registry *tasks.Registry, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		fetcher:  fetcher,
		sessions: sessions,
		tasks:    registry,
		metrics:  m,
		logger:   logger,
	}
}

// Launch starts polling the session registered under id and returns the
// handle of the run. The run is cancelled with ctx.
//
// Launch fails with [ErrUnknownSession] for an unknown id and with
// [session.ErrNotStartable] when the session is not startable. On error the
// sink is left open and belongs to the caller; otherwise the run closes it.
func (s *Scheduler) Launch(ctx context.Context, id string, sched Schedule, sink Sink) (*tasks.Task, error) {
	if err := sched.Validate(); err != nil {
		return nil, err
	}
	sess, ok := s.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if err := sess.MarkStarted(); err != nil {
		return nil, err
	}
	s.sessions.Publish(store.EventStarted, sess)

	task := tasks.New(ctx, s.logger)
	s.tasks.Attach(id, task)
	if _, ok := s.sessions.Get(id); !ok {
		// finished before the task was attached
		s.tasks.Detach(id, true)
	}

	s.metrics.RunStarted()
	task.Go(func(ctx context.Context) error {
		return s.run(ctx, sess, sched, sink)
	})
	return task, nil
}

// Run launches the session and blocks until the run ends, returning the
// run's error.
func (s *Scheduler) Run(ctx context.Context, id string, sched Schedule, sink Sink) error {
	task, err := s.Launch(ctx, id, sched, sink)
	if err != nil {
		return err
	}
	<-task.Done()
	return task.Err()
}

// Finish cancels the run of the session, if any, and removes the session.
// It does not wait for the run to stop. Returns false for an unknown id.
func (s *Scheduler) Finish(id string) bool {
	s.tasks.Detach(id, true)
	return s.sessions.Remove(id)
}

func (s *Scheduler) run(ctx context.Context, sess *session.Session, sched Schedule, sink Sink) (err error) {
	id := sess.ID()
	logger := s.logger.With("session", id)
	reason := metrics.ReasonCancelled

	defer func() {
		if cerr := sink.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close sink: %w", cerr)
		}
		s.tasks.Detach(id, false)
		s.sessions.Remove(id)
		s.metrics.RunFinished(reason)
		logger.Info("poll run finished", "reason", reason)
	}()

	logger.Info("poll run started",
		"url", sess.URL(),
		"initial", sched.Initial.String(),
		"period", sched.Period.String(),
		"times", sched.Times,
	)

	f := newCSVFormatter(sink)
	next := time.Now().Add(sched.Initial)

	if sched.Times == 0 {
		if sleepUntil(ctx, next) {
			reason = metrics.ReasonExhausted
		}
		return nil
	}

	for i := 0; i < sched.ticks(); i++ {
		if !sleepUntil(ctx, next) {
			return nil
		}
		if err := s.tick(ctx, f, sess, next, logger); err != nil {
			if errors.Is(err, errStopped) {
				return nil
			}
			reason = metrics.ReasonSinkError
			logger.Error("sink failure, ending poll run", "error", err)
			return err
		}
		next = next.Add(sched.Period)
	}
	reason = metrics.ReasonExhausted
	return nil
}

// tick fetches one snapshot and writes its row stamped with the scheduled
// time ts. Fetch failures become marker rows; only sink failures and
// cancellation are returned.
func (s *Scheduler) tick(ctx context.Context, f *csvFormatter, sess *session.Session, ts time.Time, logger *slog.Logger) error {
	began := time.Now()
	entries, err := s.fetcher.FetchStats(ctx, sess.URL(), sess.Credentials())
	latency := time.Since(began)

	if ctx.Err() != nil {
		return errStopped
	}

	switch {
	case err == nil:
		s.metrics.Tick(metrics.TickOK, latency)
		logger.Debug("tick", "entries", len(entries), "latency", latency.String())
		return f.writeStats(ts, entries)
	case errors.Is(err, ErrNoContents):
		s.metrics.Tick(metrics.TickNoContents, latency)
		logger.Debug("tick returned no contents")
		return f.writeMarker(ts, MarkerNoContents)
	default:
		s.metrics.Tick(metrics.TickFailed, latency)
		logger.Warn("tick failed", "error", err)
		return f.writeMarker(ts, MarkerNotStarted)
	}
}

// sleepUntil waits for deadline and reports whether it was reached before
// ctx was cancelled.
func sleepUntil(ctx context.Context, deadline time.Time) bool {
	d := time.Until(deadline)
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
