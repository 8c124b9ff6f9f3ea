// Package catalog turns a reservation target into poll sessions.
//
// A target with an explicit path yields exactly one session. A target
// without a path is resolved against the remote catalog: every listed object
// whose name matches the discovery filter yields one session polling the
// object's attributes.
package catalog

import (
	"context"
	"log/slog"
	"regexp"

	"github.com/jpalmerr/statstream/internal/metrics"
	"github.com/jpalmerr/statstream/internal/poller"
	"github.com/jpalmerr/statstream/internal/session"
	"github.com/jpalmerr/statstream/internal/store"
)

// AttributesSuffix is appended to a discovered object name to form the path
// of its statistics resource.
const AttributesSuffix = "/attributes"

// DefaultFilter selects statistics-bearing objects during discovery.
var DefaultFilter = regexp.MustCompile(`(?i)stat`)

// Target is what an operator asks to poll.
type Target struct {
	Location    string
	Path        string
	Credentials session.Credentials
}

// Fetcher lists the managed objects published at a location.
//
// [poller.Client] implements Fetcher.
type Fetcher interface {
	FetchCatalog(ctx context.Context, location string, creds session.Credentials) ([]poller.Descriptor, error)
}

// Resolver reserves sessions for targets and registers them in a store.
type Resolver struct {
	fetcher  Fetcher
	sessions store.Store
	filter   *regexp.Regexp
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewResolver creates a [Resolver]. A nil filter selects [DefaultFilter];
// m may be nil.
func NewResolver(fetcher Fetcher, sessions store.Store, filter *regexp.Regexp, m *metrics.Metrics, logger *slog.Logger) *Resolver {
	if filter == nil {
		filter = DefaultFilter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		fetcher:  fetcher,
		sessions: sessions,
		filter:   filter,
		metrics:  m,
		logger:   logger,
	}
}

// Reserve creates the sessions for target and puts them in the store before
// returning them.
//
// When discovery fails, Reserve returns a single invalid session whose
// location holds the error message, so the failure shows up in listings.
func (r *Resolver) Reserve(ctx context.Context, target Target) []*session.Session {
	if target.Path != "" {
		sess := r.startable(target.Location, target.Path, target.Credentials)
		r.metrics.Reserved(metrics.OutcomeStartable, 1)
		r.logger.Info("session reserved", "session", sess.ID(), "url", sess.URL())
		return []*session.Session{sess}
	}

	descriptors, err := r.fetcher.FetchCatalog(ctx, target.Location, target.Credentials)
	if err != nil {
		sess := session.New(err.Error(), "", target.Credentials)
		r.sessions.Put(sess)
		r.metrics.Reserved(metrics.OutcomeFailed, 1)
		r.logger.Warn("discovery failed", "location", target.Location, "session", sess.ID(), "error", err)
		return []*session.Session{sess}
	}

	var reserved []*session.Session
	for _, d := range descriptors {
		if !r.filter.MatchString(d.Name) {
			continue
		}
		reserved = append(reserved, r.startable(target.Location, d.Name+AttributesSuffix, target.Credentials))
	}
	r.metrics.Reserved(metrics.OutcomeStartable, len(reserved))
	r.logger.Info("discovery completed",
		"location", target.Location,
		"listed", len(descriptors),
		"reserved", len(reserved),
	)
	return reserved
}

func (r *Resolver) startable(location, path string, creds session.Credentials) *session.Session {
	sess := session.New(location, path, creds)
	// StatusStartable is always valid
	_ = sess.SetStatus(session.StatusStartable)
	r.sessions.Put(sess)
	return sess
}
