package statstream

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ssConfig holds mutable state during Collector construction.
type ssConfig struct {
	title              string
	port               int
	targets            []Target
	schedule           Schedule
	requestTimeout     time.Duration
	shutdownTimeout    time.Duration
	discoveryFilter    *regexp.Regexp
	insecureSkipVerify bool
	registry           *prometheus.Registry
	logger             *slog.Logger
}

// Option is a function that configures a [Collector] instance during construction.
//
// Option implements the functional options pattern, allowing optional
// configuration to be passed to [New] in a type-safe, extensible way.
// Options return an error if validation fails.
type Option func(*ssConfig) error

// WithTarget adds a [Target] to reserve when the collector starts.
//
// Can be called multiple times. Targets are optional; sessions can also be
// reserved through the HTTP form.
func WithTarget(t Target) Option {
	return func(cfg *ssConfig) error {
		if t.location == "" {
			return errors.New("target must be created with NewTarget")
		}
		cfg.targets = append(cfg.targets, t)
		return nil
	}
}

// WithTargets adds multiple [Target] values to reserve when the collector
// starts. Equivalent to calling [WithTarget] multiple times.
func WithTargets(targets ...Target) Option {
	return func(cfg *ssConfig) error {
		for _, t := range targets {
			if err := WithTarget(t)(cfg); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithSchedule sets the cadence used by monitor requests that omit
// initial, period or times. Defaults to [DefaultSchedule].
//
// Returns an error if a delay is negative.
func WithSchedule(s Schedule) Option {
	return func(cfg *ssConfig) error {
		if err := s.poller().Validate(); err != nil {
			return err
		}
		cfg.schedule = s
		return nil
	}
}

// WithPort sets the HTTP port for the listing page and triggers.
//
// Defaults to 8080 if not specified.
//
// Returns an error if the port is outside the valid range (1-65535).
func WithPort(port int) Option {
	return func(cfg *ssConfig) error {
		if port < 1 || port > 65535 {
			return errors.New("port must be between 1 and 65535")
		}
		cfg.port = port
		return nil
	}
}

// WithRequestTimeout bounds each request to the remote management endpoint.
// Defaults to 10 seconds.
//
// Returns an error if the duration is zero or negative.
func WithRequestTimeout(d time.Duration) Option {
	return func(cfg *ssConfig) error {
		if d <= 0 {
			return errors.New("request timeout must be positive")
		}
		cfg.requestTimeout = d
		return nil
	}
}

// WithShutdownTimeout bounds how long shutdown waits for running poll loops
// to stop. Defaults to 10 seconds.
//
// Returns an error if the duration is zero or negative.
func WithShutdownTimeout(d time.Duration) Option {
	return func(cfg *ssConfig) error {
		if d <= 0 {
			return errors.New("shutdown timeout must be positive")
		}
		cfg.shutdownTimeout = d
		return nil
	}
}

// WithDiscoveryFilter sets the regular expression a listed object name must
// match to be reserved during discovery. Defaults to names containing
// "stat", case-insensitively.
//
// Returns an error if the pattern does not compile.
func WithDiscoveryFilter(pattern string) Option {
	return func(cfg *ssConfig) error {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid discovery filter: %w", err)
		}
		cfg.discoveryFilter = re
		return nil
	}
}

// WithInsecureSkipVerify controls certificate verification towards the
// management endpoint. Defaults to true, since management endpoints commonly
// serve self-signed certificates.
func WithInsecureSkipVerify(skip bool) Option {
	return func(cfg *ssConfig) error {
		cfg.insecureSkipVerify = skip
		return nil
	}
}

// WithRegistry sets the Prometheus registry the collector registers its
// metrics with and serves at /metrics. Defaults to a new registry that also
// carries the Go runtime and process collectors.
//
// Returns an error if the registry is nil.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(cfg *ssConfig) error {
		if reg == nil {
			return errors.New("registry cannot be nil")
		}
		cfg.registry = reg
		return nil
	}
}

// WithLogger sets a custom [slog.Logger] for the Collector instance.
//
// If not specified, [slog.Default] is used.
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *ssConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithTitle sets the title of the listing page.
//
// If not specified, defaults to "statstream".
func WithTitle(title string) Option {
	return func(cfg *ssConfig) error {
		cfg.title = title
		return nil
	}
}
