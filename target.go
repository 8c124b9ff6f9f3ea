package statstream

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/jpalmerr/statstream/internal/catalog"
	"github.com/jpalmerr/statstream/internal/session"
)

// Target is an immutable description of a remote management endpoint to
// reserve sessions on.
//
// A Target without a path is resolved by discovery: one session is reserved
// for every statistics object the endpoint lists. Create targets with
// [NewTarget].
type Target struct {
	location string
	path     string
	user     string
	password string
}

// TargetOption configures a [Target] during construction.
type TargetOption func(*Target) error

// NewTarget creates a [Target] for the management endpoint at location.
//
// Returns an error if location is empty or is not an absolute http(s) URL.
//
// Example:
//
//	target, err := statstream.NewTarget("https://appserver:4848/management/domain",
//	    statstream.WithCredentials("admin", os.Getenv("ADMIN_PASSWORD")),
//	    statstream.WithPath("server-mon/attributes"),
//	)
func NewTarget(location string, opts ...TargetOption) (Target, error) {
	if location == "" {
		return Target{}, errors.New("target location cannot be empty")
	}
	u, err := url.Parse(location)
	if err != nil {
		return Target{}, fmt.Errorf("invalid target location: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Target{}, fmt.Errorf("target location must use http or https scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return Target{}, errors.New("target location must have a host")
	}

	t := Target{location: location}
	for _, opt := range opts {
		if err := opt(&t); err != nil {
			return Target{}, err
		}
	}
	return t, nil
}

// WithCredentials sets the Basic authentication pair sent to the endpoint.
func WithCredentials(user, password string) TargetOption {
	return func(t *Target) error {
		if user == "" && password != "" {
			return errors.New("credentials with a password require a user")
		}
		t.user = user
		t.password = password
		return nil
	}
}

// WithPath sets the endpoint-relative path of the statistics resource to
// poll, skipping discovery.
func WithPath(path string) TargetOption {
	return func(t *Target) error {
		t.path = path
		return nil
	}
}

// Location returns the base URL of the management endpoint.
func (t Target) Location() string {
	return t.location
}

// Path returns the statistics resource path, empty for discovery targets.
func (t Target) Path() string {
	return t.path
}

// User returns the Basic authentication user.
func (t Target) User() string {
	return t.user
}

// String describes the target without its password.
func (t Target) String() string {
	creds := session.Credentials{User: t.user, Password: t.password}
	path := t.path
	if path == "" {
		path = "(discover)"
	}
	return fmt.Sprintf("%s %s [%s]", t.location, path, creds)
}

func (t Target) catalogTarget() catalog.Target {
	return catalog.Target{
		Location: t.location,
		Path:     t.path,
		Credentials: session.Credentials{
			User:     t.user,
			Password: t.password,
		},
	}
}
