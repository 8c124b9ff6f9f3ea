package poller

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jpalmerr/statstream/internal/session"
)

const maxResponseBodySize = 4 << 20 // 4MB

// connection pooling limits to prevent resource exhaustion when polling many sessions
const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 10
	defaultIdleConnTimeout     = 60 * time.Second
	defaultRequestTimeout      = 10 * time.Second
)

// ErrNoContents is returned when the remote endpoint answers successfully
// with an empty body.
var ErrNoContents = errors.New("response has no contents")

// StatusError is returned when the remote endpoint answers with a non-2xx
// status code.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// Response holds the result of an HTTP request made by [Client].
type Response struct {
	// Body contains the HTTP response body, limited to 4MB.
	Body []byte

	// StatusCode is the HTTP status code (e.g., 200, 404, 500).
	// Zero if the request failed before receiving a response.
	StatusCode int

	// Latency is the total time taken for the request.
	Latency time.Duration

	// Error contains any error that occurred during the request.
	// nil indicates the request completed (though status may indicate an error).
	Error error
}

// Descriptor is one managed object listed by the remote catalog.
type Descriptor struct {
	// Name is the fully-qualified object name, e.g. "amx:pp=/mon,type=server-mon".
	Name string

	// ClassName is the implementing class reported by the connector, if any.
	ClassName string

	// URL is the object's own resource location, if the connector reports it.
	URL string
}

// UnmarshalJSON accepts both the connector's "objectName" field and a plain
// "name" field.
func (d *Descriptor) UnmarshalJSON(data []byte) error {
	var raw struct {
		ObjectName string `json:"objectName"`
		Name       string `json:"name"`
		ClassName  string `json:"className"`
		URL        string `json:"url"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.Name = raw.ObjectName
	if d.Name == "" {
		d.Name = raw.Name
	}
	d.ClassName = raw.ClassName
	d.URL = raw.URL
	return nil
}

// StatEntry is one named value of a statistics snapshot.
type StatEntry struct {
	Name  string
	Value string
}

// UnmarshalJSON decodes {"name": ..., "value": ...} where the value is either
// a JSON scalar or the connector's typed wrapper {"value": ..., "type": ...}.
func (e *StatEntry) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name  string          `json:"name"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	value, err := scalarValue(raw.Value)
	if err != nil {
		return fmt.Errorf("stat %q: %w", raw.Name, err)
	}
	e.Name = raw.Name
	e.Value = value
	return nil
}

// scalarValue renders a JSON value as CSV cell text, unwrapping typed values.
func scalarValue(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{':
		var typed struct {
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(raw, &typed); err != nil {
			return "", err
		}
		if typed.Value == nil {
			return string(raw), nil
		}
		return scalarValue(typed.Value)
	default:
		// numbers, booleans and arrays are written as their JSON text
		return string(raw), nil
	}
}

// ClientOptions configures a [Client].
type ClientOptions struct {
	// Timeout bounds each request. Defaults to 10 seconds.
	Timeout time.Duration

	// InsecureSkipVerify disables certificate and host name verification, for
	// management endpoints that serve self-signed certificates.
	InsecureSkipVerify bool
}

// Client performs authenticated requests against the remote management
// endpoint.
//
// Timeouts are applied per request via context rather than globally.
// Response bodies are limited to 4MB to prevent memory issues.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a new [Client].
//
// Connection pooling configuration:
//   - MaxIdleConns: 100 total idle connections
//   - MaxIdleConnsPerHost: 10 idle connections per host
//   - MaxConnsPerHost: 10 concurrent connections per host
//   - IdleConnTimeout: 60 seconds before closing idle connections
func NewClient(opts ClientOptions) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		httpClient: &http.Client{
			// no default timeout - we use per-request timeouts via context
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        defaultMaxIdleConns,
				MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
				MaxConnsPerHost:     defaultMaxConnsPerHost,
				IdleConnTimeout:     defaultIdleConnTimeout,
				TLSClientConfig: &tls.Config{
					MinVersion:         tls.VersionTLS12,
					InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // self-signed management endpoints
				},
			},
		},
		timeout: timeout,
	}
}

// Fetch performs an authenticated GET and returns a structured [Response].
//
// Basic authentication is sent when creds is non-empty. Fetch always returns
// a Response; errors are captured in the Error field rather than returned
// separately.
func (c *Client) Fetch(ctx context.Context, url string, creds session.Credentials) Response {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Response{
			Latency: time.Since(start),
			Error:   fmt.Errorf("failed to create request: %w", err),
		}
	}
	req.Header.Set("Accept", "application/json")
	if !creds.Empty() {
		req.SetBasicAuth(creds.User, creds.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{
			Latency: time.Since(start),
			Error:   fmt.Errorf("request failed: %w", err),
		}
	}
	defer func() { _ = resp.Body.Close() }()

	limitedReader := io.LimitReader(resp.Body, maxResponseBodySize)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		return Response{
			StatusCode: resp.StatusCode,
			Latency:    time.Since(start),
			Error:      fmt.Errorf("failed to read response body: %w", err),
		}
	}

	return Response{
		Body:       body,
		StatusCode: resp.StatusCode,
		Latency:    time.Since(start),
	}
}

// fetchJSON performs Fetch and decodes a successful body into v.
func (c *Client) fetchJSON(ctx context.Context, url string, creds session.Credentials, v any) error {
	resp := c.Fetch(ctx, url, creds)
	if resp.Error != nil {
		return resp.Error
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, URL: url}
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return ErrNoContents
	}
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// FetchCatalog lists the managed objects published at location.
func (c *Client) FetchCatalog(ctx context.Context, location string, creds session.Credentials) ([]Descriptor, error) {
	var descriptors []Descriptor
	if err := c.fetchJSON(ctx, location, creds, &descriptors); err != nil {
		return nil, fmt.Errorf("catalog %s: %w", location, err)
	}
	return descriptors, nil
}

// FetchStats retrieves the current statistics snapshot at url. The order of
// the returned entries is the order sent by the remote endpoint.
func (c *Client) FetchStats(ctx context.Context, url string, creds session.Credentials) ([]StatEntry, error) {
	var entries []StatEntry
	if err := c.fetchJSON(ctx, url, creds, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Close closes all idle connections in the client's connection pool.
//
// Safe to call multiple times. After Close, the client remains usable but
// new connections will be established as needed.
func (c *Client) Close() {
	if c == nil || c.httpClient == nil {
		return
	}
	if transport, ok := c.httpClient.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}
