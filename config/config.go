// Package config provides YAML configuration parsing for statstream.
//
// This package enables running statstream as a standalone binary with a
// configuration file, as an alternative to the programmatic SDK approach.
//
// Example configuration:
//
//	port: 8080
//	request_timeout: 10s
//
//	schedule:
//	  initial: 15s
//	  period: 30s
//	  times: -1
//
//	discovery:
//	  filter: "(?i)stat"
//
//	targets:
//	  - location: https://appserver:4848/management/domain
//	    user: admin
//	    password: ${APPSERVER_PASSWORD}
//
//	grids:
//	  - location_template: "https://{{.host}}:4848/management/domain"
//	    dimensions:
//	      host: [app1, app2]
//	    path: server-mon/attributes
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort            = 8080
	defaultRequestTimeout  = 10 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultInitial         = 15 * time.Second
	defaultPeriod          = 30 * time.Second
	defaultTimes           = -1

	// minPeriod keeps a misconfigured file from hammering the management
	// endpoint.
	minPeriod = time.Second
)

// Config is the root configuration structure for statstream.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// Title is the listing page title. Defaults to "statstream" if not set.
	Title string `yaml:"title"`

	// Port is the HTTP server port. Defaults to 8080.
	Port int `yaml:"port"`

	// RequestTimeout bounds each request to a management endpoint.
	// Defaults to 10s.
	RequestTimeout Duration `yaml:"request_timeout"`

	// ShutdownTimeout bounds the wait for running polls on shutdown.
	// Defaults to 10s.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	// InsecureSkipVerify disables certificate verification towards
	// management endpoints. Defaults to true.
	InsecureSkipVerify *bool `yaml:"insecure_skip_verify"`

	// Schedule is the default cadence of monitor requests.
	Schedule ScheduleConfig `yaml:"schedule"`

	// Discovery controls which catalog objects become sessions.
	Discovery DiscoveryConfig `yaml:"discovery"`

	// Targets are reserved when the server starts.
	Targets []TargetConfig `yaml:"targets"`

	// Grids expand into targets via cartesian product.
	Grids []GridConfig `yaml:"grids"`
}

// ScheduleConfig is the default cadence of a poll run.
type ScheduleConfig struct {
	// Initial is the delay before the first tick. Defaults to 15s; 0 polls
	// immediately.
	Initial *Duration `yaml:"initial"`

	// Period is the delay between ticks. Defaults to 30s, minimum 1s.
	Period Duration `yaml:"period"`

	// Times is the number of ticks, -1 for unbounded. Defaults to -1.
	Times *int `yaml:"times"`
}

// DiscoveryConfig configures catalog discovery.
type DiscoveryConfig struct {
	// Filter is a regular expression matched against catalog object names.
	// Empty selects the default.
	Filter string `yaml:"filter"`
}

// TargetConfig defines one management endpoint.
type TargetConfig struct {
	// Location is the management endpoint URL.
	// Supports environment variable substitution: ${VAR} or ${VAR:-default}
	Location string `yaml:"location"`

	// User is the basic auth user. Optional.
	User string `yaml:"user"`

	// Password is the basic auth password.
	// Supports environment variable substitution.
	Password string `yaml:"password"`

	// Path is the statistics path. Empty means discover via the catalog.
	Path string `yaml:"path"`
}

// GridConfig defines a family of targets that expands via cartesian product.
//
// For example, with dimensions {host: [app1, app2], port: [4848, 4849]},
// the grid expands to 4 targets.
type GridConfig struct {
	// LocationTemplate is a Go template for generating target locations.
	// Dimension keys are available as template variables: {{.host}}
	// Supports environment variable substitution in the template.
	LocationTemplate string `yaml:"location_template"`

	// Dimensions maps dimension names to their possible values.
	Dimensions map[string][]string `yaml:"dimensions"`

	// User, Password and Path apply to every generated target.
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Path     string `yaml:"path"`
}

// Duration wraps time.Duration for YAML unmarshalling.
//
// Accepts duration strings like "30s" or "1m", or a plain integer taken as
// seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	if secs, err := strconv.Atoi(s); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
//
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
//
// Environment variables are expanded in locations, location templates and
// passwords. Defaults are applied for every unset field. A file without
// targets is valid: sessions can still be reserved from the listing page.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = Duration(defaultRequestTimeout)
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = Duration(defaultShutdownTimeout)
	}
	if c.InsecureSkipVerify == nil {
		insecure := true
		c.InsecureSkipVerify = &insecure
	}
	if c.Schedule.Initial == nil {
		initial := Duration(defaultInitial)
		c.Schedule.Initial = &initial
	}
	if c.Schedule.Period == 0 {
		c.Schedule.Period = Duration(defaultPeriod)
	}
	if c.Schedule.Times == nil {
		times := defaultTimes
		c.Schedule.Times = &times
	}
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.RequestTimeout.Duration() < 0 {
		return fmt.Errorf("request_timeout cannot be negative, got %s", c.RequestTimeout.Duration())
	}
	if c.ShutdownTimeout.Duration() < 0 {
		return fmt.Errorf("shutdown_timeout cannot be negative, got %s", c.ShutdownTimeout.Duration())
	}

	if c.Schedule.Initial.Duration() < 0 {
		return fmt.Errorf("schedule.initial cannot be negative, got %s", c.Schedule.Initial.Duration())
	}
	if c.Schedule.Period.Duration() < minPeriod {
		return fmt.Errorf("schedule.period must be at least %s, got %s", minPeriod, c.Schedule.Period.Duration())
	}
	if *c.Schedule.Times < -1 {
		return fmt.Errorf("schedule.times must be -1 or more, got %d", *c.Schedule.Times)
	}

	if c.Discovery.Filter != "" {
		if _, err := regexp.Compile(c.Discovery.Filter); err != nil {
			return fmt.Errorf("discovery.filter: %w", err)
		}
	}

	for i := range c.Targets {
		tc := &c.Targets[i]
		ctx := fmt.Sprintf("targets[%d]", i)

		if tc.Location == "" {
			return fmt.Errorf("%s: location is required", ctx)
		}
		expanded, err := expandEnvVars(tc.Location)
		if err != nil {
			return fmt.Errorf("%s: location: %w", ctx, err)
		}
		tc.Location = expanded

		if err := validateLocation(tc.Location, ctx); err != nil {
			return err
		}

		if err := expandCredentials(&tc.User, &tc.Password, ctx); err != nil {
			return err
		}
	}

	for i := range c.Grids {
		g := &c.Grids[i]
		ctx := fmt.Sprintf("grids[%d]", i)

		if g.LocationTemplate == "" {
			return fmt.Errorf("%s: location_template is required", ctx)
		}
		expanded, err := expandEnvVars(g.LocationTemplate)
		if err != nil {
			return fmt.Errorf("%s: location_template: %w", ctx, err)
		}
		g.LocationTemplate = expanded

		// fail fast before the builder executes it
		if _, err := template.New("").Parse(g.LocationTemplate); err != nil {
			return fmt.Errorf("%s: invalid location_template: %w", ctx, err)
		}

		if len(g.Dimensions) == 0 {
			return fmt.Errorf("%s: at least one dimension is required", ctx)
		}
		for dimName, dimValues := range g.Dimensions {
			if len(dimValues) == 0 {
				return fmt.Errorf("%s: dimension %q has no values", ctx, dimName)
			}
			seen := make(map[string]struct{}, len(dimValues))
			for _, v := range dimValues {
				if _, exists := seen[v]; exists {
					return fmt.Errorf("%s: dimension %q has duplicate value %q", ctx, dimName, v)
				}
				seen[v] = struct{}{}
			}
		}

		if err := expandCredentials(&g.User, &g.Password, ctx); err != nil {
			return err
		}
	}

	return nil
}

func expandCredentials(user, password *string, ctx string) error {
	expanded, err := expandEnvVars(*password)
	if err != nil {
		// the error names the variable, never its value
		return fmt.Errorf("%s: password: %w", ctx, err)
	}
	*password = expanded

	if *password != "" && *user == "" {
		return fmt.Errorf("%s: password requires a user", ctx)
	}
	return nil
}

func validateLocation(location, ctx string) error {
	parsed, err := url.Parse(location)
	if err != nil {
		return fmt.Errorf("%s: invalid location: %w", ctx, err)
	}
	if parsed.Scheme == "" {
		return fmt.Errorf("%s: location must have a scheme (http:// or https://)", ctx)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s: location scheme must be http or https, got %q", ctx, parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s: location must have a host", ctx)
	}
	return nil
}
