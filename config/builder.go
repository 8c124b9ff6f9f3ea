package config

import (
	"bytes"
	"fmt"
	"sort"
	"text/template"

	"github.com/jpalmerr/statstream"
)

// BuildTargets converts parsed configuration into SDK Target values.
//
// It processes both direct targets and grids, returning a combined slice.
// Grid dimensions are expanded via cartesian product.
func BuildTargets(cfg *Config) ([]statstream.Target, error) {
	var targets []statstream.Target

	for i, tc := range cfg.Targets {
		t, err := buildTarget(tc)
		if err != nil {
			return nil, fmt.Errorf("targets[%d]: %w", i, err)
		}
		targets = append(targets, t)
	}

	for i, gc := range cfg.Grids {
		gridTargets, err := buildGridTargets(gc)
		if err != nil {
			return nil, fmt.Errorf("grids[%d]: %w", i, err)
		}
		targets = append(targets, gridTargets...)
	}

	return targets, nil
}

// BuildOptions converts parsed configuration into SDK options, targets
// included.
func BuildOptions(cfg *Config) ([]statstream.Option, error) {
	targets, err := BuildTargets(cfg)
	if err != nil {
		return nil, err
	}

	opts := []statstream.Option{
		statstream.WithTargets(targets...),
		statstream.WithPort(cfg.Port),
		statstream.WithSchedule(ScheduleOf(cfg)),
		statstream.WithRequestTimeout(cfg.RequestTimeout.Duration()),
		statstream.WithShutdownTimeout(cfg.ShutdownTimeout.Duration()),
		statstream.WithInsecureSkipVerify(*cfg.InsecureSkipVerify),
	}
	if cfg.Title != "" {
		opts = append(opts, statstream.WithTitle(cfg.Title))
	}
	if cfg.Discovery.Filter != "" {
		opts = append(opts, statstream.WithDiscoveryFilter(cfg.Discovery.Filter))
	}

	return opts, nil
}

// ScheduleOf returns the configured default cadence.
func ScheduleOf(cfg *Config) statstream.Schedule {
	return statstream.Schedule{
		Initial: cfg.Schedule.Initial.Duration(),
		Period:  cfg.Schedule.Period.Duration(),
		Times:   *cfg.Schedule.Times,
	}
}

// buildTarget converts a single TargetConfig to an SDK Target.
func buildTarget(tc TargetConfig) (statstream.Target, error) {
	var opts []statstream.TargetOption

	if tc.User != "" {
		opts = append(opts, statstream.WithCredentials(tc.User, tc.Password))
	}
	if tc.Path != "" {
		opts = append(opts, statstream.WithPath(tc.Path))
	}

	return statstream.NewTarget(tc.Location, opts...)
}

// buildGridTargets expands a GridConfig into multiple targets via cartesian product.
func buildGridTargets(gc GridConfig) ([]statstream.Target, error) {
	// use missingkey=error to fail fast on missing template variables
	tmpl, err := template.New("location").Option("missingkey=error").Parse(gc.LocationTemplate)
	if err != nil {
		return nil, err
	}

	var targets []statstream.Target
	for _, combo := range cartesianProduct(gc.Dimensions) {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, combo); err != nil {
			return nil, fmt.Errorf("dimensions %v: template execution failed: %w", combo, err)
		}

		t, err := buildTarget(TargetConfig{
			Location: buf.String(),
			User:     gc.User,
			Password: gc.Password,
			Path:     gc.Path,
		})
		if err != nil {
			return nil, fmt.Errorf("dimensions %v: %w", combo, err)
		}
		targets = append(targets, t)
	}

	return targets, nil
}

// GridSize returns the number of targets a grid expands to.
func GridSize(gc GridConfig) int {
	if len(gc.Dimensions) == 0 {
		return 0
	}
	size := 1
	for _, vals := range gc.Dimensions {
		size *= len(vals)
	}
	return size
}

// cartesianProduct generates all combinations of dimension values.
func cartesianProduct(dimensions map[string][]string) []map[string]string {
	if len(dimensions) == 0 {
		return nil
	}

	// sort dimension keys for deterministic ordering
	keys := make([]string, 0, len(dimensions))
	for k := range dimensions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := []map[string]string{{}}

	for _, key := range keys {
		var next []map[string]string
		for _, combo := range result {
			for _, val := range dimensions[key] {
				extended := make(map[string]string, len(combo)+1)
				for k, v := range combo {
					extended[k] = v
				}
				extended[key] = val
				next = append(next, extended)
			}
		}
		result = next
	}

	return result
}
