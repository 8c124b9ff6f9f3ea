package main

import (
	"fmt"

	"github.com/jpalmerr/statstream/config"
	"github.com/spf13/cobra"
)

// validateCmd validates a config file without starting the server.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a statstream configuration file without starting the server.

This command parses the YAML, expands environment variables, and validates
all fields. It's useful for CI/CD pipelines or pre-deployment checks.
No management endpoint is contacted.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  statstream validate -c config.yaml
  statstream validate --config /etc/statstream/config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// grid locations are only known once the templates are executed
	targets, err := config.BuildTargets(cfg)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	direct := len(cfg.Targets)
	fromGrids := 0
	for _, g := range cfg.Grids {
		fromGrids += config.GridSize(g)
	}

	fmt.Printf("Config is valid!\n")
	fmt.Printf("  Port:     %d\n", cfg.Port)
	fmt.Printf("  Schedule: initial %s, period %s, times %d\n",
		cfg.Schedule.Initial.Duration(), cfg.Schedule.Period.Duration(), *cfg.Schedule.Times)
	fmt.Printf("  Targets:  %d direct + %d from grids = %d total\n",
		direct, fromGrids, len(targets))

	return nil
}
