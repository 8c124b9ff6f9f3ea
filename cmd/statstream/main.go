// Package main is the entry point for the statstream CLI.
//
// statstream can be run either as a library (SDK) or as a standalone binary
// with YAML configuration. This CLI provides the standalone binary approach.
//
// Usage:
//
//	statstream serve -c config.yaml              # Serve the listing and triggers
//	statstream validate -c config.yaml           # Validate configuration
//	statstream poll -l https://host:4848/mgmt    # Stream one session to stdout
//	statstream version                           # Show version info
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "statstream",
	Short: "Stream management endpoint statistics as CSV",
	Long: `statstream polls the statistics published by a remote management
endpoint and streams them as CSV, one row per tick.

Quick start:
  1. Create a config file (statstream.yaml)
  2. Run: statstream serve -c statstream.yaml
  3. Open http://localhost:8080/requests/ in your browser

Example config:
  port: 8080
  targets:
    - location: https://appserver:4848/management/domain
      user: admin
      password: ${APPSERVER_PASSWORD}`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error, just exit with code 1
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this statstream binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("statstream %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
