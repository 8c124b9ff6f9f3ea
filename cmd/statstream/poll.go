package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jpalmerr/statstream"
	"github.com/jpalmerr/statstream/internal/sink"
	"github.com/spf13/cobra"
)

// passwordEnv is read when --password is not given, keeping the secret out
// of the process list.
const passwordEnv = "STATSTREAM_PASSWORD"

// pollCmd streams one session without starting the server.
var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Stream one session as CSV",
	Long: `Reserve sessions for one management endpoint and stream the first
startable one as CSV to stdout or a file.

Without --path the endpoint's catalog is fetched and the first object
matching --filter is polled. The command runs until the schedule is
exhausted or it is interrupted (Ctrl+C).

The password may be given through the STATSTREAM_PASSWORD environment
variable instead of --password.

Example:
  statstream poll -l https://appserver:4848/management/domain -u admin
  statstream poll -l https://appserver:4848/management/domain \
      --path server-mon/attributes --initial 0s --period 5s --times 12 -o heap.csv`,
	RunE: runPoll,
}

func init() {
	rootCmd.AddCommand(pollCmd)

	defaults := statstream.DefaultSchedule()

	pollCmd.Flags().StringP("location", "l", "", "management endpoint URL (required)")
	pollCmd.Flags().StringP("user", "u", "", "basic auth user")
	pollCmd.Flags().String("password", "", "basic auth password (default $"+passwordEnv+")")
	pollCmd.Flags().StringP("path", "p", "", "statistics path; empty discovers via the catalog")
	pollCmd.Flags().String("filter", "", "discovery filter regular expression")
	pollCmd.Flags().Duration("initial", defaults.Initial, "delay before the first tick")
	pollCmd.Flags().Duration("period", defaults.Period, "delay between ticks")
	pollCmd.Flags().Int("times", defaults.Times, "number of ticks, -1 for unbounded")
	pollCmd.Flags().Duration("timeout", 0, "request timeout (default 10s)")
	pollCmd.Flags().Bool("insecure", true, "skip certificate verification")
	pollCmd.Flags().StringP("output", "o", "", "output file (default stdout)")
	pollCmd.Flags().Bool("debug", false, "log every poll tick")
	_ = pollCmd.MarkFlagRequired("location")
}

func runPoll(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	debug, _ := flags.GetBool("debug")
	logger := newLogger(debug)

	location, _ := flags.GetString("location")
	user, _ := flags.GetString("user")
	password, _ := flags.GetString("password")
	if password == "" {
		password = os.Getenv(passwordEnv)
	}
	path, _ := flags.GetString("path")

	var targetOpts []statstream.TargetOption
	if user != "" || password != "" {
		targetOpts = append(targetOpts, statstream.WithCredentials(user, password))
	}
	if path != "" {
		targetOpts = append(targetOpts, statstream.WithPath(path))
	}
	target, err := statstream.NewTarget(location, targetOpts...)
	if err != nil {
		return fmt.Errorf("invalid target: %w", err)
	}

	var sched statstream.Schedule
	sched.Initial, _ = flags.GetDuration("initial")
	sched.Period, _ = flags.GetDuration("period")
	sched.Times, _ = flags.GetInt("times")

	opts := []statstream.Option{
		statstream.WithLogger(logger),
		statstream.WithSchedule(sched),
	}
	if filter, _ := flags.GetString("filter"); filter != "" {
		opts = append(opts, statstream.WithDiscoveryFilter(filter))
	}
	if timeout, _ := flags.GetDuration("timeout"); timeout != 0 {
		opts = append(opts, statstream.WithRequestTimeout(timeout))
	}
	insecure, _ := flags.GetBool("insecure")
	opts = append(opts, statstream.WithInsecureSkipVerify(insecure))

	c, err := statstream.New(opts...)
	if err != nil {
		return err
	}

	out, err := openOutput(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("poll starting", "target", target.String())
	if err := c.Poll(ctx, target, sched, out); err != nil {
		return fmt.Errorf("poll failed: %w", err)
	}
	return nil
}

// openOutput returns the --output file, or the command's stdout.
func openOutput(cmd *cobra.Command) (statstream.Sink, error) {
	output, _ := cmd.Flags().GetString("output")
	if output == "" || output == "-" {
		return sink.NewWriter(cmd.OutOrStdout()), nil
	}
	f, err := sink.NewFile(output)
	if err != nil {
		return nil, fmt.Errorf("failed to open output: %w", err)
	}
	return f, nil
}
