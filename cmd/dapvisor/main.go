package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(os.Stdout, os.Stderr)
	err := root.Execute()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "dapvisor:", err)
	}
	os.Exit(exitCode(err))
}

// buildRoot wires the verbs to a command bound to out and errOut.
func buildRoot(out, errOut io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	statusFlags := &StatusFlags{}
	cleanupFlags := &CleanupFlags{}

	c := command{global: globalFlags, out: out, errOut: errOut}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.SetErr(errOut)
	root.AddCommand(
		createStartCommand(c),
		createStopCommand(c),
		createRestartCommand(c),
		createStatusCommand(c, statusFlags),
		createCleanupCommand(c, cleanupFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "dapvisor",
		Short: "Supervise a single debug adapter bridge process",
		Long: `dapvisor starts, stops, restarts and inspects one long-running bridge
process, and cleans up whatever a previous run left behind.

Examples:
  dapvisor start ./launch.json
  dapvisor status --detailed
  dapvisor restart ./launch.json
  dapvisor stop
  dapvisor cleanup --force`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	root.PersistentFlags().StringVar(&flags.SettingsPath, "settings", "", "path to TOML settings file (default dapvisor.toml if present)")
	root.PersistentFlags().StringVar(&flags.StateDir, "state-dir", "", "override state_dir from settings")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flags.LogFormat, "log-format", "", "override log.format (text, json, color)")
	root.PersistentFlags().BoolVar(&flags.JSON, "json", false, "print results as JSON")
	return root
}

func createStartCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "start <config-path>",
		Short: "Start the bridge unless it is already running",
		Long: `Start snapshots the config artifact into the state directory, spawns the
bridge detached and waits for a readiness marker in its log.

A bridge that is still alive when the readiness ceiling expires counts as
started unless readiness.require_marker is set.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(args[0])
		},
	}
}

func createStopCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the bridge, escalating to SIGKILL when needed",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop()
		},
	}
}

func createRestartCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <config-path>",
		Short: "Stop the bridge if running, then start it with the given config",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Restart(args[0])
		},
	}
}

func createStatusCommand(c command, flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report not-running, starting, running(pid) or stale(pid)",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(StatusFlags{Detailed: flags.Detailed})
		},
	}
	cmd.Flags().BoolVar(&flags.Detailed, "detailed", false, "include record details and resource usage")
	return cmd
}

func createCleanupCommand(c command, flags *CleanupFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove everything a previous run left behind",
		Long: `Cleanup stops the bridge, removes its PID record and generated config
snapshots, archives a non-empty log and reports anything it could not clean.

With --force it also terminates processes whose command line matches the
signature table, even when no record points at them.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Cleanup(CleanupFlags{Force: flags.Force})
		},
	}
	cmd.Flags().BoolVar(&flags.Force, "force", false, "also sweep orphans matching the signature table")
	return cmd
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}
