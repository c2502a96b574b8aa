package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/warden/pkg/client"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command with all subcommands attached.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	api := apiCommand{flags: globalFlags}

	root.AddCommand(
		createServeCommand(globalFlags),
		createStatusCommand(api),
		createStartCommand(api),
		createStopCommand(api),
		createRestartCommand(api),
		createForceKillCommand(api),
		createMonitorCommand(api),
		createStubBackendCommand(),
	)
	return root
}

// createRootCommand creates the root command with persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "warden",
		Short: "Supervisor for a local Python backend",
		Long: `Warden starts a Python backend, waits until its health endpoint answers,
restarts it when it crashes or stops answering, and stops or force-kills it on demand.

Examples:
  warden serve --config warden.toml   # run the supervisor daemon
  warden status                       # query the daemon
  warden restart
  warden force-kill`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (TOML, YAML or JSON)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", client.DefaultBaseURL, "daemon API URL")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 90*time.Second, "request timeout")
	return root
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config]",
		Short: "Run the supervisor daemon",
		Long: `Run the supervisor daemon: start the backend (when supervisor.auto_start is set),
monitor it, and serve the control API until SIGINT or SIGTERM.

Examples:
  warden serve
  warden serve warden.toml
  warden serve --daemonize --pidfile /run/warden.pid --logfile /var/log/warden.out`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			return runServe(cmd.Context(), serveFlags)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(api apiCommand) *cobra.Command {
	var detailed bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show backend status",
		Long: `Show the backend's process record as reported by the daemon.

Examples:
  warden status
  warden status --detailed          # include port, uptime and recent resource samples`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return api.Status(cmd.Context(), cmd.OutOrStdout(), detailed)
		},
	}
	cmd.Flags().BoolVar(&detailed, "detailed", false, "show detailed info")
	return cmd
}

func createStartCommand(api apiCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the backend and wait until it is ready",
		RunE: func(cmd *cobra.Command, args []string) error {
			return api.Lifecycle(cmd.Context(), cmd.OutOrStdout(), (*client.Client).Start)
		},
	}
}

func createStopCommand(api apiCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the backend gracefully",
		RunE: func(cmd *cobra.Command, args []string) error {
			return api.Lifecycle(cmd.Context(), cmd.OutOrStdout(), (*client.Client).Stop)
		},
	}
}

func createRestartCommand(api apiCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Stop, pause and start the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return api.Lifecycle(cmd.Context(), cmd.OutOrStdout(), (*client.Client).Restart)
		},
	}
}

func createForceKillCommand(api apiCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "force-kill",
		Short: "Hard-kill the backend with the platform kill command",
		RunE: func(cmd *cobra.Command, args []string) error {
			return api.Lifecycle(cmd.Context(), cmd.OutOrStdout(), (*client.Client).ForceKill)
		},
	}
}

// createMonitorCommand toggles automatic recovery.
func createMonitorCommand(api apiCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Enable or disable automatic recovery",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "start",
			Short: "Start health monitoring",
			RunE: func(cmd *cobra.Command, args []string) error {
				return api.Lifecycle(cmd.Context(), cmd.OutOrStdout(), (*client.Client).StartMonitoring)
			},
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Stop health monitoring",
			RunE: func(cmd *cobra.Command, args []string) error {
				return api.Lifecycle(cmd.Context(), cmd.OutOrStdout(), (*client.Client).StopMonitoring)
			},
		},
	)
	return cmd
}
