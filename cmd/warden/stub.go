package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/warden/internal/stub"
)

// createStubBackendCommand runs the echo stub in place of the Python backend.
func createStubBackendCommand() *cobra.Command {
	flags := &StubFlags{}
	cmd := &cobra.Command{
		Use:   "stub-backend",
		Short: "Serve a stand-in backend health endpoint",
		Long: `Serve GET /health like the Python backend would. With --healthy-for the stub
starts failing after that long: it closes its socket (close), answers 503
(unhealthy), or exits non-zero (exit).

Examples:
  warden stub-backend --port 8000
  warden stub-backend --port 8000 --healthy-for 3s --mode close`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return stub.Run(ctx, flags.options())
		},
	}
	cmd.Flags().StringVar(&flags.Host, "host", "127.0.0.1", "listen host")
	cmd.Flags().IntVar(&flags.Port, "port", 8000, "listen port")
	cmd.Flags().DurationVar(&flags.HealthyFor, "healthy-for", 0, "fail after this long (0 = never)")
	cmd.Flags().StringVar(&flags.Mode, "mode", stub.ModeClose, "failure mode: close, unhealthy, exit")
	cmd.Flags().DurationVar(&flags.StartDelay, "start-delay", 0, "delay before listening")
	return cmd
}

func (f *StubFlags) options() stub.Options {
	return stub.Options{
		Addr:       net.JoinHostPort(f.Host, strconv.Itoa(f.Port)),
		HealthyFor: f.HealthyFor,
		Mode:       f.Mode,
		StartDelay: f.StartDelay,
	}
}
