package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/mcpgateway/internal/config"
)

type serveFlags struct {
	stdio    bool
	noHTTP   bool
	noSocket bool
	noSSE    bool
	logLevel string
}

// apply overrides the loaded configuration with command-line flags.
func (f serveFlags) apply(cfg *config.Config) {
	if f.stdio {
		cfg.Stdio.Enabled = true
	}
	if f.noHTTP {
		cfg.HTTP.Enabled = false
	}
	if f.noSocket {
		cfg.Socket.Enabled = false
	}
	if f.noSSE {
		cfg.SSE.Enabled = false
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	// stdout carries the protocol.
	if cfg.Stdio.Enabled {
		cfg.Logging.Output = "stderr"
	}
}

func newServeCmd() *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long: `Start the gateway with every enabled transport.

Configuration is read from the file given by --config, then from MCPGW_*
environment variables. Flags override both.

Examples:
  # Network transports on their default ports
  mcpgateway serve

  # Add stdio for a client that spawns the process
  mcpgateway serve --stdio --no-http`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			flags.apply(cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, appOptions{In: os.Stdin, Out: os.Stdout})
			if err != nil {
				return err
			}
			return a.run(ctx, path)
		},
	}

	cmd.Flags().BoolVar(&flags.stdio, "stdio", false, "serve line-delimited requests on stdin/stdout")
	cmd.Flags().BoolVar(&flags.noHTTP, "no-http", false, "disable the HTTP transport")
	cmd.Flags().BoolVar(&flags.noSocket, "no-socket", false, "disable the WebSocket transport")
	cmd.Flags().BoolVar(&flags.noSSE, "no-sse", false, "disable the server-sent events transport")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "override the log level (trace, debug, info, warn, error)")
	return cmd
}

// shutdownContext bounds shutdown work after ctx has been cancelled.
func shutdownContext(cfg *config.Config) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
}
