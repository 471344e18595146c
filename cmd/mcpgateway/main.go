// Mcpgateway serves a set of tools over stdio, HTTP, WebSocket and
// server-sent events from a single process.
//
// Usage:
//
//	# Start the network transports with defaults
//	mcpgateway serve
//
//	# Serve stdio only, for a client that spawns the process
//	mcpgateway serve --stdio --no-http --no-socket --no-sse
//
//	# Print the tool definitions
//	mcpgateway tools
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mcpgateway",
		Short: "Multi-transport tool gateway",
		Long: `mcpgateway exposes one tool registry over several transports:
line-delimited stdio, HTTP request/response, WebSocket and server-sent events.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("config", "", "path to a YAML configuration file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newToolsCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "mcpgateway by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
