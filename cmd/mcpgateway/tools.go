package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/mcpgateway/internal/config"
	"github.com/fyrsmithlabs/mcpgateway/internal/mcp"
	"github.com/fyrsmithlabs/mcpgateway/internal/tools"
)

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Print the registered tool definitions as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			registry := mcp.NewToolRegistry()
			set := tools.New(tools.Deps{Name: cfg.Server.Name, Version: cfg.Server.Version, EchoTool: cfg.Server.EchoTool})
			if err := set.Register(registry); err != nil {
				return fmt.Errorf("registering tools: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(mcp.ToolsListResult{Tools: registry.Definitions()})
		},
	}
}
