package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forest6511/horizen/internal/mcp"
	"github.com/forest6511/horizen/pkg/vault"
)

func init() {
	rootCmd.AddCommand(mcpServerCmd)
}

// mcpServerCmd starts the MCP server for AI assistant integration
var mcpServerCmd = &cobra.Command{
	Use:   "mcp-server",
	Short: "Start the MCP server for AI assistant integration",
	Long: `Start an MCP server over stdio that exposes read-only status tools to AI
assistants. API key values are only ever returned masked.

Available tools:
  - security_status:    Protection state and session expiry
  - api_keys_list:      Stored providers with masked keys
  - api_key_get_masked: One provider's masked key (e.g. "****WXYZ")
  - backups_list:       Pre-import snapshots
  - audit_verify:       Audit log chain verification

Authentication:
  Set HORIZEN_PASSWORD before starting the server when password protection
  is enabled. The password is read once and cleared from the environment.

Example MCP configuration:
  {
    "mcpServers": {
      "horizen": {
        "type": "stdio",
        "command": "/path/to/horizen",
        "args": ["mcp-server"],
        "env": {
          "HORIZEN_PASSWORD": "your-password"
        }
      }
    }
  }`,
	Annotations: map[string]string{noVault: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCPServer()
	},
}

func runMCPServer() error {
	server, err := mcp.NewServer(&mcp.ServerOptions{
		DataDir: dataDir,
		Vault: vault.OpenOptions{
			SessionTimeout: cfg.SessionTimeout(),
			Iterations:     cfg.KDFIterations,
			Logger:         log,
		},
		SnapshotRetention: cfg.SnapshotRetention,
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		cancel()
		server.Close()
	}()

	if err := server.Run(ctx); err != nil {
		// Don't report context canceled as an error
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("MCP server error: %w", err)
	}
	return server.Close()
}
