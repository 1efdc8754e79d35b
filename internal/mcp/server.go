// Package mcp implements the MCP (Model Context Protocol) server for horizen.
// The tools are read-only and never return an API key in plaintext: agents
// see protection status, provider names, masked values, snapshots and the
// audit chain state.
package mcp

import (
	"context"
	"fmt"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forest6511/horizen/pkg/audit"
	"github.com/forest6511/horizen/pkg/backup"
	"github.com/forest6511/horizen/pkg/vault"
)

// EnvPassword supplies the password when protection is enabled. It is
// cleared from the environment once read.
const EnvPassword = "HORIZEN_PASSWORD"

// Version is reported to MCP clients.
const Version = "0.1.0"

// Server represents the MCP server for horizen.
type Server struct {
	server    *mcp.Server
	vault     *vault.Vault
	snapshots *backup.Snapshots
}

// ServerOptions contains configuration options for the MCP server.
type ServerOptions struct {
	// DataDir is the horizen data directory.
	DataDir string

	// Password unlocks a password-protected store. If empty, the server
	// reads HORIZEN_PASSWORD. Without either the server starts locked and
	// only status tools succeed.
	Password string

	Vault             vault.OpenOptions
	SnapshotRetention int
}

// NewServer opens the store in opts.DataDir and creates the MCP server.
func NewServer(opts *ServerOptions) (*Server, error) {
	if opts == nil || opts.DataDir == "" {
		return nil, fmt.Errorf("mcp: data directory is required")
	}

	vopts := opts.Vault
	vopts.Source = audit.SourceMCP
	v, err := vault.Open(opts.DataDir, vopts)
	if err != nil {
		return nil, err
	}

	password := opts.Password
	if password == "" {
		password = os.Getenv(EnvPassword)
		os.Unsetenv(EnvPassword)
	}

	if v.Security().IsEnabled() && password != "" {
		ok, err := v.Unlock(password)
		if err != nil {
			v.Close()
			return nil, fmt.Errorf("mcp: failed to unlock: %w", err)
		}
		if !ok {
			v.Close()
			return nil, fmt.Errorf("mcp: failed to unlock: incorrect password")
		}
	}

	return newServer(v, backup.NewSnapshots(v.Store(), opts.SnapshotRetention, nil)), nil
}

func newServer(v *vault.Vault, snapshots *backup.Snapshots) *Server {
	s := &Server{
		server: mcp.NewServer(
			&mcp.Implementation{
				Name:    "horizen",
				Version: Version,
			},
			nil,
		),
		vault:     v,
		snapshots: snapshots,
	}
	s.registerTools()
	return s
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "security_status",
		Description: "Report whether password protection is enabled, whether the session is unlocked, the key source, session timeout and unlock cooldown.",
	}, s.handleSecurityStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "api_keys_list",
		Description: "List the AI providers that have a stored API key, with masked values. Does NOT return the keys.",
	}, s.handleAPIKeysList)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "api_key_get_masked",
		Description: "Get a masked version of one provider's API key (e.g. '****WXYZ'). Useful for checking which key is configured without exposing it.",
	}, s.handleAPIKeyGetMasked)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "backups_list",
		Description: "List the pre-import snapshots, newest first, with item counts.",
	}, s.handleBackupsList)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "audit_verify",
		Description: "Verify the HMAC chain of the security audit log.",
	}, s.handleAuditVerify)
}

// Run starts the MCP server using stdio transport.
func (s *Server) Run(ctx context.Context) error {
	defer s.vault.Lock()

	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Close locks the session and closes the store.
func (s *Server) Close() error {
	return s.vault.Close()
}
