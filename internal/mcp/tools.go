package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forest6511/horizen/pkg/apikeys"
	"github.com/forest6511/horizen/pkg/audit"
	"github.com/forest6511/horizen/pkg/backup"
	"github.com/forest6511/horizen/pkg/security"
	"github.com/forest6511/horizen/pkg/vault"
)

// StatusInput is the (empty) input of security_status.
type StatusInput struct{}

// StatusOutput is the output of security_status.
type StatusOutput struct {
	State             string `json:"state"`
	KeySource         string `json:"key_source"`
	Enabled           bool   `json:"enabled"`
	Unlocked          bool   `json:"unlocked"`
	HasAPIKeys        bool   `json:"has_api_keys"`
	LegacyKeyPresent  bool   `json:"legacy_key_present"`
	Iterations        int    `json:"iterations,omitempty"`
	SessionTimeout    int    `json:"session_timeout_minutes"`
	ExpiresAt         string `json:"expires_at,omitempty"`
	FailedAttempts    int    `json:"failed_attempts,omitempty"`
	CooldownRemaining string `json:"cooldown_remaining,omitempty"`
}

// APIKeysListInput is the (empty) input of api_keys_list.
type APIKeysListInput struct{}

// APIKeysListOutput is the output of api_keys_list.
type APIKeysListOutput struct {
	Keys []APIKeyInfo `json:"keys"`
}

// APIKeyInfo describes one stored key without its value.
type APIKeyInfo struct {
	Provider    string `json:"provider"`
	MaskedValue string `json:"masked_value"`
	ValueLength int    `json:"value_length"`
}

// APIKeyGetMaskedInput is the input of api_key_get_masked.
type APIKeyGetMaskedInput struct {
	Provider string `json:"provider"`
}

// BackupsListInput is the (empty) input of backups_list.
type BackupsListInput struct{}

// BackupsListOutput is the output of backups_list.
type BackupsListOutput struct {
	Snapshots []SnapshotInfo `json:"snapshots"`
}

// SnapshotInfo is a snapshot summary with a formatted timestamp.
type SnapshotInfo struct {
	ID            string `json:"id"`
	CreatedAt     string `json:"created_at"`
	Conversations int    `json:"conversations"`
	QuickLinks    int    `json:"quick_links"`
	Widgets       int    `json:"widgets"`
}

// AuditVerifyInput is the (empty) input of audit_verify.
type AuditVerifyInput struct{}

// AuditVerifyOutput is the output of audit_verify.
type AuditVerifyOutput struct {
	Valid           bool     `json:"valid"`
	RecordsTotal    int      `json:"records_total"`
	RecordsVerified int      `json:"records_verified"`
	Errors          []string `json:"errors,omitempty"`
}

func (s *Server) handleSecurityStatus(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, StatusOutput, error) {
	st, err := s.vault.Status()
	if err != nil {
		return nil, StatusOutput{}, fmt.Errorf("failed to read status: %w", err)
	}
	return nil, statusOutput(st), nil
}

func statusOutput(st *vault.Status) StatusOutput {
	out := StatusOutput{
		State:             st.State,
		KeySource:         st.KeySource,
		Enabled:           st.Enabled,
		Unlocked:          st.Unlocked,
		HasAPIKeys:        st.HasAPIKeys,
		LegacyKeyPresent:  st.LegacyKeyPresent,
		Iterations:        st.Iterations,
		SessionTimeout:    st.SessionTimeout,
		FailedAttempts:    st.FailedAttempts,
		CooldownRemaining: st.CooldownRemaining,
	}
	if !st.ExpiresAt.IsZero() {
		out.ExpiresAt = st.ExpiresAt.Format(time.RFC3339)
	}
	return out
}

// readKeys fails with a readable message while the session is locked.
func (s *Server) readKeys() (apikeys.APIKeys, error) {
	keys, err := s.vault.APIKeys().GetAPIKeys()
	if errors.Is(err, security.ErrSessionLocked) {
		s.vault.LogEvent(audit.OpAPIKeyRead, audit.ResultDenied, "", err)
		return nil, errors.New("session is locked: start the server with HORIZEN_PASSWORD set")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read API keys: %w", err)
	}
	return keys, nil
}

func (s *Server) handleAPIKeysList(_ context.Context, _ *mcp.CallToolRequest, _ APIKeysListInput) (*mcp.CallToolResult, APIKeysListOutput, error) {
	keys, err := s.readKeys()
	if err != nil {
		return nil, APIKeysListOutput{}, err
	}
	providers, err := s.vault.APIKeys().Providers()
	if err != nil {
		return nil, APIKeysListOutput{}, fmt.Errorf("failed to list providers: %w", err)
	}

	output := APIKeysListOutput{Keys: make([]APIKeyInfo, 0, len(providers))}
	for _, p := range providers {
		output.Keys = append(output.Keys, APIKeyInfo{
			Provider:    p,
			MaskedValue: maskValue([]byte(keys[p])),
			ValueLength: len(keys[p]),
		})
	}
	s.vault.LogEvent(audit.OpAPIKeyRead, audit.ResultSuccess, "", nil)
	return nil, output, nil
}

func (s *Server) handleAPIKeyGetMasked(_ context.Context, _ *mcp.CallToolRequest, input APIKeyGetMaskedInput) (*mcp.CallToolResult, APIKeyInfo, error) {
	provider := apikeys.NormalizeProvider(input.Provider)
	if provider == "" {
		return nil, APIKeyInfo{}, errors.New("provider is required")
	}

	keys, err := s.readKeys()
	if err != nil {
		return nil, APIKeyInfo{}, err
	}
	value, ok := keys[provider]
	if !ok {
		return nil, APIKeyInfo{}, fmt.Errorf("no API key stored for %q", provider)
	}

	s.vault.LogEvent(audit.OpAPIKeyRead, audit.ResultSuccess, provider, nil)
	return nil, APIKeyInfo{
		Provider:    provider,
		MaskedValue: maskValue([]byte(value)),
		ValueLength: len(value),
	}, nil
}

// maskValue masks a key value:
// | Length  | Format          | Example   |
// |---------|-----------------|-----------|
// | 1-4     | All *           | ****      |
// | 5-8     | Show last 2     | ******XY  |
// | 9+      | Show last 4     | ****WXYZ  |
func maskValue(value []byte) string {
	length := len(value)
	if length == 0 {
		return ""
	}

	switch {
	case length <= 4:
		return strings.Repeat("*", length)
	case length <= 8:
		return strings.Repeat("*", length-2) + string(value[length-2:])
	default:
		return strings.Repeat("*", length-4) + string(value[length-4:])
	}
}

func (s *Server) handleBackupsList(_ context.Context, _ *mcp.CallToolRequest, _ BackupsListInput) (*mcp.CallToolResult, BackupsListOutput, error) {
	infos, err := s.snapshots.List()
	if err != nil {
		return nil, BackupsListOutput{}, fmt.Errorf("failed to list snapshots: %w", err)
	}
	output := BackupsListOutput{Snapshots: make([]SnapshotInfo, 0, len(infos))}
	for _, info := range infos {
		output.Snapshots = append(output.Snapshots, snapshotInfo(info))
	}
	return nil, output, nil
}

func snapshotInfo(info backup.SnapshotInfo) SnapshotInfo {
	return SnapshotInfo{
		ID:            info.ID,
		CreatedAt:     info.CreatedAt.Format(time.RFC3339),
		Conversations: info.Conversations,
		QuickLinks:    info.QuickLinks,
		Widgets:       info.Widgets,
	}
}

func (s *Server) handleAuditVerify(_ context.Context, _ *mcp.CallToolRequest, _ AuditVerifyInput) (*mcp.CallToolResult, AuditVerifyOutput, error) {
	logger := s.vault.Audit()
	if logger == nil {
		return nil, AuditVerifyOutput{}, errors.New("audit log is not available")
	}
	result, err := logger.Verify()
	if err != nil {
		return nil, AuditVerifyOutput{}, fmt.Errorf("failed to verify audit log: %w", err)
	}
	return nil, AuditVerifyOutput{
		Valid:           result.Valid,
		RecordsTotal:    result.RecordsTotal,
		RecordsVerified: result.RecordsVerified,
		Errors:          result.Errors,
	}, nil
}
