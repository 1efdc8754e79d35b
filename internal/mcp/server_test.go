package mcp

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/forest6511/horizen/pkg/crypto"
	"github.com/forest6511/horizen/pkg/vault"
)

const testPassword = "testpassword123"

// testDataDir creates a data directory holding one API key, protected by
// testPassword when protect is set.
func testDataDir(t *testing.T, protect bool) string {
	t.Helper()
	dir := t.TempDir()
	v, err := vault.Open(dir, vault.OpenOptions{Iterations: crypto.MinIterations})
	if err != nil {
		t.Fatalf("failed to open vault: %v", err)
	}
	defer v.Close()

	if protect {
		if err := v.EnablePasswordProtection(testPassword); err != nil {
			t.Fatalf("failed to enable protection: %v", err)
		}
	}
	if err := v.APIKeys().UpdateAPIKey("openai", "sk-proj-1234567890abcdef"); err != nil {
		t.Fatalf("failed to store key: %v", err)
	}
	return dir
}

func newTestServer(t *testing.T, dir, password string) *Server {
	t.Helper()
	s, err := NewServer(&ServerOptions{
		DataDir:  dir,
		Password: password,
		Vault:    vault.OpenOptions{Iterations: crypto.MinIterations},
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewServer_NoDataDir(t *testing.T) {
	if _, err := NewServer(nil); err == nil {
		t.Error("expected error without data directory")
	}
	if _, err := NewServer(&ServerOptions{}); err == nil {
		t.Error("expected error without data directory")
	}
}

func TestNewServer_InvalidPassword(t *testing.T) {
	dir := testDataDir(t, true)
	_, err := NewServer(&ServerOptions{DataDir: dir, Password: "wrongpassword"})
	if err == nil || !strings.Contains(err.Error(), "incorrect password") {
		t.Errorf("expected incorrect password error, got %v", err)
	}
}

func TestNewServer_Success(t *testing.T) {
	s := newTestServer(t, testDataDir(t, true), testPassword)
	if s.server == nil || s.vault == nil || s.snapshots == nil {
		t.Fatal("server not fully initialised")
	}
	if !s.vault.Session().IsUnlocked() {
		t.Error("session should be unlocked")
	}
}

func TestNewServer_FromEnvironment(t *testing.T) {
	dir := testDataDir(t, true)
	t.Setenv(EnvPassword, testPassword)

	s := newTestServer(t, dir, "")
	if !s.vault.Session().IsUnlocked() {
		t.Error("session should be unlocked from the environment")
	}
	if os.Getenv(EnvPassword) != "" {
		t.Error("password left in the environment")
	}
}

func TestNewServer_LockedWithoutPassword(t *testing.T) {
	dir := testDataDir(t, true)
	os.Unsetenv(EnvPassword)

	s := newTestServer(t, dir, "")
	_, status, err := s.handleSecurityStatus(context.Background(), nil, StatusInput{})
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !status.Enabled || status.Unlocked || status.KeySource != "password" {
		t.Errorf("status = %+v", status)
	}

	_, _, err = s.handleAPIKeysList(context.Background(), nil, APIKeysListInput{})
	if err == nil || !strings.Contains(err.Error(), "locked") {
		t.Errorf("expected locked error, got %v", err)
	}
}

func TestServer_Close(t *testing.T) {
	s, err := NewServer(&ServerOptions{DataDir: testDataDir(t, true), Password: testPassword})
	if err != nil {
		t.Fatal(err)
	}
	v := s.vault
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if v.Session().IsUnlocked() {
		t.Error("session still unlocked after Close")
	}
}
