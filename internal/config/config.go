// Package config loads the horizen CLI configuration from config.yaml in the
// data directory, applies environment overrides and validates the result.
//
// The file is optional. When present it is opened without following
// symlinks and must be owned by the current user and not writable by group
// or others.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forest6511/horizen/pkg/backup"
	"github.com/forest6511/horizen/pkg/crypto"
	"github.com/forest6511/horizen/pkg/session"
)

// FileName is the configuration file inside the data directory.
const FileName = "config.yaml"

// Environment overrides.
const (
	EnvHome           = "HORIZEN_HOME"
	EnvSessionTimeout = "HORIZEN_SESSION_TIMEOUT" // minutes
)

// DefaultDirName is the data directory under the user's home.
const DefaultDirName = ".horizen"

var (
	ErrConfigInsecure       = errors.New("config: file has insecure permissions")
	ErrConfigSymlink        = errors.New("config: file is a symlink")
	ErrConfigNotOwnedByUser = errors.New("config: file not owned by current user")
	errConfigNotFound       = errors.New("config: file not found")
)

// LogConfig sets the default console verbosity. Command-line flags win.
type LogConfig struct {
	Verbose bool `yaml:"verbose"`
	Debug   bool `yaml:"debug"`
}

// Config is the parsed config.yaml.
type Config struct {
	SessionTimeoutMinutes int       `yaml:"session_timeout_minutes"` // 0 disables auto-lock
	KDFIterations         int       `yaml:"kdf_iterations"`
	SnapshotRetention     int       `yaml:"snapshot_retention"`
	ExportDir             string    `yaml:"export_dir,omitempty"`
	Log                   LogConfig `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		SessionTimeoutMinutes: int(session.DefaultTimeout / time.Minute),
		KDFIterations:         crypto.DefaultIterations,
		SnapshotRetention:     backup.DefaultRetention,
	}
}

// DataDir returns $HORIZEN_HOME, or ~/.horizen.
func DataDir() (string, error) {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: failed to get user home directory: %w", err)
	}
	return filepath.Join(home, DefaultDirName), nil
}

// Load reads config.yaml from dataDir on top of Default, then applies the
// environment overrides. A missing file is not an error.
func Load(dataDir string) (*Config, error) {
	cfg := Default()

	content, err := readConfigFile(filepath.Join(dataDir, FileName))
	switch {
	case errors.Is(err, errConfigNotFound):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", FileName, err)
		}
	}

	if v := strings.TrimSpace(os.Getenv(EnvSessionTimeout)); v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: %s must be a number of minutes: %q", EnvSessionTimeout, v)
		}
		cfg.SessionTimeoutMinutes = minutes
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readConfigFile(path string) ([]byte, error) {
	f, err := openConfigFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Checks run on the opened descriptor, not the path.
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("config: failed to stat %s: %w", FileName, err)
	}
	if err := checkFileSecurity(info); err != nil {
		return nil, err
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", FileName, err)
	}
	return content, nil
}

// Validate rejects values the data-protection core would refuse later.
func (c *Config) Validate() error {
	if c.SessionTimeoutMinutes < 0 {
		return fmt.Errorf("config: session_timeout_minutes must not be negative, got %d", c.SessionTimeoutMinutes)
	}
	if c.KDFIterations < crypto.MinIterations {
		return fmt.Errorf("config: kdf_iterations must be at least %d, got %d", crypto.MinIterations, c.KDFIterations)
	}
	if c.SnapshotRetention < 1 {
		return fmt.Errorf("config: snapshot_retention must be at least 1, got %d", c.SnapshotRetention)
	}
	return nil
}

// SessionTimeout returns the idle timeout as a duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMinutes) * time.Minute
}

// ResolveExportDir returns ExportDir, or the current directory when unset.
// A leading ~ is expanded.
func (c *Config) ResolveExportDir() (string, error) {
	dir := c.ExportDir
	if dir == "" {
		return os.Getwd()
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	return dir, nil
}

// Save writes c to dataDir with 0600 permissions.
func Save(dataDir string, c *Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: failed to encode: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("config: failed to create data directory: %w", err)
	}
	return os.WriteFile(filepath.Join(dataDir, FileName), data, 0600)
}
