package security

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/forest6511/horizen/pkg/store"
)

// Config is the persisted password-protection configuration stored under
// store.KeySecurityConfig. Salt is base64 in JSON.
type Config struct {
	Enabled        bool   `json:"enabled"`
	Salt           []byte `json:"salt,omitempty"`
	Iterations     int    `json:"iterations,omitempty"`
	SessionTimeout int    `json:"sessionTimeout"` // minutes, 0 disables auto-lock
}

// KeySource identifies which key protects the secret store.
type KeySource int

const (
	// KeySourceLegacy is the implicit key stored under crypto:key.
	KeySourceLegacy KeySource = iota
	// KeySourcePasswordDerived is the key derived from the user's password.
	KeySourcePasswordDerived
)

func (k KeySource) String() string {
	switch k {
	case KeySourceLegacy:
		return "legacy"
	case KeySourcePasswordDerived:
		return "password"
	default:
		return "unknown"
	}
}

// KeySource returns the key source implied by the config. A nil config means
// protection was never set up.
func (c *Config) KeySource() KeySource {
	if c != nil && c.Enabled {
		return KeySourcePasswordDerived
	}
	return KeySourceLegacy
}

// LoadConfig reads the config from kv. It returns nil, nil when none exists.
func LoadConfig(kv store.KV) (*Config, error) {
	raw, err := kv.Get(store.KeySecurityConfig)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("%w: security config: %v", ErrDataCorrupted, err)
	}
	if cfg.Enabled && len(cfg.Salt) == 0 {
		return nil, fmt.Errorf("%w: security config enabled without salt", ErrDataCorrupted)
	}
	return &cfg, nil
}

// SaveConfig writes cfg to kv.
func SaveConfig(kv store.KV, cfg *Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("security: failed to marshal config: %w", err)
	}
	return kv.Put(store.KeySecurityConfig, string(data))
}
