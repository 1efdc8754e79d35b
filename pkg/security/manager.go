package security

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/forest6511/horizen/pkg/crypto"
	"github.com/forest6511/horizen/pkg/session"
	"github.com/forest6511/horizen/pkg/store"
)

// verificationToken is encrypted under the derived key at setup so a
// candidate password can be checked without any secret data.
const verificationToken = "horizen-verification-token-v1"

// State is the position of the password lifecycle state machine.
type State int

const (
	StateNoProtection State = iota
	StateLocked
	StateUnlocked
)

func (s State) String() string {
	switch s {
	case StateNoProtection:
		return "no-protection"
	case StateLocked:
		return "locked"
	case StateUnlocked:
		return "unlocked"
	default:
		return "unknown"
	}
}

// DerivePasswordKey normalizes password to NFC and stretches it with PBKDF2.
func DerivePasswordKey(password string, salt []byte, iterations int) ([]byte, error) {
	return crypto.DeriveKey([]byte(norm.NFC.String(password)), salt, iterations)
}

// Manager drives setup, unlock, lock, change and disable of password
// protection. Each method holds the manager mutex for its whole duration.
type Manager struct {
	mu         sync.Mutex
	kv         store.Store
	session    *session.Session
	iterations int
}

// Option configures a Manager.
type Option func(*Manager)

// WithIterations sets the PBKDF2 iteration count used by SetupPassword.
// Values below crypto.MinIterations are ignored.
func WithIterations(n int) Option {
	return func(m *Manager) {
		if n >= crypto.MinIterations {
			m.iterations = n
		}
	}
}

// NewManager returns a Manager over kv and sess.
func NewManager(kv store.Store, sess *session.Session, opts ...Option) *Manager {
	m := &Manager{kv: kv, session: sess, iterations: crypto.DefaultIterations}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Session returns the session the manager drives.
func (m *Manager) Session() *session.Session { return m.session }

// SetupPassword creates a fresh salt and verification token for password and
// unlocks the session with the derived key. Existing encrypted secrets are
// not touched.
func (m *Manager) SetupPassword(password string) error {
	if err := CheckPassword(password); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setupLocked(password)
}

func (m *Manager) setupLocked(password string) error {
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return err
	}
	key, err := DerivePasswordKey(password, salt, m.iterations)
	if err != nil {
		return fmt.Errorf("security: failed to derive key: %w", err)
	}
	defer crypto.SecureWipe(key)

	token, err := crypto.SealString(key, []byte(verificationToken))
	if err != nil {
		return fmt.Errorf("security: failed to encrypt verification token: %w", err)
	}

	cfg := &Config{
		Enabled:        true,
		Salt:           salt,
		Iterations:     m.iterations,
		SessionTimeout: int(m.session.Timeout() / time.Minute),
	}
	err = m.kv.Update(func(tx store.KV) error {
		if err := SaveConfig(tx, cfg); err != nil {
			return err
		}
		return tx.Put(store.KeySecurityVerification, token)
	})
	if err != nil {
		return fmt.Errorf("security: failed to save config: %w", err)
	}

	m.session.Unlock(key)
	return nil
}

// UnlockWithPassword derives a candidate key and checks it against the
// encrypted secret store, or the verification token when no store exists.
// A wrong password returns false, nil and leaves the session as it was.
func (m *Manager) UnlockWithPassword(password string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, key, err := m.verifyLocked(password)
	if err != nil {
		if errors.Is(err, ErrIncorrectPassword) {
			return false, nil
		}
		return false, err
	}
	defer crypto.SecureWipe(key)

	// The stored value wins over the startup default; 0 disables auto-lock.
	m.session.SetTimeout(time.Duration(cfg.SessionTimeout) * time.Minute)
	m.session.Unlock(key)
	return true, nil
}

// VerifyPassword returns the key password derives if it matches the stored
// data, without touching the session. The caller owns and must wipe the key.
func (m *Manager) VerifyPassword(password string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, key, err := m.verifyLocked(password)
	return key, err
}

func (m *Manager) verifyLocked(password string) (*Config, []byte, error) {
	cfg, err := LoadConfig(m.kv)
	if err != nil {
		return nil, nil, err
	}
	if cfg == nil || !cfg.Enabled {
		return nil, nil, ErrNotEnabled
	}

	key, err := DerivePasswordKey(password, cfg.Salt, cfg.Iterations)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDataCorrupted, err)
	}

	if err := m.checkKeyLocked(key); err != nil {
		crypto.SecureWipe(key)
		return nil, nil, err
	}
	return cfg, key, nil
}

// checkKeyLocked opens the secret store blob if present, else the
// verification token.
func (m *Manager) checkKeyLocked(key []byte) error {
	blob, err := m.kv.Get(store.KeyAPIKeysEncrypted)
	if err == nil {
		_, err := crypto.OpenString(key, blob)
		return ClassifyDecryptError(err)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	token, err := m.kv.Get(store.KeySecurityVerification)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: verification token missing", ErrDataCorrupted)
	}
	if err != nil {
		return err
	}
	plain, err := crypto.OpenString(key, token)
	if err != nil {
		return ClassifyDecryptError(err)
	}
	if subtle.ConstantTimeCompare(plain, []byte(verificationToken)) != 1 {
		return fmt.Errorf("%w: verification token mismatch", ErrDataCorrupted)
	}
	return nil
}

// LockSession locks the session.
func (m *Manager) LockSession() {
	m.session.Lock()
}

// Refresh extends an unlocked session.
func (m *Manager) Refresh() {
	m.session.Refresh()
}

// DisablePasswordProtection marks protection disabled, writing a placeholder
// config if none exists, and leaves the session unlocked without a key.
// Re-encrypting the secret store is the caller's job.
func (m *Manager) DisablePasswordProtection() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := LoadConfig(m.kv)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = &Config{
			Iterations:     m.iterations,
			SessionTimeout: int(m.session.Timeout() / time.Minute),
		}
	}
	cfg.Enabled = false

	err = m.kv.Update(func(tx store.KV) error {
		if err := SaveConfig(tx, cfg); err != nil {
			return err
		}
		return tx.Delete(store.KeySecurityVerification)
	})
	if err != nil {
		return fmt.Errorf("security: failed to save config: %w", err)
	}

	m.session.UnlockWithoutKey()
	return nil
}

// ChangePassword verifies oldPassword and sets up newPassword. A wrong old
// password returns false, nil with nothing changed. The secret store is not
// re-encrypted here.
func (m *Manager) ChangePassword(oldPassword, newPassword string) (bool, error) {
	if err := CheckPassword(newPassword); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	_, oldKey, err := m.verifyLocked(oldPassword)
	if err != nil {
		if errors.Is(err, ErrIncorrectPassword) {
			return false, nil
		}
		return false, err
	}
	crypto.SecureWipe(oldKey)

	if err := m.setupLocked(newPassword); err != nil {
		return false, err
	}
	return true, nil
}

// SetSessionTimeout changes the idle timeout, persisting it when a config
// exists.
func (m *Manager) SetSessionTimeout(minutes int) error {
	if minutes < 0 {
		return &ValidationError{Field: "sessionTimeout", Message: "must not be negative"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := LoadConfig(m.kv)
	if err != nil {
		return err
	}
	if cfg != nil {
		cfg.SessionTimeout = minutes
		if err := SaveConfig(m.kv, cfg); err != nil {
			return err
		}
	}
	m.session.SetTimeout(time.Duration(minutes) * time.Minute)
	return nil
}

// IsEnabled reports whether password protection is on. Unreadable config
// reads as enabled so callers stay locked.
func (m *Manager) IsEnabled() bool {
	cfg, err := LoadConfig(m.kv)
	if err != nil {
		return true
	}
	return cfg != nil && cfg.Enabled
}

// NeedsUnlock reports whether protection is on and the session is locked.
func (m *Manager) NeedsUnlock() bool {
	return m.IsEnabled() && !m.session.IsUnlocked()
}

// Config returns the persisted config, or nil when none exists.
func (m *Manager) Config() (*Config, error) {
	return LoadConfig(m.kv)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	if !m.IsEnabled() {
		return StateNoProtection
	}
	if m.session.IsUnlocked() {
		return StateUnlocked
	}
	return StateLocked
}

// Key resolves the authoritative key. In legacy mode it returns a nil key and
// KeySourceLegacy; the legacy key itself is owned by the secret store. With
// protection on and the session locked it returns ErrSessionLocked.
func (m *Manager) Key() ([]byte, KeySource, error) {
	cfg, err := LoadConfig(m.kv)
	if err != nil {
		return nil, KeySourcePasswordDerived, err
	}
	if cfg.KeySource() == KeySourceLegacy {
		return nil, KeySourceLegacy, nil
	}
	key := m.session.Key()
	if key == nil {
		return nil, KeySourcePasswordDerived, ErrSessionLocked
	}
	return key, KeySourcePasswordDerived, nil
}
