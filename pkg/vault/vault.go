// Package vault ties together the session, the password lifecycle and the
// API-key store, and performs the compound transitions between legacy,
// password-derived and disabled protection.
//
// Every compound operation snapshots the persisted security keys and the
// session first and restores both if any step fails, so callers never see a
// half-migrated state.
package vault

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/forest6511/horizen/pkg/apikeys"
	"github.com/forest6511/horizen/pkg/audit"
	"github.com/forest6511/horizen/pkg/crypto"
	"github.com/forest6511/horizen/pkg/security"
	"github.com/forest6511/horizen/pkg/session"
	"github.com/forest6511/horizen/pkg/store"
)

// AuditDirName is the audit log directory inside the data directory.
const AuditDirName = "audit"

var (
	ErrAlreadyEnabled  = errors.New("vault: password protection is already enabled")
	ErrCooldownActive  = errors.New("vault: cooldown period active")
	ErrTooManyAttempts = errors.New("vault: too many failed unlock attempts")
	ErrRollbackFailed  = errors.New("vault: rollback failed")
)

// protectedKeys are restored together when a compound operation fails.
var protectedKeys = []string{
	store.KeySecurityConfig,
	store.KeySecurityVerification,
	store.KeyAPIKeysEncrypted,
	store.KeyLegacyCryptoKey,
}

// Logger receives warnings that must not fail an operation.
type Logger interface {
	Warnf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Warnf(string, ...any) {}

// Options configures a Vault.
// Zero fields take defaults: a session with session.DefaultTimeout,
// crypto.DefaultIterations and time.Now. A nil Audit disables audit logging.
type Options struct {
	Session    *session.Session
	Iterations int
	Audit      *audit.Logger
	Logger     Logger
	Now        func() time.Time // drives the unlock cooldown
}

// Vault is safe for concurrent use.
type Vault struct {
	mu       sync.Mutex
	kv       store.Store
	session  *session.Session
	security *security.Manager
	keys     *apikeys.Store
	audit    *audit.Logger
	log      Logger
	now      func() time.Time
}

// New wires a Vault over kv.
func New(kv store.Store, opts Options) *Vault {
	if opts.Session == nil {
		opts.Session = session.New(session.DefaultTimeout)
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	mgr := security.NewManager(kv, opts.Session, security.WithIterations(opts.Iterations))
	return &Vault{
		kv:       kv,
		session:  opts.Session,
		security: mgr,
		keys:     apikeys.New(kv, mgr, apikeys.WithLogger(opts.Logger)),
		audit:    opts.Audit,
		log:      opts.Logger,
		now:      opts.Now,
	}
}

// OpenOptions configures Open.
type OpenOptions struct {
	SessionTimeout time.Duration
	Iterations     int
	Source         string // audit source tag, audit.SourceCLI by default
	Logger         Logger
}

// Open opens the SQLite store and audit log under dataDir and migrates any
// legacy plaintext API keys.
func Open(dataDir string, opts OpenOptions) (*Vault, error) {
	kv, err := store.OpenSQLite(dataDir)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	if opts.Source == "" {
		opts.Source = audit.SourceCLI
	}

	auditLog, err := audit.Open(filepath.Join(dataDir, AuditDirName), opts.Source)
	if err != nil {
		opts.Logger.Warnf("audit log disabled: %v", err)
		auditLog = nil
	}

	v := New(kv, Options{
		Session:    session.New(opts.SessionTimeout),
		Iterations: opts.Iterations,
		Audit:      auditLog,
		Logger:     opts.Logger,
	})
	v.checkAndWarnPermissions(dataDir)
	v.migratePlaintext()
	return v, nil
}

// Close releases the store. The session is locked first.
func (v *Vault) Close() error {
	v.session.Lock()
	return v.kv.Close()
}

// Store returns the underlying key/value store.
func (v *Vault) Store() store.Store { return v.kv }

// Session returns the session.
func (v *Vault) Session() *session.Session { return v.session }

// Security returns the password lifecycle manager.
func (v *Vault) Security() *security.Manager { return v.security }

// APIKeys returns the API-key store.
func (v *Vault) APIKeys() *apikeys.Store { return v.keys }

// Audit returns the audit logger, or nil when disabled.
func (v *Vault) Audit() *audit.Logger { return v.audit }

// Unlock checks password and unlocks the session. A wrong password returns
// false, nil unless it triggers a cooldown.
func (v *Vault) Unlock(password string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if remaining := v.remainingCooldownLocked(); remaining > 0 {
		v.logAudit(audit.OpSecurityUnlock, audit.ResultDenied, "", ErrCooldownActive)
		return false, fmt.Errorf("%w: please wait %v", ErrCooldownActive, remaining.Round(time.Second))
	}

	ok, err := v.security.UnlockWithPassword(password)
	if err != nil {
		v.logAudit(audit.OpSecurityUnlockFailed, audit.ResultError, "", err)
		return false, err
	}
	if !ok {
		v.logAudit(audit.OpSecurityUnlockFailed, audit.ResultError, "", security.ErrIncorrectPassword)
		cooldown, recordErr := v.recordFailedAttemptLocked()
		if recordErr != nil {
			v.log.Warnf("failed to record unlock attempt: %v", recordErr)
		}
		if cooldown > 0 {
			return false, fmt.Errorf("%w: cooldown activated for %v", ErrTooManyAttempts, cooldown.Round(time.Second))
		}
		return false, nil
	}

	if err := v.clearLockStateLocked(); err != nil {
		v.log.Warnf("failed to clear lock state: %v", err)
	}
	v.logAudit(audit.OpSecurityUnlock, audit.ResultSuccess, "", nil)
	v.migratePlaintext()
	return true, nil
}

// Lock locks the session.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.session.IsUnlocked() {
		v.logAudit(audit.OpSecurityLock, audit.ResultSuccess, "", nil)
	}
	v.security.LockSession()
}

// EnablePasswordProtection moves the API-key store from the legacy key to a
// key derived from password and removes the legacy key.
func (v *Vault) EnablePasswordProtection(password string) error {
	if err := security.CheckPassword(password); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.security.IsEnabled() {
		return ErrAlreadyEnabled
	}

	err := v.withRollback(audit.OpSecuritySetup, func() error {
		if err := v.security.SetupPassword(password); err != nil {
			return err
		}
		newKey := v.session.Key()
		if newKey == nil {
			return security.ErrSessionLocked
		}
		defer crypto.SecureWipe(newKey)

		if err := v.keys.Reencrypt(nil, newKey); err != nil {
			return err
		}
		return v.keys.DeleteLegacyKey()
	})
	if err != nil {
		return err
	}
	v.logAudit(audit.OpSecuritySetup, audit.ResultSuccess, "", nil)
	return nil
}

// DisablePasswordProtection moves the API-key store back to the legacy key.
// With protection on, the session must be unlocked. It is idempotent.
func (v *Vault) DisablePasswordProtection() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.security.IsEnabled() {
		return v.security.DisablePasswordProtection()
	}

	key := v.session.Key()
	if key == nil {
		v.logAudit(audit.OpSecurityDisable, audit.ResultDenied, "", security.ErrSessionLocked)
		return security.ErrSessionLocked
	}
	defer crypto.SecureWipe(key)

	err := v.withRollback(audit.OpSecurityDisable, func() error {
		if err := v.keys.Reencrypt(key, nil); err != nil {
			return err
		}
		return v.security.DisablePasswordProtection()
	})
	if err != nil {
		return err
	}
	v.logAudit(audit.OpSecurityDisable, audit.ResultSuccess, "", nil)
	return nil
}

// ChangePassword re-keys everything from oldPassword to newPassword. A wrong
// old password returns false, nil and changes nothing.
func (v *Vault) ChangePassword(oldPassword, newPassword string) (bool, error) {
	if err := security.CheckPassword(newPassword); err != nil {
		return false, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.security.IsEnabled() {
		return false, security.ErrNotEnabled
	}

	oldKey, err := v.security.VerifyPassword(oldPassword)
	if errors.Is(err, security.ErrIncorrectPassword) {
		v.logAudit(audit.OpSecurityChangePassword, audit.ResultError, "", err)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer crypto.SecureWipe(oldKey)

	err = v.withRollback(audit.OpSecurityChangePassword, func() error {
		if err := v.security.SetupPassword(newPassword); err != nil {
			return err
		}
		newKey := v.session.Key()
		if newKey == nil {
			return security.ErrSessionLocked
		}
		defer crypto.SecureWipe(newKey)
		return v.keys.Reencrypt(oldKey, newKey)
	})
	if err != nil {
		return false, err
	}
	v.logAudit(audit.OpSecurityChangePassword, audit.ResultSuccess, "", nil)
	return true, nil
}

// Status is a non-sensitive summary for display.
type Status struct {
	State             string    `json:"state"`
	KeySource         string    `json:"key_source"`
	Enabled           bool      `json:"enabled"`
	Unlocked          bool      `json:"unlocked"`
	HasAPIKeys        bool      `json:"has_api_keys"`
	LegacyKeyPresent  bool      `json:"legacy_key_present"`
	Iterations        int       `json:"iterations,omitempty"`
	SessionTimeout    int       `json:"session_timeout_minutes"`
	ExpiresAt         time.Time `json:"expires_at,omitempty"`
	FailedAttempts    int       `json:"failed_attempts,omitempty"`
	CooldownRemaining string    `json:"cooldown_remaining,omitempty"`
}

// Status reports the current protection state.
func (v *Vault) Status() (*Status, error) {
	cfg, err := v.security.Config()
	if err != nil {
		return nil, err
	}

	st := &Status{
		State:            v.security.State().String(),
		KeySource:        cfg.KeySource().String(),
		Enabled:          cfg != nil && cfg.Enabled,
		LegacyKeyPresent: v.keys.HasLegacyKey(),
		SessionTimeout:   int(v.session.Timeout() / time.Minute),
	}
	if cfg != nil {
		st.Iterations = cfg.Iterations
	}

	sst := v.session.State()
	st.Unlocked = sst.Unlocked
	st.ExpiresAt = sst.ExpiresAt
	st.HasAPIKeys = v.keys.HasAPIKeys()

	if lock, err := v.loadLockState(); err == nil {
		st.FailedAttempts = lock.FailedAttempts
	}
	if remaining := v.RemainingCooldown(); remaining > 0 {
		st.CooldownRemaining = remaining.Round(time.Second).String()
	}
	return st, nil
}

// snapshot holds the values of protectedKeys (nil = absent) and the session.
type snapshot struct {
	values  map[string]*string
	session *session.Snapshot
}

func (v *Vault) takeSnapshot() (*snapshot, error) {
	sn := &snapshot{values: make(map[string]*string, len(protectedKeys))}
	for _, k := range protectedKeys {
		val, err := v.kv.Get(k)
		if errors.Is(err, store.ErrNotFound) {
			sn.values[k] = nil
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("vault: failed to snapshot %s: %w", k, err)
		}
		sn.values[k] = &val
	}
	sn.session = v.session.Snapshot()
	return sn, nil
}

func (v *Vault) restore(sn *snapshot) error {
	defer sn.session.Discard()
	v.session.Restore(sn.session)

	return v.kv.Update(func(tx store.KV) error {
		for k, val := range sn.values {
			if val == nil {
				if err := tx.Delete(k); err != nil {
					return err
				}
				continue
			}
			if err := tx.Put(k, *val); err != nil {
				return err
			}
		}
		return nil
	})
}

// withRollback runs fn and restores the snapshot if it fails.
func (v *Vault) withRollback(op string, fn func() error) error {
	sn, err := v.takeSnapshot()
	if err != nil {
		return err
	}

	if err := fn(); err != nil {
		v.logAudit(op, audit.ResultError, "", err)
		if rbErr := v.restore(sn); rbErr != nil {
			v.logAudit(audit.OpSecurityRollback, audit.ResultError, "", rbErr)
			return fmt.Errorf("%w: %v (after: %v)", ErrRollbackFailed, rbErr, err)
		}
		v.logAudit(audit.OpSecurityRollback, audit.ResultSuccess, "", nil)
		return err
	}
	sn.session.Discard()
	return nil
}

func (v *Vault) migratePlaintext() {
	migrated, err := v.keys.MigrateFromPlaintext()
	if err != nil {
		v.log.Warnf("plaintext API key migration failed: %v", err)
		return
	}
	if migrated {
		v.logAudit(audit.OpAPIKeyMigrate, audit.ResultSuccess, "", nil)
	}
}

// LogEvent records op in the audit log if one is configured. Audit failures
// only warn.
func (v *Vault) LogEvent(op, result, subject string, cause error) {
	v.logAudit(op, result, subject, cause)
}

func (v *Vault) logAudit(op, result, subject string, cause error) {
	if v.audit == nil {
		return
	}
	if err := v.audit.Log(op, result, subject, cause, nil); err != nil {
		v.log.Warnf("failed to write audit log: %v", err)
	}
}

// checkAndWarnPermissions warns when the database or audit key are readable
// by group or others. Advisory only.
func (v *Vault) checkAndWarnPermissions(dataDir string) {
	files := []string{
		store.DBFileName,
		filepath.Join(AuditDirName, audit.KeyFileName),
	}
	for _, name := range files {
		info, err := os.Stat(filepath.Join(dataDir, name))
		if err != nil {
			continue
		}
		if perm := info.Mode().Perm(); perm&0077 != 0 {
			v.log.Warnf("%s has insecure permissions %04o (expected 0600)", name, perm)
		}
	}
}
