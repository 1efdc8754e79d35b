// Package apikeys stores the provider→credential map used by the chat
// client.
//
// The map is persisted only as one encrypted blob under api:keys:encrypted.
// With password protection on it is sealed under the session's derived key
// and is unreadable while locked; with protection off it is sealed under an
// implicit legacy key kept in crypto:key.
package apikeys

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/forest6511/horizen/pkg/crypto"
	"github.com/forest6511/horizen/pkg/security"
	"github.com/forest6511/horizen/pkg/store"
)

// APIKeys maps a provider id such as "openai" to its credential.
type APIKeys map[string]string

// KeyResolver yields the authoritative key. A legacy source comes with a nil
// key; the store supplies the legacy key itself.
type KeyResolver interface {
	Key() ([]byte, security.KeySource, error)
}

// Logger receives warnings from best-effort paths.
type Logger interface {
	Warnf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Warnf(string, ...any) {}

// Store is safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	kv   store.Store
	keys KeyResolver
	log  Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for migration warnings.
func WithLogger(l Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// New returns a Store over kv using keys to find the active key.
func New(kv store.Store, keys KeyResolver, opts ...Option) *Store {
	s := &Store{kv: kv, keys: keys, log: nopLogger{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NormalizeProvider lower-cases and trims a provider id.
func NormalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

// GetAPIKeys decrypts and returns the stored map, or an empty map when none
// exists. It fails with security.ErrSessionLocked while protection is on and
// the session is locked. The ciphertext is never removed on failure.
func (s *Store) GetAPIKeys() (APIKeys, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

func (s *Store) readLocked() (APIKeys, error) {
	blob, err := s.kv.Get(store.KeyAPIKeysEncrypted)
	if errors.Is(err, store.ErrNotFound) {
		// Still refuse while locked so callers cannot probe for existence.
		key, _, err := s.keys.Key()
		if err != nil {
			return nil, err
		}
		crypto.SecureWipe(key)
		return APIKeys{}, nil
	}
	if err != nil {
		return nil, err
	}

	key, err := s.readKeyLocked()
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(key)

	return openKeys(key, blob)
}

// readKeyLocked resolves the key for decryption without creating a legacy
// key.
func (s *Store) readKeyLocked() ([]byte, error) {
	key, src, err := s.keys.Key()
	if err != nil {
		return nil, err
	}
	if src == security.KeySourcePasswordDerived {
		return key, nil
	}
	key, err = loadLegacyKey(s.kv)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("%w: encrypted keys present but legacy key missing", security.ErrDataCorrupted)
	}
	return key, nil
}

// writeKeyLocked resolves the key for encryption, generating the legacy key
// if needed.
func (s *Store) writeKeyLocked() ([]byte, error) {
	key, src, err := s.keys.Key()
	if err != nil {
		return nil, err
	}
	if src == security.KeySourcePasswordDerived {
		return key, nil
	}
	return legacyKey(s.kv)
}

// SaveAPIKeys replaces the stored map. Providers are normalized and empty
// values dropped.
func (s *Store) SaveAPIKeys(keys APIKeys) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(keys)
}

func (s *Store) writeLocked(keys APIKeys) error {
	clean := make(APIKeys, len(keys))
	for provider, value := range keys {
		provider = NormalizeProvider(provider)
		if provider == "" {
			return &security.ValidationError{Field: "provider", Message: "must not be empty"}
		}
		if value == "" {
			continue
		}
		clean[provider] = value
	}

	key, err := s.writeKeyLocked()
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(key)

	blob, err := sealKeys(key, clean)
	if err != nil {
		return err
	}
	return s.kv.Put(store.KeyAPIKeysEncrypted, blob)
}

// UpdateAPIKey sets one provider's credential. An empty value removes it.
func (s *Store) UpdateAPIKey(provider, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	provider = NormalizeProvider(provider)
	if provider == "" {
		return &security.ValidationError{Field: "provider", Message: "must not be empty"}
	}

	current, err := s.readLocked()
	if err != nil {
		return err
	}
	if value == "" {
		delete(current, provider)
	} else {
		current[provider] = value
	}
	return s.writeLocked(current)
}

// ClearAPIKey removes one provider's credential.
func (s *Store) ClearAPIKey(provider string) error {
	return s.UpdateAPIKey(provider, "")
}

// HasAPIKeys reports whether any credential is stored and readable. It never
// fails: locked or unreadable stores report false.
func (s *Store) HasAPIKeys() bool {
	keys, err := s.GetAPIKeys()
	return err == nil && len(keys) > 0
}

// Providers returns the stored provider ids in sorted order.
func (s *Store) Providers() ([]string, error) {
	keys, err := s.GetAPIKeys()
	if err != nil {
		return nil, err
	}
	providers := make([]string, 0, len(keys))
	for p := range keys {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	return providers, nil
}

// HasEncrypted reports whether an encrypted blob is stored.
func (s *Store) HasEncrypted() bool {
	ok, err := store.Exists(s.kv, store.KeyAPIKeysEncrypted)
	return err == nil && ok
}

// MigrateFromPlaintext moves a legacy plaintext map stored under api:keys
// into the encrypted store. It runs only when no encrypted store exists and
// removes the plaintext only when the migration succeeds. Corrupt plaintext
// is treated as absent. It reports whether a migration happened.
func (s *Store) MigrateFromPlaintext() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.kv.Get(store.KeyAPIKeysPlaintext)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if ok, err := store.Exists(s.kv, store.KeyAPIKeysEncrypted); err != nil {
		return false, err
	} else if ok {
		s.log.Warnf("plaintext API keys left in place: encrypted store already exists")
		return false, nil
	}

	var plain APIKeys
	if err := json.Unmarshal([]byte(raw), &plain); err != nil {
		s.log.Warnf("ignoring unreadable plaintext API keys: %v", err)
		return false, nil
	}

	key, err := s.writeKeyLocked()
	if errors.Is(err, security.ErrSessionLocked) {
		s.log.Warnf("plaintext API keys not migrated: session is locked")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer crypto.SecureWipe(key)

	clean := make(APIKeys, len(plain))
	for provider, value := range plain {
		if p := NormalizeProvider(provider); p != "" && value != "" {
			clean[p] = value
		}
	}
	blob, err := sealKeys(key, clean)
	if err != nil {
		return false, err
	}

	err = s.kv.Update(func(tx store.KV) error {
		if err := tx.Put(store.KeyAPIKeysEncrypted, blob); err != nil {
			return err
		}
		return tx.Delete(store.KeyAPIKeysPlaintext)
	})
	if err != nil {
		return false, fmt.Errorf("apikeys: failed to migrate plaintext keys: %w", err)
	}
	return true, nil
}

// Reencrypt decrypts the stored blob under oldKey and seals it under newKey
// with a fresh IV. A nil key means the legacy key. With no stored blob it does
// nothing. A blob that does not open under oldKey fails and is left intact.
func (s *Store) Reencrypt(oldKey, newKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := s.kv.Get(store.KeyAPIKeysEncrypted)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	from := oldKey
	if from == nil {
		if from, err = loadLegacyKey(s.kv); err != nil {
			return err
		}
		if from == nil {
			return fmt.Errorf("%w: legacy key missing", security.ErrDataCorrupted)
		}
		defer crypto.SecureWipe(from)
	}

	plaintext, err := crypto.OpenString(from, blob)
	if err != nil {
		return fmt.Errorf("apikeys: re-encryption failed: %w", security.ClassifyDecryptError(err))
	}
	defer crypto.SecureWipe(plaintext)

	to := newKey
	if to == nil {
		if to, err = legacyKey(s.kv); err != nil {
			return err
		}
		defer crypto.SecureWipe(to)
	}

	sealed, err := crypto.SealString(to, plaintext)
	if err != nil {
		return err
	}
	return s.kv.Put(store.KeyAPIKeysEncrypted, sealed)
}

func sealKeys(key []byte, keys APIKeys) (string, error) {
	data, err := json.Marshal(keys)
	if err != nil {
		return "", fmt.Errorf("apikeys: failed to marshal keys: %w", err)
	}
	defer crypto.SecureWipe(data)
	return crypto.SealString(key, data)
}

func openKeys(key []byte, blob string) (APIKeys, error) {
	data, err := crypto.OpenString(key, blob)
	if err != nil {
		return nil, security.ClassifyDecryptError(err)
	}
	defer crypto.SecureWipe(data)

	keys := APIKeys{}
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("%w: api keys: %v", security.ErrDataCorrupted, err)
	}
	return keys, nil
}
