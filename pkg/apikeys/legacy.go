package apikeys

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/forest6511/horizen/pkg/crypto"
	"github.com/forest6511/horizen/pkg/security"
	"github.com/forest6511/horizen/pkg/store"
)

// loadLegacyKey reads the implicit key from crypto:key. It returns nil, nil
// when none has been generated.
func loadLegacyKey(kv store.KV) ([]byte, error) {
	raw, err := kv.Get(store.KeyLegacyCryptoKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(key) != crypto.KeyLength {
		return nil, fmt.Errorf("%w: legacy key is not %d base64 bytes", security.ErrDataCorrupted, crypto.KeyLength)
	}
	return key, nil
}

// legacyKey returns the implicit key, generating and persisting it on first
// use.
func legacyKey(kv store.KV) ([]byte, error) {
	key, err := loadLegacyKey(kv)
	if err != nil || key != nil {
		return key, err
	}

	key, err = crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := kv.Put(store.KeyLegacyCryptoKey, base64.StdEncoding.EncodeToString(key)); err != nil {
		crypto.SecureWipe(key)
		return nil, fmt.Errorf("apikeys: failed to store legacy key: %w", err)
	}
	return key, nil
}

// HasLegacyKey reports whether an implicit key is stored.
func (s *Store) HasLegacyKey() bool {
	ok, err := store.Exists(s.kv, store.KeyLegacyCryptoKey)
	return err == nil && ok
}

// DeleteLegacyKey removes the implicit key. Callers do this once the store
// has been re-encrypted under a password-derived key.
func (s *Store) DeleteLegacyKey() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Delete(store.KeyLegacyCryptoKey)
}
