// Package store provides the persistent key/value storage behind horizen.
//
// Values are opaque strings addressed by logical keys such as
// "security:config" or "api:keys:encrypted". Two backends exist: a SQLite
// database for real use and an in-memory map for tests. Both support atomic
// multi-key updates through Update.
package store

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// Logical keys shared by the packages that persist state.
const (
	KeySecurityConfig       = "security:config"
	KeySecurityVerification = "security:verification"
	KeySecurityLockout      = "security:lockout"
	KeyAPIKeysEncrypted     = "api:keys:encrypted"
	KeyAPIKeysPlaintext     = "api:keys"
	KeyLegacyCryptoKey      = "crypto:key"
	KeyPreferences          = "preferences"
	PrefixBackup            = "backup:"
	PrefixWidget            = "widget:"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// KV is the set of operations available both on a Store and inside an
// Update transaction.
type KV interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(key string) (string, error)
	// Put stores value under key, replacing any previous value.
	Put(key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
	// List returns all keys starting with prefix in ascending order.
	List(prefix string) ([]string, error)
}

// Store is a KV that can apply several writes atomically.
type Store interface {
	KV
	// Update runs fn against a transactional view. If fn returns an error
	// none of its writes are applied.
	Update(fn func(tx KV) error) error
	// Close releases underlying resources.
	Close() error
}

// Exists reports whether key is present in kv.
func Exists(kv KV, key string) (bool, error) {
	_, err := kv.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Memory is an in-memory Store.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Put(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) List(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return listKeys(m.data, prefix), nil
}

// Update applies fn to a copy of the data and swaps it in on success.
func (m *Memory) Update(fn func(tx KV) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{data: make(map[string]string, len(m.data))}
	for k, v := range m.data {
		tx.data[k] = v
	}
	if err := fn(tx); err != nil {
		return err
	}
	m.data = tx.data
	return nil
}

func (m *Memory) Close() error { return nil }

// memTx is the unlocked view handed to Memory.Update callbacks.
type memTx struct {
	data map[string]string
}

func (t *memTx) Get(key string) (string, error) {
	v, ok := t.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (t *memTx) Put(key, value string) error {
	t.data[key] = value
	return nil
}

func (t *memTx) Delete(key string) error {
	delete(t.data, key)
	return nil
}

func (t *memTx) List(prefix string) ([]string, error) {
	return listKeys(t.data, prefix), nil
}

func listKeys(data map[string]string, prefix string) []string {
	keys := make([]string, 0)
	for k := range data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
