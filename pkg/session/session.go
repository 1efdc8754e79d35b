// Package session holds the in-memory unlock state of horizen.
//
// A Session records whether the protected data is unlocked, when it was
// unlocked, and the derived key. Nothing here is ever persisted: a new
// process always starts locked. Expiry is checked lazily on access; there is
// no background timer.
package session

import (
	"sync"
	"time"

	"github.com/forest6511/horizen/pkg/crypto"
)

// DefaultTimeout is the idle period after which an unlocked session locks.
const DefaultTimeout = 30 * time.Minute

// KeyHolder is the capability other packages use to consult the session.
type KeyHolder interface {
	Lock()
	Unlock(key []byte)
	IsUnlocked() bool
	Key() []byte
}

// Session is safe for concurrent use.
type Session struct {
	mu         sync.RWMutex
	unlocked   bool
	unlockedAt time.Time
	key        []byte
	timeout    time.Duration
	now        func() time.Time
}

// Option configures a Session.
type Option func(*Session)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// New returns a locked session. A timeout of zero disables auto-lock.
func New(timeout time.Duration, opts ...Option) *Session {
	s := &Session{timeout: timeout, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Timeout returns the configured idle timeout.
func (s *Session) Timeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timeout
}

// SetTimeout changes the idle timeout without touching the unlock state.
func (s *Session) SetTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
}

// Unlock stores a copy of key and marks the session unlocked.
func (s *Session) Unlock(key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wipeLocked()
	s.key = append([]byte(nil), key...)
	s.unlocked = true
	s.unlockedAt = s.now()
}

// UnlockWithoutKey marks the session unlocked with no key. Used when password
// protection is disabled and the legacy key is authoritative.
func (s *Session) UnlockWithoutKey() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wipeLocked()
	s.unlocked = true
	s.unlockedAt = s.now()
}

// Lock wipes the key and marks the session locked. Idempotent.
func (s *Session) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockLocked()
}

// Refresh extends an unlocked session. It does nothing when locked or
// already expired.
func (s *Session) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expireLocked() {
		return
	}
	if s.unlocked {
		s.unlockedAt = s.now()
	}
}

// IsUnlocked reports whether the session is unlocked, locking it first if
// the timeout has elapsed.
func (s *Session) IsUnlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	return s.unlocked
}

// Key returns a copy of the held key, or nil when locked or keyless.
func (s *Session) Key() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expireLocked() || !s.unlocked || s.key == nil {
		return nil
	}
	return append([]byte(nil), s.key...)
}

// State is a non-sensitive view of the session.
type State struct {
	Unlocked   bool      `json:"unlocked"`
	HasKey     bool      `json:"has_key"`
	UnlockedAt time.Time `json:"unlocked_at,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

// State returns the current state, applying expiry first.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()

	st := State{Unlocked: s.unlocked, HasKey: s.key != nil}
	if s.unlocked {
		st.UnlockedAt = s.unlockedAt
		if s.timeout > 0 {
			st.ExpiresAt = s.unlockedAt.Add(s.timeout)
		}
	}
	return st
}

// Snapshot captures the session so a failed compound operation can put it
// back. The snapshot owns its own copy of the key; call Discard when it is no
// longer needed.
type Snapshot struct {
	unlocked   bool
	unlockedAt time.Time
	key        []byte
}

// Discard wipes the key held by the snapshot.
func (sn *Snapshot) Discard() {
	if sn == nil {
		return
	}
	crypto.SecureWipe(sn.key)
	sn.key = nil
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sn := &Snapshot{unlocked: s.unlocked, unlockedAt: s.unlockedAt}
	if s.key != nil {
		sn.key = append([]byte(nil), s.key...)
	}
	return sn
}

// Restore replaces the current state with sn.
func (s *Session) Restore(sn *Snapshot) {
	if sn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wipeLocked()
	s.unlocked = sn.unlocked
	s.unlockedAt = sn.unlockedAt
	if sn.key != nil {
		s.key = append([]byte(nil), sn.key...)
	}
}

// expireLocked locks the session if its timeout has elapsed and reports
// whether it did so. Callers hold s.mu.
func (s *Session) expireLocked() bool {
	if !s.unlocked || s.timeout <= 0 {
		return false
	}
	if s.now().Sub(s.unlockedAt) > s.timeout {
		s.lockLocked()
		return true
	}
	return false
}

func (s *Session) lockLocked() {
	s.wipeLocked()
	s.unlocked = false
	s.unlockedAt = time.Time{}
}

func (s *Session) wipeLocked() {
	if s.key != nil {
		crypto.SecureWipe(s.key)
		s.key = nil
	}
}
