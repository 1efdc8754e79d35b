package session

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestSession(timeout time.Duration) (*Session, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	return New(timeout, WithClock(clock.Now)), clock
}

func TestNewSessionStartsLocked(t *testing.T) {
	s, _ := newTestSession(DefaultTimeout)
	if s.IsUnlocked() {
		t.Error("new session should be locked")
	}
	if s.Key() != nil {
		t.Error("new session should hold no key")
	}
}

func TestUnlockAndLock(t *testing.T) {
	s, _ := newTestSession(DefaultTimeout)
	key := bytes.Repeat([]byte{7}, 32)

	s.Unlock(key)
	if !s.IsUnlocked() {
		t.Fatal("session should be unlocked")
	}
	if got := s.Key(); !bytes.Equal(got, key) {
		t.Errorf("Key() = %v, want %v", got, key)
	}

	// Key returns a copy
	got := s.Key()
	got[0] = 0
	if s.Key()[0] != 7 {
		t.Error("mutating the returned key must not affect the session")
	}

	s.Lock()
	s.Lock()
	if s.IsUnlocked() {
		t.Error("session should be locked")
	}
	if s.Key() != nil {
		t.Error("locked session should hold no key")
	}
}

func TestAutoLockAfterTimeout(t *testing.T) {
	s, clock := newTestSession(10 * time.Minute)
	s.Unlock(bytes.Repeat([]byte{1}, 32))

	clock.Advance(10 * time.Minute)
	if !s.IsUnlocked() {
		t.Fatal("session should still be unlocked at exactly the timeout")
	}

	clock.Advance(time.Second)
	if s.IsUnlocked() {
		t.Error("session should auto-lock after the timeout")
	}
	if s.Key() != nil {
		t.Error("expired session should hold no key")
	}
}

func TestRefreshExtendsSession(t *testing.T) {
	s, clock := newTestSession(10 * time.Minute)
	s.Unlock(bytes.Repeat([]byte{1}, 32))

	clock.Advance(9 * time.Minute)
	s.Refresh()
	clock.Advance(9 * time.Minute)
	if !s.IsUnlocked() {
		t.Error("refresh should extend the session")
	}
}

func TestRefreshWhenLockedIsNoop(t *testing.T) {
	s, _ := newTestSession(DefaultTimeout)
	s.Refresh()
	if s.IsUnlocked() {
		t.Error("Refresh() must not unlock a locked session")
	}
}

func TestRefreshAfterExpiryDoesNotRevive(t *testing.T) {
	s, clock := newTestSession(time.Minute)
	s.Unlock(bytes.Repeat([]byte{1}, 32))
	clock.Advance(2 * time.Minute)
	s.Refresh()
	if s.IsUnlocked() {
		t.Error("Refresh() must not revive an expired session")
	}
}

func TestZeroTimeoutNeverExpires(t *testing.T) {
	s, clock := newTestSession(0)
	s.Unlock(bytes.Repeat([]byte{1}, 32))
	clock.Advance(1000 * time.Hour)
	if !s.IsUnlocked() {
		t.Error("timeout 0 should disable auto-lock")
	}
}

func TestUnlockWithoutKey(t *testing.T) {
	s, _ := newTestSession(DefaultTimeout)
	s.Unlock(bytes.Repeat([]byte{1}, 32))
	s.UnlockWithoutKey()

	if !s.IsUnlocked() {
		t.Error("session should be unlocked")
	}
	if s.Key() != nil {
		t.Error("keyless unlock should drop the previous key")
	}
	if st := s.State(); st.HasKey {
		t.Error("State().HasKey should be false")
	}
}

func TestSnapshotRestore(t *testing.T) {
	s, _ := newTestSession(DefaultTimeout)
	oldKey := bytes.Repeat([]byte{1}, 32)
	s.Unlock(oldKey)

	sn := s.Snapshot()
	defer sn.Discard()

	s.Unlock(bytes.Repeat([]byte{2}, 32))
	s.Restore(sn)
	if got := s.Key(); !bytes.Equal(got, oldKey) {
		t.Errorf("Key() after Restore = %v, want old key", got)
	}

	locked, _ := newTestSession(DefaultTimeout)
	lsn := locked.Snapshot()
	locked.Unlock(oldKey)
	locked.Restore(lsn)
	if locked.IsUnlocked() {
		t.Error("restoring a locked snapshot should lock the session")
	}
}

func TestState(t *testing.T) {
	s, clock := newTestSession(15 * time.Minute)
	if st := s.State(); st.Unlocked || !st.ExpiresAt.IsZero() {
		t.Errorf("locked State() = %+v", st)
	}

	s.Unlock(bytes.Repeat([]byte{1}, 32))
	st := s.State()
	if !st.Unlocked || !st.HasKey {
		t.Errorf("unlocked State() = %+v", st)
	}
	if want := clock.Now().Add(15 * time.Minute); !st.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", st.ExpiresAt, want)
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := New(DefaultTimeout)
	key := bytes.Repeat([]byte{3}, 32)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				switch (i + j) % 4 {
				case 0:
					s.Unlock(key)
				case 1:
					s.Lock()
				case 2:
					if k := s.Key(); k != nil && !bytes.Equal(k, key) {
						t.Errorf("observed partial key %v", k)
					}
				case 3:
					s.Refresh()
				}
			}
		}(i)
	}
	wg.Wait()
}

var _ KeyHolder = (*Session)(nil)
