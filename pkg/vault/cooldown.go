package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forest6511/horizen/pkg/store"
)

// Unlock cooldown thresholds, counted in cumulative failed attempts.
const (
	CooldownThreshold1 = 5
	CooldownThreshold2 = 10
	CooldownThreshold3 = 20

	CooldownDuration1 = 30 * time.Second
	CooldownDuration2 = 5 * time.Minute
	CooldownDuration3 = 30 * time.Minute
)

// LockState tracks failed unlock attempts. It is stored as JSON under
// store.KeySecurityLockout and cleared by a successful unlock.
type LockState struct {
	FailedAttempts int       `json:"failed_attempts"`
	LastAttempt    time.Time `json:"last_attempt"`
	CooldownUntil  time.Time `json:"cooldown_until"`
	LockoutCount   int       `json:"lockout_count"`
}

func (v *Vault) loadLockState() (*LockState, error) {
	data, err := v.kv.Get(store.KeySecurityLockout)
	if errors.Is(err, store.ErrNotFound) {
		return &LockState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vault: failed to read lock state: %w", err)
	}

	var state LockState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		// Corrupted lock state resets the counter.
		return &LockState{}, nil
	}
	return &state, nil
}

func (v *Vault) saveLockState(state *LockState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("vault: failed to marshal lock state: %w", err)
	}
	if err := v.kv.Put(store.KeySecurityLockout, string(data)); err != nil {
		return fmt.Errorf("vault: failed to write lock state: %w", err)
	}
	return nil
}

func (v *Vault) clearLockStateLocked() error {
	if err := v.kv.Delete(store.KeySecurityLockout); err != nil {
		return fmt.Errorf("vault: failed to clear lock state: %w", err)
	}
	return nil
}

// recordFailedAttemptLocked counts a failed unlock and returns the cooldown
// it started, if any.
func (v *Vault) recordFailedAttemptLocked() (time.Duration, error) {
	state, err := v.loadLockState()
	if err != nil {
		return 0, err
	}

	now := v.now()
	state.FailedAttempts++
	state.LastAttempt = now

	var cooldown time.Duration
	switch {
	case state.FailedAttempts >= CooldownThreshold3:
		cooldown = CooldownDuration3
	case state.FailedAttempts >= CooldownThreshold2:
		cooldown = CooldownDuration2
	case state.FailedAttempts >= CooldownThreshold1:
		cooldown = CooldownDuration1
	}
	if cooldown > 0 {
		state.CooldownUntil = now.Add(cooldown)
		state.LockoutCount++
	}

	if err := v.saveLockState(state); err != nil {
		return cooldown, err
	}
	return cooldown, nil
}

// LockState returns the failed-attempt counters for display.
func (v *Vault) LockState() (*LockState, error) {
	return v.loadLockState()
}

// RemainingCooldown returns how long unlock stays refused, or 0.
func (v *Vault) RemainingCooldown() time.Duration {
	return v.remainingCooldownLocked()
}

func (v *Vault) remainingCooldownLocked() time.Duration {
	state, err := v.loadLockState()
	if err != nil {
		return 0
	}
	now := v.now()
	if state.CooldownUntil.IsZero() || !now.Before(state.CooldownUntil) {
		return 0
	}
	return state.CooldownUntil.Sub(now)
}
