package authc

import (
	"sync"
	"time"
)

// LockoutPolicy is the sum type for the account-lock threshold: either
// disabled (no state kept, never locked) or enabled with an inclusive
// failure threshold.
type LockoutPolicy struct {
	enabled   bool
	threshold int
}

// LockoutDisabled returns the policy under which the tracker keeps no
// state and IsLocked always reports false. This is a supported
// configuration, not a degraded mode.
func LockoutDisabled() LockoutPolicy {
	return LockoutPolicy{}
}

// LockoutAfter returns a policy that locks an account once its consecutive
// failure count reaches threshold. The comparison is inclusive: the
// failing attempt that reaches the threshold is itself rejected.
func LockoutAfter(threshold int) LockoutPolicy {
	if threshold <= 0 {
		return LockoutDisabled()
	}
	return LockoutPolicy{enabled: true, threshold: threshold}
}

// Enabled reports whether the policy tracks failures at all.
func (p LockoutPolicy) Enabled() bool {
	return p.enabled
}

// LockoutState is the per-principal failure bookkeeping. The failure count
// is monotonically non-decreasing between resets and never negative.
type LockoutState struct {
	FailedCount  int
	FirstFailure time.Time
}

// LockoutTracker counts consecutive authentication failures per principal
// and enforces the configured policy. All transitions take the tracker
// lock, so concurrent failed attempts never undercount.
type LockoutTracker struct {
	mu     sync.Mutex
	policy LockoutPolicy
	states map[Principal]*LockoutState
	now    func() time.Time
}

// LockoutOption configures LockoutTracker.
type LockoutOption func(*LockoutTracker)

// WithLockoutNow sets a custom time function for testing.
func WithLockoutNow(fn func() time.Time) LockoutOption {
	return func(t *LockoutTracker) {
		if fn != nil {
			t.now = fn
		}
	}
}

// NewLockoutTracker builds a tracker for the given policy.
func NewLockoutTracker(policy LockoutPolicy, opts ...LockoutOption) *LockoutTracker {
	t := &LockoutTracker{
		policy: policy,
		states: make(map[Principal]*LockoutState),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// RecordFailure increments the principal's consecutive failure count and
// reports whether the account is now locked.
func (t *LockoutTracker) RecordFailure(principal Principal) bool {
	if !t.policy.enabled {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.states[principal]
	if state == nil {
		state = &LockoutState{FirstFailure: t.now()}
		t.states[principal] = state
	}
	state.FailedCount++
	return state.FailedCount >= t.policy.threshold
}

// RecordSuccess resets the principal's failure state. A success after a
// lock reopens the account.
func (t *LockoutTracker) RecordSuccess(principal Principal) {
	if !t.policy.enabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, principal)
}

// IsLocked reports whether the principal's failure count has reached the
// threshold. Always false under a disabled policy.
func (t *LockoutTracker) IsLocked(principal Principal) bool {
	if !t.policy.enabled {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.states[principal]
	return state != nil && state.FailedCount >= t.policy.threshold
}

// State returns a copy of the principal's failure bookkeeping for audit
// surfaces. The second result is false when no failures are recorded.
func (t *LockoutTracker) State(principal Principal) (LockoutState, bool) {
	if !t.policy.enabled {
		return LockoutState{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.states[principal]
	if state == nil {
		return LockoutState{}, false
	}
	return *state, true
}

// Unlock is the administrative reset. It clears the principal's failure
// state regardless of the lock status.
func (t *LockoutTracker) Unlock(principal Principal) {
	t.RecordSuccess(principal)
}
