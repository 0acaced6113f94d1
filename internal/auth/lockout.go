package auth

import "time"

// Policy holds the progressive-lockout thresholds. All methods are pure
// functions of their arguments; expiry is decided lazily at read time and no
// unlock mutation ever runs.
type Policy struct {
	MaxAttempts  int
	LockDuration time.Duration
}

// DefaultPolicy locks an account for 15 minutes after 5 failed attempts.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, LockDuration: 15 * time.Minute}
}

// Locked reports whether the lockout window is still open. A nil or past
// timestamp means not locked.
func (p Policy) Locked(lockedUntil *time.Time, now time.Time) bool {
	return lockedUntil != nil && lockedUntil.After(now)
}

// ShouldLock reports whether the failure count has reached the threshold.
func (p Policy) ShouldLock(failedAttempts int) bool {
	return failedAttempts >= p.MaxAttempts
}

// LockoutEnd returns when a lock imposed now would expire.
func (p Policy) LockoutEnd(now time.Time) time.Time {
	return now.Add(p.LockDuration)
}

// Remaining returns how long the current lock has left, or zero when unlocked.
func (p Policy) Remaining(lockedUntil *time.Time, now time.Time) time.Duration {
	if !p.Locked(lockedUntil, now) {
		return 0
	}
	return lockedUntil.Sub(now)
}
