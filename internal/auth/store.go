package auth

import (
	"context"
	"time"
)

// Store describes the persistence operations required by the authentication
// core. The storage technology behind it is deliberately opaque.
type Store interface {
	Accounts() AccountStore
	LoginHistory() LoginHistoryStore
}

// FailureState is the account state after a recorded login failure.
type FailureState struct {
	FailedAttempts int
	LockedUntil    *time.Time
}

// AccountStore manages account auth fields.
type AccountStore interface {
	Create(ctx context.Context, a *Account) error
	Find(ctx context.Context, id string) (*Account, error)
	FindByEmail(ctx context.Context, email string) (*Account, error)

	// RecordLoginFailure increments the failure counter and, when the new
	// count reaches maxAttempts, sets the lockout expiry in the same
	// statement. The update must be atomic so concurrent failures cannot
	// under-count past the threshold.
	RecordLoginFailure(ctx context.Context, accountID string, maxAttempts int, lockUntil time.Time) (FailureState, error)

	// RecordLoginSuccess resets the failure counter, clears any lock and
	// stamps the last-login time.
	RecordLoginSuccess(ctx context.Context, accountID string, at time.Time) error

	SetActive(ctx context.Context, accountID string, active bool) error

	// UpdatePassword replaces the stored hash. A successful reset proves
	// control of the mailbox, so it also clears the failure counter and lock.
	UpdatePassword(ctx context.Context, accountID, passwordHash string) error
}

// LoginHistoryStore appends immutable attempt records.
type LoginHistoryStore interface {
	Append(ctx context.Context, attempt *LoginAttempt) error
}
