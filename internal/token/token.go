// Package token issues and validates single-use, time-boxed security codes
// keyed by (subject email, purpose). At most one live code exists per key;
// issuing a new one invalidates its predecessor, and a successful validation
// consumes the code permanently.
package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"tavolo.app/internal/ids"
	"tavolo.app/internal/obs"
)

// Purpose identifies what a security code authorizes.
type Purpose string

const (
	// PurposeTwoFactor codes are short numeric strings typed interactively.
	PurposeTwoFactor Purpose = "two_factor"
	// PurposeReset codes are long random strings embedded in reset links.
	PurposeReset Purpose = "password_reset"
	// PurposeVerify codes are long random strings embedded in verification links.
	PurposeVerify Purpose = "email_verify"
)

// TTL returns the lifetime for codes of this purpose.
func (p Purpose) TTL() time.Duration {
	switch p {
	case PurposeTwoFactor:
		return 10 * time.Minute
	case PurposeReset:
		return time.Hour
	case PurposeVerify:
		return 24 * time.Hour
	}
	return 10 * time.Minute
}

var (
	// ErrCodeInvalid covers wrong, expired and already-consumed codes alike so
	// responses cannot be used as an expiry oracle.
	ErrCodeInvalid = errors.New("token: invalid or expired code")
	// ErrIssueRateLimited means issuance for this subject is throttled; any
	// previously issued code stays live.
	ErrIssueRateLimited = errors.New("token: issuance rate limited")
)

// Token is a single-use security code pending validation.
type Token struct {
	ID        string
	Email     string
	Purpose   Purpose
	Code      string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Store persists live codes keyed by (email, purpose).
type Store interface {
	// Replace removes any live code for (email, purpose) and saves the new
	// one as a single logical unit, so at most one code is ever valid per key.
	Replace(ctx context.Context, t *Token) error

	// Consume deletes a matching unexpired code. No match — wrong code,
	// expired, or already consumed — is reported uniformly as ErrCodeInvalid.
	Consume(ctx context.Context, email string, purpose Purpose, code string, now time.Time) error
}

// Service generates, persists and consumes security codes.
type Service struct {
	store   Store
	limiter *issueLimiter
	now     func() time.Time
}

// Option configures Service.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithIssueLimit overrides the per-subject issuance throttle.
func WithIssueLimit(burst int, every time.Duration) Option {
	return func(s *Service) {
		s.limiter = newIssueLimiter(burst, every)
	}
}

// NewService constructs a Service over the given store.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("token: store is required")
	}
	svc := &Service{
		store:   store,
		limiter: newIssueLimiter(3, 30*time.Second),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Issue invalidates any live code for (email, purpose), generates a fresh one
// and persists it with the purpose's TTL. The returned code is handed to the
// caller for delivery; it is never logged.
func (s *Service) Issue(ctx context.Context, email string, purpose Purpose) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", errors.New("token: email is required")
	}
	if !s.limiter.allow(email, purpose, s.now()) {
		return "", ErrIssueRateLimited
	}
	code, err := generateCode(purpose)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	now := s.now().UTC()
	t := &Token{
		ID:        ids.New(),
		Email:     email,
		Purpose:   purpose,
		Code:      code,
		ExpiresAt: now.Add(purpose.TTL()),
		CreatedAt: now,
	}
	if err := s.store.Replace(ctx, t); err != nil {
		return "", fmt.Errorf("persist code: %w", err)
	}
	obs.ObserveTokenIssued(string(purpose))
	return code, nil
}

// Validate consumes a matching live code. Success is terminal: a second call
// with the same code fails.
func (s *Service) Validate(ctx context.Context, email string, purpose Purpose, code string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	code = strings.TrimSpace(code)
	if email == "" || code == "" {
		return ErrCodeInvalid
	}
	return s.store.Consume(ctx, email, purpose, code, s.now().UTC())
}

func generateCode(purpose Purpose) (string, error) {
	if purpose == PurposeTwoFactor {
		return numericCode(6)
	}
	return randomCode(32)
}

// numericCode returns a zero-padded decimal string of the given length.
func numericCode(digits int) (string, error) {
	bound := big.NewInt(1)
	for i := 0; i < digits; i++ {
		bound.Mul(bound, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}

// randomCode returns a URL-safe string carrying size bytes of entropy.
func randomCode(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
