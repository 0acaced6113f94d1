package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const sessionIssuerName = "tavolo"

const defaultSessionTTL = 24 * time.Hour

// Claims is the refreshed authorization payload attached to a request.
type Claims struct {
	AccountID string
	Role      Role
	ExpiresAt time.Time
}

type sessionClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// SessionIssuer mints signed session tokens and refreshes their claims from
// the credential store on every use.
type SessionIssuer struct {
	store  Store
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// SessionOption configures SessionIssuer.
type SessionOption func(*SessionIssuer)

// WithSessionTTL overrides the absolute session lifetime.
func WithSessionTTL(ttl time.Duration) SessionOption {
	return func(i *SessionIssuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithSessionClock overrides the time source (useful for tests).
func WithSessionClock(fn func() time.Time) SessionOption {
	return func(i *SessionIssuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// NewSessionIssuer constructs a SessionIssuer signing with HS256.
func NewSessionIssuer(store Store, secret []byte, opts ...SessionOption) (*SessionIssuer, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if len(secret) == 0 {
		return nil, errors.New("auth: session secret is required")
	}
	issuer := &SessionIssuer{
		store:  store,
		secret: secret,
		ttl:    defaultSessionTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(issuer)
	}
	return issuer, nil
}

// Issue signs a session token carrying the account id and role.
func (i *SessionIssuer) Issue(accountID string, role Role) (string, time.Time, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return "", time.Time{}, errors.New("auth: accountID is required")
	}
	now := i.now().UTC()
	exp := now.Add(i.ttl)
	claims := sessionClaims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuerName,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session: %w", err)
	}
	return signed, exp, nil
}

// Refresh verifies the token and overlays the account's current role and
// active flag from the store. A deactivated or deleted account yields
// ErrSessionInvalid even though the signature still verifies: the store is
// the authority, not the signature.
func (i *SessionIssuer) Refresh(ctx context.Context, token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrSessionInvalid
	}
	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrSessionInvalid
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now), jwt.WithIssuer(sessionIssuerName))
	if err != nil {
		return Claims{}, ErrSessionInvalid
	}
	sc, ok := parsed.Claims.(*sessionClaims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrSessionInvalid
	}
	subject := strings.TrimSpace(sc.Subject)
	if subject == "" || sc.ExpiresAt == nil {
		return Claims{}, ErrSessionInvalid
	}

	account, err := i.store.Accounts().Find(ctx, subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Claims{}, ErrSessionInvalid
		}
		return Claims{}, fmt.Errorf("refresh session: %w", err)
	}
	if !account.IsActive {
		return Claims{}, ErrSessionInvalid
	}
	return Claims{
		AccountID: account.ID,
		Role:      account.Role,
		ExpiresAt: sc.ExpiresAt.Time,
	}, nil
}
