package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tavolo.app/internal/mail"
	"tavolo.app/internal/obs"
	"tavolo.app/internal/token"
)

// Outcome identifies the terminal state of a login attempt. Callers branch on
// this closed set instead of matching error strings.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTwoFactorRequired
	OutcomeInvalidCredentials
	OutcomeNotVerified
	OutcomeLocked
	OutcomeInvalidTwoFactorCode
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTwoFactorRequired:
		return "two_factor_required"
	case OutcomeInvalidCredentials:
		return "invalid_credentials"
	case OutcomeNotVerified:
		return "not_verified"
	case OutcomeLocked:
		return "locked"
	case OutcomeInvalidTwoFactorCode:
		return "invalid_two_factor_code"
	}
	return "unknown"
}

// LoginRequest carries one authentication attempt.
type LoginRequest struct {
	Email         string
	Password      string
	TwoFactorCode string
	IP            string
	UserAgent     string
}

// LoginResult is the tagged outcome of Authenticate. Token and ExpiresAt are
// set only on OutcomeSuccess; RemainingAttempts only on
// OutcomeInvalidCredentials while attempts remain; RetryAfter only on
// OutcomeLocked.
type LoginResult struct {
	Outcome           Outcome
	Token             string
	ExpiresAt         time.Time
	AccountID         string
	Role              Role
	RemainingAttempts int
	RetryAfter        time.Duration
}

// Tokens is the slice of the security token service the engine needs.
type Tokens interface {
	Issue(ctx context.Context, email string, purpose token.Purpose) (string, error)
	Validate(ctx context.Context, email string, purpose token.Purpose, code string) error
}

// Failure reasons recorded in login history.
const (
	reasonWrongPassword = "wrong_password"
)

// Service orchestrates a login attempt through credential check, lockout
// check and two-factor challenge. All domain outcomes surface on LoginResult;
// an error return means the credential store itself failed and no decision
// could be made.
type Service struct {
	store  Store
	tokens Tokens
	mailer mail.Sender
	issuer *SessionIssuer
	policy Policy
	now    func() time.Time
}

// ServiceOption configures Service.
type ServiceOption func(*Service)

// WithPolicy overrides the lockout policy.
func WithPolicy(p Policy) ServiceOption {
	return func(s *Service) {
		if p.MaxAttempts > 0 && p.LockDuration > 0 {
			s.policy = p
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the authentication engine.
func NewService(store Store, tokens Tokens, mailer mail.Sender, issuer *SessionIssuer, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if tokens == nil {
		return nil, errors.New("auth: token service is required")
	}
	if mailer == nil {
		return nil, errors.New("auth: mailer is required")
	}
	if issuer == nil {
		return nil, errors.New("auth: session issuer is required")
	}
	svc := &Service{
		store:  store,
		tokens: tokens,
		mailer: mailer,
		issuer: issuer,
		policy: DefaultPolicy(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Policy returns the active lockout policy.
func (s *Service) Policy() Policy {
	return s.policy
}

// Authenticate runs one login attempt to a terminal outcome. Side effects are
// applied only on the terminal branches: a wrong password mutates the failure
// counter and may impose a lock, success resets them. Lock and activation
// checks are read-only.
func (s *Service) Authenticate(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	email := NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		return s.finish(&LoginResult{Outcome: OutcomeInvalidCredentials}), nil
	}

	account, err := s.store.Accounts().FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Same shape and same bcrypt cost as a wrong password so
			// neither the message nor the latency reveals whether the
			// address is registered.
			burnPasswordCheck(req.Password)
			return s.finish(&LoginResult{Outcome: OutcomeInvalidCredentials}), nil
		}
		return nil, fmt.Errorf("find account: %w", err)
	}
	if account.PasswordHash == "" {
		burnPasswordCheck(req.Password)
		return s.finish(&LoginResult{Outcome: OutcomeInvalidCredentials}), nil
	}

	if !account.IsActive {
		return s.finish(&LoginResult{Outcome: OutcomeNotVerified}), nil
	}

	now := s.now().UTC()
	if s.policy.Locked(account.LockedUntil, now) {
		// The password is deliberately not checked while locked.
		return s.finish(&LoginResult{
			Outcome:    OutcomeLocked,
			RetryAfter: s.policy.Remaining(account.LockedUntil, now),
		}), nil
	}

	if err := VerifyPassword(account.PasswordHash, req.Password); err != nil {
		return s.recordFailure(ctx, account, req, now)
	}

	if account.TwoFactorEnabled {
		if req.TwoFactorCode == "" {
			return s.challengeTwoFactor(ctx, account)
		}
		if err := s.tokens.Validate(ctx, account.Email, token.PurposeTwoFactor, req.TwoFactorCode); err != nil {
			if errors.Is(err, token.ErrCodeInvalid) {
				// Two-factor failures are tracked by the token service, not
				// the password failure counter.
				return s.finish(&LoginResult{Outcome: OutcomeInvalidTwoFactorCode}), nil
			}
			return nil, fmt.Errorf("validate two-factor code: %w", err)
		}
	}

	return s.grantSession(ctx, account, req, now)
}

func (s *Service) recordFailure(ctx context.Context, account *Account, req LoginRequest, now time.Time) (*LoginResult, error) {
	state, err := s.store.Accounts().RecordLoginFailure(ctx, account.ID, s.policy.MaxAttempts, s.policy.LockoutEnd(now))
	if err != nil {
		return nil, fmt.Errorf("record login failure: %w", err)
	}
	s.appendHistory(ctx, &LoginAttempt{
		AccountID:  account.ID,
		Email:      account.Email,
		OccurredAt: now,
		Success:    false,
		Reason:     reasonWrongPassword,
		IP:         req.IP,
		UserAgent:  req.UserAgent,
	})
	if s.policy.Locked(state.LockedUntil, now) {
		obs.ObserveLockout()
		return s.finish(&LoginResult{
			Outcome:    OutcomeLocked,
			RetryAfter: s.policy.Remaining(state.LockedUntil, now),
		}), nil
	}
	remaining := s.policy.MaxAttempts - state.FailedAttempts
	if remaining < 0 {
		remaining = 0
	}
	return s.finish(&LoginResult{
		Outcome:           OutcomeInvalidCredentials,
		RemainingAttempts: remaining,
	}), nil
}

func (s *Service) challengeTwoFactor(ctx context.Context, account *Account) (*LoginResult, error) {
	code, err := s.tokens.Issue(ctx, account.Email, token.PurposeTwoFactor)
	switch {
	case errors.Is(err, token.ErrIssueRateLimited):
		// The previously mailed code is still live; re-prompt without
		// rotating it.
		return s.finish(&LoginResult{Outcome: OutcomeTwoFactorRequired}), nil
	case err != nil:
		return nil, fmt.Errorf("issue two-factor code: %w", err)
	}
	s.dispatch(ctx, mail.Message{
		To:      account.Email,
		Subject: "Your Tavolo login code",
		HTML:    fmt.Sprintf("<p>Your login code is <strong>%s</strong>. It expires in 10 minutes.</p>", code),
	})
	return s.finish(&LoginResult{Outcome: OutcomeTwoFactorRequired}), nil
}

func (s *Service) grantSession(ctx context.Context, account *Account, req LoginRequest, now time.Time) (*LoginResult, error) {
	if err := s.store.Accounts().RecordLoginSuccess(ctx, account.ID, now); err != nil {
		return nil, fmt.Errorf("record login success: %w", err)
	}
	s.appendHistory(ctx, &LoginAttempt{
		AccountID:  account.ID,
		Email:      account.Email,
		OccurredAt: now,
		Success:    true,
		IP:         req.IP,
		UserAgent:  req.UserAgent,
	})
	signed, expiresAt, err := s.issuer.Issue(account.ID, account.Role)
	if err != nil {
		return nil, fmt.Errorf("issue session: %w", err)
	}
	return s.finish(&LoginResult{
		Outcome:   OutcomeSuccess,
		Token:     signed,
		ExpiresAt: expiresAt,
		AccountID: account.ID,
		Role:      account.Role,
	}), nil
}

// RequestEmailVerification issues a fresh verification code and mails it.
// Unknown and already-active addresses succeed silently so the endpoint
// cannot be used to probe for registered emails.
func (s *Service) RequestEmailVerification(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	if email == "" {
		return ErrInvalidInput
	}
	account, err := s.store.Accounts().FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("find account: %w", err)
	}
	if account.IsActive {
		return nil
	}
	code, err := s.tokens.Issue(ctx, email, token.PurposeVerify)
	if err != nil {
		if errors.Is(err, token.ErrIssueRateLimited) {
			return err
		}
		return fmt.Errorf("issue verification code: %w", err)
	}
	s.dispatch(ctx, mail.Message{
		To:      email,
		Subject: "Verify your Tavolo account",
		HTML:    fmt.Sprintf("<p>Use this code to verify your account: <strong>%s</strong></p>", code),
	})
	return nil
}

// ConfirmEmailVerification consumes a verification code and activates the
// account.
func (s *Service) ConfirmEmailVerification(ctx context.Context, email, code string) error {
	email = NormalizeEmail(email)
	if email == "" || code == "" {
		return token.ErrCodeInvalid
	}
	account, err := s.store.Accounts().FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return token.ErrCodeInvalid
		}
		return fmt.Errorf("find account: %w", err)
	}
	if err := s.tokens.Validate(ctx, email, token.PurposeVerify, code); err != nil {
		return err
	}
	if err := s.store.Accounts().SetActive(ctx, account.ID, true); err != nil {
		return fmt.Errorf("activate account: %w", err)
	}
	return nil
}

// RequestPasswordReset issues a reset code and mails it. Unknown addresses
// succeed silently.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	if email == "" {
		return ErrInvalidInput
	}
	if _, err := s.store.Accounts().FindByEmail(ctx, email); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("find account: %w", err)
	}
	code, err := s.tokens.Issue(ctx, email, token.PurposeReset)
	if err != nil {
		if errors.Is(err, token.ErrIssueRateLimited) {
			return err
		}
		return fmt.Errorf("issue reset code: %w", err)
	}
	s.dispatch(ctx, mail.Message{
		To:      email,
		Subject: "Reset your Tavolo password",
		HTML:    fmt.Sprintf("<p>Use this code to reset your password: <strong>%s</strong>. It expires in 1 hour.</p>", code),
	})
	return nil
}

// ResetPassword consumes a reset code and replaces the stored hash. The store
// clears the failure counter and lock alongside the hash.
func (s *Service) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	email = NormalizeEmail(email)
	if email == "" || newPassword == "" {
		return ErrInvalidInput
	}
	if code == "" {
		return token.ErrCodeInvalid
	}
	account, err := s.store.Accounts().FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return token.ErrCodeInvalid
		}
		return fmt.Errorf("find account: %w", err)
	}
	if err := s.tokens.Validate(ctx, email, token.PurposeReset, code); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.Accounts().UpdatePassword(ctx, account.ID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// finish counts the terminal outcome before handing the result back.
func (s *Service) finish(result *LoginResult) *LoginResult {
	obs.ObserveLogin(result.Outcome.String())
	return result
}

// appendHistory logs and swallows failures: the audit trail is diagnostic and
// must never block the authentication decision.
func (s *Service) appendHistory(ctx context.Context, attempt *LoginAttempt) {
	if err := s.store.LoginHistory().Append(ctx, attempt); err != nil {
		obs.LogEvent(map[string]any{
			"level": "error",
			"msg":   "login history append failed",
			"error": err.Error(),
		})
	}
}

// dispatch sends fire-and-forget: a mail failure is logged and the
// authentication flow continues.
func (s *Service) dispatch(ctx context.Context, msg mail.Message) {
	if err := s.mailer.Send(ctx, msg); err != nil {
		obs.LogEvent(map[string]any{
			"level": "error",
			"msg":   "mail dispatch failed",
			"to":    msg.To,
			"error": err.Error(),
		})
	}
}
