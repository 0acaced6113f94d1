package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tavolo.app/internal/mail"
	"tavolo.app/internal/token"
)

var (
	testNow      = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	testHashOnce sync.Once
	testHash     string
)

const testPassword = "correct horse battery staple"

func passwordHash(t *testing.T) string {
	t.Helper()
	testHashOnce.Do(func() {
		h, err := HashPassword(testPassword)
		if err != nil {
			t.Fatalf("HashPassword: %v", err)
		}
		testHash = h
	})
	return testHash
}

// memStore is an in-memory Store for engine tests.
type memStore struct {
	mu         sync.Mutex
	accounts   map[string]*Account
	byEmail    map[string]string
	history    []*LoginAttempt
	findErr    error
	historyErr error
}

func newMemStore() *memStore {
	return &memStore{
		accounts: make(map[string]*Account),
		byEmail:  make(map[string]string),
	}
}

func (m *memStore) Accounts() AccountStore          { return m }
func (m *memStore) LoginHistory() LoginHistoryStore { return m }

func (m *memStore) add(a *Account) *Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.accounts[cp.ID] = &cp
	m.byEmail[NormalizeEmail(cp.Email)] = cp.ID
	return &cp
}

func (m *memStore) Create(_ context.Context, a *Account) error {
	m.add(a)
	return nil
}

func (m *memStore) Find(_ context.Context, id string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) FindByEmail(_ context.Context, email string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	id, ok := m.byEmail[NormalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.accounts[id]
	return &cp, nil
}

func (m *memStore) RecordLoginFailure(_ context.Context, accountID string, maxAttempts int, lockUntil time.Time) (FailureState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return FailureState{}, ErrNotFound
	}
	a.FailedLoginAttempts++
	if a.FailedLoginAttempts >= maxAttempts {
		t := lockUntil
		a.LockedUntil = &t
	}
	state := FailureState{FailedAttempts: a.FailedLoginAttempts}
	if a.LockedUntil != nil {
		t := *a.LockedUntil
		state.LockedUntil = &t
	}
	return state, nil
}

func (m *memStore) RecordLoginSuccess(_ context.Context, accountID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	a.FailedLoginAttempts = 0
	a.LockedUntil = nil
	t := at
	a.LastLoginAt = &t
	return nil
}

func (m *memStore) SetActive(_ context.Context, accountID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	a.IsActive = active
	return nil
}

func (m *memStore) UpdatePassword(_ context.Context, accountID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	a.PasswordHash = passwordHash
	a.FailedLoginAttempts = 0
	a.LockedUntil = nil
	return nil
}

func (m *memStore) Append(_ context.Context, attempt *LoginAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.historyErr != nil {
		return m.historyErr
	}
	cp := *attempt
	m.history = append(m.history, &cp)
	return nil
}

func (m *memStore) account(t *testing.T, id string) Account {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		t.Fatalf("account %s missing", id)
	}
	return *a
}

type issuedToken struct {
	email   string
	purpose token.Purpose
}

// fakeTokens records issuance and validation calls.
type fakeTokens struct {
	issued      []issuedToken
	code        string
	issueErr    error
	validateErr error
	validated   []issuedToken
}

func (f *fakeTokens) Issue(_ context.Context, email string, purpose token.Purpose) (string, error) {
	if f.issueErr != nil {
		return "", f.issueErr
	}
	f.issued = append(f.issued, issuedToken{email: email, purpose: purpose})
	if f.code == "" {
		return "123456", nil
	}
	return f.code, nil
}

func (f *fakeTokens) Validate(_ context.Context, email string, purpose token.Purpose, _ string) error {
	if f.validateErr != nil {
		return f.validateErr
	}
	f.validated = append(f.validated, issuedToken{email: email, purpose: purpose})
	return nil
}

type engineFixture struct {
	store   *memStore
	tokens  *fakeTokens
	mailer  *mail.Recorder
	service *Service
}

func newEngine(t *testing.T, opts ...ServiceOption) *engineFixture {
	t.Helper()
	store := newMemStore()
	tokens := &fakeTokens{}
	mailer := &mail.Recorder{}
	issuer, err := NewSessionIssuer(store, []byte("test-secret"),
		WithSessionClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("NewSessionIssuer: %v", err)
	}
	allOpts := append([]ServiceOption{WithClock(func() time.Time { return testNow })}, opts...)
	svc, err := NewService(store, tokens, mailer, issuer, allOpts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &engineFixture{store: store, tokens: tokens, mailer: mailer, service: svc}
}

func (f *engineFixture) seedAccount(t *testing.T, mutate func(*Account)) *Account {
	t.Helper()
	a := &Account{
		ID:           "acc-1",
		Email:        "diner@example.com",
		PasswordHash: passwordHash(t),
		IsActive:     true,
		Role:         RoleCustomer,
	}
	if mutate != nil {
		mutate(a)
	}
	return f.store.add(a)
}

func login(t *testing.T, f *engineFixture, req LoginRequest) *LoginResult {
	t.Helper()
	result, err := f.service.Authenticate(context.Background(), req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	return result
}

func TestAuthenticateUnknownEmailIsUniform(t *testing.T) {
	f := newEngine(t)
	f.seedAccount(t, nil)

	unknown := login(t, f, LoginRequest{Email: "ghost@example.com", Password: "whatever"})
	if unknown.Outcome != OutcomeInvalidCredentials {
		t.Fatalf("unexpected outcome: %v", unknown.Outcome)
	}
	if unknown.RemainingAttempts != 0 {
		t.Fatalf("unknown email must not leak attempt state, got %d", unknown.RemainingAttempts)
	}
	if len(f.store.history) != 0 {
		t.Fatalf("no history rows expected for unknown email, got %d", len(f.store.history))
	}
}

func TestAuthenticateAccountWithoutPasswordIsUniform(t *testing.T) {
	f := newEngine(t)
	f.seedAccount(t, func(a *Account) { a.PasswordHash = "" })

	result := login(t, f, LoginRequest{Email: "diner@example.com", Password: testPassword})
	if result.Outcome != OutcomeInvalidCredentials {
		t.Fatalf("unexpected outcome: %v", result.Outcome)
	}
}

func TestAuthenticateRejectionsBurnEqualCost(t *testing.T) {
	orig := burnPasswordCheck
	var burns int
	burnPasswordCheck = func(string) { burns++ }
	defer func() { burnPasswordCheck = orig }()

	f := newEngine(t)
	f.seedAccount(t, nil)
	f.store.add(&Account{ID: "acc-2", Email: "sso-only@example.com", IsActive: true, Role: RoleCustomer})

	login(t, f, LoginRequest{Email: "ghost@example.com", Password: "whatever"})
	if burns != 1 {
		t.Fatalf("unknown email must pay a dummy comparison, got %d", burns)
	}

	login(t, f, LoginRequest{Email: "sso-only@example.com", Password: "whatever"})
	if burns != 2 {
		t.Fatalf("account without a hash must pay a dummy comparison, got %d", burns)
	}

	// A stored hash is compared for real; no extra burn.
	login(t, f, LoginRequest{Email: "diner@example.com", Password: "wrong"})
	if burns != 2 {
		t.Fatalf("known account must not run the dummy comparison, got %d", burns)
	}
}

func TestAuthenticateEmailIsNormalized(t *testing.T) {
	f := newEngine(t)
	f.seedAccount(t, nil)

	result := login(t, f, LoginRequest{Email: "  DINER@Example.COM ", Password: testPassword})
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("unexpected outcome: %v", result.Outcome)
	}
}

func TestAuthenticateInactiveAccount(t *testing.T) {
	f := newEngine(t)
	f.seedAccount(t, func(a *Account) { a.IsActive = false })

	// Correct password, inactive account: distinct outcome, counter untouched.
	result := login(t, f, LoginRequest{Email: "diner@example.com", Password: testPassword})
	if result.Outcome != OutcomeNotVerified {
		t.Fatalf("unexpected outcome: %v", result.Outcome)
	}
	if got := f.store.account(t, "acc-1").FailedLoginAttempts; got != 0 {
		t.Fatalf("inactive account must not accrue failures, got %d", got)
	}
}

func TestAuthenticateWrongPasswordIncrementsAndLogs(t *testing.T) {
	f := newEngine(t)
	f.seedAccount(t, nil)

	result := login(t, f, LoginRequest{
		Email: "diner@example.com", Password: "wrong",
		IP: "203.0.113.9", UserAgent: "test-agent",
	})
	if result.Outcome != OutcomeInvalidCredentials {
		t.Fatalf("unexpected outcome: %v", result.Outcome)
	}
	if result.RemainingAttempts != 4 {
		t.Fatalf("expected 4 remaining attempts, got %d", result.RemainingAttempts)
	}

	account := f.store.account(t, "acc-1")
	if account.FailedLoginAttempts != 1 {
		t.Fatalf("expected 1 failed attempt, got %d", account.FailedLoginAttempts)
	}
	if account.LockedUntil != nil {
		t.Fatal("no lock expected below threshold")
	}

	if len(f.store.history) != 1 {
		t.Fatalf("expected 1 history row, got %d", len(f.store.history))
	}
	row := f.store.history[0]
	if row.Success || row.Reason != "wrong_password" || row.IP != "203.0.113.9" || row.UserAgent != "test-agent" {
		t.Fatalf("unexpected history row: %+v", row)
	}
}

func TestAuthenticateFifthFailureLocks(t *testing.T) {
	f := newEngine(t)
	f.seedAccount(t, func(a *Account) { a.FailedLoginAttempts = 4 })

	result := login(t, f, LoginRequest{Email: "diner@example.com", Password: "wrong"})
	if result.Outcome != OutcomeLocked {
		t.Fatalf("unexpected outcome: %v", result.Outcome)
	}
	if result.RetryAfter != 15*time.Minute {
		t.Fatalf("unexpected retry-after: %v", result.RetryAfter)
	}

	account := f.store.account(t, "acc-1")
	if account.FailedLoginAttempts != 5 {
		t.Fatalf("expected 5 failed attempts, got %d", account.FailedLoginAttempts)
	}
	if account.LockedUntil == nil || !account.LockedUntil.Equal(testNow.Add(15*time.Minute)) {
		t.Fatalf("unexpected lock expiry: %v", account.LockedUntil)
	}
}

func TestAuthenticateLockedRejectsCorrectPassword(t *testing.T) {
	f := newEngine(t)
	until := testNow.Add(10 * time.Minute)
	f.seedAccount(t, func(a *Account) {
		a.FailedLoginAttempts = 5
		a.LockedUntil = &until
	})

	result := login(t, f, LoginRequest{Email: "diner@example.com", Password: testPassword})
	if result.Outcome != OutcomeLocked {
		t.Fatalf("unexpected outcome: %v", result.Outcome)
	}
	if result.RetryAfter != 10*time.Minute {
		t.Fatalf("unexpected retry-after: %v", result.RetryAfter)
	}
	// The lock branch is read-only.
	if got := f.store.account(t, "acc-1").FailedLoginAttempts; got != 5 {
		t.Fatalf("lock check must not mutate the counter, got %d", got)
	}
}

func TestAuthenticateExpiredLockIsIgnored(t *testing.T) {
	f := newEngine(t)
	past := testNow.Add(-time.Minute)
	f.seedAccount(t, func(a *Account) {
		a.FailedLoginAttempts = 5
		a.LockedUntil = &past
	})

	result := login(t, f, LoginRequest{Email: "diner@example.com", Password: testPassword})
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("expired lock must not block login, got %v", result.Outcome)
	}

	account := f.store.account(t, "acc-1")
	if account.FailedLoginAttempts != 0 || account.LockedUntil != nil {
		t.Fatalf("success must reset counter and lock: %+v", account)
	}
	if account.LastLoginAt == nil || !account.LastLoginAt.Equal(testNow) {
		t.Fatalf("last login not stamped: %v", account.LastLoginAt)
	}
}

func TestAuthenticateSuccessAppendsHistoryAndGrantsSession(t *testing.T) {
	f := newEngine(t)
	f.seedAccount(t, func(a *Account) { a.Role = RoleBranchManager })

	result := login(t, f, LoginRequest{Email: "diner@example.com", Password: testPassword})
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("unexpected outcome: %v", result.Outcome)
	}
	if result.Token == "" {
		t.Fatal("expected a session token")
	}
	if result.Role != RoleBranchManager {
		t.Fatalf("unexpected role: %v", result.Role)
	}
	if !result.ExpiresAt.Equal(testNow.Add(24 * time.Hour)) {
		t.Fatalf("unexpected session expiry: %v", result.ExpiresAt)
	}

	if len(f.store.history) != 1 || !f.store.history[0].Success {
		t.Fatalf("expected one successful history row: %+v", f.store.history)
	}
}

func TestAuthenticateTwoFactorChallenge(t *testing.T) {
	f := newEngine(t)
	f.seedAccount(t, func(a *Account) { a.TwoFactorEnabled = true })

	result := login(t, f, LoginRequest{Email: "diner@example.com", Password: testPassword})
	if result.Outcome != OutcomeTwoFactorRequired {
		t.Fatalf("unexpected outcome: %v", result.Outcome)
	}
	if result.Token != "" {
		t.Fatal("no session token before the second factor")
	}

	if len(f.tokens.issued) != 1 {
		t.Fatalf("expected one issued token, got %d", len(f.tokens.issued))
	}
	if got := f.tokens.issued[0]; got.email != "diner@example.com" || got.purpose != token.PurposeTwoFactor {
		t.Fatalf("unexpected token issuance: %+v", got)
	}

	msgs := f.mailer.Messages()
	if len(msgs) != 1 || msgs[0].To != "diner@example.com" {
		t.Fatalf("expected the code to be mailed: %+v", msgs)
	}
}

func TestAuthenticateTwoFactorWrongCode(t *testing.T) {
	f := newEngine(t)
	f.seedAccount(t, func(a *Account) { a.TwoFactorEnabled = true })
	f.tokens.validateErr = token.ErrCodeInvalid

	result := login(t, f, LoginRequest{
		Email: "diner@example.com", Password: testPassword, TwoFactorCode: "000000",
	})
	if result.Outcome != OutcomeInvalidTwoFactorCode {
		t.Fatalf("unexpected outcome: %v", result.Outcome)
	}
	// A failed second factor never feeds the password lockout counter.
	if got := f.store.account(t, "acc-1").FailedLoginAttempts; got != 0 {
		t.Fatalf("2FA failure must not touch the counter, got %d", got)
	}
}

func TestAuthenticateTwoFactorValidCode(t *testing.T) {
	f := newEngine(t)
	f.seedAccount(t, func(a *Account) { a.TwoFactorEnabled = true })

	result := login(t, f, LoginRequest{
		Email: "diner@example.com", Password: testPassword, TwoFactorCode: "123456",
	})
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("unexpected outcome: %v", result.Outcome)
	}
	if len(f.tokens.validated) != 1 || f.tokens.validated[0].purpose != token.PurposeTwoFactor {
		t.Fatalf("expected a two-factor validation: %+v", f.tokens.validated)
	}
}

func TestAuthenticateTwoFactorIssueRateLimited(t *testing.T) {
	f := newEngine(t)
	f.seedAccount(t, func(a *Account) { a.TwoFactorEnabled = true })
	f.tokens.issueErr = token.ErrIssueRateLimited

	result := login(t, f, LoginRequest{Email: "diner@example.com", Password: testPassword})
	if result.Outcome != OutcomeTwoFactorRequired {
		t.Fatalf("throttled issuance still re-prompts, got %v", result.Outcome)
	}
	if len(f.mailer.Messages()) != 0 {
		t.Fatal("no mail expected when issuance is throttled")
	}
}

func TestAuthenticateMailFailureDoesNotAbort(t *testing.T) {
	f := newEngine(t)
	f.seedAccount(t, func(a *Account) { a.TwoFactorEnabled = true })
	f.mailer.Err = errors.New("smtp down")

	result := login(t, f, LoginRequest{Email: "diner@example.com", Password: testPassword})
	if result.Outcome != OutcomeTwoFactorRequired {
		t.Fatalf("mail failure must not abort the flow, got %v", result.Outcome)
	}
}

func TestAuthenticateHistoryFailureDoesNotAbort(t *testing.T) {
	f := newEngine(t)
	f.seedAccount(t, nil)
	f.store.historyErr = errors.New("history table gone")

	result := login(t, f, LoginRequest{Email: "diner@example.com", Password: "wrong"})
	if result.Outcome != OutcomeInvalidCredentials {
		t.Fatalf("audit failure must not change the decision, got %v", result.Outcome)
	}
}

func TestAuthenticateStoreFailureIsSystemError(t *testing.T) {
	f := newEngine(t)
	f.seedAccount(t, nil)
	f.store.findErr = errors.New("connection refused")

	_, err := f.service.Authenticate(context.Background(), LoginRequest{
		Email: "diner@example.com", Password: testPassword,
	})
	if err == nil {
		t.Fatal("storage failure must propagate as a hard error")
	}
}

func TestRequestEmailVerificationUnknownEmailIsSilent(t *testing.T) {
	f := newEngine(t)

	if err := f.service.RequestEmailVerification(context.Background(), "ghost@example.com"); err != nil {
		t.Fatalf("unknown email must not error: %v", err)
	}
	if len(f.tokens.issued) != 0 || len(f.mailer.Messages()) != 0 {
		t.Fatal("nothing should be issued for unknown emails")
	}
}

func TestEmailVerificationActivatesAccount(t *testing.T) {
	f := newEngine(t)
	f.seedAccount(t, func(a *Account) { a.IsActive = false })

	if err := f.service.RequestEmailVerification(context.Background(), "diner@example.com"); err != nil {
		t.Fatalf("RequestEmailVerification: %v", err)
	}
	if len(f.tokens.issued) != 1 || f.tokens.issued[0].purpose != token.PurposeVerify {
		t.Fatalf("expected a verification token: %+v", f.tokens.issued)
	}

	if err := f.service.ConfirmEmailVerification(context.Background(), "diner@example.com", "123456"); err != nil {
		t.Fatalf("ConfirmEmailVerification: %v", err)
	}
	if !f.store.account(t, "acc-1").IsActive {
		t.Fatal("account should be active after confirmation")
	}
}

func TestResetPasswordReplacesHashAndClearsLock(t *testing.T) {
	f := newEngine(t)
	until := testNow.Add(10 * time.Minute)
	f.seedAccount(t, func(a *Account) {
		a.FailedLoginAttempts = 5
		a.LockedUntil = &until
	})

	if err := f.service.RequestPasswordReset(context.Background(), "diner@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	if len(f.tokens.issued) != 1 || f.tokens.issued[0].purpose != token.PurposeReset {
		t.Fatalf("expected a reset token: %+v", f.tokens.issued)
	}

	if err := f.service.ResetPassword(context.Background(), "diner@example.com", "123456", "a new secret"); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}

	account := f.store.account(t, "acc-1")
	if account.FailedLoginAttempts != 0 || account.LockedUntil != nil {
		t.Fatalf("reset must clear lock state: %+v", account)
	}
	if err := VerifyPassword(account.PasswordHash, "a new secret"); err != nil {
		t.Fatalf("new password does not verify: %v", err)
	}
}
