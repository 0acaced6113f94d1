package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tavolo.app/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Accounts() AccountStore         { return &accountStore{db: s.db} }
func (s *PGStore) LoginHistory() LoginHistoryStore { return &loginHistoryStore{db: s.db} }

// Account store ------------------------------------------------------------

type accountStore struct{ db *sql.DB }

const accountColumns = `id, email, password_hash, is_active, failed_login_attempts,
	locked_until, two_factor_enabled, role, last_login_at, created_at, updated_at`

func (s *accountStore) Create(ctx context.Context, a *Account) error {
	if a.ID == "" {
		a.ID = ids.New()
	}
	a.Email = NormalizeEmail(a.Email)
	if a.Role == "" {
		a.Role = RoleCustomer
	}
	_, err := s.db.ExecContext(ctx,
		`insert into accounts(id, email, password_hash, is_active, two_factor_enabled, role)
		 values($1,$2,nullif($3,''),$4,$5,$6)`,
		a.ID, a.Email, a.PasswordHash, a.IsActive, a.TwoFactorEnabled, string(a.Role),
	)
	return err
}

func (s *accountStore) Find(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts where id=$1`, id)
	return scanAccount(row)
}

func (s *accountStore) FindByEmail(ctx context.Context, email string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts where email=$1`, NormalizeEmail(email))
	return scanAccount(row)
}

// RecordLoginFailure runs a single UPDATE so two concurrent failed attempts
// cannot read the same counter and under-count past the threshold.
func (s *accountStore) RecordLoginFailure(ctx context.Context, accountID string, maxAttempts int, lockUntil time.Time) (FailureState, error) {
	row := s.db.QueryRowContext(ctx,
		`update accounts
		    set failed_login_attempts = failed_login_attempts + 1,
		        locked_until = case
		            when failed_login_attempts + 1 >= $2 then $3
		            else locked_until
		        end,
		        updated_at = now()
		  where id = $1
		  returning failed_login_attempts, locked_until`,
		accountID, maxAttempts, lockUntil,
	)
	var (
		state  FailureState
		locked sql.NullTime
	)
	if err := row.Scan(&state.FailedAttempts, &locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FailureState{}, ErrNotFound
		}
		return FailureState{}, err
	}
	if locked.Valid {
		t := locked.Time
		state.LockedUntil = &t
	}
	return state, nil
}

func (s *accountStore) RecordLoginSuccess(ctx context.Context, accountID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update accounts
		    set failed_login_attempts = 0,
		        locked_until = null,
		        last_login_at = $2,
		        updated_at = now()
		  where id = $1`,
		accountID, at,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *accountStore) SetActive(ctx context.Context, accountID string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`update accounts set is_active = $2, updated_at = now() where id = $1`,
		accountID, active,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *accountStore) UpdatePassword(ctx context.Context, accountID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`update accounts
		    set password_hash = $2,
		        failed_login_attempts = 0,
		        locked_until = null,
		        updated_at = now()
		  where id = $1`,
		accountID, passwordHash,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanAccount(row *sql.Row) (*Account, error) {
	var (
		a            Account
		passwordHash sql.NullString
		lockedUntil  sql.NullTime
		lastLoginAt  sql.NullTime
		role         string
	)
	err := row.Scan(
		&a.ID, &a.Email, &passwordHash, &a.IsActive, &a.FailedLoginAttempts,
		&lockedUntil, &a.TwoFactorEnabled, &role, &lastLoginAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.PasswordHash = passwordHash.String
	a.Role = Role(role)
	if lockedUntil.Valid {
		t := lockedUntil.Time
		a.LockedUntil = &t
	}
	if lastLoginAt.Valid {
		t := lastLoginAt.Time
		a.LastLoginAt = &t
	}
	return &a, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Login history store ------------------------------------------------------

type loginHistoryStore struct{ db *sql.DB }

func (s *loginHistoryStore) Append(ctx context.Context, attempt *LoginAttempt) error {
	if attempt.ID == "" {
		attempt.ID = ids.New()
	}
	accountID := sql.NullString{String: attempt.AccountID, Valid: attempt.AccountID != ""}
	_, err := s.db.ExecContext(ctx,
		`insert into login_history(id, account_id, email, occurred_at, success, reason, ip, user_agent)
		 values($1,$2,$3,$4,$5,$6,$7,$8)`,
		attempt.ID, accountID, attempt.Email, attempt.OccurredAt,
		attempt.Success, attempt.Reason, attempt.IP, attempt.UserAgent,
	)
	return err
}
