package token

import (
	"context"
	"database/sql"
	"time"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. The security_tokens table has a
// unique index on (email, purpose), so Replace runs delete+insert inside one
// transaction and Consume is a conditional delete.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Replace(ctx context.Context, t *Token) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`delete from security_tokens where email=$1 and purpose=$2`,
		t.Email, string(t.Purpose),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`insert into security_tokens(id, email, purpose, code, expires_at, created_at)
		 values($1,$2,$3,$4,$5,$6)`,
		t.ID, t.Email, string(t.Purpose), t.Code, t.ExpiresAt, t.CreatedAt,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// Consume deletes the matching unexpired row. Delete-if-present makes the
// single-use guarantee hold under concurrent validation attempts.
func (s *PGStore) Consume(ctx context.Context, email string, purpose Purpose, code string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`delete from security_tokens
		  where email=$1 and purpose=$2 and code=$3 and expires_at > $4`,
		email, string(purpose), code, now,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCodeInvalid
	}
	return nil
}
