package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"fincore.org/internal/credential"
)

// CredentialStore persists users, password history and login attempts.
type CredentialStore struct {
	db *sql.DB
}

var _ credential.Store = (*CredentialStore)(nil)

const userColumns = `id, email, password_hash, status, failed_attempts, locked_until, password_changed_at, flagged, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*credential.User, error) {
	var (
		u      credential.User
		locked sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Status, &u.FailedAttempts,
		&locked, &u.PasswordChangedAt, &u.Flagged, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credential.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if locked.Valid {
		u.LockedUntil = locked.Time
	}
	return &u, nil
}

func (s *CredentialStore) Find(ctx context.Context, userID string) (*credential.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id = $1`, userID))
}

func (s *CredentialStore) FindByEmail(ctx context.Context, email string) (*credential.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where lower(email) = lower($1)`, email))
}

// Create inserts a user row. A duplicate email maps to ErrConflict.
func (s *CredentialStore) Create(ctx context.Context, u *credential.User) error {
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, email, password_hash, status, failed_attempts, password_changed_at, flagged, created_at, updated_at)
		values ($1, $2, $3, $4, 0, $5, false, now(), now())
	`, u.ID, u.Email, u.PasswordHash, u.Status, u.PasswordChangedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return ErrConflict
	}
	return err
}

func (s *CredentialStore) UpdatePassword(ctx context.Context, userID, passwordHash string, changedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set password_hash = $2, password_changed_at = $3, updated_at = now()
		where id = $1
	`, userID, passwordHash, changedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return credential.ErrNotFound
	}
	return nil
}

func (s *CredentialStore) SetLockState(ctx context.Context, userID string, failedAttempts int, lockedUntil time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set failed_attempts = $2, locked_until = $3, updated_at = now()
		where id = $1
	`, userID, failedAttempts, nullIfZero(lockedUntil))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return credential.ErrNotFound
	}
	return nil
}

// SetFlagged marks a user for administrator review after repeated
// cross-tenant anomalies.
func (s *CredentialStore) SetFlagged(ctx context.Context, userID string, flagged bool) error {
	res, err := s.db.ExecContext(ctx, `
		update users set flagged = $2, updated_at = now() where id = $1
	`, userID, flagged)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return credential.ErrNotFound
	}
	return nil
}

// AppendHistory stores the digest and trims the window to keep entries.
func (s *CredentialStore) AppendHistory(ctx context.Context, entry credential.HistoryEntry, keep int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into password_history (user_id, password_hash, created_at)
		values ($1, $2, $3)
	`, entry.UserID, entry.PasswordHash, entry.CreatedAt); err != nil {
		return err
	}
	if keep > 0 {
		if _, err := tx.ExecContext(ctx, `
			delete from password_history
			where user_id = $1 and created_at not in (
				select created_at from password_history
				where user_id = $1
				order by created_at desc
				limit $2
			)
		`, entry.UserID, keep); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *CredentialStore) History(ctx context.Context, userID string, limit int) ([]credential.HistoryEntry, error) {
	if limit <= 0 {
		limit = 24
	}
	rows, err := s.db.QueryContext(ctx, `
		select user_id, password_hash, created_at
		from password_history
		where user_id = $1
		order by created_at desc
		limit $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []credential.HistoryEntry
	for rows.Next() {
		var e credential.HistoryEntry
		if err := rows.Scan(&e.UserID, &e.PasswordHash, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *CredentialStore) RecordAttempt(ctx context.Context, attempt credential.LoginAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		insert into login_attempts (user_id, tenant_id, ip, success, failure_reason, attempted_at)
		values ($1, $2, $3, $4, nullif($5, ''), $6)
	`, attempt.UserID, nullIfEmpty(attempt.TenantID), attempt.IP, attempt.Success, attempt.FailureReason, attempt.AttemptedAt)
	return err
}

// LastUsedTenant returns the tenant of the user's most recent successful
// login, for the login-time tenant fallback.
func (s *CredentialStore) LastUsedTenant(ctx context.Context, userID string) (string, error) {
	var tenantID string
	err := s.db.QueryRowContext(ctx, `
		select tenant_id from login_attempts
		where user_id = $1 and success and tenant_id is not null
		order by attempted_at desc
		limit 1
	`, userID).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return tenantID, err
}
