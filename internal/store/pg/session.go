package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"fincore.org/internal/session"
)

// SessionStore persists server-side sessions.
type SessionStore struct {
	db *sql.DB
}

var _ session.Store = (*SessionStore)(nil)

const sessionColumns = `id, token_family_id, user_id, tenant_id, created_at, last_activity, expires_at, status, termination_reason, terminated_at, ip, user_agent, grant_id`

func scanSession(row interface{ Scan(...any) error }) (*session.Session, error) {
	var (
		s          session.Session
		reason     sql.NullString
		terminated sql.NullTime
		grantID    sql.NullString
	)
	err := row.Scan(&s.ID, &s.TokenFamilyID, &s.UserID, &s.TenantID, &s.CreatedAt,
		&s.LastActivity, &s.ExpiresAt, &s.Status, &reason, &terminated, &s.IP, &s.UserAgent, &grantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if reason.Valid {
		s.TerminationReason = reason.String
	}
	if terminated.Valid {
		s.TerminatedAt = terminated.Time
	}
	if grantID.Valid {
		s.GrantID = grantID.String
	}
	return &s, nil
}

func (s *SessionStore) Create(ctx context.Context, sess *session.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (id, token_family_id, user_id, tenant_id, created_at, last_activity, expires_at, status, ip, user_agent, grant_id)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, sess.ID, sess.TokenFamilyID, sess.UserID, sess.TenantID, sess.CreatedAt,
		sess.LastActivity, sess.ExpiresAt, sess.Status, sess.IP, sess.UserAgent, nullIfEmpty(sess.GrantID))
	return err
}

func (s *SessionStore) Find(ctx context.Context, id string) (*session.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`select `+sessionColumns+` from sessions where id = $1`, id))
}

func (s *SessionStore) ActiveForUser(ctx context.Context, userID, tenantID string) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+sessionColumns+` from sessions
		where user_id = $1 and tenant_id = $2 and status = $3
		order by created_at asc
	`, userID, tenantID, session.StatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SessionStore) Touch(ctx context.Context, id string, lastActivity time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update sessions set last_activity = $2 where id = $1 and status = $3
	`, id, lastActivity, session.StatusActive)
	return err
}

func (s *SessionStore) Extend(ctx context.Context, id string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update sessions set expires_at = $2 where id = $1 and status = $3 and expires_at < $2
	`, id, expiresAt, session.StatusActive)
	return err
}

// Terminate flips an active session exactly once; the first reason and
// timestamp stick.
func (s *SessionStore) Terminate(ctx context.Context, id, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update sessions
		set status = $4, termination_reason = $2, terminated_at = $3
		where id = $1 and status = $5
	`, id, reason, at, session.StatusTerminated, session.StatusActive)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `select exists(select 1 from sessions where id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return session.ErrNotFound
		}
	}
	return nil
}

func (s *SessionStore) TerminateAllForUser(ctx context.Context, userID, reason string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update sessions
		set status = $4, termination_reason = $2, terminated_at = $3
		where user_id = $1 and status = $5
	`, userID, reason, at, session.StatusTerminated, session.StatusActive)
	return err
}
