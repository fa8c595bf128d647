package pg

import (
	"context"
	"database/sql"
	"errors"

	"fincore.org/internal/token"
)

// TokenStore persists access-token records and refresh tokens.
type TokenStore struct {
	db *sql.DB
}

var _ token.Store = (*TokenStore)(nil)

func (s *TokenStore) CreateAccess(ctx context.Context, rec *token.AccessRecord) error {
	_, err := s.db.ExecContext(ctx, `
		insert into access_tokens (id, user_id, tenant_id, session_id, family_id, expires_at, revoked, created_at)
		values ($1, $2, $3, $4, $5, $6, false, $7)
	`, rec.ID, rec.UserID, rec.TenantID, rec.SessionID, rec.FamilyID, rec.ExpiresAt, rec.CreatedAt)
	return err
}

func (s *TokenStore) FindAccess(ctx context.Context, id string) (*token.AccessRecord, error) {
	var rec token.AccessRecord
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, tenant_id, session_id, family_id, expires_at, revoked, created_at
		from access_tokens where id = $1
	`, id).Scan(&rec.ID, &rec.UserID, &rec.TenantID, &rec.SessionID, &rec.FamilyID,
		&rec.ExpiresAt, &rec.Revoked, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, token.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *TokenStore) RevokeAccess(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `update access_tokens set revoked = true where id = $1`, id)
	return err
}

func (s *TokenStore) CreateRefresh(ctx context.Context, tok *token.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, tenant_id, session_id, family_id, token_hash, expires_at, redeemed, revoked, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, false, false, $8)
	`, tok.ID, tok.UserID, tok.TenantID, tok.SessionID, tok.FamilyID, tok.TokenHash, tok.ExpiresAt, tok.CreatedAt)
	return err
}

func (s *TokenStore) FindRefresh(ctx context.Context, id string) (*token.RefreshToken, error) {
	var tok token.RefreshToken
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, tenant_id, session_id, family_id, token_hash, expires_at, redeemed, revoked, created_at
		from refresh_tokens where id = $1
	`, id).Scan(&tok.ID, &tok.UserID, &tok.TenantID, &tok.SessionID, &tok.FamilyID,
		&tok.TokenHash, &tok.ExpiresAt, &tok.Redeemed, &tok.Revoked, &tok.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, token.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

// MarkRedeemed is the single-use gate: only one caller can flip the flag.
func (s *TokenStore) MarkRedeemed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set redeemed = true where id = $1 and not redeemed
	`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return token.ErrReplayed
	}
	return nil
}

func (s *TokenStore) RevokeFamily(ctx context.Context, familyID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `update access_tokens set revoked = true where family_id = $1`, familyID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `update refresh_tokens set revoked = true where family_id = $1`, familyID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *TokenStore) RevokeAllForUser(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `update access_tokens set revoked = true where user_id = $1`, userID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `update refresh_tokens set revoked = true where user_id = $1`, userID); err != nil {
		return err
	}
	return tx.Commit()
}
