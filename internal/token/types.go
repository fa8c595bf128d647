// Package token issues, verifies, refreshes and revokes the bearer
// credentials that carry tenant identity. Access tokens are signed JWTs whose
// jti keys a server-side revocation record; refresh tokens are opaque,
// single-use, and grouped into families for replay containment.
package token

import (
	"errors"
	"time"
)

// AccessRecord is the server-side revocation record for one access token.
// Verification requires the record to exist and not be revoked.
type AccessRecord struct {
	ID        string // jti
	UserID    string
	TenantID  string
	SessionID string
	FamilyID  string
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// RefreshToken is the persisted half of an opaque refresh credential. The
// client-held string is "id.secret"; only the secret's SHA-256 is stored.
type RefreshToken struct {
	ID        string
	UserID    string
	TenantID  string
	SessionID string
	FamilyID  string
	TokenHash string
	ExpiresAt time.Time
	Redeemed  bool
	Revoked   bool
	CreatedAt time.Time
}

// Pair bundles freshly issued credentials.
type Pair struct {
	AccessToken      string
	AccessTokenID    string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

var (
	// ErrInvalidToken is the uniform verification failure. The wrapped
	// message carries the real reason for the audit layer; it is never
	// sent to clients.
	ErrInvalidToken = errors.New("token: invalid token")

	// ErrReplayed marks redemption of an already-used refresh token. The
	// whole family is revoked when this is returned.
	ErrReplayed = errors.New("token: refresh token replayed")

	ErrNotFound = errors.New("token: not found")
)
