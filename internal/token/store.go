package token

import "context"

// Store describes persistence for revocation records and refresh tokens.
type Store interface {
	CreateAccess(ctx context.Context, rec *AccessRecord) error
	FindAccess(ctx context.Context, id string) (*AccessRecord, error)
	RevokeAccess(ctx context.Context, id string) error

	CreateRefresh(ctx context.Context, tok *RefreshToken) error
	FindRefresh(ctx context.Context, id string) (*RefreshToken, error)
	MarkRedeemed(ctx context.Context, id string) error

	// RevokeFamily revokes every access record and refresh token sharing
	// the family id.
	RevokeFamily(ctx context.Context, familyID string) error
	// RevokeAllForUser revokes every live credential of the user.
	RevokeAllForUser(ctx context.Context, userID string) error
}
