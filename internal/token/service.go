package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fincore.org/internal/ids"
)

const defaultIssuer = "fincore"

// Claims are carried inside every access token. A token is bound to a single
// tenant at issuance; changing tenants requires a new session.
type Claims struct {
	TenantID  string   `json:"tid"`
	Roles     []string `json:"roles,omitempty"`
	TokenType string   `json:"token_type"`
	SessionID string   `json:"sid"`
	FamilyID  string   `json:"fam,omitempty"`
	jwt.RegisteredClaims
}

// Service signs and verifies access tokens and manages refresh families.
type Service struct {
	store      Store
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithTTLs configures access and refresh token lifetimes.
func WithTTLs(access, refresh time.Duration) ServiceOption {
	return func(s *Service) {
		if access > 0 {
			s.accessTTL = access
		}
		if refresh > 0 {
			s.refreshTTL = refresh
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

// NewService constructs the token service. secret signs access tokens.
func NewService(store Store, secret []byte, opts ...ServiceOption) (*Service, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("token: signing secret is required")
	}
	s := &Service{
		store:      store,
		secret:     secret,
		issuer:     defaultIssuer,
		accessTTL:  15 * time.Minute,
		refreshTTL: 14 * 24 * time.Hour,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue mints a fresh access/refresh pair for a new token family.
func (s *Service) Issue(ctx context.Context, userID, tenantID, sessionID string, roles []string) (Pair, error) {
	return s.issue(ctx, userID, tenantID, sessionID, roles, ids.New())
}

// IssueForSession mints a pair into a caller-chosen family, so the session
// record and its token family share one id.
func (s *Service) IssueForSession(ctx context.Context, userID, tenantID, sessionID, familyID string, roles []string) (Pair, error) {
	return s.issue(ctx, userID, tenantID, sessionID, roles, familyID)
}

func (s *Service) issue(ctx context.Context, userID, tenantID, sessionID string, roles []string, familyID string) (Pair, error) {
	now := s.now().UTC()
	jti := ids.New()
	accessExp := now.Add(s.accessTTL)

	claims := Claims{
		TenantID:  tenantID,
		Roles:     roles,
		TokenType: "access",
		SessionID: sessionID,
		FamilyID:  familyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
			ID:        jti,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Pair{}, fmt.Errorf("sign token: %w", err)
	}

	if err := s.store.CreateAccess(ctx, &AccessRecord{
		ID:        jti,
		UserID:    userID,
		TenantID:  tenantID,
		SessionID: sessionID,
		FamilyID:  familyID,
		ExpiresAt: accessExp,
		CreatedAt: now,
	}); err != nil {
		return Pair{}, err
	}

	refreshString, refreshRec, err := s.generateRefresh(userID, tenantID, sessionID, familyID, now)
	if err != nil {
		return Pair{}, err
	}
	if err := s.store.CreateRefresh(ctx, refreshRec); err != nil {
		return Pair{}, err
	}

	return Pair{
		AccessToken:      signed,
		AccessTokenID:    jti,
		RefreshToken:     refreshString,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshRec.ExpiresAt,
	}, nil
}

// Verify checks signature, expiry and the revocation record, in that order.
// Session liveness is the session service's concern; callers chain it.
func (s *Service) Verify(ctx context.Context, raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(s.issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("%w: malformed claims", ErrInvalidToken)
	}
	if claims.TokenType != "access" {
		return nil, fmt.Errorf("%w: not an access token", ErrInvalidToken)
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.TenantID) == "" {
		return nil, fmt.Errorf("%w: missing subject or tenant", ErrInvalidToken)
	}
	rec, err := s.store.FindAccess(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: no revocation record", ErrInvalidToken)
	}
	if rec.Revoked {
		return nil, fmt.Errorf("%w: revoked", ErrInvalidToken)
	}
	return claims, nil
}

// RolesFunc resolves the live role codes for a user in a tenant. Refresh
// re-resolves roles through it so a rotated token reflects provisioning
// changes made since the original login. A nil resolver issues the rotated
// token without role claims.
type RolesFunc func(ctx context.Context, userID, tenantID string) ([]string, error)

// Refresh redeems a refresh token. Tokens are single-use: redeeming rotates
// the pair within the same family; redeeming twice revokes the family and
// returns ErrReplayed.
func (s *Service) Refresh(ctx context.Context, raw string, resolve RolesFunc) (Pair, *RefreshToken, error) {
	id, secret, err := splitRefresh(raw)
	if err != nil {
		return Pair{}, nil, fmt.Errorf("%w: malformed refresh token", ErrInvalidToken)
	}
	rec, err := s.store.FindRefresh(ctx, id)
	if err != nil {
		return Pair{}, nil, fmt.Errorf("%w: unknown refresh token", ErrInvalidToken)
	}
	if rec.Redeemed {
		// Replay suspicion: contain the whole family.
		if err := s.store.RevokeFamily(ctx, rec.FamilyID); err != nil {
			return Pair{}, nil, err
		}
		return Pair{}, rec, ErrReplayed
	}
	if rec.Revoked || s.now().After(rec.ExpiresAt) {
		return Pair{}, nil, fmt.Errorf("%w: refresh token expired or revoked", ErrInvalidToken)
	}
	if !compareHash(rec.TokenHash, secret) {
		if err := s.store.RevokeFamily(ctx, rec.FamilyID); err != nil {
			return Pair{}, nil, err
		}
		return Pair{}, nil, fmt.Errorf("%w: refresh secret mismatch", ErrInvalidToken)
	}
	if err := s.store.MarkRedeemed(ctx, rec.ID); err != nil {
		return Pair{}, nil, err
	}
	var roles []string
	if resolve != nil {
		roles, err = resolve(ctx, rec.UserID, rec.TenantID)
		if err != nil {
			return Pair{}, nil, err
		}
	}
	// The rotated pair keeps the family, tenant and session of the
	// redeemed token; only the role claims are freshly resolved.
	pair, err := s.issue(ctx, rec.UserID, rec.TenantID, rec.SessionID, roles, rec.FamilyID)
	if err != nil {
		return Pair{}, nil, err
	}
	return pair, rec, nil
}

// Revoke revokes a single access record. Idempotent.
func (s *Service) Revoke(ctx context.Context, tokenID string) error {
	return s.store.RevokeAccess(ctx, tokenID)
}

// RevokeFamily revokes every credential in the token family. Idempotent.
func (s *Service) RevokeFamily(ctx context.Context, familyID string) error {
	return s.store.RevokeFamily(ctx, familyID)
}

// RevokeAllForUser revokes every live credential of the user.
func (s *Service) RevokeAllForUser(ctx context.Context, userID string) error {
	return s.store.RevokeAllForUser(ctx, userID)
}

func (s *Service) generateRefresh(userID, tenantID, sessionID, familyID string, now time.Time) (string, *RefreshToken, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	tokenID := ids.New()
	sum := sha256.Sum256([]byte(secret))
	rec := &RefreshToken{
		ID:        tokenID,
		UserID:    userID,
		TenantID:  tenantID,
		SessionID: sessionID,
		FamilyID:  familyID,
		TokenHash: hex.EncodeToString(sum[:]),
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}
	return tokenID + "." + secret, rec, nil
}

func splitRefresh(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func compareHash(expectedHex, secret string) bool {
	sum := sha256.Sum256([]byte(secret))
	actual := hex.EncodeToString(sum[:])
	if len(expectedHex) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHex), []byte(actual)) == 1
}
