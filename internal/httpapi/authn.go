package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"fincore.org/internal/audit"
	"fincore.org/internal/authz"
	"fincore.org/internal/credential"
	"fincore.org/internal/obs"
	"fincore.org/internal/session"
	"fincore.org/internal/tenant"
)

const (
	authHeader   = "Authorization"
	bearer       = "Bearer "
	tenantHeader = "X-Tenant-ID"
	accessCookie = "fincore_access"
)

var publicPaths = []string{
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

// withAuth verifies the bearer token, validates the backing session, and
// binds the token's tenant to the request context. A tenant header that
// disagrees with the token is treated as a cross-tenant attempt: rejected,
// audited, never honored.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := credentialFromRequest(r)
		if err != nil {
			obs.AuthFailures.WithLabelValues("missing-token").Inc()
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := a.tokens.Verify(r.Context(), raw)
		if err != nil {
			obs.AuthFailures.WithLabelValues("invalid-token").Inc()
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		// The token may outlive the account's good standing: a lockout or
		// an admin disable kills every outstanding credential immediately.
		user, err := a.creds.Find(r.Context(), claims.Subject)
		if err != nil {
			obs.AuthFailures.WithLabelValues("unknown-user").Inc()
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		if locked, _ := a.creds.IsLocked(user); locked {
			obs.AuthFailures.WithLabelValues("locked-user").Inc()
			writeError(w, r, http.StatusUnauthorized, "account is not active")
			return
		}
		if user.Status != credential.UserStatusActive {
			obs.AuthFailures.WithLabelValues("disabled-user").Inc()
			writeError(w, r, http.StatusUnauthorized, "account is not active")
			return
		}

		sess, err := a.sessions.Validate(r.Context(), claims.SessionID, session.ClientInfo{
			IP:        clientIP(r),
			UserAgent: r.UserAgent(),
		})
		if err != nil {
			obs.AuthFailures.WithLabelValues("dead-session").Inc()
			writeError(w, r, http.StatusUnauthorized, "session is not active")
			return
		}

		// The token's tenant is authoritative. A header naming any other
		// tenant is an attempt to smuggle a different scope.
		if hdr := strings.TrimSpace(r.Header.Get(tenantHeader)); hdr != "" && hdr != claims.TenantID {
			obs.CrossTenantBlocks.WithLabelValues("header").Inc()
			_ = audit.Log(r.Context(), a.audit, audit.Event{
				Kind:     audit.KindCrossTenantRead,
				Severity: audit.SeverityElevated,
				TenantID: claims.TenantID,
				UserID:   claims.Subject,
				IP:       clientIP(r),
				Metadata: map[string]any{
					"header_tenant_id": hdr,
					"path":             r.URL.Path,
				},
			})
			a.escalateCrossTenant(r.Context(), claims.Subject)
			writeError(w, r, http.StatusUnauthorized, "tenant mismatch")
			return
		}

		if a.limiter != nil {
			decision, err := a.limiter.Allow(r.Context(), claims.TenantID, claims.Subject, scopeForPath(r.URL.Path))
			if err != nil {
				writeError(w, r, http.StatusServiceUnavailable, "try again later")
				return
			}
			if !decision.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())+1))
				writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}

		ctx := tenant.NewContext(r.Context(), tenant.Scope{
			TenantID: claims.TenantID,
			UserID:   claims.Subject,
			Roles:    claims.Roles,
			GrantID:  sess.GrantID,
		})
		ctx = contextWithSession(ctx, sess)
		// Bind a recorder so writes inside this request audit atomically
		// with the transaction that commits them.
		ctx, _ = audit.WithRecorder(ctx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// escalateCrossTenant feeds the abuse counter; past the threshold every
// session dies and the account is flagged for review.
func (a *API) escalateCrossTenant(ctx context.Context, userID string) {
	if a.limiter == nil {
		return
	}
	_, exceeded, err := a.limiter.RecordCrossTenant(ctx, userID)
	if err != nil || !exceeded {
		return
	}
	_ = a.sessions.TerminateAllForUser(ctx, userID, session.ReasonAbuse)
	_ = a.tokens.RevokeAllForUser(ctx, userID)
	if a.users != nil {
		_ = a.users.SetFlagged(ctx, userID, true)
	}
	_ = audit.Log(ctx, a.audit, audit.Event{
		Kind:     audit.KindSessionsFlushed,
		Severity: audit.SeverityCritical,
		UserID:   userID,
		Metadata: map[string]any{"trigger": "cross-tenant-abuse"},
	})
}

// requirePermission resolves the principal and checks one permission code.
func (a *API) requirePermission(ctx context.Context, perm string) error {
	principal, err := a.authz.PrincipalFromContext(ctx)
	if err != nil {
		return err
	}
	return principal.Require(perm)
}

func (a *API) handleAuthzError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tenant.ErrNoContext):
		writeError(w, r, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, authz.ErrForbidden):
		obs.PermissionDenials.Inc()
		_ = audit.Log(r.Context(), a.audit, audit.Event{
			Kind:     audit.KindPermissionDeny,
			Severity: audit.SeverityElevated,
			IP:       clientIP(r),
			Metadata: map[string]any{"path": r.URL.Path, "detail": err.Error()},
		})
		writeError(w, r, http.StatusForbidden, "permission denied")
	default:
		writeError(w, r, http.StatusInternalServerError, "authorization error")
	}
}

type sessionContextKey struct{}

func contextWithSession(ctx context.Context, sess *session.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

func sessionFromContext(ctx context.Context) (*session.Session, bool) {
	sess, ok := ctx.Value(sessionContextKey{}).(*session.Session)
	return sess, ok
}

// credentialFromRequest prefers the Authorization header. Browser clients
// that opted in at login carry the signed access token in an HttpOnly
// cookie instead; the header always wins when both are present.
func credentialFromRequest(r *http.Request) (string, error) {
	if h := strings.TrimSpace(r.Header.Get(authHeader)); h != "" {
		return extractBearerToken(h)
	}
	if c, err := r.Cookie(accessCookie); err == nil && strings.TrimSpace(c.Value) != "" {
		return strings.TrimSpace(c.Value), nil
	}
	return "", errors.New("missing bearer token")
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	raw := strings.TrimSpace(header[len(bearer):])
	if raw == "" {
		return "", errors.New("missing bearer token")
	}
	return raw, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

func scopeForPath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/admin/"):
		return "admin"
	case strings.HasPrefix(path, "/v1/audit/"):
		return "export"
	default:
		return "api"
	}
}

