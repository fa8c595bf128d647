package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"fincore.org/internal/audit"
	"fincore.org/internal/credential"
	"fincore.org/internal/ids"
	"fincore.org/internal/obs"
	"fincore.org/internal/ratelimit"
	"fincore.org/internal/session"
	"fincore.org/internal/tenant"
	"fincore.org/internal/token"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TenantID string `json:"tenant_id,omitempty"`
	Remember bool   `json:"remember,omitempty"`
}

type loginResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	TenantID         string    `json:"tenant_id"`
	SessionID        string    `json:"session_id"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	ip := clientIP(r)
	if a.limiter != nil {
		decision, err := a.limiter.Allow(r.Context(), "-", req.Email+"|"+ip, ratelimit.ScopeLogin)
		if err != nil {
			writeError(w, r, http.StatusServiceUnavailable, "try again later")
			return
		}
		if !decision.Allowed {
			a.auditLoginFailure(r, req.Email, "", "rate-limited")
			writeError(w, r, http.StatusTooManyRequests, "too many attempts")
			return
		}
	}

	user, err := a.creds.Lookup(r.Context(), req.Email)
	if err != nil {
		obs.AuthFailures.WithLabelValues("unknown-user").Inc()
		a.auditLoginFailure(r, req.Email, req.TenantID, "unknown-user")
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}

	tenantID, provision, grant, err := a.resolveLoginTenant(r, user, req.TenantID)
	if err != nil {
		var sel *tenantSelectionError
		if errors.As(err, &sel) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":   "tenant selection required",
				"tenants": sel.tenantIDs,
			})
			return
		}
		if errors.Is(err, tenant.ErrSuspended) {
			a.auditLoginFailure(r, req.Email, req.TenantID, "tenant-suspended")
			writeError(w, r, http.StatusForbidden, "tenant is suspended")
			return
		}
		obs.AuthFailures.WithLabelValues("no-provision").Inc()
		a.auditLoginFailure(r, req.Email, req.TenantID, "not-provisioned")
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}

	policy := a.policyFor(r, tenantID)
	authed, err := a.creds.Authenticate(r.Context(), req.Email, req.Password, tenantID, ip, policy)
	if err != nil {
		switch {
		case errors.Is(err, credential.ErrLocked):
			obs.AuthFailures.WithLabelValues("locked").Inc()
			a.auditSecurity(r, audit.KindLockout, tenantID, user, map[string]any{"email": req.Email})
			writeError(w, r, http.StatusLocked, "account is locked")
		default:
			obs.AuthFailures.WithLabelValues("bad-credentials").Inc()
			a.auditLoginFailure(r, req.Email, tenantID, "wrong-password")
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		}
		return
	}

	// A provisioned login carries the provision's roles. A grant-backed
	// login carries no roles in the target tenant: the effective set is
	// exactly what the grant enumerates.
	var (
		roles   []string
		grantID string
	)
	if provision != nil {
		roles = provision.RoleCodes
	}
	if grant != nil {
		grantID = grant.ID
	}

	familyID := ids.New()
	sess, err := a.sessions.Create(r.Context(), authed.ID, tenantID, familyID, grantID, session.ClientInfo{
		IP:        ip,
		UserAgent: r.UserAgent(),
	}, req.Remember)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "session creation failed")
		return
	}

	pair, err := a.tokens.IssueForSession(r.Context(), authed.ID, tenantID, sess.ID, familyID, roles)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token issuance failed")
		return
	}

	meta := map[string]any{"session_id": sess.ID, "remember": req.Remember}
	if grant != nil {
		meta["grant_id"] = grant.ID
		meta["correlation_id"] = grant.CorrelationID
		meta["source_tenant"] = grant.SourceTenant
	}
	if err := audit.Log(r.Context(), a.audit, audit.Event{
		Kind:     audit.KindLoginSuccess,
		TenantID: tenantID,
		UserID:   authed.ID,
		IP:       ip,
		Metadata: meta,
	}); err != nil {
		// A login that cannot be audited does not happen.
		_ = a.sessions.Terminate(r.Context(), sess.ID, session.ReasonAdmin)
		_ = a.tokens.RevokeFamily(r.Context(), familyID)
		writeError(w, r, http.StatusInternalServerError, "audit unavailable")
		return
	}

	if req.Remember {
		setAccessCookie(w, pair.AccessToken, pair.AccessExpiresAt)
	}
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		TokenType:        "Bearer",
		ExpiresAt:        pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		TenantID:         tenantID,
		SessionID:        sess.ID,
	})
}

// setAccessCookie mirrors the signed access token into an HttpOnly cookie
// for browser clients that asked to be remembered.
func setAccessCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     accessCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

func clearAccessCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     accessCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

type tenantSelectionError struct {
	tenantIDs []string
}

func (e *tenantSelectionError) Error() string { return "tenant selection required" }

// resolveLoginTenant picks the tenant for this login: the explicit request
// wins, then a sole provisioning, then the most recently used tenant.
// An explicit tenant without a provision falls through to cross-tenant
// grants, so approved temporary access is redeemable at login. Grants are
// never auto-selected; entering a foreign tenant is always deliberate.
func (a *API) resolveLoginTenant(r *http.Request, user *credential.User, requested string) (string, *tenant.Provision, *tenant.Grant, error) {
	ctx := r.Context()

	if requested != "" {
		p, err := a.directory.Provision(ctx, user.ID, requested)
		if err == nil && p.Status == tenant.ProvisionActive {
			if err := a.checkTenantActive(ctx, requested); err != nil {
				return "", nil, nil, err
			}
			return requested, p, nil, nil
		}
		g, err := a.directory.ActiveGrant(ctx, user.ID, requested, a.now().UTC())
		if err != nil {
			return "", nil, nil, tenant.ErrNotFound
		}
		if err := a.checkTenantActive(ctx, requested); err != nil {
			return "", nil, nil, err
		}
		return requested, nil, g, nil
	}

	provisions, err := a.directory.ProvisionsForUser(ctx, user.ID)
	if err != nil {
		return "", nil, nil, err
	}
	active := provisions[:0]
	for _, p := range provisions {
		if p.Status == tenant.ProvisionActive {
			active = append(active, p)
		}
	}
	switch len(active) {
	case 0:
		return "", nil, nil, tenant.ErrNotFound
	case 1:
		if err := a.checkTenantActive(ctx, active[0].TenantID); err != nil {
			return "", nil, nil, err
		}
		return active[0].TenantID, active[0], nil, nil
	}

	if last, err := a.users.LastUsedTenant(ctx, user.ID); err == nil && last != "" {
		for _, p := range active {
			if p.TenantID == last {
				if err := a.checkTenantActive(ctx, last); err == nil {
					return last, p, nil, nil
				}
			}
		}
	}

	ids := make([]string, 0, len(active))
	for _, p := range active {
		ids = append(ids, p.TenantID)
	}
	return "", nil, nil, &tenantSelectionError{tenantIDs: ids}
}

func (a *API) checkTenantActive(ctx context.Context, tenantID string) error {
	t, err := a.directory.Find(ctx, tenantID)
	if err != nil {
		return err
	}
	if t.Status != tenant.StatusActive {
		return tenant.ErrSuspended
	}
	return nil
}

func (a *API) policyFor(r *http.Request, tenantID string) credential.Policy {
	if p, ok, err := a.directory.PasswordPolicy(r.Context(), tenantID); err == nil && ok {
		return p
	}
	return a.defaultPolicy
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, rec, err := a.tokens.Refresh(r.Context(), req.RefreshToken, a.refreshRoles)
	if err != nil {
		if errors.Is(err, token.ErrReplayed) {
			// Replay of a redeemed token: the whole family is already
			// dead; kill the session and raise the alarm.
			obs.AuthFailures.WithLabelValues("refresh-replay").Inc()
			if rec != nil {
				_ = a.sessions.Terminate(r.Context(), rec.SessionID, session.ReasonRevoked)
				_ = audit.Log(r.Context(), a.audit, audit.Event{
					Kind:     audit.KindTokenReplay,
					Severity: audit.SeverityCritical,
					TenantID: rec.TenantID,
					UserID:   rec.UserID,
					IP:       clientIP(r),
					Metadata: map[string]any{"family_id": rec.FamilyID, "session_id": rec.SessionID},
				})
				_ = audit.Log(r.Context(), a.audit, audit.Event{
					Kind:     audit.KindFamilyRevoked,
					Severity: audit.SeverityElevated,
					TenantID: rec.TenantID,
					UserID:   rec.UserID,
					IP:       clientIP(r),
					Metadata: map[string]any{"family_id": rec.FamilyID, "trigger": "refresh-replay"},
				})
			}
			writeError(w, r, http.StatusUnauthorized, "refresh token reuse detected")
			return
		}
		obs.AuthFailures.WithLabelValues("invalid-refresh").Inc()
		writeError(w, r, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	if _, err := a.sessions.Validate(r.Context(), rec.SessionID, session.ClientInfo{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}); err != nil {
		_ = a.tokens.RevokeFamily(r.Context(), rec.FamilyID)
		writeError(w, r, http.StatusUnauthorized, "session is not active")
		return
	}

	_ = audit.Log(r.Context(), a.audit, audit.Event{
		Kind:     audit.KindTokenRefresh,
		TenantID: rec.TenantID,
		UserID:   rec.UserID,
		IP:       clientIP(r),
		Metadata: map[string]any{"session_id": rec.SessionID},
	})

	if _, err := r.Cookie(accessCookie); err == nil {
		setAccessCookie(w, pair.AccessToken, pair.AccessExpiresAt)
	}
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		TokenType:        "Bearer",
		ExpiresAt:        pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		TenantID:         rec.TenantID,
		SessionID:        rec.SessionID,
	})
}

// refreshRoles re-reads provisioning at rotation time so the new token
// reflects role changes made since the session began. Grant-backed sessions
// have no provision in the target tenant; their permissions keep flowing
// from the grant, not from role claims.
func (a *API) refreshRoles(ctx context.Context, userID, tenantID string) ([]string, error) {
	p, err := a.directory.Provision(ctx, userID, tenantID)
	if errors.Is(err, tenant.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if p.Status != tenant.ProvisionActive {
		return nil, nil
	}
	return p.RoleCodes, nil
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	sess, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	_ = a.tokens.RevokeFamily(r.Context(), sess.TokenFamilyID)
	if err := a.sessions.Terminate(r.Context(), sess.ID, session.ReasonLogout); err != nil {
		writeError(w, r, http.StatusInternalServerError, "logout failed")
		return
	}
	_ = audit.Log(r.Context(), a.audit, audit.Event{
		Kind:     audit.KindTokenRevoked,
		IP:       clientIP(r),
		Metadata: map[string]any{"family_id": sess.TokenFamilyID, "trigger": "logout"},
	})
	_ = audit.Log(r.Context(), a.audit, audit.Event{
		Kind:     audit.KindLogout,
		IP:       clientIP(r),
		Metadata: map[string]any{"session_id": sess.ID},
	})
	clearAccessCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (a *API) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	scope, ok := tenant.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	principal, err := a.authz.PrincipalFromContext(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "authorization error")
		return
	}
	sess, _ := sessionFromContext(r.Context())

	resp := map[string]any{
		"tenant_id":   scope.TenantID,
		"user_id":     scope.UserID,
		"roles":       scope.Roles,
		"permissions": principal.EffectiveSet(),
	}
	if scope.GrantID != "" {
		resp["grant_id"] = scope.GrantID
	}
	if sess != nil {
		resp["session_id"] = sess.ID
		resp["session_expires_at"] = sess.ExpiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	scope, ok := tenant.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	policy := a.policyFor(r, scope.TenantID)
	if err := a.creds.ChangePassword(r.Context(), scope.UserID, req.CurrentPassword, req.NewPassword, policy); err != nil {
		var policyErr credential.PolicyError
		switch {
		case errors.As(err, &policyErr):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":      "password violates policy",
				"violations": policyErr.Violations,
			})
		case errors.Is(err, credential.ErrReuse):
			writeError(w, r, http.StatusUnprocessableEntity, "password was used recently")
		case errors.Is(err, credential.ErrWrongPassword):
			writeError(w, r, http.StatusForbidden, "current password is incorrect")
		default:
			writeError(w, r, http.StatusInternalServerError, "password change failed")
		}
		return
	}

	// Every outstanding credential dies with the old password.
	_ = a.tokens.RevokeAllForUser(r.Context(), scope.UserID)
	_ = a.sessions.TerminateAllForUser(r.Context(), scope.UserID, session.ReasonAdmin)

	_ = audit.Log(r.Context(), a.audit, audit.Event{
		Kind:     audit.KindPolicyChanged,
		IP:       clientIP(r),
		Metadata: map[string]any{"action": "password-changed"},
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_changed", "reauthentication_required": true})
}

// --- helpers ---

func (a *API) auditLoginFailure(r *http.Request, email, tenantID, reason string) {
	_ = audit.Log(r.Context(), a.audit, audit.Event{
		Kind:     audit.KindLoginFailure,
		Severity: audit.SeverityElevated,
		TenantID: tenantID,
		IP:       clientIP(r),
		Metadata: map[string]any{"email": email, "reason": reason},
	})
}

func (a *API) auditSecurity(r *http.Request, kind, tenantID string, user *credential.User, meta map[string]any) {
	event := audit.Event{
		Kind:     kind,
		Severity: audit.SeverityCritical,
		TenantID: tenantID,
		IP:       clientIP(r),
		Metadata: meta,
	}
	if user != nil {
		event.UserID = user.ID
	}
	_ = audit.Log(r.Context(), a.audit, event)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
