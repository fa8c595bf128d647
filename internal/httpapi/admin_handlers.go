package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"fincore.org/internal/audit"
	"fincore.org/internal/authz"
	"fincore.org/internal/credential"
	"fincore.org/internal/ids"
	"fincore.org/internal/session"
	"fincore.org/internal/tenant"
)

type provisionUserRequest struct {
	Email     string   `json:"email"`
	Password  string   `json:"password"`
	TenantID  string   `json:"tenant_id"`
	RoleCodes []string `json:"role_codes"`
}

// handleProvisionUser creates the user if needed and provisions it into the
// caller's tenant. Admins provision into their own tenant only; reaching
// into another tenant takes a grant, not this endpoint.
func (a *API) handleProvisionUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	scope, _ := tenant.FromContext(r.Context())

	var req provisionUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || len(req.RoleCodes) == 0 {
		writeError(w, r, http.StatusBadRequest, "email and role_codes are required")
		return
	}
	if req.TenantID != "" && req.TenantID != scope.TenantID {
		writeError(w, r, http.StatusForbidden, "cannot provision into another tenant")
		return
	}
	for _, code := range req.RoleCodes {
		if !authz.ValidRole(code) {
			writeError(w, r, http.StatusBadRequest, "unknown role code: "+code)
			return
		}
	}

	user, err := a.creds.Lookup(r.Context(), req.Email)
	if errors.Is(err, credential.ErrNotFound) {
		if req.Password == "" {
			writeError(w, r, http.StatusBadRequest, "password is required for a new user")
			return
		}
		policy := a.policyFor(r, scope.TenantID)
		if violations := policy.Validate(req.Password); len(violations) > 0 {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":      "password violates policy",
				"violations": violations,
			})
			return
		}
		hash, err := a.creds.HashPassword(req.Password)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "user creation failed")
			return
		}
		user = &credential.User{
			ID:                ids.New(),
			Email:             req.Email,
			PasswordHash:      hash,
			Status:            credential.UserStatusActive,
			PasswordChangedAt: a.now().UTC(),
		}
		if err := a.users.Create(r.Context(), user); err != nil {
			writeError(w, r, http.StatusInternalServerError, "user creation failed")
			return
		}
	} else if err != nil {
		writeError(w, r, http.StatusInternalServerError, "lookup failed")
		return
	}

	if err := a.directory.UpsertProvision(r.Context(), &tenant.Provision{
		UserID:        user.ID,
		TenantID:      scope.TenantID,
		RoleCodes:     req.RoleCodes,
		Status:        tenant.ProvisionActive,
		ProvisionedBy: scope.UserID,
		ProvisionedAt: a.now().UTC(),
	}); err != nil {
		writeError(w, r, http.StatusInternalServerError, "provisioning failed")
		return
	}

	if err := audit.Log(r.Context(), a.audit, audit.Event{
		Kind:         audit.KindUserProvisioned,
		ResourceType: "user",
		ResourceID:   user.ID,
		IP:           clientIP(r),
		NewValues:    map[string]any{"email": req.Email, "role_codes": req.RoleCodes},
	}); err != nil {
		writeError(w, r, http.StatusInternalServerError, "audit unavailable")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"user_id":    user.ID,
		"tenant_id":  scope.TenantID,
		"role_codes": req.RoleCodes,
	})
}

type issueGrantRequest struct {
	UserID       string   `json:"user_id"`
	TargetTenant string   `json:"target_tenant"`
	AccessKind   string   `json:"access_kind"`
	Permissions  []string `json:"permissions"`
	TTLHours     int      `json:"ttl_hours"`
	Correlation  string   `json:"correlation_id"`
}

// handleIssueGrant mints a bounded cross-tenant grant. The caller approves
// it; the grant records who, from where, into where, and until when.
func (a *API) handleIssueGrant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	scope, _ := tenant.FromContext(r.Context())

	var req issueGrantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" || req.TargetTenant == "" || len(req.Permissions) == 0 {
		writeError(w, r, http.StatusBadRequest, "user_id, target_tenant and permissions are required")
		return
	}
	if !ids.Valid(req.UserID) {
		writeError(w, r, http.StatusBadRequest, "user_id is not a valid id")
		return
	}
	if req.TargetTenant == scope.TenantID {
		writeError(w, r, http.StatusBadRequest, "target tenant equals the source tenant")
		return
	}
	for _, code := range req.Permissions {
		if !authz.ValidCode(code) {
			writeError(w, r, http.StatusBadRequest, "unknown permission code: "+code)
			return
		}
	}
	if err := a.checkTenantActive(r.Context(), req.TargetTenant); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "target tenant is not active")
		return
	}
	ttl := time.Duration(req.TTLHours) * time.Hour
	if ttl <= 0 || ttl > 7*24*time.Hour {
		ttl = 24 * time.Hour
	}
	if req.Correlation == "" {
		req.Correlation = uuid.NewString()
	}

	grant := &tenant.Grant{
		ID:            ids.New(),
		UserID:        req.UserID,
		SourceTenant:  scope.TenantID,
		TargetTenant:  req.TargetTenant,
		AccessKind:    req.AccessKind,
		Permissions:   req.Permissions,
		ApprovedBy:    scope.UserID,
		CorrelationID: req.Correlation,
		ExpiresAt:     a.now().UTC().Add(ttl),
		CreatedAt:     a.now().UTC(),
	}
	if err := a.directory.CreateGrant(r.Context(), grant); err != nil {
		writeError(w, r, http.StatusInternalServerError, "grant creation failed")
		return
	}

	if err := audit.Log(r.Context(), a.audit, audit.Event{
		Kind:         audit.KindGrantIssued,
		Severity:     audit.SeverityElevated,
		ResourceType: "cross_tenant_grant",
		ResourceID:   grant.ID,
		IP:           clientIP(r),
		NewValues: map[string]any{
			"user_id":       grant.UserID,
			"target_tenant": grant.TargetTenant,
			"permissions":   grant.Permissions,
			"expires_at":    grant.ExpiresAt,
		},
	}); err != nil {
		writeError(w, r, http.StatusInternalServerError, "audit unavailable")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"grant_id":   grant.ID,
		"expires_at": grant.ExpiresAt,
	})
}

type passwordPolicyRequest struct {
	MinLength         int  `json:"min_length"`
	MaxLength         int  `json:"max_length"`
	RequireUpper      bool `json:"require_upper"`
	RequireLower      bool `json:"require_lower"`
	RequireDigit      bool `json:"require_digit"`
	RequireSymbol     bool `json:"require_symbol"`
	HistoryCount      int  `json:"history_count"`
	ExpiryDays        int  `json:"expiry_days"`
	MaxFailedAttempts int  `json:"max_failed_attempts"`
	LockoutMinutes    int  `json:"lockout_minutes"`
}

func (a *API) handlePasswordPolicy(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		scope, ok := tenant.FromContext(r.Context())
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		policy := a.policyFor(r, scope.TenantID)
		writeJSON(w, http.StatusOK, policyResponse(policy))
	case http.MethodPost:
		scope, _ := tenant.FromContext(r.Context())

		var req passwordPolicyRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if req.MinLength < 8 || req.MaxFailedAttempts < 1 || req.LockoutMinutes < 1 {
			writeError(w, r, http.StatusUnprocessableEntity, "policy is weaker than the platform floor")
			return
		}
		policy := credential.Policy{
			MinLength:         req.MinLength,
			MaxLength:         req.MaxLength,
			RequireUpper:      req.RequireUpper,
			RequireLower:      req.RequireLower,
			RequireDigit:      req.RequireDigit,
			RequireSymbol:     req.RequireSymbol,
			HistoryCount:      req.HistoryCount,
			ExpiryDays:        req.ExpiryDays,
			MaxFailedAttempts: req.MaxFailedAttempts,
			LockoutMinutes:    req.LockoutMinutes,
		}
		if err := a.directory.SetPasswordPolicy(r.Context(), scope.TenantID, policy); err != nil {
			writeError(w, r, http.StatusInternalServerError, "policy update failed")
			return
		}
		if err := audit.Log(r.Context(), a.audit, audit.Event{
			Kind:         audit.KindPolicyChanged,
			ResourceType: "password_policy",
			ResourceID:   scope.TenantID,
			IP:           clientIP(r),
			NewValues:    map[string]any{"min_length": policy.MinLength, "history_count": policy.HistoryCount},
		}); err != nil {
			writeError(w, r, http.StatusInternalServerError, "audit unavailable")
			return
		}
		writeJSON(w, http.StatusOK, policyResponse(policy))
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func policyResponse(p credential.Policy) map[string]any {
	return map[string]any{
		"min_length":          p.MinLength,
		"max_length":          p.MaxLength,
		"require_upper":       p.RequireUpper,
		"require_lower":       p.RequireLower,
		"require_digit":       p.RequireDigit,
		"require_symbol":      p.RequireSymbol,
		"history_count":       p.HistoryCount,
		"expiry_days":         p.ExpiryDays,
		"max_failed_attempts": p.MaxFailedAttempts,
		"lockout_minutes":     p.LockoutMinutes,
	}
}

type terminateSessionsRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

func (a *API) handleTerminateSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req terminateSessionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !ids.Valid(req.UserID) {
		writeError(w, r, http.StatusBadRequest, "user_id is not a valid id")
		return
	}

	if err := a.sessions.TerminateAllForUser(r.Context(), req.UserID, session.ReasonAdmin); err != nil {
		writeError(w, r, http.StatusInternalServerError, "termination failed")
		return
	}
	_ = a.tokens.RevokeAllForUser(r.Context(), req.UserID)

	if err := audit.Log(r.Context(), a.audit, audit.Event{
		Kind:     audit.KindSessionsFlushed,
		Severity: audit.SeverityElevated,
		IP:       clientIP(r),
		Metadata: map[string]any{"target_user_id": req.UserID, "reason": req.Reason},
	}); err != nil {
		writeError(w, r, http.StatusInternalServerError, "audit unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "terminated"})
}

// handleAuditList serves the tenant's trail, newest first. Reading the
// trail is itself recorded.
func (a *API) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	scope, _ := tenant.FromContext(r.Context())

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	events, err := a.audit.List(r.Context(), scope.TenantID, limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "audit read failed")
		return
	}
	_ = audit.Log(r.Context(), a.audit, audit.Event{
		Kind:     audit.KindAuditRead,
		IP:       clientIP(r),
		Metadata: map[string]any{"limit": limit, "returned": len(events)},
	})

	items := make([]map[string]any, 0, len(events))
	for _, e := range events {
		item := map[string]any{
			"id":          e.ID,
			"kind":        e.Kind,
			"severity":    e.Severity,
			"user_id":     e.UserID,
			"occurred_at": e.OccurredAt,
		}
		if e.ResourceType != "" {
			item["resource_type"] = e.ResourceType
			item["resource_id"] = e.ResourceID
		}
		if len(e.Metadata) > 0 {
			item["metadata"] = e.Metadata
		}
		if len(e.OldValues) > 0 {
			item["old_values"] = e.OldValues
		}
		if len(e.NewValues) > 0 {
			item["new_values"] = e.NewValues
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "as_of": a.now().UTC()})
}
