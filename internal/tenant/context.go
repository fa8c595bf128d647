package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Scope is the ambient record identifying whose data the current handler may
// touch. It is bound once by the request pipeline and is immutable after.
type Scope struct {
	TenantID string   `json:"tenant_id"`
	UserID   string   `json:"user_id"`
	Roles    []string `json:"roles,omitempty"`
	// GrantID correlates a cross-tenant session with the grant that
	// authorized it. Empty for ordinary sessions.
	GrantID string `json:"grant_id,omitempty"`
}

type scopeContextKey struct{}

// NewContext binds the scope to ctx for the lifetime of the request.
func NewContext(ctx context.Context, scope Scope) context.Context {
	scope.TenantID = strings.TrimSpace(scope.TenantID)
	scope.UserID = strings.TrimSpace(scope.UserID)
	return context.WithValue(ctx, scopeContextKey{}, &scope)
}

// FromContext extracts the bound scope. ok is false outside a bound scope;
// callers must then refuse tenant-scoped work.
func FromContext(ctx context.Context) (Scope, bool) {
	if ctx == nil {
		return Scope{}, false
	}
	v, ok := ctx.Value(scopeContextKey{}).(*Scope)
	if !ok || v == nil || v.TenantID == "" {
		return Scope{}, false
	}
	return *v, true
}

// CurrentTenant returns the active tenant id or ErrNoContext.
func CurrentTenant(ctx context.Context) (string, error) {
	scope, ok := FromContext(ctx)
	if !ok {
		return "", ErrNoContext
	}
	return scope.TenantID, nil
}

// CurrentUser returns the active user id or ErrNoContext.
func CurrentUser(ctx context.Context) (string, error) {
	scope, ok := FromContext(ctx)
	if !ok {
		return "", ErrNoContext
	}
	return scope.UserID, nil
}

// CurrentRoles returns the role codes bound to the scope, nil outside one.
func CurrentRoles(ctx context.Context) []string {
	scope, ok := FromContext(ctx)
	if !ok {
		return nil
	}
	out := make([]string, len(scope.Roles))
	copy(out, scope.Roles)
	return out
}

// Envelope serializes a scope for background tasks. Tasks with no envelope
// run with no tenant and may touch only tenant-agnostic tables.
func Envelope(scope Scope) ([]byte, error) {
	if strings.TrimSpace(scope.TenantID) == "" {
		return nil, errors.New("tenant: envelope requires a tenant id")
	}
	return json.Marshal(scope)
}

// FromEnvelope rebinds a serialized scope onto a task context.
func FromEnvelope(ctx context.Context, envelope []byte) (context.Context, error) {
	var scope Scope
	if err := json.Unmarshal(envelope, &scope); err != nil {
		return ctx, errors.New("tenant: malformed envelope")
	}
	if strings.TrimSpace(scope.TenantID) == "" {
		return ctx, errors.New("tenant: envelope missing tenant id")
	}
	return NewContext(ctx, scope), nil
}
