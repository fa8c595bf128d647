package authz

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"fincore.org/internal/tenant"
)

// ErrForbidden is the uniform authorization denial. It is distinguishable
// from unauthorized and never presented as success with empty data.
var ErrForbidden = errors.New("authz: forbidden")

// Principal is a user with resolved roles and effective permissions in the
// active tenant. Effective permissions are the union over assigned roles.
type Principal struct {
	UserID      string
	TenantID    string
	RoleCodes   []string
	Permissions map[string]struct{}
}

// NewPrincipal builds a principal from resolved permission codes.
func NewPrincipal(userID, tenantID string, roleCodes, permissionCodes []string) Principal {
	set := make(map[string]struct{}, len(permissionCodes))
	for _, code := range permissionCodes {
		set[code] = struct{}{}
	}
	return Principal{UserID: userID, TenantID: tenantID, RoleCodes: roleCodes, Permissions: set}
}

// Has reports whether the principal holds the permission.
func (p Principal) Has(code string) bool {
	_, ok := p.Permissions[code]
	return ok
}

// HasRole reports whether the principal holds the role code.
func (p Principal) HasRole(code string) bool {
	code = strings.TrimSpace(strings.ToLower(code))
	for _, r := range p.RoleCodes {
		if r == code {
			return true
		}
	}
	return false
}

// EffectiveSet returns the sorted permission codes, for audit payloads.
func (p Principal) EffectiveSet() []string {
	out := make([]string, 0, len(p.Permissions))
	for code := range p.Permissions {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// Denial describes a rejected permission check for the audit layer.
type Denial struct {
	Requested    string
	EffectiveSet []string
}

func (d Denial) Error() string {
	return fmt.Sprintf("%v: requires %s", ErrForbidden, d.Requested)
}

func (d Denial) Unwrap() error { return ErrForbidden }

// Require is the primary guard: ok or a Denial carrying the requested code.
func (p Principal) Require(code string) error {
	if p.Has(code) {
		return nil
	}
	return Denial{Requested: code, EffectiveSet: p.EffectiveSet()}
}

// AnyOf passes when the principal holds at least one of the codes.
func (p Principal) AnyOf(codes ...string) error {
	for _, code := range codes {
		if p.Has(code) {
			return nil
		}
	}
	return Denial{Requested: strings.Join(codes, "|"), EffectiveSet: p.EffectiveSet()}
}

// AllOf passes only when the principal holds every code.
func (p Principal) AllOf(codes ...string) error {
	for _, code := range codes {
		if !p.Has(code) {
			return Denial{Requested: code, EffectiveSet: p.EffectiveSet()}
		}
	}
	return nil
}

// Store resolves role assignments to permission codes, tenant-scoped.
type Store interface {
	// PermissionsForRoles returns the union of permission codes granted to
	// the role codes within the tenant.
	PermissionsForRoles(ctx context.Context, tenantID string, roleCodes []string) ([]string, error)
	// WorkflowByType loads the tenant's approval workflow configuration.
	WorkflowByType(ctx context.Context, tenantID, workflowType string) (*Workflow, error)
}

// GrantSource resolves the permission codes carried by a cross-tenant
// grant. An expired or revoked grant resolves to no permissions.
type GrantSource interface {
	GrantPermissions(ctx context.Context, grantID string) ([]string, error)
}

// Resolver builds principals for bound tenant scopes.
type Resolver struct {
	store  Store
	grants GrantSource
}

// ResolverOption configures Resolver behavior.
type ResolverOption func(*Resolver)

// WithGrantSource wires cross-tenant grant resolution into the resolver.
func WithGrantSource(src GrantSource) ResolverOption {
	return func(r *Resolver) { r.grants = src }
}

// NewResolver constructs a Resolver.
func NewResolver(store Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{store: store}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PrincipalFromContext resolves the principal for the bound scope. Outside a
// bound scope it returns tenant.ErrNoContext: unauthenticated, not forbidden.
// A scope bound through a cross-tenant grant unions the grant's permission
// codes with whatever the user's roles carry in the target tenant.
func (r *Resolver) PrincipalFromContext(ctx context.Context) (Principal, error) {
	scope, ok := tenant.FromContext(ctx)
	if !ok {
		return Principal{}, tenant.ErrNoContext
	}
	perms, err := r.store.PermissionsForRoles(ctx, scope.TenantID, scope.Roles)
	if err != nil {
		return Principal{}, err
	}
	if scope.GrantID != "" && r.grants != nil {
		granted, err := r.grants.GrantPermissions(ctx, scope.GrantID)
		if err != nil {
			return Principal{}, err
		}
		perms = append(perms, granted...)
	}
	return NewPrincipal(scope.UserID, scope.TenantID, scope.Roles, perms), nil
}
