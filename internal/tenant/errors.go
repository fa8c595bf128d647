package tenant

import "errors"

var (
	// ErrNoContext is returned when a tenant-scoped operation runs outside a
	// bound tenant scope. Consumers must treat it as unauthenticated.
	ErrNoContext = errors.New("tenant: no tenant context")

	// ErrCrossTenant is returned when an operation targets a tenant other
	// than the active one. Always audited as a security anomaly.
	ErrCrossTenant = errors.New("tenant: cross-tenant access blocked")

	// ErrNotFound is returned when the target tenant does not exist.
	ErrNotFound = errors.New("tenant: not found")

	// ErrSuspended is returned for operations against a suspended or
	// deleted tenant.
	ErrSuspended = errors.New("tenant: not active")
)
