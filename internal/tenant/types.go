// Package tenant defines tenant records, the per-request tenant context, and
// the isolation sentinels every other package reports violations with. All
// business data is partitioned by tenant; nothing below the HTTP layer may
// touch a tenant-scoped row without a bound context.
package tenant

import "time"

// Tenant statuses.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusDeleted   = "deleted"
)

// Provision statuses.
const (
	ProvisionActive  = "active"
	ProvisionRevoked = "revoked"
)

// Tenant is an isolated customer namespace.
type Tenant struct {
	ID             string
	Name           string
	Status         string
	EncryptionSalt []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Provision links a user into a tenant with a set of role codes.
type Provision struct {
	UserID        string
	TenantID      string
	RoleCodes     []string
	Status        string
	ProvisionedBy string
	ProvisionedAt time.Time
}

// Grant is an explicit, approver-signed exception allowing a user from one
// tenant to act in another for a bounded time.
type Grant struct {
	ID            string
	UserID        string
	SourceTenant  string
	TargetTenant  string
	AccessKind    string
	Permissions   []string
	ApprovedBy    string
	CorrelationID string
	ExpiresAt     time.Time
	CreatedAt     time.Time
}

// Active reports whether the grant is usable at the given instant.
func (g Grant) Active(now time.Time) bool {
	return now.Before(g.ExpiresAt)
}
