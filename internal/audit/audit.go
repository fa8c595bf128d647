// Package audit records authentication events, permission denials, data
// changes and security anomalies in an append-only log. Events buffered for a
// request are durable before the request reports success; a failed audit
// write on an auditable event fails the request.
package audit

import (
	"context"
	"errors"
	"time"

	"fincore.org/internal/ids"
	"fincore.org/internal/obs"
	"fincore.org/internal/tenant"
)

// Event kinds. The set of auditable categories is fixed.
const (
	KindLoginSuccess     = "auth.login.success"
	KindLoginFailure     = "auth.login.failure"
	KindLogout           = "auth.logout"
	KindTokenRefresh     = "auth.token.refresh"
	KindTokenRevoked     = "auth.token.revoked"
	KindTokenReplay      = "security.token-replay"
	KindFamilyRevoked    = "security.family-revoked"
	KindLockout          = "security.lockout"
	KindPermissionDeny   = "authz.denied"
	KindDataCreate       = "data.create"
	KindDataUpdate       = "data.update"
	KindDataDelete       = "data.delete"
	KindCrossTenantRead  = "security.cross-tenant-read-blocked"
	KindCrossTenantWrite = "security.cross-tenant-write-blocked"
	KindDecryptFailure   = "security.decrypt-failure"
	KindSessionsFlushed  = "security.sessions-terminated"
	KindGrantIssued      = "admin.grant.issued"
	KindUserProvisioned  = "admin.user.provisioned"
	KindPolicyChanged    = "admin.policy.changed"
	KindAuditRead        = "audit.read"
)

// Severities attached to event metadata.
const (
	SeverityInfo     = "info"
	SeverityElevated = "elevated"
	SeverityCritical = "critical"
)

// ErrWriteFailed marks an audit persistence failure. Handlers must propagate
// it: a request whose audit trail cannot be written does not succeed.
var ErrWriteFailed = errors.New("audit: write failed")

// Event is one append-only audit record. OldValues/NewValues capture data
// changes on resources designated auditable.
type Event struct {
	ID           string
	TenantID     string
	UserID       string
	Kind         string
	Severity     string
	ResourceType string
	ResourceID   string
	OldValues    map[string]any
	NewValues    map[string]any
	IP           string
	Metadata     map[string]any
	OccurredAt   time.Time
}

// Store appends immutable events and serves permission-guarded reads.
type Store interface {
	Append(ctx context.Context, event *Event) error
	// List returns events for the tenant, newest first. Reads require
	// audit:read and are themselves audited by the caller.
	List(ctx context.Context, tenantID string, limit int) ([]*Event, error)
}

// Log appends a single event immediately, outside any unit of work (login
// paths, background tasks). The event also mirrors to the operational log.
func Log(ctx context.Context, store Store, event Event) error {
	fill(ctx, &event)
	mirror(&event)
	if err := store.Append(ctx, &event); err != nil {
		obs.AuditWriteFailures.Inc()
		obs.Alert("audit write failed", map[string]any{"kind": event.Kind, "error": err.Error()})
		return ErrWriteFailed
	}
	return nil
}

func fill(ctx context.Context, event *Event) {
	if event.ID == "" {
		event.ID = ids.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	if scope, ok := tenant.FromContext(ctx); ok {
		if event.TenantID == "" {
			event.TenantID = scope.TenantID
		}
		if event.UserID == "" {
			event.UserID = scope.UserID
		}
	}
}

func mirror(event *Event) {
	entry := map[string]any{
		"ts":       event.OccurredAt.Format(time.RFC3339Nano),
		"type":     "audit",
		"event":    event.Kind,
		"severity": event.Severity,
	}
	if event.TenantID != "" {
		entry["tenant_id"] = event.TenantID
	}
	if event.UserID != "" {
		entry["user_id"] = event.UserID
	}
	if event.ResourceType != "" {
		entry["resource"] = event.ResourceType + "/" + event.ResourceID
	}
	obs.LogRequest(entry)
}
