// Package session maintains server-side session records: per-tenant binding,
// concurrency caps, idle timeouts and audited termination. A session's tenant
// is immutable after creation; switching tenants means a new session.
package session

import (
	"context"
	"errors"
	"time"
)

// Session statuses.
const (
	StatusActive     = "active"
	StatusExpired    = "expired"
	StatusTerminated = "terminated"
)

// Termination reasons recorded alongside status transitions.
const (
	ReasonLogout        = "logout"
	ReasonIdle          = "idle-timeout"
	ReasonExpired       = "absolute-expiry"
	ReasonConcurrentCap = "concurrent-session-cap"
	ReasonRevoked       = "token-revoked"
	ReasonAbuse         = "abuse-threshold"
	ReasonAdmin         = "administrative"
)

// Session binds a bearer credential to a user, tenant and lifetime.
type Session struct {
	ID                string
	TokenFamilyID     string
	UserID            string
	TenantID          string
	CreatedAt         time.Time
	LastActivity      time.Time
	ExpiresAt         time.Time
	Status            string
	TerminationReason string
	TerminatedAt      time.Time
	IP                string
	UserAgent         string
	// GrantID ties cross-tenant sessions to the authorizing grant.
	GrantID string
}

// ClientInfo captures the request attributes recorded on the session.
type ClientInfo struct {
	IP        string
	UserAgent string
}

var (
	ErrNotFound   = errors.New("session: not found")
	ErrNotActive  = errors.New("session: not active")
	ErrExpired    = errors.New("session: expired")
	ErrIdle       = errors.New("session: idle timeout exceeded")
)

// Store describes session persistence.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Find(ctx context.Context, id string) (*Session, error)
	ActiveForUser(ctx context.Context, userID, tenantID string) ([]*Session, error)
	Touch(ctx context.Context, id string, lastActivity time.Time) error
	Extend(ctx context.Context, id string, expiresAt time.Time) error
	Terminate(ctx context.Context, id, reason string, at time.Time) error
	TerminateAllForUser(ctx context.Context, userID, reason string, at time.Time) error
}
