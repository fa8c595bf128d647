package session

import (
	"context"
	"fmt"
	"sort"
	"time"

	"fincore.org/internal/ids"
	"fincore.org/internal/obs"
)

// Policy bounds session lifecycle.
type Policy struct {
	IdleTimeout      time.Duration
	AbsoluteLifetime time.Duration
	// RememberLifetime applies when the client asked to be remembered.
	RememberLifetime time.Duration
	MaxConcurrent    int
	ExtendStep       time.Duration
}

// Service implements the session lifecycle on top of a Store.
type Service struct {
	store  Store
	policy Policy
	now    func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the session service.
func NewService(store Store, policy Policy, opts ...ServiceOption) *Service {
	if policy.ExtendStep <= 0 {
		policy.ExtendStep = 30 * time.Minute
	}
	s := &Service{store: store, policy: policy, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create opens a session. When the user already holds MaxConcurrent active
// sessions in the tenant, the oldest one is terminated first.
func (s *Service) Create(ctx context.Context, userID, tenantID, tokenFamilyID, grantID string, client ClientInfo, remember bool) (*Session, error) {
	now := s.now().UTC()

	if s.policy.MaxConcurrent > 0 {
		active, err := s.store.ActiveForUser(ctx, userID, tenantID)
		if err != nil {
			return nil, err
		}
		if len(active) >= s.policy.MaxConcurrent {
			sort.Slice(active, func(i, j int) bool {
				return active[i].CreatedAt.Before(active[j].CreatedAt)
			})
			evict := len(active) - s.policy.MaxConcurrent + 1
			for _, victim := range active[:evict] {
				if err := s.store.Terminate(ctx, victim.ID, ReasonConcurrentCap, now); err != nil {
					return nil, err
				}
			}
		}
	}

	lifetime := s.policy.AbsoluteLifetime
	if remember && s.policy.RememberLifetime > lifetime {
		lifetime = s.policy.RememberLifetime
	}
	sess := &Session{
		ID:            ids.New(),
		TokenFamilyID: tokenFamilyID,
		UserID:        userID,
		TenantID:      tenantID,
		CreatedAt:     now,
		LastActivity:  now,
		ExpiresAt:     now.Add(lifetime),
		Status:        StatusActive,
		IP:            client.IP,
		UserAgent:     client.UserAgent,
		GrantID:       grantID,
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Validate checks liveness and slides the activity window. Rejections carry
// the reason for the audit layer; clients see the uniform unauthorized.
// A client IP or user agent that differs from the recorded one is logged
// but not rejected: NAT and mobile networks move addresses legitimately.
func (s *Service) Validate(ctx context.Context, sessionID string, client ClientInfo) (*Session, error) {
	sess, err := s.store.Find(ctx, sessionID)
	if err != nil {
		return nil, ErrNotFound
	}
	if client.IP != "" && sess.IP != "" && client.IP != sess.IP {
		obs.Log("warn", "session client ip changed", map[string]any{
			"session_id":  sess.ID,
			"recorded_ip": sess.IP,
			"seen_ip":     client.IP,
		})
	}
	if client.UserAgent != "" && sess.UserAgent != "" && client.UserAgent != sess.UserAgent {
		obs.Log("warn", "session user agent changed", map[string]any{
			"session_id": sess.ID,
		})
	}
	now := s.now().UTC()
	if sess.Status != StatusActive {
		return nil, fmt.Errorf("%w: status %s", ErrNotActive, sess.Status)
	}
	if !now.Before(sess.ExpiresAt) {
		if err := s.store.Terminate(ctx, sess.ID, ReasonExpired, now); err != nil {
			return nil, err
		}
		return nil, ErrExpired
	}
	if s.policy.IdleTimeout > 0 && now.Sub(sess.LastActivity) > s.policy.IdleTimeout {
		if err := s.store.Terminate(ctx, sess.ID, ReasonIdle, now); err != nil {
			return nil, err
		}
		return nil, ErrIdle
	}
	if err := s.store.Touch(ctx, sess.ID, now); err != nil {
		return nil, err
	}
	sess.LastActivity = now
	return sess, nil
}

// Extend pushes the expiry out by the configured step. It never shortens.
func (s *Service) Extend(ctx context.Context, sess *Session) error {
	next := s.now().UTC().Add(s.policy.ExtendStep)
	if !next.After(sess.ExpiresAt) {
		return nil
	}
	if err := s.store.Extend(ctx, sess.ID, next); err != nil {
		return err
	}
	sess.ExpiresAt = next
	return nil
}

// Terminate ends a session with a reason. Terminating twice has the same
// effect as once.
func (s *Service) Terminate(ctx context.Context, sessionID, reason string) error {
	return s.store.Terminate(ctx, sessionID, reason, s.now().UTC())
}

// TerminateAllForUser ends every active session of the user.
func (s *Service) TerminateAllForUser(ctx context.Context, userID, reason string) error {
	return s.store.TerminateAllForUser(ctx, userID, reason, s.now().UTC())
}

// ActiveCount reports the user's active sessions within the tenant.
func (s *Service) ActiveCount(ctx context.Context, userID, tenantID string) (int, error) {
	active, err := s.store.ActiveForUser(ctx, userID, tenantID)
	if err != nil {
		return 0, err
	}
	return len(active), nil
}
