// Package ratelimit implements per-tenant sliding-window counters over Redis
// for authentication, API and sensitive-operation scopes, plus the abuse
// counter that tracks blocked cross-tenant attempts per user.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fincore.org/internal/obs"
)

// Limiter scopes.
const (
	ScopeLogin  = "login"
	ScopeAPI    = "api"
	ScopeUpload = "upload"
	ScopeExport = "export"
	ScopeAdmin  = "admin"
)

// Limit holds the ceilings for one scope. Zero disables the window.
type Limit struct {
	PerMinute int
	PerHour   int
}

// Decision is the outcome of one limiter check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// ErrUnavailable is returned when the counter store cannot be reached.
// Callers surface service-unavailable rather than failing open.
var ErrUnavailable = errors.New("ratelimit: counter store unavailable")

// Limiter keeps rolling counters keyed by (tenant, identity, scope) in
// Redis, each with a TTL equal to its window.
type Limiter struct {
	rdb            redis.UniversalClient
	limits         map[string]Limit
	abuseThreshold int
	abuseTTL       time.Duration
	now            func() time.Time
}

// Option configures the Limiter.
type Option func(*Limiter)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithAbuseTTL overrides how long cross-tenant anomaly marks persist.
func WithAbuseTTL(ttl time.Duration) Option {
	return func(l *Limiter) {
		if ttl > 0 {
			l.abuseTTL = ttl
		}
	}
}

// New constructs a Limiter. limits maps scope to ceilings; abuseThreshold is
// the cross-tenant anomaly count that escalates to session termination.
func New(rdb redis.UniversalClient, limits map[string]Limit, abuseThreshold int, opts ...Option) *Limiter {
	l := &Limiter{
		rdb:            rdb,
		limits:         limits,
		abuseThreshold: abuseThreshold,
		abuseTTL:       24 * time.Hour,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow counts one hit against both windows of the scope. The first window
// to overflow rejects with a retry hint pointing at its rollover.
func (l *Limiter) Allow(ctx context.Context, tenantID, identity, scope string) (Decision, error) {
	limit, ok := l.limits[scope]
	if !ok {
		return Decision{Allowed: true}, nil
	}
	if limit.PerMinute > 0 {
		decision, err := l.hit(ctx, tenantID, identity, scope, time.Minute, limit.PerMinute)
		if err != nil || !decision.Allowed {
			return decision, err
		}
	}
	if limit.PerHour > 0 {
		decision, err := l.hit(ctx, tenantID, identity, scope, time.Hour, limit.PerHour)
		if err != nil || !decision.Allowed {
			return decision, err
		}
	}
	return Decision{Allowed: true}, nil
}

func (l *Limiter) hit(ctx context.Context, tenantID, identity, scope string, window time.Duration, max int) (Decision, error) {
	now := l.now()
	windowStart := now.Truncate(window)
	key := fmt.Sprintf("rl:%s:%s:%s:%d:%d", scope, tenantID, identity, int(window.Seconds()), windowStart.Unix())

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	count := incr.Val()
	if count > int64(max) {
		obs.RateLimited.WithLabelValues(scope).Inc()
		return Decision{
			Allowed:    false,
			RetryAfter: windowStart.Add(window).Sub(now),
		}, nil
	}
	return Decision{Allowed: true}, nil
}

// RecordCrossTenant bumps the user's blocked-cross-tenant counter and
// reports whether the abuse threshold has been crossed. Escalation (session
// termination, administrator flag) is the caller's job.
func (l *Limiter) RecordCrossTenant(ctx context.Context, userID string) (count int64, exceeded bool, err error) {
	key := "abuse:crosstenant:" + userID
	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, l.abuseTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	count = incr.Val()
	return count, l.abuseThreshold > 0 && count >= int64(l.abuseThreshold), nil
}

// ResetAbuse clears the user's anomaly counter after administrator review.
func (l *Limiter) ResetAbuse(ctx context.Context, userID string) error {
	if err := l.rdb.Del(ctx, "abuse:crosstenant:"+userID).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
