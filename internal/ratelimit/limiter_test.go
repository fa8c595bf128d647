package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, limits map[string]Limit, threshold int) (*Limiter, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	l := New(rdb, limits, threshold, WithClock(func() time.Time { return now }))
	return l, mr, &now
}

func TestAllowUpToLimitThenReject(t *testing.T) {
	l, _, _ := newTestLimiter(t, map[string]Limit{ScopeLogin: {PerMinute: 5}}, 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := l.Allow(ctx, "ten-1", "user-1", ScopeLogin)
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		if !d.Allowed {
			t.Fatalf("attempt %d rejected before limit", i+1)
		}
	}

	d, err := l.Allow(ctx, "ten-1", "user-1", ScopeLogin)
	if err != nil {
		t.Fatalf("6th attempt: %v", err)
	}
	if d.Allowed {
		t.Fatal("6th attempt allowed past limit")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("retry-after out of range: %v", d.RetryAfter)
	}

	// A different identity in the same tenant has its own budget.
	d, err = l.Allow(ctx, "ten-1", "user-2", ScopeLogin)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatal("unrelated identity rejected")
	}
}

func TestWindowRollover(t *testing.T) {
	l, _, now := newTestLimiter(t, map[string]Limit{ScopeAPI: {PerMinute: 2}}, 0)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if d, _ := l.Allow(ctx, "ten-1", "user-1", ScopeAPI); !d.Allowed {
			t.Fatalf("attempt %d rejected", i+1)
		}
	}
	if d, _ := l.Allow(ctx, "ten-1", "user-1", ScopeAPI); d.Allowed {
		t.Fatal("over-limit attempt allowed")
	}

	*now = now.Add(time.Minute)
	d, err := l.Allow(ctx, "ten-1", "user-1", ScopeAPI)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatal("attempt in fresh window rejected")
	}
}

func TestHourlyCeilingAppliesAcrossMinutes(t *testing.T) {
	l, _, now := newTestLimiter(t, map[string]Limit{ScopeExport: {PerMinute: 2, PerHour: 3}}, 0)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if d, _ := l.Allow(ctx, "ten-1", "user-1", ScopeExport); !d.Allowed {
			t.Fatalf("minute 0 attempt %d rejected", i+1)
		}
	}
	*now = now.Add(time.Minute)
	if d, _ := l.Allow(ctx, "ten-1", "user-1", ScopeExport); !d.Allowed {
		t.Fatal("3rd hourly attempt rejected")
	}
	d, _ := l.Allow(ctx, "ten-1", "user-1", ScopeExport)
	if d.Allowed {
		t.Fatal("4th attempt allowed past hourly ceiling")
	}
	if d.RetryAfter <= time.Minute {
		t.Fatalf("retry-after should point at hourly rollover, got %v", d.RetryAfter)
	}
}

func TestUnconfiguredScopePasses(t *testing.T) {
	l, _, _ := newTestLimiter(t, map[string]Limit{}, 0)
	d, err := l.Allow(context.Background(), "ten-1", "user-1", "unknown")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatal("unconfigured scope rejected")
	}
}

func TestRedisDownSurfacesUnavailable(t *testing.T) {
	l, mr, _ := newTestLimiter(t, map[string]Limit{ScopeLogin: {PerMinute: 5}}, 0)
	mr.Close()
	_, err := l.Allow(context.Background(), "ten-1", "user-1", ScopeLogin)
	if err == nil {
		t.Fatal("expected error with counter store down")
	}
}

func TestAbuseCounterThreshold(t *testing.T) {
	l, _, _ := newTestLimiter(t, nil, 3)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		count, exceeded, err := l.RecordCrossTenant(ctx, "user-1")
		if err != nil {
			t.Fatal(err)
		}
		if count != int64(i) || exceeded {
			t.Fatalf("after %d marks: count=%d exceeded=%v", i, count, exceeded)
		}
	}
	count, exceeded, err := l.RecordCrossTenant(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 || !exceeded {
		t.Fatalf("threshold not reported: count=%d exceeded=%v", count, exceeded)
	}

	if err := l.ResetAbuse(ctx, "user-1"); err != nil {
		t.Fatal(err)
	}
	count, exceeded, err = l.RecordCrossTenant(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 || exceeded {
		t.Fatalf("reset did not clear counter: count=%d exceeded=%v", count, exceeded)
	}
}
