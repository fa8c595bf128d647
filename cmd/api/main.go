package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"fincore.org/internal/authz"
	"fincore.org/internal/config"
	"fincore.org/internal/credential"
	"fincore.org/internal/fieldcrypt"
	"fincore.org/internal/guard"
	"fincore.org/internal/httpapi"
	"fincore.org/internal/obs"
	"fincore.org/internal/ratelimit"
	"fincore.org/internal/session"
	"fincore.org/internal/store/pg"
	"fincore.org/internal/token"
)

var version = "0.3.1"

func main() {
	obs.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.PGDSN == "" {
		log.Fatal("missing DSN: set FINCORE_PG_DSN")
	}

	store, err := pg.Open(cfg.PGDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	limits := make(map[string]ratelimit.Limit, len(cfg.RateLimits))
	for scope, l := range cfg.RateLimits {
		limits[scope] = ratelimit.Limit{PerMinute: l.PerMinute, PerHour: l.PerHour}
	}
	limiter := ratelimit.New(rdb, limits, cfg.AbuseThreshold)

	hasher := credential.NewHasher(cfg.PasswordHashMemoryKiB, cfg.PasswordHashTime)
	credSvc := credential.NewService(store.Credentials(), hasher)

	tokSvc, err := token.NewService(store.Tokens(), cfg.TokenSecret,
		token.WithIssuer("fincore-api"),
		token.WithTTLs(cfg.AccessTTL, cfg.RefreshTTL))
	if err != nil {
		log.Fatalf("token service: %v", err)
	}

	sessSvc := session.NewService(store.Sessions(), session.Policy{
		IdleTimeout:      cfg.SessionIdleTimeout,
		AbsoluteLifetime: cfg.SessionLifetime,
		RememberLifetime: 30 * 24 * time.Hour,
		MaxConcurrent:    cfg.SessionMaxConcurrent,
	})

	codec, err := fieldcrypt.New(cfg.MasterKey, 1, store.Tenants())
	if err != nil {
		log.Fatalf("field codec: %v", err)
	}

	dataGuard := guard.New(store.DB(), guard.DefaultRegistry(), store.Audit(), store.Audit(),
		guard.WithCrossTenantHook(func(ctx context.Context, userID string) {
			if _, exceeded, err := limiter.RecordCrossTenant(ctx, userID); err == nil && exceeded {
				_ = sessSvc.TerminateAllForUser(ctx, userID, session.ReasonAbuse)
				_ = tokSvc.RevokeAllForUser(ctx, userID)
			}
		}))

	pp := cfg.DefaultPasswordPolicy
	api := httpapi.New(httpapi.Config{
		Version:     version,
		ReadyProbe:  httpapi.ReadyProbe{DB: store.DB()},
		Credentials: credSvc,
		Users:       store.Credentials(),
		Tokens:      tokSvc,
		Sessions:    sessSvc,
		Authz:       authz.NewResolver(store.Authz(), authz.WithGrantSource(store.Tenants())),
		Directory:   store.Tenants(),
		Limiter:     limiter,
		Audit:       store.Audit(),
		Guard:       dataGuard,
		Codec:       codec,

		IPRateBurst:     cfg.IPRateBurst,
		IPRatePerSecond: cfg.IPRatePerSecond,
		DefaultPolicy: credential.Policy{
			MinLength:         pp.MinLength,
			RequireUpper:      pp.RequireUpper,
			RequireLower:      pp.RequireLower,
			RequireDigit:      pp.RequireDigit,
			RequireSymbol:     pp.RequireSymbol,
			HistoryCount:      pp.HistoryCount,
			ExpiryDays:        pp.ExpiryDays,
			MaxFailedAttempts: pp.MaxFailedAttempts,
			LockoutMinutes:    pp.LockoutMinutes,
		},
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	for _, g := range api.RouteGuards() {
		log.Printf("route %s %s requires %s", g.Method, g.Path, g.Permission)
	}
	log.Printf("Starting fincore-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
