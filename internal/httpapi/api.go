// Package httpapi is the HTTP surface: authentication endpoints, admin
// operations, audit reads, and the middleware pipeline that binds every
// authenticated request to exactly one tenant scope.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"fincore.org/internal/audit"
	"fincore.org/internal/authz"
	"fincore.org/internal/credential"
	"fincore.org/internal/fieldcrypt"
	"fincore.org/internal/guard"
	"fincore.org/internal/obs"
	"fincore.org/internal/ratelimit"
	"fincore.org/internal/session"
	"fincore.org/internal/tenant"
	"fincore.org/internal/token"
)

// ReadyProbe — simple readiness check (e.g. DB ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Directory is the tenant/provisioning surface the handlers need.
type Directory interface {
	Find(ctx context.Context, id string) (*tenant.Tenant, error)
	Create(ctx context.Context, t *tenant.Tenant) error
	Provision(ctx context.Context, userID, tenantID string) (*tenant.Provision, error)
	ProvisionsForUser(ctx context.Context, userID string) ([]*tenant.Provision, error)
	UpsertProvision(ctx context.Context, p *tenant.Provision) error
	CreateGrant(ctx context.Context, g *tenant.Grant) error
	ActiveGrant(ctx context.Context, userID, targetTenant string, now time.Time) (*tenant.Grant, error)
	PasswordPolicy(ctx context.Context, tenantID string) (credential.Policy, bool, error)
	SetPasswordPolicy(ctx context.Context, tenantID string, p credential.Policy) error
}

// UserAdmin covers user lifecycle operations outside the credential flow.
type UserAdmin interface {
	Create(ctx context.Context, u *credential.User) error
	SetFlagged(ctx context.Context, userID string, flagged bool) error
	LastUsedTenant(ctx context.Context, userID string) (string, error)
}

// Limiter is the slice of the rate limiter the HTTP layer uses.
type Limiter interface {
	Allow(ctx context.Context, tenantID, identity, scope string) (ratelimit.Decision, error)
	RecordCrossTenant(ctx context.Context, userID string) (int64, bool, error)
}

// Config carries the API's collaborators.
type Config struct {
	Version       string
	ReadyProbe    ReadyProbe
	Credentials   *credential.Service
	Users         UserAdmin
	Tokens        *token.Service
	Sessions      *session.Service
	Authz         *authz.Resolver
	Directory     Directory
	Limiter       Limiter
	Audit         audit.Store
	Guard         *guard.Guard
	Codec         *fieldcrypt.Codec
	DefaultPolicy credential.Policy

	// IPRateBurst/IPRatePerSecond bound per-client-IP request rates in
	// front of the identity-aware limiter. Zero disables the gate.
	IPRateBurst     int
	IPRatePerSecond int
}

// RouteGuard declares the permission a route method requires. The table is
// assembled at registration time, so the required permission of every
// protected route is visible in one place instead of buried in handlers.
type RouteGuard struct {
	Method     string
	Path       string
	Permission string
}

// API — HTTP layer.
type API struct {
	mux           *http.ServeMux
	guards        []RouteGuard
	version       string
	readyProbe    ReadyProbe
	creds         *credential.Service
	users         UserAdmin
	tokens        *token.Service
	sessions      *session.Service
	authz         *authz.Resolver
	directory     Directory
	limiter       Limiter
	audit         audit.Store
	guard         *guard.Guard
	codec         *fieldcrypt.Codec
	defaultPolicy credential.Policy
	ipRateBurst   int
	ipRatePerSec  int
	now           func() time.Time
}

func New(cfg Config) *API {
	a := &API{
		mux:           http.NewServeMux(),
		version:       cfg.Version,
		readyProbe:    cfg.ReadyProbe,
		creds:         cfg.Credentials,
		users:         cfg.Users,
		tokens:        cfg.Tokens,
		sessions:      cfg.Sessions,
		authz:         cfg.Authz,
		directory:     cfg.Directory,
		limiter:       cfg.Limiter,
		audit:         cfg.Audit,
		guard:         cfg.Guard,
		codec:         cfg.Codec,
		defaultPolicy: cfg.DefaultPolicy,
		ipRateBurst:   cfg.IPRateBurst,
		ipRatePerSec:  cfg.IPRatePerSecond,
		now:           time.Now,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// authentication
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/introspect", a.handleIntrospect)
	a.mux.HandleFunc("/v1/auth/password", a.handleChangePassword)

	// administration; permissions declared beside the routes they protect
	a.registerGuarded("/v1/admin/users", a.handleProvisionUser,
		RouteGuard{Method: http.MethodPost, Permission: authz.PermUserProvision})
	a.registerGuarded("/v1/admin/grants", a.handleIssueGrant,
		RouteGuard{Method: http.MethodPost, Permission: authz.PermGrantIssue})
	a.registerGuarded("/v1/admin/password-policy", a.handlePasswordPolicy,
		RouteGuard{Method: http.MethodPost, Permission: authz.PermPolicyAdmin})
	a.registerGuarded("/v1/admin/sessions/terminate", a.handleTerminateSessions,
		RouteGuard{Method: http.MethodPost, Permission: authz.PermUserAdmin})

	// payroll demonstrates the guarded write path: field encryption plus
	// the tenant-pinned unit of work.
	a.registerGuarded("/v1/payroll", a.handlePayroll,
		RouteGuard{Method: http.MethodPost, Permission: authz.PermPayrollAdmin},
		RouteGuard{Method: http.MethodGet, Permission: authz.PermPayrollRead})

	// audit trail
	a.registerGuarded("/v1/audit/events", a.handleAuditList,
		RouteGuard{Method: http.MethodGet, Permission: authz.PermAuditRead})

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// registerGuarded registers a handler together with the permissions its
// methods require. Methods without a declared guard pass through; the
// handler still owns method dispatch and not-allowed responses.
func (a *API) registerGuarded(path string, h http.HandlerFunc, guards ...RouteGuard) {
	for i := range guards {
		guards[i].Path = path
	}
	a.guards = append(a.guards, guards...)
	a.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		for _, g := range guards {
			if g.Method != r.Method || g.Permission == "" {
				continue
			}
			if err := a.requirePermission(r.Context(), g.Permission); err != nil {
				a.handleAuthzError(w, r, err)
				return
			}
			break
		}
		h(w, r)
	})
}

// RouteGuards returns the declared route permission table.
func (a *API) RouteGuards() []RouteGuard {
	out := make([]RouteGuard, len(a.guards))
	copy(out, a.guards)
	return out
}

// Handler assembles the middleware pipeline around the mux.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = Logging(h)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = RequestID(h)
	if a.ipRateBurst > 0 && a.ipRatePerSec > 0 {
		h = IPRateLimit(h, a.ipRateBurst, a.ipRatePerSec)
	}
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "fincore-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "fincore-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
