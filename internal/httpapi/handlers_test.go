package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"fincore.org/internal/audit"
	"fincore.org/internal/authz"
	"fincore.org/internal/credential"
	"fincore.org/internal/fieldcrypt"
	"fincore.org/internal/guard"
	"fincore.org/internal/ids"
	"fincore.org/internal/obs"
	"fincore.org/internal/ratelimit"
	"fincore.org/internal/session"
	"fincore.org/internal/tenant"
	"fincore.org/internal/token"
)

func init() { obs.Init() }

// --- in-memory fakes ---

type memCredStore struct {
	mu       sync.Mutex
	users    map[string]*credential.User
	history  map[string][]credential.HistoryEntry
	attempts []credential.LoginAttempt
}

func newMemCredStore() *memCredStore {
	return &memCredStore{
		users:   map[string]*credential.User{},
		history: map[string][]credential.HistoryEntry{},
	}
}

func (m *memCredStore) Find(_ context.Context, id string) (*credential.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ID == id {
			copied := *u
			return &copied, nil
		}
	}
	return nil, credential.ErrNotFound
}

func (m *memCredStore) FindByEmail(_ context.Context, email string) (*credential.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[email]
	if !ok {
		return nil, credential.ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (m *memCredStore) UpdatePassword(_ context.Context, id, hash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ID == id {
			u.PasswordHash = hash
			u.PasswordChangedAt = at
			return nil
		}
	}
	return credential.ErrNotFound
}

func (m *memCredStore) SetLockState(_ context.Context, id string, attempts int, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ID == id {
			u.FailedAttempts = attempts
			u.LockedUntil = until
			return nil
		}
	}
	return credential.ErrNotFound
}

func (m *memCredStore) AppendHistory(_ context.Context, e credential.HistoryEntry, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := append([]credential.HistoryEntry{e}, m.history[e.UserID]...)
	if keep > 0 && len(h) > keep {
		h = h[:keep]
	}
	m.history[e.UserID] = h
	return nil
}

func (m *memCredStore) History(_ context.Context, id string, limit int) ([]credential.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[id]
	if limit > 0 && len(h) > limit {
		h = h[:limit]
	}
	return append([]credential.HistoryEntry{}, h...), nil
}

func (m *memCredStore) RecordAttempt(_ context.Context, a credential.LoginAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, a)
	return nil
}

type memTokenStore struct {
	mu      sync.Mutex
	access  map[string]*token.AccessRecord
	refresh map[string]*token.RefreshToken
}

func newMemTokenStore() *memTokenStore {
	return &memTokenStore{access: map[string]*token.AccessRecord{}, refresh: map[string]*token.RefreshToken{}}
}

func (m *memTokenStore) CreateAccess(_ context.Context, r *token.AccessRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *r
	m.access[r.ID] = &copied
	return nil
}

func (m *memTokenStore) FindAccess(_ context.Context, id string) (*token.AccessRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.access[id]
	if !ok {
		return nil, token.ErrNotFound
	}
	copied := *r
	return &copied, nil
}

func (m *memTokenStore) RevokeAccess(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.access[id]; ok {
		r.Revoked = true
	}
	return nil
}

func (m *memTokenStore) CreateRefresh(_ context.Context, t *token.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *t
	m.refresh[t.ID] = &copied
	return nil
}

func (m *memTokenStore) FindRefresh(_ context.Context, id string) (*token.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.refresh[id]
	if !ok {
		return nil, token.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (m *memTokenStore) MarkRedeemed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.refresh[id]
	if !ok {
		return token.ErrNotFound
	}
	if t.Redeemed {
		return token.ErrReplayed
	}
	t.Redeemed = true
	return nil
}

func (m *memTokenStore) RevokeFamily(_ context.Context, familyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.access {
		if r.FamilyID == familyID {
			r.Revoked = true
		}
	}
	for _, t := range m.refresh {
		if t.FamilyID == familyID {
			t.Revoked = true
		}
	}
	return nil
}

func (m *memTokenStore) RevokeAllForUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.access {
		if r.UserID == userID {
			r.Revoked = true
		}
	}
	for _, t := range m.refresh {
		if t.UserID == userID {
			t.Revoked = true
		}
	}
	return nil
}

type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: map[string]*session.Session{}}
}

func (m *memSessionStore) Create(_ context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *s
	m.sessions[s.ID] = &copied
	return nil
}

func (m *memSessionStore) Find(_ context.Context, id string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (m *memSessionStore) ActiveForUser(_ context.Context, userID, tenantID string) ([]*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*session.Session
	for _, s := range m.sessions {
		if s.UserID == userID && s.TenantID == tenantID && s.Status == session.StatusActive {
			copied := *s
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memSessionStore) Touch(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && s.Status == session.StatusActive {
		s.LastActivity = at
	}
	return nil
}

func (m *memSessionStore) Extend(_ context.Context, id string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && s.Status == session.StatusActive && expiresAt.After(s.ExpiresAt) {
		s.ExpiresAt = expiresAt
	}
	return nil
}

func (m *memSessionStore) Terminate(_ context.Context, id, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	if s.Status == session.StatusActive {
		s.Status = session.StatusTerminated
		s.TerminationReason = reason
		s.TerminatedAt = at
	}
	return nil
}

func (m *memSessionStore) TerminateAllForUser(_ context.Context, userID, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.UserID == userID && s.Status == session.StatusActive {
			s.Status = session.StatusTerminated
			s.TerminationReason = reason
			s.TerminatedAt = at
		}
	}
	return nil
}

type memAuthzStore struct{}

func (memAuthzStore) PermissionsForRoles(_ context.Context, _ string, roleCodes []string) ([]string, error) {
	var perms []string
	for _, code := range roleCodes {
		switch code {
		case authz.RoleAdmin:
			perms = append(perms, authz.PermUserProvision, authz.PermGrantIssue,
				authz.PermPolicyAdmin, authz.PermUserAdmin, authz.PermAuditRead,
				authz.PermPayrollAdmin, authz.PermPayrollRead)
		case authz.RoleClerk:
			perms = append(perms, authz.PermGLRead, authz.PermInvoiceWrite)
		}
	}
	return perms, nil
}

func (memAuthzStore) WorkflowByType(context.Context, string, string) (*authz.Workflow, error) {
	return nil, authz.ErrWorkflowNotFound
}

type memDirectory struct {
	mu         sync.Mutex
	tenants    map[string]*tenant.Tenant
	provisions map[string]*tenant.Provision
	grants     map[string]*tenant.Grant
	policies   map[string]credential.Policy
}

func newMemDirectory() *memDirectory {
	return &memDirectory{
		tenants:    map[string]*tenant.Tenant{},
		provisions: map[string]*tenant.Provision{},
		grants:     map[string]*tenant.Grant{},
		policies:   map[string]credential.Policy{},
	}
}

func provisionKey(userID, tenantID string) string { return userID + "|" + tenantID }

func (m *memDirectory) Find(_ context.Context, id string) (*tenant.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (m *memDirectory) Create(_ context.Context, t *tenant.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *t
	m.tenants[t.ID] = &copied
	return nil
}

func (m *memDirectory) Provision(_ context.Context, userID, tenantID string) (*tenant.Provision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.provisions[provisionKey(userID, tenantID)]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (m *memDirectory) ProvisionsForUser(_ context.Context, userID string) ([]*tenant.Provision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*tenant.Provision
	for _, p := range m.provisions {
		if p.UserID == userID {
			copied := *p
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

func (m *memDirectory) UpsertProvision(_ context.Context, p *tenant.Provision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *p
	m.provisions[provisionKey(p.UserID, p.TenantID)] = &copied
	return nil
}

func (m *memDirectory) CreateGrant(_ context.Context, g *tenant.Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *g
	m.grants[g.ID] = &copied
	return nil
}

func (m *memDirectory) ActiveGrant(_ context.Context, userID, target string, now time.Time) (*tenant.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.grants {
		if g.UserID == userID && g.TargetTenant == target && g.Active(now) {
			copied := *g
			return &copied, nil
		}
	}
	return nil, tenant.ErrNotFound
}

func (m *memDirectory) GrantPermissions(_ context.Context, grantID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[grantID]
	if !ok || !g.Active(time.Now().UTC()) {
		return nil, nil
	}
	return append([]string{}, g.Permissions...), nil
}

func (m *memDirectory) EncryptionSalt(context.Context, string) ([]byte, error) {
	return []byte("fixed-salt-for-tests-0123456789a"), nil
}

func (m *memDirectory) PasswordPolicy(_ context.Context, tenantID string) (credential.Policy, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[tenantID]
	return p, ok, nil
}

func (m *memDirectory) SetPasswordPolicy(_ context.Context, tenantID string, p credential.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[tenantID] = p
	return nil
}

type memUserAdmin struct {
	store   *memCredStore
	lastUse map[string]string
	flagged map[string]bool
}

func (m *memUserAdmin) Create(_ context.Context, u *credential.User) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	copied := *u
	m.store.users[u.Email] = &copied
	return nil
}

func (m *memUserAdmin) SetFlagged(_ context.Context, userID string, flagged bool) error {
	if m.flagged == nil {
		m.flagged = map[string]bool{}
	}
	m.flagged[userID] = flagged
	return nil
}

func (m *memUserAdmin) LastUsedTenant(_ context.Context, userID string) (string, error) {
	return m.lastUse[userID], nil
}

type allowAllLimiter struct {
	crossTenant int
	threshold   int
}

func (l *allowAllLimiter) Allow(context.Context, string, string, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: true}, nil
}

func (l *allowAllLimiter) RecordCrossTenant(context.Context, string) (int64, bool, error) {
	l.crossTenant++
	return int64(l.crossTenant), l.threshold > 0 && l.crossTenant >= l.threshold, nil
}

type memAuditStore struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (m *memAuditStore) Append(_ context.Context, e *audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *e
	m.events = append(m.events, &copied)
	return nil
}

func (m *memAuditStore) AppendTx(_ context.Context, _ *sql.Tx, e *audit.Event) error {
	return m.Append(context.Background(), e)
}

func (m *memAuditStore) List(_ context.Context, tenantID string, limit int) ([]*audit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*audit.Event
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if m.events[i].TenantID == tenantID {
			out = append(out, m.events[i])
		}
	}
	return out, nil
}

func (m *memAuditStore) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		out = append(out, e.Kind)
	}
	return out
}

// --- environment ---

type testEnv struct {
	api     *API
	handler http.Handler
	creds   *memCredStore
	dir     *memDirectory
	users   *memUserAdmin
	auditlg *memAuditStore
	limiter *allowAllLimiter
	svc     *credential.Service
	codec   *fieldcrypt.Codec
	dbmock  sqlmock.Sqlmock
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvTuned(t, nil)
}

func newTestEnvTuned(t *testing.T, tune func(*Config)) *testEnv {
	t.Helper()
	creds := newMemCredStore()
	hasher := credential.NewHasher(8*1024, 1)
	credSvc := credential.NewService(creds, hasher)

	tokSvc, err := token.NewService(newMemTokenStore(), []byte("0123456789abcdef0123456789abcdef"),
		token.WithIssuer("fincore-api"),
		token.WithTTLs(15*time.Minute, 12*time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	sessSvc := session.NewService(newMemSessionStore(), session.Policy{
		IdleTimeout:      30 * time.Minute,
		AbsoluteLifetime: 8 * time.Hour,
		RememberLifetime: 30 * 24 * time.Hour,
		MaxConcurrent:    3,
	})

	dir := newMemDirectory()
	users := &memUserAdmin{store: creds, lastUse: map[string]string{}}
	auditlg := &memAuditStore{}
	limiter := &allowAllLimiter{threshold: 3}

	db, dbmock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	dataGuard := guard.New(db, guard.DefaultRegistry(), auditlg, auditlg)

	codec, err := fieldcrypt.New([]byte("0123456789abcdef0123456789abcdef"), 1, dir)
	if err != nil {
		t.Fatal(err)
	}

	cfg := Config{
		Version:     "test",
		Credentials: credSvc,
		Users:       users,
		Tokens:      tokSvc,
		Sessions:    sessSvc,
		Authz:       authz.NewResolver(memAuthzStore{}, authz.WithGrantSource(dir)),
		Directory:   dir,
		Limiter:     limiter,
		Audit:       auditlg,
		Guard:       dataGuard,
		Codec:       codec,
		DefaultPolicy: credential.Policy{
			MinLength:         8,
			MaxLength:         128,
			RequireDigit:      true,
			HistoryCount:      5,
			MaxFailedAttempts: 5,
			LockoutMinutes:    30,
		},
	}
	if tune != nil {
		tune(&cfg)
	}
	api := New(cfg)
	return &testEnv{
		api:     api,
		handler: api.Handler(),
		creds:   creds,
		dir:     dir,
		users:   users,
		auditlg: auditlg,
		limiter: limiter,
		svc:     credSvc,
		codec:   codec,
		dbmock:  dbmock,
	}
}

func (e *testEnv) seedUser(t *testing.T, email, password string, tenants ...string) *credential.User {
	t.Helper()
	hash, err := e.svc.HashPassword(password)
	if err != nil {
		t.Fatal(err)
	}
	u := &credential.User{
		ID:           ids.New(),
		Email:        email,
		PasswordHash: hash,
		Status:       credential.UserStatusActive,
	}
	e.creds.users[email] = u
	for _, tid := range tenants {
		if _, ok := e.dir.tenants[tid]; !ok {
			e.dir.tenants[tid] = &tenant.Tenant{ID: tid, Name: tid, Status: tenant.StatusActive}
		}
		e.dir.provisions[provisionKey(u.ID, tid)] = &tenant.Provision{
			UserID:    u.ID,
			TenantID:  tid,
			RoleCodes: []string{authz.RoleAdmin},
			Status:    tenant.ProvisionActive,
		}
	}
	return u
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.10:4321"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T, email, password, tenantID string) loginResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/auth/login", loginRequest{
		Email:    email,
		Password: password,
		TenantID: tenantID,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d body = %s", rec.Code, rec.Body.String())
	}
	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func errorField(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	return body.Error
}

// --- tests ---

func TestLoginIssuesScopedTokens(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "cfo@acme.test", "Str0ngpass!", "ten-acme")

	resp := env.login(t, "cfo@acme.test", "Str0ngpass!", "")
	if resp.TenantID != "ten-acme" {
		t.Fatalf("tenant = %q", resp.TenantID)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" || resp.SessionID == "" {
		t.Fatalf("incomplete response: %+v", resp)
	}

	rec := env.do(t, http.MethodGet, "/v1/auth/introspect", nil, map[string]string{
		"Authorization": "Bearer " + resp.AccessToken,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("introspect status = %d body = %s", rec.Code, rec.Body.String())
	}
	var intro map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &intro); err != nil {
		t.Fatal(err)
	}
	if intro["tenant_id"] != "ten-acme" {
		t.Fatalf("introspect tenant = %v", intro["tenant_id"])
	}
	perms, _ := intro["permissions"].([]any)
	if len(perms) == 0 {
		t.Fatal("no permissions resolved")
	}
}

func TestLoginWrongPasswordIsGenericAndAudited(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "cfo@acme.test", "Str0ngpass!", "ten-acme")

	rec := env.do(t, http.MethodPost, "/v1/auth/login", loginRequest{
		Email:    "cfo@acme.test",
		Password: "wrong",
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	// Unknown user answers identically.
	rec2 := env.do(t, http.MethodPost, "/v1/auth/login", loginRequest{
		Email:    "ghost@acme.test",
		Password: "wrong",
	}, nil)
	if rec2.Code != http.StatusUnauthorized {
		t.Fatalf("unknown-user status = %d", rec2.Code)
	}
	if errorField(t, rec) != errorField(t, rec2) {
		t.Fatalf("unknown-user message differs: %q vs %q", errorField(t, rec), errorField(t, rec2))
	}

	found := false
	for _, kind := range env.auditlg.kinds() {
		if kind == audit.KindLoginFailure {
			found = true
		}
	}
	if !found {
		t.Fatal("no login failure event recorded")
	}
}

func TestLoginMultiTenantRequiresSelection(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "cfo@group.test", "Str0ngpass!", "ten-a", "ten-b")

	rec := env.do(t, http.MethodPost, "/v1/auth/login", loginRequest{
		Email:    "cfo@group.test",
		Password: "Str0ngpass!",
	}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Tenants []string `json:"tenants"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Tenants) != 2 {
		t.Fatalf("tenants = %v", resp.Tenants)
	}

	// An explicit choice resolves it.
	got := env.login(t, "cfo@group.test", "Str0ngpass!", "ten-b")
	if got.TenantID != "ten-b" {
		t.Fatalf("tenant = %q", got.TenantID)
	}
}

func TestLoginFallsBackToLastUsedTenant(t *testing.T) {
	env := newTestEnv(t)
	u := env.seedUser(t, "cfo@group.test", "Str0ngpass!", "ten-a", "ten-b")
	env.users.lastUse[u.ID] = "ten-b"

	resp := env.login(t, "cfo@group.test", "Str0ngpass!", "")
	if resp.TenantID != "ten-b" {
		t.Fatalf("tenant = %q, want last used", resp.TenantID)
	}
}

func TestLoginSuspendedTenantRejected(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "cfo@acme.test", "Str0ngpass!", "ten-acme")
	env.dir.tenants["ten-acme"].Status = tenant.StatusSuspended

	rec := env.do(t, http.MethodPost, "/v1/auth/login", loginRequest{
		Email:    "cfo@acme.test",
		Password: "Str0ngpass!",
		TenantID: "ten-acme",
	}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestTenantHeaderMismatchRejectedAndAudited(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "cfo@acme.test", "Str0ngpass!", "ten-acme")
	resp := env.login(t, "cfo@acme.test", "Str0ngpass!", "")

	rec := env.do(t, http.MethodGet, "/v1/auth/introspect", nil, map[string]string{
		"Authorization": "Bearer " + resp.AccessToken,
		"X-Tenant-ID":   "ten-other",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	blocked := false
	for _, kind := range env.auditlg.kinds() {
		if kind == audit.KindCrossTenantRead {
			blocked = true
		}
	}
	if !blocked {
		t.Fatal("cross-tenant header not audited")
	}
	if env.limiter.crossTenant != 1 {
		t.Fatalf("abuse counter = %d", env.limiter.crossTenant)
	}

	// A header naming the token's own tenant is fine.
	rec = env.do(t, http.MethodGet, "/v1/auth/introspect", nil, map[string]string{
		"Authorization": "Bearer " + resp.AccessToken,
		"X-Tenant-ID":   "ten-acme",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("matching header status = %d", rec.Code)
	}
}

func TestCrossTenantAbuseTerminatesSessions(t *testing.T) {
	env := newTestEnv(t)
	u := env.seedUser(t, "cfo@acme.test", "Str0ngpass!", "ten-acme")
	resp := env.login(t, "cfo@acme.test", "Str0ngpass!", "")

	for i := 0; i < 3; i++ {
		env.do(t, http.MethodGet, "/v1/auth/introspect", nil, map[string]string{
			"Authorization": "Bearer " + resp.AccessToken,
			"X-Tenant-ID":   "ten-other",
		})
	}
	if !env.users.flagged[u.ID] {
		t.Fatal("user not flagged after repeated cross-tenant attempts")
	}

	// The session died with the escalation.
	rec := env.do(t, http.MethodGet, "/v1/auth/introspect", nil, map[string]string{
		"Authorization": "Bearer " + resp.AccessToken,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("post-escalation status = %d", rec.Code)
	}
}

func TestRefreshRotatesAndReplayKillsFamily(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "cfo@acme.test", "Str0ngpass!", "ten-acme")
	resp := env.login(t, "cfo@acme.test", "Str0ngpass!", "")

	rec := env.do(t, http.MethodPost, "/v1/auth/refresh", refreshRequest{RefreshToken: resp.RefreshToken}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d body = %s", rec.Code, rec.Body.String())
	}
	var rotated loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &rotated); err != nil {
		t.Fatal(err)
	}

	// Replaying the consumed token revokes the family.
	rec = env.do(t, http.MethodPost, "/v1/auth/refresh", refreshRequest{RefreshToken: resp.RefreshToken}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replay status = %d", rec.Code)
	}

	// The rotated pair is dead too.
	rec = env.do(t, http.MethodGet, "/v1/auth/introspect", nil, map[string]string{
		"Authorization": "Bearer " + rotated.AccessToken,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("rotated token after replay status = %d", rec.Code)
	}

	replayed, familyRevoked := false, false
	for _, kind := range env.auditlg.kinds() {
		switch kind {
		case audit.KindTokenReplay:
			replayed = true
		case audit.KindFamilyRevoked:
			familyRevoked = true
		}
	}
	if !replayed {
		t.Fatal("replay not audited")
	}
	if !familyRevoked {
		t.Fatal("family revocation not audited")
	}
}

func TestLogoutTerminatesSessionAndFamily(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "cfo@acme.test", "Str0ngpass!", "ten-acme")
	resp := env.login(t, "cfo@acme.test", "Str0ngpass!", "")

	rec := env.do(t, http.MethodPost, "/v1/auth/logout", nil, map[string]string{
		"Authorization": "Bearer " + resp.AccessToken,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status = %d body = %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/v1/auth/introspect", nil, map[string]string{
		"Authorization": "Bearer " + resp.AccessToken,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("post-logout status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/v1/auth/refresh", refreshRequest{RefreshToken: resp.RefreshToken}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("post-logout refresh status = %d", rec.Code)
	}

	revoked := false
	for _, kind := range env.auditlg.kinds() {
		if kind == audit.KindTokenRevoked {
			revoked = true
		}
	}
	if !revoked {
		t.Fatal("family revocation at logout not audited")
	}
}

func TestAdminProvisionAndAuditRead(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "admin@acme.test", "Str0ngpass!", "ten-acme")
	resp := env.login(t, "admin@acme.test", "Str0ngpass!", "")
	auth := map[string]string{"Authorization": "Bearer " + resp.AccessToken}

	rec := env.do(t, http.MethodPost, "/v1/admin/users", provisionUserRequest{
		Email:     "clerk@acme.test",
		Password:  "An0therpass!",
		RoleCodes: []string{authz.RoleClerk},
	}, auth)
	if rec.Code != http.StatusCreated {
		t.Fatalf("provision status = %d body = %s", rec.Code, rec.Body.String())
	}

	// The new clerk can log in but cannot provision.
	clerkResp := env.login(t, "clerk@acme.test", "An0therpass!", "")
	rec = env.do(t, http.MethodPost, "/v1/admin/users", provisionUserRequest{
		Email:     "other@acme.test",
		Password:  "An0therpass!",
		RoleCodes: []string{authz.RoleClerk},
	}, map[string]string{"Authorization": "Bearer " + clerkResp.AccessToken})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("clerk provision status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/v1/audit/events?limit=50", nil, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit read status = %d body = %s", rec.Code, rec.Body.String())
	}
	var list struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Items) == 0 {
		t.Fatal("empty audit trail")
	}
}

func TestIssueGrantValidatesTarget(t *testing.T) {
	env := newTestEnv(t)
	u := env.seedUser(t, "admin@acme.test", "Str0ngpass!", "ten-acme")
	env.dir.tenants["ten-sub"] = &tenant.Tenant{ID: "ten-sub", Status: tenant.StatusActive}
	resp := env.login(t, "admin@acme.test", "Str0ngpass!", "")
	auth := map[string]string{"Authorization": "Bearer " + resp.AccessToken}

	rec := env.do(t, http.MethodPost, "/v1/admin/grants", issueGrantRequest{
		UserID:       u.ID,
		TargetTenant: "ten-sub",
		AccessKind:   "consolidation",
		Permissions:  []string{authz.PermGLRead},
		TTLHours:     4,
	}, auth)
	if rec.Code != http.StatusCreated {
		t.Fatalf("grant status = %d body = %s", rec.Code, rec.Body.String())
	}

	// Granting into the caller's own tenant is nonsense.
	rec = env.do(t, http.MethodPost, "/v1/admin/grants", issueGrantRequest{
		UserID:       u.ID,
		TargetTenant: "ten-acme",
		Permissions:  []string{authz.PermGLRead},
	}, auth)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("self-grant status = %d", rec.Code)
	}

	// Unknown permission codes are refused.
	rec = env.do(t, http.MethodPost, "/v1/admin/grants", issueGrantRequest{
		UserID:       u.ID,
		TargetTenant: "ten-sub",
		Permissions:  []string{"gl:everything"},
	}, auth)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad-permission status = %d", rec.Code)
	}
}

func TestChangePasswordEnforcesPolicyAndRevokes(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "cfo@acme.test", "Str0ngpass!", "ten-acme")
	resp := env.login(t, "cfo@acme.test", "Str0ngpass!", "")
	auth := map[string]string{"Authorization": "Bearer " + resp.AccessToken}

	rec := env.do(t, http.MethodPost, "/v1/auth/password", changePasswordRequest{
		CurrentPassword: "Str0ngpass!",
		NewPassword:     "short",
	}, auth)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("weak password status = %d body = %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/v1/auth/password", changePasswordRequest{
		CurrentPassword: "Str0ngpass!",
		NewPassword:     "N3wpassword!",
	}, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("change status = %d body = %s", rec.Code, rec.Body.String())
	}

	// Old credentials are dead; the new password works.
	rec = env.do(t, http.MethodGet, "/v1/auth/introspect", nil, auth)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("old token after change status = %d", rec.Code)
	}
	env.login(t, "cfo@acme.test", "N3wpassword!", "")
}

func TestRefreshedTokenKeepsPermissions(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "admin@acme.test", "Str0ngpass!", "ten-acme")
	resp := env.login(t, "admin@acme.test", "Str0ngpass!", "")

	rec := env.do(t, http.MethodPost, "/v1/auth/refresh", refreshRequest{RefreshToken: resp.RefreshToken}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d body = %s", rec.Code, rec.Body.String())
	}
	var rotated loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &rotated); err != nil {
		t.Fatal(err)
	}

	auth := map[string]string{"Authorization": "Bearer " + rotated.AccessToken}
	rec = env.do(t, http.MethodGet, "/v1/auth/introspect", nil, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("introspect status = %d body = %s", rec.Code, rec.Body.String())
	}
	var intro map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &intro); err != nil {
		t.Fatal(err)
	}
	perms, _ := intro["permissions"].([]any)
	if len(perms) == 0 {
		t.Fatalf("rotated token lost its permissions: %v", intro)
	}

	// A permissioned endpoint still works on the rotated credential.
	rec = env.do(t, http.MethodGet, "/v1/audit/events", nil, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit read with rotated token status = %d", rec.Code)
	}
}

func TestRefreshDropsRevokedProvisionRoles(t *testing.T) {
	env := newTestEnv(t)
	u := env.seedUser(t, "admin@acme.test", "Str0ngpass!", "ten-acme")
	resp := env.login(t, "admin@acme.test", "Str0ngpass!", "")

	// Provisioning is revoked mid-session; rotation must not resurrect it.
	env.dir.provisions[provisionKey(u.ID, "ten-acme")].Status = tenant.ProvisionRevoked

	rec := env.do(t, http.MethodPost, "/v1/auth/refresh", refreshRequest{RefreshToken: resp.RefreshToken}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d body = %s", rec.Code, rec.Body.String())
	}
	var rotated loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &rotated); err != nil {
		t.Fatal(err)
	}
	rec = env.do(t, http.MethodGet, "/v1/audit/events", nil, map[string]string{
		"Authorization": "Bearer " + rotated.AccessToken,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("revoked provision still authorizes: status = %d", rec.Code)
	}
}

func TestLockedAccountKillsOutstandingTokens(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "cfo@acme.test", "Str0ngpass!", "ten-acme")
	resp := env.login(t, "cfo@acme.test", "Str0ngpass!", "")

	for i := 0; i < 5; i++ {
		env.do(t, http.MethodPost, "/v1/auth/login", loginRequest{
			Email:    "cfo@acme.test",
			Password: "wrong",
			TenantID: "ten-acme",
		}, nil)
	}

	// The token issued before the lockout no longer opens anything.
	rec := env.do(t, http.MethodGet, "/v1/auth/introspect", nil, map[string]string{
		"Authorization": "Bearer " + resp.AccessToken,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("pre-lockout token status = %d", rec.Code)
	}
}

func TestDisabledAccountKillsOutstandingTokens(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "cfo@acme.test", "Str0ngpass!", "ten-acme")
	resp := env.login(t, "cfo@acme.test", "Str0ngpass!", "")

	env.creds.mu.Lock()
	env.creds.users["cfo@acme.test"].Status = credential.UserStatusDisabled
	env.creds.mu.Unlock()

	rec := env.do(t, http.MethodGet, "/v1/auth/introspect", nil, map[string]string{
		"Authorization": "Bearer " + resp.AccessToken,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("disabled account token status = %d", rec.Code)
	}
}

func TestGrantBackedLoginUsesGrantPermissions(t *testing.T) {
	env := newTestEnv(t)
	u := env.seedUser(t, "admin@acme.test", "Str0ngpass!", "ten-acme")
	env.dir.tenants["ten-sub"] = &tenant.Tenant{ID: "ten-sub", Status: tenant.StatusActive}
	resp := env.login(t, "admin@acme.test", "Str0ngpass!", "")
	auth := map[string]string{"Authorization": "Bearer " + resp.AccessToken}

	rec := env.do(t, http.MethodPost, "/v1/admin/grants", issueGrantRequest{
		UserID:       u.ID,
		TargetTenant: "ten-sub",
		AccessKind:   "consolidation",
		Permissions:  []string{authz.PermGLRead},
		TTLHours:     4,
	}, auth)
	if rec.Code != http.StatusCreated {
		t.Fatalf("grant status = %d body = %s", rec.Code, rec.Body.String())
	}
	var granted struct {
		GrantID string `json:"grant_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &granted); err != nil {
		t.Fatal(err)
	}

	// Logging into the target tenant redeems the grant.
	sub := env.login(t, "admin@acme.test", "Str0ngpass!", "ten-sub")
	if sub.TenantID != "ten-sub" {
		t.Fatalf("grant login tenant = %q", sub.TenantID)
	}

	rec = env.do(t, http.MethodGet, "/v1/auth/introspect", nil, map[string]string{
		"Authorization": "Bearer " + sub.AccessToken,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("introspect status = %d body = %s", rec.Code, rec.Body.String())
	}
	var intro map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &intro); err != nil {
		t.Fatal(err)
	}
	if intro["grant_id"] != granted.GrantID {
		t.Fatalf("grant_id = %v, want %s", intro["grant_id"], granted.GrantID)
	}
	perms, _ := intro["permissions"].([]any)
	if len(perms) != 1 || perms[0] != authz.PermGLRead {
		t.Fatalf("effective set = %v, want exactly the grant's codes", perms)
	}

	// Nothing beyond the grant: the trail stays closed.
	rec = env.do(t, http.MethodGet, "/v1/audit/events", nil, map[string]string{
		"Authorization": "Bearer " + sub.AccessToken,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("audit read through grant status = %d", rec.Code)
	}
}

func TestExpiredGrantStopsAuthorizing(t *testing.T) {
	env := newTestEnv(t)
	u := env.seedUser(t, "admin@acme.test", "Str0ngpass!", "ten-acme")
	env.dir.tenants["ten-sub"] = &tenant.Tenant{ID: "ten-sub", Status: tenant.StatusActive}
	env.dir.grants["g-dead"] = &tenant.Grant{
		ID:           "g-dead",
		UserID:       u.ID,
		SourceTenant: "ten-acme",
		TargetTenant: "ten-sub",
		Permissions:  []string{authz.PermGLRead},
		ExpiresAt:    time.Now().UTC().Add(-time.Hour),
	}

	rec := env.do(t, http.MethodPost, "/v1/auth/login", loginRequest{
		Email:    "admin@acme.test",
		Password: "Str0ngpass!",
		TenantID: "ten-sub",
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expired grant login status = %d", rec.Code)
	}
}

func TestPayrollWriteSealsAndAuditsInOneUnit(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "admin@acme.test", "Str0ngpass!", "ten-acme")
	resp := env.login(t, "admin@acme.test", "Str0ngpass!", "")

	env.dbmock.ExpectBegin()
	env.dbmock.ExpectExec("set_config").WithArgs("ten-acme").WillReturnResult(sqlmock.NewResult(0, 1))
	env.dbmock.ExpectExec("insert into payroll_records").WillReturnResult(sqlmock.NewResult(1, 1))
	env.dbmock.ExpectCommit()

	rec := env.do(t, http.MethodPost, "/v1/payroll", payrollRequest{
		EmployeeID:  "emp-7",
		Period:      "2026-08",
		Salary:      "5200.00",
		BankAccount: "KZ86125KZT5004100100",
	}, map[string]string{"Authorization": "Bearer " + resp.AccessToken})
	if rec.Code != http.StatusCreated {
		t.Fatalf("payroll create status = %d body = %s", rec.Code, rec.Body.String())
	}
	if err := env.dbmock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet db expectations: %v", err)
	}

	created := false
	for _, kind := range env.auditlg.kinds() {
		if kind == audit.KindDataCreate {
			created = true
		}
	}
	if !created {
		t.Fatal("payroll write produced no data change event")
	}
}

func TestPayrollReadUnsealsSensitiveColumns(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "admin@acme.test", "Str0ngpass!", "ten-acme")
	resp := env.login(t, "admin@acme.test", "Str0ngpass!", "")

	ctx := context.Background()
	salary, err := env.codec.Encrypt(ctx, "ten-acme", []byte("5200.00"))
	if err != nil {
		t.Fatal(err)
	}
	bank, err := env.codec.Encrypt(ctx, "ten-acme", []byte("KZ86125KZT5004100100"))
	if err != nil {
		t.Fatal(err)
	}

	env.dbmock.ExpectBegin()
	env.dbmock.ExpectExec("set_config").WithArgs("ten-acme").WillReturnResult(sqlmock.NewResult(0, 1))
	env.dbmock.ExpectQuery("select id, employee_id, period, salary, bank_account from payroll_records").
		WillReturnRows(sqlmock.NewRows([]string{"id", "employee_id", "period", "salary", "bank_account"}).
			AddRow("pr-1", "emp-7", "2026-08", salary, bank))
	env.dbmock.ExpectRollback()

	rec := env.do(t, http.MethodGet, "/v1/payroll", nil, map[string]string{
		"Authorization": "Bearer " + resp.AccessToken,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("payroll list status = %d body = %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Records []payrollRecord `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Records) != 1 || out.Records[0].Salary != "5200.00" || out.Records[0].BankAccount != "KZ86125KZT5004100100" {
		t.Fatalf("records = %+v", out.Records)
	}
}

func TestPayrollDecryptFailureIsAuditedCritical(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "admin@acme.test", "Str0ngpass!", "ten-acme")
	resp := env.login(t, "admin@acme.test", "Str0ngpass!", "")

	env.dbmock.ExpectBegin()
	env.dbmock.ExpectExec("set_config").WithArgs("ten-acme").WillReturnResult(sqlmock.NewResult(0, 1))
	env.dbmock.ExpectQuery("select id, employee_id, period, salary, bank_account from payroll_records").
		WillReturnRows(sqlmock.NewRows([]string{"id", "employee_id", "period", "salary", "bank_account"}).
			AddRow("pr-1", "emp-7", "2026-08", "v1.not-a-ciphertext", ""))
	env.dbmock.ExpectRollback()

	rec := env.do(t, http.MethodGet, "/v1/payroll", nil, map[string]string{
		"Authorization": "Bearer " + resp.AccessToken,
	})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want integrity failure", rec.Code)
	}
	audited := false
	for _, kind := range env.auditlg.kinds() {
		if kind == audit.KindDecryptFailure {
			audited = true
		}
	}
	if !audited {
		t.Fatal("decrypt failure not audited")
	}
}

func TestIPRateLimitShedsFloods(t *testing.T) {
	env := newTestEnvTuned(t, func(cfg *Config) {
		cfg.IPRateBurst = 2
		cfg.IPRatePerSecond = 1
	})

	for i := 0; i < 2; i++ {
		if rec := env.do(t, http.MethodGet, "/healthz", nil, nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	if rec := env.do(t, http.MethodGet, "/healthz", nil, nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("flood status = %d, want 429", rec.Code)
	}
}

func TestRouteGuardTableDeclaresPermissions(t *testing.T) {
	env := newTestEnv(t)

	want := map[string]string{
		"POST /v1/admin/users":              authz.PermUserProvision,
		"POST /v1/admin/grants":             authz.PermGrantIssue,
		"POST /v1/admin/password-policy":    authz.PermPolicyAdmin,
		"POST /v1/admin/sessions/terminate": authz.PermUserAdmin,
		"POST /v1/payroll":                  authz.PermPayrollAdmin,
		"GET /v1/payroll":                   authz.PermPayrollRead,
		"GET /v1/audit/events":              authz.PermAuditRead,
	}
	got := env.api.RouteGuards()
	if len(got) != len(want) {
		t.Fatalf("guard table has %d entries, want %d: %+v", len(got), len(want), got)
	}
	for _, g := range got {
		key := g.Method + " " + g.Path
		if want[key] != g.Permission {
			t.Fatalf("guard %s requires %q, want %q", key, g.Permission, want[key])
		}
	}
}

func TestCookieCredentialAcceptedWhenHeaderAbsent(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "cfo@acme.test", "Str0ngpass!", "ten-acme")

	rec := env.do(t, http.MethodPost, "/v1/auth/login", loginRequest{
		Email:    "cfo@acme.test",
		Password: "Str0ngpass!",
		Remember: true,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d body = %s", rec.Code, rec.Body.String())
	}
	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == accessCookie {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value == "" || !cookie.HttpOnly {
		t.Fatalf("access cookie not set: %+v", cookie)
	}

	rec = env.do(t, http.MethodGet, "/v1/auth/introspect", nil, map[string]string{
		"Cookie": accessCookie + "=" + cookie.Value,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("cookie auth status = %d body = %s", rec.Code, rec.Body.String())
	}

	// The header wins over the cookie when both are present.
	rec = env.do(t, http.MethodGet, "/v1/auth/introspect", nil, map[string]string{
		"Cookie":        accessCookie + "=" + cookie.Value,
		"Authorization": "Bearer not-a-token",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad header with good cookie status = %d, want header to win", rec.Code)
	}
}

func TestTerminateSessionsValidatesUserID(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "admin@acme.test", "Str0ngpass!", "ten-acme")
	resp := env.login(t, "admin@acme.test", "Str0ngpass!", "")
	auth := map[string]string{"Authorization": "Bearer " + resp.AccessToken}

	rec := env.do(t, http.MethodPost, "/v1/admin/sessions/terminate", terminateSessionsRequest{
		UserID: "42; drop table sessions",
	}, auth)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed user_id status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/v1/admin/grants", issueGrantRequest{
		UserID:       "42",
		TargetTenant: "ten-sub",
		Permissions:  []string{authz.PermGLRead},
	}, auth)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed grant user_id status = %d", rec.Code)
	}
}
