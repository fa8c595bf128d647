package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fincore.org/internal/credential"
	"fincore.org/internal/fieldcrypt"
	"fincore.org/internal/tenant"
)

// TenantStore persists tenants, user provisioning, cross-tenant grants and
// per-tenant password policies.
type TenantStore struct {
	db *sql.DB
}

var _ fieldcrypt.SaltProvider = (*TenantStore)(nil)

func (s *TenantStore) Create(ctx context.Context, t *tenant.Tenant) error {
	_, err := s.db.ExecContext(ctx, `
		insert into tenants (id, name, status, encryption_salt, created_at, updated_at)
		values ($1, $2, $3, $4, now(), now())
	`, t.ID, t.Name, t.Status, t.EncryptionSalt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return ErrConflict
	}
	return err
}

func (s *TenantStore) Find(ctx context.Context, id string) (*tenant.Tenant, error) {
	var t tenant.Tenant
	err := s.db.QueryRowContext(ctx, `
		select id, name, status, encryption_salt, created_at, updated_at
		from tenants where id = $1
	`, id).Scan(&t.ID, &t.Name, &t.Status, &t.EncryptionSalt, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tenant.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *TenantStore) SetStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `
		update tenants set status = $2, updated_at = now() where id = $1
	`, id, status)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tenant.ErrNotFound
	}
	return nil
}

// EncryptionSalt serves the field codec's per-tenant key derivation.
func (s *TenantStore) EncryptionSalt(ctx context.Context, tenantID string) ([]byte, error) {
	var salt []byte
	err := s.db.QueryRowContext(ctx,
		`select encryption_salt from tenants where id = $1`, tenantID).Scan(&salt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tenant.ErrNotFound
	}
	return salt, err
}

// --- provisioning ---

func (s *TenantStore) UpsertProvision(ctx context.Context, p *tenant.Provision) error {
	rawRoles, err := json.Marshal(p.RoleCodes)
	if err != nil {
		return fmt.Errorf("encode role codes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into user_tenant_provisions (user_id, tenant_id, role_codes, status, provisioned_by, provisioned_at)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (user_id, tenant_id) do update
		set role_codes = excluded.role_codes, status = excluded.status
	`, p.UserID, p.TenantID, rawRoles, p.Status, p.ProvisionedBy, p.ProvisionedAt)
	return err
}

func scanProvision(row interface{ Scan(...any) error }) (*tenant.Provision, error) {
	var (
		p        tenant.Provision
		rawRoles []byte
	)
	err := row.Scan(&p.UserID, &p.TenantID, &rawRoles, &p.Status, &p.ProvisionedBy, &p.ProvisionedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tenant.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(rawRoles) > 0 {
		if err := json.Unmarshal(rawRoles, &p.RoleCodes); err != nil {
			return nil, fmt.Errorf("decode role codes: %w", err)
		}
	}
	return &p, nil
}

// Provision returns the user's membership in one tenant.
func (s *TenantStore) Provision(ctx context.Context, userID, tenantID string) (*tenant.Provision, error) {
	return scanProvision(s.db.QueryRowContext(ctx, `
		select user_id, tenant_id, role_codes, status, provisioned_by, provisioned_at
		from user_tenant_provisions
		where user_id = $1 and tenant_id = $2
	`, userID, tenantID))
}

// ProvisionsForUser lists every tenant the user is provisioned into.
func (s *TenantStore) ProvisionsForUser(ctx context.Context, userID string) ([]*tenant.Provision, error) {
	rows, err := s.db.QueryContext(ctx, `
		select user_id, tenant_id, role_codes, status, provisioned_by, provisioned_at
		from user_tenant_provisions
		where user_id = $1
		order by provisioned_at asc
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var provisions []*tenant.Provision
	for rows.Next() {
		p, err := scanProvision(rows)
		if err != nil {
			return nil, err
		}
		provisions = append(provisions, p)
	}
	return provisions, rows.Err()
}

// --- cross-tenant grants ---

func (s *TenantStore) CreateGrant(ctx context.Context, g *tenant.Grant) error {
	rawPerms, err := json.Marshal(g.Permissions)
	if err != nil {
		return fmt.Errorf("encode permissions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into cross_tenant_grants (id, user_id, source_tenant, target_tenant, access_kind, permissions, approved_by, correlation_id, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, g.ID, g.UserID, g.SourceTenant, g.TargetTenant, g.AccessKind, rawPerms,
		g.ApprovedBy, g.CorrelationID, g.ExpiresAt, g.CreatedAt)
	return err
}

func scanGrant(row interface{ Scan(...any) error }) (*tenant.Grant, error) {
	var (
		g        tenant.Grant
		rawPerms []byte
	)
	err := row.Scan(&g.ID, &g.UserID, &g.SourceTenant, &g.TargetTenant, &g.AccessKind,
		&rawPerms, &g.ApprovedBy, &g.CorrelationID, &g.ExpiresAt, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tenant.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(rawPerms) > 0 {
		if err := json.Unmarshal(rawPerms, &g.Permissions); err != nil {
			return nil, fmt.Errorf("decode permissions: %w", err)
		}
	}
	return &g, nil
}

func (s *TenantStore) FindGrant(ctx context.Context, id string) (*tenant.Grant, error) {
	return scanGrant(s.db.QueryRowContext(ctx, `
		select id, user_id, source_tenant, target_tenant, access_kind, permissions, approved_by, correlation_id, expires_at, created_at
		from cross_tenant_grants where id = $1
	`, id))
}

// ActiveGrant returns the user's unexpired grant into the target tenant.
func (s *TenantStore) ActiveGrant(ctx context.Context, userID, targetTenant string, now time.Time) (*tenant.Grant, error) {
	return scanGrant(s.db.QueryRowContext(ctx, `
		select id, user_id, source_tenant, target_tenant, access_kind, permissions, approved_by, correlation_id, expires_at, created_at
		from cross_tenant_grants
		where user_id = $1 and target_tenant = $2 and expires_at > $3
		order by expires_at desc
		limit 1
	`, userID, targetTenant, now))
}

// GrantPermissions resolves the permission codes a live grant carries. A
// grant that is expired or missing resolves to no permissions rather than
// an error, so a dead grant quietly stops authorizing.
func (s *TenantStore) GrantPermissions(ctx context.Context, grantID string) ([]string, error) {
	g, err := s.FindGrant(ctx, grantID)
	if errors.Is(err, tenant.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !g.Active(time.Now().UTC()) {
		return nil, nil
	}
	return g.Permissions, nil
}

// --- password policies ---

// PasswordPolicy returns the tenant's policy, or ok=false when the tenant
// relies on the platform default.
func (s *TenantStore) PasswordPolicy(ctx context.Context, tenantID string) (credential.Policy, bool, error) {
	var p credential.Policy
	err := s.db.QueryRowContext(ctx, `
		select min_length, max_length, require_upper, require_lower, require_digit, require_symbol,
		       history_count, expiry_days, max_failed_attempts, lockout_minutes
		from password_policies where tenant_id = $1
	`, tenantID).Scan(&p.MinLength, &p.MaxLength, &p.RequireUpper, &p.RequireLower, &p.RequireDigit,
		&p.RequireSymbol, &p.HistoryCount, &p.ExpiryDays, &p.MaxFailedAttempts, &p.LockoutMinutes)
	if errors.Is(err, sql.ErrNoRows) {
		return credential.Policy{}, false, nil
	}
	if err != nil {
		return credential.Policy{}, false, err
	}
	return p, true, nil
}

func (s *TenantStore) SetPasswordPolicy(ctx context.Context, tenantID string, p credential.Policy) error {
	_, err := s.db.ExecContext(ctx, `
		insert into password_policies (tenant_id, min_length, max_length, require_upper, require_lower, require_digit, require_symbol, history_count, expiry_days, max_failed_attempts, lockout_minutes)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		on conflict (tenant_id) do update
		set min_length = excluded.min_length, max_length = excluded.max_length,
		    require_upper = excluded.require_upper, require_lower = excluded.require_lower,
		    require_digit = excluded.require_digit, require_symbol = excluded.require_symbol,
		    history_count = excluded.history_count, expiry_days = excluded.expiry_days,
		    max_failed_attempts = excluded.max_failed_attempts, lockout_minutes = excluded.lockout_minutes
	`, tenantID, p.MinLength, p.MaxLength, p.RequireUpper, p.RequireLower, p.RequireDigit,
		p.RequireSymbol, p.HistoryCount, p.ExpiryDays, p.MaxFailedAttempts, p.LockoutMinutes)
	return err
}
