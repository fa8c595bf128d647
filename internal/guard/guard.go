// Package guard is the only path application code takes to tenant-scoped
// tables. It injects the tenant predicate into every query, pins the
// database session's row-level-security variable to the bound tenant, and
// validates at commit time that no write in the unit of work targeted a
// foreign tenant. Requests without a bound tenant scope fail fast.
package guard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"fincore.org/internal/audit"
	"fincore.org/internal/obs"
	"fincore.org/internal/tenant"
)

var (
	// ErrUnknownEntity means the entity name is not in the registry.
	ErrUnknownEntity = errors.New("guard: unknown entity")
	// ErrTenantAgnostic is returned when a scoped operation is attempted
	// against a system table, or the reverse.
	ErrTenantAgnostic = errors.New("guard: entity is not tenant scoped")
	// ErrTenantImmutable rejects updates that try to move a record
	// between tenants.
	ErrTenantImmutable = errors.New("guard: tenant_id is immutable")
	// ErrClosed is returned by operations on a finished unit of work.
	ErrClosed = errors.New("guard: unit of work is closed")
)

// TxAppender writes an audit event inside an open transaction, so the
// trail commits atomically with the data it describes.
type TxAppender interface {
	AppendTx(ctx context.Context, tx *sql.Tx, event *audit.Event) error
}

// Guard opens tenant-pinned units of work over the shared pool.
type Guard struct {
	db            *sql.DB
	reg           *Registry
	appender      TxAppender
	violations    audit.Store
	onCrossTenant func(ctx context.Context, userID string)
}

// Option configures a Guard.
type Option func(*Guard)

// WithCrossTenantHook installs the escalation callback invoked when a unit
// of work is aborted for targeting a foreign tenant. The limiter's abuse
// counter hangs off this.
func WithCrossTenantHook(fn func(ctx context.Context, userID string)) Option {
	return func(g *Guard) { g.onCrossTenant = fn }
}

// New builds a Guard. appender persists buffered audit events inside the
// unit of work; violations receives blocked-write events outside it, since
// those must survive the rollback.
func New(db *sql.DB, reg *Registry, appender TxAppender, violations audit.Store, opts ...Option) *Guard {
	g := &Guard{db: db, reg: reg, appender: appender, violations: violations}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type pendingWrite struct {
	entity     string
	op         string
	resourceID string
	tenantID   string
}

// UnitOfWork is one transaction bound to the request's tenant. All reads
// and writes inside it are filtered and validated against that tenant.
type UnitOfWork struct {
	g       *Guard
	tx      *sql.Tx
	scope   tenant.Scope
	pending []pendingWrite
	closed  bool
}

// Begin opens a transaction pinned to the tenant bound to ctx. The
// row-level-security variable app.current_tenant is set for the
// transaction's lifetime so the database enforces isolation even if a
// hand-written query slips past the predicate injection.
func (g *Guard) Begin(ctx context.Context) (*UnitOfWork, error) {
	scope, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, tenant.ErrNoContext
	}
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `select set_config('app.current_tenant', $1, true)`, scope.TenantID); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("guard: pin tenant: %w", err)
	}
	return &UnitOfWork{g: g, tx: tx, scope: scope}, nil
}

// Tenant returns the tenant the unit of work is pinned to.
func (u *UnitOfWork) Tenant() string { return u.scope.TenantID }

func (u *UnitOfWork) entity(name string) (Entity, error) {
	if u.closed {
		return Entity{}, ErrClosed
	}
	ent, ok := u.g.reg.Lookup(name)
	if !ok {
		return Entity{}, fmt.Errorf("%w: %s", ErrUnknownEntity, name)
	}
	if !ent.TenantScoped {
		return Entity{}, fmt.Errorf("%w: %s", ErrTenantAgnostic, name)
	}
	return ent, nil
}

// Query runs a filtered select. where may be empty; when present its
// placeholders are $1..$n matching args, and the tenant predicate is
// appended after them.
func (u *UnitOfWork) Query(ctx context.Context, entityName, columns, where string, args ...any) (*sql.Rows, error) {
	ent, err := u.entity(entityName)
	if err != nil {
		return nil, err
	}
	q, qargs := scopedSelect(ent.Table, columns, where, args, u.scope.TenantID)
	return u.tx.QueryContext(ctx, q, qargs...)
}

// Get fetches one record by primary key. A record belonging to another
// tenant scans as sql.ErrNoRows, indistinguishable from absence.
func (u *UnitOfWork) Get(ctx context.Context, entityName, columns, id string) (*sql.Row, error) {
	ent, err := u.entity(entityName)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`select %s from %s where id = $1 and tenant_id = $2`, columns, ent.Table)
	return u.tx.QueryRowContext(ctx, q, id, u.scope.TenantID), nil
}

// Insert writes one row. The tenant_id column is supplied from the bound
// scope when absent; an explicit value is recorded as-is and checked at
// commit, where a foreign value aborts the whole unit of work.
func (u *UnitOfWork) Insert(ctx context.Context, entityName string, cols []string, vals []any) error {
	ent, err := u.entity(entityName)
	if err != nil {
		return err
	}
	if len(cols) != len(vals) {
		return fmt.Errorf("guard: insert %s: %d columns, %d values", entityName, len(cols), len(vals))
	}
	rowTenant := u.scope.TenantID
	var resourceID string
	hasTenant := false
	for i, c := range cols {
		switch c {
		case "tenant_id":
			hasTenant = true
			if s, ok := vals[i].(string); ok {
				rowTenant = s
			}
		case "id":
			if s, ok := vals[i].(string); ok {
				resourceID = s
			}
		}
	}
	if !hasTenant {
		cols = append(append([]string{}, cols...), "tenant_id")
		vals = append(append([]any{}, vals...), u.scope.TenantID)
	}

	holders := make([]string, len(cols))
	for i := range cols {
		holders[i] = fmt.Sprintf("$%d", i+1)
	}
	q := fmt.Sprintf(`insert into %s (%s) values (%s)`,
		ent.Table, strings.Join(cols, ", "), strings.Join(holders, ", "))
	if _, err := u.tx.ExecContext(ctx, q, vals...); err != nil {
		return err
	}
	u.record(ctx, ent, "create", resourceID, rowTenant, audit.KindDataCreate)
	return nil
}

// Update applies set to the tenant's matching rows. Placeholders in set and
// where share one sequence across args; the tenant predicate is appended
// after them. set must not touch tenant_id.
func (u *UnitOfWork) Update(ctx context.Context, entityName, set, where string, args ...any) (int64, error) {
	ent, err := u.entity(entityName)
	if err != nil {
		return 0, err
	}
	if mentionsTenantColumn(set) {
		return 0, ErrTenantImmutable
	}
	q := fmt.Sprintf(`update %s set %s where (%s) and tenant_id = $%d`,
		ent.Table, set, where, len(args)+1)
	res, err := u.tx.ExecContext(ctx, q, append(args, u.scope.TenantID)...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		u.record(ctx, ent, "update", "", u.scope.TenantID, audit.KindDataUpdate)
	}
	return n, nil
}

// Delete removes the tenant's matching rows.
func (u *UnitOfWork) Delete(ctx context.Context, entityName, where string, args ...any) (int64, error) {
	ent, err := u.entity(entityName)
	if err != nil {
		return 0, err
	}
	q := fmt.Sprintf(`delete from %s where (%s) and tenant_id = $%d`, ent.Table, where, len(args)+1)
	res, err := u.tx.ExecContext(ctx, q, append(args, u.scope.TenantID)...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		u.record(ctx, ent, "delete", "", u.scope.TenantID, audit.KindDataDelete)
	}
	return n, nil
}

func (u *UnitOfWork) record(ctx context.Context, ent Entity, op, resourceID, rowTenant, kind string) {
	u.pending = append(u.pending, pendingWrite{
		entity:     ent.Name,
		op:         op,
		resourceID: resourceID,
		tenantID:   rowTenant,
	})
	if ent.Auditable && rowTenant == u.scope.TenantID {
		audit.RecordIn(ctx, audit.Event{
			Kind:         kind,
			ResourceType: ent.Name,
			ResourceID:   resourceID,
		})
	}
}

// Commit validates every pending write against the bound tenant, flushes
// the request's buffered audit events inside the transaction, and commits.
// Any failure rolls the whole unit of work back.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	if u.closed {
		return ErrClosed
	}
	for _, w := range u.pending {
		if w.tenantID != u.scope.TenantID {
			u.abortCrossTenant(ctx, w)
			return fmt.Errorf("%w: %s write targeted tenant %s", tenant.ErrCrossTenant, w.entity, w.tenantID)
		}
	}
	if r := audit.RecorderFromContext(ctx); r != nil && r.Len() > 0 {
		if err := r.Flush(ctx, func(ctx context.Context, event *audit.Event) error {
			return u.g.appender.AppendTx(ctx, u.tx, event)
		}); err != nil {
			u.rollback()
			return err
		}
	}
	u.closed = true
	return u.tx.Commit()
}

// Rollback discards the unit of work. Safe to defer alongside Commit.
func (u *UnitOfWork) Rollback() {
	u.rollback()
}

func (u *UnitOfWork) rollback() {
	if u.closed {
		return
	}
	u.closed = true
	_ = u.tx.Rollback()
}

func (u *UnitOfWork) abortCrossTenant(ctx context.Context, w pendingWrite) {
	u.rollback()
	obs.CrossTenantBlocks.WithLabelValues("write").Inc()
	if u.g.violations != nil {
		// Written outside the transaction: the violation record must
		// survive the rollback it describes.
		_ = audit.Log(ctx, u.g.violations, audit.Event{
			Kind:         audit.KindCrossTenantWrite,
			Severity:     audit.SeverityCritical,
			ResourceType: w.entity,
			ResourceID:   w.resourceID,
			Metadata: map[string]any{
				"target_tenant_id": w.tenantID,
				"op":               w.op,
			},
		})
	}
	if u.g.onCrossTenant != nil {
		u.g.onCrossTenant(ctx, u.scope.UserID)
	}
}

// System runs a statement against a tenant-agnostic table outside any
// tenant scope. Scoped entities are rejected; their tables are reachable
// only through a unit of work.
func (g *Guard) System(ctx context.Context, entityName, query string, args ...any) (sql.Result, error) {
	ent, ok := g.reg.Lookup(entityName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entityName)
	}
	if ent.TenantScoped {
		return nil, fmt.Errorf("guard: %s requires a unit of work", entityName)
	}
	return g.db.ExecContext(ctx, query, args...)
}

// JoinClause returns the tenant-equality predicate joins between scoped
// tables must carry, so a join can never bridge tenants.
func JoinClause(leftAlias, rightAlias string) string {
	return fmt.Sprintf("%s.tenant_id = %s.tenant_id", leftAlias, rightAlias)
}

func scopedSelect(table, columns, where string, args []any, tenantID string) (string, []any) {
	if where == "" {
		return fmt.Sprintf(`select %s from %s where tenant_id = $1`, columns, table), []any{tenantID}
	}
	q := fmt.Sprintf(`select %s from %s where (%s) and tenant_id = $%d`, columns, table, where, len(args)+1)
	return q, append(args, tenantID)
}

func mentionsTenantColumn(set string) bool {
	return strings.Contains(strings.ToLower(set), "tenant_id")
}
