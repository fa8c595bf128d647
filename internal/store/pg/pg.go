// Package pg implements the persistence interfaces on PostgreSQL. Connection
// pooling goes through database/sql over the pgx stdlib driver; tenant-scoped
// tables additionally carry row-level-security policies keyed to the
// app.current_tenant session variable set by the data-access guard.
package pg

import (
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// ErrConflict marks a unique-constraint collision.
var ErrConflict = errors.New("pg: conflict")

// Store owns the shared pool and hands out the per-area stores.
type Store struct {
	db *sql.DB
}

// Open connects the pool.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// Wrap builds a Store over an existing pool (tests).
func Wrap(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Credentials() *CredentialStore { return &CredentialStore{db: s.db} }
func (s *Store) Tokens() *TokenStore           { return &TokenStore{db: s.db} }
func (s *Store) Sessions() *SessionStore       { return &SessionStore{db: s.db} }
func (s *Store) Authz() *AuthzStore            { return &AuthzStore{db: s.db} }
func (s *Store) Audit() *AuditStore            { return &AuditStore{db: s.db} }
func (s *Store) Tenants() *TenantStore         { return &TenantStore{db: s.db} }

// --- helpers ---

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullIfZero(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// inPlaceholders renders "$start, $start+1, ..." for n values.
func inPlaceholders(start, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("$")
		b.WriteString(strconv.Itoa(start + i))
	}
	return b.String()
}
