package credential

import (
	"context"
	"errors"
	"strings"
	"time"

	"fincore.org/internal/obs"
)

// User statuses.
const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// User is a globally unique identity. Tenancy is attached through
// provisioning records, never stored on the user row itself.
type User struct {
	ID                string
	Email             string
	PasswordHash      string
	Status            string
	FailedAttempts    int
	LockedUntil       time.Time
	PasswordChangedAt time.Time
	Flagged           bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HistoryEntry is a prior password digest retained for reuse checks.
type HistoryEntry struct {
	UserID       string
	PasswordHash string
	CreatedAt    time.Time
}

// LoginAttempt is one recorded authentication attempt.
type LoginAttempt struct {
	UserID        string
	TenantID      string
	IP            string
	Success       bool
	FailureReason string
	AttemptedAt   time.Time
}

// Store describes persistence required by the credential service.
type Store interface {
	Find(ctx context.Context, userID string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string, changedAt time.Time) error
	SetLockState(ctx context.Context, userID string, failedAttempts int, lockedUntil time.Time) error
	AppendHistory(ctx context.Context, entry HistoryEntry, keep int) error
	History(ctx context.Context, userID string, limit int) ([]HistoryEntry, error)
	RecordAttempt(ctx context.Context, attempt LoginAttempt) error
}

var (
	ErrNotFound      = errors.New("credential: user not found")
	ErrLocked        = errors.New("credential: account locked")
	ErrPolicy        = errors.New("credential: password violates policy")
	ErrReuse         = errors.New("credential: password was used recently")
	ErrWrongPassword = errors.New("credential: wrong password")
)

// Service implements hashing, verification and lockout on top of a Store.
type Service struct {
	store  Store
	hasher *Hasher
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

// NewService constructs the credential service.
func NewService(store Store, hasher *Hasher, opts ...ServiceOption) *Service {
	s := &Service{store: store, hasher: hasher, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HashPassword produces a digest for storage.
func (s *Service) HashPassword(password string) (string, error) {
	return s.hasher.Hash(password)
}

// Lookup fetches the active user by email, without touching lockout state.
// The login handler uses it to resolve the tenant before authenticating.
func (s *Service) Lookup(ctx context.Context, email string) (*User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	user, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		return nil, ErrNotFound
	}
	return user, nil
}

// Find fetches the user by id. Token verification uses it to reject
// credentials whose account was locked or disabled after issuance.
func (s *Service) Find(ctx context.Context, userID string) (*User, error) {
	user, err := s.store.Find(ctx, userID)
	if err != nil {
		return nil, ErrNotFound
	}
	return user, nil
}

// IsLocked reports whether the user is locked out and, if so, until when.
func (s *Service) IsLocked(user *User) (bool, time.Time) {
	if user.LockedUntil.IsZero() {
		return false, time.Time{}
	}
	if s.now().Before(user.LockedUntil) {
		return true, user.LockedUntil
	}
	return false, time.Time{}
}

// Authenticate verifies credentials for the user, applying the lockout rules
// from policy. The returned error carries the real reason for the audit
// layer; callers surface a uniform unauthorized to clients.
func (s *Service) Authenticate(ctx context.Context, email, password, tenantID, ip string, policy Policy) (*User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	user, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		return nil, ErrNotFound
	}
	if user.Status != UserStatusActive {
		s.recordAttempt(ctx, user, tenantID, ip, false, "user-disabled")
		return nil, ErrNotFound
	}
	// Lockout wins over a correct password.
	if locked, _ := s.IsLocked(user); locked {
		s.recordAttempt(ctx, user, tenantID, ip, false, "locked")
		return nil, ErrLocked
	}
	if err := s.hasher.Verify(user.PasswordHash, password); err != nil {
		s.registerFailure(ctx, user, policy)
		s.recordAttempt(ctx, user, tenantID, ip, false, "wrong-password")
		return nil, ErrWrongPassword
	}
	if user.FailedAttempts != 0 || !user.LockedUntil.IsZero() {
		if err := s.store.SetLockState(ctx, user.ID, 0, time.Time{}); err != nil {
			obs.Log("warn", "reset lock state failed", map[string]any{"user_id": user.ID, "error": err.Error()})
		}
		user.FailedAttempts = 0
		user.LockedUntil = time.Time{}
	}
	s.recordAttempt(ctx, user, tenantID, ip, true, "")
	return user, nil
}

// ChangePassword validates the new password against policy and history, then
// rotates the digest. History keeps the last HistoryCount digests.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string, policy Policy) error {
	user, err := s.store.Find(ctx, userID)
	if err != nil {
		return ErrNotFound
	}
	if err := s.hasher.Verify(user.PasswordHash, current); err != nil {
		return ErrWrongPassword
	}
	if violations := policy.Validate(next); len(violations) > 0 {
		return PolicyError{Violations: violations}
	}
	if policy.HistoryCount > 0 {
		history, err := s.store.History(ctx, userID, policy.HistoryCount)
		if err != nil {
			return err
		}
		// The live digest counts toward the history window.
		candidates := append([]HistoryEntry{{PasswordHash: user.PasswordHash}}, history...)
		if len(candidates) > policy.HistoryCount {
			candidates = candidates[:policy.HistoryCount]
		}
		for _, entry := range candidates {
			if s.hasher.Verify(entry.PasswordHash, next) == nil {
				return ErrReuse
			}
		}
	}
	digest, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if err := s.store.UpdatePassword(ctx, userID, digest, now); err != nil {
		return err
	}
	return s.store.AppendHistory(ctx, HistoryEntry{
		UserID:       userID,
		PasswordHash: user.PasswordHash,
		CreatedAt:    now,
	}, policy.HistoryCount)
}

// registerFailure bumps the failure counter and transitions to locked at
// exactly MaxFailedAttempts. Locking is idempotent.
func (s *Service) registerFailure(ctx context.Context, user *User, policy Policy) {
	user.FailedAttempts++
	lockedUntil := user.LockedUntil
	if policy.MaxFailedAttempts > 0 && user.FailedAttempts >= policy.MaxFailedAttempts && lockedUntil.IsZero() {
		lockedUntil = s.now().Add(time.Duration(policy.LockoutMinutes) * time.Minute)
	}
	if err := s.store.SetLockState(ctx, user.ID, user.FailedAttempts, lockedUntil); err != nil {
		obs.Log("warn", "persist lock state failed", map[string]any{"user_id": user.ID, "error": err.Error()})
	}
	user.LockedUntil = lockedUntil
}

// recordAttempt is best-effort: persistence failure never flips an outcome,
// it only logs.
func (s *Service) recordAttempt(ctx context.Context, user *User, tenantID, ip string, success bool, reason string) {
	err := s.store.RecordAttempt(ctx, LoginAttempt{
		UserID:        user.ID,
		TenantID:      tenantID,
		IP:            ip,
		Success:       success,
		FailureReason: reason,
		AttemptedAt:   s.now().UTC(),
	})
	if err != nil {
		obs.Log("warn", "record login attempt failed", map[string]any{"user_id": user.ID, "error": err.Error()})
	}
}

// PolicyError aggregates every failed policy check.
type PolicyError struct {
	Violations []Violation
}

func (e PolicyError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Message
	}
	return "credential: " + strings.Join(msgs, "; ")
}

func (e PolicyError) Unwrap() error { return ErrPolicy }
