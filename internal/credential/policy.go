package credential

import (
	"fmt"
	"unicode"
)

// Policy is the per-tenant password policy.
type Policy struct {
	MinLength         int
	MaxLength         int
	RequireUpper      bool
	RequireLower      bool
	RequireDigit      bool
	RequireSymbol     bool
	HistoryCount      int
	ExpiryDays        int
	MaxFailedAttempts int
	LockoutMinutes    int
}

// Violation names a single failed policy check.
type Violation struct {
	Check   string
	Message string
}

func (v Violation) Error() string { return v.Message }

// Validate enumerates every failed check so callers can report all
// violations at once.
func (p Policy) Validate(password string) []Violation {
	var out []Violation
	if p.MinLength > 0 && len(password) < p.MinLength {
		out = append(out, Violation{
			Check:   "min-length",
			Message: fmt.Sprintf("password must be at least %d characters", p.MinLength),
		})
	}
	if p.MaxLength > 0 && len(password) > p.MaxLength {
		out = append(out, Violation{
			Check:   "max-length",
			Message: fmt.Sprintf("password must be at most %d characters", p.MaxLength),
		})
	}

	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSymbol = true
		}
	}
	if p.RequireUpper && !hasUpper {
		out = append(out, Violation{Check: "upper", Message: "password must contain an uppercase letter"})
	}
	if p.RequireLower && !hasLower {
		out = append(out, Violation{Check: "lower", Message: "password must contain a lowercase letter"})
	}
	if p.RequireDigit && !hasDigit {
		out = append(out, Violation{Check: "digit", Message: "password must contain a digit"})
	}
	if p.RequireSymbol && !hasSymbol {
		out = append(out, Violation{Check: "symbol", Message: "password must contain a symbol"})
	}
	return out
}
