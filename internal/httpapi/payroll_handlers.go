package httpapi

import (
	"net/http"

	"fincore.org/internal/audit"
	"fincore.org/internal/ids"
	"fincore.org/internal/tenant"
)

type payrollRequest struct {
	EmployeeID  string `json:"employee_id"`
	Period      string `json:"period"`
	Salary      string `json:"salary"`
	BankAccount string `json:"bank_account,omitempty"`
}

type payrollRecord struct {
	ID          string `json:"id"`
	EmployeeID  string `json:"employee_id"`
	Period      string `json:"period"`
	Salary      string `json:"salary"`
	BankAccount string `json:"bank_account,omitempty"`
}

func (a *API) handlePayroll(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.handlePayrollCreate(w, r)
	case http.MethodGet:
		a.handlePayrollList(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handlePayrollCreate stores a payroll row. Salary and bank account are
// sealed with the tenant's field key before they reach the unit of work,
// and the data-change audit event commits in the same transaction as the
// row itself.
func (a *API) handlePayrollCreate(w http.ResponseWriter, r *http.Request) {
	if a.guard == nil || a.codec == nil {
		writeError(w, r, http.StatusServiceUnavailable, "payroll storage is not configured")
		return
	}
	scope, _ := tenant.FromContext(r.Context())

	var req payrollRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.EmployeeID == "" || req.Period == "" || req.Salary == "" {
		writeError(w, r, http.StatusBadRequest, "employee_id, period and salary are required")
		return
	}

	salary, err := a.codec.Encrypt(r.Context(), scope.TenantID, []byte(req.Salary))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "encryption failed")
		return
	}
	var bank string
	if req.BankAccount != "" {
		if bank, err = a.codec.Encrypt(r.Context(), scope.TenantID, []byte(req.BankAccount)); err != nil {
			writeError(w, r, http.StatusInternalServerError, "encryption failed")
			return
		}
	}

	uow, err := a.guard.Begin(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "payroll write failed")
		return
	}
	defer uow.Rollback()

	id := ids.New()
	now := a.now().UTC()
	if err := uow.Insert(r.Context(), "payroll_record",
		[]string{"id", "employee_id", "period", "salary", "bank_account", "created_at", "updated_at"},
		[]any{id, req.EmployeeID, req.Period, salary, bank, now, now}); err != nil {
		writeError(w, r, http.StatusInternalServerError, "payroll write failed")
		return
	}
	if err := uow.Commit(r.Context()); err != nil {
		writeError(w, r, http.StatusInternalServerError, "payroll write failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

// handlePayrollList reads the tenant's payroll rows and unseals the
// sensitive columns. A ciphertext that fails authentication is a critical
// integrity signal: it is audited and the request fails rather than
// returning partial data.
func (a *API) handlePayrollList(w http.ResponseWriter, r *http.Request) {
	if a.guard == nil || a.codec == nil {
		writeError(w, r, http.StatusServiceUnavailable, "payroll storage is not configured")
		return
	}
	scope, _ := tenant.FromContext(r.Context())

	var (
		where string
		args  []any
	)
	if period := r.URL.Query().Get("period"); period != "" {
		where = "period = $1"
		args = append(args, period)
	}

	uow, err := a.guard.Begin(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "payroll read failed")
		return
	}
	defer uow.Rollback()

	rows, err := uow.Query(r.Context(), "payroll_record",
		"id, employee_id, period, salary, bank_account", where, args...)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "payroll read failed")
		return
	}
	defer rows.Close()

	var out []payrollRecord
	for rows.Next() {
		var rec payrollRecord
		if err := rows.Scan(&rec.ID, &rec.EmployeeID, &rec.Period, &rec.Salary, &rec.BankAccount); err != nil {
			writeError(w, r, http.StatusInternalServerError, "payroll read failed")
			return
		}
		plain, err := a.codec.Decrypt(r.Context(), scope.TenantID, rec.Salary)
		if err != nil {
			a.auditDecryptFailure(r, scope, "payroll_record", rec.ID, "salary")
			writeError(w, r, http.StatusInternalServerError, "record integrity check failed")
			return
		}
		rec.Salary = string(plain)
		if rec.BankAccount != "" {
			if plain, err = a.codec.Decrypt(r.Context(), scope.TenantID, rec.BankAccount); err != nil {
				a.auditDecryptFailure(r, scope, "payroll_record", rec.ID, "bank_account")
				writeError(w, r, http.StatusInternalServerError, "record integrity check failed")
				return
			}
			rec.BankAccount = string(plain)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		writeError(w, r, http.StatusInternalServerError, "payroll read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": out})
}

func (a *API) auditDecryptFailure(r *http.Request, scope tenant.Scope, resourceType, resourceID, column string) {
	_ = audit.Log(r.Context(), a.audit, audit.Event{
		Kind:         audit.KindDecryptFailure,
		Severity:     audit.SeverityCritical,
		TenantID:     scope.TenantID,
		UserID:       scope.UserID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		IP:           clientIP(r),
		Metadata:     map[string]any{"column": column},
	})
}
