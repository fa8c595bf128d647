// Package authz evaluates permission predicates and approval workflows,
// tenant-scoped. Denials are result values, never panics, and are audited by
// the caller with the requested permission and the effective set.
package authz

import "strings"

// Permission codes follow "resource:action". The catalog is a fixed
// enumeration per resource family; endpoints declare the code they require
// at route registration.
const (
	PermGLRead         = "gl:read"
	PermGLWrite        = "gl:write"
	PermJournalPost    = "journal:post"
	PermJournalApprove = "journal:approve"
	PermInvoiceRead    = "invoice:read"
	PermInvoiceWrite   = "invoice:write"
	PermInvoiceApprove = "invoice:approve"
	PermPayrollRead    = "payroll:read"
	PermPayrollAdmin   = "payroll:admin"
	PermReportRead     = "report:read"
	PermReportExport   = "report:export"
	PermPeriodClose    = "period:close"

	PermUserProvision = "user:provision"
	PermUserAdmin     = "user:admin"
	PermRoleAdmin     = "role:admin"
	PermPolicyAdmin   = "policy:admin"
	PermGrantIssue    = "grant:issue"
	PermAuditRead     = "audit:read"
	PermTenantAdmin   = "tenant:admin"
)

// Permission is one atomic authority in the catalog.
type Permission struct {
	Code        string
	Description string
}

// Catalog is the builtin permission set seeded at migration time.
var Catalog = []Permission{
	{PermGLRead, "Read general ledger entries"},
	{PermGLWrite, "Write general ledger entries"},
	{PermJournalPost, "Post journal entries"},
	{PermJournalApprove, "Approve journal entries"},
	{PermInvoiceRead, "Read invoices"},
	{PermInvoiceWrite, "Create and edit invoices"},
	{PermInvoiceApprove, "Approve invoices"},
	{PermPayrollRead, "Read payroll records"},
	{PermPayrollAdmin, "Administer payroll"},
	{PermReportRead, "Read reports"},
	{PermReportExport, "Export reports"},
	{PermPeriodClose, "Close accounting periods"},
	{PermUserProvision, "Provision users into the tenant"},
	{PermUserAdmin, "Administer users"},
	{PermRoleAdmin, "Administer roles"},
	{PermPolicyAdmin, "Change tenant policies"},
	{PermGrantIssue, "Issue cross-tenant grants"},
	{PermAuditRead, "Read the audit log"},
	{PermTenantAdmin, "Administer the tenant"},
}

// ValidCode reports whether code has the "resource:action" shape and names a
// catalog entry.
func ValidCode(code string) bool {
	if strings.Count(code, ":") != 1 {
		return false
	}
	for _, p := range Catalog {
		if p.Code == code {
			return true
		}
	}
	return false
}

// System role codes seeded for every tenant.
const (
	RoleAdmin    = "admin"
	RoleReviewer = "reviewer"
	RoleClerk    = "clerk"
	RoleAuditor  = "auditor"
)

// ValidRole reports whether code names a system role.
func ValidRole(code string) bool {
	switch code {
	case RoleAdmin, RoleReviewer, RoleClerk, RoleAuditor:
		return true
	}
	return false
}
