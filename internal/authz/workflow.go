package authz

import (
	"context"
	"errors"
	"fmt"

	"fincore.org/internal/tenant"
)

// Workflow types with builtin seeds.
const (
	WorkflowJournalPost    = "journal-post"
	WorkflowInvoiceApprove = "invoice-approve"
	WorkflowPeriodClose    = "period-close"
	WorkflowPayment        = "payment"
)

// Workflow is a per-tenant configuration deciding whether a domain action
// proceeds directly or requires sign-off.
type Workflow struct {
	ID                   string
	TenantID             string
	Type                 string
	RequiredLevels       int
	AutoApproveThreshold int64
	// ApproverRoleCodes is ordered: level n is approved by code n.
	ApproverRoleCodes []string
}

// Outcome is the adjudication result. The caller owns creating and
// transitioning the actual approval record.
type Outcome struct {
	AutoApproved bool
	// RequiredRoles is the ordered set of role codes that must sign off,
	// empty when auto-approved.
	RequiredRoles []string
}

var ErrWorkflowNotFound = errors.New("authz: workflow not configured")

// EvaluateWorkflow adjudicates whether the initiator's action may proceed.
// Amounts at or below the auto-approve threshold pass without sign-off.
func (r *Resolver) EvaluateWorkflow(ctx context.Context, workflowType string, amount int64) (Outcome, error) {
	scope, ok := tenant.FromContext(ctx)
	if !ok {
		return Outcome{}, tenant.ErrNoContext
	}
	wf, err := r.store.WorkflowByType(ctx, scope.TenantID, workflowType)
	if err != nil {
		return Outcome{}, err
	}
	return wf.Evaluate(amount), nil
}

// Evaluate adjudicates the amount against the workflow configuration.
func (wf *Workflow) Evaluate(amount int64) Outcome {
	if amount <= wf.AutoApproveThreshold {
		return Outcome{AutoApproved: true}
	}
	levels := wf.RequiredLevels
	if levels <= 0 || levels > len(wf.ApproverRoleCodes) {
		levels = len(wf.ApproverRoleCodes)
	}
	required := make([]string, levels)
	copy(required, wf.ApproverRoleCodes[:levels])
	return Outcome{RequiredRoles: required}
}

// ApproverEligible decides whether the principal may sign off the given
// level. Approvers must belong to the workflow's tenant: a reviewer from
// another tenant is a cross-tenant attempt, not merely a denial.
func (wf *Workflow) ApproverEligible(p Principal, level int) error {
	if p.TenantID != wf.TenantID {
		return tenant.ErrCrossTenant
	}
	if level < 0 || level >= len(wf.ApproverRoleCodes) {
		return fmt.Errorf("%w: no approval level %d", ErrForbidden, level)
	}
	if !p.HasRole(wf.ApproverRoleCodes[level]) {
		return Denial{Requested: "role:" + wf.ApproverRoleCodes[level], EffectiveSet: p.EffectiveSet()}
	}
	return nil
}
