package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"fincore.org/internal/authz"
)

// AuthzStore resolves role-to-permission mappings and approval workflows.
type AuthzStore struct {
	db *sql.DB
}

var _ authz.Store = (*AuthzStore)(nil)

// PermissionsForRoles unions the permission codes of the role codes. System
// defaults have a null tenant_id; a tenant row with the same role code
// overrides nothing, it only adds.
func (s *AuthzStore) PermissionsForRoles(ctx context.Context, tenantID string, roleCodes []string) ([]string, error) {
	if len(roleCodes) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(roleCodes)+1)
	args = append(args, tenantID)
	for _, code := range roleCodes {
		args = append(args, code)
	}
	q := fmt.Sprintf(`
		select distinct permission_code
		from role_permissions
		where role_code in (%s) and (tenant_id is null or tenant_id = $1)
		order by permission_code
	`, inPlaceholders(2, len(roleCodes)))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

func (s *AuthzStore) WorkflowByType(ctx context.Context, tenantID, workflowType string) (*authz.Workflow, error) {
	var (
		w        authz.Workflow
		rawRoles []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select id, tenant_id, workflow_type, required_levels, auto_approve_threshold, approver_role_codes
		from approval_workflows
		where tenant_id = $1 and workflow_type = $2
	`, tenantID, workflowType).Scan(&w.ID, &w.TenantID, &w.Type, &w.RequiredLevels, &w.AutoApproveThreshold, &rawRoles)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(rawRoles) > 0 {
		if err := json.Unmarshal(rawRoles, &w.ApproverRoleCodes); err != nil {
			return nil, fmt.Errorf("decode approver roles: %w", err)
		}
	}
	return &w, nil
}

// SaveWorkflow upserts a tenant's workflow configuration.
func (s *AuthzStore) SaveWorkflow(ctx context.Context, w *authz.Workflow) error {
	rawRoles, err := json.Marshal(w.ApproverRoleCodes)
	if err != nil {
		return fmt.Errorf("encode approver roles: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into approval_workflows (id, tenant_id, workflow_type, required_levels, auto_approve_threshold, approver_role_codes)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (tenant_id, workflow_type) do update
		set required_levels = excluded.required_levels,
		    auto_approve_threshold = excluded.auto_approve_threshold,
		    approver_role_codes = excluded.approver_role_codes
	`, w.ID, w.TenantID, w.Type, w.RequiredLevels, w.AutoApproveThreshold, rawRoles)
	return err
}
