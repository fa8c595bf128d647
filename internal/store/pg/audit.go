package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"fincore.org/internal/audit"
)

// AuditStore appends immutable events. The audit_events table revokes
// update and delete from the application role; mutation attempts fail at
// the database.
type AuditStore struct {
	db *sql.DB
}

var _ audit.Store = (*AuditStore)(nil)

const auditInsert = `
	insert into audit_events (id, tenant_id, user_id, kind, severity, resource_type, resource_id, old_values, new_values, ip, metadata, occurred_at)
	values ($1, $2, $3, $4, $5, nullif($6, ''), nullif($7, ''), $8, $9, nullif($10, ''), $11, $12)
`

func auditArgs(event *audit.Event) ([]any, error) {
	oldJSON, err := marshalOrNil(event.OldValues)
	if err != nil {
		return nil, fmt.Errorf("encode old values: %w", err)
	}
	newJSON, err := marshalOrNil(event.NewValues)
	if err != nil {
		return nil, fmt.Errorf("encode new values: %w", err)
	}
	metaJSON, err := marshalOrNil(event.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return []any{
		event.ID, nullIfEmpty(event.TenantID), nullIfEmpty(event.UserID),
		event.Kind, event.Severity, event.ResourceType, event.ResourceID,
		oldJSON, newJSON, event.IP, metaJSON, event.OccurredAt,
	}, nil
}

func (s *AuditStore) Append(ctx context.Context, event *audit.Event) error {
	args, err := auditArgs(event)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, auditInsert, args...)
	return err
}

// AppendTx writes the event inside an open unit of work, so the trail
// commits atomically with the data change it records.
func (s *AuditStore) AppendTx(ctx context.Context, tx *sql.Tx, event *audit.Event) error {
	args, err := auditArgs(event)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, auditInsert, args...)
	return err
}

func (s *AuditStore) List(ctx context.Context, tenantID string, limit int) ([]*audit.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, coalesce(tenant_id, ''), coalesce(user_id, ''), kind, severity,
		       coalesce(resource_type, ''), coalesce(resource_id, ''),
		       old_values, new_values, coalesce(ip, ''), metadata, occurred_at
		from audit_events
		where tenant_id = $1
		order by occurred_at desc
		limit $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*audit.Event
	for rows.Next() {
		var (
			event            audit.Event
			oldRaw, newRaw   []byte
			metaRaw          []byte
		)
		if err := rows.Scan(&event.ID, &event.TenantID, &event.UserID, &event.Kind, &event.Severity,
			&event.ResourceType, &event.ResourceID, &oldRaw, &newRaw, &event.IP, &metaRaw, &event.OccurredAt); err != nil {
			return nil, err
		}
		if err := unmarshalIfPresent(oldRaw, &event.OldValues); err != nil {
			return nil, err
		}
		if err := unmarshalIfPresent(newRaw, &event.NewValues); err != nil {
			return nil, err
		}
		if err := unmarshalIfPresent(metaRaw, &event.Metadata); err != nil {
			return nil, err
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}

func marshalOrNil(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalIfPresent(raw []byte, dst *map[string]any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
