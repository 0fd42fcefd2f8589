package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/xase-labs/xase-core/pkg/audit"
)

// AuditLogStore persists audit events in xase_audit_logs. Rows are never
// updated or deleted.
type AuditLogStore struct {
	db     *sql.DB
	sqlite bool
}

var _ audit.Sink = (*AuditLogStore)(nil)

func NewAuditLogStore(db *sql.DB, sqliteDialect bool) *AuditLogStore {
	return &AuditLogStore{db: db, sqlite: sqliteDialect}
}

func (s *AuditLogStore) q(query string) string {
	if s.sqlite {
		return rebind(query)
	}
	return query
}

func (s *AuditLogStore) AppendAudit(ctx context.Context, evt audit.Event) error {
	var meta any
	if len(evt.Metadata) > 0 {
		b, err := json.Marshal(evt.Metadata)
		if err != nil {
			return fmt.Errorf("store.audit: marshal metadata: %w", err)
		}
		meta = string(b)
	}
	ts := evt.Timestamp
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO xase_audit_logs (id, tenant_id, actor_id, action, resource_type, resource_id, status, error, metadata, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`),
		evt.ID, evt.TenantID, evt.ActorID, string(evt.Action), evt.ResourceType, evt.ResourceID,
		string(evt.Status), nullString(evt.Error), meta, timeArg(&ts, s.sqlite),
	)
	if err != nil {
		return fmt.Errorf("store.audit: insert: %w", err)
	}
	return nil
}

// ListAudit returns a tenant's most recent events first.
func (s *AuditLogStore) ListAudit(ctx context.Context, tenantID string, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, tenant_id, actor_id, action, resource_type, resource_id, status, error, metadata, timestamp
		FROM xase_audit_logs WHERE tenant_id = $1 ORDER BY timestamp DESC LIMIT $2`), tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("store.audit: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []audit.Event
	for rows.Next() {
		var (
			evt            audit.Event
			action, status string
			errText, meta  sql.NullString
			ts             dbTime
		)
		if err := rows.Scan(&evt.ID, &evt.TenantID, &evt.ActorID, &action, &evt.ResourceType, &evt.ResourceID,
			&status, &errText, &meta, &ts); err != nil {
			return nil, err
		}
		evt.Action = audit.Action(action)
		evt.Status = audit.Status(status)
		evt.Error = errText.String
		evt.Timestamp = ts.Time
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &evt.Metadata); err != nil {
				return nil, fmt.Errorf("store.audit: corrupt metadata for %s: %w", evt.ID, err)
			}
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}
