package database

import (
	"context"
	"database/sql"
	"fmt"
)

// AuditEntry is one administrative action record (spec §9 supplement:
// admin/bootstrap/key-issuance audit trail), grounded on fida/audit.py's
// actor/action/tenant_id/meta/ip/ua row shape.
type AuditEntry struct {
	ID        int64
	KeyID     string
	Action    string
	TenantID  *string
	Detail    string
	IP        string
	UserAgent string
	MetaJSON  string
	CreatedAt string
}

// AuditRepository appends to and lists the audit_log table.
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository constructs an AuditRepository.
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Record appends an audit entry. Failures here are logged by the
// caller, never escalated to fail the action they describe. ip, ua,
// and metaJSON may be empty when the caller has nothing to report for
// them (e.g. background jobs with no originating request).
func (r *AuditRepository) Record(ctx context.Context, keyID, action string, tenantID *string, detail, ip, ua, metaJSON string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_log (key_id, action, tenant_id, detail, ip, user_agent, meta_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		keyID, action, tenantID, detail, ip, ua, metaJSON)
	if err != nil {
		return fmt.Errorf("database: record audit entry: %w", err)
	}
	return nil
}

// ListByTenant returns the most recent audit entries for a tenant,
// newest first, capped at limit.
func (r *AuditRepository) ListByTenant(ctx context.Context, tenantID string, limit int) ([]AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, key_id, action, tenant_id, detail, ip, user_agent, meta_json, created_at FROM audit_log
		WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("database: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var tid, kid, ip, ua, meta sql.NullString
		if err := rows.Scan(&e.ID, &kid, &e.Action, &tid, &e.Detail, &ip, &ua, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("database: scan audit entry: %w", err)
		}
		e.KeyID = kid.String
		e.IP = ip.String
		e.UserAgent = ua.String
		e.MetaJSON = meta.String
		if tid.Valid {
			e.TenantID = &tid.String
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
