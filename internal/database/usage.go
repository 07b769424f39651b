package database

import (
	"context"
	"database/sql"
	"fmt"
)

// UsageRepository reads the monthly event counters bumped by
// IssueTxn.BumpUsage, backing the tenant monthly-cap supplement
// (spec §9).
type UsageRepository struct {
	db *sql.DB
}

// NewUsageRepository constructs a UsageRepository.
func NewUsageRepository(db *sql.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Count returns the tenant's event count for the given yyyymm period,
// or 0 if no events have been issued yet that month.
func (r *UsageRepository) Count(ctx context.Context, tenantID, yyyymm string) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `
		SELECT count FROM usage_counters WHERE tenant_id = $1 AND yyyymm = $2`, tenantID, yyyymm).
		Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("database: get usage count: %w", err)
	}
	return count, nil
}
