package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Tenant is spec §3's Tenant aggregate.
type Tenant struct {
	TenantID        string
	Name            string
	ActiveKid       string
	PubB64U         string
	SeedEnc         string
	MonthlyEventCap int64
}

// TenantKey is one entry of the tenant signing-key history (spec §9's
// "tenant_keys history table" recommendation).
type TenantKey struct {
	TenantID string
	Kid      string
	PubB64U  string
	SeedEnc  string
	Active   bool
}

// TenantRepository persists tenants and their signing-key history.
type TenantRepository struct {
	db *sql.DB
}

// NewTenantRepository constructs a TenantRepository.
func NewTenantRepository(db *sql.DB) *TenantRepository {
	return &TenantRepository{db: db}
}

// Create inserts a tenant and its first active signing key in one
// transaction.
func (r *TenantRepository) Create(ctx context.Context, t *Tenant, firstKey *TenantKey) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("database: begin create tenant: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tenants (tenant_id, name, active_kid, pub_b64u, seed_enc, monthly_event_cap)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.TenantID, t.Name, firstKey.Kid, firstKey.PubB64U, firstKey.SeedEnc, t.MonthlyEventCap); err != nil {
		return fmt.Errorf("database: insert tenant: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tenant_keys (tenant_id, kid, pub_b64u, seed_enc, active)
		VALUES ($1, $2, $3, $4, true)`,
		t.TenantID, firstKey.Kid, firstKey.PubB64U, firstKey.SeedEnc); err != nil {
		return fmt.Errorf("database: insert tenant key: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tenant_state (tenant_id, next_seq, last_event_hash, root_hash, size)
		VALUES ($1, 1, '', '', 0)`, t.TenantID); err != nil {
		return fmt.Errorf("database: insert tenant state: %w", err)
	}
	return tx.Commit()
}

// Get returns a tenant by id, or nil if not found.
func (r *TenantRepository) Get(ctx context.Context, tenantID string) (*Tenant, error) {
	var t Tenant
	err := r.db.QueryRowContext(ctx, `
		SELECT tenant_id, name, active_kid, pub_b64u, seed_enc, monthly_event_cap
		FROM tenants WHERE tenant_id = $1`, tenantID).
		Scan(&t.TenantID, &t.Name, &t.ActiveKid, &t.PubB64U, &t.SeedEnc, &t.MonthlyEventCap)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database: get tenant: %w", err)
	}
	return &t, nil
}

// ActiveKey returns the tenant's current signing key (spec §4.3 step:
// "resolve active tenant signing key").
func (r *TenantRepository) ActiveKey(ctx context.Context, tenantID string) (*TenantKey, error) {
	var k TenantKey
	k.TenantID = tenantID
	err := r.db.QueryRowContext(ctx, `
		SELECT kid, pub_b64u, seed_enc, active FROM tenant_keys
		WHERE tenant_id = $1 AND active = true
		ORDER BY created_at DESC LIMIT 1`, tenantID).
		Scan(&k.Kid, &k.PubB64U, &k.SeedEnc, &k.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database: get active tenant key: %w", err)
	}
	return &k, nil
}

// KeyByKid resolves an historical key by kid, for verification after
// rotation (spec §9, spec §4.6 step 3).
func (r *TenantRepository) KeyByKid(ctx context.Context, tenantID, kid string) (*TenantKey, error) {
	var k TenantKey
	k.TenantID = tenantID
	k.Kid = kid
	err := r.db.QueryRowContext(ctx, `
		SELECT pub_b64u, seed_enc, active FROM tenant_keys
		WHERE tenant_id = $1 AND kid = $2`, tenantID, kid).
		Scan(&k.PubB64U, &k.SeedEnc, &k.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database: get tenant key by kid: %w", err)
	}
	return &k, nil
}

// JWKS returns every key on record for a tenant, for the public JWKS
// discovery endpoint.
func (r *TenantRepository) JWKS(ctx context.Context, tenantID string) ([]TenantKey, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT kid, pub_b64u, active FROM tenant_keys WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("database: list tenant keys: %w", err)
	}
	defer rows.Close()

	var keys []TenantKey
	for rows.Next() {
		var k TenantKey
		k.TenantID = tenantID
		if err := rows.Scan(&k.Kid, &k.PubB64U, &k.Active); err != nil {
			return nil, fmt.Errorf("database: scan tenant key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
