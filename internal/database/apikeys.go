package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fidarail/fesledger/internal/auth"
)

// ApiKeyRepository persists API-key records and implements
// auth.Lookup against the key_hash unique index.
type ApiKeyRepository struct {
	db *sql.DB
}

// NewApiKeyRepository constructs an ApiKeyRepository.
func NewApiKeyRepository(db *sql.DB) *ApiKeyRepository {
	return &ApiKeyRepository{db: db}
}

// FindByKeyHash implements auth.Lookup.
func (r *ApiKeyRepository) FindByKeyHash(ctx context.Context, keyHash string) (*auth.Record, error) {
	var rec auth.Record
	var tenantID sql.NullString
	var role string
	err := r.db.QueryRowContext(ctx, `
		SELECT key_id, tenant_id, role, status FROM api_keys WHERE key_hash = $1`, keyHash).
		Scan(&rec.KeyID, &tenantID, &role, &rec.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database: find api key by hash: %w", err)
	}
	rec.Role = auth.Role(role)
	if tenantID.Valid {
		rec.TenantID = &tenantID.String
	}
	return &rec, nil
}

// Issue inserts a newly minted API key. The raw secret is hashed by
// the caller before this call; only the hash is ever persisted.
func (r *ApiKeyRepository) Issue(ctx context.Context, keyID, keyHash string, tenantID *string, role auth.Role) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO api_keys (key_id, key_hash, tenant_id, role, status)
		VALUES ($1, $2, $3, $4, 'active')`, keyID, keyHash, tenantID, string(role))
	if err != nil {
		return fmt.Errorf("database: issue api key: %w", err)
	}
	return nil
}
