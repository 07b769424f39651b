package database

import (
	"context"
	"database/sql"
	"fmt"
)

// PlatformState is the single-row bootstrap/lock state plus the
// platform's sealed Ed25519 signing key (spec §3 PlatformState).
type PlatformState struct {
	Bootstrapped    bool
	BootstrapLocked bool
	PlatformKid     string
	PlatformPubB64U string
	PlatformSeedEnc string
}

// PlatformRepository persists the singleton platform_state row.
type PlatformRepository struct {
	db *sql.DB
}

// NewPlatformRepository constructs a PlatformRepository.
func NewPlatformRepository(db *sql.DB) *PlatformRepository {
	return &PlatformRepository{db: db}
}

// Get returns the platform state row, or nil if bootstrap has never run.
func (r *PlatformRepository) Get(ctx context.Context) (*PlatformState, error) {
	var p PlatformState
	var kid, pub, seed sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT bootstrapped, bootstrap_locked, platform_kid, platform_pub_b64u, platform_seed_enc
		FROM platform_state WHERE id = 1`).Scan(&p.Bootstrapped, &p.BootstrapLocked, &kid, &pub, &seed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database: get platform state: %w", err)
	}
	p.PlatformKid, p.PlatformPubB64U, p.PlatformSeedEnc = kid.String, pub.String, seed.String
	return &p, nil
}

// Bootstrap inserts the singleton row the first time the platform key
// is generated. If a row already exists the insert fails on the unique
// id=1 row and the wrapped driver error is returned, so at most one
// bootstrap can succeed.
func (r *PlatformRepository) Bootstrap(ctx context.Context, kid, pubB64U, seedEnc string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO platform_state (id, bootstrapped, bootstrap_locked, platform_kid, platform_pub_b64u, platform_seed_enc)
		VALUES (1, true, false, $1, $2, $3)`, kid, pubB64U, seedEnc)
	if err != nil {
		return fmt.Errorf("database: bootstrap platform state: %w", err)
	}
	return nil
}

// Lock freezes the platform state against further bootstrap calls.
func (r *PlatformRepository) Lock(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `UPDATE platform_state SET bootstrap_locked = true, updated_at = now() WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("database: lock platform state: %w", err)
	}
	return nil
}
