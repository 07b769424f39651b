package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Checkpoint is spec §3/§4.5's periodic Merkle-tree anchor over a
// contiguous batch of a tenant's events.
type Checkpoint struct {
	ID            int64  `json:"id"`
	TenantID      string `json:"tenant_id"`
	FromSeq       int64  `json:"from_seq"`
	ToSeq         int64  `json:"to_seq"`
	LeafCount     int64  `json:"leaf_count"`
	RootHash      string `json:"root_hash"`
	PageHash      string `json:"page_hash"`
	IssuedAt      string `json:"issued_at"`
	PlatformKid   string `json:"platform_kid"`
	SignatureB64U string `json:"signature_b64u"`
}

// MerkleNode is one persisted node of a checkpoint's tree, keyed by
// (checkpoint_id, level, idx) with level 0 the leaf row.
type MerkleNode struct {
	CheckpointID int64
	Level        int
	Idx          int
	Hash         string
}

// CheckpointRepository persists checkpoints and their Merkle trees.
type CheckpointRepository struct {
	db *sql.DB
}

// NewCheckpointRepository constructs a CheckpointRepository.
func NewCheckpointRepository(db *sql.DB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

// ErrLockNotAcquired is returned by Lock when another writer already
// holds the tenant's checkpoint lock. Per spec §4.5/§5, the caller
// should skip this run rather than wait — another writer will catch
// up the batch later.
var ErrLockNotAcquired = fmt.Errorf("database: checkpoint lock held by another writer")

// Lock attempts to take a per-tenant advisory lock for the duration of
// the transaction, serializing overlapping checkpoint runs (spec §4.5
// step "no overlapping checkpoint runs per tenant"). It never blocks:
// if the lock is already held, it returns ErrLockNotAcquired so the
// caller can skip this run (spec §5 "if the lock cannot be acquired,
// skip"). hashtext folds the tenant id into a stable int4 key for
// pg_try_advisory_xact_lock.
func (r *CheckpointRepository) Lock(ctx context.Context, tx *sql.Tx, tenantID string) error {
	var acquired bool
	err := tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock(hashtext('checkpoint:' || $1))`, tenantID).Scan(&acquired)
	if err != nil {
		return fmt.Errorf("database: acquire checkpoint lock: %w", err)
	}
	if !acquired {
		return ErrLockNotAcquired
	}
	return nil
}

// Begin starts the checkpoint transaction.
func (r *CheckpointRepository) Begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("database: begin checkpoint txn: %w", err)
	}
	return tx, nil
}

// Insert persists the checkpoint row and returns its assigned id.
func (r *CheckpointRepository) Insert(ctx context.Context, tx *sql.Tx, c *Checkpoint) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO checkpoints (tenant_id, from_seq, to_seq, leaf_count, merkle_root, page_hash, issued_at, platform_kid, signature_b64u)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
		c.TenantID, c.FromSeq, c.ToSeq, c.LeafCount, c.RootHash, c.PageHash, c.IssuedAt, c.PlatformKid, c.SignatureB64U).
		Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("database: insert checkpoint: %w", err)
	}
	return id, nil
}

// InsertNodes bulk-inserts the tree's layers for a checkpoint.
func (r *CheckpointRepository) InsertNodes(ctx context.Context, tx *sql.Tx, nodes []MerkleNode) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO merkle_nodes (checkpoint_id, level, idx, hash_hex) VALUES ($1,$2,$3,$4)`)
	if err != nil {
		return fmt.Errorf("database: prepare insert merkle node: %w", err)
	}
	defer stmt.Close()

	for _, n := range nodes {
		if _, err := stmt.ExecContext(ctx, n.CheckpointID, n.Level, n.Idx, n.Hash); err != nil {
			return fmt.Errorf("database: insert merkle node: %w", err)
		}
	}
	return nil
}

// Get returns a checkpoint by id, or nil if not found.
func (r *CheckpointRepository) Get(ctx context.Context, tenantID string, id int64) (*Checkpoint, error) {
	var c Checkpoint
	c.TenantID = tenantID
	err := r.db.QueryRowContext(ctx, `
		SELECT id, from_seq, to_seq, leaf_count, merkle_root, page_hash, issued_at, platform_kid, signature_b64u
		FROM checkpoints WHERE tenant_id = $1 AND id = $2`, tenantID, id).
		Scan(&c.ID, &c.FromSeq, &c.ToSeq, &c.LeafCount, &c.RootHash, &c.PageHash, &c.IssuedAt, &c.PlatformKid, &c.SignatureB64U)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database: get checkpoint: %w", err)
	}
	return &c, nil
}

// ForEvent returns the checkpoint an already-bound event belongs to.
func (r *CheckpointRepository) ForEvent(ctx context.Context, tenantID string, checkpointID int64) (*Checkpoint, error) {
	return r.Get(ctx, tenantID, checkpointID)
}

// Latest returns the most recently sealed checkpoint for a tenant, or
// nil if none has been cut yet (spec §6's /export "latest checkpoint").
func (r *CheckpointRepository) Latest(ctx context.Context, tenantID string) (*Checkpoint, error) {
	var c Checkpoint
	c.TenantID = tenantID
	err := r.db.QueryRowContext(ctx, `
		SELECT id, from_seq, to_seq, leaf_count, merkle_root, page_hash, issued_at, platform_kid, signature_b64u
		FROM checkpoints WHERE tenant_id = $1 ORDER BY to_seq DESC LIMIT 1`, tenantID).
		Scan(&c.ID, &c.FromSeq, &c.ToSeq, &c.LeafCount, &c.RootHash, &c.PageHash, &c.IssuedAt, &c.PlatformKid, &c.SignatureB64U)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database: get latest checkpoint: %w", err)
	}
	return &c, nil
}

// NodesAtLevel returns every persisted node at a given level of a
// checkpoint's tree, ordered by idx, for inclusion-proof reconstruction
// (spec §4.6's proof path).
func (r *CheckpointRepository) NodesAtLevel(ctx context.Context, checkpointID int64, level int) ([]MerkleNode, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT idx, hash_hex FROM merkle_nodes WHERE checkpoint_id = $1 AND level = $2 ORDER BY idx ASC`,
		checkpointID, level)
	if err != nil {
		return nil, fmt.Errorf("database: list merkle nodes at level: %w", err)
	}
	defer rows.Close()

	var nodes []MerkleNode
	for rows.Next() {
		n := MerkleNode{CheckpointID: checkpointID, Level: level}
		if err := rows.Scan(&n.Idx, &n.Hash); err != nil {
			return nil, fmt.Errorf("database: scan merkle node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// MaxLevel returns the highest level persisted for a checkpoint (the
// root's level).
func (r *CheckpointRepository) MaxLevel(ctx context.Context, checkpointID int64) (int, error) {
	var level int
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(level), 0) FROM merkle_nodes WHERE checkpoint_id = $1`, checkpointID).Scan(&level)
	if err != nil {
		return 0, fmt.Errorf("database: get max merkle level: %w", err)
	}
	return level, nil
}
