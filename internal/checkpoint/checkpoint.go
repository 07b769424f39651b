// Package checkpoint implements maybe_checkpoint: batching a tenant's
// uncheckpointed events into a signed Merkle-tree anchor (spec §4.5).
//
// Grounded on fida/ledger.py's batch-flush trigger shape, replaced
// with a true persisted Merkle tree per spec §4.4 rather than the
// Python original's rolling sha256(prev_root + event_hash) shortcut —
// this spec's batch/tree model is authoritative where the two diverge.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/fidarail/fesledger/internal/apierr"
	"github.com/fidarail/fesledger/internal/canon"
	"github.com/fidarail/fesledger/internal/database"
	"github.com/fidarail/fesledger/internal/keystore"
	"github.com/fidarail/fesledger/internal/merkle"
)

// DefaultBatchSize is spec §4.5's default checkpoint_batch_size.
const DefaultBatchSize = 5000

// Engine builds and persists checkpoints for a tenant.
type Engine struct {
	Checkpoints *database.CheckpointRepository
	Events      *database.EventRepository
	Keys        *keystore.Store
	BatchSize   int
	Now         func() time.Time
}

// NewEngine constructs a maybe_checkpoint Engine.
func NewEngine(checkpoints *database.CheckpointRepository, events *database.EventRepository, keys *keystore.Store, batchSize int) *Engine {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Engine{Checkpoints: checkpoints, Events: events, Keys: keys, BatchSize: batchSize, Now: time.Now}
}

// Result reports whether a checkpoint was actually cut.
type Result struct {
	Cut          bool
	CheckpointID int64
	RootHash     string
}

// MaybeCheckpoint runs spec §4.5's algorithm: select the earliest N
// uncheckpointed events, and if a full batch exists, build and persist
// a signed Merkle checkpoint for it. Returns Cut=false with no error
// if fewer than N events are pending (spec §4.5 step 2), or if another
// writer already holds the tenant's checkpoint lock (spec §5).
func (e *Engine) MaybeCheckpoint(ctx context.Context, tenantID string, platformKey *keystore.Key) (*Result, error) {
	tx, err := e.Checkpoints.Begin(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "begin_checkpoint_txn", err)
	}
	defer tx.Rollback()

	if err := e.Checkpoints.Lock(ctx, tx, tenantID); err != nil {
		if errors.Is(err, database.ErrLockNotAcquired) {
			return &Result{Cut: false}, nil
		}
		return nil, apierr.Wrap(apierr.KindInternal, "acquire_checkpoint_lock", err)
	}

	// Batch selection happens only after the lock is held, so a
	// concurrent writer can never select the same uncheckpointed
	// events: Lock above does not wait, so while this run holds the
	// lock a concurrent run gets ErrLockNotAcquired and returns
	// Cut:false.
	batch, err := e.Events.UncheckpointedBatchTx(ctx, tx, tenantID, e.BatchSize)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "select_uncheckpointed_batch", err)
	}
	if len(batch) < e.BatchSize {
		return &Result{Cut: false}, nil
	}

	leaves := make([]string, len(batch))
	for i, ev := range batch {
		leaves[i] = ev.EventHash
	}
	root, layers, err := merkle.Build(leaves)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "build_merkle_tree", err)
	}
	pageHash := merkle.PageHash(leaves)

	fromSeq := batch[0].Seq
	toSeq := batch[len(batch)-1].Seq
	issuedAt := e.Now().UTC().Format(time.RFC3339Nano)

	header := map[string]any{
		"tenant_id":    tenantID,
		"from_seq":     fromSeq,
		"to_seq":       toSeq,
		"leaf_count":   int64(len(leaves)),
		"root_hash":    root,
		"page_hash":    pageHash,
		"issued_at":    issuedAt,
		"platform_kid": platformKey.Kid,
	}
	headerCanon, err := canon.Bytes(header)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "canonicalize_checkpoint_header", err)
	}
	sig, err := e.Keys.SignBytes(platformKey, headerCanon)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindCrypto, "checkpoint_signing_failed", err)
	}

	id, err := e.Checkpoints.Insert(ctx, tx, &database.Checkpoint{
		TenantID:      tenantID,
		FromSeq:       fromSeq,
		ToSeq:         toSeq,
		LeafCount:     int64(len(leaves)),
		RootHash:      root,
		PageHash:      pageHash,
		IssuedAt:      issuedAt,
		PlatformKid:   platformKey.Kid,
		SignatureB64U: sig,
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIntegrityViolate, "insert_checkpoint_failed", err)
	}

	nodes := flattenLayers(id, layers)
	if err := e.Checkpoints.InsertNodes(ctx, tx, nodes); err != nil {
		return nil, apierr.Wrap(apierr.KindIntegrityViolate, "insert_merkle_nodes_failed", err)
	}

	if err := database.BindCheckpoint(ctx, tx, tenantID, fromSeq, toSeq, id); err != nil {
		return nil, apierr.Wrap(apierr.KindIntegrityViolate, "bind_checkpoint_failed", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apierr.Wrap(apierr.KindIntegrityViolate, "commit_checkpoint_failed", err)
	}

	return &Result{Cut: true, CheckpointID: id, RootHash: root}, nil
}

// flattenLayers converts Build's layer set into the persisted
// (checkpoint_id, level, idx, hash) rows spec §3's MerkleNode invariant
// describes.
func flattenLayers(checkpointID int64, layers [][]string) []database.MerkleNode {
	var nodes []database.MerkleNode
	for level, layer := range layers {
		for idx, hash := range layer {
			nodes = append(nodes, database.MerkleNode{
				CheckpointID: checkpointID,
				Level:        level,
				Idx:          idx,
				Hash:         hash,
			})
		}
	}
	return nodes
}
