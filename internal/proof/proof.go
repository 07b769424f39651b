// Package proof reconstructs Merkle inclusion proofs from persisted
// checkpoint layers for the /proof/{tenant}/{event_id} endpoint.
//
// Grounded on internal/merkle's Prove/Verify contract and
// pkg/merkle/tree.go's layer-rebuild-before-proving structure.
package proof

import (
	"context"

	"github.com/fidarail/fesledger/internal/apierr"
	"github.com/fidarail/fesledger/internal/database"
	"github.com/fidarail/fesledger/internal/merkle"
)

// EventLookup is the subset of EventRepository that inclusion proofs need.
type EventLookup interface {
	EventByEventID(ctx context.Context, tenantID, eventID string) (*database.Event, error)
}

// CheckpointReader is the subset of CheckpointRepository that inclusion
// proofs need, narrowed so tests can supply an in-memory fake instead of
// a live database.
type CheckpointReader interface {
	Get(ctx context.Context, tenantID string, id int64) (*database.Checkpoint, error)
	MaxLevel(ctx context.Context, checkpointID int64) (int, error)
	NodesAtLevel(ctx context.Context, checkpointID int64, level int) ([]database.MerkleNode, error)
}

// Engine rebuilds a checkpoint's persisted layers to prove inclusion
// of a single event.
type Engine struct {
	Events      EventLookup
	Checkpoints CheckpointReader
}

// NewEngine constructs a proof Engine.
func NewEngine(events EventLookup, checkpoints CheckpointReader) *Engine {
	return &Engine{Events: events, Checkpoints: checkpoints}
}

// Result is the inclusion proof plus the checkpoint it is anchored to.
type Result struct {
	Checkpoint *database.Checkpoint
	Proof      *merkle.Proof
	Valid      bool
}

// InclusionProof locates eventID's checkpoint and leaf_index, rebuilds
// the tree's persisted layers, and proves inclusion.
func (e *Engine) InclusionProof(ctx context.Context, tenantID, eventID string) (*Result, error) {
	ev, err := e.Events.EventByEventID(ctx, tenantID, eventID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "lookup_event_failed", err)
	}
	if ev == nil {
		return nil, apierr.New(apierr.KindNotFound, "unknown_event")
	}
	if ev.CheckpointID == nil || ev.LeafIndex == nil {
		return nil, apierr.New(apierr.KindNotFound, "event_not_checkpointed")
	}

	cp, err := e.Checkpoints.Get(ctx, tenantID, *ev.CheckpointID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "lookup_checkpoint_failed", err)
	}
	if cp == nil {
		return nil, apierr.New(apierr.KindNotFound, "unknown_checkpoint")
	}

	maxLevel, err := e.Checkpoints.MaxLevel(ctx, cp.ID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "lookup_max_level_failed", err)
	}

	layers := make([][]string, maxLevel+1)
	for level := 0; level <= maxLevel; level++ {
		nodes, err := e.Checkpoints.NodesAtLevel(ctx, cp.ID, level)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindInternal, "lookup_merkle_level_failed", err)
		}
		layer := make([]string, len(nodes))
		for _, n := range nodes {
			layer[n.Idx] = n.Hash
		}
		layers[level] = layer
	}

	p, err := merkle.Prove(layers, int(*ev.LeafIndex))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIntegrityViolate, "prove_inclusion_failed", err)
	}

	return &Result{Checkpoint: cp, Proof: p, Valid: merkle.Verify(p)}, nil
}
