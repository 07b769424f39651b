package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Event is spec §3's append-only Event aggregate.
type Event struct {
	TenantID      string
	Seq           int64
	EventID       string
	IssuedAt      string
	ProfileID     string
	EventType     string
	ActorRole     string
	ObjectRef     string
	PayloadCanon  string
	PayloadHash   string
	PrevEventHash *string
	EventHash     string
	Kid           string
	SignatureB64U string
	CheckpointID  *int64
	LeafIndex     *int64
}

// TenantStateRow is the per-tenant sequence anchor (spec §9's
// recommended dedicated tenant_state row, held FOR UPDATE on issue).
type TenantStateRow struct {
	TenantID      string
	NextSeq       int64
	LastEventHash string
	RootHash      string
	Size          int64
}

// EventRepository persists ledger events, tenant sequence state, and
// idempotency records, and drives the issue transaction.
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository constructs an EventRepository.
func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// IssueTxn is the single transaction spanning idempotency lookup,
// per-tenant sequence lock, event insert, and idempotency insert, per
// spec §4.3's atomicity contract.
type IssueTxn struct {
	tx *sql.Tx
}

// Begin starts the issue transaction.
func (r *EventRepository) Begin(ctx context.Context) (*IssueTxn, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("database: begin issue txn: %w", err)
	}
	return &IssueTxn{tx: tx}, nil
}

// Commit commits the transaction.
func (t *IssueTxn) Commit() error { return t.tx.Commit() }

// Rollback aborts the transaction. Safe to call after Commit.
func (t *IssueTxn) Rollback() error { return t.tx.Rollback() }

// FindIdempotent looks up an existing idempotency record within the
// transaction, implementing spec §4.3 step 1's short-circuit.
func (t *IssueTxn) FindIdempotent(ctx context.Context, tenantID, idemKey string) (receiptJSON string, found bool, err error) {
	err = t.tx.QueryRowContext(ctx, `
		SELECT receipt_json FROM idempotency_records WHERE tenant_id = $1 AND idem_key = $2`,
		tenantID, idemKey).Scan(&receiptJSON)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("database: find idempotency record: %w", err)
	}
	return receiptJSON, true, nil
}

// LockTenantState takes the row-level FOR UPDATE lock on the tenant's
// sequence anchor (spec §4.3 step 3, §9).
func (t *IssueTxn) LockTenantState(ctx context.Context, tenantID string) (*TenantStateRow, error) {
	var s TenantStateRow
	s.TenantID = tenantID
	err := t.tx.QueryRowContext(ctx, `
		SELECT next_seq, last_event_hash, root_hash, size FROM tenant_state
		WHERE tenant_id = $1 FOR UPDATE`, tenantID).
		Scan(&s.NextSeq, &s.LastEventHash, &s.RootHash, &s.Size)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database: lock tenant state: %w", err)
	}
	return &s, nil
}

// InsertEvent appends the event row. UNIQUE(tenant_id, seq) is the
// final safety net against a lost-update race (spec §4.3 step 3).
func (t *IssueTxn) InsertEvent(ctx context.Context, e *Event) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_events (
			tenant_id, seq, event_id, issued_at, profile_id, event_type, actor_role,
			object_ref, payload_canon, payload_hash, prev_event_hash, event_hash, kid, signature_b64u
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		e.TenantID, e.Seq, e.EventID, e.IssuedAt, e.ProfileID, e.EventType, e.ActorRole,
		e.ObjectRef, e.PayloadCanon, e.PayloadHash, e.PrevEventHash, e.EventHash, e.Kid, e.SignatureB64U)
	if err != nil {
		return fmt.Errorf("database: insert event: %w", err)
	}
	return nil
}

// UpdateTenantState advances the sequence anchor after a successful
// insert (spec §4.3, §9): it writes next_seq, last_event_hash, root_hash
// and size exactly as given in s, computing none of them itself.
func (t *IssueTxn) UpdateTenantState(ctx context.Context, s *TenantStateRow) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE tenant_state SET next_seq = $2, last_event_hash = $3, root_hash = $4, size = $5, updated_at = now()
		WHERE tenant_id = $1`, s.TenantID, s.NextSeq, s.LastEventHash, s.RootHash, s.Size)
	if err != nil {
		return fmt.Errorf("database: update tenant state: %w", err)
	}
	return nil
}

// InsertIdempotency records the idempotency row in the same
// transaction as the event it guards (spec §3's invariant).
func (t *IssueTxn) InsertIdempotency(ctx context.Context, tenantID, idemKey, receiptJSON string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO idempotency_records (tenant_id, idem_key, receipt_json) VALUES ($1, $2, $3)`,
		tenantID, idemKey, receiptJSON)
	if err != nil {
		return fmt.Errorf("database: insert idempotency record: %w", err)
	}
	return nil
}

// BumpUsage increments the tenant's current-month event counter,
// creating the row if absent (spec §9 supplement: monthly event cap).
func (t *IssueTxn) BumpUsage(ctx context.Context, tenantID, yyyymm string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO usage_counters (tenant_id, yyyymm, count) VALUES ($1, $2, 1)
		ON CONFLICT (tenant_id, yyyymm) DO UPDATE SET count = usage_counters.count + 1`,
		tenantID, yyyymm)
	if err != nil {
		return fmt.Errorf("database: bump usage counter: %w", err)
	}
	return nil
}

// EventByEventID fetches a single event by its global event_id, for
// /proof and /verify lookups.
func (r *EventRepository) EventByEventID(ctx context.Context, tenantID, eventID string) (*Event, error) {
	var e Event
	e.TenantID = tenantID
	err := r.db.QueryRowContext(ctx, `
		SELECT seq, event_id, issued_at, profile_id, event_type, actor_role, object_ref,
			   payload_canon, payload_hash, prev_event_hash, event_hash, kid, signature_b64u,
			   checkpoint_id, leaf_index
		FROM ledger_events WHERE tenant_id = $1 AND event_id = $2`, tenantID, eventID).
		Scan(&e.Seq, &e.EventID, &e.IssuedAt, &e.ProfileID, &e.EventType, &e.ActorRole, &e.ObjectRef,
			&e.PayloadCanon, &e.PayloadHash, &e.PrevEventHash, &e.EventHash, &e.Kid, &e.SignatureB64U,
			&e.CheckpointID, &e.LeafIndex)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database: get event by event_id: %w", err)
	}
	return &e, nil
}

// EventByHash looks up an event by its event_hash, used by the
// verification engine's optional chain-hint store check (spec §4.6
// step 4).
func (r *EventRepository) EventByHash(ctx context.Context, tenantID, eventHash string) (*Event, error) {
	var e Event
	e.TenantID = tenantID
	err := r.db.QueryRowContext(ctx, `
		SELECT seq, event_id, event_hash FROM ledger_events
		WHERE tenant_id = $1 AND event_hash = $2`, tenantID, eventHash).
		Scan(&e.Seq, &e.EventID, &e.EventHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database: get event by hash: %w", err)
	}
	return &e, nil
}

// UncheckpointedBatch selects the earliest N events still awaiting a
// checkpoint, ordered by seq (spec §4.5 step 1).
func (r *EventRepository) UncheckpointedBatch(ctx context.Context, tenantID string, n int) ([]Event, error) {
	return uncheckpointedBatch(ctx, r.db, tenantID, n)
}

// UncheckpointedBatchTx is UncheckpointedBatch run against tx instead of
// the pool, so the caller can select the batch after it already holds
// the tenant's checkpoint lock (spec §4.5/§5: no overlapping checkpoint
// runs per tenant) rather than before, which would let two concurrent
// writers select the same batch and leave one checkpoint orphaned of
// any events once BindCheckpoint finds nothing left to bind.
func (r *EventRepository) UncheckpointedBatchTx(ctx context.Context, tx *sql.Tx, tenantID string, n int) ([]Event, error) {
	return uncheckpointedBatch(ctx, tx, tenantID, n)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func uncheckpointedBatch(ctx context.Context, q queryer, tenantID string, n int) ([]Event, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT seq, event_id, event_hash FROM ledger_events
		WHERE tenant_id = $1 AND checkpoint_id IS NULL
		ORDER BY seq ASC LIMIT $2`, tenantID, n)
	if err != nil {
		return nil, fmt.Errorf("database: select uncheckpointed batch: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		e.TenantID = tenantID
		if err := rows.Scan(&e.Seq, &e.EventID, &e.EventHash); err != nil {
			return nil, fmt.Errorf("database: scan uncheckpointed event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// BindCheckpoint sets checkpoint_id and leaf_index on every event in
// [fromSeq, toSeq] for tenantID. Must run inside the same transaction
// that inserted the Checkpoint and MerkleNode rows (spec §4.5 step 5).
func BindCheckpoint(ctx context.Context, tx *sql.Tx, tenantID string, fromSeq, toSeq, checkpointID int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE ledger_events SET checkpoint_id = $1, leaf_index = seq - $2
		WHERE tenant_id = $3 AND checkpoint_id IS NULL AND seq >= $2 AND seq <= $4`,
		checkpointID, fromSeq, tenantID, toSeq)
	if err != nil {
		return fmt.Errorf("database: bind checkpoint to events: %w", err)
	}
	return nil
}

// Page returns up to limit events with seq > afterSeq, ordered
// ascending, for the /export endpoint's cursor pagination.
func (r *EventRepository) Page(ctx context.Context, tenantID string, afterSeq int64, limit int) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT seq, event_id, issued_at, profile_id, event_type, actor_role, object_ref,
			   payload_canon, payload_hash, prev_event_hash, event_hash, kid, signature_b64u
		FROM ledger_events
		WHERE tenant_id = $1 AND seq > $2
		ORDER BY seq ASC LIMIT $3`, tenantID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("database: page events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		e.TenantID = tenantID
		if err := rows.Scan(&e.Seq, &e.EventID, &e.IssuedAt, &e.ProfileID, &e.EventType, &e.ActorRole,
			&e.ObjectRef, &e.PayloadCanon, &e.PayloadHash, &e.PrevEventHash, &e.EventHash, &e.Kid, &e.SignatureB64U); err != nil {
			return nil, fmt.Errorf("database: scan paged event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
