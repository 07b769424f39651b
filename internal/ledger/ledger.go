// Package ledger implements issue_event: the append-only,
// hash-chained, per-tenant signed event engine (spec §4.3).
//
// Grounded on fida/ledger.py's issue() ordering (idempotency check,
// canonicalize, lock sequence anchor, chain, hash, sign, persist) and
// pkg/database/proof_artifact_repository.go's single-transaction
// repository call style, adapted to the true header-hash construction
// this spec mandates rather than the Python original's rolling root.
package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fidarail/fesledger/internal/apierr"
	"github.com/fidarail/fesledger/internal/canon"
	"github.com/fidarail/fesledger/internal/crypto"
	"github.com/fidarail/fesledger/internal/database"
	"github.com/fidarail/fesledger/internal/keystore"
)

const (
	// Version is the FES wire format version embedded in every signed
	// event header (spec §4.3 step 5).
	Version = "FES-1.0"
	// HashAlg is the fixed hash algorithm literal for event headers.
	HashAlg = "SHA-256"
)

// Request is the caller-supplied input to IssueEvent.
type Request struct {
	TenantID  string
	Payload   map[string]any
	ProfileID string
	EventType string
	ActorRole string
	ObjectRef string
	IdemKey   string // empty means no idempotency guard requested
}

// Receipt is the FES-1.0 wire format: the signed header fields plus
// event_hash and signature_b64u (spec §6 "Receipt wire format").
type Receipt struct {
	Version       string  `json:"version"`
	TenantID      string  `json:"tenant_id"`
	EventID       string  `json:"event_id"`
	Seq           int64   `json:"seq"`
	IssuedAt      string  `json:"issued_at"`
	ProfileID     string  `json:"profile_id"`
	EventType     string  `json:"event_type"`
	ActorRole     string  `json:"actor_role"`
	ObjectRef     string  `json:"object_ref"`
	PayloadHash   string  `json:"payload_hash"`
	PrevEventHash *string `json:"prev_event_hash"`
	Kid           string  `json:"kid"`
	CanonAlg      string  `json:"canon_alg"`
	HashAlg       string  `json:"hash_alg"`
	EventHash     string  `json:"event_hash"`
	SignatureB64U string  `json:"signature_b64u"`
}

// Result is IssueEvent's output: the receipt and whether it was
// resolved via idempotency short-circuit rather than freshly minted.
type Result struct {
	Receipt *Receipt
	IdemHit bool
}

// Engine wires the repositories and keystore needed to issue events.
type Engine struct {
	Events *database.EventRepository
	Keys   *keystore.Store
	Now    func() time.Time
}

// NewEngine constructs an issue_event Engine.
func NewEngine(events *database.EventRepository, keys *keystore.Store) *Engine {
	return &Engine{Events: events, Keys: keys, Now: time.Now}
}

// IssueEvent runs spec §4.3's full atomic contract: idempotency
// short-circuit, canonicalize, sequence allocation under a per-tenant
// lock, chain resolution, header hashing, digest signing, and persist.
func (e *Engine) IssueEvent(ctx context.Context, tenantKey *database.TenantKey, req *Request) (*Result, error) {
	txn, err := e.Events.Begin(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "begin_issue_txn", err)
	}
	defer txn.Rollback()

	if req.IdemKey != "" {
		stored, found, err := txn.FindIdempotent(ctx, req.TenantID, req.IdemKey)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindInternal, "idempotency_lookup_failed", err)
		}
		if found {
			var r Receipt
			if err := json.Unmarshal([]byte(stored), &r); err != nil {
				return nil, apierr.Wrap(apierr.KindInternal, "corrupt_idempotency_record", err)
			}
			return &Result{Receipt: &r, IdemHit: true}, nil
		}
	}

	payloadCanon, payloadHash, err := canonicalizePayload(req.Payload)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, "invalid_payload", err)
	}

	state, err := txn.LockTenantState(ctx, req.TenantID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "lock_tenant_state", err)
	}
	if state == nil {
		return nil, apierr.New(apierr.KindNotFound, "unknown_tenant")
	}

	seq := state.NextSeq
	var prevHash *string
	if seq > 1 {
		if state.LastEventHash == "" {
			return nil, apierr.New(apierr.KindIntegrityViolate, "missing_chain_anchor")
		}
		prev := state.LastEventHash
		prevHash = &prev
	}

	eventID, err := randomHex32()
	if err != nil {
		return nil, apierr.Wrap(apierr.KindCrypto, "event_id_generation_failed", err)
	}
	issuedAt := e.Now().UTC().Format(time.RFC3339Nano)

	header := map[string]any{
		"version":         Version,
		"tenant_id":       req.TenantID,
		"event_id":        eventID,
		"seq":             seq,
		"issued_at":       issuedAt,
		"profile_id":      req.ProfileID,
		"event_type":      req.EventType,
		"actor_role":      req.ActorRole,
		"object_ref":      req.ObjectRef,
		"payload_hash":    payloadHash,
		"prev_event_hash": nullable(prevHash),
		"kid":             tenantKey.Kid,
		"canon_alg":       canon.Alg,
		"hash_alg":        HashAlg,
	}
	headerCanon, err := canon.Bytes(header)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "canonicalize_header_failed", err)
	}
	eventHash := crypto.Sha256Hex(headerCanon)

	digest, err := crypto.EventDigest(eventHash)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindCrypto, "event_digest_invalid", err)
	}
	sealedKey := &keystore.Key{Kid: tenantKey.Kid, PubB64U: tenantKey.PubB64U, SeedEnc: tenantKey.SeedEnc}
	sig, err := e.Keys.Sign(sealedKey, digest)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindCrypto, "signing_failed", err)
	}

	receipt := &Receipt{
		Version:       Version,
		TenantID:      req.TenantID,
		EventID:       eventID,
		Seq:           seq,
		IssuedAt:      issuedAt,
		ProfileID:     req.ProfileID,
		EventType:     req.EventType,
		ActorRole:     req.ActorRole,
		ObjectRef:     req.ObjectRef,
		PayloadHash:   payloadHash,
		PrevEventHash: prevHash,
		Kid:           tenantKey.Kid,
		CanonAlg:      canon.Alg,
		HashAlg:       HashAlg,
		EventHash:     eventHash,
		SignatureB64U: sig,
	}

	event := &database.Event{
		TenantID:      req.TenantID,
		Seq:           seq,
		EventID:       eventID,
		IssuedAt:      issuedAt,
		ProfileID:     req.ProfileID,
		EventType:     req.EventType,
		ActorRole:     req.ActorRole,
		ObjectRef:     req.ObjectRef,
		PayloadCanon:  string(payloadCanon),
		PayloadHash:   payloadHash,
		PrevEventHash: prevHash,
		EventHash:     eventHash,
		Kid:           tenantKey.Kid,
		SignatureB64U: sig,
	}
	if err := txn.InsertEvent(ctx, event); err != nil {
		return nil, apierr.Wrap(apierr.KindIntegrityViolate, "conflicting_seq", err)
	}

	if err := txn.UpdateTenantState(ctx, &database.TenantStateRow{
		TenantID:      req.TenantID,
		NextSeq:       seq + 1,
		LastEventHash: eventHash,
		RootHash:      state.RootHash,
		Size:          state.Size + 1,
	}); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "update_tenant_state", err)
	}

	if req.IdemKey != "" {
		receiptJSON, err := json.Marshal(receipt)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindInternal, "marshal_receipt_failed", err)
		}
		if err := txn.InsertIdempotency(ctx, req.TenantID, req.IdemKey, string(receiptJSON)); err != nil {
			return nil, apierr.Wrap(apierr.KindIntegrityViolate, "idempotency_insert_failed", err)
		}
	}

	yyyymm := e.Now().UTC().Format("200601")
	if err := txn.BumpUsage(ctx, req.TenantID, yyyymm); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "bump_usage_failed", err)
	}

	if err := txn.Commit(); err != nil {
		return nil, apierr.Wrap(apierr.KindIntegrityViolate, "commit_failed", err)
	}

	return &Result{Receipt: receipt, IdemHit: false}, nil
}

// canonicalizePayload re-decodes the payload through encoding/json so
// that numeric literals land as plain float64 the way canon.Bytes
// expects, then canonicalizes it.
func canonicalizePayload(payload map[string]any) (canonBytes []byte, hash string, err error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal payload: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, "", fmt.Errorf("decode payload: %w", err)
	}
	canonBytes, err = canon.Bytes(generic)
	if err != nil {
		return nil, "", fmt.Errorf("canonicalize payload: %w", err)
	}
	return canonBytes, crypto.Sha256Hex(canonBytes), nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func randomHex32() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
