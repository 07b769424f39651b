// Package verify implements verify_receipt: recomputing a receipt's
// event_hash, checking its signature, and reporting the chain hint
// (spec §4.6).
//
// Grounded on fida/auth.py's closed reason-code style and
// internal/ledger's header construction, which this package must
// mirror exactly field-for-field or hash_valid can never be true.
package verify

import (
	"context"

	"github.com/fidarail/fesledger/internal/canon"
	"github.com/fidarail/fesledger/internal/crypto"
	"github.com/fidarail/fesledger/internal/database"
	"github.com/fidarail/fesledger/internal/ledger"
)

// Report is verify_receipt's output (spec §4.6).
type Report struct {
	Valid             bool     `json:"valid"`
	SignatureValid    bool     `json:"signature_valid"`
	HashValid         bool     `json:"hash_valid"`
	ChainHintOK       bool     `json:"chain_hint_ok"`
	ReasonCodes       []string `json:"reason_codes"`
	ComputedEventHash string   `json:"computed_event_hash"`
}

// KeyResolver is the subset of TenantRepository that VerifyReceipt needs
// to resolve a signing key, narrowed so tests can supply an in-memory
// fake instead of a live database.
type KeyResolver interface {
	ActiveKey(ctx context.Context, tenantID string) (*database.TenantKey, error)
	KeyByKid(ctx context.Context, tenantID, kid string) (*database.TenantKey, error)
}

// ChainStore is the subset of EventRepository that the optional chain
// hint check needs.
type ChainStore interface {
	EventByHash(ctx context.Context, tenantID, eventHash string) (*database.Event, error)
}

// Engine resolves tenant keys and, when available, checks prev_event_hash
// against the local event store.
type Engine struct {
	Tenants KeyResolver
	Events  ChainStore
	// CheckChainHint controls whether step 4's local-store lookup runs.
	// Offline verifiers with no store set this false and always report
	// chain_hint_ok=true (spec §4.6 step 4).
	CheckChainHint bool
}

// NewEngine constructs a verify_receipt Engine. events may be nil, which
// is equivalent to checkChainHint=false.
func NewEngine(tenants KeyResolver, events ChainStore, checkChainHint bool) *Engine {
	return &Engine{Tenants: tenants, Events: events, CheckChainHint: checkChainHint}
}

// VerifyReceipt runs spec §4.6's full check sequence.
func (e *Engine) VerifyReceipt(ctx context.Context, r *ledger.Receipt) (*Report, error) {
	report := &Report{ReasonCodes: []string{}}

	if missing := missingFields(r); len(missing) > 0 {
		report.ReasonCodes = append(report.ReasonCodes, "missing:"+join(missing))
		return report, nil
	}

	header := map[string]any{
		"version":         r.Version,
		"tenant_id":       r.TenantID,
		"event_id":        r.EventID,
		"seq":             r.Seq,
		"issued_at":       r.IssuedAt,
		"profile_id":      r.ProfileID,
		"event_type":      r.EventType,
		"actor_role":      r.ActorRole,
		"object_ref":      r.ObjectRef,
		"payload_hash":    r.PayloadHash,
		"prev_event_hash": nullable(r.PrevEventHash),
		"kid":             r.Kid,
		"canon_alg":       r.CanonAlg,
		"hash_alg":        r.HashAlg,
	}
	headerCanon, err := canon.Bytes(header)
	if err != nil {
		report.ReasonCodes = append(report.ReasonCodes, "hash_invalid")
		return report, nil
	}
	computed := crypto.Sha256Hex(headerCanon)
	report.ComputedEventHash = computed
	report.HashValid = computed == r.EventHash
	if !report.HashValid {
		report.ReasonCodes = append(report.ReasonCodes, "hash_invalid")
	}

	pub, err := e.resolvePublicKey(ctx, r.TenantID, r.Kid)
	if err != nil {
		return nil, err
	}
	if pub == nil {
		report.ReasonCodes = append(report.ReasonCodes, "unknown_kid")
	} else {
		report.SignatureValid = crypto.Verify(pub, mustDigest(r.EventHash), r.SignatureB64U)
		if !report.SignatureValid {
			report.ReasonCodes = append(report.ReasonCodes, "sig_invalid")
		}
	}

	report.ChainHintOK = e.chainHintOK(ctx, r)
	if !report.ChainHintOK {
		report.ReasonCodes = append(report.ReasonCodes, "prev_hash_missing")
	}

	report.Valid = report.HashValid && report.SignatureValid
	return report, nil
}

// chainHintOK implements spec §4.6 step 4: if prev_event_hash is nil,
// there is nothing to check and the hint trivially holds. Otherwise, if
// a local store is configured, the referenced event must exist; if no
// store is configured, the check is skipped and reported true.
func (e *Engine) chainHintOK(ctx context.Context, r *ledger.Receipt) bool {
	if r.PrevEventHash == nil {
		return true
	}
	if !e.CheckChainHint || e.Events == nil {
		return true
	}
	prior, err := e.Events.EventByHash(ctx, r.TenantID, *r.PrevEventHash)
	if err != nil {
		return false
	}
	return prior != nil
}

// resolvePublicKey honors receipt.kid to pick an historical key when
// the tenant has rotated (spec §4.6 step 3), falling back to the
// tenant's current active key when kid is unset.
func (e *Engine) resolvePublicKey(ctx context.Context, tenantID, kid string) ([]byte, error) {
	var pubB64U string
	if kid != "" {
		k, err := e.Tenants.KeyByKid(ctx, tenantID, kid)
		if err != nil {
			return nil, err
		}
		if k == nil {
			return nil, nil
		}
		pubB64U = k.PubB64U
	} else {
		k, err := e.Tenants.ActiveKey(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		if k == nil {
			return nil, nil
		}
		pubB64U = k.PubB64U
	}
	pub, err := crypto.B64UDecode(pubB64U)
	if err != nil {
		return nil, err
	}
	return pub, nil
}

func mustDigest(eventHashHex string) []byte {
	d, err := crypto.EventDigest(eventHashHex)
	if err != nil {
		return nil
	}
	return d
}

func missingFields(r *ledger.Receipt) []string {
	var missing []string
	if r.Version == "" {
		missing = append(missing, "version")
	}
	if r.TenantID == "" {
		missing = append(missing, "tenant_id")
	}
	if r.EventID == "" {
		missing = append(missing, "event_id")
	}
	if r.Seq == 0 {
		missing = append(missing, "seq")
	}
	if r.IssuedAt == "" {
		missing = append(missing, "issued_at")
	}
	if r.EventHash == "" {
		missing = append(missing, "event_hash")
	}
	if r.SignatureB64U == "" {
		missing = append(missing, "signature_b64u")
	}
	if r.Kid == "" {
		missing = append(missing, "kid")
	}
	return missing
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func join(fields []string) string {
	out := ""
	for i, f := range fields {
		if i > 0 {
			out += ","
		}
		out += f
	}
	return out
}
