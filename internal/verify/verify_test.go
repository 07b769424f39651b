package verify

import (
	"context"
	"testing"

	"github.com/fidarail/fesledger/internal/canon"
	"github.com/fidarail/fesledger/internal/crypto"
	"github.com/fidarail/fesledger/internal/database"
	"github.com/fidarail/fesledger/internal/ledger"
)

type fakeKeyResolver struct {
	active map[string]*database.TenantKey
	byKid  map[string]*database.TenantKey
}

func (f *fakeKeyResolver) ActiveKey(_ context.Context, tenantID string) (*database.TenantKey, error) {
	return f.active[tenantID], nil
}

func (f *fakeKeyResolver) KeyByKid(_ context.Context, _, kid string) (*database.TenantKey, error) {
	return f.byKid[kid], nil
}

type fakeChainStore struct {
	byHash map[string]*database.Event
}

func (f *fakeChainStore) EventByHash(_ context.Context, _, eventHash string) (*database.Event, error) {
	return f.byHash[eventHash], nil
}

// issueTestReceipt mirrors internal/ledger's header construction exactly,
// so VerifyReceipt's recomputation lines up field-for-field.
func issueTestReceipt(t *testing.T, seed []byte, kid string, prev *string) *ledger.Receipt {
	t.Helper()
	r := &ledger.Receipt{
		Version:       "FES-1.0",
		TenantID:      "tenant-1",
		EventID:       "evt_1",
		Seq:           1,
		IssuedAt:      "2026-07-31T00:00:00Z",
		ProfileID:     "profile-1",
		EventType:     "document.signed",
		ActorRole:     "issuer",
		ObjectRef:     "doc-42",
		PayloadHash:   crypto.Sha256Hex([]byte(`{"x":1}`)),
		PrevEventHash: prev,
		Kid:           kid,
		CanonAlg:      canon.Alg,
		HashAlg:       "SHA-256",
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
		t.Fatalf("canon.Bytes: %v", err)
	}
	r.EventHash = crypto.Sha256Hex(headerCanon)
	digest, err := crypto.EventDigest(r.EventHash)
	if err != nil {
		t.Fatalf("EventDigest: %v", err)
	}
	sig, err := crypto.Sign(seed, digest)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	r.SignatureB64U = sig
	return r
}

func TestVerifyReceipt_ValidReceipt(t *testing.T) {
	seed, pub, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519: %v", err)
	}
	receipt := issueTestReceipt(t, seed, "kid-1", nil)

	e := NewEngine(&fakeKeyResolver{byKid: map[string]*database.TenantKey{
		"kid-1": {PubB64U: crypto.B64U(pub)},
	}}, nil, false)

	report, err := e.VerifyReceipt(context.Background(), receipt)
	if err != nil {
		t.Fatalf("VerifyReceipt: %v", err)
	}
	if !report.Valid || !report.HashValid || !report.SignatureValid || !report.ChainHintOK {
		t.Errorf("expected a fully valid report, got %+v", report)
	}
	if len(report.ReasonCodes) != 0 {
		t.Errorf("expected no reason codes, got %v", report.ReasonCodes)
	}
}

func TestVerifyReceipt_TamperedPayloadHashFailsHash(t *testing.T) {
	seed, pub, _ := crypto.GenerateEd25519()
	receipt := issueTestReceipt(t, seed, "kid-1", nil)
	receipt.PayloadHash = crypto.Sha256Hex([]byte("different payload"))

	e := NewEngine(&fakeKeyResolver{byKid: map[string]*database.TenantKey{
		"kid-1": {PubB64U: crypto.B64U(pub)},
	}}, nil, false)

	report, err := e.VerifyReceipt(context.Background(), receipt)
	if err != nil {
		t.Fatalf("VerifyReceipt: %v", err)
	}
	if report.Valid || report.HashValid {
		t.Error("expected hash_valid=false after tampering with payload_hash")
	}
	if !report.SignatureValid {
		t.Error("the signature covers the receipt's untouched event_hash, so signature_valid should stay true")
	}
}

func TestVerifyReceipt_TamperedSignatureFails(t *testing.T) {
	seed, pub, _ := crypto.GenerateEd25519()
	receipt := issueTestReceipt(t, seed, "kid-1", nil)
	receipt.SignatureB64U = receipt.SignatureB64U[:len(receipt.SignatureB64U)-2] + "zz"

	e := NewEngine(&fakeKeyResolver{byKid: map[string]*database.TenantKey{
		"kid-1": {PubB64U: crypto.B64U(pub)},
	}}, nil, false)

	report, err := e.VerifyReceipt(context.Background(), receipt)
	if err != nil {
		t.Fatalf("VerifyReceipt: %v", err)
	}
	if report.Valid || report.SignatureValid {
		t.Error("expected signature_valid=false for a tampered signature")
	}
	if !report.HashValid {
		t.Error("hash should still be valid since only the signature was tampered")
	}
}

func TestVerifyReceipt_UnknownKid(t *testing.T) {
	seed, _, _ := crypto.GenerateEd25519()
	receipt := issueTestReceipt(t, seed, "kid-missing", nil)

	e := NewEngine(&fakeKeyResolver{byKid: map[string]*database.TenantKey{}}, nil, false)
	report, err := e.VerifyReceipt(context.Background(), receipt)
	if err != nil {
		t.Fatalf("VerifyReceipt: %v", err)
	}
	if report.Valid {
		t.Error("expected invalid report for an unknown kid")
	}
	if !contains(report.ReasonCodes, "unknown_kid") {
		t.Errorf("expected unknown_kid reason code, got %v", report.ReasonCodes)
	}
}

func TestVerifyReceipt_MissingRequiredFields(t *testing.T) {
	e := NewEngine(&fakeKeyResolver{}, nil, false)
	report, err := e.VerifyReceipt(context.Background(), &ledger.Receipt{})
	if err != nil {
		t.Fatalf("VerifyReceipt: %v", err)
	}
	if report.Valid {
		t.Error("expected invalid report for an empty receipt")
	}
	if len(report.ReasonCodes) != 1 {
		t.Errorf("expected a single missing:... reason code, got %v", report.ReasonCodes)
	}
}

func TestVerifyReceipt_ChainHintOKWhenPrevNil(t *testing.T) {
	seed, pub, _ := crypto.GenerateEd25519()
	receipt := issueTestReceipt(t, seed, "kid-1", nil)

	e := NewEngine(&fakeKeyResolver{byKid: map[string]*database.TenantKey{
		"kid-1": {PubB64U: crypto.B64U(pub)},
	}}, &fakeChainStore{byHash: map[string]*database.Event{}}, true)

	report, err := e.VerifyReceipt(context.Background(), receipt)
	if err != nil {
		t.Fatalf("VerifyReceipt: %v", err)
	}
	if !report.ChainHintOK {
		t.Error("a nil prev_event_hash should always report chain_hint_ok=true")
	}
}

func TestVerifyReceipt_ChainHintFailsWhenPrevMissingFromStore(t *testing.T) {
	seed, pub, _ := crypto.GenerateEd25519()
	prev := "deadbeef"
	receipt := issueTestReceipt(t, seed, "kid-1", &prev)

	e := NewEngine(&fakeKeyResolver{byKid: map[string]*database.TenantKey{
		"kid-1": {PubB64U: crypto.B64U(pub)},
	}}, &fakeChainStore{byHash: map[string]*database.Event{}}, true)

	report, err := e.VerifyReceipt(context.Background(), receipt)
	if err != nil {
		t.Fatalf("VerifyReceipt: %v", err)
	}
	if report.ChainHintOK {
		t.Error("expected chain_hint_ok=false when the prior event is absent from the store")
	}
	if !contains(report.ReasonCodes, "prev_hash_missing") {
		t.Errorf("expected prev_hash_missing reason code, got %v", report.ReasonCodes)
	}
}

func TestVerifyReceipt_ChainHintSkippedWhenDisabled(t *testing.T) {
	seed, pub, _ := crypto.GenerateEd25519()
	prev := "deadbeef"
	receipt := issueTestReceipt(t, seed, "kid-1", &prev)

	// CheckChainHint=false: an offline verifier with no local store must
	// still report chain_hint_ok=true even though prev_event_hash is set.
	e := NewEngine(&fakeKeyResolver{byKid: map[string]*database.TenantKey{
		"kid-1": {PubB64U: crypto.B64U(pub)},
	}}, nil, false)

	report, err := e.VerifyReceipt(context.Background(), receipt)
	if err != nil {
		t.Fatalf("VerifyReceipt: %v", err)
	}
	if !report.ChainHintOK {
		t.Error("expected chain_hint_ok=true when chain-hint checking is disabled")
	}
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
