// Package auth implements API-key authentication and role-based
// authorization for the ledger's HTTP surface.
//
// Grounded on fida/auth.py's require_api_key/require_role dependency
// chain and pkg/database/errors.go's sentinel-error idiom for the
// not-found/revoked cases.
package auth

import (
	"context"
	"errors"

	"github.com/fidarail/fesledger/internal/apierr"
	"github.com/fidarail/fesledger/internal/crypto"
)

// Role is one of the four roles an API key may carry (spec §3).
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleIssuer   Role = "issuer"
	RoleVerifier Role = "verifier"
	RoleExporter Role = "exporter"
)

// Record is the persisted shape of an API key, as looked up by hash.
type Record struct {
	KeyID    string
	TenantID *string // nil for platform admin keys
	Role     Role
	Status   string // "active" or "revoked"
}

// ErrRevoked is returned internally when a matched key is not active;
// callers see it folded into apierr.KindAuthInvalid.
var ErrRevoked = errors.New("auth: api key revoked")

// Lookup resolves a SHA-256 key hash to its stored record. Implemented
// by the database package against the api_keys table.
type Lookup interface {
	FindByKeyHash(ctx context.Context, keyHash string) (*Record, error)
}

// Authenticator validates the x-api-key header and enforces role and
// tenant-scope checks on the resolved principal.
type Authenticator struct {
	lookup Lookup
}

// New constructs an Authenticator backed by the given key-record lookup.
func New(lookup Lookup) *Authenticator {
	return &Authenticator{lookup: lookup}
}

// Authenticate hashes rawKey and resolves it to a Record. It never
// returns the raw key to any caller; the secret is hashed at the
// boundary and discarded.
func (a *Authenticator) Authenticate(ctx context.Context, rawKey string) (*Record, error) {
	if rawKey == "" {
		return nil, apierr.New(apierr.KindAuthMissing, "missing_api_key")
	}
	hash := crypto.Sha256Hex([]byte(rawKey))
	rec, err := a.lookup.FindByKeyHash(ctx, hash)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindAuthInvalid, "invalid_api_key", err)
	}
	if rec == nil || rec.Status != "active" {
		return nil, apierr.New(apierr.KindAuthInvalid, "invalid_api_key")
	}
	return rec, nil
}

// RequireRole checks rec.Role is a member of allowed.
func RequireRole(rec *Record, allowed ...Role) error {
	for _, r := range allowed {
		if rec.Role == r {
			return nil
		}
	}
	return apierr.New(apierr.KindAuthzDenied, "role_not_permitted")
}

// RequireTenant checks that rec is either a platform principal (nil
// TenantID) or scoped to the given tenant, per spec §4.7's "tenant_id
// of principal (if non-null) must equal the tenant_id of the target
// resource" rule.
func RequireTenant(rec *Record, tenantID string) error {
	if rec.TenantID == nil {
		return nil
	}
	if *rec.TenantID != tenantID {
		return apierr.New(apierr.KindAuthzDenied, "tenant_mismatch")
	}
	return nil
}
