package database

import (
	"context"
	"testing"
)

func TestTenantRepository_CreateGetActiveKey(t *testing.T) {
	c := requireTestDB(t)
	repo := NewTenantRepository(c.DB())
	ctx := context.Background()

	tenantID := uniqueID("tenant")
	kid := uniqueID("kid")
	err := repo.Create(ctx, &Tenant{TenantID: tenantID, Name: "Acme Corp", MonthlyEventCap: 1000},
		&TenantKey{Kid: kid, PubB64U: "pub", SeedEnc: "sealed-seed"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	tenant, err := repo.Get(ctx, tenantID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tenant == nil {
		t.Fatal("expected tenant to exist after Create")
	}
	if tenant.Name != "Acme Corp" || tenant.MonthlyEventCap != 1000 {
		t.Errorf("unexpected tenant: %+v", tenant)
	}

	key, err := repo.ActiveKey(ctx, tenantID)
	if err != nil {
		t.Fatalf("ActiveKey: %v", err)
	}
	if key == nil || key.Kid != kid || !key.Active {
		t.Errorf("unexpected active key: %+v", key)
	}

	byKid, err := repo.KeyByKid(ctx, tenantID, kid)
	if err != nil {
		t.Fatalf("KeyByKid: %v", err)
	}
	if byKid == nil || byKid.PubB64U != "pub" {
		t.Errorf("unexpected key by kid: %+v", byKid)
	}
}

func TestTenantRepository_GetUnknownReturnsNil(t *testing.T) {
	c := requireTestDB(t)
	repo := NewTenantRepository(c.DB())

	tenant, err := repo.Get(context.Background(), uniqueID("no-such-tenant"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tenant != nil {
		t.Errorf("expected nil for an unknown tenant, got %+v", tenant)
	}
}

func TestTenantRepository_JWKSListsAllKeys(t *testing.T) {
	c := requireTestDB(t)
	repo := NewTenantRepository(c.DB())
	ctx := context.Background()

	tenantID := uniqueID("tenant")
	firstKid := uniqueID("kid")
	if err := repo.Create(ctx, &Tenant{TenantID: tenantID, Name: "Acme"},
		&TenantKey{Kid: firstKid, PubB64U: "pub1", SeedEnc: "seed1"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	keys, err := repo.JWKS(ctx, tenantID)
	if err != nil {
		t.Fatalf("JWKS: %v", err)
	}
	if len(keys) != 1 || keys[0].Kid != firstKid {
		t.Errorf("unexpected JWKS result: %+v", keys)
	}
}
