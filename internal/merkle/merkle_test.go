package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func leafHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestBuild_SingleLeaf(t *testing.T) {
	leaves := []string{leafHash("a")}
	root, layers, err := Build(leaves)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if root != leaves[0] {
		t.Errorf("single-leaf root = %s, want %s", root, leaves[0])
	}
	if len(layers) != 1 {
		t.Errorf("expected 1 layer, got %d", len(layers))
	}
}

func TestBuild_TwoLeaves(t *testing.T) {
	a, b := leafHash("a"), leafHash("b")
	root, layers, err := Build([]string{a, b})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if want := hashPair(a, b); root != want {
		t.Errorf("root = %s, want %s", root, want)
	}
	if len(layers) != 2 {
		t.Errorf("expected 2 layers, got %d", len(layers))
	}
}

func TestBuild_OddLeafCountSelfPairs(t *testing.T) {
	a, b, c := leafHash("a"), leafHash("b"), leafHash("c")
	root, layers, err := Build([]string{a, b, c})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	left := hashPair(a, b)
	right := hashPair(c, c)
	want := hashPair(left, right)
	if root != want {
		t.Errorf("root = %s, want %s", root, want)
	}
	if len(layers[1]) != 2 {
		t.Fatalf("expected level 1 to have 2 nodes, got %d", len(layers[1]))
	}
}

func TestBuild_EmptyLeavesErrors(t *testing.T) {
	if _, _, err := Build(nil); err != ErrEmptyLeaves {
		t.Errorf("got %v, want ErrEmptyLeaves", err)
	}
}

func TestEmptyRoot(t *testing.T) {
	want := leafHash("")
	if got := EmptyRoot(); got != want {
		t.Errorf("EmptyRoot() = %s, want %s", got, want)
	}
}

func TestProveVerify_RoundTrip(t *testing.T) {
	leaves := make([]string, 7)
	for i := range leaves {
		leaves[i] = leafHash(string(rune('a' + i)))
	}
	_, layers, err := Build(leaves)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for i := range leaves {
		p, err := Prove(layers, i)
		if err != nil {
			t.Fatalf("Prove(%d): %v", i, err)
		}
		if !Verify(p) {
			t.Errorf("Verify failed for leaf %d", i)
		}
		if p.Leaf != leaves[i] {
			t.Errorf("proof leaf = %s, want %s", p.Leaf, leaves[i])
		}
	}
}

func TestProve_IndexOutOfRange(t *testing.T) {
	_, layers, _ := Build([]string{leafHash("a")})
	if _, err := Prove(layers, 5); err == nil {
		t.Error("expected out-of-range error")
	}
	if _, err := Prove(layers, -1); err == nil {
		t.Error("expected out-of-range error")
	}
}

func TestVerify_TamperedLeafFails(t *testing.T) {
	leaves := []string{leafHash("a"), leafHash("b"), leafHash("c"), leafHash("d")}
	_, layers, err := Build(leaves)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	p, err := Prove(layers, 1)
	if err != nil {
		t.Fatalf("Prove: %v", err)
	}
	p.Leaf = leafHash("tampered")
	if Verify(p) {
		t.Error("expected Verify to fail on a tampered leaf")
	}
}

func TestVerify_TamperedSiblingFails(t *testing.T) {
	leaves := []string{leafHash("a"), leafHash("b"), leafHash("c"), leafHash("d")}
	_, layers, err := Build(leaves)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	p, err := Prove(layers, 0)
	if err != nil {
		t.Fatalf("Prove: %v", err)
	}
	p.Siblings[0].Hash = leafHash("tampered")
	if Verify(p) {
		t.Error("expected Verify to fail on a tampered sibling")
	}
}

func TestVerify_NilProof(t *testing.T) {
	if Verify(nil) {
		t.Error("Verify(nil) should be false")
	}
}

func TestPageHash_OrderSensitive(t *testing.T) {
	a, b := leafHash("a"), leafHash("b")
	h1 := PageHash([]string{a, b})
	h2 := PageHash([]string{b, a})
	if h1 == h2 {
		t.Error("PageHash should be sensitive to leaf order")
	}
	if PageHash([]string{a, b}) != h1 {
		t.Error("PageHash should be deterministic")
	}
}
