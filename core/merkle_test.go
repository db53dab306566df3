package core

import (
	"crypto/sha256"
	"testing"
)

func TestEmptyMerkleRoot(t *testing.T) {
	root := NewMerkleTree(nil).Root()
	if root != emptyMerkleRoot {
		t.Fatalf("expected zero root for empty tree")
	}
}

func TestMerkleOddNodeCarriedUnduplicated(t *testing.T) {
	leaves := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	tree := NewMerkleTree(leaves)
	if tree.Root().IsZero() {
		t.Fatalf("expected non-zero root for non-empty tree")
	}

	// Recompute by hand to confirm the odd leaf isn't re-hashed with itself.
	ha := sha256.Sum256(leaves[0])
	hb := sha256.Sum256(leaves[1])
	hc := sha256.Sum256(leaves[2])
	combined := append(append([]byte{}, ha[:]...), hb[:]...)
	level1a := sha256.Sum256(combined)
	level1b := hc
	final := sha256.Sum256(append(append([]byte{}, level1a[:]...), level1b[:]...))

	if tree.Root().Hex() != Hash(final).Hex() {
		t.Fatalf("merkle root mismatch: got %s", tree.Root().Hex())
	}
}

func TestBuildMerkleRootDeterministic(t *testing.T) {
	accounts := map[Address]*Account{
		addrFromSeed(1): {Balance: 100, Nonce: 1},
		addrFromSeed(2): {Balance: 200, Nonce: 2},
	}
	r1 := buildMerkleRoot(accounts)
	r2 := buildMerkleRoot(accounts)
	if r1 != r2 {
		t.Fatalf("expected deterministic root for identical account maps")
	}
}
