package core

import (
	"crypto/sha256"
	"fmt"
	"sort"
)

// MerkleTree is a binary SHA-256 tree over account leaves.
type MerkleTree struct {
	leaves [][]byte
	levels [][][]byte
	root   Hash
}

// emptyMerkleRoot is the root of a state with zero accounts: 32 zero bytes.
var emptyMerkleRoot = Hash{}

// NewMerkleTree builds a tree over the given leaves, preserving the order
// given by the caller (buildMerkleRoot sorts by address first).
func NewMerkleTree(leaves [][]byte) *MerkleTree {
	t := &MerkleTree{leaves: leaves}
	t.build()
	return t
}

func (t *MerkleTree) build() {
	if len(t.leaves) == 0 {
		t.root = emptyMerkleRoot
		t.levels = nil
		return
	}
	level := make([][]byte, len(t.leaves))
	for i, l := range t.leaves {
		h := sha256.Sum256(l)
		level[i] = h[:]
	}
	t.levels = [][][]byte{level}
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				combined := append(append([]byte{}, level[i]...), level[i+1]...)
				h := sha256.Sum256(combined)
				next = append(next, h[:])
			} else {
				// Odd node out: carried up unduplicated, not re-hashed with itself.
				next = append(next, level[i])
			}
		}
		level = next
		t.levels = append(t.levels, level)
	}
	var root Hash
	copy(root[:], level[0])
	t.root = root
}

// Root returns the current Merkle root.
func (t *MerkleTree) Root() Hash { return t.root }

// accountLeaf serializes an account as "addr:balance:nonce".
func accountLeaf(addr Address, bal, nonce uint64) []byte {
	return []byte(fmt.Sprintf("%s:%d:%d", addr.Hex(), bal, nonce))
}

// buildMerkleRoot rebuilds a Merkle tree over the given account map's
// leaves, sorted by address for determinism, and returns its root.
func buildMerkleRoot(accounts map[Address]*Account) Hash {
	if len(accounts) == 0 {
		return emptyMerkleRoot
	}
	addrs := make([]Address, 0, len(accounts))
	for a := range accounts {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Hex() < addrs[j].Hex() })
	leaves := make([][]byte, 0, len(addrs))
	for _, a := range addrs {
		acc := accounts[a]
		leaves = append(leaves, accountLeaf(a, acc.Balance, acc.Nonce))
	}
	return NewMerkleTree(leaves).Root()
}
