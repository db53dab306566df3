package core

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// GenesisTimestamp is the fixed unix timestamp of the genesis block.
const GenesisTimestamp int64 = 1768867200

// GenesisHashLiteral is the special hash literal accepted verbatim at
// index 0 instead of a recomputed hash.
const GenesisHashLiteral = "genesis"

// EmptyChainStateRoot is the literal state root used when a chain has
// zero shards contributing roots (defensive; normal operation always has
// at least one shard).
const EmptyChainStateRoot = "empty"

// Block is a sealed batch of transactions.
type Block struct {
	Height       uint64
	Timestamp    int64
	Transactions []Transaction
	PrevHash     string
	Hash         string
	Nonce        uint64
	Proposer     Address
	StateRoot    string
}

// ComputeHash computes SHA256(index || timestamp || tx_count || prev_hash
// || nonce || proposer || state_root). Genesis blocks use the literal
// "genesis" instead of calling this.
func (b *Block) ComputeHash() string {
	buf := make([]byte, 0, 8+8+8+len(b.PrevHash)+8+len(b.Proposer)+len(b.StateRoot))
	var idx, ts, cnt, nonce [8]byte
	binary.BigEndian.PutUint64(idx[:], b.Height)
	binary.BigEndian.PutUint64(ts[:], uint64(b.Timestamp))
	binary.BigEndian.PutUint64(cnt[:], uint64(len(b.Transactions)))
	binary.BigEndian.PutUint64(nonce[:], b.Nonce)
	buf = append(buf, idx[:]...)
	buf = append(buf, ts[:]...)
	buf = append(buf, cnt[:]...)
	buf = append(buf, []byte(b.PrevHash)...)
	buf = append(buf, nonce[:]...)
	buf = append(buf, b.Proposer[:]...)
	buf = append(buf, []byte(b.StateRoot)...)
	h := sha256.Sum256(buf)
	return encodeHex(h[:])
}

// Genesis returns the deterministic genesis block.
func Genesis() *Block {
	return &Block{
		Height:       0,
		Timestamp:    GenesisTimestamp,
		Transactions: nil,
		PrevHash:     "0",
		Hash:         GenesisHashLiteral,
		Nonce:        0,
		Proposer:     mustAddressFromHex("genesis"),
		StateRoot:    "0",
	}
}

// mustAddressFromHex derives a deterministic 20-byte address for a short
// literal like "genesis" by taking the first 20 bytes of the literal's
// SHA-256 digest; it is used as the genesis block's proposer marker.
func mustAddressFromHex(literal string) Address {
	h := sha256.Sum256([]byte(literal))
	var a Address
	copy(a[:], h[:len(a)])
	return a
}

// ValidateChaining checks height, prev_hash linkage and strict timestamp
// monotonicity between consecutive blocks.
func ValidateChaining(prev, b *Block) error {
	if b.Height != prev.Height+1 {
		return fmt.Errorf("%w: expected height %d, got %d", ErrValidation, prev.Height+1, b.Height)
	}
	if b.PrevHash != prev.Hash {
		return fmt.Errorf("%w: prev_hash mismatch", ErrCorruption)
	}
	if b.Timestamp <= prev.Timestamp {
		return fmt.Errorf("%w: timestamp must strictly increase", ErrValidation)
	}
	return nil
}
