package core

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Transaction is a signed transfer between two addresses. GasFee must be
// zero in this core — the spec carries no fee market.
type Transaction struct {
	From      Address `json:"from"`
	To        Address `json:"to"`
	Amount    uint64  `json:"amount"`
	GasFee    uint64  `json:"gas_fee"`
	Timestamp int64   `json:"timestamp"`
	Nonce     uint64  `json:"nonce"`
	Signature string  `json:"signature"` // 128 hex chars, 64 raw bytes
	PublicKey string  `json:"public_key"`  // 64 hex chars, 32 raw bytes
	Memo      string  `json:"memo,omitempty"`
}

// Validate performs the stateless checks on a transaction: positive
// amount, zero gas fee, and a well-formed (decodable) signature/pubkey
// pair. Signature *verification* against the sign hash is a separate
// step (verifyTransactionSignature) so callers can distinguish malformed
// input from a failing signature.
func (tx *Transaction) Validate() error {
	if tx.Amount == 0 {
		return fmt.Errorf("%w: amount must be greater than zero", ErrValidation)
	}
	if tx.GasFee != 0 {
		return fmt.Errorf("%w: gas_fee must be zero", ErrValidation)
	}
	if _, err := decodeSignatureHex(tx.Signature); err != nil {
		return err
	}
	if _, err := decodePubKeyHex(tx.PublicKey); err != nil {
		return err
	}
	return nil
}

// IdempotencyKey returns SHA256(from || to || amount || nonce) hex-encoded,
// used to deduplicate cross-shard commits across crash-recovery cycles.
func (tx *Transaction) IdempotencyKey() string {
	buf := make([]byte, 0, 20+20+8+8)
	buf = append(buf, tx.From[:]...)
	buf = append(buf, tx.To[:]...)
	var amt [8]byte
	binary.BigEndian.PutUint64(amt[:], tx.Amount)
	buf = append(buf, amt[:]...)
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], tx.Nonce)
	buf = append(buf, nonce[:]...)
	h := sha256.Sum256(buf)
	return encodeHex(h[:])
}
