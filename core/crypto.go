package core

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// signingPayload is the canonical JSON structure signed by a transaction's
// sender. Field order is fixed by the struct's field declaration order
// (encoding/json emits fields in that order); memo is
// deliberately always emitted empty so relays may change memo without
// invalidating the signature.
type signingPayload struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    uint64 `json:"amount"`
	Memo      string `json:"memo"`
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// transactionSignHash computes SHA256(canonical_JSON({from,to,amount,memo:"",nonce,timestamp})).
func transactionSignHash(from, to Address, amount, nonce uint64, timestamp int64) (Hash, error) {
	payload := signingPayload{
		From:      from.Hex(),
		To:        to.Hex(),
		Amount:    amount,
		Memo:      "",
		Nonce:     nonce,
		Timestamp: timestamp,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Hash{}, fmt.Errorf("%w: marshal signing payload: %v", ErrValidation, err)
	}
	return sha256.Sum256(raw), nil
}

// signTransaction produces a raw 64-byte Ed25519 signature over the
// transaction's sign hash using the given private key.
func signTransaction(priv ed25519.PrivateKey, from, to Address, amount, nonce uint64, timestamp int64) ([]byte, error) {
	h, err := transactionSignHash(from, to, amount, nonce, timestamp)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(priv, h[:]), nil
}

// verifyTransactionSignature decodes the hex-encoded signature and public
// key and verifies them against the transaction's canonical sign hash.
func verifyTransactionSignature(tx *Transaction) bool {
	sig, err := decodeSignatureHex(tx.Signature)
	if err != nil {
		return false
	}
	pub, err := decodePubKeyHex(tx.PublicKey)
	if err != nil {
		return false
	}
	h, err := transactionSignHash(tx.From, tx.To, tx.Amount, tx.Nonce, tx.Timestamp)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), h[:], sig)
}

// verifyBlockHashSignature verifies a raw Ed25519 signature over a block
// hash's raw bytes, used for vote collection in the consensus engine.
func verifyBlockHashSignature(pub ed25519.PublicKey, hash Hash, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, hash[:], sig)
}
