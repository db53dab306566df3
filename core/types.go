package core

import (
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Address is a 20-byte account identifier.
type Address [20]byte

// Hash is a 32-byte SHA-256 digest.
type Hash [32]byte

// Hex returns the lowercase hex encoding of the address, no "0x" prefix —
// used as map/storage key material throughout the core.
func (a Address) Hex() string {
	return hex.EncodeToString(a[:])
}

func (a Address) String() string { return a.Hex() }

// Bytes returns a copy of the underlying 20 bytes.
func (a Address) Bytes() []byte {
	b := make([]byte, len(a))
	copy(b, a[:])
	return b
}

// IsZero reports whether the address is the zero value.
func (a Address) IsZero() bool { return a == Address{} }

// AddressFromHex decodes a 40-character hex string into an Address.
func AddressFromHex(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("%w: address hex decode: %v", ErrValidation, err)
	}
	if len(b) != len(a) {
		return a, fmt.Errorf("%w: address must be %d bytes, got %d", ErrValidation, len(a), len(b))
	}
	copy(a[:], b)
	return a, nil
}

func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

func (h Hash) String() string { return h.Hex() }

func (h Hash) Bytes() []byte {
	b := make([]byte, len(h))
	copy(b, h[:])
	return b
}

func (h Hash) IsZero() bool { return h == Hash{} }

// HashFromHex decodes a 64-character hex string into a Hash.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("%w: hash hex decode: %v", ErrValidation, err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("%w: hash must be %d bytes, got %d", ErrValidation, len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// decodeSignatureHex decodes a 128-hex-char Ed25519 signature using
// go-ethereum's hexutil, accepting both "0x"-prefixed and bare hex.
func decodeSignatureHex(s string) ([]byte, error) {
	b, err := decodeHexFlexible(s)
	if err != nil {
		return nil, fmt.Errorf("%w: signature hex decode: %v", ErrAuthentication, err)
	}
	if len(b) != 64 {
		return nil, fmt.Errorf("%w: signature must decode to 64 bytes, got %d", ErrAuthentication, len(b))
	}
	return b, nil
}

// decodePubKeyHex decodes a 64-hex-char Ed25519 public key.
func decodePubKeyHex(s string) ([]byte, error) {
	b, err := decodeHexFlexible(s)
	if err != nil {
		return nil, fmt.Errorf("%w: pubkey hex decode: %v", ErrAuthentication, err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: public key must decode to 32 bytes, got %d", ErrAuthentication, len(b))
	}
	return b, nil
}

func decodeHexFlexible(s string) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return hexutil.Decode(s)
	}
	return hex.DecodeString(s)
}

func encodeHex(b []byte) string { return hexutil.Encode(b)[2:] }
