package core

import (
	"fmt"
	"strings"
)

// Wire-format address constants governing only the untrusted-input
// boundary (transaction/CLI parsing of a human-readable address string)
// — the core's internal representation stays the Ed25519-derived
// 20-byte Address, unaffected by this validation.
const (
	bech32AddressPrefix = "sultan1"
	minAddressLength     = 39
	maxAddressLength     = 64
)

// excludedDataChars are bech32-style characters excluded from the data
// part to avoid visual ambiguity (1, b, i, o).
const excludedDataChars = "1bio"

// ValidateBech32ishAddress checks a human-readable address string's
// shape before it is resolved to an internal Address: correct prefix,
// length bounds, lowercase, and none of the excluded ambiguous
// characters in the data part. This never changes the internal
// Account/Validator representation or invariants.
func ValidateBech32ishAddress(s string) error {
	if len(s) < minAddressLength || len(s) > maxAddressLength {
		return fmt.Errorf("%w: address length must be between %d and %d, got %d", ErrValidation, minAddressLength, maxAddressLength, len(s))
	}
	if !strings.HasPrefix(s, bech32AddressPrefix) {
		return fmt.Errorf("%w: address must start with %q", ErrValidation, bech32AddressPrefix)
	}
	if s != strings.ToLower(s) {
		return fmt.Errorf("%w: address must be lowercase", ErrValidation)
	}
	data := s[len(bech32AddressPrefix):]
	if strings.ContainsAny(data, excludedDataChars) {
		return fmt.Errorf("%w: address data part contains an excluded character", ErrValidation)
	}
	return nil
}
