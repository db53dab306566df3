package core

import "errors"

// ErrorKind tags every fallible operation in the core per the error
// taxonomy: rejected-locally kinds are not retried by the caller,
// Transient kinds are retried up to MaxRetryAttempts.
type ErrorKind int

const (
	KindValidation ErrorKind = iota
	KindAuthentication
	KindEconomic
	KindConsensus
	KindResource
	KindTransient
	KindDurability
	KindCorruption
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindEconomic:
		return "economic"
	case KindConsensus:
		return "consensus"
	case KindResource:
		return "resource"
	case KindTransient:
		return "transient"
	case KindDurability:
		return "durability"
	case KindCorruption:
		return "corruption"
	default:
		return "unknown"
	}
}

// Sentinel errors, one per taxonomy kind. Use errors.Is against these to
// classify a returned error, and fmt.Errorf("%w: ...", ErrX) to attach
// detail while preserving the classification.
var (
	ErrValidation     = errors.New("validation error")
	ErrAuthentication = errors.New("authentication error")
	ErrEconomic       = errors.New("economic error")
	ErrConsensus      = errors.New("consensus error")
	ErrResource       = errors.New("resource error")
	ErrTransient      = errors.New("transient error")
	ErrDurability     = errors.New("durability error")
	ErrCorruption     = errors.New("corruption error")
)

// KindOf classifies err against the sentinel taxonomy, defaulting to
// KindValidation when the error doesn't wrap a known sentinel.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrAuthentication):
		return KindAuthentication
	case errors.Is(err, ErrEconomic):
		return KindEconomic
	case errors.Is(err, ErrConsensus):
		return KindConsensus
	case errors.Is(err, ErrResource):
		return KindResource
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrDurability):
		return KindDurability
	case errors.Is(err, ErrCorruption):
		return KindCorruption
	default:
		return KindValidation
	}
}
