package core

import "crypto/ed25519"

// Validator is a consensus participant. VotingPower mirrors Stake in this
// core: no delegation.
type Validator struct {
	Address             Address
	PublicKey           ed25519.PublicKey
	Stake               uint64
	VotingPower         uint64
	Active              bool
	Jailed              bool
	JailUntil           uint64
	ConsecutiveMissed   uint64
	TotalSlashed        uint64
	BlocksProposed      uint64
	BlocksSigned        uint64
}

// snapshot returns a defensive copy safe to hand out of the consensus
// engine's lock (export_state / proposer-order computations).
func (v *Validator) snapshot() *Validator {
	cp := *v
	cp.PublicKey = append(ed25519.PublicKey{}, v.PublicKey...)
	return &cp
}

// eligible reports whether the validator currently counts toward the
// active, unjailed set used for proposer selection and quorum.
func (v *Validator) eligible() bool { return v.Active && !v.Jailed }
