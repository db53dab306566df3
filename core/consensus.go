package core

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

// MinValidatorStake is 10,000 base units at 10^9 scale.
const MinValidatorStake uint64 = 10_000 * 1_000_000_000

// proposerSeedPrefix is mixed into the deterministic proposer-selection
// seed.
const proposerSeedPrefix = "sultan_proposer_"

// BlockVote carries a validator's vote for a height, used for double-sign
// detection independent of quorum-signature collection.
type BlockVote struct {
	Height    uint64
	Validator Address
	BlockHash Hash
}

type heightVotes struct {
	pinnedHash   Hash
	hasPinned    bool
	signers      map[Address]struct{}
	power        uint64
}

type voteRecord struct {
	height    uint64
	validator Address
}

// ConsensusEngine tracks the validator set, selects proposers, collects
// signatures toward quorum, and applies slashing with jail lifecycle.
type ConsensusEngine struct {
	mu sync.RWMutex

	validators map[Address]*Validator
	order      []Address // addresses in the order added (snapshot map order after ImportState); not read by ExportState

	totalActivePower uint64
	prevBlockHash    Hash
	hasPrevBlockHash bool

	evidence []SlashingEvidence

	votesByHeight map[uint64]*heightVotes
	lastVoteAt    map[voteRecord]Hash
	missed        map[voteRecord]struct{}
	missCountByValidator map[Address]uint64

	verifySignatures bool

	logger *log.Logger
	audit  *zap.SugaredLogger
}

// NewConsensusEngine constructs an engine. verifySignatures should be
// true in production; tests may disable it.
func NewConsensusEngine(verifySignatures bool, lg *log.Logger, audit *zap.SugaredLogger) *ConsensusEngine {
	return &ConsensusEngine{
		validators:           make(map[Address]*Validator),
		votesByHeight:        make(map[uint64]*heightVotes),
		lastVoteAt:           make(map[voteRecord]Hash),
		missed:               make(map[voteRecord]struct{}),
		missCountByValidator: make(map[Address]uint64),
		verifySignatures:     verifySignatures,
		logger:               lg,
		audit:                audit,
	}
}

// SetPrevBlockHash records the previous block hash used as seed material
// for the next height's proposer selection.
func (e *ConsensusEngine) SetPrevBlockHash(h Hash) {
	e.mu.Lock()
	e.prevBlockHash = h
	e.hasPrevBlockHash = true
	e.mu.Unlock()
}

// AddValidator registers a new active, unjailed validator with the given
// stake and public key. Rejects stake below minimum and duplicate
// addresses.
func (e *ConsensusEngine) AddValidator(addr Address, stake uint64, pubkey ed25519.PublicKey) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if stake < MinValidatorStake {
		return fmt.Errorf("%w: stake %d below minimum %d", ErrEconomic, stake, MinValidatorStake)
	}
	if _, exists := e.validators[addr]; exists {
		return fmt.Errorf("%w: validator %s already registered", ErrValidation, addr.Hex())
	}
	v := &Validator{
		Address:     addr,
		PublicKey:   append(ed25519.PublicKey{}, pubkey...),
		Stake:       stake,
		VotingPower: stake,
		Active:      true,
	}
	e.validators[addr] = v
	e.order = append(e.order, addr)
	e.totalActivePower += stake
	return nil
}

// UpdateStake adjusts a validator's stake (and voting power, which equals
// stake in this core). Rejects below minimum.
func (e *ConsensusEngine) UpdateStake(addr Address, newStake uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.validators[addr]
	if !ok {
		return fmt.Errorf("%w: unknown validator %s", ErrValidation, addr.Hex())
	}
	if newStake < MinValidatorStake {
		return fmt.Errorf("%w: stake %d below minimum %d", ErrEconomic, newStake, MinValidatorStake)
	}
	if v.eligible() {
		e.totalActivePower = e.totalActivePower - v.VotingPower + newStake
	}
	v.Stake = newStake
	v.VotingPower = newStake
	return nil
}

// RemoveValidator marks a validator inactive and deducts its stake from
// the active total.
func (e *ConsensusEngine) RemoveValidator(addr Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.validators[addr]
	if !ok {
		return fmt.Errorf("%w: unknown validator %s", ErrValidation, addr.Hex())
	}
	if v.eligible() {
		e.totalActivePower -= v.VotingPower
	}
	v.Active = false
	return nil
}

// activeSortedLocked returns the active, unjailed validator set sorted by
// address ascending. Caller must hold e.mu (read or write).
func (e *ConsensusEngine) activeSortedLocked() []*Validator {
	active := make([]*Validator, 0, len(e.validators))
	for _, v := range e.validators {
		if v.eligible() {
			active = append(active, v)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Address.Hex() < active[j].Address.Hex() })
	return active
}

// SelectProposerForHeight is pure in (active validator snapshot, total
// stake, prev block hash, height): two engines with identical state
// return identical proposers.
func (e *ConsensusEngine) SelectProposerForHeight(height uint64) (Address, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.selectProposerLocked(height)
}

func (e *ConsensusEngine) selectProposerLocked(height uint64) (Address, error) {
	active := e.activeSortedLocked()
	var totalPower uint64
	for _, v := range active {
		totalPower += v.VotingPower
	}
	if totalPower == 0 {
		return Address{}, fmt.Errorf("%w: no active voting power", ErrConsensus)
	}

	seed := proposerSeed(height, e.totalActivePower, e.prevBlockHash)
	target := seed % totalPower

	var running uint64
	for _, v := range active {
		running += v.VotingPower
		if running > target {
			return v.Address, nil
		}
	}
	// Unreachable given totalPower == sum(active voting power) and
	// target < totalPower, but return the last validator defensively.
	return active[len(active)-1].Address, nil
}

// proposerSeed computes SHA256("sultan_proposer_" || height_LE ||
// total_stake_LE || prev_block_hash) and interprets its first 8 bytes as
// a little-endian uint64.
func proposerSeed(height, totalStake uint64, prevHash Hash) uint64 {
	buf := make([]byte, 0, len(proposerSeedPrefix)+8+8+len(prevHash))
	buf = append(buf, []byte(proposerSeedPrefix)...)
	var h, t [8]byte
	binary.LittleEndian.PutUint64(h[:], height)
	binary.LittleEndian.PutUint64(t[:], totalStake)
	buf = append(buf, h[:]...)
	buf = append(buf, t[:]...)
	buf = append(buf, prevHash[:]...)
	digest := sha256.Sum256(buf)
	return binary.LittleEndian.Uint64(digest[:8])
}

// GetProposerOrderForHeight returns the primary proposer followed by the
// remaining active validators sorted by voting power descending, used as
// a fallback order when the primary fails to produce within a timeout.
func (e *ConsensusEngine) GetProposerOrderForHeight(height uint64) ([]Address, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	primary, err := e.selectProposerLocked(height)
	if err != nil {
		return nil, err
	}
	active := e.activeSortedLocked()
	rest := make([]*Validator, 0, len(active))
	for _, v := range active {
		if v.Address != primary {
			rest = append(rest, v)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].VotingPower > rest[j].VotingPower })
	order := make([]Address, 0, len(active))
	order = append(order, primary)
	for _, v := range rest {
		order = append(order, v.Address)
	}
	return order, nil
}

// IsFallbackProposer reports whether addr is eligible to propose at the
// given zero-based fallback slot offset for height, once the primary
// proposer has missed enough consecutive slots to hand off.
func (e *ConsensusEngine) IsFallbackProposer(height uint64, addr Address, slotOffset int) (bool, error) {
	if slotOffset < FallbackThresholdMissed || slotOffset-FallbackThresholdMissed >= MaxFallbackPositions {
		return false, nil
	}
	order, err := e.GetProposerOrderForHeight(height)
	if err != nil {
		return false, err
	}
	idx := slotOffset - FallbackThresholdMissed + 1 // position 1 follows the primary at index 0
	if idx < 0 || idx >= len(order) {
		return false, nil
	}
	return order[idx] == addr, nil
}

// requiredVotingPower returns floor(2*activePower/3)+1, the quorum
// threshold.
func requiredVotingPower(activePower uint64) uint64 {
	return (2*activePower)/3 + 1
}

// CollectSignature records a validator's Ed25519 signature over a block
// hash at a height. The first signature pins the block hash for that
// height; later signatures for a different hash are rejected. Returns
// whether quorum has now been reached.
func (e *ConsensusEngine) CollectSignature(height uint64, blockHash Hash, voter Address, sig []byte) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	v, ok := e.validators[voter]
	if !ok || !v.eligible() {
		return false, fmt.Errorf("%w: voter %s is not an active validator", ErrConsensus, voter.Hex())
	}
	if e.verifySignatures && !verifyBlockHashSignature(v.PublicKey, blockHash, sig) {
		return false, fmt.Errorf("%w: signature verification failed", ErrAuthentication)
	}

	hv, ok := e.votesByHeight[height]
	if !ok {
		hv = &heightVotes{signers: make(map[Address]struct{})}
		e.votesByHeight[height] = hv
	}
	if hv.hasPinned {
		if hv.pinnedHash != blockHash {
			return false, fmt.Errorf("%w: block hash mismatch at height %d", ErrConsensus, height)
		}
	} else {
		hv.pinnedHash = blockHash
		hv.hasPinned = true
	}
	if _, already := hv.signers[voter]; already {
		return false, fmt.Errorf("%w: duplicate vote from %s at height %d", ErrConsensus, voter.Hex(), height)
	}
	hv.signers[voter] = struct{}{}
	hv.power += v.VotingPower
	v.BlocksSigned++

	required := requiredVotingPower(e.totalActivePower)
	return hv.power >= required, nil
}

// RecordBlockVote checks for double-signing: if the validator already
// voted at this height for a different block hash, a DoubleSign slash is
// applied with both conflicting hashes as evidence.
func (e *ConsensusEngine) RecordBlockVote(vote BlockVote) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := voteRecord{height: vote.Height, validator: vote.Validator}
	prior, seen := e.lastVoteAt[key]
	e.lastVoteAt[key] = vote.BlockHash
	if !seen || prior == vote.BlockHash {
		return nil
	}
	a, b := prior, vote.BlockHash
	return e.applySlashLocked(vote.Validator, OffenseDoubleSign, vote.Height, DoubleSignSlashNumerator, &a, &b, nil)
}

// RecordMissedBlock increments the miss counter for a validator at a
// height, deduplicated so repeated reports for the same (height,
// validator) pair only count once. Reaching MaxMissedBlocksBeforeSlash
// triggers a Downtime slash.
func (e *ConsensusEngine) RecordMissedBlock(validator Address, height uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if v, ok := e.validators[validator]; ok && v.Jailed {
		return nil
	}

	key := voteRecord{height: height, validator: validator}
	if _, already := e.missed[key]; already {
		return nil
	}
	e.missed[key] = struct{}{}
	e.missCountByValidator[validator]++

	if v, ok := e.validators[validator]; ok {
		v.ConsecutiveMissed++
	}

	if e.missCountByValidator[validator] >= MaxMissedBlocksBeforeSlash {
		count := e.missCountByValidator[validator]
		if err := e.applySlashLocked(validator, OffenseDowntime, height, DowntimeSlashNumerator, nil, nil, &count); err != nil {
			return err
		}
	}
	return nil
}

// CleanupRecordedMisses removes miss-records older than
// MissedBlockTrackingWindow blocks behind currentHeight.
func (e *ConsensusEngine) CleanupRecordedMisses(currentHeight uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if currentHeight < MissedBlockTrackingWindow {
		return
	}
	cutoff := currentHeight - MissedBlockTrackingWindow
	for key := range e.missed {
		if key.height < cutoff {
			delete(e.missed, key)
		}
	}
}

// applySlashLocked runs the atomic slash sequence under the caller's
// held write lock: deduct stake/power, remove from active total, jail,
// append evidence. Caller must hold e.mu for writing.
func (e *ConsensusEngine) applySlashLocked(addr Address, offense SlashingOffense, height uint64, numerator uint64, hashA, hashB *Hash, missed *uint64) error {
	v, ok := e.validators[addr]
	if !ok {
		return fmt.Errorf("%w: unknown validator %s", ErrValidation, addr.Hex())
	}

	amount := slashAmount(v.Stake, numerator, SlashDenominator)
	wasEligible := v.eligible()

	v.Stake -= amount
	v.VotingPower = v.Stake
	v.TotalSlashed += amount

	if wasEligible {
		remaining := v.VotingPower // post-slash remaining stake
		removed := amount + remaining
		if removed > e.totalActivePower {
			removed = e.totalActivePower
		}
		e.totalActivePower -= removed
	}

	v.Jailed = true
	v.JailUntil = height + JailDurationBlocks
	v.ConsecutiveMissed = 0
	delete(e.missCountByValidator, addr)

	e.evidence = append(e.evidence, SlashingEvidence{
		Validator:        addr,
		Offense:          offense,
		Height:           height,
		Timestamp:        time.Now().Unix(),
		SlashedAmount:    amount,
		ConflictingHashA: hashA,
		ConflictingHashB: hashB,
		MissedBlocks:     missed,
	})

	if e.logger != nil {
		e.logger.WithFields(log.Fields{"addr": addr.Hex(), "offense": offense.String(), "amount": amount, "height": height}).Warn("validator slashed")
	}
	if e.audit != nil {
		e.audit.Warnw("slashing evidence appended", "validator", addr.Hex(), "offense", offense.String(), "slashed_amount", amount, "height", height)
	}
	return nil
}

// UnjailValidator clears the jailed flag once the jail period has
// elapsed, provided remaining stake still meets the minimum.
func (e *ConsensusEngine) UnjailValidator(addr Address, currentHeight uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.validators[addr]
	if !ok {
		return fmt.Errorf("%w: unknown validator %s", ErrValidation, addr.Hex())
	}
	if !v.Jailed {
		return fmt.Errorf("%w: validator %s is not jailed", ErrValidation, addr.Hex())
	}
	if currentHeight < v.JailUntil {
		return fmt.Errorf("%w: jail period has not elapsed", ErrConsensus)
	}
	if v.Stake < MinValidatorStake {
		return fmt.Errorf("%w: remaining stake below minimum", ErrEconomic)
	}
	v.Jailed = false
	v.Active = true
	e.totalActivePower += v.VotingPower
	return nil
}

// GetValidator returns a defensive copy of the validator record.
func (e *ConsensusEngine) GetValidator(addr Address) (*Validator, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.validators[addr]
	if !ok {
		return nil, false
	}
	return v.snapshot(), true
}

// ActiveValidators returns the current active, unjailed validator set.
func (e *ConsensusEngine) ActiveValidators() []*Validator {
	e.mu.RLock()
	defer e.mu.RUnlock()
	active := e.activeSortedLocked()
	out := make([]*Validator, len(active))
	for i, v := range active {
		out[i] = v.snapshot()
	}
	return out
}

// ValidatorCount returns the total number of registered validators
// (active or not).
func (e *ConsensusEngine) ValidatorCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.validators)
}

// IsValidator reports whether addr is a registered validator.
func (e *ConsensusEngine) IsValidator(addr Address) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.validators[addr]
	return ok
}

// SlashingEvidenceFor returns all evidence entries recorded against addr.
func (e *ConsensusEngine) SlashingEvidenceFor(addr Address) []SlashingEvidence {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []SlashingEvidence
	for _, ev := range e.evidence {
		if ev.Validator == addr {
			out = append(out, ev)
		}
	}
	return out
}

// ConsensusSnapshot is the serializable export of engine state for
// export_state/import_state.
type ConsensusSnapshot struct {
	Validators       map[Address]Validator
	TotalActivePower uint64
	PrevBlockHash    Hash
	Evidence         []SlashingEvidence
}

// ExportState returns a serializable snapshot of validators, total
// active power, previous block hash and the evidence log.
func (e *ConsensusEngine) ExportState() ConsensusSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	vs := make(map[Address]Validator, len(e.validators))
	for a, v := range e.validators {
		vs[a] = *v.snapshot()
	}
	return ConsensusSnapshot{
		Validators:       vs,
		TotalActivePower: e.totalActivePower,
		PrevBlockHash:    e.prevBlockHash,
		Evidence:         append([]SlashingEvidence{}, e.evidence...),
	}
}

// ImportState restores engine state from a snapshot and clears transient
// maps (pending signatures, height-keyed vote index, miss tracking).
func (e *ConsensusEngine) ImportState(snap ConsensusSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.validators = make(map[Address]*Validator, len(snap.Validators))
	e.order = e.order[:0]
	for a, v := range snap.Validators {
		cp := v
		e.validators[a] = &cp
		e.order = append(e.order, a)
	}
	e.totalActivePower = snap.TotalActivePower
	e.prevBlockHash = snap.PrevBlockHash
	e.hasPrevBlockHash = true
	e.evidence = append([]SlashingEvidence{}, snap.Evidence...)
	e.votesByHeight = make(map[uint64]*heightVotes)
	e.lastVoteAt = make(map[voteRecord]Hash)
	e.missed = make(map[voteRecord]struct{})
	e.missCountByValidator = make(map[Address]uint64)
}
