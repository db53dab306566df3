package core

import (
	"crypto/ed25519"
	"testing"

	log "github.com/sirupsen/logrus"
)

func mustAddValidator(t *testing.T, e *ConsensusEngine, addr Address, stake uint64) ed25519.PublicKey {
	t.Helper()
	pub, _, _ := ed25519.GenerateKey(nil)
	if err := e.AddValidator(addr, stake, pub); err != nil {
		t.Fatalf("add validator: %v", err)
	}
	return pub
}

func TestDoubleSignSlash(t *testing.T) {
	e := NewConsensusEngine(false, log.New(), nil)
	v1 := addrFromSeed(1)
	mustAddValidator(t, e, v1, 100_000_000_000_000) // 10^14

	var hashA, hashB Hash
	hashA[0] = 0x01
	hashB[0] = 0x02

	if err := e.RecordBlockVote(BlockVote{Height: 100, Validator: v1, BlockHash: hashA}); err != nil {
		t.Fatalf("first vote should not slash: %v", err)
	}
	if err := e.RecordBlockVote(BlockVote{Height: 100, Validator: v1, BlockHash: hashB}); err != nil {
		t.Fatalf("record conflicting vote: %v", err)
	}

	val, _ := e.GetValidator(v1)
	if !val.Jailed {
		t.Fatalf("expected validator jailed after double sign")
	}
	expectedSlash := slashAmount(100_000_000_000_000, DoubleSignSlashNumerator, SlashDenominator)
	if val.TotalSlashed != expectedSlash {
		t.Fatalf("expected slashed amount %d, got %d", expectedSlash, val.TotalSlashed)
	}
	evidence := e.SlashingEvidenceFor(v1)
	if len(evidence) != 1 || evidence[0].Offense != OffenseDoubleSign {
		t.Fatalf("expected one double-sign evidence entry")
	}
	if *evidence[0].ConflictingHashA != hashA || *evidence[0].ConflictingHashB != hashB {
		t.Fatalf("expected evidence to record both conflicting hashes")
	}
}

func TestDowntimeSlash(t *testing.T) {
	e := NewConsensusEngine(false, log.New(), nil)
	v2 := addrFromSeed(2)
	mustAddValidator(t, e, v2, 100_000_000_000_000)

	for h := uint64(1); h <= MaxMissedBlocksBeforeSlash; h++ {
		if err := e.RecordMissedBlock(v2, h); err != nil {
			t.Fatalf("record missed block at height %d: %v", h, err)
		}
	}

	val, _ := e.GetValidator(v2)
	if !val.Jailed {
		t.Fatalf("expected validator jailed after reaching max missed blocks")
	}
	if val.JailUntil != MaxMissedBlocksBeforeSlash+JailDurationBlocks {
		t.Fatalf("expected jail_until = %d, got %d", MaxMissedBlocksBeforeSlash+JailDurationBlocks, val.JailUntil)
	}
	if val.ConsecutiveMissed != 0 {
		t.Fatalf("expected missed counter reset after slash")
	}
	expectedSlash := slashAmount(100_000_000_000_000, DowntimeSlashNumerator, SlashDenominator)
	if val.TotalSlashed != expectedSlash {
		t.Fatalf("expected slashed amount %d, got %d", expectedSlash, val.TotalSlashed)
	}
	if got := len(e.SlashingEvidenceFor(v2)); got != 1 {
		t.Fatalf("expected exactly one slash evidence entry after the first jailing, got %d", got)
	}

	// A further missed block while jailed must not re-slash: the miss
	// counter was reset on slash and jailed validators are skipped.
	if err := e.RecordMissedBlock(v2, MaxMissedBlocksBeforeSlash+1); err != nil {
		t.Fatalf("record missed block at height %d: %v", MaxMissedBlocksBeforeSlash+1, err)
	}
	val, _ = e.GetValidator(v2)
	if val.TotalSlashed != expectedSlash {
		t.Fatalf("expected no additional slash after jailing, got total slashed %d (want %d)", val.TotalSlashed, expectedSlash)
	}
	if got := len(e.SlashingEvidenceFor(v2)); got != 1 {
		t.Fatalf("expected evidence count to stay at 1 after jailing, got %d", got)
	}
	if evidence := e.SlashingEvidenceFor(v2); evidence[0].Timestamp == 0 {
		t.Fatalf("expected slash evidence to carry a non-zero timestamp")
	}
}

func TestRecordMissedBlockDeduplicatesPerHeight(t *testing.T) {
	e := NewConsensusEngine(false, log.New(), nil)
	v := addrFromSeed(3)
	mustAddValidator(t, e, v, 100_000_000_000_000)

	if err := e.RecordMissedBlock(v, 1); err != nil {
		t.Fatal(err)
	}
	if err := e.RecordMissedBlock(v, 1); err != nil {
		t.Fatal(err)
	}
	val, _ := e.GetValidator(v)
	if val.ConsecutiveMissed != 1 {
		t.Fatalf("expected deduplicated miss count 1, got %d", val.ConsecutiveMissed)
	}
}

// Approximate distribution check: over many heights, proposer selection
// frequency should roughly track each validator's stake share.
func TestProposerRotationWeightedByStake(t *testing.T) {
	e := NewConsensusEngine(false, log.New(), nil)
	v1, v2, v3 := addrFromSeed(1), addrFromSeed(2), addrFromSeed(3)
	mustAddValidator(t, e, v1, 10_000_000_000_000)
	mustAddValidator(t, e, v2, 20_000_000_000_000)
	mustAddValidator(t, e, v3, 30_000_000_000_000)

	e.SetPrevBlockHash(Hash{0xaa})

	counts := map[Address]int{}
	for h := uint64(0); h < 1000; h++ {
		addr, err := e.SelectProposerForHeight(h)
		if err != nil {
			t.Fatal(err)
		}
		counts[addr]++
	}
	if counts[v3] < 300 {
		t.Fatalf("expected highest-staked validator to win roughly half the heights, got %d/1000", counts[v3])
	}

	// Determinism: identical inputs return identical proposers.
	again, err := e.SelectProposerForHeight(500)
	if err != nil {
		t.Fatal(err)
	}
	first, _ := e.SelectProposerForHeight(500)
	if again != first {
		t.Fatalf("expected deterministic proposer selection for the same height")
	}
}

func TestProposerSeedUsesActiveStakeNotTotalStake(t *testing.T) {
	e := NewConsensusEngine(false, log.New(), nil)
	v1, v2 := addrFromSeed(1), addrFromSeed(2)
	mustAddValidator(t, e, v1, 10_000_000_000_000)
	mustAddValidator(t, e, v2, 20_000_000_000_000)
	e.SetPrevBlockHash(Hash{0xbb})

	const height = uint64(42)

	// Jailing v2 removes its stake from totalActivePower; the proposer
	// seed for a later height must reflect only the remaining active
	// stake, not the sum of all validators ever added.
	if err := e.applySlashLocked(v2, OffenseDowntime, height, DowntimeSlashNumerator, nil, nil, nil); err != nil {
		t.Fatalf("slash v2: %v", err)
	}
	if e.totalActivePower != 10_000_000_000_000 {
		t.Fatalf("expected total active power to drop to v1's stake alone, got %d", e.totalActivePower)
	}

	addr, err := e.SelectProposerForHeight(height + 1)
	if err != nil {
		t.Fatal(err)
	}
	if addr != v1 {
		t.Fatalf("expected only remaining active validator v1 to be selectable, got %s", addr.Hex())
	}
}

func TestCollectSignatureQuorum(t *testing.T) {
	e := NewConsensusEngine(false, log.New(), nil)
	v1, v2, v3 := addrFromSeed(1), addrFromSeed(2), addrFromSeed(3)
	mustAddValidator(t, e, v1, 20_000_000_000_000)
	mustAddValidator(t, e, v2, 20_000_000_000_000)
	mustAddValidator(t, e, v3, 10_000_000_000_000)

	var hash Hash
	hash[0] = 0x42

	reached, err := e.CollectSignature(1, hash, v1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if reached {
		t.Fatalf("quorum should not be reached with a single validator below two-thirds power")
	}
	reached, err = e.CollectSignature(1, hash, v2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reached {
		t.Fatalf("expected quorum reached once two of the three largest-stake validators sign")
	}
}

func TestCollectSignatureRejectsConflictingHash(t *testing.T) {
	e := NewConsensusEngine(false, log.New(), nil)
	v1 := addrFromSeed(1)
	mustAddValidator(t, e, v1, 10_000_000_000_000)
	v2 := addrFromSeed(2)
	mustAddValidator(t, e, v2, 10_000_000_000_000)

	var h1, h2 Hash
	h1[0] = 1
	h2[0] = 2
	if _, err := e.CollectSignature(5, h1, v1, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := e.CollectSignature(5, h2, v2, nil); err == nil {
		t.Fatalf("expected rejection of a signature for a different block hash at the same height")
	}
}

func TestUnjailValidatorRequiresElapsedJailPeriod(t *testing.T) {
	e := NewConsensusEngine(false, log.New(), nil)
	v := addrFromSeed(1)
	mustAddValidator(t, e, v, 100_000_000_000_000)

	var h Hash
	h[0] = 1
	_ = e.RecordBlockVote(BlockVote{Height: 1, Validator: v, BlockHash: h})
	var h2 Hash
	h2[0] = 2
	_ = e.RecordBlockVote(BlockVote{Height: 1, Validator: v, BlockHash: h2})

	val, _ := e.GetValidator(v)
	if err := e.UnjailValidator(v, val.JailUntil-1); err == nil {
		t.Fatalf("expected unjail to fail before jail_until")
	}
	if err := e.UnjailValidator(v, val.JailUntil); err != nil {
		t.Fatalf("expected unjail to succeed at jail_until: %v", err)
	}
}
