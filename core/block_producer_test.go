package core

import (
	"context"
	"crypto/ed25519"
	"os"
	"testing"

	log "github.com/sirupsen/logrus"
)

// stubBroadcaster records announcements without touching the network.
type stubBroadcaster struct {
	blockAnnounces []BlockAnnounce
}

func (s *stubBroadcaster) BroadcastSyncRequest(SyncRequest) error           { return nil }
func (s *stubBroadcaster) BroadcastSyncResponse(SyncResponse) error         { return nil }
func (s *stubBroadcaster) BroadcastValidatorAnnounce(ValidatorAnnounce) error { return nil }
func (s *stubBroadcaster) BroadcastVoteAnnounce(VoteAnnounce) error         { return nil }
func (s *stubBroadcaster) BroadcastBlockAnnounce(a BlockAnnounce) error {
	s.blockAnnounces = append(s.blockAnnounces, a)
	return nil
}

func TestProduceBlockSealsDeterministicHash(t *testing.T) {
	dir, err := os.MkdirTemp("", "sultan-wal-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	cfg := DefaultShardConfig()
	cfg.ShardCount = 2
	coordinator, err := NewCoordinator(cfg, dir, log.New(), nil)
	if err != nil {
		t.Fatal(err)
	}

	consensus := NewConsensusEngine(false, log.New(), nil)
	self := addrFromSeed(9)
	mustAddValidator(t, consensus, self, MinValidatorStake)

	chain := NewChain()
	mempool := NewMempool(100)

	alice := addrFromSeed(1)
	shard := coordinator.shardFor(alice)
	shard.mu.Lock()
	shard.accounts[alice] = &Account{Balance: 10_000, Nonce: 0}
	shard.rebuildMerkleLocked()
	shard.mu.Unlock()

	_, priv, _ := ed25519.GenerateKey(nil)
	bob := addrFromSeed(2)
	tx := newSignedTx(t, priv, alice, bob, 100, 0, 1000)
	if err := mempool.Add(tx); err != nil {
		t.Fatal(err)
	}

	broadcaster := &stubBroadcaster{}
	producer := NewBlockProducer(mempool, coordinator, consensus, chain, broadcaster, self, log.New())

	b, err := producer.ProduceBlock(context.Background())
	if err != nil {
		t.Fatalf("produce block: %v", err)
	}
	if b.Height != 1 {
		t.Fatalf("expected height 1, got %d", b.Height)
	}
	if b.Hash != b.ComputeHash() {
		t.Fatalf("expected stored hash to match recomputed hash")
	}
	if chain.Height() != 1 {
		t.Fatalf("expected chain tip at height 1")
	}
}

func TestGenesisValidation(t *testing.T) {
	g := Genesis()
	if g.Hash != GenesisHashLiteral {
		t.Fatalf("expected genesis hash literal")
	}
	if err := ValidateBlock(g, g); err != nil {
		t.Fatalf("expected genesis to validate against itself: %v", err)
	}
}

func TestChainLinearityRejectsBadPrevHash(t *testing.T) {
	chain := NewChain()
	bad := &Block{Height: 1, Timestamp: GenesisTimestamp + 1, PrevHash: "not-the-tip-hash", StateRoot: EmptyChainStateRoot}
	bad.Hash = bad.ComputeHash()
	if err := ValidateBlock(chain.Tip(), bad); err == nil {
		t.Fatalf("expected validation failure for mismatched prev_hash")
	}
}
