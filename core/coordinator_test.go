package core

import (
	"context"
	"crypto/ed25519"
	"os"
	"testing"

	log "github.com/sirupsen/logrus"
)

func newTestCoordinator(t *testing.T, shardCount uint32) (*Coordinator, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "sultan-wal-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := DefaultShardConfig()
	cfg.ShardCount = shardCount
	c, err := NewCoordinator(cfg, dir, log.New(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return c, dir
}

// findCrossShardPair finds two addresses hashing to different shards,
// for deterministic cross-shard test fixtures.
func findCrossShardPair(shardCount uint32) (Address, Address) {
	var a, b Address
	for i := byte(1); ; i++ {
		a = addrFromSeed(i)
		if shardOfAddress(a, shardCount) == 0 {
			break
		}
	}
	for i := byte(1); ; i++ {
		b = addrFromSeed(i + 100)
		if shardOfAddress(b, shardCount) != shardOfAddress(a, shardCount) {
			break
		}
	}
	return a, b
}

func TestCoordinatorCrossShardTransfer(t *testing.T) {
	c, _ := newTestCoordinator(t, 4)
	alice, charlie := findCrossShardPair(4)

	srcID := shardOfAddress(alice, 4)
	c.shards[srcID].accounts[alice] = &Account{Balance: 10_000, Nonce: 0}
	c.shards[srcID].rebuildMerkleLocked()

	_, priv, _ := ed25519.GenerateKey(nil)
	pub := priv.Public().(ed25519.PublicKey)
	_ = pub
	tx := newSignedTx(t, priv, alice, charlie, 500, 0, 100)

	results := c.ProcessBlock(context.Background(), []Transaction{tx})
	if len(results) != 1 {
		t.Fatalf("expected 1 committed transaction, got %d", len(results))
	}

	aliceAcc, _ := c.shardFor(alice).AccountSnapshot(alice)
	charlieAcc, _ := c.shardFor(charlie).AccountSnapshot(charlie)
	if aliceAcc.Balance != 9500 {
		t.Fatalf("expected alice balance 9500, got %d", aliceAcc.Balance)
	}
	if charlieAcc.Balance != 500 {
		t.Fatalf("expected charlie balance 500, got %d", charlieAcc.Balance)
	}

	c.processedMu.Lock()
	count := len(c.processed)
	c.processedMu.Unlock()
	if count != 1 {
		t.Fatalf("expected exactly one idempotency key recorded, got %d", count)
	}
}

// Simulates a crash mid-commit: the WAL advances to Prepared, a fresh
// coordinator restarts over the same WAL directory, re-queues the
// in-flight transaction, and commits it exactly once.
func TestCoordinatorCrashRecoveryCommitsExactlyOnce(t *testing.T) {
	c, dir := newTestCoordinator(t, 4)
	alice, charlie := findCrossShardPair(4)
	srcID := shardOfAddress(alice, 4)
	c.shards[srcID].accounts[alice] = &Account{Balance: 10_000, Nonce: 0}
	c.shards[srcID].rebuildMerkleLocked()

	_, priv, _ := ed25519.GenerateKey(nil)
	tx := newSignedTx(t, priv, alice, charlie, 500, 0, 100)
	dstID := shardOfAddress(charlie, 4)
	cst := newCrossShardTransaction(tx, srcID, dstID)
	cst.State = StatePrepared
	cst.Rollback = &RollbackData{Address: alice, OriginalBalance: 10_000, OriginalNonce: 0, Amount: 500}
	if err := c.wal.write(cst); err != nil {
		t.Fatal(err)
	}

	// Simulate a fresh process: build a new coordinator over the same WAL
	// directory and account state.
	cfg := DefaultShardConfig()
	cfg.ShardCount = 4
	c2, err := NewCoordinator(cfg, dir, log.New(), nil)
	if err != nil {
		t.Fatal(err)
	}
	c2.shards[srcID].accounts[alice] = &Account{Balance: 10_000, Nonce: 0}
	c2.shards[srcID].rebuildMerkleLocked()

	committed := c2.ProcessCrossShardQueue(context.Background())
	if len(committed) != 1 {
		t.Fatalf("expected the re-queued transaction to commit exactly once, got %d", len(committed))
	}

	aliceAcc, _ := c2.shardFor(alice).AccountSnapshot(alice)
	if aliceAcc.Balance != 9500 {
		t.Fatalf("expected alice debited exactly once, balance = %d", aliceAcc.Balance)
	}

	// Re-running the queue again must not double-apply (idempotency).
	committed2 := c2.ProcessCrossShardQueue(context.Background())
	if len(committed2) != 0 {
		t.Fatalf("expected no further commits on an empty queue")
	}
	aliceAcc2, _ := c2.shardFor(alice).AccountSnapshot(alice)
	if aliceAcc2.Balance != 9500 {
		t.Fatalf("expected balance unchanged after second drain, got %d", aliceAcc2.Balance)
	}
}

func TestExpandShardsPreservesAccounts(t *testing.T) {
	c, _ := newTestCoordinator(t, 4)
	total := uint64(0)
	for i := byte(1); i <= 20; i++ {
		addr := addrFromSeed(i)
		shard := c.shardFor(addr)
		shard.mu.Lock()
		shard.accounts[addr] = &Account{Balance: uint64(i) * 100, Nonce: uint64(i)}
		shard.rebuildMerkleLocked()
		shard.mu.Unlock()
		total += uint64(i) * 100
	}

	if err := c.ExpandShards(4); err != nil {
		t.Fatal(err)
	}
	if c.shardCount() != 8 {
		t.Fatalf("expected shard count 8 after expansion, got %d", c.shardCount())
	}

	var after uint64
	for i := byte(1); i <= 20; i++ {
		addr := addrFromSeed(i)
		acc, ok := c.shardFor(addr).AccountSnapshot(addr)
		if !ok {
			t.Fatalf("expected account %s to survive expansion", addr.Hex())
		}
		after += acc.Balance
	}
	if after != total {
		t.Fatalf("expected conservation of balances after expansion: want %d got %d", total, after)
	}
}
