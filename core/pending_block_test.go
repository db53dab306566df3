package core

import "testing"

func TestPendingBlockTrackerVoteAndFinalize(t *testing.T) {
	tracker := NewPendingBlockTracker(10, 5)
	b := &Block{Height: 5, Timestamp: 100, PrevHash: "p", StateRoot: "s", Proposer: addrFromSeed(1)}
	b.Hash = b.ComputeHash()

	if err := tracker.Insert(b, 4, nil); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Vote(5, addrFromSeed(2), true, nil); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Vote(5, addrFromSeed(2), true, nil); err == nil {
		t.Fatalf("expected duplicate vote rejection")
	}

	got, err := tracker.Finalize(5)
	if err != nil {
		t.Fatal(err)
	}
	if got.Hash != b.Hash {
		t.Fatalf("expected finalized block to match inserted block")
	}

	if _, err := tracker.Finalize(5); err == nil {
		t.Fatalf("expected finalize to fail once the entry is removed")
	}
}

func TestPendingBlockTrackerRejectsOutsideForkDepth(t *testing.T) {
	tracker := NewPendingBlockTracker(10, 2)
	b := &Block{Height: 100, Timestamp: 1, PrevHash: "p", StateRoot: "s"}
	b.Hash = b.ComputeHash()
	if err := tracker.Insert(b, 0, nil); err == nil {
		t.Fatalf("expected rejection of a block far outside the fork-depth window")
	}
}

func TestSyncTrackerStates(t *testing.T) {
	height := uint64(10)
	tracker := NewSyncTracker(func() uint64 { return height })

	if st := tracker.ObservePeerHeight(10); st != SyncStateSynced {
		t.Fatalf("expected synced, got %s", st)
	}
	if st := tracker.ObservePeerHeight(20); st != SyncStateSyncing {
		t.Fatalf("expected syncing, got %s", st)
	}
	height = 30
	if st := tracker.ObservePeerHeight(20); st != SyncStateAhead {
		t.Fatalf("expected ahead, got %s", st)
	}
}
