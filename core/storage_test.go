package core

import "testing"

func TestStorageBlockRoundTrip(t *testing.T) {
	kv := NewInMemoryKV()
	s, err := NewStorage(kv, nil)
	if err != nil {
		t.Fatal(err)
	}

	b := &Block{
		Height:    1,
		Timestamp: 1000,
		PrevHash:  GenesisHashLiteral,
		StateRoot: EmptyChainStateRoot,
		Proposer:  addrFromSeed(1),
	}
	b.Hash = b.ComputeHash()

	if err := s.PutBlock(b); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.GetBlock(b.Hash)
	if err != nil || !ok {
		t.Fatalf("expected stored block to be retrievable: ok=%v err=%v", ok, err)
	}
	if got.Height != b.Height || got.Hash != b.Hash || got.StateRoot != b.StateRoot {
		t.Fatalf("round-tripped block mismatch: %+v vs %+v", got, b)
	}
}

func TestStorageEncryptedBlockRoundTrip(t *testing.T) {
	kv := NewInMemoryKV()
	s, err := NewStorage(kv, []byte("a test key material, 32+ bytes long"))
	if err != nil {
		t.Fatal(err)
	}

	b := &Block{Height: 2, Timestamp: 2000, PrevHash: "x", StateRoot: "y", Proposer: addrFromSeed(2)}
	b.Hash = b.ComputeHash()
	if err := s.PutBlock(b); err != nil {
		t.Fatal(err)
	}

	raw, ok, err := kv.Get([]byte(PrefixBlock + b.Hash))
	if err != nil || !ok {
		t.Fatal("expected raw ciphertext present in backend")
	}
	if len(raw) < 12+16 {
		t.Fatalf("expected ciphertext to include nonce and tag overhead")
	}

	got, ok, err := s.GetBlock(b.Hash)
	if err != nil || !ok {
		t.Fatalf("expected decrypted block retrievable: ok=%v err=%v", ok, err)
	}
	if got.Height != b.Height {
		t.Fatalf("expected decrypted height %d, got %d", b.Height, got.Height)
	}
}

func TestStorageJSONRoundTrip(t *testing.T) {
	kv := NewInMemoryKV()
	s, err := NewStorage(kv, nil)
	if err != nil {
		t.Fatal(err)
	}
	type stakingState struct {
		TotalStake uint64 `json:"total_stake"`
	}
	want := stakingState{TotalStake: 42}
	if err := s.PutJSON(KeyStakingState, want); err != nil {
		t.Fatal(err)
	}
	var got stakingState
	ok, err := s.GetJSON(KeyStakingState, &got)
	if err != nil || !ok {
		t.Fatalf("expected staking state retrievable: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestStorageCompactionHookFires(t *testing.T) {
	kv := NewInMemoryKV()
	s, err := NewStorage(kv, nil)
	if err != nil {
		t.Fatal(err)
	}
	var fired int
	s.SetCompactionHook(func() error { fired++; return nil })

	for i := uint64(0); i < CompactionInterval; i++ {
		b := &Block{Height: i, Timestamp: int64(i) + 1, PrevHash: "p", StateRoot: "s", Proposer: addrFromSeed(1)}
		b.Hash = b.ComputeHash()
		if err := s.PutBlock(b); err != nil {
			t.Fatal(err)
		}
	}
	if fired != 1 {
		t.Fatalf("expected compaction hook to fire exactly once after %d blocks, fired %d times", CompactionInterval, fired)
	}
}
