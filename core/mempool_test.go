package core

import "testing"

func TestMempoolDrainOrdersByTimestampSenderNonce(t *testing.T) {
	m := NewMempool(10)
	a := addrFromSeed(2)
	b := addrFromSeed(1)

	_ = m.Add(Transaction{From: a, Nonce: 1, Timestamp: 100})
	_ = m.Add(Transaction{From: b, Nonce: 0, Timestamp: 100})
	_ = m.Add(Transaction{From: a, Nonce: 0, Timestamp: 50})

	drained := m.Drain()
	if len(drained) != 3 {
		t.Fatalf("expected 3 drained transactions, got %d", len(drained))
	}
	if drained[0].Timestamp != 50 {
		t.Fatalf("expected earliest timestamp first")
	}
	if drained[1].From != b || drained[2].From != a {
		t.Fatalf("expected sender-address tiebreak for equal timestamps")
	}
	if m.Len() != 0 {
		t.Fatalf("expected mempool empty after drain")
	}
}

func TestMempoolRejectsWhenFull(t *testing.T) {
	m := NewMempool(1)
	if err := m.Add(Transaction{From: addrFromSeed(1), Nonce: 0}); err != nil {
		t.Fatal(err)
	}
	if err := m.Add(Transaction{From: addrFromSeed(2), Nonce: 0}); err == nil {
		t.Fatalf("expected mempool full error")
	}
}
