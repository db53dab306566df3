package core

import (
	"fmt"
	"sort"
	"sync"
)

// Mempool holds pending transactions awaiting inclusion in a block.
type Mempool struct {
	mu       sync.Mutex
	byKey    map[string]Transaction
	capacity int
}

// NewMempool constructs a mempool bounded at capacity transactions.
func NewMempool(capacity int) *Mempool {
	return &Mempool{byKey: make(map[string]Transaction), capacity: capacity}
}

func mempoolKey(tx Transaction) string {
	return fmt.Sprintf("%s:%d", tx.From.Hex(), tx.Nonce)
}

// Add inserts a transaction, rejecting it if the mempool is full.
func (m *Mempool) Add(tx Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := mempoolKey(tx)
	if _, exists := m.byKey[key]; !exists && m.capacity > 0 && len(m.byKey) >= m.capacity {
		return fmt.Errorf("%w: mempool full", ErrResource)
	}
	m.byKey[key] = tx
	return nil
}

// Len returns the number of pending transactions.
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKey)
}

// Drain removes and returns all pending transactions sorted by
// (timestamp, sender, nonce), the order block production consumes them in.
func (m *Mempool) Drain() []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transaction, 0, len(m.byKey))
	for _, tx := range m.byKey {
		out = append(out, tx)
	}
	m.byKey = make(map[string]Transaction)
	sortTransactions(out)
	return out
}

// Remove deletes the given transactions from the mempool (used after a
// peer-received block is applied, so locally pending copies don't
// linger).
func (m *Mempool) Remove(txs []Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range txs {
		delete(m.byKey, mempoolKey(tx))
	}
}

func sortTransactions(txs []Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		if txs[i].Timestamp != txs[j].Timestamp {
			return txs[i].Timestamp < txs[j].Timestamp
		}
		if txs[i].From.Hex() != txs[j].From.Hex() {
			return txs[i].From.Hex() < txs[j].From.Hex()
		}
		return txs[i].Nonce < txs[j].Nonce
	})
}
