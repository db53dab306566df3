package core

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ShardID identifies a partition of the account space.
type ShardID uint32

// shardOfAddress computes first_8_bytes_of_SHA256(address), big-endian,
// modulo shardCount.
func shardOfAddress(addr Address, shardCount uint32) ShardID {
	h := sha256.Sum256(addr[:])
	v := binary.BigEndian.Uint64(h[:8])
	return ShardID(v % uint64(shardCount))
}

// Shard owns a disjoint slice of account state.
type Shard struct {
	mu sync.RWMutex

	id       ShardID
	accounts map[Address]*Account
	root     Hash
	signKey  ed25519.PrivateKey
	signPub  ed25519.PublicKey
	healthy  bool
	processed uint64

	logger *log.Logger
}

// NewShard constructs an empty, healthy shard with a fresh per-shard
// Ed25519 signing key.
func NewShard(id ShardID, lg *log.Logger) (*Shard, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: generate shard signing key: %v", ErrDurability, err)
	}
	s := &Shard{
		id:       id,
		accounts: make(map[Address]*Account),
		root:     emptyMerkleRoot,
		signKey:  priv,
		signPub:  pub,
		healthy:  true,
		logger:   lg,
	}
	return s, nil
}

// ID returns the shard's stable numeric id.
func (s *Shard) ID() ShardID { return s.id }

// Healthy reports whether the shard currently accepts cross-shard
// prepare-phase participation.
func (s *Shard) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

// MarkUnhealthy flags the shard as unhealthy after a task failure or
// panic; it will refuse cross-shard prepare phases until re-marked.
func (s *Shard) MarkUnhealthy() {
	s.mu.Lock()
	s.healthy = false
	s.mu.Unlock()
	if s.logger != nil {
		s.logger.WithField("shard", s.id).Warn("shard marked unhealthy")
	}
}

// MarkHealthy clears the unhealthy flag.
func (s *Shard) MarkHealthy() {
	s.mu.Lock()
	s.healthy = true
	s.mu.Unlock()
}

// StateRoot returns the shard's current Merkle root.
func (s *Shard) StateRoot() Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.root
}

// nextExpectedNonceLocked returns the expected next nonce for addr, 0 if the
// account does not yet exist. Caller must hold s.mu.
func (s *Shard) nextExpectedNonceLocked(addr Address) uint64 {
	acc, ok := s.accounts[addr]
	if !ok {
		return 0
	}
	return acc.Nonce
}

// ProcessTransactions validates and applies each transaction in order,
// returning the subset that was successfully applied. A rejected
// transaction is logged and dropped; the batch continues.
func (s *Shard) ProcessTransactions(txs []Transaction) []Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	processed := make([]Transaction, 0, len(txs))
	for _, tx := range txs {
		if err := s.applyLocked(tx); err != nil {
			if s.logger != nil {
				s.logger.WithFields(log.Fields{"from": tx.From, "nonce": tx.Nonce, "err": err}).Warn("transaction rejected")
			}
			continue
		}
		processed = append(processed, tx)
	}
	if len(processed) > 0 {
		s.rebuildMerkleLocked()
		s.processed += uint64(len(processed))
	}
	return processed
}

// applyLocked runs the four validation checks (amount, balance, nonce,
// signature) and, on success, atomically
// debits sender and credits recipient. Caller must hold s.mu.
func (s *Shard) applyLocked(tx Transaction) error {
	if tx.Amount == 0 {
		return fmt.Errorf("%w: amount must be greater than zero", ErrValidation)
	}
	sender, ok := s.accounts[tx.From]
	var senderBalance uint64
	if ok {
		senderBalance = sender.Balance
	}
	if senderBalance < tx.Amount {
		return fmt.Errorf("%w: insufficient balance", ErrEconomic)
	}
	expected := s.nextExpectedNonceLocked(tx.From)
	if tx.Nonce != expected {
		return fmt.Errorf("%w: nonce mismatch: expected %d got %d", ErrValidation, expected, tx.Nonce)
	}
	if !verifyTransactionSignature(&tx) {
		return fmt.Errorf("%w: signature verification failed", ErrAuthentication)
	}

	sender.Balance -= tx.Amount
	sender.Nonce = tx.Nonce + 1

	recipient, ok := s.accounts[tx.To]
	if !ok {
		recipient = &Account{Nonce: 0}
		s.accounts[tx.To] = recipient
	}
	recipient.creditSaturating(tx.Amount)
	return nil
}

// rebuildMerkleLocked recomputes the shard's Merkle root over all
// accounts. Caller must hold s.mu.
func (s *Shard) rebuildMerkleLocked() {
	s.root = buildMerkleRoot(s.accounts)
}

// AccountSnapshot returns a copy of the account for addr, if present.
func (s *Shard) AccountSnapshot(addr Address) (Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[addr]
	if !ok {
		return Account{}, false
	}
	return *acc, true
}

// AllAccounts returns a copy of the full account map, used by
// expand_shards to re-route accounts under the new shard_count.
func (s *Shard) AllAccounts() map[Address]Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Address]Account, len(s.accounts))
	for a, acc := range s.accounts {
		out[a] = *acc
	}
	return out
}

// ReplaceAccounts atomically swaps in a new account map and rebuilds the
// Merkle root, used after expand_shards re-routing.
func (s *Shard) ReplaceAccounts(accounts map[Address]Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[Address]*Account, len(accounts))
	for a, acc := range accounts {
		cp := acc
		next[a] = &cp
	}
	s.accounts = next
	s.rebuildMerkleLocked()
}

// debitForPrepare verifies and captures rollback data for a cross-shard
// sender debit+nonce-advance under the coordinator's per-transaction
// lock; it does not itself credit the recipient (that happens on the
// destination shard in the commit phase).
func (s *Shard) debitForPrepare(tx Transaction) (*RollbackData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sender, ok := s.accounts[tx.From]
	var bal, nonce uint64
	if ok {
		bal, nonce = sender.Balance, sender.Nonce
	}
	if bal < tx.Amount {
		return nil, fmt.Errorf("%w: insufficient balance", ErrEconomic)
	}
	if tx.Nonce != nonce {
		return nil, fmt.Errorf("%w: nonce mismatch: expected %d got %d", ErrValidation, nonce, tx.Nonce)
	}
	if !verifyTransactionSignature(&tx) {
		return nil, fmt.Errorf("%w: signature verification failed", ErrAuthentication)
	}
	return &RollbackData{Address: tx.From, OriginalBalance: bal, OriginalNonce: nonce, Amount: tx.Amount}, nil
}

// commitDebit applies the sender-side debit and nonce advance during the
// commit phase, and rebuilds the Merkle root.
func (s *Shard) commitDebit(from Address, amount, newNonce uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sender, ok := s.accounts[from]
	if !ok {
		sender = &Account{}
		s.accounts[from] = sender
	}
	sender.Balance -= amount
	sender.Nonce = newNonce
	s.rebuildMerkleLocked()
}

// commitCredit applies the recipient-side credit during the commit
// phase, creating the account if absent, and rebuilds the Merkle root.
func (s *Shard) commitCredit(to Address, amount uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recipient, ok := s.accounts[to]
	if !ok {
		recipient = &Account{}
		s.accounts[to] = recipient
	}
	recipient.creditSaturating(amount)
	s.rebuildMerkleLocked()
}

// restoreSender is used during 2PC rollback to put a sender's balance and
// nonce back to their captured pre-transaction values.
func (s *Shard) restoreSender(addr Address, balance, nonce uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[addr]
	if !ok {
		acc = &Account{}
		s.accounts[addr] = acc
	}
	acc.Balance = balance
	acc.Nonce = nonce
	s.rebuildMerkleLocked()
}

// reverseCredit is used during 2PC rollback when a commit may have
// already applied the destination credit; it debits the amount back off
// if sufficient balance remains.
func (s *Shard) reverseCredit(addr Address, amount uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[addr]
	if !ok || acc.Balance < amount {
		return
	}
	acc.Balance -= amount
	s.rebuildMerkleLocked()
}
