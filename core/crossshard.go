package core

import "time"

// CommitState is the 2PC state machine persisted in the WAL.
type CommitState int

const (
	StatePreparing CommitState = iota
	StatePrepared
	StateCommitting
	StateCommitted
	StateAborting
	StateAborted
)

func (s CommitState) String() string {
	switch s {
	case StatePreparing:
		return "preparing"
	case StatePrepared:
		return "prepared"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateAborting:
		return "aborting"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// RollbackData captures the sender's pre-transaction state, restored on
// prepare/commit failure.
type RollbackData struct {
	Address         Address
	OriginalBalance uint64
	OriginalNonce   uint64
	Amount          uint64
}

// CrossShardTransaction is a transfer whose sender and recipient live in
// different shards, tracked through the 2PC state machine.
type CrossShardTransaction struct {
	ID              string
	SourceShard     ShardID
	DestShard       ShardID
	Inner           Transaction
	State           CommitState
	SourceProof     *Hash
	DestProof       *Hash
	CreatedAt       time.Time
	RetryCount      int
	Rollback        *RollbackData
	IdempotencyKey  string
}

// newCrossShardTransaction assigns a fresh id and idempotency key for the
// given inner transaction and its resolved shard ids.
func newCrossShardTransaction(tx Transaction, source, dest ShardID) *CrossShardTransaction {
	return &CrossShardTransaction{
		ID:             uuidString(),
		SourceShard:    source,
		DestShard:      dest,
		Inner:          tx,
		State:          StatePreparing,
		CreatedAt:      time.Now(),
		IdempotencyKey: tx.IdempotencyKey(),
	}
}
