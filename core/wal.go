package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// walEntry is the JSON-serialized form of a CrossShardTransaction
// persisted to the WAL directory, one file per idempotency key.
type walEntry struct {
	ID             string       `json:"id"`
	SourceShard    ShardID      `json:"source_shard"`
	DestShard      ShardID      `json:"dest_shard"`
	Inner          Transaction  `json:"inner"`
	State          CommitState  `json:"state"`
	IdempotencyKey string       `json:"idempotency_key"`
	RetryCount     int          `json:"retry_count"`
	Rollback       *RollbackData `json:"rollback,omitempty"`
}

// wal is a directory-backed write-ahead log for in-flight cross-shard
// transactions: 0700 directory, 0600 entry files, one file per
// idempotency key, every state transition rewrites the entry.
type wal struct {
	dir string
}

func newWAL(dir string) (*wal, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create WAL directory: %v", ErrDurability, err)
	}
	return &wal{dir: dir}, nil
}

func (w *wal) path(idempotencyKey string) string {
	return filepath.Join(w.dir, idempotencyKey)
}

// write persists (or overwrites) the entry for the given cross-shard
// transaction's current state.
func (w *wal) write(cst *CrossShardTransaction) error {
	entry := walEntry{
		ID:             cst.ID,
		SourceShard:    cst.SourceShard,
		DestShard:      cst.DestShard,
		Inner:          cst.Inner,
		State:          cst.State,
		IdempotencyKey: cst.IdempotencyKey,
		RetryCount:     cst.RetryCount,
		Rollback:       cst.Rollback,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: marshal WAL entry: %v", ErrDurability, err)
	}
	if err := os.WriteFile(w.path(cst.IdempotencyKey), raw, 0o600); err != nil {
		return fmt.Errorf("%w: write WAL entry: %v", ErrDurability, err)
	}
	return nil
}

// remove deletes the WAL entry for the given idempotency key, if present.
func (w *wal) remove(idempotencyKey string) error {
	err := os.Remove(w.path(idempotencyKey))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove WAL entry: %v", ErrDurability, err)
	}
	return nil
}

// scan reads every WAL entry currently on disk, used at coordinator
// construction for crash recovery.
func (w *wal) scan() ([]walEntry, error) {
	files, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read WAL directory: %v", ErrDurability, err)
	}
	entries := make([]walEntry, 0, len(files))
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(w.dir, f.Name()))
		if err != nil {
			continue
		}
		var e walEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
