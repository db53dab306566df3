package core

import "github.com/google/uuid"

// uuidString returns a process-unique trace id, distinct from the
// deterministic idempotency key used to dedupe cross-shard transactions.
func uuidString() string {
	return uuid.New().String()
}
