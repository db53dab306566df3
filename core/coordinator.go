package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

// Cross-shard timing and retry constants.
const (
	CrossShardPhaseTimeout = 30 * time.Second
	MaxRetryAttempts       = 3
)

// ShardConfig governs shard count, expansion and cross-shard routing.
type ShardConfig struct {
	ShardCount         uint32
	MaxShards          uint32
	CrossShardEnabled  bool
	ExpansionThreshold float64 // load fraction (processed/capacity) that triggers expand_shards
	ExpansionIncrement uint32
	CapacityPerShard   uint64 // notional tx/s capacity used by TPSCapacity
}

// DefaultShardConfig returns the standard shard-count and expansion
// constants.
func DefaultShardConfig() ShardConfig {
	return ShardConfig{
		ShardCount:         16,
		MaxShards:          8000,
		CrossShardEnabled:  true,
		ExpansionThreshold: 0.8,
		ExpansionIncrement: 4,
		CapacityPerShard:   1000,
	}
}

func (c ShardConfig) validate() error {
	if c.ShardCount == 0 {
		return fmt.Errorf("%w: shard_count must be positive", ErrValidation)
	}
	if c.ShardCount > c.MaxShards {
		return fmt.Errorf("%w: shard_count exceeds max_shards", ErrValidation)
	}
	return nil
}

// TPSCapacity returns the coordinator-wide notional throughput capacity
// given the current shard count.
func (c ShardConfig) TPSCapacity(shardCount uint32) uint64 {
	return c.CapacityPerShard * uint64(shardCount)
}

// Coordinator routes, parallelizes, and atomically reconciles
// transactions across shards.
type Coordinator struct {
	mu     sync.RWMutex
	shards []*Shard
	cfg    ShardConfig

	wal *wal

	processedMu sync.Mutex
	processed   map[string]bool // idempotency keys committed exactly once

	txLocksMu sync.Mutex
	txLocks   map[string]struct{} // "from:nonce" locks serializing cross-shard attempts

	queueMu sync.Mutex
	queue   []*CrossShardTransaction

	logger *log.Logger
	audit  *zap.SugaredLogger
}

// NewCoordinator constructs the shard array, opens the WAL directory and
// replays crash recovery.
func NewCoordinator(cfg ShardConfig, walDir string, lg *log.Logger, audit *zap.SugaredLogger) (*Coordinator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	w, err := newWAL(walDir)
	if err != nil {
		return nil, err
	}
	shards := make([]*Shard, cfg.ShardCount)
	for i := uint32(0); i < cfg.ShardCount; i++ {
		s, err := NewShard(ShardID(i), lg)
		if err != nil {
			return nil, err
		}
		shards[i] = s
	}
	c := &Coordinator{
		shards:    shards,
		cfg:       cfg,
		wal:       w,
		processed: make(map[string]bool),
		txLocks:   make(map[string]struct{}),
		logger:    lg,
		audit:     audit,
	}
	if err := c.recoverFromCrash(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Coordinator) shardCount() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint32(len(c.shards))
}

func (c *Coordinator) shardFor(addr Address) *Shard {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id := shardOfAddress(addr, uint32(len(c.shards)))
	return c.shards[id]
}

// recoverFromCrash scans the WAL at construction: Committed-but-unindexed
// entries are indexed and deleted; Prepared/Committing entries are
// re-queued; everything else is deleted (an incomplete prepare never
// altered state).
func (c *Coordinator) recoverFromCrash() error {
	entries, err := c.wal.scan()
	if err != nil {
		return err
	}
	for _, e := range entries {
		switch e.State {
		case StateCommitted:
			c.processedMu.Lock()
			alreadyIndexed := c.processed[e.IdempotencyKey]
			if !alreadyIndexed {
				c.processed[e.IdempotencyKey] = true
			}
			c.processedMu.Unlock()
			if err := c.wal.remove(e.IdempotencyKey); err != nil {
				return err
			}
			if c.audit != nil {
				c.audit.Warnw("wal recovery: committed entry indexed", "idempotency_key", e.IdempotencyKey)
			}
		case StatePrepared, StateCommitting:
			cst := &CrossShardTransaction{
				ID:             e.ID,
				SourceShard:    e.SourceShard,
				DestShard:      e.DestShard,
				Inner:          e.Inner,
				State:          e.State,
				IdempotencyKey: e.IdempotencyKey,
				RetryCount:     e.RetryCount,
				Rollback:       e.Rollback,
			}
			c.queueMu.Lock()
			c.queue = append(c.queue, cst)
			c.queueMu.Unlock()
			if c.audit != nil {
				c.audit.Warnw("wal recovery: re-queued in-flight entry", "idempotency_key", e.IdempotencyKey, "state", e.State.String())
			}
		default:
			if err := c.wal.remove(e.IdempotencyKey); err != nil {
				return err
			}
		}
	}
	return nil
}

// classifyTransactions partitions txs into same-shard buckets and a list
// of freshly-constructed cross-shard transactions. If cross-shard
// handling is disabled, cross-shard txs are dropped with a warning.
func (c *Coordinator) classifyTransactions(txs []Transaction) (map[ShardID][]Transaction, []*CrossShardTransaction) {
	c.mu.RLock()
	shardCount := uint32(len(c.shards))
	c.mu.RUnlock()

	perShard := make(map[ShardID][]Transaction)
	var crossShard []*CrossShardTransaction
	for _, tx := range txs {
		src := shardOfAddress(tx.From, shardCount)
		dst := shardOfAddress(tx.To, shardCount)
		if src == dst {
			perShard[src] = append(perShard[src], tx)
			continue
		}
		if !c.cfg.CrossShardEnabled {
			if c.logger != nil {
				c.logger.WithFields(log.Fields{"from": tx.From, "to": tx.To}).Warn("cross-shard disabled, dropping transaction")
			}
			continue
		}
		crossShard = append(crossShard, newCrossShardTransaction(tx, src, dst))
	}
	return perShard, crossShard
}

// processSameShard dispatches each shard's partition concurrently with a
// per-task timeout; on timeout or failure the shard is marked unhealthy
// but other shards proceed. Results merge in completion order.
func (c *Coordinator) processSameShard(ctx context.Context, perShard map[ShardID][]Transaction) []Transaction {
	c.mu.RLock()
	shards := c.shards
	c.mu.RUnlock()

	type result struct {
		txs []Transaction
	}
	resultsCh := make(chan result, len(perShard))
	var wg sync.WaitGroup
	for id, txs := range perShard {
		id, txs := id, txs
		wg.Add(1)
		go func() {
			defer wg.Done()
			done := make(chan []Transaction, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						shards[id].MarkUnhealthy()
						done <- nil
					}
				}()
				done <- shards[id].ProcessTransactions(txs)
			}()
			select {
			case processed := <-done:
				resultsCh <- result{txs: processed}
			case <-ctx.Done():
				shards[id].MarkUnhealthy()
				resultsCh <- result{}
			case <-time.After(CrossShardPhaseTimeout):
				shards[id].MarkUnhealthy()
				resultsCh <- result{}
			}
		}()
	}
	wg.Wait()
	close(resultsCh)

	var merged []Transaction
	for r := range resultsCh {
		merged = append(merged, r.txs...)
	}
	return merged
}

// txLockKey serializes concurrent cross-shard attempts for a given
// sender/nonce pair.
func txLockKey(tx Transaction) string {
	return fmt.Sprintf("%s:%d", tx.From.Hex(), tx.Nonce)
}

func (c *Coordinator) acquireTxLock(key string) bool {
	c.txLocksMu.Lock()
	defer c.txLocksMu.Unlock()
	if _, held := c.txLocks[key]; held {
		return false
	}
	c.txLocks[key] = struct{}{}
	return true
}

func (c *Coordinator) releaseTxLock(key string) {
	c.txLocksMu.Lock()
	delete(c.txLocks, key)
	c.txLocksMu.Unlock()
}

// commitCrossShard drives a single cross-shard transaction through the
// full 2PC state machine: idempotency check, prepare, commit, finalize,
// with rollback on any failure. It is safe to call repeatedly for the
// same transaction (idempotent after the first success).
func (c *Coordinator) commitCrossShard(ctx context.Context, cst *CrossShardTransaction) (bool, error) {
	c.processedMu.Lock()
	already := c.processed[cst.IdempotencyKey]
	c.processedMu.Unlock()
	if already {
		return true, nil
	}

	key := txLockKey(cst.Inner)
	if !c.acquireTxLock(key) {
		return false, fmt.Errorf("%w: concurrent cross-shard attempt for %s", ErrTransient, key)
	}
	defer c.releaseTxLock(key)

	cst.State = StatePreparing
	if err := c.wal.write(cst); err != nil {
		return false, err
	}

	c.mu.RLock()
	srcShard := c.shards[cst.SourceShard]
	dstShard := c.shards[cst.DestShard]
	c.mu.RUnlock()

	if !srcShard.Healthy() || !dstShard.Healthy() {
		c.rollback(cst)
		return false, fmt.Errorf("%w: source or destination shard unhealthy", ErrTransient)
	}

	prepareCtx, cancel := context.WithTimeout(ctx, CrossShardPhaseTimeout)
	rollback, err := c.prepare(prepareCtx, srcShard, cst)
	cancel()
	if err != nil {
		c.rollback(cst)
		return false, err
	}
	cst.Rollback = rollback
	cst.State = StatePrepared
	if err := c.wal.write(cst); err != nil {
		c.rollback(cst)
		return false, err
	}

	commitCtx, cancel2 := context.WithTimeout(ctx, CrossShardPhaseTimeout)
	err = c.commit(commitCtx, srcShard, dstShard, cst)
	cancel2()
	if err != nil {
		c.rollback(cst)
		return false, err
	}

	c.processedMu.Lock()
	c.processed[cst.IdempotencyKey] = true
	c.processedMu.Unlock()
	cst.State = StateCommitted
	if err := c.wal.remove(cst.IdempotencyKey); err != nil {
		return false, err
	}
	if c.audit != nil {
		c.audit.Infow("cross-shard commit finalized", "idempotency_key", cst.IdempotencyKey, "from", cst.Inner.From.Hex(), "to", cst.Inner.To.Hex(), "amount", cst.Inner.Amount)
	}
	return true, nil
}

func (c *Coordinator) prepare(ctx context.Context, srcShard *Shard, cst *CrossShardTransaction) (*RollbackData, error) {
	resultCh := make(chan struct {
		rb  *RollbackData
		err error
	}, 1)
	go func() {
		rb, err := srcShard.debitForPrepare(cst.Inner)
		resultCh <- struct {
			rb  *RollbackData
			err error
		}{rb, err}
	}()
	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		root := srcShard.StateRoot()
		cst.SourceProof = &root
		return res.rb, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: prepare phase timed out", ErrTransient)
	}
}

func (c *Coordinator) commit(ctx context.Context, srcShard, dstShard *Shard, cst *CrossShardTransaction) error {
	cst.State = StateCommitting
	if err := c.wal.write(cst); err != nil {
		return err
	}
	done := make(chan struct{}, 1)
	go func() {
		srcShard.commitDebit(cst.Inner.From, cst.Inner.Amount, cst.Inner.Nonce+1)
		dstShard.commitCredit(cst.Inner.To, cst.Inner.Amount)
		done <- struct{}{}
	}()
	select {
	case <-done:
		root := dstShard.StateRoot()
		cst.DestProof = &root
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: commit phase timed out", ErrTransient)
	}
}

// rollback releases the transaction lock and, if rollback data was
// captured, restores sender state and, once the commit phase has been
// entered, reverses the credit it may have applied.
func (c *Coordinator) rollback(cst *CrossShardTransaction) {
	c.releaseTxLock(txLockKey(cst.Inner))

	c.mu.RLock()
	srcShard := c.shards[cst.SourceShard]
	dstShard := c.shards[cst.DestShard]
	c.mu.RUnlock()

	if cst.Rollback != nil {
		srcShard.restoreSender(cst.Rollback.Address, cst.Rollback.OriginalBalance, cst.Rollback.OriginalNonce)
		if bal, ok := dstShard.AccountSnapshot(cst.Inner.To); ok && cst.State == StateCommitting && bal.Balance >= cst.Inner.Amount {
			dstShard.reverseCredit(cst.Inner.To, cst.Inner.Amount)
		}
	}
	cst.State = StateAborted
	_ = c.wal.remove(cst.IdempotencyKey)
	if c.audit != nil {
		c.audit.Warnw("cross-shard transaction rolled back", "idempotency_key", cst.IdempotencyKey)
	}
}

// ProcessCrossShardQueue drains the pending cross-shard queue, attempting
// commit on each; failures re-enqueue up to MaxRetryAttempts, beyond
// which the transaction is dropped. Returns the successfully committed
// inner transactions.
func (c *Coordinator) ProcessCrossShardQueue(ctx context.Context) []Transaction {
	c.queueMu.Lock()
	pending := c.queue
	c.queue = nil
	c.queueMu.Unlock()

	var committed []Transaction
	var retry []*CrossShardTransaction
	for _, cst := range pending {
		ok, err := c.commitCrossShard(ctx, cst)
		if ok {
			committed = append(committed, cst.Inner)
			continue
		}
		if err != nil {
			cst.RetryCount++
			if cst.RetryCount < MaxRetryAttempts {
				retry = append(retry, cst)
			} else if c.logger != nil {
				c.logger.WithFields(log.Fields{"idempotency_key": cst.IdempotencyKey, "err": err}).Error("cross-shard transaction dropped after max retries")
			}
		}
	}
	if len(retry) > 0 {
		c.queueMu.Lock()
		c.queue = append(c.queue, retry...)
		c.queueMu.Unlock()
	}
	return committed
}

// EnqueueCrossShard appends freshly classified cross-shard transactions
// to the pending queue.
func (c *Coordinator) EnqueueCrossShard(txs []*CrossShardTransaction) {
	if len(txs) == 0 {
		return
	}
	c.queueMu.Lock()
	c.queue = append(c.queue, txs...)
	c.queueMu.Unlock()
}

// ProcessBlock runs classification, parallel same-shard execution and
// the cross-shard queue for one block's worth of transactions, returning
// same-shard results followed by cross-shard results.
func (c *Coordinator) ProcessBlock(ctx context.Context, txs []Transaction) []Transaction {
	perShard, crossShard := c.classifyTransactions(txs)
	sameShardResults := c.processSameShard(ctx, perShard)
	c.EnqueueCrossShard(crossShard)
	crossShardResults := c.ProcessCrossShardQueue(ctx)
	return append(sameShardResults, crossShardResults...)
}

// ShardStateRoots returns the current Merkle root of every shard in id
// order, used to aggregate the chain-level state root.
func (c *Coordinator) ShardStateRoots() []Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	roots := make([]Hash, len(c.shards))
	for i, s := range c.shards {
		roots[i] = s.StateRoot()
	}
	return roots
}

// HottestShardLoad returns the highest load fraction (processed/capacity)
// across all shards, used to trigger ExpandShards.
func (c *Coordinator) HottestShardLoad() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	capacity := c.cfg.CapacityPerShard
	if capacity == 0 {
		return 0
	}
	var max float64
	for _, s := range c.shards {
		s.mu.RLock()
		load := float64(s.processed) / float64(capacity)
		s.mu.RUnlock()
		if load > max {
			max = load
		}
	}
	return max
}

// MaybeExpand triggers ExpandShards(cfg.ExpansionIncrement) when the
// hottest shard's load fraction crosses the configured threshold and
// shard count is below max.
func (c *Coordinator) MaybeExpand() error {
	if c.shardCount() >= c.cfg.MaxShards {
		return nil
	}
	if c.HottestShardLoad() < c.cfg.ExpansionThreshold {
		return nil
	}
	return c.ExpandShards(c.cfg.ExpansionIncrement)
}

// ExpandShards grows the shard array by n (capped at MaxShards),
// re-routing every account under the new shard_count formula. Expansion
// is idempotent: calling at max capacity is a successful no-op.
func (c *Coordinator) ExpandShards(n uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := uint32(len(c.shards))
	if current >= c.cfg.MaxShards {
		return nil
	}
	newCount := current + n
	if newCount > c.cfg.MaxShards {
		newCount = c.cfg.MaxShards
	}
	if newCount == current {
		return nil
	}

	allAccounts := make(map[Address]Account)
	for _, s := range c.shards {
		for a, acc := range s.AllAccounts() {
			allAccounts[a] = acc
		}
	}

	newShards := make([]*Shard, newCount)
	for i := uint32(0); i < newCount; i++ {
		s, err := NewShard(ShardID(i), c.logger)
		if err != nil {
			return err
		}
		newShards[i] = s
	}
	buckets := make([]map[Address]Account, newCount)
	for i := range buckets {
		buckets[i] = make(map[Address]Account)
	}
	for addr, acc := range allAccounts {
		id := shardOfAddress(addr, newCount)
		buckets[id][addr] = acc
	}
	for i, s := range newShards {
		s.ReplaceAccounts(buckets[i])
	}

	c.shards = newShards
	c.cfg.ShardCount = newCount
	if c.logger != nil {
		c.logger.WithFields(log.Fields{"from": current, "to": newCount}).Info("shards expanded")
	}
	return nil
}
