package core

import (
	"fmt"
	"sync"
)

// Chain is the local linear sequence of sealed blocks.
type Chain struct {
	mu     sync.RWMutex
	blocks []*Block
}

// NewChain returns a chain seeded with the genesis block.
func NewChain() *Chain {
	return &Chain{blocks: []*Block{Genesis()}}
}

// Tip returns the current chain head.
func (c *Chain) Tip() *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[len(c.blocks)-1]
}

// Height returns the current chain height (tip index).
func (c *Chain) Height() uint64 {
	return c.Tip().Height
}

// BlockAt returns the block at the given height, if present.
func (c *Chain) BlockAt(height uint64) (*Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if height >= uint64(len(c.blocks)) {
		return nil, false
	}
	return c.blocks[height], true
}

// Append validates chain length under a brief write lock (races
// tolerated idempotently — a concurrent append to the same height is
// rejected, not retried here) and appends the block.
func (c *Chain) Append(b *Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	expected := uint64(len(c.blocks))
	if b.Height != expected {
		return fmt.Errorf("%w: expected height %d, got %d", ErrValidation, expected, b.Height)
	}
	c.blocks = append(c.blocks, b)
	return nil
}

// ValidateBlock checks a candidate block against the local tip:
// height/prev_hash linkage, strict timestamp monotonicity, recomputed
// hash match (except the literal genesis), and per-transaction
// gas_fee/signature validity.
func ValidateBlock(tip, b *Block) error {
	if tip.Height == 0 && tip.Hash == GenesisHashLiteral && b.Height == 0 {
		if b.Hash != GenesisHashLiteral {
			return fmt.Errorf("%w: genesis hash must be the literal", ErrCorruption)
		}
		return nil
	}
	if err := ValidateChaining(tip, b); err != nil {
		return err
	}
	if b.ComputeHash() != b.Hash {
		return fmt.Errorf("%w: block hash does not match recomputed hash", ErrCorruption)
	}
	for i := range b.Transactions {
		tx := &b.Transactions[i]
		if tx.GasFee != 0 {
			return fmt.Errorf("%w: transaction gas_fee must be zero", ErrValidation)
		}
		if !verifyTransactionSignature(tx) {
			return fmt.Errorf("%w: transaction signature invalid", ErrAuthentication)
		}
	}
	return nil
}

// SyncState describes the node's position relative to its peer set.
type SyncState int

const (
	SyncStateSynced SyncState = iota
	SyncStateSyncing
	SyncStateAhead
)

func (s SyncState) String() string {
	switch s {
	case SyncStateSynced:
		return "synced"
	case SyncStateSyncing:
		return "syncing"
	case SyncStateAhead:
		return "ahead"
	default:
		return "unknown"
	}
}

// SyncTracker updates the node's SyncState as peer heights are learned.
type SyncTracker struct {
	mu            sync.Mutex
	localHeight   func() uint64
	state         SyncState
	targetHeight  uint64
	maxPeerHeight uint64
}

// NewSyncTracker constructs a tracker reading local height via the given
// accessor (typically Chain.Height).
func NewSyncTracker(localHeight func() uint64) *SyncTracker {
	return &SyncTracker{localHeight: localHeight, state: SyncStateSynced}
}

// ObservePeerHeight updates sync state given a newly learned peer height.
func (t *SyncTracker) ObservePeerHeight(peerHeight uint64) SyncState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if peerHeight > t.maxPeerHeight {
		t.maxPeerHeight = peerHeight
	}
	local := t.localHeight()
	switch {
	case t.maxPeerHeight > local+1:
		t.state = SyncStateSyncing
		t.targetHeight = t.maxPeerHeight
	case local > t.maxPeerHeight+1:
		t.state = SyncStateAhead
	default:
		t.state = SyncStateSynced
	}
	return t.state
}

// State returns the current sync state.
func (t *SyncTracker) State() SyncState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// TargetHeight returns the last learned sync target (valid when
// State() == SyncStateSyncing).
func (t *SyncTracker) TargetHeight() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.targetHeight
}

// pendingVote records a single vote against a pending block.
type pendingVote struct {
	Voter     Address
	Approve   bool
	Signature []byte
}

// PendingBlock tracks a proposed-but-not-yet-finalized block awaiting
// quorum votes.
type PendingBlock struct {
	Block        *Block
	Votes        map[Address]pendingVote
	InsertedAt   uint64 // height at insertion time, for expiry bookkeeping
}

// PendingBlockTracker is the bounded map of blocks awaiting quorum, keyed
// by height.
type PendingBlockTracker struct {
	mu           sync.Mutex
	pending      map[uint64]*PendingBlock
	maxSize      int
	maxForkDepth uint64
}

// NewPendingBlockTracker constructs a tracker bounded at maxSize entries,
// accepting insertions within maxForkDepth of the current height.
func NewPendingBlockTracker(maxSize int, maxForkDepth uint64) *PendingBlockTracker {
	return &PendingBlockTracker{pending: make(map[uint64]*PendingBlock), maxSize: maxSize, maxForkDepth: maxForkDepth}
}

// Insert adds a proposed block, enforcing the size bound, fork-depth
// window, and (when verifyValidator is non-nil) that the proposer is a
// registered validator.
func (t *PendingBlockTracker) Insert(b *Block, currentHeight uint64, verifyValidator func(Address) bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if b.Height > currentHeight+t.maxForkDepth || (currentHeight > 0 && b.Height+t.maxForkDepth < currentHeight) {
		return fmt.Errorf("%w: block height %d outside fork-depth window", ErrValidation, b.Height)
	}
	if verifyValidator != nil && !verifyValidator(b.Proposer) {
		return fmt.Errorf("%w: proposer %s is not a registered validator", ErrConsensus, b.Proposer.Hex())
	}
	if _, exists := t.pending[b.Height]; !exists && t.maxSize > 0 && len(t.pending) >= t.maxSize {
		return fmt.Errorf("%w: too many pending blocks", ErrResource)
	}
	t.pending[b.Height] = &PendingBlock{Block: b, Votes: make(map[Address]pendingVote), InsertedAt: currentHeight}
	return nil
}

// Vote records a vote against the pending block at height. Duplicate
// votes from the same voter and votes on an unknown (expired or absent)
// entry are rejected.
func (t *PendingBlockTracker) Vote(height uint64, voter Address, approve bool, sig []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	pb, ok := t.pending[height]
	if !ok {
		return fmt.Errorf("%w: no pending block at height %d", ErrConsensus, height)
	}
	if _, already := pb.Votes[voter]; already {
		return fmt.Errorf("%w: duplicate vote from %s at height %d", ErrConsensus, voter.Hex(), height)
	}
	pb.Votes[voter] = pendingVote{Voter: voter, Approve: approve, Signature: sig}
	return nil
}

// Finalize verifies the stored block hash still matches the recomputed
// hash and returns the block, removing it from the pending map.
func (t *PendingBlockTracker) Finalize(height uint64) (*Block, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pb, ok := t.pending[height]
	if !ok {
		return nil, fmt.Errorf("%w: no pending block at height %d", ErrConsensus, height)
	}
	recomputed := pb.Block.Hash
	if pb.Block.Height != 0 || pb.Block.Hash != GenesisHashLiteral {
		recomputed = pb.Block.ComputeHash()
	}
	if recomputed != pb.Block.Hash {
		return nil, fmt.Errorf("%w: stored block hash no longer matches recomputed hash", ErrCorruption)
	}
	delete(t.pending, height)
	return pb.Block, nil
}

// Get returns the pending block at height without removing it.
func (t *PendingBlockTracker) Get(height uint64) (*PendingBlock, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pb, ok := t.pending[height]
	return pb, ok
}
