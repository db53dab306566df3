package core

import (
	"context"
	"crypto/sha256"
	"time"

	log "github.com/sirupsen/logrus"
)

// BlockTime is the fixed block production cadence: no variable block
// time, blocks are produced on a steady tick.
const BlockTime = 2 * time.Second

// BlockProducer drives block creation on the fixed cadence: drain the
// mempool, dispatch it through the coordinator, and seal the result.
type BlockProducer struct {
	mempool     *Mempool
	coordinator *Coordinator
	consensus   *ConsensusEngine
	chain       *Chain
	broadcaster Broadcaster
	selfAddr    Address
	logger      *log.Logger

	nowFunc func() time.Time
}

// NewBlockProducer constructs a producer wired to the given mempool,
// coordinator, consensus engine, chain and broadcaster.
func NewBlockProducer(mempool *Mempool, coordinator *Coordinator, consensus *ConsensusEngine, chain *Chain, broadcaster Broadcaster, self Address, lg *log.Logger) *BlockProducer {
	return &BlockProducer{
		mempool:     mempool,
		coordinator: coordinator,
		consensus:   consensus,
		chain:       chain,
		broadcaster: broadcaster,
		selfAddr:    self,
		logger:      lg,
		nowFunc:     time.Now,
	}
}

// Start runs the production loop on BlockTime ticks until ctx is
// cancelled, producing a block only on ticks where selfAddr is the
// selected proposer for the next height.
func (p *BlockProducer) Start(ctx context.Context) {
	ticker := time.NewTicker(BlockTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *BlockProducer) tick(ctx context.Context) {
	nextHeight := p.chain.Height() + 1
	proposer, err := p.consensus.SelectProposerForHeight(nextHeight)
	if err != nil {
		if p.logger != nil {
			p.logger.WithField("height", nextHeight).Debug("no proposer available this tick")
		}
		return
	}
	if proposer != p.selfAddr {
		return
	}
	b, err := p.ProduceBlock(ctx)
	if err != nil {
		if p.logger != nil {
			p.logger.WithField("height", nextHeight).WithError(err).Warn("block production failed")
		}
		return
	}
	if p.broadcaster != nil {
		announce := BlockAnnounce{Height: b.Height, Proposer: b.Proposer, Hash: b.Hash, Payload: b}
		_ = p.broadcaster.BroadcastBlockAnnounce(announce)
	}
}

// ProduceBlock drains the mempool, submits it to the coordinator,
// aggregates shard state roots and seals a new block on the chain.
func (p *BlockProducer) ProduceBlock(ctx context.Context) (*Block, error) {
	txs := p.mempool.Drain()
	results := p.coordinator.ProcessBlock(ctx, txs)

	stateRoot := aggregateStateRoot(p.coordinator.ShardStateRoots())

	tip := p.chain.Tip()
	ts := p.nowFunc().Unix()
	if ts <= tip.Timestamp {
		ts = tip.Timestamp + 1
	}

	b := &Block{
		Height:       tip.Height + 1,
		Timestamp:    ts,
		Transactions: results,
		PrevHash:     tip.Hash,
		Proposer:     p.selfAddr,
		StateRoot:    stateRoot,
	}
	b.Hash = b.ComputeHash()

	if err := p.chain.Append(b); err != nil {
		return nil, err
	}
	p.consensus.SetPrevBlockHash(mustHashFromHex(b.Hash))
	return b, nil
}

// aggregateStateRoot computes SHA256(concat(shard_root_i)) as a hex
// string, or the literal "empty" when there are no shard roots.
func aggregateStateRoot(roots []Hash) string {
	if len(roots) == 0 {
		return EmptyChainStateRoot
	}
	buf := make([]byte, 0, len(roots)*32)
	for _, r := range roots {
		buf = append(buf, r[:]...)
	}
	h := sha256.Sum256(buf)
	return encodeHex(h[:])
}

// mustHashFromHex parses a block hash hex string into a Hash, treating
// the special literals ("genesis", "0", "empty") as their SHA-256 digest
// so they still provide well-distributed seed material for the next
// proposer selection.
func mustHashFromHex(s string) Hash {
	if h, err := HashFromHex(s); err == nil {
		return h
	}
	return sha256.Sum256([]byte(s))
}

// ApplyBlock validates and applies a peer-received block: validates
// against the local tip, strips its transactions from the local
// mempool, re-executes them through the coordinator so local state
// matches the sealed state root, and appends it to the chain.
func ApplyBlock(ctx context.Context, chain *Chain, mempool *Mempool, coordinator *Coordinator, consensus *ConsensusEngine, b *Block) error {
	tip := chain.Tip()
	if err := ValidateBlock(tip, b); err != nil {
		return err
	}
	mempool.Remove(b.Transactions)
	coordinator.ProcessBlock(ctx, b.Transactions)
	if err := chain.Append(b); err != nil {
		return err
	}
	consensus.SetPrevBlockHash(mustHashFromHex(b.Hash))
	return nil
}
