package core

import (
	"context"
	"encoding/json"

	log "github.com/sirupsen/logrus"
)

// GossipListener dispatches incoming envelopes from a Node's
// subscriptions into the consensus engine, pending-block tracker and
// sync tracker: the inbound half of the Broadcaster seam.
type GossipListener struct {
	node      *Node
	consensus *ConsensusEngine
	pending   *PendingBlockTracker
	sync      *SyncTracker
	logger    *log.Logger
}

// NewGossipListener constructs a listener wired to the given node and
// consensus state.
func NewGossipListener(n *Node, consensus *ConsensusEngine, pending *PendingBlockTracker, sync *SyncTracker, lg *log.Logger) *GossipListener {
	return &GossipListener{node: n, consensus: consensus, pending: pending, sync: sync, logger: lg}
}

// Start launches one goroutine each for the block, vote and validator
// announce topics, reading messages until ctx is cancelled. The sync
// request/response topics are not read here.
func (g *GossipListener) Start(ctx context.Context) {
	go g.readTopic(ctx, TopicBlockAnnounce, g.handleBlockAnnounce)
	go g.readTopic(ctx, TopicVoteAnnounce, g.handleVoteAnnounce)
	go g.readTopic(ctx, TopicValidatorAnnounce, g.handleValidatorAnnounce)
}

func (g *GossipListener) readTopic(ctx context.Context, topic string, handle func([]byte)) {
	sub, ok := g.node.Subscription(topic)
	if !ok {
		return
	}
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return // context cancelled or subscription closed
		}
		handle(msg.Data)
	}
}

func (g *GossipListener) handleBlockAnnounce(data []byte) {
	var ann BlockAnnounce
	if err := json.Unmarshal(data, &ann); err != nil {
		if g.logger != nil {
			g.logger.WithError(err).Warn("malformed block announce")
		}
		return
	}
	if ann.Payload == nil {
		return
	}
	if err := g.pending.Insert(ann.Payload, ann.Payload.Height-1, g.consensus.IsValidator); err != nil && g.logger != nil {
		g.logger.WithError(err).Debug("pending block insert rejected")
	}
	g.sync.ObservePeerHeight(ann.Height)
}

func (g *GossipListener) handleVoteAnnounce(data []byte) {
	var ann VoteAnnounce
	if err := json.Unmarshal(data, &ann); err != nil {
		if g.logger != nil {
			g.logger.WithError(err).Warn("malformed vote announce")
		}
		return
	}
	if err := g.pending.Vote(ann.Height, ann.Voter, ann.Approve, ann.Signature); err != nil && g.logger != nil {
		g.logger.WithError(err).Debug("pending vote rejected")
	}
}

func (g *GossipListener) handleValidatorAnnounce(data []byte) {
	var ann ValidatorAnnounce
	if err := json.Unmarshal(data, &ann); err != nil {
		if g.logger != nil {
			g.logger.WithError(err).Warn("malformed validator announce")
		}
		return
	}
	if g.consensus.IsValidator(ann.Address) {
		_ = g.consensus.UpdateStake(ann.Address, ann.Stake)
	}
}
