package core

import (
	"context"
	"encoding/json"
	"fmt"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	log "github.com/sirupsen/logrus"
)

// Topic names for the five gossip message envelopes.
const (
	TopicSyncRequest      = "sultan/sync-request/v1"
	TopicSyncResponse     = "sultan/sync-response/v1"
	TopicBlockAnnounce    = "sultan/block-announce/v1"
	TopicVoteAnnounce     = "sultan/vote-announce/v1"
	TopicValidatorAnnounce = "sultan/validator-announce/v1"
)

// MaxBlocksPerSyncResponse bounds the block count in a single SyncResponse.
const MaxBlocksPerSyncResponse = 100

// SyncRequest asks a peer for blocks in [FromHeight, ToHeight].
type SyncRequest struct {
	FromHeight uint64 `json:"from_height"`
	ToHeight   uint64 `json:"to_height"`
}

// SyncResponse carries up to MaxBlocksPerSyncResponse blocks.
type SyncResponse struct {
	Blocks []*Block `json:"blocks"`
}

// BlockAnnounce advertises a newly produced or received block.
type BlockAnnounce struct {
	Height   uint64  `json:"height"`
	Proposer Address `json:"proposer"`
	Hash     string  `json:"hash"`
	Payload  *Block  `json:"payload"`
}

// VoteAnnounce advertises a validator's vote for a block at a height.
type VoteAnnounce struct {
	Height    uint64  `json:"height"`
	Voter     Address `json:"voter"`
	Approve   bool    `json:"approve"`
	Signature []byte  `json:"signature,omitempty"`
	PublicKey []byte  `json:"pubkey,omitempty"`
}

// ValidatorAnnounce advertises a validator's address and stake, used to
// propagate validator-set membership changes.
type ValidatorAnnounce struct {
	Address Address `json:"address"`
	Stake   uint64  `json:"stake"`
}

// Broadcaster publishes the network envelopes over the gossip mesh. It
// is the adapter seam the block producer, consensus engine and sync
// loop depend on, so tests can substitute an in-memory stub.
type Broadcaster interface {
	BroadcastSyncRequest(SyncRequest) error
	BroadcastSyncResponse(SyncResponse) error
	BroadcastBlockAnnounce(BlockAnnounce) error
	BroadcastVoteAnnounce(VoteAnnounce) error
	BroadcastValidatorAnnounce(ValidatorAnnounce) error
}

// Node wraps a libp2p host and gossipsub router, trimmed of NAT
// traversal and mDNS discovery (orthogonal here) and scoped to the five
// envelopes above.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub
	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription
	logger *log.Logger
}

// NodeConfig configures the listening address and bootstrap peers.
type NodeConfig struct {
	ListenAddr     string
	BootstrapPeers []string
}

// NewNode constructs a libp2p host with a gossipsub router subscribed to
// all five spec envelopes, dialing any configured bootstrap peers.
func NewNode(ctx context.Context, cfg NodeConfig, lg *log.Logger) (*Node, error) {
	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		return nil, fmt.Errorf("%w: create libp2p host: %v", ErrTransient, err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("%w: create gossipsub router: %v", ErrTransient, err)
	}
	n := &Node{
		host:   h,
		pubsub: ps,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
		logger: lg,
	}
	for _, topic := range []string{TopicSyncRequest, TopicSyncResponse, TopicBlockAnnounce, TopicVoteAnnounce, TopicValidatorAnnounce} {
		if err := n.joinTopic(topic); err != nil {
			return nil, err
		}
	}
	for _, addr := range cfg.BootstrapPeers {
		n.dialSeed(ctx, addr)
	}
	return n, nil
}

func (n *Node) joinTopic(name string) error {
	t, err := n.pubsub.Join(name)
	if err != nil {
		return fmt.Errorf("%w: join topic %s: %v", ErrTransient, name, err)
	}
	sub, err := t.Subscribe()
	if err != nil {
		return fmt.Errorf("%w: subscribe topic %s: %v", ErrTransient, name, err)
	}
	n.topics[name] = t
	n.subs[name] = sub
	return nil
}

func (n *Node) dialSeed(ctx context.Context, addr string) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		if n.logger != nil {
			n.logger.WithField("addr", addr).WithError(err).Warn("invalid bootstrap peer address")
		}
		return
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		if n.logger != nil {
			n.logger.WithField("addr", addr).WithError(err).Warn("invalid bootstrap peer info")
		}
		return
	}
	if err := n.host.Connect(ctx, *info); err != nil && n.logger != nil {
		n.logger.WithField("peer", info.ID).WithError(err).Warn("failed to dial bootstrap peer")
	}
}

func (n *Node) publish(ctx context.Context, topic string, v interface{}) error {
	t, ok := n.topics[topic]
	if !ok {
		return fmt.Errorf("%w: topic %s not joined", ErrTransient, topic)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: marshal envelope: %v", ErrValidation, err)
	}
	if err := t.Publish(ctx, raw); err != nil {
		return fmt.Errorf("%w: publish to %s: %v", ErrTransient, topic, err)
	}
	return nil
}

func (n *Node) BroadcastSyncRequest(v SyncRequest) error {
	return n.publish(context.Background(), TopicSyncRequest, v)
}

func (n *Node) BroadcastSyncResponse(v SyncResponse) error {
	if len(v.Blocks) > MaxBlocksPerSyncResponse {
		v.Blocks = v.Blocks[:MaxBlocksPerSyncResponse]
	}
	return n.publish(context.Background(), TopicSyncResponse, v)
}

func (n *Node) BroadcastBlockAnnounce(v BlockAnnounce) error {
	return n.publish(context.Background(), TopicBlockAnnounce, v)
}

func (n *Node) BroadcastVoteAnnounce(v VoteAnnounce) error {
	return n.publish(context.Background(), TopicVoteAnnounce, v)
}

func (n *Node) BroadcastValidatorAnnounce(v ValidatorAnnounce) error {
	return n.publish(context.Background(), TopicValidatorAnnounce, v)
}

// Subscription returns the raw gossipsub subscription for a topic, used
// by the sync loop to read incoming messages.
func (n *Node) Subscription(topic string) (*pubsub.Subscription, bool) {
	s, ok := n.subs[topic]
	return s, ok
}

// Close tears down the host and all topic handles.
func (n *Node) Close() error {
	for _, t := range n.topics {
		_ = t.Close()
	}
	return n.host.Close()
}

// Peers returns the set of currently connected peer ids.
func (n *Node) Peers() []peer.ID {
	return n.host.Network().Peers()
}
