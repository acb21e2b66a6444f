package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"

	"github.com/opgraph/syncnode/internal/api"
	"github.com/opgraph/syncnode/internal/gossip"
	"github.com/opgraph/syncnode/internal/hashobj"
	"github.com/opgraph/syncnode/internal/pod"
	"github.com/opgraph/syncnode/internal/peergroup"
	"github.com/opgraph/syncnode/internal/storage"
	"github.com/opgraph/syncnode/internal/store"
	"github.com/opgraph/syncnode/internal/termsync"
	"github.com/opgraph/syncnode/internal/undo"
)

// Node is a running sync node: one peer group membership, one object store,
// and the three agents (gossip, terminal-ops sync, undo) that operate on it.
type Node struct {
	cfg *Config

	storage   *storage.DB
	store     *store.Store
	pod       *pod.Pod
	transport *peergroup.Transport

	gossipAgent *gossip.Agent
	syncAgent   *termsync.Agent
	undoEngine  *undo.Engine

	api *api.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	if err := n.initStorage(); err != nil {
		return nil, err
	}
	n.store = store.New(n.storage)

	n.pod = pod.New()

	if err := n.initTransport(); err != nil {
		return nil, err
	}

	n.initGossip()
	n.initSync()
	n.initUndo()
	n.setupMessageHandlers()
	n.setupRequestHandlers()

	n.api = api.New(cfg.HTTPAddress, n, n.undoEngine, n)

	return n, nil
}

// initStorage initializes the Pebble storage.
func (n *Node) initStorage() error {
	dbPath := n.cfg.DataPath + "/db"

	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(dbPath)
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db
	return nil
}

// initTransport initializes the QUIC peer-group transport.
func (n *Node) initTransport() error {
	tr, err := peergroup.New(peergroup.Config{
		PrivateKey: n.cfg.PrivateKey,
		ListenAddr: n.cfg.QUICAddress,
		GroupID:    n.cfg.GroupID,
		Pod:        n.pod,
	})
	if err != nil {
		return fmt.Errorf("init transport:\n%w", err)
	}

	n.transport = tr
	return nil
}

// initGossip initializes the state gossip agent. onStateHash resolves the
// authoritative terminal-ops state hash for a mutable object; onMismatch
// kicks off a terminal-ops sync round with a connected peer.
func (n *Node) initGossip() {
	n.gossipAgent = gossip.New(gossip.Config{
		MaxPeers:       64,
		GossipFraction: 0.3,
		MinGossipPeers: 3,
	}, n.resolveStateHash, n.onGossipMismatch)
	n.gossipAgent.SetStateObjectResolver(n.resolveStateObject)
}

// initSync initializes the terminal-ops sync agent. onOpAccepted keeps the
// gossip agent's local view of a mutable object's state hash current the
// moment an op lands, rather than waiting for the next housekeeping tick.
func (n *Node) initSync() {
	n.syncAgent = termsync.New(n.store, n.groupSecretFor, n.onOpAccepted)
}

// initUndo initializes the undo engine. sign authors this node's undo ops
// with its own Ed25519 key, the same identity the peer group's TLS certs use.
func (n *Node) initUndo() {
	pub := n.cfg.PrivateKey.Public().(ed25519.PublicKey)
	var author hashobj.Hash
	copy(author[:], pub)
	n.undoEngine = undo.New(n.store, author, n.signOp)
}

// signOp signs an undo op's canonical body with this node's Ed25519 key.
func (n *Node) signOp(body []byte) []byte {
	return ed25519.Sign(n.cfg.PrivateKey, body)
}

// resolveStateHash returns this node's authoritative view of a mutable
// object's terminal-ops state hash, keyed by its hex-encoded hash.
func (n *Node) resolveStateHash(agentID string) (hashobj.Hash, bool) {
	mutableHash, err := parseHashHex(agentID)
	if err != nil {
		return hashobj.Hash{}, false
	}
	state, err := n.store.LoadTerminalOpsForMutable(mutableHash)
	if err != nil {
		return hashobj.Hash{}, false
	}
	h, err := state.StateHash()
	if err != nil {
		return hashobj.Hash{}, false
	}
	return h, true
}

// resolveStateObject literalizes this node's authoritative terminal-ops
// state for a mutable object, for gossip to embed in outgoing
// send-state-object messages alongside the hash (spec.md §6's pinned format).
func (n *Node) resolveStateObject(agentID string) (*hashobj.Literal, bool) {
	mutableHash, err := parseHashHex(agentID)
	if err != nil {
		return nil, false
	}
	state, err := n.store.LoadTerminalOpsForMutable(mutableHash)
	if err != nil {
		return nil, false
	}
	lit, err := hashobj.LiteralizeState(state)
	if err != nil {
		return nil, false
	}
	return lit, true
}

// onOpAccepted updates the gossip agent's local state the moment an op is
// durably saved, whether it arrived locally or via sync, and opts the
// mutable object into gossip tracking if this is the first op we've seen
// for it.
func (n *Node) onOpAccepted(mutableHash, _ hashobj.Hash) {
	n.gossipAgent.Track(mutableHash.String())

	h, ok := n.resolveStateHash(mutableHash.String())
	if !ok {
		return
	}
	n.gossipAgent.UpdateLocal(mutableHash.String(), h)
}

// groupSecretFor resolves the shared ownership-proof secret for a peer
// group. This node serves exactly one group, so the peer ID argument is
// unused beyond matching the termsync.GroupSecret signature.
func (n *Node) groupSecretFor(string) []byte {
	return n.cfg.groupSecret()
}
