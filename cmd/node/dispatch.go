package main

import (
	"encoding/hex"
	"encoding/json"

	"github.com/opgraph/syncnode/internal/hashobj"
	"github.com/opgraph/syncnode/internal/logger"
	"github.com/opgraph/syncnode/internal/peergroup"
	"github.com/opgraph/syncnode/internal/syncerr"
)

// wireKind peeks at a message's "kind" field without committing to either
// agent's private wireMessage type, so a single transport can carry both
// gossip and terminal-ops sync traffic.
type wireKind struct {
	Kind string `json:"kind"`
}

func peekKind(data []byte) string {
	var k wireKind
	_ = json.Unmarshal(data, &k)
	return k.Kind
}

const (
	kindRequestState = "request-state"
	kindRequestObjs  = "request-objs"
)

// setupMessageHandlers wires one-way transport messages to the gossip agent
// — the only agent that communicates by fire-and-forget push.
func (n *Node) setupMessageHandlers() {
	n.transport.OnMessage(func(peer *peergroup.Peer, data []byte) {
		if err := n.gossipAgent.HandleMessage(data); err != nil {
			logger.Debug("gossip: dropped message", "peer", peer.Address(), "error", err)
		}
	})
}

// setupRequestHandlers wires bidirectional request/response transport
// traffic to the terminal-ops sync agent — request-state and request-objs
// are the only two message kinds a peer expects an answer to.
func (n *Node) setupRequestHandlers() {
	n.transport.OnRequest(func(peer *peergroup.Peer, data []byte) ([]byte, error) {
		peerID := peerIDFor(peer)
		switch peekKind(data) {
		case kindRequestState:
			return n.syncAgent.HandleRequestState(data)
		case kindRequestObjs:
			return n.syncAgent.HandleRequestObjs(peerID, data)
		default:
			return nil, syncerr.New(syncerr.KindWrongTargetMessage, "unknown request kind %q", peekKind(data))
		}
	})
}

func peerIDFor(peer *peergroup.Peer) string {
	return hex.EncodeToString(peer.PublicKey())
}

func parseHashHex(s string) (hashobj.Hash, error) {
	var h hashobj.Hash
	if err := h.UnmarshalJSON([]byte(`"` + s + `"`)); err != nil {
		return hashobj.Hash{}, err
	}
	return h, nil
}
