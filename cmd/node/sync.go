package main

import (
	"context"
	"fmt"
	"time"

	"github.com/opgraph/syncnode/internal/hashobj"
	"github.com/opgraph/syncnode/internal/logger"
	"github.com/opgraph/syncnode/internal/peergroup"
)

const syncRequestTimeout = 10 * time.Second

// onGossipMismatch fires when gossip reveals that a peer's view of a
// mutable object's state hash disagrees with ours. It picks any connected
// peer and runs one terminal-ops sync round against it — the peer that
// actually disagreed isn't tracked per-object, so any peer able to answer
// request-state for that object will do. Runs synchronously and returns its
// error so the gossip agent's newStateErrorRetries loop can decide whether
// to try again.
func (n *Node) onGossipMismatch(agentID string, _ hashobj.Hash) error {
	mutableHash, err := parseHashHex(agentID)
	if err != nil {
		logger.Debug("gossip: mismatch on unparseable agent id", "agentId", agentID, "error", err)
		return nil
	}

	peers := n.transport.Peers()
	if len(peers) == 0 {
		return fmt.Errorf("gossip: no connected peers to sync %s against", mutableHash)
	}

	if err := n.syncMutableWithPeer(peers[0], mutableHash); err != nil {
		logger.Debug("sync round failed", "mutableObj", mutableHash, "peer", peers[0].Address(), "error", err)
		return err
	}
	return nil
}

// maxFollowUpRounds bounds how many extra request-objs/send-objs legs
// syncMutableWithPeer will chase for dependencies that didn't complete in
// the first batch, so a peer that keeps answering with incomplete data
// can't wedge the sync loop forever; housekeeping's incompleteOpTTL sweep
// is the backstop if this cap is hit.
const maxFollowUpRounds = 4

// syncMutableWithPeer runs one round of the terminal-ops sync protocol
// (spec.md §4.5) against a single peer for one mutable object: request its
// terminal-ops state, request the ops we're missing (validated against R1
// on the peer's side), then persist whatever comes back. If the first batch
// leaves a dependency still missing, HandleSendObjs hands back a follow-up
// request-objs; keep exchanging with the same peer until nothing's left.
func (n *Node) syncMutableWithPeer(peer *peergroup.Peer, mutableHash hashobj.Hash) error {
	ctx, cancel := context.WithTimeout(n.ctx, syncRequestTimeout)
	defer cancel()

	reqState, err := n.syncAgent.BuildRequestState(mutableHash)
	if err != nil {
		return err
	}

	respState, err := peer.Request(ctx, reqState)
	if err != nil {
		return err
	}

	peerID := peerIDFor(peer)
	reqObjs, err := n.syncAgent.ReceiveState(peerID, respState)
	if err != nil {
		return err
	}

	for round := 0; reqObjs != nil && round < maxFollowUpRounds; round++ {
		respObjs, err := peer.Request(ctx, reqObjs)
		if err != nil {
			return err
		}

		reqObjs, err = n.syncAgent.HandleSendObjs(peerID, respObjs)
		if err != nil {
			return err
		}
	}

	return nil
}

// PublishLocalOp registers a locally-authored op as available to offer to
// every currently connected peer, and updates this node's own gossip view
// immediately rather than waiting for the sync agent's onOpAccepted path
// (which only fires for ops that flow through Store.Save from this call).
func (n *Node) PublishLocalOp(mutableHash, opHash hashobj.Hash) {
	n.gossipAgent.Track(mutableHash.String())
	if h, ok := n.resolveStateHash(mutableHash.String()); ok {
		n.gossipAgent.UpdateLocal(mutableHash.String(), h)
	}

	peerIDs := make([]string, 0)
	for _, p := range n.transport.Peers() {
		peerIDs = append(peerIDs, peerIDFor(p))
	}
	n.syncAgent.PublishOp(mutableHash, opHash, peerIDs)
}
