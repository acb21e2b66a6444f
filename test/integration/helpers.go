// Package integration exercises store, termsync, gossip, and undo wired
// together the way cmd/node assembles them, without a real QUIC transport:
// sync rounds are driven by calling each side's agent methods directly, the
// same way internal/termsync's own tests simulate a peer round trip.
package integration

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"os"
	"testing"

	"github.com/opgraph/syncnode/internal/gossip"
	"github.com/opgraph/syncnode/internal/hashobj"
	"github.com/opgraph/syncnode/internal/storage"
	"github.com/opgraph/syncnode/internal/store"
	"github.com/opgraph/syncnode/internal/termsync"
	"github.com/opgraph/syncnode/internal/undo"
)

// Test domain classes. "root" never carries a target, so it's never a
// mutation op and needs no registration; "undo" is registered by
// internal/undo's own init.
func init() {
	for _, class := range []string{"set", "grant", "enable"} {
		hashobj.RegisterClass(class, nil)
	}
}

// simNode bundles one node's store, identity, and agents, standing in for
// what cmd/node.Node wires up over a real transport.
type simNode struct {
	id     string
	priv   ed25519.PrivateKey
	store  *store.Store
	sync   *termsync.Agent
	gossip *gossip.Agent
	undo   *undo.Engine

	accepted []hashobj.Hash
}

func newSimNode(t *testing.T, id string, groupSecret []byte) *simNode {
	t.Helper()

	dir, err := os.MkdirTemp("", "syncnode_integration_*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := storage.New(dir)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st := store.New(db)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	n := &simNode{id: id, priv: priv, store: st}

	n.sync = termsync.New(st, func(string) []byte { return groupSecret }, func(mutableHash, opHash hashobj.Hash) {
		n.accepted = append(n.accepted, opHash)
		if h, ok := n.resolveStateHash(mutableHash.String()); ok {
			n.gossip.UpdateLocal(mutableHash.String(), h)
		}
	})

	n.gossip = gossip.New(gossip.Config{MaxPeers: 8, GossipFraction: 1, MinGossipPeers: 1}, n.resolveStateHash, nil)
	n.gossip.SetStateObjectResolver(n.resolveStateObject)

	var author hashobj.Hash
	copy(author[:], pub)
	n.undo = undo.New(st, author, func(body []byte) []byte { return ed25519.Sign(priv, body) })

	return n
}

func (n *simNode) resolveStateHash(agentID string) (hashobj.Hash, bool) {
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

func (n *simNode) resolveStateObject(agentID string) (*hashobj.Literal, bool) {
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

func parseHashHex(s string) (hashobj.Hash, error) {
	var h hashobj.Hash
	err := h.UnmarshalJSON([]byte(`"` + s + `"`))
	return h, err
}

// author returns the node's public key as a hashobj.Hash, matching the form
// a MutationOp's Author field expects.
func (n *simNode) author() hashobj.Hash {
	var h hashobj.Hash
	copy(h[:], n.priv.Public().(ed25519.PublicKey))
	return h
}

// buildOp signs and canonicalizes a new mutation op authored by n, the same
// two-pass literalize-then-sign sequence internal/undo.Engine and
// client.BuildOp both use.
func buildOp(t *testing.T, n *simNode, class string, target hashobj.Hash, prevOps, causalOps hashobj.HashSet, reversible bool, payload string) *hashobj.Literal {
	t.Helper()

	op := &hashobj.MutationOp{
		Class:      class,
		Target:     target,
		PrevOps:    prevOps,
		CausalOps:  causalOps,
		Author:     n.author(),
		Reversible: reversible,
		Payload:    json.RawMessage(payload),
	}

	presig, err := hashobj.LiteralizeOp(op)
	if err != nil {
		t.Fatalf("literalize op: %v", err)
	}
	op.Signature = ed25519.Sign(n.priv, presig.Value)

	lit, err := hashobj.LiteralizeOp(op)
	if err != nil {
		t.Fatalf("literalize signed op: %v", err)
	}
	return lit
}

// literal builds a plain, unsigned root literal (e.g. a mutable object's
// initial value) — the target every op in a test chains off of.
func literal(t *testing.T, value string) *hashobj.Literal {
	t.Helper()
	op := &hashobj.MutationOp{
		Class:     "root",
		Payload:   json.RawMessage(`{"v":"` + value + `"}`),
		Author:    hashobj.Hash{0xAA},
		Signature: []byte("root-sig"),
	}
	lit, err := hashobj.LiteralizeOp(op)
	if err != nil {
		t.Fatalf("literalize root: %v", err)
	}
	return lit
}

// maxSyncRoundFollowUps bounds how many extra request-objs/send-objs legs a
// single syncRound will chase, mirroring cmd/node/sync.go's
// maxFollowUpRounds cap on the same follow-up loop.
const maxSyncRoundFollowUps = 4

// syncRound drives one full terminal-ops sync round for mutableHash with
// "from" as the peer holding the more current state and "to" as the side
// catching up, mirroring cmd/node/sync.go's syncMutableWithPeer without a
// real transport in between. If the first batch leaves a dependency still
// missing, it keeps exchanging request-objs/send-objs with "from" until
// HandleSendObjs reports nothing left to fetch.
func syncRound(t *testing.T, to, from *simNode, mutableHash hashobj.Hash) {
	t.Helper()

	reqState, err := to.sync.BuildRequestState(mutableHash)
	if err != nil {
		t.Fatalf("BuildRequestState: %v", err)
	}

	sendState, err := from.sync.HandleRequestState(reqState)
	if err != nil {
		t.Fatalf("HandleRequestState: %v", err)
	}

	reqObjs, err := to.sync.ReceiveState(from.id, sendState)
	if err != nil {
		t.Fatalf("ReceiveState: %v", err)
	}

	for round := 0; reqObjs != nil; round++ {
		if round >= maxSyncRoundFollowUps {
			t.Fatalf("syncRound: exceeded %d follow-up rounds without completing", maxSyncRoundFollowUps)
		}

		sendObjs, err := from.sync.HandleRequestObjs(to.id, reqObjs)
		if err != nil {
			t.Fatalf("HandleRequestObjs: %v", err)
		}

		reqObjs, err = to.sync.HandleSendObjs(from.id, sendObjs)
		if err != nil {
			t.Fatalf("HandleSendObjs: %v", err)
		}
	}
}
