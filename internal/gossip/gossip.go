// Package gossip implements the state gossip agent (spec.md §4.4): it
// diffuses a map of agent-id -> state-hash across a peer group with
// randomized fanout, and reports a tracked agent whose state disagrees with
// a peer's claim so the caller can run a sync round. A peer claim matching a
// state this node has already superseded is ignored; nothing is sent back to
// that peer.
package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/opgraph/syncnode/internal/hashobj"
	"github.com/opgraph/syncnode/internal/logger"
	"github.com/opgraph/syncnode/internal/metrics"
	"github.com/opgraph/syncnode/internal/syncerr"
)

// messageKind identifies one of the four gossip wire messages.
type messageKind string

const (
	kindSendFullState     messageKind = "send-full-state"
	kindSendStateObject   messageKind = "send-state-object"
	kindRequestFullState  messageKind = "request-full-state"
	kindRequestStateObj   messageKind = "request-state-object"
	compressionThreshold              = 4096 // bytes; below this, send uncompressed
)

// wireMessage is the envelope every gossip message is sent as.
type wireMessage struct {
	Kind       messageKind             `json:"kind"`
	AgentID    string                  `json:"agentId,omitempty"`
	StateHash  hashobj.Hash            `json:"stateHash,omitempty"`
	State      *hashobj.Literal        `json:"state,omitempty"` // the literal terminal-ops state object, spec.md §6
	Timestamp  int64                   `json:"timestamp,omitempty"`
	FullState  map[string]hashobj.Hash `json:"fullState,omitempty"`
	Compressed bool                    `json:"compressed,omitempty"`
	Payload    json.RawMessage         `json:"payload,omitempty"`
}

// Transport is the subset of internal/peergroup.Transport the gossip agent
// needs; it only ever sends and never requires a response.
type Transport interface {
	Gossip(data []byte, fanout int) error
	PeerCount() int
}

// Config tunes the gossip agent's fanout behavior and its error handling
// around a rejected remote state.
type Config struct {
	MaxPeers        int     // the peer group's current size ceiling
	GossipFraction  float64 // fraction of peers to gossip to per round
	MinGossipPeers  int     // floor on the number of peers gossiped to
	PrevStatesCache int     // size of the stale-state detection LRU; 0 -> 50

	// NewStateErrorRetries is how many extra times onMismatch is retried
	// after it reports an error delivering a remote state, per spec.md
	// §4.4's receiveRemoteState retry contract. 0 -> 3.
	NewStateErrorRetries int
	// NewStateErrorDelay paces the retries in NewStateErrorRetries. 0 -> 1500ms.
	NewStateErrorDelay time.Duration
}

// Agent is the state gossip agent: it tracks this node's own view of every
// locally-known agent's state hash and periodically diffuses it.
type Agent struct {
	cfg Config

	mu            sync.Mutex
	trackedAgents map[string]bool         // agent ids this node has explicitly opted into gossiping/reconciling
	local         map[string]hashobj.Hash // agentID -> this node's view of its state hash
	remote        map[string]hashobj.Hash // agentID -> last hash a peer claimed for it
	prevStates    *lruCache               // recently-replaced state hashes, for stale-state detection

	onStateHash   func(agentID string) (hashobj.Hash, bool)       // resolves an agent's current state hash
	onStateObject func(agentID string) (*hashobj.Literal, bool)  // resolves the literal state object, for BuildStateObjectMessage
	onMismatch    func(agentID string, remoteHash hashobj.Hash) error

	rng *rand.Rand
}

// New creates a gossip agent. onStateHash resolves the authoritative local
// state hash for an agent id; onMismatch is invoked whenever gossip reveals
// that a tracked agent's state disagrees with a peer's claim, and should
// return an error if it failed to act on the remote state (a bad transport
// send, a sync round that couldn't complete) so it can be retried.
func New(cfg Config, onStateHash func(string) (hashobj.Hash, bool), onMismatch func(string, hashobj.Hash) error) *Agent {
	if cfg.PrevStatesCache == 0 {
		cfg.PrevStatesCache = 50
	}
	if cfg.NewStateErrorRetries == 0 {
		cfg.NewStateErrorRetries = 3
	}
	if cfg.NewStateErrorDelay == 0 {
		cfg.NewStateErrorDelay = 1500 * time.Millisecond
	}
	return &Agent{
		cfg:           cfg,
		trackedAgents: make(map[string]bool),
		local:         make(map[string]hashobj.Hash),
		remote:        make(map[string]hashobj.Hash),
		prevStates:    newLRUCache(cfg.PrevStatesCache),
		onStateHash:   onStateHash,
		onMismatch:    onMismatch,
		rng:           rand.New(rand.NewSource(1)),
	}
}

// Track registers agentID as one this node actively gossips and reconciles
// state for. A peer mentioning an untracked agent id is logged and ignored
// rather than triggering reconciliation against an object this node never
// asked to follow.
func (a *Agent) Track(agentID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trackedAgents[agentID] = true
}

// Untrack stops gossiping and reconciling agentID.
func (a *Agent) Untrack(agentID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.trackedAgents, agentID)
}

// SetStateObjectResolver installs fn as the source of the literal state
// object BuildStateObjectMessage embeds alongside the hash, satisfying
// spec.md §6's `send-state-object { agentId, state (literal), timestamp }`
// wire format. Optional: with no resolver installed, outgoing messages carry
// only the hash, same as before this existed.
func (a *Agent) SetStateObjectResolver(fn func(agentID string) (*hashobj.Literal, bool)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onStateObject = fn
}

// UpdateLocal records this node's current view of agentID's state hash.
// Called whenever the terminal-ops sync agent (or any other tracked agent)
// changes.
func (a *Agent) UpdateLocal(agentID string, h hashobj.Hash) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if old, ok := a.local[agentID]; ok && old != h {
		a.prevStates.Add(old)
	}
	a.local[agentID] = h
}

// fanoutCount computes how many peers to gossip to this round, per
// spec.md §4.4's randomized-fanout rule: ceil(peerCount * fraction), floored
// at MinGossipPeers and capped at MaxPeers.
func (a *Agent) fanoutCount(peerCount int) int {
	n := int(float64(peerCount)*a.cfg.GossipFraction + 0.999999)
	if n < a.cfg.MinGossipPeers {
		n = a.cfg.MinGossipPeers
	}
	if n > peerCount {
		n = peerCount
	}
	if n > a.cfg.MaxPeers {
		n = a.cfg.MaxPeers
	}
	return n
}

// BuildFullStateMessage encodes this node's entire local state map for
// broadcast (protocol step 1: gossip the full map periodically).
func (a *Agent) BuildFullStateMessage() ([]byte, error) {
	a.mu.Lock()
	full := make(map[string]hashobj.Hash, len(a.local))
	for k, v := range a.local {
		full[k] = v
	}
	a.mu.Unlock()

	return encodeMessage(wireMessage{Kind: kindSendFullState, FullState: full})
}

// BuildStateObjectMessage encodes a single agent's state hash, used when
// only one entry changed (protocol step 2: incremental diffusion). When a
// state object resolver is installed, the literal terminal-ops state itself
// is embedded too, per spec.md §6's pinned wire format.
func (a *Agent) BuildStateObjectMessage(agentID string) ([]byte, error) {
	a.mu.Lock()
	h, ok := a.local[agentID]
	resolve := a.onStateObject
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("gossip: no local state recorded for %q", agentID)
	}

	msg := wireMessage{Kind: kindSendStateObject, AgentID: agentID, StateHash: h, Timestamp: time.Now().UnixMilli()}
	if resolve != nil {
		if lit, ok := resolve(agentID); ok && lit != nil {
			msg.State = lit
		}
	}
	return encodeMessage(msg)
}

// HandleMessage processes an incoming gossip wire message: it receives the
// remote state and reports a mismatch on a tracked agent. A stale remote
// claim is dropped without replying to the peer that sent it.
func (a *Agent) HandleMessage(data []byte) error {
	msg, err := decodeMessage(data)
	if err != nil {
		return fmt.Errorf("gossip: decode message: %w", err)
	}
	metrics.GossipMessagesTotal.WithLabelValues("received", string(msg.Kind)).Inc()

	switch msg.Kind {
	case kindSendFullState:
		return a.receiveFullState(msg.FullState)
	case kindSendStateObject:
		if msg.State != nil {
			if err := validateStateObject(msg.State, msg.StateHash); err != nil {
				return err
			}
		}
		return a.receiveStateObject(msg.AgentID, msg.StateHash)
	case kindRequestFullState, kindRequestStateObj:
		// Requests are answered by the caller via BuildFullStateMessage /
		// BuildStateObjectMessage over the request/response transport; the
		// gossip agent itself only tracks state, it doesn't own a
		// request/response channel.
		return nil
	default:
		return fmt.Errorf("gossip: unknown message kind %q", msg.Kind)
	}
}

// mismatch is a reconciled state disagreement pending delivery to onMismatch,
// carried out of reconcileLocked so retries with real pacing don't run while
// a.mu is held.
type mismatch struct {
	agentID string
	hash    hashobj.Hash
}

func (a *Agent) receiveFullState(remote map[string]hashobj.Hash) error {
	a.mu.Lock()
	var pending []mismatch
	for agentID, remoteHash := range remote {
		if m, ok := a.reconcileLocked(agentID, remoteHash); ok {
			pending = append(pending, m)
		}
	}
	a.mu.Unlock()

	for _, m := range pending {
		a.notifyMismatch(m.agentID, m.hash)
	}
	return nil
}

// validateStateObject checks that the embedded literal state object's
// content actually hashes to the claimed state hash, so a peer can't pair a
// stale or forged literal with an unrelated hash claim.
func validateStateObject(lit *hashobj.Literal, claimedHash hashobj.Hash) error {
	state, err := hashobj.MaterializeState(lit)
	if err != nil {
		return fmt.Errorf("gossip: materialize state object: %w", err)
	}
	got, err := state.StateHash()
	if err != nil {
		return fmt.Errorf("gossip: compute state object hash: %w", err)
	}
	if got != claimedHash {
		return fmt.Errorf("gossip: state object hash %s does not match claimed %s", got, claimedHash)
	}
	return nil
}

func (a *Agent) receiveStateObject(agentID string, remoteHash hashobj.Hash) error {
	a.mu.Lock()
	m, ok := a.reconcileLocked(agentID, remoteHash)
	a.mu.Unlock()

	if ok {
		a.notifyMismatch(m.agentID, m.hash)
	}
	return nil
}

// reconcileLocked compares a peer's claimed state hash for agentID against
// our own, gated on agentID being one we've explicitly opted into tracking
// (spec.md §4.4's trackedAgents): a peer mentioning an id we never asked
// about is logged and ignored rather than treated as a mismatch. A stale
// claim (one we've already superseded) is likewise ignored. A genuine
// mismatch is returned for the caller to deliver to onMismatch once a.mu is
// released. Caller must hold a.mu.
func (a *Agent) reconcileLocked(agentID string, remoteHash hashobj.Hash) (mismatch, bool) {
	if !a.trackedAgents[agentID] {
		logger.Debug("gossip: ignoring state for untracked agent", "agent", agentID)
		return mismatch{}, false
	}

	a.remote[agentID] = remoteHash

	localHash, known := a.local[agentID]
	if !known {
		return mismatch{agentID, remoteHash}, true
	}
	if localHash == remoteHash {
		return mismatch{}, false
	}

	if a.prevStates.Contains(remoteHash) {
		logger.Debug("gossip: ignoring stale remote state", "agent", agentID, "hash", remoteHash)
		return mismatch{}, false
	}

	if a.onStateHash != nil {
		if authoritative, ok := a.onStateHash(agentID); ok && authoritative != localHash {
			a.local[agentID] = authoritative
		}
	}

	return mismatch{agentID, remoteHash}, true
}

// notifyMismatch delivers a reconciled mismatch to onMismatch, retrying up to
// NewStateErrorRetries times with NewStateErrorDelay pacing if it returns an
// error (spec.md §4.4: "errors in receiveRemoteState are retried... after
// that the peer is logged and ignored"). Must run without a.mu held, since a
// retry round can pace itself with real delay.
func (a *Agent) notifyMismatch(agentID string, remoteHash hashobj.Hash) {
	if a.onMismatch == nil {
		return
	}

	var err error
	for attempt := 0; attempt <= a.cfg.NewStateErrorRetries; attempt++ {
		if err = a.onMismatch(agentID, remoteHash); err == nil {
			return
		}
		if attempt < a.cfg.NewStateErrorRetries {
			time.Sleep(a.cfg.NewStateErrorDelay)
		}
	}

	metrics.GossipMismatchGivenUpTotal.Inc()
	logger.Error("gossip: giving up on remote state", "error", syncerr.Wrap(syncerr.KindReceiveRemoteStateError, err, "agent %s after %d retries", agentID, a.cfg.NewStateErrorRetries))
}

func encodeMessage(msg wireMessage) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if len(raw) < compressionThreshold {
		return raw, nil
	}

	compressed, err := compress(raw)
	if err != nil {
		return raw, nil // fall back to uncompressed rather than fail the send
	}

	wrapped, err := json.Marshal(wireMessage{Kind: msg.Kind, Compressed: true, Payload: compressed})
	if err != nil {
		return raw, nil
	}
	return wrapped, nil
}

func decodeMessage(data []byte) (wireMessage, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return wireMessage{}, err
	}
	if !msg.Compressed {
		return msg, nil
	}

	raw, err := decompress(msg.Payload)
	if err != nil {
		return wireMessage{}, fmt.Errorf("decompress gossip payload: %w", err)
	}

	var inner wireMessage
	if err := json.Unmarshal(raw, &inner); err != nil {
		return wireMessage{}, err
	}
	return inner, nil
}

// compress zstd-compresses raw JSON payloads large enough that the fanout
// bandwidth savings outweigh the encoder setup cost.
func compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder: %w", err)
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, nil), nil
}

func decompress(data json.RawMessage) ([]byte, error) {
	var encoded []byte
	if err := json.Unmarshal(data, &encoded); err != nil {
		return nil, err
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	defer decoder.Close()
	return decoder.DecodeAll(encoded, nil)
}

// Run periodically gossips this node's full local state map until ctx is
// canceled — protocol step 1, "diffuse the full state map on an interval."
// Run sends only the full map; it never sends single-agent
// (BuildStateObjectMessage) updates, and a local change reaches peers on the
// next tick.
func (a *Agent) Run(ctx context.Context, tr Transport, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.gossipFullState(tr)
		}
	}
}

func (a *Agent) gossipFullState(tr Transport) {
	msg, err := a.BuildFullStateMessage()
	if err != nil {
		logger.Error("gossip: build full-state message", "error", err)
		return
	}

	fanout := a.fanoutCount(tr.PeerCount())
	if fanout == 0 {
		return
	}
	metrics.GossipFanout.Observe(float64(fanout))
	if err := tr.Gossip(msg, fanout); err != nil {
		logger.Debug("gossip: fanout send failed", "error", err)
		return
	}
	metrics.GossipMessagesTotal.WithLabelValues("sent", string(kindSendFullState)).Inc()
}
