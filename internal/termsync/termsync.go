// Package termsync implements the terminal-ops sync agent (spec.md §4.5):
// per-mutable-object reconciliation of op-DAG frontiers across a peer
// group, with dependency-chain-rooted request validation (R1) and
// ownership-proof-backed transfer (R2) so a peer can neither be tricked
// into disclosing objects it doesn't already know a requester is entitled
// to, nor accept an unproven claim of possession.
package termsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/opgraph/syncnode/internal/hashobj"
	"github.com/opgraph/syncnode/internal/metrics"
	"github.com/opgraph/syncnode/internal/ownership"
	"github.com/opgraph/syncnode/internal/store"
	"github.com/opgraph/syncnode/internal/syncerr"
)

type messageKind string

const (
	kindRequestState messageKind = "request-state"
	kindSendState    messageKind = "send-state"
	kindRequestObjs  messageKind = "request-objs"
	kindSendObjs     messageKind = "send-objs"
)

// maxInFlightPerPeer bounds how many outstanding requests for the same hash
// a single peer may have open at once — backpressure against a peer that
// keeps re-requesting before responses land.
const maxInFlightPerPeer = 2

// housekeepingInterval is how often stale incomplete ops are swept.
const housekeepingInterval = 5 * time.Second

// incompleteOpTTL bounds how long an op can sit waiting on dependencies
// before housekeeping gives up on it.
const incompleteOpTTL = 2 * time.Minute

type wireMessage struct {
	Kind        messageKind        `json:"kind"`
	MutableObj  hashobj.Hash       `json:"mutableObj"`
	TerminalOps hashobj.HashSet    `json:"terminalOps,omitempty"`
	Root        hashobj.Hash       `json:"root,omitempty"`
	Chain       hashobj.HashSet    `json:"chain,omitempty"`
	AlreadyHave hashobj.HashSet    `json:"alreadyHave,omitempty"`
	Literals    []*hashobj.Literal `json:"literals,omitempty"`
	Proofs      map[string][]byte  `json:"proofs,omitempty"` // hash hex -> ownership proof
}

// incompleteOp is an op accepted for its own hash validity but not yet
// eligible for Save because one or more of its dependencies hasn't arrived.
type incompleteOp struct {
	literal    *hashobj.Literal
	missing    map[hashobj.Hash]bool
	receivedAt time.Time
}

// GroupSecret resolves the shared secret used to build and verify ownership
// proofs. It is called with the ID of the peer on the other side of the
// exchange, so both sides only agree when it returns the peer group's single
// shared secret whatever the ID; each group having its own secret keeps a
// proof valid in one group from being replayed into another.
type GroupSecret func(peerID string) []byte

// Sender delivers termsync wire messages; it's satisfied by
// internal/peergroup.Transport plus whatever local dispatch a single-node
// test harness wants to substitute.
type Sender interface {
	Send(peerID string, data []byte) error
}

// Agent is the terminal-ops sync agent for one node. One Agent instance
// serves every mutable object this node participates in.
type Agent struct {
	store  *store.Store
	secret GroupSecret

	mu sync.Mutex

	// outgoing[mutableHash][peerID] = ops we believe that peer is missing.
	outgoing map[hashobj.Hash]map[string]hashobj.HashSet
	// incoming[mutableHash][peerID] = ops we've requested but not yet received.
	incoming map[hashobj.Hash]map[string]hashobj.HashSet

	incomplete    map[hashobj.Hash]*incompleteOp
	opsForMissing map[hashobj.Hash][]hashobj.Hash // depHash -> incomplete op hashes waiting on it

	inFlight map[hashobj.Hash]map[string]int // wanted hash -> peerID -> outstanding request count

	onOpAccepted func(mutableHash, opHash hashobj.Hash)
}

// New creates a terminal-ops sync agent backed by st. onOpAccepted, if
// non-nil, is invoked every time an op is durably saved (directly or after
// its dependencies complete), so callers (e.g. the gossip agent) can update
// their view of this object's state hash.
func New(st *store.Store, secret GroupSecret, onOpAccepted func(mutableHash, opHash hashobj.Hash)) *Agent {
	return &Agent{
		store:         st,
		secret:        secret,
		outgoing:      make(map[hashobj.Hash]map[string]hashobj.HashSet),
		incoming:      make(map[hashobj.Hash]map[string]hashobj.HashSet),
		incomplete:    make(map[hashobj.Hash]*incompleteOp),
		opsForMissing: make(map[hashobj.Hash][]hashobj.Hash),
		inFlight:      make(map[hashobj.Hash]map[string]int),
		onOpAccepted:  onOpAccepted,
	}
}

// PublishOp registers a locally-authored op as one this node holds for
// mutableHash, to be offered the next time a peer's state falls behind.
func (a *Agent) PublishOp(mutableHash, opHash hashobj.Hash, peerIDs []string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.outgoing[mutableHash] == nil {
		a.outgoing[mutableHash] = make(map[string]hashobj.HashSet)
	}
	for _, peerID := range peerIDs {
		a.outgoing[mutableHash][peerID] = a.outgoing[mutableHash][peerID].Add(opHash)
	}
}

// addAll returns set with every hash in extra merged in, deduplicated and sorted.
func addAll(set hashobj.HashSet, extra []hashobj.Hash) hashobj.HashSet {
	return hashobj.NewHashSet(append(append(hashobj.HashSet{}, set...), extra...)...)
}

// BuildRequestState encodes a request-state message for mutableHash.
func (a *Agent) BuildRequestState(mutableHash hashobj.Hash) ([]byte, error) {
	return encode(wireMessage{Kind: kindRequestState, MutableObj: mutableHash})
}

// HandleRequestState answers a request-state message with our local
// terminal-ops state for the named mutable object.
func (a *Agent) HandleRequestState(data []byte) ([]byte, error) {
	msg, err := decode(data)
	if err != nil {
		return nil, err
	}
	if msg.Kind != kindRequestState {
		return nil, syncerr.New(syncerr.KindWrongTargetMessage, "expected request-state, got %s", msg.Kind)
	}

	state, err := a.store.LoadTerminalOpsForMutable(msg.MutableObj)
	if err != nil {
		return nil, err
	}

	return encode(wireMessage{Kind: kindSendState, MutableObj: msg.MutableObj, TerminalOps: state.TerminalOps})
}

// ReceiveState processes a send-state message from peerID: any terminal op
// the peer holds that we don't is queued for request, walking the
// dependency chain back from the peer's advertised terminal op (satisfying
// R1 on our own outgoing request).
func (a *Agent) ReceiveState(peerID string, data []byte) ([]byte, error) {
	msg, err := decode(data)
	if err != nil {
		return nil, err
	}
	if msg.Kind != kindSendState {
		return nil, syncerr.New(syncerr.KindWrongTargetMessage, "expected send-state, got %s", msg.Kind)
	}

	local, err := a.store.LoadTerminalOpsForMutable(msg.MutableObj)
	if err != nil {
		return nil, err
	}

	var missing []hashobj.Hash
	for _, remoteOp := range msg.TerminalOps {
		if local.TerminalOps.Contains(remoteOp) || a.store.Has(remoteOp) {
			continue
		}
		missing = append(missing, remoteOp)
	}
	if len(missing) == 0 {
		return nil, nil
	}

	a.mu.Lock()
	if a.incoming[msg.MutableObj] == nil {
		a.incoming[msg.MutableObj] = make(map[string]hashobj.HashSet)
	}
	a.incoming[msg.MutableObj][peerID] = addAll(a.incoming[msg.MutableObj][peerID], missing)
	a.mu.Unlock()

	// The mutable object itself is the root: we already hold it, and every
	// op — direct or discovered while completing an incomplete op's
	// prevOps — carries a direct "target" dependency on it (LiteralizeOp
	// always records one). That single fact is what R1 checks below.
	if !a.tryReserve(msg.MutableObj, peerID) {
		return nil, nil
	}

	return encode(wireMessage{
		Kind:        kindRequestObjs,
		MutableObj:  msg.MutableObj,
		Root:        msg.MutableObj,
		Chain:       hashobj.NewHashSet(missing...),
		AlreadyHave: a.alreadyHaveSet(msg.MutableObj, local.TerminalOps),
	})
}

// alreadyHaveSet declares every hash this node can truthfully claim to
// possess that a responder's dependency walk in HandleRequestObjs might
// otherwise need to disclose: the mutable object itself (known to both
// sides before a sync round ever starts) and this node's own current
// terminal-ops frontier for it. The responder never trusts this claim
// outright — it answers with an ownership proof per R2, which this node
// then verifies against its own copy in HandleSendObjs, so a false claim
// here only costs a rejected response, not a disclosed object.
func (a *Agent) alreadyHaveSet(mutableHash hashobj.Hash, localTerminalOps hashobj.HashSet) hashobj.HashSet {
	return addAll(localTerminalOps, []hashobj.Hash{mutableHash})
}

// HandleRequestObjs answers a request-objs message, after validating R1:
// every requested hash must be reachable via a real dependency chain rooted
// at a terminal op (or the mutable object itself) that this node actually
// holds — a peer can't fish for arbitrary hashes it merely suspects exist.
func (a *Agent) HandleRequestObjs(peerID string, data []byte) ([]byte, error) {
	msg, err := decode(data)
	if err != nil {
		return nil, err
	}
	if msg.Kind != kindRequestObjs {
		return nil, syncerr.New(syncerr.KindWrongTargetMessage, "expected request-objs, got %s", msg.Kind)
	}

	if err := a.validateR1(msg); err != nil {
		return nil, err
	}

	ctx := hashobj.NewContext()
	proofs := make(map[string][]byte)
	alreadyHave := msg.AlreadyHave
	secret := a.groupSecret(peerID)
	visited := make(map[hashobj.Hash]bool)

	for _, wanted := range msg.Chain {
		if visited[wanted] {
			continue
		}
		visited[wanted] = true

		lit, err := a.store.Load(wanted)
		if err != nil {
			return nil, err
		}
		if lit == nil {
			return nil, syncerr.New(syncerr.KindMissingDependency, "requested hash %s not held locally", wanted)
		}
		if err := a.checkAcceptedOp(lit, msg.MutableObj); err != nil {
			return nil, err
		}
		ctx.AddRoot(lit)

		if err := a.includeTransitiveDeps(lit, alreadyHave, secret, ctx, proofs, visited); err != nil {
			return nil, err
		}
	}

	return encode(wireMessage{
		Kind:       kindSendObjs,
		MutableObj: msg.MutableObj,
		Literals:   literalValues(ctx),
		Proofs:     proofs,
	})
}

// includeTransitiveDeps walks lit's dependency edges, recursing into every
// dependency not already declared in alreadyHave so a multi-hop chain (e.g.
// a prevOp several steps behind the requester's frontier) arrives in full
// rather than stopping at the directly-requested literal. A dependency the
// requester claims to already hold is never just taken on faith: we answer
// with an ownership proof instead of the literal itself, leaving it to the
// requester's own HandleSendObjs to verify that claim against its local
// copy (R2). Only reference-type deps are eligible for this omission —
// subobject deps are embedded in the value tree the requester is
// reconstructing and always travel with it, per spec.md §4.5.
func (a *Agent) includeTransitiveDeps(lit *hashobj.Literal, alreadyHave hashobj.HashSet, secret []byte, ctx *hashobj.Context, proofs map[string][]byte, visited map[hashobj.Hash]bool) error {
	for _, dep := range lit.Dependencies {
		if visited[dep.Hash] {
			continue
		}
		visited[dep.Hash] = true

		depLit, err := a.store.Load(dep.Hash)
		if err != nil {
			return err
		}
		if depLit == nil {
			return syncerr.New(syncerr.KindMissingDependency, "dependency %s of %s not held locally", dep.Hash, lit.Hash)
		}

		if dep.Type == hashobj.DependencyReference && alreadyHave.Contains(dep.Hash) {
			proofs[dep.Hash.String()] = ownership.BuildProof(depLit.Value, secret)
			continue
		}

		ctx.Add(depLit)
		if err := a.includeTransitiveDeps(depLit, alreadyHave, secret, ctx, proofs, visited); err != nil {
			return err
		}
	}
	return nil
}

// validateR1 checks the dependency-chain-rooted request invariant: the
// declared root must be something the requester could only have learned
// about legitimately (the mutable object itself, or one of our own known
// terminal ops), and every requested hash must sit exactly one real
// dependency edge away from it. Dependency edges run from a newer literal
// to what it depends on, so the edge can point either way depending on
// which side of the pair is "newer": an op depending on its target (op ->
// root), or an already-known op depending on a not-yet-fetched subobject
// (root -> wanted). Either direction is accepted as long as the edge is
// real and on record in our own store — a peer can't manufacture one.
func (a *Agent) validateR1(msg wireMessage) error {
	if len(msg.Chain) == 0 {
		metrics.RequestObjsRejectedTotal.WithLabelValues("empty_chain").Inc()
		return syncerr.New(syncerr.KindUnacceptableOp, "request-objs carries an empty chain")
	}

	// The root must be the mutable object this request claims to be about —
	// otherwise a requester could name any hash it already knows as both
	// root and sole chain entry and skip the edge check below entirely.
	if msg.Root != msg.MutableObj {
		metrics.RequestObjsRejectedTotal.WithLabelValues("root_mismatch").Inc()
		return syncerr.New(syncerr.KindUnacceptableOp, "request-objs root %s does not match declared mutable object %s", msg.Root, msg.MutableObj)
	}

	if !a.store.Has(msg.Root) {
		metrics.RequestObjsRejectedTotal.WithLabelValues("unknown_root").Inc()
		return syncerr.New(syncerr.KindUnacceptableOp, "request-objs root %s is not known to this node", msg.Root)
	}

	rootLit, err := a.store.Load(msg.Root)
	if err != nil {
		return err
	}

	for _, wanted := range msg.Chain {
		lit, err := a.store.Load(wanted)
		if err != nil {
			return err
		}
		linkedFromRoot := rootLit != nil && rootLit.HasDependency(wanted)
		linkedToRoot := lit != nil && lit.HasDependency(msg.Root)
		if !linkedFromRoot && !linkedToRoot {
			metrics.RequestObjsRejectedTotal.WithLabelValues("unlinked_entry").Inc()
			return syncerr.New(syncerr.KindUnacceptableOp, "request-objs entry %s is not one dependency edge from root %s", wanted, msg.Root)
		}
	}
	return nil
}

// checkAcceptedOp enforces spec.md §4.5/§7's UnacceptableOp check on a
// directly-requested chain entry: if lit decodes as a mutation op, it must
// target mutableHash and carry a class this node has registered. A bare
// subobject or the mutable object literal itself (never a mutation op)
// passes through untouched — R1's edge check already constrains those to
// what the root's own dependency tree reaches.
func (a *Agent) checkAcceptedOp(lit *hashobj.Literal, mutableHash hashobj.Hash) error {
	class, target, isOp, err := hashobj.OpHeader(lit)
	if err != nil {
		return err
	}
	if !isOp {
		return nil
	}
	if target != mutableHash {
		metrics.RequestObjsRejectedTotal.WithLabelValues("wrong_target").Inc()
		return syncerr.New(syncerr.KindUnacceptableOp, "op %s targets %s, not the requested mutable object %s", lit.Hash, target, mutableHash)
	}
	if !hashobj.IsRegisteredClass(class) {
		metrics.RequestObjsRejectedTotal.WithLabelValues("unaccepted_class").Inc()
		return syncerr.New(syncerr.KindUnacceptableOp, "op %s has unaccepted class %q", lit.Hash, class)
	}
	return nil
}

// HandleSendObjs processes a send-objs response, verifying R2 before
// accepting anything: every ownership proof must verify against a value we
// already hold, or the message is rejected outright rather than partially
// applied. If a literal in the batch still can't complete because one of
// its dependencies genuinely never arrived (the responder's own AlreadyHave
// bookkeeping disagreed with ours, or it sits further back than this round
// walked), the returned message is a follow-up request-objs for exactly
// what's still missing; send it back to the same peer and feed the
// response through HandleSendObjs again. A nil message with a nil error
// means the batch fully completed.
func (a *Agent) HandleSendObjs(peerID string, data []byte) ([]byte, error) {
	msg, err := decode(data)
	if err != nil {
		return nil, err
	}
	if msg.Kind != kindSendObjs {
		return nil, syncerr.New(syncerr.KindWrongTargetMessage, "expected send-objs, got %s", msg.Kind)
	}

	for hexHash, proof := range msg.Proofs {
		var h hashobj.Hash
		if err := json.Unmarshal([]byte(`"`+hexHash+`"`), &h); err != nil {
			return nil, fmt.Errorf("termsync: decode proof hash %q: %w", hexHash, err)
		}
		lit, err := a.store.Load(h)
		if err != nil {
			return nil, err
		}
		if lit == nil {
			return nil, syncerr.New(syncerr.KindInvalidOwnershipProof, "peer claims we already hold %s, but we don't", h)
		}
		if !ownership.VerifyProof(lit.Value, a.groupSecret(peerID), proof) {
			metrics.OwnershipProofFailuresTotal.Inc()
			return nil, syncerr.New(syncerr.KindInvalidOwnershipProof, "ownership proof for %s failed to verify", h)
		}
	}

	for _, lit := range msg.Literals {
		if err := a.acceptLiteral(msg.MutableObj, lit); err != nil {
			return nil, err
		}
	}

	a.mu.Lock()
	if peers, ok := a.incoming[msg.MutableObj]; ok {
		for _, lit := range msg.Literals {
			peers[peerID] = peers[peerID].Remove(lit.Hash)
		}
	}
	a.release(msg.MutableObj, peerID)

	var stillMissing []hashobj.Hash
	for _, lit := range msg.Literals {
		if op, ok := a.incomplete[lit.Hash]; ok {
			for dep := range op.missing {
				stillMissing = append(stillMissing, dep)
			}
		}
	}
	a.mu.Unlock()

	if len(stillMissing) == 0 {
		return nil, nil
	}

	chain := hashobj.NewHashSet(stillMissing...)
	followUp, err := encode(wireMessage{
		Kind:       kindRequestObjs,
		MutableObj: msg.MutableObj,
		Root:       msg.MutableObj,
		Chain:      chain,
	})
	if err != nil {
		return nil, err
	}
	return followUp, nil
}

// acceptLiteral saves lit if its dependencies are already present, or
// stashes it as incomplete and indexes it against its missing dependencies
// otherwise. Arrival of a dependency later triggers completion via
// noteArrival.
func (a *Agent) acceptLiteral(mutableHash hashobj.Hash, lit *hashobj.Literal) error {
	if err := lit.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	missing := a.missingDeps(lit)
	if len(missing) == 0 {
		a.mu.Unlock()
		return a.save(mutableHash, lit)
	}

	op := &incompleteOp{literal: lit, missing: make(map[hashobj.Hash]bool, len(missing)), receivedAt: time.Now()}
	for _, dep := range missing {
		op.missing[dep] = true
		a.opsForMissing[dep] = append(a.opsForMissing[dep], lit.Hash)
	}
	a.incomplete[lit.Hash] = op
	backlog := len(a.incomplete)
	a.mu.Unlock()

	metrics.IncompleteOpBacklog.Set(float64(backlog))
	return nil
}

func (a *Agent) missingDeps(lit *hashobj.Literal) []hashobj.Hash {
	var missing []hashobj.Hash
	for _, dep := range lit.Dependencies {
		if !a.store.Has(dep.Hash) {
			missing = append(missing, dep.Hash)
		}
	}
	return missing
}

// noteArrival is called after a literal is durably saved, to see if any
// incomplete op was waiting on it and can now complete (possibly
// transitively).
func (a *Agent) noteArrival(mutableHash, arrived hashobj.Hash) error {
	a.mu.Lock()
	waiting := a.opsForMissing[arrived]
	delete(a.opsForMissing, arrived)
	a.mu.Unlock()

	for _, opHash := range waiting {
		a.mu.Lock()
		op, ok := a.incomplete[opHash]
		if !ok {
			a.mu.Unlock()
			continue
		}
		delete(op.missing, arrived)
		ready := len(op.missing) == 0
		if ready {
			delete(a.incomplete, opHash)
		}
		backlog := len(a.incomplete)
		a.mu.Unlock()
		metrics.IncompleteOpBacklog.Set(float64(backlog))

		if ready {
			if err := a.save(mutableHash, op.literal); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Agent) save(mutableHash hashobj.Hash, lit *hashobj.Literal) error {
	if err := a.store.Save(lit); err != nil {
		return err
	}
	if a.onOpAccepted != nil {
		a.onOpAccepted(mutableHash, lit.Hash)
	}
	return a.noteArrival(mutableHash, lit.Hash)
}

// Run sweeps incomplete ops on a housekeepingInterval ticker until ctx is
// canceled.
func (a *Agent) Run(ctx context.Context) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.Housekeep(now)
		}
	}
}

// Housekeep runs one sweep of the periodic maintenance described in
// spec.md §4.5: incomplete ops that have waited past incompleteOpTTL are
// dropped (their dependency chain is presumed unreachable for now; a fresh
// send-state round will re-offer them if they're still relevant).
func (a *Agent) Housekeep(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	dropped := 0
	for hash, op := range a.incomplete {
		if now.Sub(op.receivedAt) < incompleteOpTTL {
			continue
		}
		delete(a.incomplete, hash)
		for dep := range op.missing {
			a.opsForMissing[dep] = removeHash(a.opsForMissing[dep], hash)
		}
		dropped++
	}
	if dropped > 0 {
		metrics.IncompleteOpsDroppedTotal.Add(float64(dropped))
	}
	metrics.IncompleteOpBacklog.Set(float64(len(a.incomplete)))
	return dropped
}

// tryReserve claims one of the limited in-flight request slots for
// (wanted, peerID). Returns false if the peer already has
// maxInFlightPerPeer outstanding requests for that hash.
func (a *Agent) tryReserve(wanted hashobj.Hash, peerID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.inFlight[wanted] == nil {
		a.inFlight[wanted] = make(map[string]int)
	}
	if a.inFlight[wanted][peerID] >= maxInFlightPerPeer {
		return false
	}
	a.inFlight[wanted][peerID]++
	return true
}

func (a *Agent) release(wanted hashobj.Hash, peerID string) {
	if peers, ok := a.inFlight[wanted]; ok {
		if peers[peerID] > 0 {
			peers[peerID]--
		}
		if peers[peerID] == 0 {
			delete(peers, peerID)
		}
	}
}

func (a *Agent) groupSecret(peerID string) []byte {
	if a.secret == nil {
		return nil
	}
	return a.secret(peerID)
}

func literalValues(ctx *hashobj.Context) []*hashobj.Literal {
	out := make([]*hashobj.Literal, 0, len(ctx.Literals))
	for _, lit := range ctx.Literals {
		out = append(out, lit)
	}
	return out
}

func removeHash(hashes []hashobj.Hash, victim hashobj.Hash) []hashobj.Hash {
	out := hashes[:0]
	for _, h := range hashes {
		if h != victim {
			out = append(out, h)
		}
	}
	return out
}

func encode(msg wireMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func decode(data []byte) (wireMessage, error) {
	var msg wireMessage
	err := json.Unmarshal(data, &msg)
	return msg, err
}
