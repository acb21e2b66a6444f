// Package undo implements the reversible-op / undo-cascade contract of
// spec.md §4.6. It sits above internal/termsync as "mutable-object logic":
// termsync and the rest of the sync core never inspect op semantics beyond
// target/prevOps/causalOps/class/signatures, so cascading an undo through
// causal justification lives here instead.
package undo

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/opgraph/syncnode/internal/hashobj"
	"github.com/opgraph/syncnode/internal/metrics"
	"github.com/opgraph/syncnode/internal/store"
	"github.com/opgraph/syncnode/internal/syncerr"
)

// ClassUndo is the mutation-op class name undo ops are literalized under.
// It is a core class, not an application one — every node that links this
// package accepts undo ops regardless of which domain classes it otherwise
// registers.
const ClassUndo = "undo"

func init() {
	hashobj.RegisterClass(ClassUndo, nil)
}

type undoPayload struct {
	Invalidates hashobj.Hash `json:"invalidates"`
}

// Signer signs the canonical bytes of an op this node is about to author.
// Supplied by the caller's keyring; undo is kept unaware of key material.
type Signer func(canonicalBody []byte) []byte

// Engine tracks which ops a node has seen invalidated and emits follow-on
// undo ops when an op's causal justification disappears.
type Engine struct {
	st     *store.Store
	author hashobj.Hash
	sign   Signer

	mu     sync.Mutex
	undone map[hashobj.Hash]bool
}

// New creates an undo engine backed by st. author identifies this node as
// the signer of any undo op it emits; sign produces the signature itself.
func New(st *store.Store, author hashobj.Hash, sign Signer) *Engine {
	return &Engine{st: st, author: author, sign: sign, undone: make(map[hashobj.Hash]bool)}
}

// IsAlive reports whether opHash has not been undone by this engine's view
// of the DAG (directly or by cascade).
func (e *Engine) IsAlive(opHash hashobj.Hash) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.undone[opHash]
}

// Apply explicitly undoes a reversible op, persisting an UndoOp for it so
// the revocation itself travels through the same terminal-ops sync path as
// any other op, then cascades the invalidation to every op that cited it as
// a causal justification. Returns every UndoOp literal produced and
// persisted, root first, in cascade order. Applying an already-undone op is
// a no-op.
func (e *Engine) Apply(targetOp hashobj.Hash) ([]*hashobj.Literal, error) {
	lit, err := e.st.Load(targetOp)
	if err != nil {
		return nil, err
	}
	if lit == nil {
		return nil, syncerr.New(syncerr.KindMissingDependency, "undo: op %s not found", targetOp)
	}

	op, err := hashobj.MaterializeOp(lit)
	if err != nil {
		return nil, err
	}
	if !op.Reversible {
		return nil, syncerr.New(syncerr.KindUnacceptableOp, "undo: op %s is not marked reversible", targetOp)
	}
	if !e.IsAlive(targetOp) {
		return nil, nil
	}

	rootUndo, err := e.emitUndoOp(op.Target, targetOp)
	if err != nil {
		return nil, err
	}
	emitted := []*hashobj.Literal{rootUndo}

	cascaded, err := e.cascade(targetOp)
	emitted = append(emitted, cascaded...)
	if err != nil {
		return emitted, err
	}

	metrics.UndoCascadeSize.Observe(float64(len(emitted)))
	return emitted, nil
}

// cascade marks invalidated as undone and emits an UndoOp for every op that
// causally depended on it, recursing through each emitted undo in turn.
func (e *Engine) cascade(invalidated hashobj.Hash) ([]*hashobj.Literal, error) {
	e.mu.Lock()
	if e.undone[invalidated] {
		e.mu.Unlock()
		return nil, nil
	}
	e.undone[invalidated] = true
	e.mu.Unlock()

	dependents, err := e.causalDependents(invalidated)
	if err != nil {
		return nil, err
	}

	var emitted []*hashobj.Literal
	for _, dep := range dependents {
		if !e.IsAlive(dep.Hash) {
			continue
		}

		undoLit, err := e.emitUndoOp(dep.Target, dep.Hash)
		if err != nil {
			return emitted, err
		}
		emitted = append(emitted, undoLit)

		downstream, err := e.cascade(dep.Hash)
		if err != nil {
			return emitted, err
		}
		emitted = append(emitted, downstream...)
	}
	return emitted, nil
}

// causalDependents returns every persisted op that records invalidated as
// one of its causalOps — the edges an undo cascades along. UndoOps
// themselves are excluded: an undo op always cites the op it invalidates as
// a causal justification, but that edge records history, not a live
// dependency to cascade through again.
func (e *Engine) causalDependents(invalidated hashobj.Hash) ([]*hashobj.MutationOp, error) {
	referring, err := e.st.WatchReferences(invalidated)
	if err != nil {
		return nil, err
	}

	var out []*hashobj.MutationOp
	for _, h := range referring {
		lit, err := e.st.Load(h)
		if err != nil {
			return nil, err
		}
		if lit == nil || !hasCausalDependency(lit, invalidated) {
			continue
		}
		op, err := hashobj.MaterializeOp(lit)
		if err != nil {
			return nil, err
		}
		if op.Class == ClassUndo {
			continue
		}
		out = append(out, op)
	}
	return out, nil
}

func hasCausalDependency(lit *hashobj.Literal, on hashobj.Hash) bool {
	for _, d := range lit.Dependencies {
		if d.Hash == on && strings.HasPrefix(d.Path, "causalOps[") {
			return true
		}
	}
	return false
}

// emitUndoOp authors, literalizes, and persists an UndoOp invalidating the
// op identified by invalidates. The new op targets the same mutable object
// that op lives on, roots its prevOps at that object's current frontier,
// and records invalidates as its sole causal justification — the trail a
// later cascade walks.
func (e *Engine) emitUndoOp(target, invalidates hashobj.Hash) (*hashobj.Literal, error) {
	state, err := e.st.LoadTerminalOpsForMutable(target)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(undoPayload{Invalidates: invalidates})
	if err != nil {
		return nil, fmt.Errorf("undo: marshal payload: %w", err)
	}

	op := &hashobj.MutationOp{
		Class:     ClassUndo,
		Target:    target,
		PrevOps:   state.TerminalOps,
		CausalOps: hashobj.NewHashSet(invalidates),
		Author:    e.author,
		Payload:   payload,
	}

	// Author is part of the canonical body the hash commits to, so it must
	// be set before the first literalization; re-literalizing after
	// attaching the signature yields the same hash and only adds the
	// Signatures entry LiteralizeOp skips when op.Signature is nil.
	presig, err := hashobj.LiteralizeOp(op)
	if err != nil {
		return nil, err
	}
	op.Signature = e.sign(presig.Value)

	lit, err := hashobj.LiteralizeOp(op)
	if err != nil {
		return nil, err
	}

	if err := e.st.Save(lit); err != nil {
		return nil, err
	}
	return lit, nil
}
