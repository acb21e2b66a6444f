package hashobj

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/opgraph/syncnode/internal/syncerr"
)

// MutationOp is a hashed, signed event in a mutable object's op DAG. Target
// is a reference to the mutable object (by hash, never embedded); PrevOps
// defines causal order on that target; CausalOps optionally justifies the op
// against ops in other mutable objects.
type MutationOp struct {
	Hash       Hash
	Class      string
	Target     Hash
	PrevOps    HashSet
	CausalOps  HashSet
	Author     Hash // the author's ed25519 public key, reused as a content hash
	Signature  []byte
	Reversible bool
	Payload    json.RawMessage
}

// opBody is the canonical, hashable JSON shape of a MutationOp. Field order
// is fixed by declaration, matching spec.md §6's requirement that peers
// produce byte-identical canonical forms for equal values.
type opBody struct {
	Class      string          `json:"class"`
	Target     Hash            `json:"target"`
	PrevOps    []Hash          `json:"prevOps"`
	CausalOps  []Hash          `json:"causalOps"`
	Author     Hash            `json:"author"`
	Reversible bool            `json:"reversible"`
	Payload    json.RawMessage `json:"payload"`
}

// LiteralizeOp canonicalizes op into a Literal, computing its hash and
// extracting its dependency list. Target, every prevOp, and every causalOp
// are reference-type dependencies — the op never embeds the objects it
// points at.
func LiteralizeOp(op *MutationOp) (*Literal, error) {
	body := opBody{
		Class:      op.Class,
		Target:     op.Target,
		PrevOps:    []Hash(op.PrevOps),
		CausalOps:  []Hash(op.CausalOps),
		Author:     op.Author,
		Reversible: op.Reversible,
		Payload:    op.Payload,
	}

	value, err := canonicalJSON(body)
	if err != nil {
		return nil, fmt.Errorf("canonicalize op: %w", err)
	}

	hash := computeHash(value)

	deps := make([]Dependency, 0, 2+len(op.PrevOps)+len(op.CausalOps))
	if !op.Target.IsZero() {
		deps = append(deps, Dependency{Hash: op.Target, Path: "target", Type: DependencyReference})
	}
	for i, h := range op.PrevOps {
		deps = append(deps, Dependency{Hash: h, Path: fmt.Sprintf("prevOps[%d]", i), Type: DependencyReference})
	}
	for i, h := range op.CausalOps {
		deps = append(deps, Dependency{Hash: h, Path: fmt.Sprintf("causalOps[%d]", i), Type: DependencyReference})
	}

	var sigs []Signature
	if op.Signature != nil {
		sigs = append(sigs, Signature{Author: op.Author, Sig: op.Signature})
	}

	return &Literal{
		Hash:         hash,
		Value:        value,
		Dependencies: deps,
		Signatures:   sigs,
	}, nil
}

// MaterializeOp decodes a Literal back into a MutationOp, validating the
// hash round-trip and requiring at least one signature (spec.md §4.1: save
// rejects literals with missing signatures).
func MaterializeOp(lit *Literal) (*MutationOp, error) {
	if err := lit.Validate(); err != nil {
		return nil, err
	}

	var body opBody
	if err := json.Unmarshal(lit.Value, &body); err != nil {
		return nil, fmt.Errorf("decode op body: %w", err)
	}

	if len(lit.Signatures) == 0 {
		return nil, syncerr.New(syncerr.KindUnacceptableOp, "literal %s has no signatures", lit.Hash)
	}

	sig := lit.Signatures[0]

	return &MutationOp{
		Hash:       lit.Hash,
		Class:      body.Class,
		Target:     body.Target,
		PrevOps:    NewHashSet(body.PrevOps...),
		CausalOps:  NewHashSet(body.CausalOps...),
		Author:     sig.Author,
		Signature:  sig.Sig,
		Reversible: body.Reversible,
		Payload:    body.Payload,
	}, nil
}

// OpHeader reports whether lit decodes as a mutation op (identified by the
// presence of a "target" dependency) and, if so, its class and target
// without requiring a signature — callers gating acceptance (store.Save,
// termsync's request/accept paths) need this before a literal is otherwise
// trusted enough to run through MaterializeOp.
func OpHeader(lit *Literal) (class string, target Hash, isOp bool, err error) {
	if _, found := lit.DependencyByPath("target"); !found {
		return "", Hash{}, false, nil
	}

	var body opBody
	if err := json.Unmarshal(lit.Value, &body); err != nil {
		return "", Hash{}, false, fmt.Errorf("decode op header: %w", err)
	}
	return body.Class, body.Target, true, nil
}

// IsRegisteredClass reports whether class has a registered decoder — the
// spec.md §4.5/§7 acceptedClasses check: a mutation op whose class was never
// registered is unacceptable regardless of how well-formed it otherwise is.
func IsRegisteredClass(class string) bool {
	classRegistry.mu.RLock()
	defer classRegistry.mu.RUnlock()
	_, ok := classRegistry.decoder[class]
	return ok
}

// PayloadDecoder turns a mutation op's raw payload into an application-level
// value. Registered once per class name at process startup.
type PayloadDecoder func(raw json.RawMessage) (interface{}, error)

var classRegistry = struct {
	mu      sync.RWMutex
	decoder map[string]PayloadDecoder
}{decoder: make(map[string]PayloadDecoder)}

// RegisterClass registers the payload decoder for a mutation-op class name.
// Re-registering an already-registered class is a programming error and
// panics — the registry is process-wide, initialized at startup, and never
// de-registered (DESIGN NOTES, spec.md §9).
func RegisterClass(class string, dec PayloadDecoder) {
	classRegistry.mu.Lock()
	defer classRegistry.mu.Unlock()

	if _, exists := classRegistry.decoder[class]; exists {
		panic(fmt.Sprintf("hashobj: class %q already registered", class))
	}
	classRegistry.decoder[class] = dec
}

// DecodePayload dispatches to the registered decoder for class.
func DecodePayload(class string, raw json.RawMessage) (interface{}, error) {
	classRegistry.mu.RLock()
	dec, ok := classRegistry.decoder[class]
	classRegistry.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("hashobj: no decoder registered for class %q", class)
	}
	return dec(raw)
}
