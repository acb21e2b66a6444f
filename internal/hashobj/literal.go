package hashobj

import (
	"bytes"

	"github.com/opgraph/syncnode/internal/syncerr"
)

// DependencyType distinguishes a dependency embedded inside the literal's
// value tree (subobject) from one referenced only by hash (reference). Only
// reference-type dependencies are eligible for ownership-proof omission —
// spec.md §4.5 "Receiving request-objs".
type DependencyType string

const (
	DependencySubobject DependencyType = "subobject"
	DependencyReference DependencyType = "reference"
)

// Dependency names one hash that a literal's value refers to, the JSON
// pointer-style path at which it appears, and whether the reference is an
// embedded subobject or a bare hash reference.
type Dependency struct {
	Hash Hash           `json:"hash"`
	Path string         `json:"path"`
	Type DependencyType `json:"type"`
}

// Signature binds a literal to an authoring identity.
type Signature struct {
	Author Hash   `json:"author"`
	Sig    []byte `json:"sig"`
}

// Literal is the canonical, hashable record of an object: its canonical
// value bytes, the dependencies that value reaches, and the signatures
// binding it to an author. hash = H(value) always.
type Literal struct {
	Hash         Hash         `json:"hash"`
	Value        []byte       `json:"value"`
	Dependencies []Dependency `json:"dependencies"`
	Signatures   []Signature  `json:"signatures"`
}

// Validate recomputes the literal's hash from its value and checks it
// matches the declared hash. This is the first check every persisted or
// received literal must pass — spec.md §3's invariant and §7's
// HashMismatch error kind.
func (l *Literal) Validate() error {
	got := computeHash(l.Value)
	if got != l.Hash {
		return syncerr.New(syncerr.KindHashMismatch, "declared %s, computed %s", l.Hash, got)
	}
	return nil
}

// DependencyByPath returns the dependency recorded at path, if any.
func (l *Literal) DependencyByPath(path string) (Dependency, bool) {
	for _, d := range l.Dependencies {
		if d.Path == path {
			return d, true
		}
	}
	return Dependency{}, false
}

// referenceDeps returns only the reference-type (non-embedded) dependencies,
// the ones eligible for ownership-proof omission during transfer.
func (l *Literal) referenceDeps() []Dependency {
	out := make([]Dependency, 0, len(l.Dependencies))
	for _, d := range l.Dependencies {
		if d.Type == DependencyReference {
			out = append(out, d)
		}
	}
	return out
}

// HasDependency reports whether h appears as one of l's dependencies, at any path.
func (l *Literal) HasDependency(h Hash) bool {
	for _, d := range l.Dependencies {
		if d.Hash == h {
			return true
		}
	}
	return false
}

// Equal reports whether two literals have the same hash, value and
// dependencies (used in tests and dedup); signatures are not compared.
func (l *Literal) Equal(o *Literal) bool {
	if l.Hash != o.Hash || !bytes.Equal(l.Value, o.Value) {
		return false
	}
	if len(l.Dependencies) != len(o.Dependencies) {
		return false
	}
	for i := range l.Dependencies {
		if l.Dependencies[i] != o.Dependencies[i] {
			return false
		}
	}
	return true
}
