// Package store implements the per-node persistent object store (spec.md
// §4.1): literal storage, the secondary reference index, and the
// incrementally-maintained terminal-ops state per mutable object.
package store

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/opgraph/syncnode/internal/hashobj"
	"github.com/opgraph/syncnode/internal/metrics"
	"github.com/opgraph/syncnode/internal/storage"
	"github.com/opgraph/syncnode/internal/syncerr"
)

// Key prefixes, following the teacher's "<tag>:<hash>" convention.
var (
	prefixLiteral     = []byte("l:")  // l:<hash> -> literal JSON
	prefixTerminalOps = []byte("to:") // to:<mutableHash> -> terminal-ops state JSON
	prefixRef         = []byte("r:")  // r:<referencedHash>:<path>:<referringHash> -> 1
)

// Store is the node's object store: one Pebble-backed storage.DB plus
// the in-process locking needed to keep the terminal-ops cache and
// reference index consistent with what's on disk.
type Store struct {
	db *storage.DB
	mu sync.Mutex
}

// New wraps db as an object Store.
func New(db *storage.DB) *Store {
	return &Store{db: db}
}

// Save persists lit. Saving an already-present literal is a no-op (Save is
// idempotent). If lit is a mutation op (it carries a "target" dependency),
// its target and every prevOp must already be persisted — Save refuses to
// create a dangling edge in the op DAG.
func (s *Store) Save(lit *hashobj.Literal) error {
	if err := lit.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasLocked(lit.Hash) {
		metrics.OpsSavedTotal.WithLabelValues("duplicate").Inc()
		return nil
	}

	target, prevOps, isOp := opLinkage(lit)
	if isOp {
		class, _, _, err := hashobj.OpHeader(lit)
		if err != nil {
			return fmt.Errorf("store: decode op header for %s: %w", lit.Hash, err)
		}
		if !hashobj.IsRegisteredClass(class) {
			metrics.OpsSavedTotal.WithLabelValues("rejected").Inc()
			return syncerr.New(syncerr.KindUnacceptableOp, "op %s has unaccepted class %q", lit.Hash, class)
		}
		if !target.IsZero() && !s.hasLocked(target) {
			metrics.OpsSavedTotal.WithLabelValues("rejected").Inc()
			return syncerr.New(syncerr.KindMissingDependency, "op %s targets %s which is not yet persisted", lit.Hash, target)
		}
		for _, p := range prevOps {
			if !s.hasLocked(p) {
				metrics.OpsSavedTotal.WithLabelValues("rejected").Inc()
				return syncerr.New(syncerr.KindMissingDependency, "op %s depends on prevOp %s which is not yet persisted", lit.Hash, p)
			}
		}
	}

	data, err := json.Marshal(lit)
	if err != nil {
		return fmt.Errorf("store: marshal literal %s: %w", lit.Hash, err)
	}
	if err := s.db.Set(literalKey(lit.Hash), data); err != nil {
		return fmt.Errorf("store: persist literal %s: %w", lit.Hash, err)
	}

	for _, d := range lit.Dependencies {
		if err := s.db.Set(refKey(d.Hash, d.Path, lit.Hash), []byte{1}); err != nil {
			return fmt.Errorf("store: index reference %s->%s: %w", lit.Hash, d.Hash, err)
		}
	}

	if isOp {
		if err := s.updateTerminalOpsLocked(target, prevOps, lit.Hash); err != nil {
			return err
		}
	}

	metrics.OpsSavedTotal.WithLabelValues("accepted").Inc()
	return nil
}

// Load retrieves a literal by hash. Returns nil, nil if not present.
func (s *Store) Load(hash hashobj.Hash) (*hashobj.Literal, error) {
	data, err := s.db.Get(literalKey(hash))
	if err != nil {
		return nil, fmt.Errorf("store: load literal %s: %w", hash, err)
	}
	if data == nil {
		return nil, nil
	}

	var lit hashobj.Literal
	if err := json.Unmarshal(data, &lit); err != nil {
		return nil, fmt.Errorf("store: decode literal %s: %w", hash, err)
	}
	return &lit, nil
}

// LoadLiteral is an alias of Load kept for call sites that read more
// naturally naming the type they expect back.
func (s *Store) LoadLiteral(hash hashobj.Hash) (*hashobj.Literal, error) {
	return s.Load(hash)
}

// Has reports whether a literal is present in the store.
func (s *Store) Has(hash hashobj.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasLocked(hash)
}

func (s *Store) hasLocked(hash hashobj.Hash) bool {
	data, _ := s.db.Get(literalKey(hash))
	return data != nil
}

// LoadTerminalOpsForMutable returns the current terminal-ops state for a
// mutable object, or an empty state (no terminal ops yet) if the object has
// never been touched.
func (s *Store) LoadTerminalOpsForMutable(mutableHash hashobj.Hash) (*hashobj.TerminalOpsState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadTerminalOpsLocked(mutableHash)
}

func (s *Store) loadTerminalOpsLocked(mutableHash hashobj.Hash) (*hashobj.TerminalOpsState, error) {
	data, err := s.db.Get(terminalOpsKey(mutableHash))
	if err != nil {
		return nil, fmt.Errorf("store: load terminal-ops state for %s: %w", mutableHash, err)
	}
	if data == nil {
		return &hashobj.TerminalOpsState{MutableObjHash: mutableHash}, nil
	}

	var state hashobj.TerminalOpsState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("store: decode terminal-ops state for %s: %w", mutableHash, err)
	}
	return &state, nil
}

func (s *Store) saveTerminalOpsLocked(state *hashobj.TerminalOpsState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("store: marshal terminal-ops state for %s: %w", state.MutableObjHash, err)
	}
	return s.db.Set(terminalOpsKey(state.MutableObjHash), data)
}

// updateTerminalOpsLocked folds a freshly-accepted op into the target's
// terminal-ops set: its prevOps fall off the frontier, and the new op joins
// it. This is the incremental maintenance spec.md §4.1 asks for — no full
// DAG walk is needed per save.
func (s *Store) updateTerminalOpsLocked(target hashobj.Hash, prevOps []hashobj.Hash, newOp hashobj.Hash) error {
	state, err := s.loadTerminalOpsLocked(target)
	if err != nil {
		return err
	}
	state.TerminalOps = state.TerminalOps.Remove(prevOps...).Add(newOp)
	if err := s.saveTerminalOpsLocked(state); err != nil {
		return err
	}
	metrics.TerminalOpsSetSize.WithLabelValues(target.String()).Set(float64(len(state.TerminalOps)))
	return nil
}

// WatchReferences returns the hashes of every stored literal that declares a
// dependency on referencedHash, used to find every op that targets a given
// mutable object or points at a given op.
func (s *Store) WatchReferences(referencedHash hashobj.Hash) ([]hashobj.Hash, error) {
	prefix := append(append([]byte{}, prefixRef...), []byte(referencedHash.String()+":")...)

	var out []hashobj.Hash
	err := s.db.IteratePrefix(prefix, func(key, _ []byte) error {
		referring, err := referringHashFromKey(key)
		if err != nil {
			return err
		}
		out = append(out, referring)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: watch references to %s: %w", referencedHash, err)
	}
	return out, nil
}

func literalKey(h hashobj.Hash) []byte {
	return append(append([]byte{}, prefixLiteral...), h[:]...)
}

func terminalOpsKey(h hashobj.Hash) []byte {
	return append(append([]byte{}, prefixTerminalOps...), h[:]...)
}

// refKey lays the referring hash at the end of the key so WatchReferences
// can prefix-scan on "r:<referencedHash>:" alone.
func refKey(referencedHash hashobj.Hash, path string, referringHash hashobj.Hash) []byte {
	return append(append([]byte{}, prefixRef...), []byte(referencedHash.String()+":"+path+":"+referringHash.String())...)
}

func referringHashFromKey(key []byte) (hashobj.Hash, error) {
	s := string(key)
	idx := len(s) - 64 // trailing hex-encoded 32-byte hash
	if idx < 0 {
		return hashobj.Hash{}, fmt.Errorf("store: malformed reference key %q", s)
	}
	return decodeHexHash(s[idx:])
}

func decodeHexHash(hexStr string) (hashobj.Hash, error) {
	var h hashobj.Hash
	if err := json.Unmarshal([]byte(`"`+hexStr+`"`), &h); err != nil {
		return hashobj.Hash{}, fmt.Errorf("store: decode hash %q: %w", hexStr, err)
	}
	return h, nil
}

// opLinkage extracts the target and prevOps of lit if it is a mutation op
// literal (identified by the presence of a "target" dependency).
func opLinkage(lit *hashobj.Literal) (target hashobj.Hash, prevOps []hashobj.Hash, isOp bool) {
	t, found := lit.DependencyByPath("target")
	if !found {
		return hashobj.Hash{}, nil, false
	}
	target = t.Hash

	for i := 0; ; i++ {
		d, found := lit.DependencyByPath(fmt.Sprintf("prevOps[%d]", i))
		if !found {
			break
		}
		prevOps = append(prevOps, d.Hash)
	}
	return target, prevOps, true
}
