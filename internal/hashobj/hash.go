// Package hashobj implements the content-addressed object model: hashes,
// literals, mutation ops, terminal-ops state, and the transfer context that
// bundles them for a single message. Everything here is a pure value —
// nothing in this package touches storage or the network.
package hashobj

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte content fingerprint. Two objects with equal hash are
// considered equal everywhere in the protocol.
type Hash [32]byte

// ZeroHash is the all-zero hash value (not the hash of empty content); used
// as a sentinel for "no parent."
var ZeroHash = Hash{}

// String returns the lowercase hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// MarshalJSON encodes the hash as a hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON decodes a hex string into the hash.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(decoded) != len(h) {
		return errHashLength(len(decoded))
	}
	copy(h[:], decoded)
	return nil
}

type errHashLength int

func (e errHashLength) Error() string {
	return "hashobj: invalid hash length"
}

// HashSet is a sorted, deduplicated set of hashes. Sorting makes it a stable,
// hashable value in its own right (used for terminal-ops state).
type HashSet []Hash

// NewHashSet builds a sorted, deduplicated HashSet from the given hashes.
func NewHashSet(hashes ...Hash) HashSet {
	seen := make(map[Hash]struct{}, len(hashes))
	out := make(HashSet, 0, len(hashes))
	for _, h := range hashes {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

// Contains reports whether h is a member of the set.
func (s HashSet) Contains(h Hash) bool {
	for _, v := range s {
		if v == h {
			return true
		}
	}
	return false
}

// Add returns a new HashSet with h inserted, preserving sort order.
func (s HashSet) Add(h Hash) HashSet {
	return NewHashSet(append(append(HashSet{}, s...), h)...)
}

// Remove returns a new HashSet with every hash in victims removed.
func (s HashSet) Remove(victims ...Hash) HashSet {
	drop := make(map[Hash]struct{}, len(victims))
	for _, v := range victims {
		drop[v] = struct{}{}
	}
	out := make(HashSet, 0, len(s))
	for _, h := range s {
		if _, ok := drop[h]; ok {
			continue
		}
		out = append(out, h)
	}
	return out
}

// computeHash returns the blake3-256 hash of canonical bytes.
func computeHash(canonical []byte) Hash {
	return blake3.Sum256(canonical)
}

// canonicalJSON marshals v with map keys sorted and no extraneous
// whitespace. encoding/json already sorts map[string]T keys and preserves
// struct field declaration order, which is sufficient for byte-identical
// canonical forms across peers as long as every peer runs the same Go
// encoder on the same Go types — exactly the property spec.md §6 requires.
func canonicalJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
