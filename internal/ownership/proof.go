// Package ownership implements possession proofs: a peer that already holds
// an object can prove it without the sender re-transmitting the object, and
// without the proof itself leaking the object's content to an eavesdropper
// who doesn't already hold it.
package ownership

import (
	"crypto/subtle"

	"github.com/zeebo/blake3"
)

// ProofSize is the length in bytes of a proof value.
const ProofSize = 32

// BuildProof computes H(value || secret), proving possession of value to
// anyone who also knows secret, without disclosing value to anyone who
// doesn't already have it. secret is a per-session or per-peer-group value
// agreed out of band (see the node's -group-secret flag); reusing the same secret
// across unrelated peer groups would let one group's proofs validate in
// another, so callers must scope it correctly.
func BuildProof(value, secret []byte) []byte {
	h := blake3.New()
	h.Write(value)
	h.Write(secret)
	sum := h.Sum(nil)
	return sum[:ProofSize]
}

// VerifyProof reports whether proof is a valid possession proof for value
// under secret.
func VerifyProof(value, secret, proof []byte) bool {
	want := BuildProof(value, secret)
	return subtle.ConstantTimeCompare(want, proof) == 1
}
