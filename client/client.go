// Package client provides a thin HTTP client for submitting mutation ops to
// a sync node and reading back objects and terminal-ops state.
package client

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/opgraph/syncnode/internal/hashobj"
)

// Client talks to a single sync node's HTTP API.
type Client struct {
	nodeAddr string // nodeAddr is the node's HTTP address, e.g. "127.0.0.1:8080"
}

// New creates a client for the node at addr.
func New(addr string) *Client {
	return &Client{nodeAddr: addr}
}

// Status holds a node's group membership and peering state.
type Status struct {
	GroupID   string `json:"groupId"`
	PeerCount int    `json:"peerCount"`
}

// Status fetches the node's current group and peer-count.
func (c *Client) Status() (*Status, error) {
	var s Status
	if err := httpGet(c.url("/status"), &s); err != nil {
		return nil, fmt.Errorf("get status:\n%w", err)
	}
	return &s, nil
}

// Healthy reports whether the node's /health endpoint responds.
func (c *Client) Healthy() bool {
	var v map[string]string
	return httpGet(c.url("/health"), &v) == nil
}

// SubmitOp submits a literal (a mutation op or any other object the wire
// format allows) and returns its content hash as computed by the node.
func (c *Client) SubmitOp(lit *hashobj.Literal) (hashobj.Hash, error) {
	var resp struct {
		Hash string `json:"hash"`
	}
	if err := httpPostJSON(c.url("/ops"), lit, &resp); err != nil {
		return hashobj.Hash{}, fmt.Errorf("submit op:\n%w", err)
	}
	return parseHash(resp.Hash)
}

// GetObject retrieves a literal by its content hash.
func (c *Client) GetObject(hash hashobj.Hash) (*hashobj.Literal, error) {
	var lit hashobj.Literal
	if err := httpGet(c.url("/objects/"+hash.String()), &lit); err != nil {
		return nil, fmt.Errorf("get object:\n%w", err)
	}
	return &lit, nil
}

// TerminalOps holds a mutable object's current DAG frontier.
type TerminalOps struct {
	MutableObjHash string   `json:"mutableObjHash"`
	TerminalOps    []string `json:"terminalOps"`
}

// GetTerminalOps retrieves the terminal-ops state for a mutable object.
func (c *Client) GetTerminalOps(mutableHash hashobj.Hash) (*TerminalOps, error) {
	var t TerminalOps
	if err := httpGet(c.url("/objects/"+mutableHash.String()+"/terminal-ops"), &t); err != nil {
		return nil, fmt.Errorf("get terminal ops:\n%w", err)
	}
	return &t, nil
}

// Undo requests the node undo the given mutation op and its dependent
// cascade, returning the hashes of the undo ops the node emitted.
func (c *Client) Undo(opHash hashobj.Hash) ([]hashobj.Hash, error) {
	var resp struct {
		UndoOps []string `json:"undoOps"`
	}
	if err := httpPostJSON(c.url("/undo/"+opHash.String()), nil, &resp); err != nil {
		return nil, fmt.Errorf("undo:\n%w", err)
	}
	hashes := make([]hashobj.Hash, len(resp.UndoOps))
	for i, s := range resp.UndoOps {
		h, err := parseHash(s)
		if err != nil {
			return nil, err
		}
		hashes[i] = h
	}
	return hashes, nil
}

func (c *Client) url(path string) string {
	return "http://" + c.nodeAddr + path
}

func parseHash(s string) (hashobj.Hash, error) {
	var h hashobj.Hash
	if err := h.UnmarshalJSON([]byte(`"` + s + `"`)); err != nil {
		return hashobj.Hash{}, fmt.Errorf("invalid hash %q:\n%w", s, err)
	}
	return h, nil
}

// Identity is an author's Ed25519 keypair, used to sign mutation ops
// submitted through this client.
type Identity struct {
	PrivateKey ed25519.PrivateKey
}

// NewIdentity wraps an existing Ed25519 private key as a signing identity.
func NewIdentity(priv ed25519.PrivateKey) *Identity {
	return &Identity{PrivateKey: priv}
}

// AuthorHash returns this identity's public key as a hashobj.Hash, the form
// a MutationOp's "author" dependency expects.
func (id *Identity) AuthorHash() hashobj.Hash {
	var h hashobj.Hash
	copy(h[:], id.PrivateKey.Public().(ed25519.PublicKey))
	return h
}

// Sign signs body (a MutationOp's canonical unsigned bytes) with this
// identity's key.
func (id *Identity) Sign(body []byte) []byte {
	return ed25519.Sign(id.PrivateKey, body)
}

// BuildOp canonicalizes and signs a new mutation op, mirroring the two-pass
// literalize-then-sign dance internal/undo.Engine uses for undo ops: the
// unsigned form fixes the hash, then the signature is attached without
// changing it.
func BuildOp(id *Identity, class string, target hashobj.Hash, prevOps, causalOps hashobj.HashSet, reversible bool, payload json.RawMessage) (*hashobj.Literal, error) {
	op := &hashobj.MutationOp{
		Class:      class,
		Target:     target,
		PrevOps:    prevOps,
		CausalOps:  causalOps,
		Author:     id.AuthorHash(),
		Reversible: reversible,
		Payload:    payload,
	}

	presig, err := hashobj.LiteralizeOp(op)
	if err != nil {
		return nil, fmt.Errorf("literalize op:\n%w", err)
	}

	op.Signature = id.Sign(presig.Value)

	return hashobj.LiteralizeOp(op)
}
