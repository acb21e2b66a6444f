package hashobj

import (
	"encoding/json"
	"fmt"
)

// TerminalOpsState is the hashed summary the gossip layer diffuses: which
// ops currently sit at the frontier of a mutable object's op DAG. Its hash
// is the "state hash" compared across peers.
type TerminalOpsState struct {
	MutableObjHash Hash
	TerminalOps    HashSet
}

type terminalOpsStateBody struct {
	MutableObjHash Hash   `json:"mutableObjHash"`
	TerminalOps    []Hash `json:"terminalOps"`
}

// LiteralizeState canonicalizes a TerminalOpsState into a Literal. Terminal
// ops states have no dependencies listed and no signatures: they are a
// locally-derived summary, not an authored object.
func LiteralizeState(s *TerminalOpsState) (*Literal, error) {
	body := terminalOpsStateBody{
		MutableObjHash: s.MutableObjHash,
		TerminalOps:    []Hash(s.TerminalOps),
	}

	value, err := canonicalJSON(body)
	if err != nil {
		return nil, fmt.Errorf("canonicalize terminal-ops state: %w", err)
	}

	return &Literal{
		Hash:  computeHash(value),
		Value: value,
	}, nil
}

// MaterializeState decodes a Literal back into a TerminalOpsState.
func MaterializeState(lit *Literal) (*TerminalOpsState, error) {
	if err := lit.Validate(); err != nil {
		return nil, err
	}

	var body terminalOpsStateBody
	if err := json.Unmarshal(lit.Value, &body); err != nil {
		return nil, fmt.Errorf("decode terminal-ops state: %w", err)
	}

	return &TerminalOpsState{
		MutableObjHash: body.MutableObjHash,
		TerminalOps:    NewHashSet(body.TerminalOps...),
	}, nil
}

// StateHash returns the hash that identifies this terminal-ops state: the
// Hash of LiteralizeState(s).
func (s *TerminalOpsState) StateHash() (Hash, error) {
	lit, err := LiteralizeState(s)
	if err != nil {
		return Hash{}, err
	}
	return lit.Hash, nil
}
