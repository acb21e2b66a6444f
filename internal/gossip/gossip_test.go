package gossip

import (
	"testing"

	"github.com/opgraph/syncnode/internal/hashobj"
)

func testHash(seed byte) hashobj.Hash {
	var h hashobj.Hash
	h[0] = seed
	return h
}

func TestFanoutCount(t *testing.T) {
	a := New(Config{MaxPeers: 10, GossipFraction: 0.2, MinGossipPeers: 4}, nil, nil)

	if got := a.fanoutCount(10); got != 4 {
		t.Errorf("expected floor of 4 with 10 peers at fraction 0.2, got %d", got)
	}
	if got := a.fanoutCount(3); got != 3 {
		t.Errorf("expected capped at peer count 3, got %d", got)
	}
	if got := a.fanoutCount(100); got != 10 {
		t.Errorf("expected capped at MaxPeers 10, got %d", got)
	}
}

func TestUpdateLocalAndBuildFullStateMessage(t *testing.T) {
	a := New(Config{MaxPeers: 10, GossipFraction: 1, MinGossipPeers: 1}, nil, nil)
	a.UpdateLocal("agent-a", testHash(1))
	a.UpdateLocal("agent-b", testHash(2))

	data, err := a.BuildFullStateMessage()
	if err != nil {
		t.Fatalf("BuildFullStateMessage: %v", err)
	}

	msg, err := decodeMessage(data)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if msg.Kind != kindSendFullState {
		t.Errorf("expected kindSendFullState, got %v", msg.Kind)
	}
	if msg.FullState["agent-a"] != testHash(1) || msg.FullState["agent-b"] != testHash(2) {
		t.Errorf("unexpected full state payload %+v", msg.FullState)
	}
}

func TestBuildStateObjectMessageUnknownAgent(t *testing.T) {
	a := New(Config{MaxPeers: 10, GossipFraction: 1, MinGossipPeers: 1}, nil, nil)
	if _, err := a.BuildStateObjectMessage("ghost"); err == nil {
		t.Fatal("expected error building state message for unknown agent")
	}
}

func TestHandleMessageDetectsMismatch(t *testing.T) {
	var mismatches []string
	a := New(Config{MaxPeers: 10, GossipFraction: 1, MinGossipPeers: 1}, nil, func(agentID string, _ hashobj.Hash) error {
		mismatches = append(mismatches, agentID)
		return nil
	})
	a.Track("agent-a")
	a.UpdateLocal("agent-a", testHash(1))

	msg := wireMessage{Kind: kindSendStateObject, AgentID: "agent-a", StateHash: testHash(2)}
	data, err := encodeMessage(msg)
	if err != nil {
		t.Fatalf("encodeMessage: %v", err)
	}

	if err := a.HandleMessage(data); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(mismatches) != 1 || mismatches[0] != "agent-a" {
		t.Errorf("expected one mismatch for agent-a, got %v", mismatches)
	}
}

func TestHandleMessageAgreementNoMismatch(t *testing.T) {
	var mismatches []string
	a := New(Config{MaxPeers: 10, GossipFraction: 1, MinGossipPeers: 1}, nil, func(agentID string, _ hashobj.Hash) error {
		mismatches = append(mismatches, agentID)
		return nil
	})
	a.Track("agent-a")
	a.UpdateLocal("agent-a", testHash(1))

	data, err := encodeMessage(wireMessage{Kind: kindSendStateObject, AgentID: "agent-a", StateHash: testHash(1)})
	if err != nil {
		t.Fatalf("encodeMessage: %v", err)
	}
	if err := a.HandleMessage(data); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(mismatches) != 0 {
		t.Errorf("expected no mismatch when states agree, got %v", mismatches)
	}
}

func TestHandleMessageIgnoresStaleState(t *testing.T) {
	var mismatches []string
	a := New(Config{MaxPeers: 10, GossipFraction: 1, MinGossipPeers: 1}, nil, func(agentID string, _ hashobj.Hash) error {
		mismatches = append(mismatches, agentID)
		return nil
	})

	a.Track("agent-a")
	a.UpdateLocal("agent-a", testHash(1))
	a.UpdateLocal("agent-a", testHash(2)) // supersedes hash 1, pushing it into prevStates

	data, err := encodeMessage(wireMessage{Kind: kindSendStateObject, AgentID: "agent-a", StateHash: testHash(1)})
	if err != nil {
		t.Fatalf("encodeMessage: %v", err)
	}
	if err := a.HandleMessage(data); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(mismatches) != 0 {
		t.Errorf("expected stale state to be ignored, got mismatches %v", mismatches)
	}
}

func TestEncodeDecodeMessageRoundTrip(t *testing.T) {
	full := make(map[string]hashobj.Hash, 200)
	for i := 0; i < 200; i++ {
		full[string(rune('a'+i%26))+string(rune(i))] = testHash(byte(i))
	}

	data, err := encodeMessage(wireMessage{Kind: kindSendFullState, FullState: full})
	if err != nil {
		t.Fatalf("encodeMessage: %v", err)
	}

	got, err := decodeMessage(data)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if len(got.FullState) != len(full) {
		t.Errorf("expected %d entries after round trip, got %d", len(full), len(got.FullState))
	}
}
