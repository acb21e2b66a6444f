package pod

import "testing"

type recordingAgent struct {
	events *[]Event
}

func (a *recordingAgent) HandleEvent(ev Event) {
	*a.events = append(*a.events, ev)
}

func TestBroadcastEventPreservesRegistrationOrder(t *testing.T) {
	p := New()

	var seenA, seenB []Event
	p.RegisterAgent("a", &recordingAgent{events: &seenA})
	p.RegisterAgent("b", &recordingAgent{events: &seenB})

	// Each RegisterAgent call itself broadcasts an AgentSetChange, so clear
	// what's accumulated so far before the broadcast under test.
	seenA = nil
	seenB = nil

	p.BroadcastEvent(Event{Type: AgentStateUpdate, AgentID: "a"})

	if len(seenA) != 1 || len(seenB) != 1 {
		t.Fatalf("expected both agents to observe the broadcast, got a=%d b=%d", len(seenA), len(seenB))
	}
	if seenA[0].Type != AgentStateUpdate {
		t.Errorf("unexpected event type %v", seenA[0].Type)
	}
}

func TestDeregisterAgentStopsDelivery(t *testing.T) {
	p := New()
	var seen []Event
	p.RegisterAgent("a", &recordingAgent{events: &seen})
	p.DeregisterAgent("a")

	seen = nil
	p.BroadcastEvent(Event{Type: AgentStateUpdate})

	if len(seen) != 0 {
		t.Errorf("expected no events after deregistration, got %d", len(seen))
	}
}

func TestSendToAgentUnknownID(t *testing.T) {
	p := New()
	if err := p.SendToAgent("ghost", Event{Type: NewPeer}); err == nil {
		t.Fatal("expected error sending to unregistered agent")
	}
}

func TestSendToAgentDelivers(t *testing.T) {
	p := New()
	var seen []Event
	p.RegisterAgent("a", &recordingAgent{events: &seen})
	seen = nil

	if err := p.SendToAgent("a", Event{Type: NewPeer, PeerID: "peer-1"}); err != nil {
		t.Fatalf("SendToAgent: %v", err)
	}
	if len(seen) != 1 || seen[0].PeerID != "peer-1" {
		t.Errorf("unexpected delivered event %+v", seen)
	}
}

func TestAgentIDsOrder(t *testing.T) {
	p := New()
	p.RegisterAgent("a", &recordingAgent{events: &[]Event{}})
	p.RegisterAgent("b", &recordingAgent{events: &[]Event{}})
	p.RegisterAgent("c", &recordingAgent{events: &[]Event{}})

	ids := p.AgentIDs()
	want := []string{"a", "b", "c"}
	if len(ids) != len(want) {
		t.Fatalf("expected %d ids, got %d", len(want), len(ids))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("index %d: got %q, want %q", i, ids[i], want[i])
		}
	}
}
