package mesh

import (
	"testing"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n, err := NewNode(NodeOptions{Config: Config{HubURI: "ws://example.invalid/signal"}})
	if err != nil {
		t.Fatalf("NewNode() error = %v", err)
	}
	return n
}

func TestNewNodeAssignsPeerIDWhenUnset(t *testing.T) {
	n := newTestNode(t)
	if n.ID.IsZero() {
		t.Fatalf("NewNode() left ID zero")
	}
}

func TestNewNodeHonorsPinnedPeerID(t *testing.T) {
	pinned, err := NewPeerID()
	if err != nil {
		t.Fatalf("NewPeerID() error = %v", err)
	}
	n, err := NewNode(NodeOptions{PeerID: pinned, Config: Config{HubURI: "ws://example.invalid/signal"}})
	if err != nil {
		t.Fatalf("NewNode() error = %v", err)
	}
	if n.ID != pinned {
		t.Fatalf("NewNode() ID = %s, want %s", n.ID, pinned)
	}
}

func TestDispatchFromRouterRoutesDHTQueryToDHT(t *testing.T) {
	n := newTestNode(t)
	other, _ := NewPeerID()

	if _, err := n.dht.Put("key", []byte("value"), 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	e, err := NewEnvelope(other, n.ID, false, KindDHTQuery, dhtQueryPayload{Key: "key", RequestID: "req-1"})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	// onQuery only replies over a live connection; here we just assert it
	// doesn't panic and registers the peer as a subscriber.
	n.dispatchFromRouter(other, e)

	n.dht.mu.RLock()
	_, subscribed := n.dht.peerSubs["key"][other]
	n.dht.mu.RUnlock()
	if !subscribed {
		t.Fatalf("dispatchFromRouter(DHTQuery) did not register requester as subscriber")
	}
}

func TestDispatchFromRouterInvokesApplicationHandlerForDirect(t *testing.T) {
	n := newTestNode(t)
	other, _ := NewPeerID()

	var gotFrom PeerID
	var gotPayload string
	n.OnEnvelope(func(from PeerID, e Envelope) {
		gotFrom = from
		_ = e.Unmarshal(&gotPayload)
	})

	e, err := NewEnvelope(other, n.ID, false, KindDirect, "hello")
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	n.dispatchFromRouter(other, e)

	if gotFrom != other || gotPayload != "hello" {
		t.Fatalf("application handler got (%s, %q), want (%s, \"hello\")", gotFrom, gotPayload, other)
	}
}

func TestDispatchFromRouterGoodbyeRemovesPeer(t *testing.T) {
	n := newTestNode(t)
	other, _ := NewPeerID()

	n.manager.mu.Lock()
	n.manager.table[other] = connectedRecord(other, n.ID)
	n.manager.mu.Unlock()

	e, err := NewEnvelope(other, n.ID, false, KindGoodbye, struct {
		PeerID string `json:"peer_id"`
	}{other.String()})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	n.dispatchFromRouter(other, e)

	if _, ok := n.manager.Snapshot(other); ok {
		t.Fatalf("Snapshot(other) found after Goodbye dispatch, want removed")
	}
}
