package mesh

import (
	"testing"
	"time"
)

func newTestManager(t *testing.T, cfg Config) (*ConnectionManager, PeerID) {
	t.Helper()
	self, err := NewPeerID()
	if err != nil {
		t.Fatalf("NewPeerID() error = %v", err)
	}
	cfg = cfg.withDefaults()
	sig := NewSignalingClient("ws://example.invalid/signal", self, cfg, nil, nil)
	m := NewConnectionManager(self, cfg, sig, NewMetrics(), PeerConnectionConfig{}, func(PeerID, Envelope) {})
	return m, self
}

func connectedRecord(id PeerID, self PeerID) *PeerRecord {
	return &PeerRecord{ID: id, State: StateConnected, DistanceToSelf: XOR(self, id), ConnectedAt: time.Now(), LastSeen: time.Now()}
}

func TestDiscoveryDecisionAutoConnectBelowMin(t *testing.T) {
	m, _ := newTestManager(t, Config{MinPeers: 2, MaxPeers: 6, AutoConnect: true, EvictionEnabled: true})
	peer, _ := NewPeerID()

	r := &PeerRecord{ID: peer, State: StateDiscovered, DiscoveredAt: time.Now()}
	m.mu.Lock()
	connect, evict, _ := m.discoveryDecisionLocked(r)
	m.mu.Unlock()

	if !connect {
		t.Fatalf("expected discoveryDecisionLocked to request a connect attempt below MinPeers")
	}
	if evict {
		t.Fatalf("did not expect an eviction decision with zero connected peers")
	}
}

func TestDiscoveryDecisionEvictsFartherPeer(t *testing.T) {
	m, self := newTestManager(t, Config{MinPeers: 0, MaxPeers: 1, AutoConnect: false, EvictionEnabled: true})

	far, _ := NewPeerID()
	m.mu.Lock()
	m.table[far] = connectedRecord(far, self)
	m.mu.Unlock()

	// Construct a candidate strictly closer to self than far by flipping
	// far's most significant distance bit off.
	near := far
	near[0] = self[0]
	if near.Equal(far) {
		t.Skip("degenerate random peer ids, skipping")
	}

	r := &PeerRecord{ID: near, State: StateDiscovered, DiscoveredAt: time.Now()}
	m.mu.Lock()
	m.table[near] = r
	connect, evict, victim := m.discoveryDecisionLocked(r)
	m.mu.Unlock()

	if connect {
		t.Fatalf("did not expect a direct connect decision when at MaxPeers")
	}
	if !Closer(near, far, self) {
		t.Skip("constructed candidate was not actually closer; nondeterministic random ids")
	}
	if !evict || victim == nil || !victim.ID.Equal(far) {
		t.Fatalf("expected eviction of the farther peer %s, got evict=%v victim=%v", far, evict, victim)
	}
}

func TestSetMaxPeersEvictsDownToCeiling(t *testing.T) {
	m, self := newTestManager(t, Config{MinPeers: 0, MaxPeers: 6, AutoConnect: false, EvictionEnabled: true})

	ids := make([]PeerID, 4)
	for i := range ids {
		id, _ := NewPeerID()
		ids[i] = id
		m.mu.Lock()
		m.table[id] = connectedRecord(id, self)
		m.mu.Unlock()
	}

	m.SetMaxPeers(2)

	m.mu.RLock()
	got := m.connectedCountLocked()
	m.mu.RUnlock()
	if got > 2 {
		t.Fatalf("SetMaxPeers(2) left %d connected peers, want <= 2", got)
	}
}

func TestOnPeerConnStateOpenPublishesConnectedAndReady(t *testing.T) {
	m, self := newTestManager(t, Config{MinPeers: 0, MaxPeers: 6})
	peer, _ := NewPeerID()
	m.mu.Lock()
	m.table[peer] = &PeerRecord{ID: peer, State: StateConnecting, DistanceToSelf: XOR(self, peer)}
	m.mu.Unlock()

	m.onPeerConnState(peer, ConnOpen, "data_channel_open")

	snap, ok := m.Snapshot(peer)
	if !ok || snap.State != StateConnected || !snap.DataChannelReady {
		t.Fatalf("expected peer to be Connected with DataChannelReady, got %+v ok=%v", snap, ok)
	}

	seen := map[EventKind]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-m.Events():
			seen[ev.Kind] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
	if !seen[EventPeerConnected] || !seen[EventDataChannelReady] {
		t.Fatalf("expected PeerConnected and DataChannelReady events, got %v", seen)
	}
}

func TestOnPeerConnStateClosedPublishesDisconnected(t *testing.T) {
	m, self := newTestManager(t, Config{MinPeers: 0, MaxPeers: 6})
	peer, _ := NewPeerID()
	m.mu.Lock()
	m.table[peer] = connectedRecord(peer, self)
	m.mu.Unlock()

	m.onPeerConnState(peer, ConnClosed, "ice_failed")

	select {
	case ev := <-m.Events():
		if ev.Kind != EventPeerDisconnected || ev.Reason != "ice_failed" {
			t.Fatalf("got event %+v, want PeerDisconnected/ice_failed", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for PeerDisconnected event")
	}

	snap, ok := m.Snapshot(peer)
	if !ok || snap.State != StateClosed {
		t.Fatalf("expected peer record in StateClosed, got %+v", snap)
	}
}

func TestHandleGoodbyeRemovesPeer(t *testing.T) {
	m, self := newTestManager(t, Config{})
	peer, _ := NewPeerID()
	m.mu.Lock()
	m.table[peer] = connectedRecord(peer, self)
	m.mu.Unlock()

	m.HandleGoodbye(peer)

	if _, ok := m.Snapshot(peer); ok {
		t.Fatalf("expected peer to be removed from the table after Goodbye")
	}
}

func TestHandleOfferTieBreakSmallerPeerIDStaysInitiator(t *testing.T) {
	m, self := newTestManager(t, Config{MinPeers: 0, MaxPeers: 6})
	from, _ := NewPeerID()
	if from.Equal(self) {
		t.Skip("degenerate random peer ids, skipping")
	}
	// Arrange self to already be Connecting as Initiator toward from, then
	// simulate from's cross offer arriving concurrently.
	m.mu.Lock()
	m.table[from] = &PeerRecord{ID: from, State: StateConnecting, Role: RoleInitiator, DistanceToSelf: XOR(self, from)}
	m.mu.Unlock()

	m.HandleOffer(from, "sdp")

	m.mu.RLock()
	r := m.table[from]
	m.mu.RUnlock()
	if self.Less(from) {
		// self is the lexicographically smaller id: self's outbound offer
		// wins, from's cross offer must be ignored entirely.
		if r.State != StateConnecting || r.Role != RoleInitiator || r.conn != nil {
			t.Fatalf("expected the winning side's in-flight offer untouched, got state=%v role=%v conn=%v", r.State, r.Role, r.conn)
		}
	} else {
		// self loses the tie-break: it must yield and become Responder to
		// from's offer instead.
		if r.Role != RoleResponder || r.conn == nil {
			t.Fatalf("expected the losing side to accept from's offer as Responder, got role=%v conn=%v", r.Role, r.conn)
		}
	}
}

func TestNearestDiscoveredLockedOrdersByDistance(t *testing.T) {
	m, self := newTestManager(t, Config{})
	var ids []PeerID
	for i := 0; i < 5; i++ {
		id, _ := NewPeerID()
		ids = append(ids, id)
		m.mu.Lock()
		m.table[id] = &PeerRecord{ID: id, State: StateDiscovered, DistanceToSelf: XOR(self, id)}
		m.mu.Unlock()
	}

	m.mu.Lock()
	nearest := m.nearestDiscoveredLocked(3)
	m.mu.Unlock()

	if len(nearest) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(nearest))
	}
	for i := 1; i < len(nearest); i++ {
		prev := XOR(self, nearest[i-1])
		cur := XOR(self, nearest[i])
		if cur.Less(prev) {
			t.Fatalf("nearestDiscoveredLocked not sorted ascending by distance at index %d", i)
		}
	}
}
