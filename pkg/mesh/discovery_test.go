package mesh

import (
	"testing"

	"github.com/libp2p/zeroconf/v2"
)

func TestHandleEntrySkipsSelf(t *testing.T) {
	m, self := newTestManager(t, Config{MinPeers: 1, MaxPeers: 6, AutoConnect: true})
	d := NewMDNSDiscovery(self, m, NewMetrics())

	d.handleEntry(&zeroconf.ServiceEntry{Text: []string{peerIDTXTPrefix + self.String()}})

	if _, ok := m.table[self]; ok {
		t.Fatalf("handleEntry recorded self as a discovered peer")
	}
}

func TestHandleEntryRegistersDiscoveredPeer(t *testing.T) {
	m, self := newTestManager(t, Config{MinPeers: 1, MaxPeers: 6, AutoConnect: false})
	other, err := NewPeerID()
	if err != nil {
		t.Fatalf("NewPeerID() error = %v", err)
	}
	d := NewMDNSDiscovery(self, m, NewMetrics())

	d.handleEntry(&zeroconf.ServiceEntry{Text: []string{peerIDTXTPrefix + other.String()}})

	if _, ok := m.Snapshot(other); !ok {
		t.Fatalf("expected handleEntry to register %s via HandleDiscovered", other)
	}
}

func TestHandleEntryIgnoresEntriesWithoutPeerIDTXT(t *testing.T) {
	m, self := newTestManager(t, Config{MinPeers: 1, MaxPeers: 6})
	d := NewMDNSDiscovery(self, m, nil)

	d.handleEntry(&zeroconf.ServiceEntry{Text: []string{"unrelated=value"}})

	m.mu.RLock()
	n := len(m.table)
	m.mu.RUnlock()
	if n != 0 {
		t.Fatalf("expected no peer registered from a malformed entry, got %d", n)
	}
}
