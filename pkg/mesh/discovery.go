package mesh

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/zeroconf/v2"
)

// mdnsServiceName is the DNS-SD service type PeerPigeon nodes advertise
// and browse for on the local network (spec.md §9 "auto_discovery": a
// LAN-local supplement to Hub-based discovery, not a replacement for it).
const mdnsServiceName = "_peerpigeon._udp"

const (
	mdnsBrowseInterval = 30 * time.Second
	mdnsBrowseTimeout  = 10 * time.Second
	peerIDTXTPrefix    = "peer_id="
)

// MDNSDiscovery advertises this node's PeerID via mDNS and periodically
// browses for other PeerPigeon nodes on the same LAN, feeding anything it
// finds into the ConnectionManager as if it had arrived via a Hub
// peer-discovered frame.
//
// Grounded on pkg/p2pnet/mdns.go's register/browse-loop shape, stripped of
// libp2p's host/multiaddr/peerstore machinery: PeerPigeon has no
// transport-level address book, only PeerIDs the ConnectionManager already
// knows how to dial through the signaling Hub, so the peer_id= TXT record
// of a discovered instance is all HandleDiscovered needs.
type MDNSDiscovery struct {
	self    PeerID
	manager *ConnectionManager
	metrics *Metrics

	server *zeroconf.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMDNSDiscovery constructs an MDNSDiscovery. metrics may be nil.
func NewMDNSDiscovery(self PeerID, manager *ConnectionManager, metrics *Metrics) *MDNSDiscovery {
	return &MDNSDiscovery{self: self, manager: manager, metrics: metrics}
}

// Start registers this node's mDNS service and begins the periodic browse
// loop. Safe to call once; call Close to stop.
func (d *MDNSDiscovery) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)

	server, err := zeroconf.RegisterProxy(
		d.self.String(),
		mdnsServiceName,
		"local.",
		4001,
		d.self.String(),
		[]string{"127.0.0.1"},
		[]string{peerIDTXTPrefix + d.self.String()},
		nil,
	)
	if err != nil {
		return err
	}
	d.server = server

	d.wg.Add(1)
	go d.browseLoop()
	return nil
}

// Close stops advertising and browsing and waits for the loop to exit.
func (d *MDNSDiscovery) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.server != nil {
		d.server.Shutdown()
	}
	d.wg.Wait()
}

func (d *MDNSDiscovery) browseLoop() {
	defer d.wg.Done()

	d.runBrowse()

	ticker := time.NewTicker(mdnsBrowseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runBrowse()
		}
	}
}

// runBrowse executes one bounded browse round. Each round opens a fresh
// multicast socket, matching pkg/p2pnet/mdns.go's workaround for
// platform-specific sockets that stall silently when held open too long.
func (d *MDNSDiscovery) runBrowse() {
	ctx, cancel := context.WithTimeout(d.ctx, mdnsBrowseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	go func() {
		for entry := range entries {
			d.handleEntry(entry)
		}
	}()

	if err := zeroconf.Browse(ctx, mdnsServiceName, "local.", entries); err != nil && d.ctx.Err() == nil {
		slog.Debug("mdns: browse round error", "error", err)
	}
}

func (d *MDNSDiscovery) handleEntry(entry *zeroconf.ServiceEntry) {
	for _, txt := range entry.Text {
		if !strings.HasPrefix(txt, peerIDTXTPrefix) {
			continue
		}
		id, err := ParsePeerID(txt[len(peerIDTXTPrefix):])
		if err != nil {
			continue
		}
		if id.Equal(d.self) {
			return
		}
		if d.metrics != nil {
			d.metrics.MDNSDiscovered.Inc()
		}
		d.manager.HandleDiscovered(id)
		return
	}
}
