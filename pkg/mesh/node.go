package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// NodeOptions bundles the collaborators and identity a Node is
// constructed with. Crypto and Persistence default to CryptoBox and
// DatastoreBackend when nil (spec.md §6: collaborators are external, but
// a usable default makes the core exercisable standalone).
type NodeOptions struct {
	PeerID      PeerID
	Config      Config
	Crypto      CryptoCollaborator
	Persistence PersistenceCollaborator
	Metrics     *Metrics
}

// Node wires C1-C7 together: the single entry point an application
// embeds (spec.md §2, §9 "replace dynamic listener lists with typed
// channels; the core exposes a single aggregated event stream at its
// boundary").
type Node struct {
	ID     PeerID
	cfg    Config
	events *eventBus

	signaling *SignalingClient
	manager   *ConnectionManager
	router    *Router
	dht       *DHT
	store     *Store
	metrics   *Metrics
	mdns      *MDNSDiscovery

	onApplicationEnvelope func(from PeerID, e Envelope)

	mu       sync.Mutex
	closed   bool
	cancel   context.CancelFunc
	forwards []<-chan Event
	wg       sync.WaitGroup
}

// NewNode constructs a Node without starting any background activity;
// call Start to bring up the signaling link, connection manager, and DHT
// sweep.
func NewNode(opts NodeOptions) (*Node, error) {
	cfg := opts.Config.withDefaults()

	self := opts.PeerID
	if self.IsZero() {
		id, err := NewPeerID()
		if err != nil {
			return nil, fmt.Errorf("peerpigeon: generate peer id: %w", err)
		}
		self = id
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	crypto := opts.Crypto
	if crypto == nil {
		cb, err := NewCryptoBox()
		if err != nil {
			return nil, fmt.Errorf("peerpigeon: default crypto collaborator: %w", err)
		}
		crypto = cb
	}
	persistence := opts.Persistence
	if persistence == nil {
		persistence = NewDatastoreBackend(nil)
	}

	n := &Node{ID: self, cfg: cfg, events: newEventBus(512), metrics: metrics}

	n.signaling = NewSignalingClient(cfg.HubURI, self, cfg, metrics, n.onSignalFrame)
	n.manager = NewConnectionManager(self, cfg, n.signaling, metrics, PeerConnectionConfig{}, n.dispatchEnvelope)

	router, err := NewRouter(self, n.manager, metrics, cfg.SeenSetCapacity, n.dispatchFromRouter)
	if err != nil {
		return nil, fmt.Errorf("peerpigeon: new router: %w", err)
	}
	n.router = router
	n.dht = NewDHT(self, cfg.ReplicationFactor, n.manager, n.router, metrics)
	n.store = NewStore(self, crypto, persistence, n.dht, n.router, metrics)

	if cfg.AutoDiscovery {
		n.mdns = NewMDNSDiscovery(self, n.manager, metrics)
	}

	return n, nil
}

// Router exposes C5 for direct-send and broadcast operations.
func (n *Node) Router() *Router { return n.router }

// DHT exposes C6.
func (n *Node) DHT() *DHT { return n.dht }

// Store exposes C7.
func (n *Node) Store() *Store { return n.store }

// Manager exposes C4 (mainly for Snapshot/ConnectedPeers introspection).
func (n *Node) Manager() *ConnectionManager { return n.manager }

// Metrics returns the node's isolated Prometheus registry holder.
func (n *Node) Metrics() *Metrics { return n.metrics }

// SelfID, ConnectedPeerCount, and DiscoveredPeerCount implement
// api.StatusProvider, letting internal/api report node status without
// that package importing pkg/mesh directly.
func (n *Node) SelfID() string { return n.ID.String() }

// ConnectedPeerCount reports the current Connected-state peer count.
func (n *Node) ConnectedPeerCount() int { return len(n.manager.ConnectedPeers()) }

// DiscoveredPeerCount reports the total tracked PeerRecord count,
// Connected peers included (spec.md §3: the Discovered set has no
// upper bound).
func (n *Node) DiscoveredPeerCount() int { return n.manager.TableSize() }

// OnEnvelope registers the application-level handler invoked for every
// envelope kind C6/C7 do not already claim (KindDirect, KindBroadcast).
func (n *Node) OnEnvelope(f func(from PeerID, e Envelope)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onApplicationEnvelope = f
}

// Events returns the node's single aggregated event stream.
func (n *Node) Events() <-chan Event { return n.events.events() }

// Start brings up the signaling client, connection manager health sweep,
// and DHT TTL sweep, and begins fanning in their event streams.
func (n *Node) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	n.cancel = cancel
	n.mu.Unlock()

	n.signaling.Start(ctx)
	n.manager.Start(ctx)
	n.dht.Start(ctx, n.cfg.ttlSweepInterval())

	if n.mdns != nil {
		if err := n.mdns.Start(ctx); err != nil {
			slog.Warn("node: mdns discovery failed to start, continuing without it", "error", err)
			n.mdns = nil
		}
	}

	n.fanIn(n.signaling.Events())
	n.fanIn(n.manager.Events())
	n.fanIn(n.dht.Events())
}

func (n *Node) fanIn(src <-chan Event) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for ev := range src {
			n.events.publish(ev)
		}
	}()
}

// Close performs the graceful shutdown sequence: broadcast Goodbye, wait a
// short grace for it to reach the data channels, cancel in-flight work,
// then close mDNS, every C3, the DHT, and finally C2.
func (n *Node) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	cancel := n.cancel
	n.mu.Unlock()

	if err := n.router.BroadcastGoodbye(); err != nil {
		slog.Debug("node: broadcast goodbye failed", "error", err)
	}
	// Grace period for the goodbye broadcast to reach the data channels
	// before they are torn down (spec.md §5 "drains pending outbound
	// frames with a short grace").
	time.Sleep(200 * time.Millisecond)

	if cancel != nil {
		cancel()
	}
	if n.mdns != nil {
		n.mdns.Close()
	}
	n.manager.Close()
	n.dht.Close()
	n.signaling.Close()
	n.wg.Wait()
	n.events.close()
}

// onSignalFrame is the SignalingClient's onFrame callback: dispatches
// Hub-relayed control frames to the ConnectionManager.
func (n *Node) onSignalFrame(f Frame) {
	switch f.Type {
	case framePeerDiscovered:
		peer, err := ParsePeerID(f.PeerID)
		if err != nil {
			return
		}
		n.manager.HandleDiscovered(peer)
	case frameOffer:
		from, err := ParsePeerID(f.From)
		if err != nil {
			return
		}
		n.manager.HandleOffer(from, f.SDP)
	case frameAnswer:
		from, err := ParsePeerID(f.From)
		if err != nil {
			return
		}
		n.manager.HandleAnswer(from, f.SDP)
	case frameICE:
		from, err := ParsePeerID(f.From)
		if err != nil {
			return
		}
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(f.Candidate, &candidate); err != nil {
			return
		}
		n.manager.HandleICE(from, candidate)
	case frameGoodbye:
		peer, err := ParsePeerID(f.PeerID)
		if err != nil {
			return
		}
		n.manager.HandleGoodbye(peer)
	}
}

// dispatchEnvelope is the ConnectionManager's onEnvelope callback: every
// envelope a PeerConnection hands up enters the router first (spec.md
// §2 "Data flow ... inbound frames traverse the reverse path").
func (n *Node) dispatchEnvelope(remote PeerID, e Envelope) {
	n.router.HandleInbound(remote, e)
}

// dispatchFromRouter is invoked once per envelope the router has decided
// is addressed to this node (direct delivery or accepted broadcast). It
// demultiplexes DHT/Store wire kinds from application-level envelopes.
func (n *Node) dispatchFromRouter(from PeerID, e Envelope) {
	switch e.Kind {
	case KindDHTQuery:
		n.dht.onQuery(from, e)
	case KindDHTResponse:
		n.dht.onResponse(from, e)
	case KindDHTReplicate:
		n.dht.onReplicate(from, e)
	case KindDHTNotify:
		n.dht.onNotify(from, e)
	case KindStoreReplicate:
		n.store.onReplicate(from, e)
	case KindGoodbye:
		n.manager.HandleGoodbye(from)
	default:
		n.mu.Lock()
		handler := n.onApplicationEnvelope
		n.mu.Unlock()
		if handler != nil {
			handler(from, e)
		}
	}
}
