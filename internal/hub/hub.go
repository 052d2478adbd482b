// Package hub implements the signaling rendezvous server Nodes dial as
// their C2 link (spec.md §4.2, §6): it relays offer/answer/ice frames
// between announced peers in delivery order per (from,to) pair, and
// broadcasts peer-discovered on every new announce.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

// Frame mirrors mesh.Frame field-for-field; the Hub never imports the
// mesh package (it only relays opaque control frames and does not speak
// PeerID or Envelope), so the wire shape is duplicated here.
type Frame struct {
	Type      string          `json:"type"`
	PeerID    string          `json:"peer_id,omitempty"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Version   string          `json:"version,omitempty"`

	// relayedVia distinguishes frames federated in from a bootstrap Hub
	// from frames originating with a directly attached client, so they
	// are never re-federated back out (spec.md §9 "Hub federation").
	relayedVia string
}

const (
	frameAnnounce       = "announce"
	framePeerDiscovered = "peer-discovered"
	frameOffer          = "offer"
	frameAnswer         = "answer"
	frameICE            = "ice"
	framePing           = "ping"
	framePong           = "pong"
	frameGoodbye        = "goodbye"
)

const (
	writeTimeout      = 10 * time.Second
	clientReadTimeout = 90 * time.Second
	defaultSeenCap    = 8192
)

// Metrics is the Hub's isolated Prometheus registry, mirroring the
// per-process registry idiom of mesh.Metrics (DESIGN.md "Metrics").
type Metrics struct {
	Registry          *prometheus.Registry
	ClientsConnected   prometheus.Gauge
	FramesRelayed      *prometheus.CounterVec
	FramesDropped      *prometheus.CounterVec
	FederatedHubsUp    prometheus.Gauge
}

// NewMetrics builds a Hub Metrics on a fresh, isolated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peerpigeon_hub_clients_connected",
			Help: "Number of currently attached client sockets.",
		}),
		FramesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerpigeon_hub_frames_relayed_total",
			Help: "Frames relayed, by type.",
		}, []string{"type"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerpigeon_hub_frames_dropped_total",
			Help: "Frames dropped, by reason.",
		}, []string{"reason"}),
		FederatedHubsUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peerpigeon_hub_federated_hubs_up",
			Help: "Number of bootstrap hubs currently federated.",
		}),
	}
	reg.MustRegister(m.ClientsConnected, m.FramesRelayed, m.FramesDropped, m.FederatedHubsUp)
	return m
}

// client is one attached websocket connection, either a Node or a peer
// Hub dialed for federation.
type client struct {
	peerID  string
	conn    *websocket.Conn
	writeMu sync.Mutex
	hub     *Hub
}

func (c *client) send(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(f)
}

// Config configures a Hub server.
type Config struct {
	ListenAddr    string
	SeenSetCap    int
	BootstrapHubs []string
}

// Hub is the C2 server side: it accepts client websocket connections,
// tracks the peer_id -> client mapping, relays offer/answer/ice frames
// to their addressed recipient, and broadcasts goodbye and
// peer-discovered.
// Grounded on the Upgrader/connection-table/readLoop shape of a
// websocket transport server in the example pack, generalized from a
// handshake-authenticated mesh transport to an unauthenticated signaling
// relay (spec.md's Hub does no peer authentication; that's out of
// scope per §1 Non-goals).
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader
	metrics  *Metrics
	seen     *lru.Cache // federation loop suppression, Hub-local (spec.md §9)

	mu      sync.RWMutex
	clients map[string]*client

	server *http.Server
	wg     sync.WaitGroup
}

// New constructs a Hub. cfg.SeenSetCap defaults to 8192 when zero.
func New(cfg Config, metrics *Metrics) (*Hub, error) {
	if cfg.SeenSetCap <= 0 {
		cfg.SeenSetCap = defaultSeenCap
	}
	seen, err := lru.New(cfg.SeenSetCap)
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Hub{
		cfg:     cfg,
		metrics: metrics,
		seen:    seen,
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}, nil
}

// Metrics exposes the Hub's registry for an /metrics endpoint.
func (h *Hub) Metrics() *Metrics { return h.metrics }

// ListenAndServe starts the HTTP server and blocks until ctx is
// cancelled or the server errors, mirroring cmd/relay-server's
// listen-then-wait-for-signal shape translated to the single-socket
// websocket transport.
func (h *Hub) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/signal", h.handleUpgrade)
	h.server = &http.Server{Addr: h.cfg.ListenAddr, Handler: mux}

	errCh := make(chan error, 1)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		errCh <- h.server.ListenAndServe()
	}()

	for _, bootstrap := range h.cfg.BootstrapHubs {
		h.wg.Add(1)
		go h.federateWith(ctx, bootstrap)
	}

	select {
	case <-ctx.Done():
		return h.shutdown()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("hub: listen: %w", err)
		}
		return nil
	}
}

func (h *Hub) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.server.Shutdown(shutdownCtx)

	h.mu.Lock()
	for _, c := range h.clients {
		c.conn.Close()
	}
	h.mu.Unlock()

	h.wg.Wait()
	return err
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.serveClient(conn, "")
}

// serveClient runs the per-connection read loop. relayedFrom, when
// non-empty, marks this connection as a federated Hub link rather than
// a directly-attached Node, so inbound frames are never federated
// further (one-hop federation, spec.md §9).
func (h *Hub) serveClient(conn *websocket.Conn, relayedFrom string) {
	c := &client{conn: conn, hub: h}
	h.metrics.ClientsConnected.Inc()
	defer func() {
		h.mu.Lock()
		if c.peerID != "" {
			delete(h.clients, c.peerID)
		}
		h.mu.Unlock()
		h.metrics.ClientsConnected.Dec()
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(clientReadTimeout))
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		f.relayedVia = relayedFrom
		h.handleFrame(c, f)
	}
}

func (h *Hub) handleFrame(c *client, f Frame) {
	switch f.Type {
	case frameAnnounce:
		h.handleAnnounce(c, f)
	case framePing:
		_ = c.send(Frame{Type: framePong, Timestamp: f.Timestamp})
	case frameGoodbye:
		h.mu.Lock()
		delete(h.clients, f.PeerID)
		h.mu.Unlock()
		h.broadcastExcept(c.peerID, f)
	case frameOffer, frameAnswer, frameICE:
		h.relay(f)
	default:
		h.metrics.FramesDropped.WithLabelValues("unknown_type").Inc()
	}
}

func (h *Hub) handleAnnounce(c *client, f Frame) {
	if f.PeerID == "" {
		h.metrics.FramesDropped.WithLabelValues("missing_peer_id").Inc()
		return
	}
	c.peerID = f.PeerID

	h.mu.Lock()
	h.clients[f.PeerID] = c
	h.mu.Unlock()

	h.broadcastExcept(f.PeerID, Frame{Type: framePeerDiscovered, PeerID: f.PeerID})

	// Catch the new arrival up on everyone already present.
	h.mu.RLock()
	existing := make([]string, 0, len(h.clients))
	for id := range h.clients {
		if id != f.PeerID {
			existing = append(existing, id)
		}
	}
	h.mu.RUnlock()
	for _, id := range existing {
		_ = c.send(Frame{Type: framePeerDiscovered, PeerID: id})
	}
}

// relay forwards a directed frame to its addressed recipient only, per
// spec.md §4.2's "delivery order per (from,to) pair" guarantee — a
// single per-client writeMu and one websocket connection per client
// gives that ordering for free.
func (h *Hub) relay(f Frame) {
	h.mu.RLock()
	target, ok := h.clients[f.To]
	h.mu.RUnlock()

	if !ok {
		if f.relayedVia == "" {
			h.federateOut(f)
		}
		h.metrics.FramesDropped.WithLabelValues("unknown_target").Inc()
		return
	}
	if err := target.send(f); err != nil {
		h.metrics.FramesDropped.WithLabelValues("send_failed").Inc()
		return
	}
	h.metrics.FramesRelayed.WithLabelValues(f.Type).Inc()
}

func (h *Hub) broadcastExcept(exclude string, f Frame) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for id, c := range h.clients {
		if id != exclude {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.send(f); err == nil {
			h.metrics.FramesRelayed.WithLabelValues(f.Type).Inc()
		}
	}
}

// federateOut forwards a frame addressed to an unknown local peer to
// every federated bootstrap Hub, deduped by a Hub-local SeenSet keyed on
// (type,from,to,timestamp) since federated control frames carry no
// message_id of their own.
func (h *Hub) federateOut(f Frame) {
	key := fmt.Sprintf("%s|%s|%s|%d", f.Type, f.From, f.To, f.Timestamp)
	if h.seen.Contains(key) {
		return
	}
	h.seen.Add(key, struct{}{})

	h.mu.RLock()
	peers := h.federatedPeers()
	h.mu.RUnlock()

	for _, c := range peers {
		if err := c.send(f); err == nil {
			h.metrics.FramesRelayed.WithLabelValues(f.Type).Inc()
		}
	}
}

// federatedPeers returns the clients that are themselves bootstrap-Hub
// links rather than directly-attached Nodes. Caller must hold h.mu.
func (h *Hub) federatedPeers() []*client {
	var out []*client
	for _, c := range h.clients {
		if c.peerID == "" {
			out = append(out, c)
		}
	}
	return out
}

// federateWith dials a bootstrap Hub as a client of itself and relays
// between the two Hubs' attached peer sets (spec.md §9 "Hub federation
// ... a Hub dials configured bootstrap_hubs as a client of itself").
func (h *Hub) federateWith(ctx context.Context, hubURI string) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, hubURI, nil)
		if err != nil {
			slog.Warn("hub: federation dial failed", "hub", hubURI, "error", err)
			select {
			case <-time.After(5 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		h.metrics.FederatedHubsUp.Inc()
		slog.Info("hub: federated", "hub", hubURI)
		h.serveClient(conn, hubURI)
		h.metrics.FederatedHubsUp.Dec()

		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}
