package mesh

import (
	lru "github.com/hashicorp/golang-lru"
)

// Router implements C5: XOR-nearest direct routing and SeenSet-suppressed
// gossip broadcast (spec.md §4.5). It owns the SeenSet; the
// ConnectionManager remains the sole owner of the ConnectionTable, which
// the router only reads through its exported accessors (spec.md §3:
// "PeerRecords are shared by reference between C4 and C5 (C5 reads
// only)").
type Router struct {
	self    PeerID
	mgr     *ConnectionManager
	seen    *lru.Cache
	metrics *Metrics

	// onDeliver is invoked once per envelope addressed to this node,
	// including broadcasts accepted for local delivery.
	onDeliver func(from PeerID, e Envelope)
}

// NewRouter constructs a Router with a SeenSet of the given capacity
// (spec.md §3: "bounded LRU cache of recently-seen message_id values,
// capacity >= 4096").
func NewRouter(self PeerID, mgr *ConnectionManager, metrics *Metrics, seenSetCapacity int, onDeliver func(PeerID, Envelope)) (*Router, error) {
	if seenSetCapacity <= 0 {
		seenSetCapacity = 4096
	}
	cache, err := lru.New(seenSetCapacity)
	if err != nil {
		return nil, err
	}
	return &Router{self: self, mgr: mgr, seen: cache, metrics: metrics, onDeliver: onDeliver}, nil
}

// HandleInbound processes an envelope received from remote on a data
// channel (spec.md §4.5). It is wired as the ConnectionManager's
// onEnvelope callback.
func (r *Router) HandleInbound(remote PeerID, e Envelope) {
	if e.Broadcast {
		r.handleBroadcast(e)
		return
	}
	if e.To.Equal(r.self) {
		r.deliverLocal(e)
		return
	}
	if isContentAddressed(e.Kind) {
		// e.To is a DHT key_hash, not a literal PeerID (spec.md §4.6), so
		// it will essentially never match r.self exactly. Every node the
		// envelope passes through decides independently whether it falls
		// within the replication factor's closest set and acts on it, and
		// the envelope keeps moving toward closer peers regardless so the
		// rest of that set sees it too.
		r.deliverLocal(e)
	}
	if e.Expired() {
		r.dropped("ttl_expired")
		return
	}
	r.forward(e)
}

// isContentAddressed reports whether kind's envelopes address e.To to a
// DHT key_hash rather than a literal PeerID.
func isContentAddressed(k Kind) bool {
	switch k {
	case KindDHTQuery, KindDHTReplicate:
		return true
	default:
		return false
	}
}

// handleBroadcast implements spec.md §4.5's four-step gossip algorithm.
func (r *Router) handleBroadcast(e Envelope) {
	if r.seen.Contains(e.MessageID) {
		if r.metrics != nil {
			r.metrics.BroadcastsDeduped.Inc()
		}
		return
	}
	r.seen.Add(e.MessageID, struct{}{})
	r.deliverLocal(e)

	if e.Expired() {
		return
	}
	fwd := e.Forwarded()
	exclude := map[PeerID]bool{e.From: true}
	for _, p := range e.Path {
		exclude[p] = true
	}
	for _, peer := range r.mgr.ConnectedPeers() {
		if exclude[peer.ID] {
			continue
		}
		if err := r.mgr.SendTo(peer.ID, fwd); err != nil {
			r.dropped("send_failed")
			continue
		}
		if r.metrics != nil {
			r.metrics.EnvelopesForwarded.Inc()
		}
	}
}

// forward applies the strict-decrease routing rule to an envelope this
// node is an intermediate hop for (spec.md §4.5 steps 1-3).
func (r *Router) forward(e Envelope) {
	next, ok := r.mgr.NearestConnected(e.To, map[PeerID]bool{e.From: true, r.self: true})
	if !ok || !Closer(next, r.self, e.To) {
		r.dropped("no_route")
		return
	}
	fwd := e.Forwarded()
	if err := r.mgr.SendTo(next, fwd); err != nil {
		r.dropped("send_failed")
		return
	}
	if r.metrics != nil {
		r.metrics.EnvelopesForwarded.Inc()
	}
}

func (r *Router) deliverLocal(e Envelope) {
	if r.onDeliver != nil {
		r.onDeliver(e.From, e)
	}
}

func (r *Router) dropped(reason string) {
	if r.metrics != nil {
		r.metrics.EnvelopesDropped.WithLabelValues(reason).Inc()
	}
}

// SendDirect originates a unicast envelope toward target (spec.md §4.5):
// send directly if target is Connected, otherwise route via the nearest
// Connected peer that strictly decreases distance to target, otherwise
// fail with ErrNoRoute.
func (r *Router) SendDirect(target PeerID, kind Kind, payload any) error {
	e, err := NewEnvelope(r.self, target, false, kind, payload)
	if err != nil {
		return err
	}
	if err := r.mgr.SendTo(target, e); err == nil {
		if r.metrics != nil {
			r.metrics.EnvelopesForwarded.Inc()
		}
		return nil
	}

	next, ok := r.mgr.NearestConnected(target, map[PeerID]bool{r.self: true})
	if !ok || !Closer(next, r.self, target) {
		return ErrNoRoute
	}
	return r.mgr.SendTo(next, e)
}

// Broadcast originates a gossip envelope, inserting it into the SeenSet
// before fan-out so the origin never re-forwards its own echo.
func (r *Router) Broadcast(kind Kind, payload any) error {
	e, err := NewEnvelope(r.self, BroadcastTarget, true, kind, payload)
	if err != nil {
		return err
	}
	r.seen.Add(e.MessageID, struct{}{})

	for _, peer := range r.mgr.ConnectedPeers() {
		if err := r.mgr.SendTo(peer.ID, e); err == nil && r.metrics != nil {
			r.metrics.EnvelopesForwarded.Inc()
		}
	}
	return nil
}

// BroadcastGoodbye gossips a Goodbye{peer_id} envelope so peers can prune
// this node faster than the 5-minute discovery timeout (spec.md §4.5).
func (r *Router) BroadcastGoodbye() error {
	return r.Broadcast(KindGoodbye, struct {
		PeerID string `json:"peer_id"`
	}{r.self.String()})
}
