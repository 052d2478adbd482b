package mesh

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"
)

// PeerState is a PeerRecord's lifecycle state (spec.md §3).
type PeerState int

const (
	StateDiscovered PeerState = iota
	StateConnecting
	StateConnected
	StateEvicting
	StateClosed
	StateFailed
)

func (s PeerState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEvicting:
		return "evicting"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "discovered"
	}
}

const (
	healthSweepInterval   = 10 * time.Second
	discoveredStaleAfter  = 5 * time.Minute
	connectingStuckAfter  = 45 * time.Second
	maxConcurrentConnects = 4
)

// PeerRecord is the ConnectionTable's value type (spec.md §3). At most one
// PeerRecord exists per id. PeerConnections hold only the remote id; the
// manager is the authoritative owner of both the record and the
// PeerConnection, avoiding the cyclic-reference pattern flagged in
// spec.md §9.
type PeerRecord struct {
	ID              PeerID
	State           PeerState
	Role            Role
	DiscoveredAt    time.Time
	ConnectedAt     time.Time
	LastSeen        time.Time
	DistanceToSelf  U160
	DataChannelReady bool
	FailureCount    int
	BackoffUntil    time.Time

	conn *PeerConnection
}

// Snapshot is a read-only copy of a PeerRecord for external consumers
// (C5 reads PeerRecords by reference per spec.md §3; external callers get
// a snapshot to avoid racing the manager's executor).
type Snapshot struct {
	ID               PeerID
	State            PeerState
	Role             Role
	DiscoveredAt     time.Time
	ConnectedAt      time.Time
	LastSeen         time.Time
	DataChannelReady bool
	FailureCount     int
}

// ManagerConfig bundles the degree-policy options from spec.md §4.4.
type ManagerConfig struct {
	MinPeers          int
	MaxPeers          int
	AutoConnect       bool
	AutoDiscovery     bool
	EvictionEnabled   bool
	XORRoutingEnabled bool
}

func managerConfigFrom(c Config) ManagerConfig {
	return ManagerConfig{
		MinPeers:          c.MinPeers,
		MaxPeers:          c.MaxPeers,
		AutoConnect:       c.AutoConnect,
		AutoDiscovery:     c.AutoDiscovery,
		EvictionEnabled:   c.EvictionEnabled,
		XORRoutingEnabled: c.XORRoutingEnabled,
	}
}

// ConnectionManager owns the ConnectionTable and implements the
// bounded-degree topology policy (C4, spec.md §4.4). It is the sole
// construction and teardown point for PeerConnections.
//
// Grounded on pkg/p2pnet/peermanager.go: a mutex-guarded map, an event
// loop fed by inbound signaling frames, a periodic health-sweep ticker,
// and a bounded-concurrency dial semaphore.
type ConnectionManager struct {
	self      PeerID
	cfg       ManagerConfig
	signaling *SignalingClient
	metrics   *Metrics
	events    *eventBus
	pcConfig  PeerConnectionConfig

	onEnvelope func(remote PeerID, e Envelope)

	mu    sync.RWMutex
	table map[PeerID]*PeerRecord

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connectSem chan struct{}
}

// NewConnectionManager creates a manager bound to a SignalingClient. Call
// Start to begin the health sweep; discovery and signaling frames are fed
// through HandleDiscovered/HandleOffer/HandleAnswer/HandleICE/HandleGoodbye.
func NewConnectionManager(self PeerID, cfg Config, signaling *SignalingClient, metrics *Metrics, pcConfig PeerConnectionConfig, onEnvelope func(PeerID, Envelope)) *ConnectionManager {
	return &ConnectionManager{
		self:       self,
		cfg:        managerConfigFrom(cfg),
		signaling:  signaling,
		metrics:    metrics,
		pcConfig:   pcConfig,
		onEnvelope: onEnvelope,
		events:     newEventBus(256),
		table:      make(map[PeerID]*PeerRecord),
		connectSem: make(chan struct{}, maxConcurrentConnects),
	}
}

// Events returns the manager's aggregated event stream: PeerConnected,
// PeerDisconnected, PeerEvicted, DataChannelReady (spec.md §4.4 contract).
func (m *ConnectionManager) Events() <-chan Event { return m.events.events() }

// Start begins the periodic health sweep.
func (m *ConnectionManager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.sweepLoop()
}

// Close cancels background work, waits for it to exit, then closes every
// tracked PeerConnection with reason "local_shutdown" (spec.md §5
// shutdown sequencing).
func (m *ConnectionManager) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	conns := make([]*PeerConnection, 0, len(m.table))
	for _, r := range m.table {
		if r.conn != nil {
			conns = append(conns, r.conn)
		}
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.Close("local_shutdown")
	}
	m.events.close()
}

// Snapshot returns a point-in-time copy of a tracked peer, or false if
// unknown.
func (m *ConnectionManager) Snapshot(id PeerID) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.table[id]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotOf(r), true
}

func snapshotOf(r *PeerRecord) Snapshot {
	return Snapshot{
		ID: r.ID, State: r.State, Role: r.Role,
		DiscoveredAt: r.DiscoveredAt, ConnectedAt: r.ConnectedAt, LastSeen: r.LastSeen,
		DataChannelReady: r.DataChannelReady, FailureCount: r.FailureCount,
	}
}

// SendTo writes e directly to id's data channel. It fails with
// ErrNotConnected if id is not currently Connected — C5 uses this both
// for the one-hop send path and for each forwarding hop (spec.md §4.5).
func (m *ConnectionManager) SendTo(id PeerID, e Envelope) error {
	m.mu.RLock()
	r, ok := m.table[id]
	m.mu.RUnlock()
	if !ok || r.State != StateConnected || r.conn == nil {
		return ErrNotConnected
	}
	return r.conn.SendEnvelope(e)
}

// NearestConnected returns the Connected peer with the smallest XOR
// distance to target, excluding any id present in exclude (spec.md §4.5
// step 2: "next_hop = argmin over Connected peers of distance(peer.id,
// target)").
func (m *ConnectionManager) NearestConnected(target PeerID, exclude map[PeerID]bool) (PeerID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best PeerID
	found := false
	for id, r := range m.table {
		if r.State != StateConnected || exclude[id] {
			continue
		}
		if !found || Closer(id, best, target) {
			best = id
			found = true
		}
	}
	return best, found
}

// ConnectedPeers returns a snapshot of every Connected PeerRecord.
func (m *ConnectionManager) ConnectedPeers() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.table))
	for _, r := range m.table {
		if r.State == StateConnected {
			out = append(out, snapshotOf(r))
		}
	}
	return out
}

// TableSize returns the total number of PeerRecords tracked regardless
// of state (spec.md §3: the Discovered set is unbounded).
func (m *ConnectionManager) TableSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.table)
}

// connectedCountLocked must be called with m.mu held.
func (m *ConnectionManager) connectedCountLocked() int {
	n := 0
	for _, r := range m.table {
		if r.State == StateConnected {
			n++
		}
	}
	return n
}

func (m *ConnectionManager) discoveredCountLocked() int {
	n := 0
	for _, r := range m.table {
		if r.State == StateDiscovered {
			n++
		}
	}
	return n
}

// farthestConnectedLocked returns the Connected PeerRecord with the
// largest XOR distance to self, or nil if none.
func (m *ConnectionManager) farthestConnectedLocked() *PeerRecord {
	var farthest *PeerRecord
	for _, r := range m.table {
		if r.State != StateConnected {
			continue
		}
		if farthest == nil || Closer(farthest.ID, r.ID, m.self) {
			farthest = r
		}
	}
	return farthest
}

// HandleDiscovered processes a peer-discovered frame (spec.md §4.4).
func (m *ConnectionManager) HandleDiscovered(id PeerID) {
	if id.Equal(m.self) {
		return
	}
	m.mu.Lock()
	r, exists := m.table[id]
	if !exists {
		r = &PeerRecord{ID: id, State: StateDiscovered, DiscoveredAt: time.Now(), LastSeen: time.Now(), DistanceToSelf: XOR(m.self, id)}
		m.table[id] = r
	}
	shouldConnect, shouldEvict, victim := m.discoveryDecisionLocked(r)
	discovered := m.discoveredCountLocked()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.PeersDiscovered.Set(float64(discovered))
	}

	if shouldEvict {
		m.evict(victim, r)
		return
	}
	if shouldConnect {
		m.connectTo(id, RoleInitiator)
	}
}

// discoveryDecisionLocked implements spec.md §4.4's discovery-handling
// rule. Must be called with m.mu held; returns what to do after
// releasing the lock.
func (m *ConnectionManager) discoveryDecisionLocked(r *PeerRecord) (connect, evictNow bool, victim *PeerRecord) {
	if r.State != StateDiscovered {
		return false, false, nil
	}
	if !time.Now().After(r.BackoffUntil) {
		return false, false, nil
	}
	connected := m.connectedCountLocked()

	if m.cfg.AutoConnect && connected < m.cfg.MinPeers {
		return true, false, nil
	}
	if connected >= m.cfg.MaxPeers && m.cfg.EvictionEnabled {
		farthest := m.farthestConnectedLocked()
		if farthest != nil && Closer(r.ID, farthest.ID, m.self) {
			return false, true, farthest
		}
	}
	return false, false, nil
}

// evict implements the eviction algorithm of spec.md §4.4.
func (m *ConnectionManager) evict(victim, candidate *PeerRecord) {
	m.mu.Lock()
	v, ok := m.table[victim.ID]
	if !ok || v.State != StateConnected {
		m.mu.Unlock()
		return
	}
	v.State = StateEvicting
	conn := v.conn
	m.mu.Unlock()

	if conn != nil {
		conn.Close("evicted")
	}
	m.events.publish(Event{Kind: EventPeerEvicted, Peer: victim.ID})
	if m.metrics != nil {
		m.metrics.PeerEvictions.Inc()
	}
	m.connectTo(candidate.ID, RoleInitiator)
}

// connectTo initiates an outbound connection attempt, enforcing the
// bounded concurrent-dial semaphore.
func (m *ConnectionManager) connectTo(id PeerID, role Role) {
	m.mu.Lock()
	r, ok := m.table[id]
	if !ok {
		r = &PeerRecord{ID: id, DistanceToSelf: XOR(m.self, id)}
		m.table[id] = r
	}
	if r.State == StateConnecting || r.State == StateConnected {
		m.mu.Unlock()
		return
	}
	r.State = StateConnecting
	r.Role = role
	m.mu.Unlock()

	select {
	case m.connectSem <- struct{}{}:
	default:
		// all dial slots busy; try again on the next discovery/sweep tick
		m.mu.Lock()
		r.State = StateDiscovered
		m.mu.Unlock()
		return
	}

	conn := NewPeerConnection(m.self, id, role, m.pcConfig, m.metrics, m.onEnvelope, m.onPeerConnState, m.onICECandidate)
	m.mu.Lock()
	m.table[id].conn = conn
	m.mu.Unlock()

	go func() {
		defer func() { <-m.connectSem }()
		ctx, cancel := context.WithTimeout(context.Background(), negotiationTimeout)
		defer cancel()
		sdp, err := conn.CreateOffer(ctx)
		if err != nil {
			m.onConnectFailed(id, err)
			return
		}
		_ = m.signaling.Send(Frame{Type: frameOffer, From: m.self.String(), To: id.String(), SDP: sdp})
	}()
}

func (m *ConnectionManager) onConnectFailed(id PeerID, err error) {
	slog.Warn("manager: connect failed", "peer", id, "error", err)
	if m.metrics != nil {
		m.metrics.ConnectFailures.Inc()
	}
	m.mu.Lock()
	if r, ok := m.table[id]; ok {
		r.State = StateFailed
		r.FailureCount++
		backoff := time.Duration(r.FailureCount) * time.Duration(r.FailureCount) * time.Second
		if backoff > 5*time.Minute {
			backoff = 5 * time.Minute
		}
		r.BackoffUntil = time.Now().Add(backoff)
	}
	m.mu.Unlock()
}

// HandleOffer processes an inbound SDP offer, applying the simultaneous
// cross-offer tie-break from spec.md §4.4: the lexicographically smaller
// PeerID is Initiator.
func (m *ConnectionManager) HandleOffer(from PeerID, sdp string) {
	m.mu.Lock()
	r, exists := m.table[from]
	if exists && r.State == StateConnecting && r.Role == RoleInitiator {
		// Simultaneous cross offer: the smaller PeerID stays Initiator.
		if m.self.Less(from) {
			// We are the rightful Initiator; ignore their offer, ours wins.
			m.mu.Unlock()
			return
		}
		// We lose the tie-break: cancel our outbound attempt and accept theirs.
		if r.conn != nil {
			r.conn.Close("tie_break_loser")
		}
	}
	connected := m.connectedCountLocked()
	if !exists {
		r = &PeerRecord{ID: from, DiscoveredAt: time.Now(), DistanceToSelf: XOR(m.self, from)}
		m.table[from] = r
	}
	if connected >= m.cfg.MaxPeers {
		farthest := m.farthestConnectedLocked()
		closer := farthest != nil && Closer(from, farthest.ID, m.self)
		if !closer {
			m.mu.Unlock()
			if m.metrics != nil {
				m.metrics.DegreeCeilings.Inc()
			}
			_ = m.signaling.Send(Frame{Type: frameGoodbye, PeerID: from.String()})
			return
		}
	}
	r.State = StateConnecting
	r.Role = RoleResponder
	m.mu.Unlock()

	conn := NewPeerConnection(m.self, from, RoleResponder, m.pcConfig, m.metrics, m.onEnvelope, m.onPeerConnState, m.onICECandidate)
	m.mu.Lock()
	m.table[from].conn = conn
	m.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), negotiationTimeout)
		defer cancel()
		answer, err := conn.AcceptOffer(ctx, sdp)
		if err != nil {
			m.onConnectFailed(from, err)
			return
		}
		_ = m.signaling.Send(Frame{Type: frameAnswer, From: m.self.String(), To: from.String(), SDP: answer})
	}()
}

// HandleAnswer applies a remote SDP answer to the matching outbound
// PeerConnection.
func (m *ConnectionManager) HandleAnswer(from PeerID, sdp string) {
	m.mu.RLock()
	r, ok := m.table[from]
	m.mu.RUnlock()
	if !ok || r.conn == nil {
		return
	}
	if err := r.conn.ApplyAnswer(sdp); err != nil {
		slog.Warn("manager: apply answer failed", "peer", from, "error", err)
	}
}

// HandleICE applies a remote ICE candidate.
func (m *ConnectionManager) HandleICE(from PeerID, candidate webrtc.ICECandidateInit) {
	m.mu.RLock()
	r, ok := m.table[from]
	m.mu.RUnlock()
	if !ok || r.conn == nil {
		return
	}
	if err := r.conn.AddICE(candidate); err != nil {
		slog.Warn("manager: add ice failed", "peer", from, "error", err)
	}
}

// HandleGoodbye prunes a peer immediately rather than waiting for the
// 5-minute discovery timeout (spec.md §4.5).
func (m *ConnectionManager) HandleGoodbye(from PeerID) {
	m.mu.Lock()
	r, ok := m.table[from]
	if ok {
		delete(m.table, from)
	}
	m.mu.Unlock()
	if ok && r.conn != nil {
		r.conn.Close("goodbye")
	}
}

func (m *ConnectionManager) onICECandidate(remote PeerID, candidate webrtc.ICECandidateInit) {
	raw, err := json.Marshal(candidate)
	if err != nil {
		return
	}
	_ = m.signaling.Send(Frame{Type: frameICE, From: m.self.String(), To: remote.String(), Candidate: raw})
}

func (m *ConnectionManager) onPeerConnState(remote PeerID, state ConnState, reason string) {
	switch {
	case strings.HasPrefix(reason, "stream_aborted:"):
		// Stream aborts are piggy-backed on onState (see
		// PeerConnection.abortStream) with the link's current state, so
		// they are matched before the state cases.
		streamID, _, _ := strings.Cut(strings.TrimPrefix(reason, "stream_aborted:"), ":")
		m.events.publish(Event{Kind: EventStreamAborted, Peer: remote, Reason: reason, StreamID: streamID})

	case state == ConnOpen:
		m.mu.Lock()
		if r, ok := m.table[remote]; ok {
			r.State = StateConnected
			r.ConnectedAt = time.Now()
			r.LastSeen = time.Now()
			r.DataChannelReady = true
		}
		n := m.connectedCountLocked()
		discovered := m.discoveredCountLocked()
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.PeersConnected.Set(float64(n))
			m.metrics.PeersDiscovered.Set(float64(discovered))
		}
		m.events.publish(Event{Kind: EventPeerConnected, Peer: remote})
		m.events.publish(Event{Kind: EventDataChannelReady, Peer: remote})

	case state == ConnClosed:
		m.mu.Lock()
		if r, ok := m.table[remote]; ok {
			wasConnected := r.State == StateConnected
			r.State = StateClosed
			r.DataChannelReady = false
			r.FailureCount++
			backoff := time.Duration(r.FailureCount) * time.Duration(r.FailureCount) * time.Second
			if backoff > 5*time.Minute {
				backoff = 5 * time.Minute
			}
			r.BackoffUntil = time.Now().Add(backoff)
			_ = wasConnected
		}
		n := m.connectedCountLocked()
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.PeersConnected.Set(float64(n))
		}
		m.events.publish(Event{Kind: EventPeerDisconnected, Peer: remote, Reason: reason})

	default:
		// Intermediate negotiation states need no table change.
	}
}

// SetMaxPeers adjusts the degree ceiling at runtime (spec.md §4.4): when
// lowered, evicts farthest Connected peers until the invariant holds;
// when raised, opportunistically connects to the nearest Discovered
// peers until degree >= MinPeers.
func (m *ConnectionManager) SetMaxPeers(n int) {
	m.mu.Lock()
	m.cfg.MaxPeers = n
	var toEvict []*PeerRecord
	for m.connectedCountLocked() > m.cfg.MaxPeers {
		farthest := m.farthestConnectedLocked()
		if farthest == nil {
			break
		}
		farthest.State = StateEvicting
		toEvict = append(toEvict, farthest)
	}
	var candidates []PeerID
	if m.connectedCountLocked() < m.cfg.MinPeers {
		candidates = m.nearestDiscoveredLocked(m.cfg.MinPeers - m.connectedCountLocked())
	}
	m.mu.Unlock()

	for _, v := range toEvict {
		if v.conn != nil {
			v.conn.Close("evicted")
		}
		m.events.publish(Event{Kind: EventPeerEvicted, Peer: v.ID})
	}
	for _, c := range candidates {
		m.connectTo(c, RoleInitiator)
	}
}

// nearestDiscoveredLocked must be called with m.mu held.
func (m *ConnectionManager) nearestDiscoveredLocked(n int) []PeerID {
	type cand struct {
		id PeerID
		d  U160
	}
	var cands []cand
	for _, r := range m.table {
		if r.State == StateDiscovered {
			cands = append(cands, cand{r.ID, r.DistanceToSelf})
		}
	}
	for i := 1; i < len(cands); i++ {
		for j := i; j > 0 && cands[j].d.Less(cands[j-1].d); j-- {
			cands[j], cands[j-1] = cands[j-1], cands[j]
		}
	}
	if n > len(cands) {
		n = len(cands)
	}
	out := make([]PeerID, n)
	for i := 0; i < n; i++ {
		out[i] = cands[i].id
	}
	return out
}

func (m *ConnectionManager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(healthSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.runSweep()
		}
	}
}

func (m *ConnectionManager) runSweep() {
	now := time.Now()
	m.mu.Lock()
	var toDrop []PeerID
	var toClose []*PeerConnection
	for id, r := range m.table {
		switch r.State {
		case StateDiscovered:
			if now.Sub(r.LastSeen) > discoveredStaleAfter {
				toDrop = append(toDrop, id)
			}
		case StateConnecting:
			if now.Sub(r.DiscoveredAt) > connectingStuckAfter {
				if r.conn != nil {
					toClose = append(toClose, r.conn)
				}
			}
		}
	}
	for _, id := range toDrop {
		delete(m.table, id)
	}
	m.mu.Unlock()

	if len(toClose) == 0 {
		return
	}
	g, _ := errgroup.WithContext(m.ctx)
	g.SetLimit(maxConcurrentConnects)
	for _, c := range toClose {
		c := c
		g.Go(func() error {
			c.Close("connecting_timeout")
			return nil
		})
	}
	_ = g.Wait()
}
