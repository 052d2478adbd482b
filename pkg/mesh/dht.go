package mesh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/multiformats/go-multihash"
)

// tombstoneGrace is how long a deleted DHT entry is retained before the
// TTL sweep reclaims it (spec.md §4.6: "Tombstones expire after a grace
// period (default 1 h)").
const tombstoneGrace = time.Hour

// dhtGetTimeout bounds how long Get waits for a DHTResponse before
// failing with ErrDhtNotFound (spec.md §4.6 "Failure semantics").
const dhtGetTimeout = 10 * time.Second

// keyHash computes the PeerID-space point a logical key maps to:
// SHA1(utf8(key)), produced through a multihash so the digest carries its
// algorithm tag on the wire (spec.md §4.6 "Addressing").
func keyHash(key string) (PeerID, error) {
	sum, err := multihash.Sum([]byte(key), multihash.SHA1, -1)
	if err != nil {
		return PeerID{}, err
	}
	decoded, err := multihash.Decode(sum)
	if err != nil {
		return PeerID{}, err
	}
	var id PeerID
	copy(id[:], decoded.Digest)
	return id, nil
}

// dhtEntry is one locally-held DHT record. A nil Value marks a tombstone.
type dhtEntry struct {
	Key       string
	Value     []byte
	Version   uint64
	Origin    PeerID
	ExpiresAt time.Time
	UpdatedAt time.Time
}

func (e *dhtEntry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && e.ExpiresAt.Before(now)
}

// subscriber is one local Subscribe() registration.
type subscriber struct {
	id int
	cb func(value []byte, version uint64, deleted bool)
}

// pendingGet is an in-flight Get() awaiting a DHTResponse.
type pendingGet struct {
	key string
	ch  chan dhtResponsePayload
}

type dhtQueryPayload struct {
	Key       string `json:"key"`
	RequestID string `json:"request_id"`
}

type dhtResponsePayload struct {
	Key       string `json:"key"`
	RequestID string `json:"request_id"`
	Value     []byte `json:"value,omitempty"`
	Version   uint64 `json:"version"`
	Deleted   bool   `json:"deleted,omitempty"`
}

type dhtReplicatePayload struct {
	Key       string `json:"key"`
	Value     []byte `json:"value,omitempty"`
	Version   uint64 `json:"version"`
	Origin    string `json:"origin"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

type dhtNotifyPayload struct {
	Key     string `json:"key"`
	Value   []byte `json:"value,omitempty"`
	Version uint64 `json:"version"`
	Deleted bool   `json:"deleted,omitempty"`
}

// DHT is C6: a Kademlia-style key/value overlay with weak (best-effort,
// version-ordered) consistency (spec.md §4.6). Non-goal: strong
// consistency or CAS (spec.md §1).
type DHT struct {
	self              PeerID
	replicationFactor int
	mgr               *ConnectionManager
	router            *Router
	metrics           *Metrics
	events            *eventBus

	mu          sync.RWMutex
	entries     map[string]*dhtEntry
	localSubs   map[string][]subscriber
	nextSubID   int
	peerSubs    map[string]map[PeerID]bool // key -> remote peers known to be interested
	pending     map[string]pendingGet      // request_id -> waiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDHT constructs C6. Call Start to begin the TTL sweep.
func NewDHT(self PeerID, replicationFactor int, mgr *ConnectionManager, router *Router, metrics *Metrics) *DHT {
	if replicationFactor <= 0 {
		replicationFactor = 3
	}
	return &DHT{
		self:              self,
		replicationFactor: replicationFactor,
		mgr:               mgr,
		router:            router,
		metrics:           metrics,
		events:            newEventBus(256),
		entries:           make(map[string]*dhtEntry),
		localSubs:         make(map[string][]subscriber),
		peerSubs:          make(map[string]map[PeerID]bool),
		pending:           make(map[string]pendingGet),
	}
}

// Events returns the DHT's aggregated event stream (EventDHTNotify).
func (d *DHT) Events() <-chan Event { return d.events.events() }

// Start begins the TTL sweep loop (spec.md §4.6: every 30s by default).
func (d *DHT) Start(ctx context.Context, sweepInterval time.Duration) {
	d.ctx, d.cancel = context.WithCancel(ctx)
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	d.wg.Add(1)
	go d.sweepLoop(sweepInterval)
}

// Close stops the TTL sweep loop.
func (d *DHT) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.events.close()
}

// isStoringPeer reports whether self is among the replicationFactor
// known peers (Connected peers plus self) closest to hash. It takes only
// the ConnectionManager's own lock, never d.mu, so it may be called with
// d.mu held.
func (d *DHT) isStoringPeer(hash PeerID) bool {
	closer := 0
	for _, p := range d.mgr.ConnectedPeers() {
		if Closer(p.ID, d.self, hash) {
			closer++
		}
	}
	return closer < d.replicationFactor
}

// Put writes value under key with a fresh version (spec.md §4.6). Returns
// the version assigned.
func (d *DHT) Put(key string, value []byte, ttl time.Duration) (uint64, error) {
	return d.write(key, value, ttl, 0)
}

// PutAt is put with an explicit version, matching spec.md §4.6's
// `put(key, value, {ttl?, version?})` optional-version form. Calling it
// twice with the same version is idempotent: the second call overwrites
// the entry with the same version rather than bumping it, so a retried
// put at equal version is safe to repeat.
func (d *DHT) PutAt(key string, value []byte, ttl time.Duration, version uint64) (uint64, error) {
	if version == 0 {
		return 0, fmt.Errorf("peerpigeon: PutAt requires a non-zero version")
	}
	return d.write(key, value, ttl, version)
}

// Update is semantically put with version = current+1 (spec.md §4.6).
func (d *DHT) Update(key string, value []byte) (uint64, error) {
	return d.write(key, value, 0, 0)
}

// Delete writes a tombstone with an elevated version, expiring after
// tombstoneGrace (spec.md §4.6).
func (d *DHT) Delete(key string) (uint64, error) {
	return d.write(key, nil, tombstoneGrace, 0)
}

func (d *DHT) write(key string, value []byte, ttl time.Duration, forceVersion uint64) (uint64, error) {
	hash, err := keyHash(key)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	cur, exists := d.entries[key]
	version := forceVersion
	if version == 0 {
		if exists {
			version = cur.Version + 1
		} else {
			version = 1
		}
	}
	var expiresAt time.Time
	switch {
	case ttl > 0:
		expiresAt = time.Now().Add(ttl)
	case exists:
		expiresAt = cur.ExpiresAt
	}
	entry := &dhtEntry{Key: key, Value: value, Version: version, Origin: d.self, ExpiresAt: expiresAt, UpdatedAt: time.Now()}

	storing := d.isStoringPeer(hash)
	if storing {
		d.entries[key] = entry
	}
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.DHTPuts.Inc()
		d.mu.RLock()
		d.metrics.DHTEntries.Set(float64(len(d.entries)))
		d.mu.RUnlock()
	}

	if storing {
		d.autoSubscribe(key)
		d.notifyLocal(key, entry)
		d.notifyRemoteSubscribers(key, entry)
	}

	payload := dhtReplicatePayload{Key: key, Value: value, Version: version, Origin: d.self.String()}
	if !expiresAt.IsZero() {
		payload.ExpiresAt = expiresAt.Unix()
	}
	_ = d.router.SendDirect(hash, KindDHTReplicate, payload)

	return version, nil
}

// Get returns the value for key. If a local copy exists and forceRefresh
// is false, it is returned immediately; otherwise the DHT issues a
// DHTQuery routed toward the key's hash and waits up to dhtGetTimeout
// (spec.md §4.6).
func (d *DHT) Get(key string, forceRefresh bool) ([]byte, uint64, error) {
	if d.metrics != nil {
		d.metrics.DHTGets.Inc()
	}
	if !forceRefresh {
		d.mu.RLock()
		e, ok := d.entries[key]
		d.mu.RUnlock()
		if ok {
			if e.Value == nil {
				if d.metrics != nil {
					d.metrics.DHTNotFound.Inc()
				}
				return nil, 0, ErrDhtNotFound
			}
			return e.Value, e.Version, nil
		}
	}

	hash, err := keyHash(key)
	if err != nil {
		return nil, 0, err
	}
	requestID := uuid.NewString()
	ch := make(chan dhtResponsePayload, 1)
	d.mu.Lock()
	d.pending[requestID] = pendingGet{key: key, ch: ch}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, requestID)
		d.mu.Unlock()
	}()

	if err := d.router.SendDirect(hash, KindDHTQuery, dhtQueryPayload{Key: key, RequestID: requestID}); err != nil {
		if d.metrics != nil {
			d.metrics.DHTNotFound.Inc()
		}
		return nil, 0, ErrDhtNotFound
	}

	select {
	case resp := <-ch:
		if resp.Deleted || resp.Value == nil {
			if d.metrics != nil {
				d.metrics.DHTNotFound.Inc()
			}
			return nil, 0, ErrDhtNotFound
		}
		d.autoSubscribe(key)
		return resp.Value, resp.Version, nil
	case <-time.After(dhtGetTimeout):
		if d.metrics != nil {
			d.metrics.DHTNotFound.Inc()
		}
		return nil, 0, ErrDhtNotFound
	}
}

// Subscribe registers cb to be invoked whenever a DHTNotify for key
// carries a version greater than the last one observed locally. The
// returned function unsubscribes.
func (d *DHT) Subscribe(key string, cb func(value []byte, version uint64, deleted bool)) func() {
	d.mu.Lock()
	id := d.nextSubID
	d.nextSubID++
	d.localSubs[key] = append(d.localSubs[key], subscriber{id: id, cb: cb})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		subs := d.localSubs[key]
		for i, s := range subs {
			if s.id == id {
				d.localSubs[key] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(d.localSubs[key]) == 0 {
			delete(d.localSubs, key)
		}
	}
}

// autoSubscribe makes sure key has a (possibly empty) remote-subscriber
// set in peerSubs. It adds no local callback and registers nothing with
// other peers: a querying node is recorded as interested by the storing
// peer's onQuery. Callers that want application-level callbacks use
// Subscribe.
func (d *DHT) autoSubscribe(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.peerSubs[key]; !ok {
		d.peerSubs[key] = make(map[PeerID]bool)
	}
}

func (d *DHT) notifyLocal(key string, e *dhtEntry) {
	d.mu.RLock()
	subs := append([]subscriber(nil), d.localSubs[key]...)
	d.mu.RUnlock()
	for _, s := range subs {
		s.cb(e.Value, e.Version, e.Value == nil)
	}
	d.events.publish(Event{Kind: EventDHTNotify, DHTKey: key, DHTValue: e.Value, DHTVersion: e.Version, DHTDeleted: e.Value == nil})
	if d.metrics != nil {
		d.metrics.DHTNotifies.Inc()
	}
}

// notifyRemoteSubscribers pushes DHTNotify to every Connected peer known
// to be interested in key (spec.md §4.6 "Notification propagation").
func (d *DHT) notifyRemoteSubscribers(key string, e *dhtEntry) {
	d.mu.RLock()
	peers := make([]PeerID, 0, len(d.peerSubs[key]))
	for p := range d.peerSubs[key] {
		peers = append(peers, p)
	}
	d.mu.RUnlock()

	payload := dhtNotifyPayload{Key: key, Value: e.Value, Version: e.Version, Deleted: e.Value == nil}
	for _, p := range peers {
		// p is whichever peer last queried or replicated this key to us,
		// which may not be a direct neighbor, so route rather than assume
		// a data channel (onNotify forwards transitively from there).
		_ = d.router.SendDirect(p, KindDHTNotify, payload)
	}
}

// onQuery handles an inbound DHTQuery (C6 wire handler, dispatched by the
// node's router-level demultiplexer).
func (d *DHT) onQuery(from PeerID, e Envelope) {
	var q dhtQueryPayload
	if err := e.Unmarshal(&q); err != nil {
		return
	}
	d.mu.Lock()
	if _, ok := d.peerSubs[q.Key]; !ok {
		d.peerSubs[q.Key] = make(map[PeerID]bool)
	}
	d.peerSubs[q.Key][from] = true
	entry, ok := d.entries[q.Key]
	d.mu.Unlock()

	if !ok {
		// Not a storing peer for this key: say nothing and let the query
		// keep moving toward key_hash (spec.md §4.6: "the first peer
		// storing a matching record replies"). Every hop along the path
		// now sees this query (router.go's content-addressed delivery),
		// so a reply from a non-storing hop would race the real answer.
		return
	}
	resp := dhtResponsePayload{Key: q.Key, RequestID: q.RequestID, Value: entry.Value, Version: entry.Version, Deleted: entry.Value == nil}
	// from is the query's logical origin (e.From), which may be several
	// hops away by now, so route the reply rather than assuming a direct
	// data channel.
	_ = d.router.SendDirect(from, KindDHTResponse, resp)
}

// onResponse handles an inbound DHTResponse, resolving a pending Get.
func (d *DHT) onResponse(_ PeerID, e Envelope) {
	var resp dhtResponsePayload
	if err := e.Unmarshal(&resp); err != nil {
		return
	}
	d.mu.RLock()
	waiter, ok := d.pending[resp.RequestID]
	d.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case waiter.ch <- resp:
	default:
	}
}

// onReplicate handles an inbound DHTReplicate, applying the DHT's
// (version, origin_peer) conflict resolution rule (spec.md §5 "Per-key
// DHT" ordering guarantee).
func (d *DHT) onReplicate(_ PeerID, e Envelope) {
	var rep dhtReplicatePayload
	if err := e.Unmarshal(&rep); err != nil {
		return
	}
	origin, err := ParsePeerID(rep.Origin)
	if err != nil {
		return
	}
	hash, err := keyHash(rep.Key)
	if err != nil {
		return
	}
	if !d.isStoringPeer(hash) {
		return
	}

	d.mu.Lock()
	cur, exists := d.entries[rep.Key]
	if exists && !newerVersion(rep.Version, origin, cur.Version, cur.Origin) {
		d.mu.Unlock()
		return
	}
	var expiresAt time.Time
	if rep.ExpiresAt > 0 {
		expiresAt = time.Unix(rep.ExpiresAt, 0)
	}
	entry := &dhtEntry{Key: rep.Key, Value: rep.Value, Version: rep.Version, Origin: origin, ExpiresAt: expiresAt, UpdatedAt: time.Now()}
	d.entries[rep.Key] = entry
	d.mu.Unlock()

	d.notifyLocal(rep.Key, entry)
	d.notifyRemoteSubscribers(rep.Key, entry)
}

// onNotify handles an inbound DHTNotify, forwarding transitively to local
// subscribers and further peer subscribers (spec.md §4.6: "Those peers
// forward to their subscribers transitively, using the SeenSet to
// suppress loops" — loop suppression here relies on the monotonic version
// check rather than message-id SeenSet, since DHTNotify for the same key
// naturally carries increasing versions).
func (d *DHT) onNotify(_ PeerID, e Envelope) {
	var n dhtNotifyPayload
	if err := e.Unmarshal(&n); err != nil {
		return
	}
	d.mu.Lock()
	cur, exists := d.entries[n.Key]
	if exists && cur.Version >= n.Version {
		d.mu.Unlock()
		return
	}
	entry := &dhtEntry{Key: n.Key, Value: n.Value, Version: n.Version, Origin: d.self, UpdatedAt: time.Now()}
	d.entries[n.Key] = entry
	d.mu.Unlock()

	d.notifyLocal(n.Key, entry)
	d.notifyRemoteSubscribers(n.Key, entry)
}

// newerVersion implements the last-writer rule: higher version wins, ties
// broken by origin_peer (spec.md §4.6 "update").
func newerVersion(version uint64, origin PeerID, curVersion uint64, curOrigin PeerID) bool {
	if version != curVersion {
		return version > curVersion
	}
	return origin.Less(curOrigin)
}

func (d *DHT) sweepLoop(interval time.Duration) {
	defer d.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runSweep()
		}
	}
}

func (d *DHT) runSweep() {
	now := time.Now()
	d.mu.Lock()
	var expired []*dhtEntry
	for key, e := range d.entries {
		if e.expired(now) {
			delete(d.entries, key)
			expired = append(expired, e)
		}
	}
	if d.metrics != nil {
		d.metrics.DHTEntries.Set(float64(len(d.entries)))
	}
	d.mu.Unlock()

	for _, e := range expired {
		tombstone := &dhtEntry{Key: e.Key, Value: nil, Version: e.Version + 1, Origin: d.self, UpdatedAt: now}
		d.notifyLocal(e.Key, tombstone)
		d.notifyRemoteSubscribers(e.Key, tombstone)
	}
}
