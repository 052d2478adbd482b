package mesh

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds PeerPigeon's Prometheus collectors on an isolated
// registry so node metrics never collide with the default global
// registry, matching pkg/p2pnet/metrics.go's discipline. Counters and
// gauges are the only cross-thread-safe surface (spec.md §5).
type Metrics struct {
	Registry *prometheus.Registry

	PeersConnected   prometheus.Gauge
	PeersDiscovered  prometheus.Gauge
	PeerEvictions    prometheus.Counter
	DegreeCeilings   prometheus.Counter
	ConnectFailures  prometheus.Counter

	EnvelopesForwarded prometheus.Counter
	EnvelopesDropped   *prometheus.CounterVec
	BroadcastsDeduped  prometheus.Counter

	DHTEntries      prometheus.Gauge
	DHTPuts         prometheus.Counter
	DHTGets         prometheus.Counter
	DHTNotFound     prometheus.Counter
	DHTNotifies     prometheus.Counter

	StoreReads   prometheus.Counter
	StoreWrites  prometheus.Counter
	AccessDenied prometheus.Counter

	SendQueueDropped *prometheus.CounterVec

	MDNSDiscovered prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all collectors
// registered on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		PeersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peerpigeon_peers_connected",
			Help: "Number of peers currently in state Connected.",
		}),
		PeersDiscovered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peerpigeon_peers_discovered",
			Help: "Number of distinct discovered peer ids currently tracked.",
		}),
		PeerEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerpigeon_peer_evictions_total",
			Help: "Total number of peers evicted to make room for a closer candidate.",
		}),
		DegreeCeilings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerpigeon_degree_ceiling_total",
			Help: "Total number of incoming offers refused due to DegreeCeiling.",
		}),
		ConnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerpigeon_connect_failures_total",
			Help: "Total number of failed connection attempts.",
		}),
		EnvelopesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerpigeon_envelopes_forwarded_total",
			Help: "Total number of envelopes forwarded by the router.",
		}),
		EnvelopesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerpigeon_envelopes_dropped_total",
			Help: "Total number of envelopes dropped, labeled by reason.",
		}, []string{"reason"}),
		BroadcastsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerpigeon_broadcasts_deduped_total",
			Help: "Total number of broadcast envelopes suppressed by the SeenSet.",
		}),
		DHTEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peerpigeon_dht_entries",
			Help: "Number of DHT entries currently held locally.",
		}),
		DHTPuts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerpigeon_dht_puts_total",
			Help: "Total number of DHT put/update operations issued locally.",
		}),
		DHTGets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerpigeon_dht_gets_total",
			Help: "Total number of DHT get operations issued locally.",
		}),
		DHTNotFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerpigeon_dht_not_found_total",
			Help: "Total number of DHT get operations that returned DhtNotFound.",
		}),
		DHTNotifies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerpigeon_dht_notifies_total",
			Help: "Total number of DHTNotify deliveries to local subscribers.",
		}),
		StoreReads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerpigeon_store_reads_total",
			Help: "Total number of replicated store retrieve operations.",
		}),
		StoreWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerpigeon_store_writes_total",
			Help: "Total number of replicated store write operations.",
		}),
		AccessDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerpigeon_access_denied_total",
			Help: "Total number of retrieve operations rejected by access control.",
		}),
		SendQueueDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerpigeon_send_queue_dropped_total",
			Help: "Total number of broadcasts dropped due to a full per-peer send queue.",
		}, []string{"peer"}),
		MDNSDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerpigeon_mdns_discovered_total",
			Help: "Total number of peers discovered via LAN mDNS.",
		}),
	}

	reg.MustRegister(
		m.PeersConnected, m.PeersDiscovered, m.PeerEvictions, m.DegreeCeilings, m.ConnectFailures,
		m.EnvelopesForwarded, m.EnvelopesDropped, m.BroadcastsDeduped,
		m.DHTEntries, m.DHTPuts, m.DHTGets, m.DHTNotFound, m.DHTNotifies,
		m.StoreReads, m.StoreWrites, m.AccessDenied,
		m.SendQueueDropped, m.MDNSDiscovered,
	)
	return m
}
