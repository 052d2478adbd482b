package mesh

// EventKind discriminates the aggregated event stream exposed at the
// core's boundary (spec.md §9 design note: "replace dynamic listener
// lists with typed channels ... The core exposes a single aggregated
// event stream at its boundary").
type EventKind string

const (
	EventPeerConnected    EventKind = "peer_connected"
	EventPeerDisconnected EventKind = "peer_disconnected"
	EventPeerEvicted      EventKind = "peer_evicted"
	EventDataChannelReady EventKind = "data_channel_ready"
	EventDHTNotify        EventKind = "dht_notify"
	EventStreamAborted    EventKind = "stream_aborted"
)

// Event is the single envelope type delivered on Node.Events(). Exactly
// one of the typed fields is populated, selected by Kind.
type Event struct {
	Kind EventKind

	// Peer lifecycle events.
	Peer   PeerID
	Reason string

	// EventDHTNotify.
	DHTKey     string
	DHTValue   []byte
	DHTVersion uint64
	DHTDeleted bool

	// EventStreamAborted.
	StreamID string
}

// eventBus is a small fan-out from internal producers to the single
// public Event channel, bounded so a slow consumer cannot block the
// executor (spec.md §5: "no component takes a lock across a suspension
// point").
type eventBus struct {
	ch chan Event
}

func newEventBus(capacity int) *eventBus {
	return &eventBus{ch: make(chan Event, capacity)}
}

// publish is non-blocking: if the consumer isn't keeping up the event is
// dropped rather than stalling the executor.
func (b *eventBus) publish(e Event) {
	select {
	case b.ch <- e:
	default:
	}
}

func (b *eventBus) events() <-chan Event {
	return b.ch
}

func (b *eventBus) close() {
	close(b.ch)
}
