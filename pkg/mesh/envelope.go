package mesh

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Kind discriminates the envelope payload schema (spec.md §3, design note
// on dynamically-typed payloads: unknown kinds are logged and dropped,
// never interpreted).
type Kind string

const (
	KindDirect         Kind = "direct"
	KindBroadcast      Kind = "broadcast"
	KindDHTQuery       Kind = "dht_query"
	KindDHTResponse    Kind = "dht_response"
	KindDHTNotify      Kind = "dht_notify"
	KindDHTReplicate   Kind = "dht_replicate"
	KindStoreReplicate Kind = "store_replicate"
	KindGoodbye        Kind = "goodbye"
	KindStream         Kind = "stream"
)

// BroadcastTarget is the sentinel "to" value for broadcast envelopes.
var BroadcastTarget = PeerID{}

// DefaultTTLHops is the default hop budget for a forwarded envelope
// (spec.md §3).
const DefaultTTLHops = 5

// Envelope is the core's unit of message transfer: addressable,
// deduplicable, TTL-bounded (spec.md §3).
type Envelope struct {
	MessageID string          `json:"message_id"`
	From      PeerID          `json:"from"`
	To        PeerID          `json:"to"`
	Broadcast bool            `json:"broadcast"`
	Kind      Kind            `json:"kind"`
	Hops      uint8           `json:"hops"`
	TTLHops   uint8           `json:"ttl_hops"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// Path is an optional per-envelope forwarding hint: peers already
	// known to have seen this envelope, skipped on re-emission in
	// addition to From (spec.md §4.5 step 4).
	Path []PeerID `json:"path,omitempty"`
}

// NewEnvelope builds an envelope with a fresh globally-unique message id
// and the default TTL.
func NewEnvelope(from, to PeerID, broadcast bool, kind Kind, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("peerpigeon: marshal envelope payload: %w", err)
	}
	return Envelope{
		MessageID: uuid.NewString(),
		From:      from,
		To:        to,
		Broadcast: broadcast,
		Kind:      kind,
		Hops:      0,
		TTLHops:   DefaultTTLHops,
		Payload:   raw,
	}, nil
}

// Expired reports whether the envelope's hop budget is exhausted
// (spec.md §3: "envelopes with hops > ttl_hops are dropped").
func (e Envelope) Expired() bool {
	return e.Hops > e.TTLHops
}

// Forwarded returns a copy of e with Hops incremented, suitable for
// re-emission by C5 (spec.md §4.5 step "forward with hops+=1").
func (e Envelope) Forwarded() Envelope {
	f := e
	f.Hops++
	f.Path = append(append([]PeerID(nil), e.Path...), e.From)
	return f
}

// Unmarshal decodes the payload into v.
func (e Envelope) Unmarshal(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Encode serializes an envelope using the wire framing named in spec.md
// §6: a 4-byte big-endian length prefix followed by the canonical-form
// document (JSON here; see StreamChunk for the binary chunk variant).
func Encode(e Envelope) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("peerpigeon: encode envelope: %w", err)
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// Decode parses a length-prefixed frame previously produced by Encode.
// It returns the envelope and the number of bytes consumed from buf, or
// (zero, 0, nil) if buf does not yet contain a complete frame.
func Decode(buf []byte) (Envelope, int, error) {
	if len(buf) < 4 {
		return Envelope{}, 0, nil
	}
	n := int(binary.BigEndian.Uint32(buf))
	if len(buf) < 4+n {
		return Envelope{}, 0, nil
	}
	var e Envelope
	if err := json.Unmarshal(buf[4:4+n], &e); err != nil {
		return Envelope{}, 0, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	return e, 4 + n, nil
}

// StreamChunk is the payload of a KindStream envelope: one piece of a
// large application payload that exceeded the data channel's practical
// MTU (spec.md §4.3).
type StreamChunk struct {
	StreamID string `json:"stream_id"`
	Seq      uint32 `json:"seq"`
	Final    bool   `json:"final"`
	Bytes    []byte `json:"bytes"`
	// Compressed indicates Bytes holds a zstd-compressed run of the
	// original payload (see reassembler, chunk_transfer.go).
	Compressed bool `json:"compressed,omitempty"`
}
