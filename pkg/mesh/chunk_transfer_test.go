package mesh

import (
	"bytes"
	"encoding/json"
	"testing"
)

func newTestPeerConnection(t *testing.T, onEnvelope onEnvelopeFunc, onState onStateFunc) *PeerConnection {
	t.Helper()
	self, err := NewPeerID()
	if err != nil {
		t.Fatalf("NewPeerID() error = %v", err)
	}
	remote, err := NewPeerID()
	if err != nil {
		t.Fatalf("NewPeerID() error = %v", err)
	}
	return NewPeerConnection(self, remote, RoleInitiator, PeerConnectionConfig{}, nil, onEnvelope, onState, nil)
}

// chunksFor mirrors sendChunked's split/compress logic without requiring a
// live data channel, so reassembly can be exercised directly (spec.md §4.3,
// §8 scenario S6).
func chunksFor(t *testing.T, e Envelope) []Envelope {
	t.Helper()
	body, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	compressed := zstdEncoder.EncodeAll(body, nil)

	const size = 7 // force several small chunks regardless of chunkSize
	total := (len(compressed) + size - 1) / size
	if total == 0 {
		total = 1
	}
	out := make([]Envelope, 0, total)
	for i := 0; i < total; i++ {
		start := i * size
		end := start + size
		if end > len(compressed) {
			end = len(compressed)
		}
		chunk := StreamChunk{
			StreamID:   "stream-1",
			Seq:        uint32(i),
			Final:      i == total-1,
			Bytes:      compressed[start:end],
			Compressed: true,
		}
		env, err := NewEnvelope(e.From, e.To, e.Broadcast, KindStream, chunk)
		if err != nil {
			t.Fatalf("build chunk envelope: %v", err)
		}
		out = append(out, env)
	}
	return out
}

func TestChunkedStreamReassemblesInOrder(t *testing.T) {
	var received *Envelope
	p := newTestPeerConnection(t, func(_ PeerID, e Envelope) {
		received = &e
	}, nil)

	original, err := NewEnvelope(p.self, p.remote, false, KindDirect, map[string]string{"hello": "world"})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	for _, chunk := range chunksFor(t, original) {
		p.handleStreamEnvelope(chunk)
	}

	if received == nil {
		t.Fatalf("expected onEnvelope to fire once reassembly completed")
	}
	if received.MessageID != original.MessageID {
		t.Fatalf("reassembled MessageID = %q, want %q", received.MessageID, original.MessageID)
	}
	if !bytes.Equal(received.Payload, original.Payload) {
		t.Fatalf("reassembled Payload = %s, want %s", received.Payload, original.Payload)
	}
}

func TestChunkedStreamOutOfOrderStillReassembles(t *testing.T) {
	var received *Envelope
	p := newTestPeerConnection(t, func(_ PeerID, e Envelope) {
		received = &e
	}, nil)

	original, err := NewEnvelope(p.self, p.remote, false, KindDirect, []byte("a fairly long payload to force multiple chunks"))
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	chunks := chunksFor(t, original)
	if len(chunks) < 3 {
		t.Fatalf("test setup produced only %d chunks, want >= 3", len(chunks))
	}
	// Reverse delivery order.
	for i := len(chunks) - 1; i >= 0; i-- {
		p.handleStreamEnvelope(chunks[i])
	}

	if received == nil {
		t.Fatalf("expected onEnvelope to fire once every chunk arrived regardless of order")
	}
	if !bytes.Equal(received.Payload, original.Payload) {
		t.Fatalf("reassembled Payload = %s, want %s", received.Payload, original.Payload)
	}
}

func TestAbortStreamDropsPendingReassemblyAndEmitsEvent(t *testing.T) {
	var reason string
	p := newTestPeerConnection(t, func(_ PeerID, e Envelope) {
		t.Fatalf("onEnvelope should not fire for an aborted stream")
	}, func(_ PeerID, _ ConnState, r string) {
		reason = r
	})

	original, err := NewEnvelope(p.self, p.remote, false, KindDirect, []byte("partial"))
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	chunks := chunksFor(t, original)
	if len(chunks) < 2 {
		t.Fatalf("test setup produced only %d chunks, want >= 2", len(chunks))
	}
	// Deliver all but the final chunk, simulating S6's dropped 64th chunk.
	for _, c := range chunks[:len(chunks)-1] {
		p.handleStreamEnvelope(c)
	}

	p.abortStream("stream-1", "reassembly deadline exceeded")

	if reason == "" {
		t.Fatalf("expected abortStream to report a state reason via onState")
	}
	p.mu.Lock()
	_, stillTracked := p.reassemblers["stream-1"]
	p.mu.Unlock()
	if stillTracked {
		t.Fatalf("expected abortStream to remove the reassembler")
	}

	// A late chunk arriving after abort must be dropped, not reassembled.
	p.handleStreamEnvelope(chunks[len(chunks)-1])
}
