package mesh

import (
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	from, err := NewPeerID()
	if err != nil {
		t.Fatalf("NewPeerID() error = %v", err)
	}
	to, err := NewPeerID()
	if err != nil {
		t.Fatalf("NewPeerID() error = %v", err)
	}
	original, err := NewEnvelope(from, to, false, KindDirect, map[string]int{"x": 1})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	original = original.Forwarded()

	frame, err := Encode(original)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	decoded, n, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if n != len(frame) {
		t.Fatalf("Decode() consumed %d bytes, want %d", n, len(frame))
	}
	if decoded.MessageID != original.MessageID || decoded.Hops != original.Hops ||
		decoded.From != original.From || decoded.To != original.To {
		t.Fatalf("Decode(Encode(e)) = %+v, want %+v", decoded, original)
	}
	if string(decoded.Payload) != string(original.Payload) {
		t.Fatalf("decoded Payload = %s, want %s", decoded.Payload, original.Payload)
	}
}

func TestDecodeIncompleteFrameReturnsZeroWithoutError(t *testing.T) {
	from, err := NewPeerID()
	if err != nil {
		t.Fatalf("NewPeerID() error = %v", err)
	}
	e, err := NewEnvelope(from, from, true, KindBroadcast, nil)
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	frame, err := Encode(e)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	_, n, err := Decode(frame[:len(frame)-1])
	if err != nil {
		t.Fatalf("Decode() on a partial frame returned error = %v, want nil", err)
	}
	if n != 0 {
		t.Fatalf("Decode() on a partial frame consumed %d bytes, want 0", n)
	}
}

func TestDecodeMalformedBodyIsProtocolViolation(t *testing.T) {
	body := []byte("not json")
	frame := make([]byte, 4+len(body))
	frame[3] = byte(len(body))
	copy(frame[4:], body)

	_, _, err := Decode(frame)
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("Decode() error = %v, want ErrProtocolViolation", err)
	}
}

func TestExpiredReportsHopBudgetExhaustion(t *testing.T) {
	e := Envelope{Hops: DefaultTTLHops, TTLHops: DefaultTTLHops}
	if e.Expired() {
		t.Fatalf("Expired() = true at hops == ttl_hops, want false")
	}
	e.Hops++
	if !e.Expired() {
		t.Fatalf("Expired() = false once hops exceeds ttl_hops, want true")
	}
}
