package mesh

import (
	"testing"
	"time"
)

func newTestDHT(t *testing.T) (*DHT, PeerID) {
	t.Helper()
	m, self := newTestManager(t, Config{})
	router, err := NewRouter(self, m, NewMetrics(), 64, nil)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	return NewDHT(self, 3, m, router, NewMetrics()), self
}

func TestKeyHashDeterministicAndPeerIDSized(t *testing.T) {
	a, err := keyHash("hello")
	if err != nil {
		t.Fatalf("keyHash() error = %v", err)
	}
	b, err := keyHash("hello")
	if err != nil {
		t.Fatalf("keyHash() error = %v", err)
	}
	if a != b {
		t.Fatalf("keyHash not deterministic: %x != %x", a, b)
	}
	c, err := keyHash("world")
	if err != nil {
		t.Fatalf("keyHash() error = %v", err)
	}
	if a == c {
		t.Fatalf("keyHash collided for distinct keys (vanishingly unlikely): %x", a)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	d, _ := newTestDHT(t)
	version, err := d.Put("greeting", []byte("hello"), 0)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if version != 1 {
		t.Fatalf("Put() version = %d, want 1", version)
	}

	value, gotVersion, err := d.Get("greeting", false)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(value) != "hello" || gotVersion != 1 {
		t.Fatalf("Get() = (%q, %d), want (\"hello\", 1)", value, gotVersion)
	}
}

func TestUpdateIncrementsVersion(t *testing.T) {
	d, _ := newTestDHT(t)
	if _, err := d.Put("counter", []byte("v1"), 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	version, err := d.Update("counter", []byte("v2"))
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if version != 2 {
		t.Fatalf("Update() version = %d, want 2", version)
	}
	value, _, err := d.Get("counter", false)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(value) != "v2" {
		t.Fatalf("Get() = %q, want v2", value)
	}
}

func TestPutAtSameVersionIsIdempotent(t *testing.T) {
	d, _ := newTestDHT(t)
	if _, err := d.PutAt("counter", []byte("v1"), 0, 5); err != nil {
		t.Fatalf("PutAt() error = %v", err)
	}
	if _, err := d.PutAt("counter", []byte("v1"), 0, 5); err != nil {
		t.Fatalf("second PutAt() error = %v", err)
	}

	value, version, err := d.Get("counter", false)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(value) != "v1" || version != 5 {
		t.Fatalf("Get() = (%q, %d), want (\"v1\", 5)", value, version)
	}
}

func TestDeleteTombstonesKey(t *testing.T) {
	d, _ := newTestDHT(t)
	if _, err := d.Put("ephemeral", []byte("x"), 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := d.Delete("ephemeral"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, _, err := d.Get("ephemeral", false); err != ErrDhtNotFound {
		t.Fatalf("Get() after Delete error = %v, want ErrDhtNotFound", err)
	}
}

func TestSubscribeInvokedOnLocalWrite(t *testing.T) {
	d, _ := newTestDHT(t)
	var gotValue []byte
	var gotVersion uint64
	var gotDeleted bool
	unsubscribe := d.Subscribe("watched", func(value []byte, version uint64, deleted bool) {
		gotValue, gotVersion, gotDeleted = value, version, deleted
	})
	defer unsubscribe()

	if _, err := d.Put("watched", []byte("payload"), 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if string(gotValue) != "payload" || gotVersion != 1 || gotDeleted {
		t.Fatalf("subscriber callback got (%q, %d, %v), want (\"payload\", 1, false)", gotValue, gotVersion, gotDeleted)
	}
}

func TestUnsubscribeStopsCallback(t *testing.T) {
	d, _ := newTestDHT(t)
	calls := 0
	unsubscribe := d.Subscribe("key", func([]byte, uint64, bool) { calls++ })
	unsubscribe()

	if _, err := d.Put("key", []byte("x"), 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no callback invocations after unsubscribe, got %d", calls)
	}
}

func TestOnReplicateHigherVersionWins(t *testing.T) {
	d, _ := newTestDHT(t)
	if _, err := d.Put("key", []byte("v1"), 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	other, _ := NewPeerID()
	e, err := NewEnvelope(other, d.self, false, KindDHTReplicate, dhtReplicatePayload{Key: "key", Value: []byte("v2"), Version: 2, Origin: other.String()})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	d.onReplicate(other, e)

	value, version, err := d.Get("key", false)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(value) != "v2" || version != 2 {
		t.Fatalf("Get() = (%q, %d), want (\"v2\", 2)", value, version)
	}
}

func TestOnReplicateLowerVersionIgnored(t *testing.T) {
	d, _ := newTestDHT(t)
	if _, err := d.Put("key", []byte("v2"), 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	_, err := d.Update("key", []byte("v2-updated"))
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	other, _ := NewPeerID()
	e, err := NewEnvelope(other, d.self, false, KindDHTReplicate, dhtReplicatePayload{Key: "key", Value: []byte("stale"), Version: 1, Origin: other.String()})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	d.onReplicate(other, e)

	value, version, err := d.Get("key", false)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(value) != "v2-updated" || version != 2 {
		t.Fatalf("stale replicate overwrote newer entry: got (%q, %d)", value, version)
	}
}

func TestTTLSweepTombstonesExpiredEntry(t *testing.T) {
	d, _ := newTestDHT(t)
	if _, err := d.Put("short-lived", []byte("x"), time.Millisecond); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	d.runSweep()

	if _, _, err := d.Get("short-lived", false); err != ErrDhtNotFound {
		t.Fatalf("Get() after sweep error = %v, want ErrDhtNotFound", err)
	}
}
