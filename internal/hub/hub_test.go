package hub

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h, err := New(Config{SeenSetCap: 64}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return h
}

// dialClient connects directly to a Hub's handleUpgrade via an
// httptest.Server, mirroring the upgrader test idiom used for websocket
// transports in the example pack.
func dialClient(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + srv.URL[len("http"):] + "/signal"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial hub: %v", err)
	}
	return conn
}

func TestAnnounceBroadcastsPeerDiscovered(t *testing.T) {
	h := newTestHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.handleUpgrade))
	defer srv.Close()

	a := dialClient(t, srv)
	defer a.Close()
	if err := a.WriteJSON(Frame{Type: frameAnnounce, PeerID: "aaaa"}); err != nil {
		t.Fatalf("announce a: %v", err)
	}

	b := dialClient(t, srv)
	defer b.Close()
	if err := b.WriteJSON(Frame{Type: frameAnnounce, PeerID: "bbbb"}); err != nil {
		t.Fatalf("announce b: %v", err)
	}

	// a should learn about b (broadcast on b's announce).
	var f Frame
	a.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := a.ReadJSON(&f); err != nil {
		t.Fatalf("a read: %v", err)
	}
	if f.Type != framePeerDiscovered || f.PeerID != "bbbb" {
		t.Fatalf("a got %+v, want peer-discovered bbbb", f)
	}

	// b should be caught up on a (backfill on its own announce).
	var g Frame
	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := b.ReadJSON(&g); err != nil {
		t.Fatalf("b read: %v", err)
	}
	if g.Type != framePeerDiscovered || g.PeerID != "aaaa" {
		t.Fatalf("b got %+v, want peer-discovered aaaa", g)
	}
}

func TestOfferRelayedToAddressedRecipientOnly(t *testing.T) {
	h := newTestHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.handleUpgrade))
	defer srv.Close()

	a := dialClient(t, srv)
	defer a.Close()
	_ = a.WriteJSON(Frame{Type: frameAnnounce, PeerID: "aaaa"})

	b := dialClient(t, srv)
	defer b.Close()
	_ = b.WriteJSON(Frame{Type: frameAnnounce, PeerID: "bbbb"})

	// Drain the discovery frames both sides receive on announce.
	var discard Frame
	a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_ = a.ReadJSON(&discard)
	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	_ = b.ReadJSON(&discard)

	if err := a.WriteJSON(Frame{Type: frameOffer, From: "aaaa", To: "bbbb", SDP: "sdp-a-to-b"}); err != nil {
		t.Fatalf("send offer: %v", err)
	}

	var offer Frame
	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := b.ReadJSON(&offer); err != nil {
		t.Fatalf("b read: %v", err)
	}
	if offer.Type != frameOffer || offer.SDP != "sdp-a-to-b" {
		t.Fatalf("b got %+v, want offer sdp-a-to-b", offer)
	}
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	h := newTestHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.handleUpgrade))
	defer srv.Close()

	a := dialClient(t, srv)
	defer a.Close()
	_ = a.WriteJSON(Frame{Type: frameAnnounce, PeerID: "aaaa"})

	if err := a.WriteJSON(Frame{Type: framePing, Timestamp: 42}); err != nil {
		t.Fatalf("send ping: %v", err)
	}

	var f Frame
	a.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := a.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Type != framePong || f.Timestamp != 42 {
		t.Fatalf("got %+v, want pong ts=42", f)
	}
}

func TestFederateOutSuppressesDuplicateFrame(t *testing.T) {
	h := newTestHub(t)
	f := Frame{Type: frameOffer, From: "x", To: "unknown-target", Timestamp: 1}
	h.federateOut(f)
	h.federateOut(f)

	key := fmt.Sprintf("%s|%s|%s|%d", f.Type, f.From, f.To, f.Timestamp)
	if !h.seen.Contains(key) {
		t.Fatalf("federateOut did not record seen key")
	}
}
