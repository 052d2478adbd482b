package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/blang/semver/v4"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// ProtocolVersion is carried on every announce frame. The Hub does not
// inspect it.
var ProtocolVersion = semver.MustParse("1.0.0")

// SignalState is the Signaling Session lifecycle (spec.md §3, §4.2).
type SignalState int

const (
	SignalDisconnected SignalState = iota
	SignalConnecting
	SignalAuthenticated
)

func (s SignalState) String() string {
	switch s {
	case SignalConnecting:
		return "connecting"
	case SignalAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

// Frame is the wire format exchanged with a Hub (spec.md §4.2, §6).
type Frame struct {
	Type      string          `json:"type"`
	PeerID    string          `json:"peer_id,omitempty"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Version   string          `json:"version,omitempty"`
}

const (
	frameAnnounce       = "announce"
	framePeerDiscovered = "peer-discovered"
	frameOffer          = "offer"
	frameAnswer         = "answer"
	frameICE            = "ice"
	framePing           = "ping"
	framePong           = "pong"
	frameGoodbye        = "goodbye"
)

const (
	keepaliveInterval = 30 * time.Second
	keepaliveTimeout  = 2 * keepaliveInterval
	writeTimeout      = 10 * time.Second
)

// SignalingClient maintains one logical control link to a Hub (C2,
// spec.md §4.2). It owns the websocket, the reconnect/backoff loop, and
// the keepalive ping/pong cycle, mirroring the ticker/backoff idiom of
// pkg/p2pnet/peermanager.go's reconnectLoop.
type SignalingClient struct {
	hubURI  string
	self    PeerID
	cfg     Config
	events  *eventBus
	metrics *Metrics

	mu          sync.Mutex
	conn        *websocket.Conn
	state       SignalState
	wantConn    bool
	attempt     int
	lastPongAt  time.Time
	limiter     *rate.Limiter
	onFrame     func(Frame)

	// writeMu serializes every WriteJSON call on conn: gorilla/websocket
	// allows only one concurrent writer, and Send, the keepalive ticker,
	// and the pong reply each run on a different goroutine (mirrors
	// internal/hub/hub.go's client.writeMu).
	writeMu sync.Mutex

	closeCh chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewSignalingClient creates a client for hubURI. onFrame is invoked for
// every decoded frame except ping and pong, which the client answers and
// records itself; callers typically filter by Type.
func NewSignalingClient(hubURI string, self PeerID, cfg Config, metrics *Metrics, onFrame func(Frame)) *SignalingClient {
	return &SignalingClient{
		hubURI:  hubURI,
		self:    self,
		cfg:     cfg,
		metrics: metrics,
		onFrame: onFrame,
		events:  newEventBus(64),
		closeCh: make(chan struct{}),
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 20),
	}
}

// Events returns the client's aggregated event stream.
func (c *SignalingClient) Events() <-chan Event { return c.events.events() }

// State reports the current lifecycle state.
func (c *SignalingClient) State() SignalState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins the connect loop. It returns immediately; connection
// happens in the background with reconnection until Close is called.
func (c *SignalingClient) Start(ctx context.Context) {
	c.mu.Lock()
	c.wantConn = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.connectLoop(ctx)
}

// Close performs a graceful shutdown: sends Goodbye if Authenticated,
// then tears down the socket (spec.md §5).
func (c *SignalingClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.wantConn = false
	c.mu.Unlock()

	c.sendGoodbye()

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	close(c.closeCh)
	c.wg.Wait()
	c.events.close()
}

// Send transmits a frame. It fails with ErrNotConnected unless the
// session is Authenticated (spec.md §4.2 contract).
func (c *SignalingClient) Send(f Frame) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state != SignalAuthenticated || conn == nil {
		return ErrNotConnected
	}
	if err := c.limiter.Wait(context.Background()); err != nil {
		return err
	}
	return c.writeJSON(conn, f)
}

// writeJSON is the sole path onto conn's write side (spec.md §5): every
// caller, including the keepalive ticker and pong reply, goes through
// writeMu so two goroutines never call WriteJSON concurrently.
func (c *SignalingClient) writeJSON(conn *websocket.Conn, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(f)
}

func (c *SignalingClient) sendGoodbye() {
	c.mu.Lock()
	authenticated := c.state == SignalAuthenticated
	conn := c.conn
	c.mu.Unlock()
	if !authenticated || conn == nil {
		return
	}
	_ = c.writeJSON(conn, Frame{Type: frameGoodbye, PeerID: c.self.String()})
}

func (c *SignalingClient) connectLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		want := c.wantConn
		c.mu.Unlock()
		if !want {
			return
		}

		err := c.connectOnce(ctx)

		c.mu.Lock()
		c.state = SignalDisconnected
		c.conn = nil
		attempt := c.attempt
		c.attempt++
		wantStill := c.wantConn
		c.mu.Unlock()

		c.events.publish(Event{Kind: EventPeerDisconnected, Reason: fmt.Sprintf("signaling: %v", err)})

		if !wantStill {
			return
		}
		if c.cfg.MaxReconnectAttempts > 0 && attempt >= c.cfg.MaxReconnectAttempts {
			slog.Error("signaling: max reconnect attempts reached", "hub", c.hubURI)
			return
		}

		backoff := nextBackoff(c.cfg.reconnectBackoffBase(), c.cfg.reconnectBackoffCap(), attempt)
		slog.Info("signaling: reconnecting", "hub", c.hubURI, "attempt", attempt, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-c.closeCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// nextBackoff computes min(base * 2^attempt, cap), clamped, with +-10%
// jitter so many reconnecting clients don't synchronize their retries.
func nextBackoff(base, ceiling time.Duration, attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30 // guard the bit shift
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > ceiling || d <= 0 {
		d = ceiling
	}
	jitter := time.Duration((rand.Float64()*0.2 - 0.1) * float64(d))
	return d + jitter
}

func (c *SignalingClient) connectOnce(ctx context.Context) error {
	c.mu.Lock()
	c.state = SignalConnecting
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.hubURI, nil)
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.writeJSON(conn, Frame{
		Type:    frameAnnounce,
		PeerID:  c.self.String(),
		Version: ProtocolVersion.String(),
	}); err != nil {
		conn.Close()
		return fmt.Errorf("send announce: %w", err)
	}

	c.mu.Lock()
	c.state = SignalAuthenticated
	c.attempt = 0
	c.lastPongAt = time.Now()
	c.mu.Unlock()
	c.events.publish(Event{Kind: EventPeerConnected, Peer: c.self, Reason: "signaling_authenticated"})

	errCh := make(chan error, 1)
	go c.readLoop(conn, errCh)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	watchdog := time.NewTicker(keepaliveInterval)
	defer watchdog.Stop()

	for {
		select {
		case err := <-errCh:
			return err
		case <-keepalive.C:
			if err := c.writeJSON(conn, Frame{Type: framePing, Timestamp: time.Now().Unix()}); err != nil {
				return fmt.Errorf("send ping: %w", err)
			}
		case <-watchdog.C:
			c.mu.Lock()
			last := c.lastPongAt
			c.mu.Unlock()
			if time.Since(last) > keepaliveTimeout {
				return fmt.Errorf("keepalive timeout")
			}
		case <-c.closeCh:
			return fmt.Errorf("closed")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *SignalingClient) readLoop(conn *websocket.Conn, errCh chan<- error) {
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			errCh <- err
			return
		}
		switch f.Type {
		case framePong:
			c.mu.Lock()
			c.lastPongAt = time.Now()
			c.mu.Unlock()
			continue
		case framePing:
			_ = c.writeJSON(conn, Frame{Type: framePong, Timestamp: f.Timestamp})
			continue
		}
		if c.onFrame != nil {
			c.onFrame(f)
		}
	}
}
