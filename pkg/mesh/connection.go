package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// Role distinguishes which side of a PeerConnection created the offer
// (spec.md §3).
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// ConnState is the PeerConnection state machine (spec.md §4.3).
type ConnState int

const (
	ConnIdle ConnState = iota
	ConnOffering
	ConnAnswering
	ConnNegotiating
	ConnOpen
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnOffering:
		return "offering"
	case ConnAnswering:
		return "answering"
	case ConnNegotiating:
		return "negotiating"
	case ConnOpen:
		return "open"
	case ConnClosed:
		return "closed"
	default:
		return "idle"
	}
}

// negotiationTimeout bounds how long a PeerConnection may remain without
// reaching ConnOpen before it fails with Timeout (spec.md §4.3 default).
const negotiationTimeout = 30 * time.Second

// sendQueueCap bounds the per-connection outbound queue (spec.md §5
// "Bounded queues", default 256 envelopes).
const sendQueueCap = 256

// outboundFrame is one item on PeerConnection's send queue. result is nil
// for broadcasts, which are fire-and-forget; direct sends set result so
// SendEnvelope can await the actual dc.Send outcome.
type outboundFrame struct {
	frame  []byte
	result chan error
}

// defaultICEServers mirrors the minimal STUN-only configuration used
// across the pack's WebRTC examples; production deployments override via
// PeerConnectionConfig.
var defaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// PeerConnectionConfig customizes the underlying WebRTC configuration.
type PeerConnectionConfig struct {
	ICEServers []webrtc.ICEServer
}

// onEnvelopeFunc is invoked for every envelope received on the data channel.
type onEnvelopeFunc func(remote PeerID, e Envelope)

// onStateFunc is invoked on every ConnState transition.
type onStateFunc func(remote PeerID, state ConnState, reason string)

// onICECandidateFunc is invoked whenever a local ICE candidate is gathered and must
// be relayed to the remote peer through the signaling Hub.
type onICECandidateFunc func(remote PeerID, candidate webrtc.ICECandidateInit)

// PeerConnection is one transport link's state machine (C3, spec.md
// §4.3): SDP offer/answer, ICE, a single ordered reliable data channel,
// length-prefixed envelope framing, and chunked large-payload transfer.
type PeerConnection struct {
	self   PeerID
	remote PeerID
	role   Role
	cfg    PeerConnectionConfig

	onEnvelope     onEnvelopeFunc
	onState        onStateFunc
	onICECandidate onICECandidateFunc

	metrics *Metrics

	mu    sync.Mutex
	pc    *webrtc.PeerConnection
	dc    *webrtc.DataChannel
	state ConnState

	recvBuf      []byte
	reassemblers map[string]*reassembler

	// sendQueue is C3's bounded outbound queue (spec.md §5). stopSend
	// signals sendLoop and any blocked producer to give up on Close.
	sendQueue chan outboundFrame
	stopSend  chan struct{}

	deadlineTimer *time.Timer
	closeOnce     sync.Once
}

// NewPeerConnection constructs a PeerConnection for remote, not yet
// negotiated. Call CreateOffer (Initiator) or AcceptOffer (Responder) to
// begin. metrics may be nil in tests.
func NewPeerConnection(self, remote PeerID, role Role, cfg PeerConnectionConfig, metrics *Metrics, onEnvelope onEnvelopeFunc, onState onStateFunc, onICECandidate onICECandidateFunc) *PeerConnection {
	p := &PeerConnection{
		self:           self,
		remote:         remote,
		role:           role,
		cfg:            cfg,
		metrics:        metrics,
		onEnvelope:     onEnvelope,
		onState:        onState,
		onICECandidate: onICECandidate,
		state:          ConnIdle,
		reassemblers:   make(map[string]*reassembler),
		sendQueue:      make(chan outboundFrame, sendQueueCap),
		stopSend:       make(chan struct{}),
	}
	go p.sendLoop()
	return p
}

func (p *PeerConnection) webrtcConfig() webrtc.Configuration {
	servers := p.cfg.ICEServers
	if len(servers) == 0 {
		servers = defaultICEServers
	}
	return webrtc.Configuration{ICEServers: servers}
}

func (p *PeerConnection) setState(s ConnState, reason string) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	if p.onState != nil {
		p.onState(p.remote, s, reason)
	}
}

// State returns the current state.
func (p *PeerConnection) State() ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PeerConnection) armTimeout() {
	p.mu.Lock()
	if p.deadlineTimer != nil {
		p.deadlineTimer.Stop()
	}
	p.deadlineTimer = time.AfterFunc(negotiationTimeout, func() {
		if p.State() != ConnOpen {
			p.Close("timeout")
		}
	})
	p.mu.Unlock()
}

func (p *PeerConnection) disarmTimeout() {
	p.mu.Lock()
	if p.deadlineTimer != nil {
		p.deadlineTimer.Stop()
	}
	p.mu.Unlock()
}

// CreateOffer builds a new PeerConnection in the Initiator role and
// returns the SDP offer to send via the signaling Hub.
func (p *PeerConnection) CreateOffer(ctx context.Context) (string, error) {
	pc, err := webrtc.NewPeerConnection(p.webrtcConfig())
	if err != nil {
		return "", fmt.Errorf("peerpigeon: new peer connection: %w", err)
	}
	p.mu.Lock()
	p.pc = pc
	p.mu.Unlock()
	p.setupHandlers(pc)

	dc, err := pc.CreateDataChannel("peerpigeon", &webrtc.DataChannelInit{Ordered: boolPtr(true)})
	if err != nil {
		return "", fmt.Errorf("peerpigeon: create data channel: %w", err)
	}
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()
	p.setupDataChannel(dc)

	p.setState(ConnOffering, "create_offer")
	p.armTimeout()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("peerpigeon: create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("peerpigeon: set local description: %w", err)
	}
	p.setState(ConnNegotiating, "offer_sent")
	return offer.SDP, nil
}

// AcceptOffer builds a new PeerConnection in the Responder role from a
// remote SDP offer and returns the SDP answer.
func (p *PeerConnection) AcceptOffer(ctx context.Context, sdp string) (string, error) {
	pc, err := webrtc.NewPeerConnection(p.webrtcConfig())
	if err != nil {
		return "", fmt.Errorf("peerpigeon: new peer connection: %w", err)
	}
	p.mu.Lock()
	p.pc = pc
	p.mu.Unlock()
	p.setupHandlers(pc)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.mu.Lock()
		p.dc = dc
		p.mu.Unlock()
		p.setupDataChannel(dc)
	})

	p.setState(ConnAnswering, "offer_received")
	p.armTimeout()

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", fmt.Errorf("peerpigeon: set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("peerpigeon: create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("peerpigeon: set local description: %w", err)
	}
	p.setState(ConnNegotiating, "answer_sent")
	return answer.SDP, nil
}

// ApplyAnswer completes the Initiator side's negotiation.
func (p *PeerConnection) ApplyAnswer(sdp string) error {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("peerpigeon: apply answer before offer")
	}
	return pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

// AddICE applies a remote ICE candidate.
func (p *PeerConnection) AddICE(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("peerpigeon: add ice before negotiation started")
	}
	if err := pc.AddICECandidate(candidate); err != nil {
		p.Close("ice_failed")
		return fmt.Errorf("peerpigeon: add ice candidate: %w", err)
	}
	return nil
}

func (p *PeerConnection) setupHandlers(pc *webrtc.PeerConnection) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || p.onICECandidate == nil {
			return
		}
		p.onICECandidate(p.remote, c.ToJSON())
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed:
			p.Close("ice_failed")
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			p.Close("data_channel_closed")
		}
	})
}

func (p *PeerConnection) setupDataChannel(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		p.disarmTimeout()
		p.setState(ConnOpen, "data_channel_open")
	})
	dc.OnClose(func() {
		p.Close("data_channel_closed")
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.handleFrame(msg.Data)
	})
}

func (p *PeerConnection) handleFrame(data []byte) {
	p.mu.Lock()
	p.recvBuf = append(p.recvBuf, data...)
	buf := p.recvBuf
	p.mu.Unlock()

	for {
		e, n, err := Decode(buf)
		if err != nil {
			slog.Warn("peerpigeon: protocol violation on data channel", "peer", p.remote, "error", err)
			p.Close("protocol_violation")
			return
		}
		if n == 0 {
			break
		}
		buf = buf[n:]
		p.dispatch(e)
	}

	p.mu.Lock()
	p.recvBuf = append([]byte(nil), buf...)
	p.mu.Unlock()
}

func (p *PeerConnection) dispatch(e Envelope) {
	if e.Kind == KindStream {
		p.handleStreamEnvelope(e)
		return
	}
	if p.onEnvelope != nil {
		p.onEnvelope(p.remote, e)
	}
}

// SendEnvelope writes e to the data channel as a length-prefixed frame.
// Large payloads are transparently chunked (spec.md §4.3).
func (p *PeerConnection) SendEnvelope(e Envelope) error {
	const mtu = 16 * 1024
	frame, err := Encode(e)
	if err != nil {
		return err
	}
	if len(frame) <= mtu {
		return p.sendRaw(frame, e.Broadcast)
	}
	return p.sendChunked(e)
}

// sendLoop is C3's single outbound worker (spec.md §5): it drains
// sendQueue and performs the actual dc.Send, reporting the result back to
// any waiting direct-send caller.
func (p *PeerConnection) sendLoop() {
	for {
		select {
		case item := <-p.sendQueue:
			p.mu.Lock()
			dc := p.dc
			state := p.state
			p.mu.Unlock()
			var err error
			if dc == nil || state != ConnOpen {
				err = ErrPeerDisconnected
			} else {
				err = dc.Send(item.frame)
			}
			if item.result != nil {
				item.result <- err
			}
		case <-p.stopSend:
			return
		}
	}
}

// sendRaw enqueues frame on the bounded send queue (spec.md §5): broadcasts
// are dropped and counted when the queue is full, direct sends await a
// free slot and the eventual dc.Send result.
func (p *PeerConnection) sendRaw(frame []byte, broadcast bool) error {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if state != ConnOpen {
		return ErrPeerDisconnected
	}

	if broadcast {
		select {
		case p.sendQueue <- outboundFrame{frame: frame}:
		default:
			if p.metrics != nil {
				p.metrics.SendQueueDropped.WithLabelValues(p.remote.String()).Inc()
			}
		}
		return nil
	}

	result := make(chan error, 1)
	select {
	case p.sendQueue <- outboundFrame{frame: frame, result: result}:
	case <-p.stopSend:
		return ErrPeerDisconnected
	}
	select {
	case err := <-result:
		return err
	case <-p.stopSend:
		return ErrPeerDisconnected
	}
}

// Close tears down the connection and emits Disconnected(reason)
// (spec.md §4.3). Safe to call multiple times.
func (p *PeerConnection) Close(reason string) {
	p.closeOnce.Do(func() {
		p.disarmTimeout()
		p.mu.Lock()
		pc := p.pc
		p.mu.Unlock()
		if pc != nil {
			_ = pc.Close()
		}
		close(p.stopSend)
		p.setState(ConnClosed, reason)
	})
}

func boolPtr(b bool) *bool { return &b }
