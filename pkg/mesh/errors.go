package mesh

import "errors"

// Behavioral error kinds (spec.md §7), exported as sentinels for
// errors.Is. Public operations also return ordinary wrapped errors for
// encoding and argument failures; no exception-like unwind crosses a
// component boundary.
var (
	// ErrNotConnected means the action requires a live C2 signaling link
	// and none is currently Authenticated. ConnectionManager.SendTo also
	// returns it when the target peer's link is not Connected.
	ErrNotConnected = errors.New("peerpigeon: not connected to a signaling hub")

	// ErrNoRoute means no next hop strictly closer to the target was
	// available (spec.md §4.5).
	ErrNoRoute = errors.New("peerpigeon: no route to target")

	// ErrTimeout means a bounded operation's deadline expired.
	ErrTimeout = errors.New("peerpigeon: operation timed out")

	// ErrPeerEvicted means the local link to a peer was closed to make
	// room for a strictly-closer candidate (spec.md §4.4).
	ErrPeerEvicted = errors.New("peerpigeon: peer evicted")

	// ErrPeerDisconnected means an in-flight envelope was lost to link
	// loss and has been counted.
	ErrPeerDisconnected = errors.New("peerpigeon: peer disconnected")

	// ErrDhtNotFound means get() found no storing peer with a value
	// within the bounded timeout.
	ErrDhtNotFound = errors.New("peerpigeon: dht key not found")

	// ErrAccessDenied means a C7 policy check failed.
	ErrAccessDenied = errors.New("peerpigeon: access denied")

	// ErrDegreeCeiling means an incoming offer was refused because
	// max_peers is reached and the peer is not strictly closer than the
	// current farthest Connected peer. Signaled to metrics, not treated
	// as an application error.
	ErrDegreeCeiling = errors.New("peerpigeon: degree ceiling reached")

	// ErrProtocolViolation means a frame failed parse/validation; the
	// link is closed and the peer is placed in cool-down.
	ErrProtocolViolation = errors.New("peerpigeon: protocol violation")

	// ErrStreamAborted means a chunked transfer's final flag never
	// arrived within the reassembly deadline (spec.md §4.3).
	ErrStreamAborted = errors.New("peerpigeon: stream reassembly aborted")

	// ErrImmutable means a write was attempted against a record with
	// metadata.is_immutable == true.
	ErrImmutable = errors.New("peerpigeon: record is immutable")

	// ErrClosed means the operation was attempted after Node.Close.
	ErrClosed = errors.New("peerpigeon: node is closed")
)
