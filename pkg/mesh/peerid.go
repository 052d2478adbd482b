package mesh

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"math/bits"
)

// IDSize is the width of a PeerID in bytes (160 bits).
const IDSize = 20

// ErrInvalidPeerID is returned by ParsePeerID when the input is not 40 lowercase
// hex characters.
var ErrInvalidPeerID = errors.New("peerpigeon: invalid peer id")

// PeerID is a 160-bit self-chosen identifier. The overlay assumes honest-
// but-unreliable participants: no cryptographic binding to the identifier
// is required or verified by the core (spec.md §1).
type PeerID [IDSize]byte

// NewPeerID draws a PeerID from a cryptographically strong source.
func NewPeerID() (PeerID, error) {
	var id PeerID
	if _, err := rand.Read(id[:]); err != nil {
		return PeerID{}, err
	}
	return id, nil
}

// ParsePeerID accepts a canonical 40-character lowercase hex string.
func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	if len(s) != IDSize*2 {
		return id, ErrInvalidPeerID
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return id, ErrInvalidPeerID
		}
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, ErrInvalidPeerID
	}
	copy(id[:], b)
	return id, nil
}

// String returns the canonical lowercase hex form.
func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value (never a valid generated id,
// used as a sentinel for "no peer").
func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

// Less orders two PeerIDs by unsigned big-endian value. Used for the
// simultaneous-cross-offer tie-break (spec.md §4.4): the lexicographically
// smaller PeerID is Initiator.
func (id PeerID) Less(other PeerID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// Equal reports byte-for-byte equality.
func (id PeerID) Equal(other PeerID) bool {
	return id == other
}

// U160 is an unsigned 160-bit value, the result of an XOR distance
// computation. It compares and orders the same way PeerID does.
type U160 [IDSize]byte

// Less reports whether d is numerically smaller than other (both read as
// unsigned big-endian integers). "Closer" means smaller distance.
func (d U160) Less(other U160) bool {
	for i := range d {
		if d[i] != other[i] {
			return d[i] < other[i]
		}
	}
	return false
}

// XOR computes the XOR distance d(a,b) = a XOR b, per spec.md §3.
func XOR(a, b PeerID) U160 {
	var d U160
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// LeadingZeroBits returns the number of leading zero bits in d, used to
// select a Kademlia-style bucket index (spec.md §4.1).
func LeadingZeroBits(d U160) int {
	for i, b := range d {
		if b != 0 {
			return i*8 + bits.LeadingZeros8(b)
		}
	}
	return len(d) * 8
}

// Closer reports whether candidate is strictly closer to target than
// reference is — the strict-decrease test used throughout C4's eviction
// policy and C5's routing (spec.md §4.4, §4.5).
func Closer(candidate, reference, target PeerID) bool {
	return XOR(candidate, target).Less(XOR(reference, target))
}
