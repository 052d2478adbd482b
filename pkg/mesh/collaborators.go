package mesh

import "context"

// Policy describes how the crypto collaborator should seal a plaintext
// payload (spec.md §6). The core never inspects the resulting bytes.
type Policy struct {
	IsPublic bool
	GroupID  string
}

// CryptoCollaborator is the external cryptographic identity/authentication
// collaborator named in spec.md §1 and §6. The core treats its outputs as
// opaque "sealed records"; this repository does not implement key
// generation, identity management, or group membership — those stay out
// of scope. See cryptobox.go for a default implementation sufficient to
// exercise the contract.
type CryptoCollaborator interface {
	Seal(plaintext []byte, policy Policy) ([]byte, error)
	Open(sealed []byte, identity PeerID) ([]byte, error)
	GenerateGroupKey(groupID string) error
	ExchangePublicKey(peer PeerID, key []byte) error
}

// PersistenceCollaborator is the external key->blob byte store named in
// spec.md §1 and §6. See datastorebackend.go for a default implementation.
type PersistenceCollaborator interface {
	Write(ctx context.Context, key string, value []byte) error
	Read(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Stats(ctx context.Context) (PersistenceStats, error)
}

// PersistenceStats is the result of PersistenceCollaborator.Stats.
type PersistenceStats struct {
	Items     int
	SizeBytes int64
	Type      string
}

// MediaCollaborator is the external WebRTC audio/video subsystem named in
// spec.md §1. The core never constructs one; it only guards against
// delivering a peer's own loopback stream (spec.md §4.3) and hands
// everything else through untouched.
type MediaCollaborator interface {
	AttachLocalStream(streamID string) error
	OnRemoteStream(peer PeerID, streamID string)
	Detach(streamID string)
}
