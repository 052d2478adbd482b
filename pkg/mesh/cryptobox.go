package mesh

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrSealedTooShort is returned by Open when the sealed payload is
// shorter than a nonce.
var ErrSealedTooShort = errors.New("peerpigeon: sealed payload too short")

// ErrOpenFailed is returned by Open when authentication fails.
var ErrOpenFailed = errors.New("peerpigeon: failed to open sealed payload")

const nonceSize = 24

// CryptoBox is a default CryptoCollaborator sufficient to exercise C7's
// seal/open contract in tests and examples. It is NOT the end-user
// identity/authentication flow described in spec.md §1 (key generation,
// per-peer exchange, group membership) — that subsystem is explicitly out
// of scope and treated as an external collaborator. CryptoBox seals with
// NaCl secretbox under a symmetric key: the instance's default key when
// policy.GroupID is empty (whatever policy.IsPublic says) and a per-group
// key when it names a group, swapped by
// ExchangePublicKey/GenerateGroupKey for a real identity provider at
// integration time.
type CryptoBox struct {
	mu         sync.RWMutex
	defaultKey [32]byte
	groupKeys  map[string]*[32]byte
	peerKeys   map[PeerID][]byte
}

// NewCryptoBox creates a CryptoBox with a freshly generated default key.
func NewCryptoBox() (*CryptoBox, error) {
	cb := &CryptoBox{
		groupKeys: make(map[string]*[32]byte),
		peerKeys:  make(map[PeerID][]byte),
	}
	if _, err := rand.Read(cb.defaultKey[:]); err != nil {
		return nil, fmt.Errorf("peerpigeon: generate default key: %w", err)
	}
	return cb, nil
}

func (cb *CryptoBox) keyFor(policy Policy) (*[32]byte, error) {
	if policy.GroupID == "" {
		return &cb.defaultKey, nil
	}
	cb.mu.RLock()
	k, ok := cb.groupKeys[policy.GroupID]
	cb.mu.RUnlock()
	if ok {
		return k, nil
	}
	if err := cb.GenerateGroupKey(policy.GroupID); err != nil {
		return nil, err
	}
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.groupKeys[policy.GroupID], nil
}

// Seal encrypts plaintext under the key implied by policy. A policy with
// IsPublic set is still sealed like any other; C7's Store does not call
// Seal for public records and keeps their plaintext as is.
func (cb *CryptoBox) Seal(plaintext []byte, policy Policy) ([]byte, error) {
	key, err := cb.keyFor(policy)
	if err != nil {
		return nil, err
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("peerpigeon: generate nonce: %w", err)
	}
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+secretbox.Overhead)
	copy(out, nonce[:])
	return secretbox.Seal(out, plaintext, &nonce, key), nil
}

// Open decrypts a payload produced by Seal. The identity parameter is
// accepted to match the external interface shape (spec.md §6); CryptoBox
// itself does not do per-identity key selection beyond groups.
func (cb *CryptoBox) Open(sealed []byte, identity PeerID) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, ErrSealedTooShort
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	cb.mu.RLock()
	keys := make([]*[32]byte, 0, len(cb.groupKeys)+1)
	keys = append(keys, &cb.defaultKey)
	for _, k := range cb.groupKeys {
		keys = append(keys, k)
	}
	cb.mu.RUnlock()

	for _, key := range keys {
		if plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, key); ok {
			return plain, nil
		}
	}
	return nil, ErrOpenFailed
}

// GenerateGroupKey creates (or replaces) the symmetric key used to seal
// records under groupID.
func (cb *CryptoBox) GenerateGroupKey(groupID string) error {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return fmt.Errorf("peerpigeon: generate group key: %w", err)
	}
	cb.mu.Lock()
	cb.groupKeys[groupID] = &key
	cb.mu.Unlock()
	return nil
}

// ExchangePublicKey records a peer's public key material for later use by
// a real identity provider. CryptoBox itself is symmetric and does not
// consume this; it is stored purely to exercise the collaborator contract.
func (cb *CryptoBox) ExchangePublicKey(peer PeerID, key []byte) error {
	cb.mu.Lock()
	cb.peerKeys[peer] = append([]byte(nil), key...)
	cb.mu.Unlock()
	return nil
}
