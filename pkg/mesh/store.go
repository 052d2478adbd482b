package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"
)

// recordMetadata is the access-control envelope around every sealed
// record (spec.md §4.7 "Write path" step 2).
type recordMetadata struct {
	Owner       PeerID    `json:"owner"`
	IsPublic    bool      `json:"is_public"`
	IsImmutable bool      `json:"is_immutable"`
	CreatedAt   time.Time `json:"created_at"`
	AccessList  []PeerID  `json:"access_list,omitempty"`
}

// storedRecord is what C7 writes to C6: the sealed bytes plus metadata.
type storedRecord struct {
	Metadata      recordMetadata `json:"metadata"`
	SealedPayload []byte         `json:"sealed_payload"`
}

// StoreOptions configures Store's write path (spec.md §4.7).
type StoreOptions struct {
	IsPublic    bool
	IsImmutable bool
	TTL         time.Duration
	AccessList  []PeerID
	GroupID     string
}

// StoreSnapshot is the result of Backup and the input to Restore
// (spec.md §4.7 "Bulk operations"). Both operate on the local replica
// only.
type StoreSnapshot struct {
	Records map[string][]byte
	TakenAt time.Time
}

// Store is C7: a thin access-controlled layer over the DHT (spec.md
// §4.7). Sealing and durable persistence are delegated to the external
// collaborators named in spec.md §6; C7 itself holds no cryptographic
// material.
type Store struct {
	self        PeerID
	crypto      CryptoCollaborator
	persistence PersistenceCollaborator
	dht         *DHT
	router      *Router
	metrics     *Metrics
}

// NewStore constructs C7 over dht, crypto, and persistence.
func NewStore(self PeerID, crypto CryptoCollaborator, persistence PersistenceCollaborator, dht *DHT, router *Router, metrics *Metrics) *Store {
	return &Store{self: self, crypto: crypto, persistence: persistence, dht: dht, router: router, metrics: metrics}
}

// replicateTo pushes the raw record to peer's persistence collaborator
// directly (C7 replication over C6, spec.md §4.7), independent of the
// DHT's own hash-targeted replica set: every peer on a record's access
// list gets a durable local copy, not just a TTL-bounded DHT cache entry.
func (s *Store) replicateTo(peer PeerID, key string, raw []byte) {
	if s.router == nil || peer.Equal(s.self) {
		return
	}
	_ = s.router.SendDirect(peer, KindStoreReplicate, storeReplicatePayload{Key: key, Value: raw})
}

// Store writes plaintext under key, sealing it unless opts.IsPublic
// (spec.md §4.7 "Write path").
func (s *Store) Store(ctx context.Context, key string, plaintext []byte, opts StoreOptions) error {
	var sealed []byte
	if opts.IsPublic {
		sealed = plaintext
	} else {
		var err error
		sealed, err = s.crypto.Seal(plaintext, Policy{IsPublic: false, GroupID: opts.GroupID})
		if err != nil {
			return err
		}
	}

	rec := storedRecord{
		Metadata: recordMetadata{
			Owner:       s.self,
			IsPublic:    opts.IsPublic,
			IsImmutable: opts.IsImmutable,
			CreatedAt:   time.Now(),
			AccessList:  append([]PeerID(nil), opts.AccessList...),
		},
		SealedPayload: sealed,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := s.dht.Put(key, raw, opts.TTL); err != nil {
		return err
	}
	if s.persistence != nil {
		_ = s.persistence.Write(ctx, key, raw)
	}
	for _, peer := range opts.AccessList {
		s.replicateTo(peer, key, raw)
	}
	if s.metrics != nil {
		s.metrics.StoreWrites.Inc()
	}
	return nil
}

// Retrieve returns the plaintext for key after enforcing access control
// (spec.md §4.7 "Read path").
func (s *Store) Retrieve(key string, forceRefresh bool) ([]byte, error) {
	raw, _, err := s.dht.Get(key, forceRefresh)
	if err != nil {
		return nil, err
	}
	var rec storedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}

	if !rec.Metadata.IsPublic && !s.authorized(rec.Metadata) {
		if s.metrics != nil {
			s.metrics.AccessDenied.Inc()
		}
		return nil, ErrAccessDenied
	}

	var plaintext []byte
	if rec.Metadata.IsPublic {
		plaintext = rec.SealedPayload
	} else {
		plaintext, err = s.crypto.Open(rec.SealedPayload, s.self)
		if err != nil {
			return nil, err
		}
	}
	if s.metrics != nil {
		s.metrics.StoreReads.Inc()
	}
	return plaintext, nil
}

func (s *Store) authorized(meta recordMetadata) bool {
	if meta.Owner.Equal(s.self) {
		return true
	}
	for _, p := range meta.AccessList {
		if p.Equal(s.self) {
			return true
		}
	}
	return false
}

// loadMutableRecord fetches and decodes key's current record, enforcing
// the writer-must-be-owner and not-immutable preconditions shared by
// GrantAccess and RevokeAccess (spec.md §4.7 "Access control mutations").
func (s *Store) loadMutableRecord(key string) (storedRecord, error) {
	raw, _, err := s.dht.Get(key, true)
	if err != nil {
		return storedRecord{}, err
	}
	var rec storedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return storedRecord{}, err
	}
	if rec.Metadata.IsImmutable {
		return storedRecord{}, ErrImmutable
	}
	if !rec.Metadata.Owner.Equal(s.self) {
		return storedRecord{}, ErrAccessDenied
	}
	return rec, nil
}

// GrantAccess adds peer to key's access list. Only the record's owner may
// call this, and only while the record is not immutable (spec.md §4.7).
func (s *Store) GrantAccess(key string, peer PeerID) error {
	rec, err := s.loadMutableRecord(key)
	if err != nil {
		return err
	}
	for _, p := range rec.Metadata.AccessList {
		if p.Equal(peer) {
			return nil
		}
	}
	rec.Metadata.AccessList = append(rec.Metadata.AccessList, peer)
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := s.dht.Update(key, raw); err != nil {
		return err
	}
	s.replicateTo(peer, key, raw)
	return nil
}

// RevokeAccess removes peer from key's access list.
func (s *Store) RevokeAccess(key string, peer PeerID) error {
	rec, err := s.loadMutableRecord(key)
	if err != nil {
		return err
	}
	filtered := rec.Metadata.AccessList[:0]
	for _, p := range rec.Metadata.AccessList {
		if !p.Equal(peer) {
			filtered = append(filtered, p)
		}
	}
	rec.Metadata.AccessList = filtered
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.dht.Update(key, raw)
	return err
}

// ListKeys returns every locally-persisted key with the given prefix
// (spec.md §4.7 "Bulk operations", local-only scope).
func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	return s.persistence.List(ctx, prefix)
}

// BulkDelete removes every locally-persisted key with the given prefix,
// returning the count deleted.
func (s *Store) BulkDelete(ctx context.Context, prefix string) (int, error) {
	keys, err := s.persistence.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, k := range keys {
		if err := s.persistence.Delete(ctx, k); err == nil {
			deleted++
		}
	}
	return deleted, nil
}

// Search matches query against key names, or against each persisted
// record's sealed payload (the plaintext for public records) when inValue
// is true.
func (s *Store) Search(ctx context.Context, query string, inValue bool) ([]string, error) {
	keys, err := s.persistence.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var matches []string
	for _, k := range keys {
		if !inValue {
			if strings.Contains(k, query) {
				matches = append(matches, k)
			}
			continue
		}
		raw, err := s.persistence.Read(ctx, k)
		if err != nil {
			continue
		}
		var rec storedRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if bytes.Contains(rec.SealedPayload, []byte(query)) {
			matches = append(matches, k)
		}
	}
	return matches, nil
}

// Backup snapshots every locally-persisted record.
func (s *Store) Backup(ctx context.Context) (StoreSnapshot, error) {
	keys, err := s.persistence.List(ctx, "")
	if err != nil {
		return StoreSnapshot{}, err
	}
	records := make(map[string][]byte, len(keys))
	for _, k := range keys {
		raw, err := s.persistence.Read(ctx, k)
		if err != nil {
			continue
		}
		records[k] = raw
	}
	return StoreSnapshot{Records: records, TakenAt: time.Now()}, nil
}

// Restore writes every record in snap back to the local persistence
// collaborator, overwriting any existing value for the same key.
func (s *Store) Restore(ctx context.Context, snap StoreSnapshot) error {
	for k, v := range snap.Records {
		if err := s.persistence.Write(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

// storeReplicatePayload is the wire payload for KindStoreReplicate: a
// full-record durability push between persistence collaborators,
// independent of the DHT's own TTL-bounded replica set.
type storeReplicatePayload struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// onReplicate handles an inbound KindStoreReplicate envelope by mirroring
// the record into the local persistence collaborator.
func (s *Store) onReplicate(_ PeerID, e Envelope) {
	var payload storeReplicatePayload
	if err := e.Unmarshal(&payload); err != nil {
		return
	}
	if s.persistence != nil {
		_ = s.persistence.Write(context.Background(), payload.Key, payload.Value)
	}
}
