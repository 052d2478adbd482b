package mesh

import (
	"context"
	"testing"
)

func newTestStore(t *testing.T) (*Store, PeerID) {
	t.Helper()
	d, self := newTestDHT(t)
	crypto, err := NewCryptoBox()
	if err != nil {
		t.Fatalf("NewCryptoBox() error = %v", err)
	}
	persistence := NewDatastoreBackend(nil)
	return NewStore(self, crypto, persistence, d, nil, NewMetrics()), self
}

func TestStoreRetrieveRoundTripPrivate(t *testing.T) {
	s, self := newTestStore(t)
	ctx := context.Background()

	if err := s.Store(ctx, "secret", []byte("shh"), StoreOptions{}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	got, err := s.Retrieve("secret", false)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if string(got) != "shh" {
		t.Fatalf("Retrieve() = %q, want \"shh\"", got)
	}
	_ = self
}

func TestStoreRetrieveRoundTripPublic(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Store(ctx, "announcement", []byte("hello world"), StoreOptions{IsPublic: true}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	got, err := s.Retrieve("announcement", false)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("Retrieve() = %q, want \"hello world\"", got)
	}
}

func TestRetrieveDeniesNonOwner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.Store(ctx, "private", []byte("mine"), StoreOptions{}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	// Simulate another node's view of the same record by swapping self.
	other, _ := NewPeerID()
	impersonator := &Store{self: other, crypto: s.crypto, persistence: s.persistence, dht: s.dht, metrics: s.metrics}
	if _, err := impersonator.Retrieve("private", false); err != ErrAccessDenied {
		t.Fatalf("Retrieve() error = %v, want ErrAccessDenied", err)
	}
}

func TestGrantAccessAllowsListedPeer(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.Store(ctx, "shared", []byte("payload"), StoreOptions{}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	friend, _ := NewPeerID()
	if err := s.GrantAccess("shared", friend); err != nil {
		t.Fatalf("GrantAccess() error = %v", err)
	}

	friendView := &Store{self: friend, crypto: s.crypto, persistence: s.persistence, dht: s.dht, metrics: s.metrics}
	got, err := friendView.Retrieve("shared", false)
	if err != nil {
		t.Fatalf("Retrieve() as granted peer error = %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("Retrieve() = %q, want \"payload\"", got)
	}

	if err := s.RevokeAccess("shared", friend); err != nil {
		t.Fatalf("RevokeAccess() error = %v", err)
	}
	if _, err := friendView.Retrieve("shared", false); err != ErrAccessDenied {
		t.Fatalf("Retrieve() after revoke error = %v, want ErrAccessDenied", err)
	}
}

func TestGrantAccessRejectsImmutableRecord(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.Store(ctx, "frozen", []byte("payload"), StoreOptions{IsImmutable: true}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	friend, _ := NewPeerID()
	if err := s.GrantAccess("frozen", friend); err != ErrImmutable {
		t.Fatalf("GrantAccess() on immutable record error = %v, want ErrImmutable", err)
	}
}

func TestBulkOperations(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Store(ctx, "bulk/a", []byte("1"), StoreOptions{IsPublic: true}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := s.Store(ctx, "bulk/b", []byte("2"), StoreOptions{IsPublic: true}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := s.Store(ctx, "other", []byte("3"), StoreOptions{IsPublic: true}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	keys, err := s.ListKeys(ctx, "bulk/")
	if err != nil {
		t.Fatalf("ListKeys() error = %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("ListKeys(\"bulk/\") = %v, want 2 entries", keys)
	}

	snap, err := s.Backup(ctx)
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if len(snap.Records) != 3 {
		t.Fatalf("Backup() captured %d records, want 3", len(snap.Records))
	}

	deleted, err := s.BulkDelete(ctx, "bulk/")
	if err != nil {
		t.Fatalf("BulkDelete() error = %v", err)
	}
	if deleted != 2 {
		t.Fatalf("BulkDelete(\"bulk/\") deleted %d, want 2", deleted)
	}

	if err := s.Restore(ctx, snap); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	keysAfterRestore, err := s.ListKeys(ctx, "bulk/")
	if err != nil {
		t.Fatalf("ListKeys() after restore error = %v", err)
	}
	if len(keysAfterRestore) != 2 {
		t.Fatalf("ListKeys(\"bulk/\") after restore = %v, want 2 entries", keysAfterRestore)
	}
}

func TestSearchMatchesKeyAndValue(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.Store(ctx, "notes/todo", []byte("buy milk"), StoreOptions{IsPublic: true}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := s.Store(ctx, "notes/done", []byte("walked dog"), StoreOptions{IsPublic: true}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	byKey, err := s.Search(ctx, "todo", false)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(byKey) != 1 || byKey[0] != "notes/todo" {
		t.Fatalf("Search(key) = %v, want [notes/todo]", byKey)
	}

	byValue, err := s.Search(ctx, "milk", true)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(byValue) != 1 || byValue[0] != "notes/todo" {
		t.Fatalf("Search(value) = %v, want [notes/todo]", byValue)
	}
}
