package mesh

import (
	"context"
	"fmt"
	"strings"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
)

// DatastoreBackend is a default PersistenceCollaborator implementation
// backed by github.com/ipfs/go-datastore — its Datastore interface is
// exactly the "key->blob byte store" spec.md §1 asks the persistence
// collaborator to be. A caller in production would substitute a disk- or
// browser-storage-backed ds.Datastore; this repository wires the in-memory
// one so the contract is exercised without pulling in a storage backend's
// own concerns.
type DatastoreBackend struct {
	store ds.Datastore
}

// NewDatastoreBackend wraps store, or an in-memory map datastore if store
// is nil.
func NewDatastoreBackend(store ds.Datastore) *DatastoreBackend {
	if store == nil {
		store = ds.NewMapDatastore()
	}
	return &DatastoreBackend{store: store}
}

func (b *DatastoreBackend) Write(ctx context.Context, key string, value []byte) error {
	return b.store.Put(ctx, ds.NewKey(key), value)
}

func (b *DatastoreBackend) Read(ctx context.Context, key string) ([]byte, error) {
	v, err := b.store.Get(ctx, ds.NewKey(key))
	if err != nil {
		if err == ds.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("peerpigeon: datastore read %q: %w", key, err)
	}
	return v, nil
}

func (b *DatastoreBackend) Delete(ctx context.Context, key string) error {
	return b.store.Delete(ctx, ds.NewKey(key))
}

func (b *DatastoreBackend) List(ctx context.Context, prefix string) ([]string, error) {
	results, err := b.store.Query(ctx, dsq.Query{
		Prefix:   ds.NewKey(prefix).String(),
		KeysOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("peerpigeon: datastore list %q: %w", prefix, err)
	}
	defer results.Close()

	var keys []string
	for entry := range results.Next() {
		if entry.Error != nil {
			return nil, entry.Error
		}
		keys = append(keys, strings.TrimPrefix(entry.Key, "/"))
	}
	return keys, nil
}

func (b *DatastoreBackend) Stats(ctx context.Context) (PersistenceStats, error) {
	results, err := b.store.Query(ctx, dsq.Query{})
	if err != nil {
		return PersistenceStats{}, err
	}
	defer results.Close()

	var stats PersistenceStats
	stats.Type = "ipfs-go-datastore"
	for entry := range results.Next() {
		if entry.Error != nil {
			return PersistenceStats{}, entry.Error
		}
		stats.Items++
		stats.SizeBytes += int64(len(entry.Value))
	}
	return stats, nil
}
