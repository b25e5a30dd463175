// Package datastore wraps github.com/ipfs/go-ds-badger4 with the one extra
// operation the object store's existence cache needs beyond the base
// go-datastore interface: a bulk Clear.
package datastore

import (
	"context"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	badger4 "github.com/ipfs/go-ds-badger4"
)

// Datastore is the base go-datastore capability set plus Clear.
type Datastore interface {
	ds.Datastore

	// Clear deletes every entry in the store. BadgerExistenceCache.Reset
	// calls this after fsck --delete removes failed objects, so a stale
	// "present" entry can't mask the deletion on the next Has check.
	Clear(ctx context.Context) error
}

var _ Datastore = (*datastorage)(nil)

type datastorage struct {
	*badger4.Datastore
}

// Open opens (creating if necessary) a badger-backed Datastore at path.
func Open(path string, opts *badger4.Options) (Datastore, error) {
	bds, err := badger4.NewDatastore(path, opts)
	if err != nil {
		return nil, err
	}
	return &datastorage{Datastore: bds}, nil
}

// Clear deletes every key via a query-then-batch-delete pass; badger4's
// underlying store does not expose a single bulk-truncate call.
func (s *datastorage) Clear(ctx context.Context) error {
	q, err := s.Query(ctx, query.Query{KeysOnly: true})
	if err != nil {
		return err
	}
	defer q.Close()

	b, err := s.Batch(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-q.Next():
			if !ok {
				return b.Commit(ctx)
			}
			if res.Error != nil {
				return res.Error
			}
			if err := b.Delete(ctx, ds.NewKey(res.Key)); err != nil {
				return err
			}
		}
	}
}
