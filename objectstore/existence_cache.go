package objectstore

import (
	"context"
	"fmt"

	ds "github.com/ipfs/go-datastore"
	badger4 "github.com/ipfs/go-ds-badger4"
	"lukechampine.com/blake3"

	"keg/datastore"
	"keg/key"
)

// BadgerExistenceCache is the persistent accelerator for LocalStore's Has*
// checks, described in SPEC_FULL.md §4.11: a blake3-keyed boolean index
// over a github.com/ipfs/go-ds-badger4 store, consulted before falling
// through to a filesystem stat. It is never authoritative — a cache miss
// always re-stats the filesystem, and a hit is never returned without the
// underlying object actually existing at write time.
type BadgerExistenceCache struct {
	ds datastore.Datastore
}

// NewBadgerExistenceCache opens (or creates) a badger-backed existence
// index at dir.
func NewBadgerExistenceCache(dir string) (*BadgerExistenceCache, error) {
	opts := badger4.DefaultOptions
	d, err := datastore.Open(dir, &opts)
	if err != nil {
		return nil, fmt.Errorf("existence cache: open: %w", err)
	}
	return &BadgerExistenceCache{ds: d}, nil
}

func (c *BadgerExistenceCache) Close() error { return c.ds.Close() }

// Reset clears every entry in the existence index. Used by fsck to force a
// full re-stat of the local store after detecting corruption, since a stale
// positive entry would otherwise mask a missing object.
func (c *BadgerExistenceCache) Reset(ctx context.Context) error { return c.ds.Clear(ctx) }

func cacheKey(kind Kind, k key.Key, fragment bool) ds.Key {
	tag := string(kind)
	if fragment {
		tag = "fragment"
	}
	sum := blake3.Sum256([]byte(tag + "/" + k.String()))
	return ds.NewKey(fmt.Sprintf("/exists/%x", sum[:8]))
}

func (c *BadgerExistenceCache) Has(kind Kind, k key.Key, fragment bool) (bool, error) {
	return c.ds.Has(context.Background(), cacheKey(kind, k, fragment))
}

func (c *BadgerExistenceCache) Mark(kind Kind, k key.Key, fragment bool) error {
	return c.ds.Put(context.Background(), cacheKey(kind, k, fragment), []byte{1})
}
