package datastore

import (
	"context"
	"testing"

	ds "github.com/ipfs/go-datastore"
	badger4 "github.com/ipfs/go-ds-badger4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) Datastore {
	t.Helper()
	opts := badger4.DefaultOptions
	d, err := Open(t.TempDir(), &opts)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestPutGetHasDelete(t *testing.T) {
	d := openTestStore(t)
	ctx := context.Background()
	k := ds.NewKey("/a/b")

	ok, err := d.Has(ctx, k)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Put(ctx, k, []byte("v1")))
	ok, err = d.Has(ctx, k)
	require.NoError(t, err)
	assert.True(t, ok)

	v, err := d.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	require.NoError(t, d.Delete(ctx, k))
	ok, err = d.Has(ctx, k)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClearRemovesEveryEntry(t *testing.T) {
	d := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, d.Put(ctx, ds.NewKey("/a"), []byte{1}))
	require.NoError(t, d.Put(ctx, ds.NewKey("/b"), []byte{1}))

	require.NoError(t, d.Clear(ctx))

	ok, err := d.Has(ctx, ds.NewKey("/a"))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = d.Has(ctx, ds.NewKey("/b"))
	require.NoError(t, err)
	assert.False(t, ok)
}
