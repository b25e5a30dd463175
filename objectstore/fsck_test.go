package objectstore

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keg/blte"
	"keg/key"
)

func TestWalkVisitsEveryDataObject(t *testing.T) {
	s := newTestStore(t)
	var blob bytes.Buffer
	ek, err := blte.Encode(&blob, []blte.ChunkPlan{{Mode: blte.ModeRaw, Data: []byte("x")}})
	require.NoError(t, err)
	require.NoError(t, s.Put(KindData, ek, "", bytes.NewReader(blob.Bytes()), true, false))

	var seen []WalkEntry
	require.NoError(t, s.Walk(KindData, func(e WalkEntry) error {
		seen = append(seen, e)
		return nil
	}))
	require.Len(t, seen, 1)
	assert.Equal(t, ek, seen[0].Key)
}

func TestWalkFragmentsVisitsFragmentsUnderTheSiblingTree(t *testing.T) {
	s := newTestStore(t)
	var blob bytes.Buffer
	ek, err := blte.Encode(&blob, []blte.ChunkPlan{{Mode: blte.ModeRaw, Data: []byte("y")}})
	require.NoError(t, err)
	require.NoError(t, s.Put(KindData, ek, "", bytes.NewReader(blob.Bytes()), true, true))

	var seen []WalkEntry
	require.NoError(t, s.WalkFragments(func(e WalkEntry) error {
		seen = append(seen, e)
		return nil
	}))
	require.Len(t, seen, 1)
	assert.True(t, seen[0].Fragment)
	assert.Equal(t, ek, seen[0].Key)

	// the fragment must not also show up under the data/ subtree
	var dataSeen []WalkEntry
	require.NoError(t, s.Walk(KindData, func(e WalkEntry) error {
		dataSeen = append(dataSeen, e)
		return nil
	}))
	assert.Empty(t, dataSeen)
}

func TestVerifyDetectsTamperedObjectScenario5(t *testing.T) {
	s := newTestStore(t)
	var blob bytes.Buffer
	ek, err := blte.Encode(&blob, []blte.ChunkPlan{{Mode: blte.ModeRaw, Data: []byte("original payload")}})
	require.NoError(t, err)
	require.NoError(t, s.Put(KindData, ek, "", bytes.NewReader(blob.Bytes()), true, false))

	entry := WalkEntry{Kind: KindData, Key: ek}
	require.NoError(t, s.Verify(entry))

	path := s.abs(relPath(KindData, ek, ""))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[8] ^= 0xFF // flip a byte inside the header region
	require.NoError(t, os.WriteFile(path, data, 0o644))

	err = s.Verify(entry)
	assert.Error(t, err)

	require.NoError(t, s.Unlink(KindData, ek, ""))
	ok, err := s.HasData(context.Background(), ek)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyPassesForUntamperedConfig(t *testing.T) {
	s := newTestStore(t)
	raw := []byte("root = deadbeef\n")
	k := key.Sum(raw)
	require.NoError(t, s.PutConfig(k, bytes.NewReader(raw), true))

	require.NoError(t, s.Verify(WalkEntry{Kind: KindConfig, Key: k}))
}
