package archiveindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keg/key"
)

func sortedEntries(n int) []Entry {
	entries := make([]Entry, n)
	for i := 0; i < n; i++ {
		var k key.Key
		k[0] = byte(i >> 8)
		k[1] = byte(i)
		entries[i] = Entry{Key: k, Size: uint32(100 + i), Offset: uint32(1000 * i)}
	}
	return entries
}

func TestBuildParseRoundTrip(t *testing.T) {
	entries := sortedEntries(5)
	data, err := Build(entries)
	require.NoError(t, err)

	idx, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, entries, idx.Entries)
	assert.EqualValues(t, len(entries), idx.Footer.NumEntries)
}

func TestParseEKeyIsFooterDigest(t *testing.T) {
	entries := sortedEntries(3)
	data, err := Build(entries)
	require.NoError(t, err)

	idx, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, key.Sum(data[len(data)-FooterSize:]), idx.EKey)
}

func TestBuildRejectsUnsortedEntries(t *testing.T) {
	entries := sortedEntries(3)
	entries[0], entries[1] = entries[1], entries[0]
	_, err := Build(entries)
	assert.Error(t, err)
}

func TestParseRejectsEntryCountMismatch(t *testing.T) {
	entries := sortedEntries(2)
	data, err := Build(entries)
	require.NoError(t, err)

	// Corrupt the footer's declared entry count.
	data[len(data)-FooterSize+16] = 99
	_, err = Parse(data)
	assert.Error(t, err)
}

func TestIndexLookup(t *testing.T) {
	entries := sortedEntries(10)
	data, err := Build(entries)
	require.NoError(t, err)
	idx, err := Parse(data)
	require.NoError(t, err)

	e, ok := idx.Lookup(entries[3].Key)
	require.True(t, ok)
	assert.Equal(t, entries[3], e)

	var missing key.Key
	missing[15] = 0xFF
	_, ok = idx.Lookup(missing)
	assert.False(t, ok)
}

func TestBuildSpansMultipleBlocks(t *testing.T) {
	recordsPerBlock := BlockSize / RecordSize
	entries := sortedEntries(recordsPerBlock * 2 + 3)
	data, err := Build(entries)
	require.NoError(t, err)

	idx, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, entries, idx.Entries)
}

func TestGroupLookupAcrossArchives(t *testing.T) {
	a1 := sortedEntries(3)
	a2 := sortedEntries(3)
	for i := range a2 {
		a2[i].Key[2] = 0xAB // make a2's keys distinct from a1's
	}
	d1, err := Build(a1)
	require.NoError(t, err)
	d2, err := Build(a2)
	require.NoError(t, err)
	i1, err := Parse(d1)
	require.NoError(t, err)
	i2, err := Parse(d2)
	require.NoError(t, err)

	archiveKey1 := key.Sum([]byte("archive-one"))
	archiveKey2 := key.Sum([]byte("archive-two"))
	grp := NewGroup([]key.Key{archiveKey1, archiveKey2}, []*Index{i1, i2})

	loc, ok := grp.Lookup(a2[1].Key)
	require.True(t, ok)
	assert.Equal(t, archiveKey2, loc.ArchiveKey)
	assert.Equal(t, a2[1].Size, loc.Size)
}
