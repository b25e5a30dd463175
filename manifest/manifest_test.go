package manifest

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keg/key"
)

func appendCString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}

func buildHeader(magic string, version, hashSize byte, numTags, numEntries uint32) []byte {
	var buf []byte
	buf = append(buf, magic...)
	buf = append(buf, version, hashSize)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], numTags)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:], numEntries)
	buf = append(buf, tmp[:]...)
	return buf
}

// bitmask builds a tag membership mask over numEntries entries, set is the
// list of entry indices that belong to the tag.
func bitmask(numEntries uint32, set ...int) []byte {
	mask := make([]byte, (numEntries+7)/8)
	for _, idx := range set {
		mask[idx/8] |= 1 << uint(7-idx%8)
	}
	return mask
}

func appendTag(buf []byte, name string, typ uint16, mask []byte) []byte {
	buf = appendCString(buf, name)
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], typ)
	buf = append(buf, tmp[:]...)
	return append(buf, mask...)
}

func TestParseInstallAndFilterByTag(t *testing.T) {
	numEntries := uint32(3)
	buf := buildHeader("IN", 1, key.Size, 1, numEntries)
	buf = appendTag(buf, "enUS", 1, bitmask(numEntries, 0, 2))

	ck0, ck1, ck2 := key.Sum([]byte("a")), key.Sum([]byte("b")), key.Sum([]byte("c"))
	for i, e := range []struct {
		path string
		ck   key.Key
		size uint32
	}{
		{"file0.dat", ck0, 10},
		{"file1.dat", ck1, 20},
		{"file2.dat", ck2, 30},
	} {
		_ = i
		buf = appendCString(buf, e.path)
		buf = append(buf, e.ck[:key.Size]...)
		var sz [4]byte
		binary.BigEndian.PutUint32(sz[:], e.size)
		buf = append(buf, sz[:]...)
	}

	in, err := ParseInstall(buf)
	require.NoError(t, err)
	require.Len(t, in.Entries, 3)
	assert.Equal(t, "file0.dat", in.Entries[0].Path)
	assert.Equal(t, ck1, in.Entries[1].CKey)
	assert.EqualValues(t, 30, in.Entries[2].Size)

	matched := in.FilterEntries([]string{"enUS"})
	require.Len(t, matched, 2)
	assert.Equal(t, "file0.dat", matched[0].Path)
	assert.Equal(t, "file2.dat", matched[1].Path)
}

func TestFilterEntriesAndsAcrossDistinctTagTypes(t *testing.T) {
	numEntries := uint32(2)
	buf := buildHeader("IN", 1, key.Size, 2, numEntries)
	buf = appendTag(buf, "enUS", 1, bitmask(numEntries, 0, 1))
	buf = appendTag(buf, "Windows", 2, bitmask(numEntries, 1))

	ck0, ck1 := key.Sum([]byte("a")), key.Sum([]byte("b"))
	buf = appendCString(buf, "a.dat")
	buf = append(buf, ck0[:]...)
	buf = append(buf, 0, 0, 0, 1)
	buf = appendCString(buf, "b.dat")
	buf = append(buf, ck1[:]...)
	buf = append(buf, 0, 0, 0, 2)

	in, err := ParseInstall(buf)
	require.NoError(t, err)

	matched := in.FilterEntries([]string{"enUS", "Windows"})
	require.Len(t, matched, 1)
	assert.Equal(t, "b.dat", matched[0].Path)
}

func TestParseInstallRejectsBadMagic(t *testing.T) {
	_, err := ParseInstall([]byte("XX"))
	assert.Error(t, err)
}

func TestParseDownload(t *testing.T) {
	numEntries := uint32(2)
	buf := buildHeader("DL", 1, key.Size, 0, numEntries)

	ek0, ek1 := key.Sum([]byte("x")), key.Sum([]byte("y"))
	buf = append(buf, ek0[:]...)
	buf = append(buf, 0, 0, 0, 5, 10)
	buf = append(buf, ek1[:]...)
	buf = append(buf, 0, 0, 0, 6, 20)

	dl, err := ParseDownload(buf)
	require.NoError(t, err)
	require.Len(t, dl.Entries, 2)
	assert.Equal(t, ek0, dl.Entries[0].EKey)
	assert.EqualValues(t, 5, dl.Entries[0].Size)
	assert.EqualValues(t, 10, dl.Entries[0].Priority)
	assert.EqualValues(t, 20, dl.Entries[1].Priority)
}
