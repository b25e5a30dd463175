// Package archiveindex parses the fixed-block archive index format: a
// sequence of 4096-byte blocks of sorted (key, size, offset) records,
// zero-padded at each block's tail, terminated by a 28-byte footer whose
// MD5 is the index file's own identity (ekey).
package archiveindex

import (
	"crypto/md5"
	"encoding/binary"

	"keg/kegerr"
	"keg/key"
)

const (
	BlockSize  = 4096
	RecordSize = key.Size + 4 + 4 // key, size(u32be), offset(u32be)
	FooterSize = 28
)

// Entry is one (key, size, offset) record.
type Entry struct {
	Key    key.Key
	Size   uint32
	Offset uint32
}

// Footer mirrors the trailing 28-byte metadata block.
type Footer struct {
	TOCHash       [8]byte
	Version       byte
	BlockSizeKB   byte
	OffsetBytes   byte
	SizeBytes     byte
	KeySizeBytes  byte
	ChecksumSize  byte
	NumEntries    uint32
	FooterSum     [8]byte
}

// Index is a parsed archive index: the ordered entry list plus footer.
type Index struct {
	EKey    key.Key
	Footer  Footer
	Entries []Entry // strictly increasing by Key
}

// Parse decodes a full archive index file.
func Parse(data []byte) (*Index, error) {
	if len(data) < FooterSize {
		return nil, &kegerr.ParseError{Format: "archiveindex", Offset: 0, Reason: "too short for footer"}
	}
	footerBytes := data[len(data)-FooterSize:]
	ekey := key.Sum(footerBytes)

	var f Footer
	copy(f.TOCHash[:], footerBytes[0:8])
	f.Version = footerBytes[8]
	f.BlockSizeKB = footerBytes[11]
	f.OffsetBytes = footerBytes[12]
	f.SizeBytes = footerBytes[13]
	f.KeySizeBytes = footerBytes[14]
	f.ChecksumSize = footerBytes[15]
	f.NumEntries = binary.LittleEndian.Uint32(footerBytes[16:20])
	copy(f.FooterSum[:], footerBytes[20:28])

	body := data[:len(data)-FooterSize]
	var entries []Entry
	for off := 0; off+RecordSize <= len(body); off += RecordSize {
		if off%BlockSize+RecordSize > BlockSize {
			// The block's tail is too short for another record and is
			// padding; resume at the next block boundary.
			off = (off/BlockSize+1)*BlockSize - RecordSize
			continue
		}
		rec := body[off : off+RecordSize]
		if isZero(rec) {
			// Zero padding at a block's tail; skip to the next block boundary.
			nextBlock := ((off / BlockSize) + 1) * BlockSize
			if nextBlock <= off {
				break
			}
			off = nextBlock - RecordSize
			continue
		}
		var k key.Key
		copy(k[:], rec[0:16])
		entries = append(entries, Entry{
			Key:    k,
			Size:   binary.BigEndian.Uint32(rec[16:20]),
			Offset: binary.BigEndian.Uint32(rec[20:24]),
		})
	}

	if uint32(len(entries)) != f.NumEntries {
		return nil, &kegerr.ParseError{Format: "archiveindex", Offset: int64(len(body)), Reason: "entry count mismatch with footer"}
	}

	return &Index{EKey: ekey, Footer: f, Entries: entries}, nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// Lookup performs a binary search for key k, since Entries is sorted.
func (idx *Index) Lookup(k key.Key) (Entry, bool) {
	lo, hi := 0, len(idx.Entries)
	for lo < hi {
		mid := (lo + hi) / 2
		switch cmpKey(idx.Entries[mid].Key, k) {
		case 0:
			return idx.Entries[mid], true
		case -1:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return Entry{}, false
}

func cmpKey(a, b key.Key) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Build writes out a fresh archive index from sorted entries (the caller is
// responsible for pre-sorting; Build does not resort). It returns the bytes
// of a complete index file including footer.
func Build(entries []Entry) ([]byte, error) {
	for i := 1; i < len(entries); i++ {
		if cmpKey(entries[i-1].Key, entries[i].Key) >= 0 {
			return nil, &kegerr.ParseError{Format: "archiveindex", Offset: int64(i), Reason: "entries not strictly sorted"}
		}
	}

	var body []byte
	var lastKeys [][]byte
	recordsPerBlock := BlockSize / RecordSize
	for i, e := range entries {
		rec := make([]byte, RecordSize)
		copy(rec[0:16], e.Key[:])
		binary.BigEndian.PutUint32(rec[16:20], e.Size)
		binary.BigEndian.PutUint32(rec[20:24], e.Offset)
		body = append(body, rec...)

		if (i+1)%recordsPerBlock == 0 || i == len(entries)-1 {
			pad := BlockSize - (len(body) % BlockSize)
			if pad != BlockSize {
				body = append(body, make([]byte, pad)...)
			}
			lastKeys = append(lastKeys, e.Key[:])
		}
	}

	var toc []byte
	for _, k := range lastKeys {
		toc = append(toc, k...)
	}
	tocSum := md5.Sum(toc)

	footer := make([]byte, FooterSize)
	copy(footer[0:8], tocSum[:8])
	footer[8] = 1 // version
	footer[11] = BlockSize / 1024
	footer[12] = 4 // offset bytes
	footer[13] = 4 // size bytes
	footer[14] = key.Size
	footer[15] = 8 // checksum size
	binary.LittleEndian.PutUint32(footer[16:20], uint32(len(entries)))
	footerSum := md5.Sum(footer[:20])
	copy(footer[20:28], footerSum[:8])

	return append(body, footer...), nil
}

// Group overlays several archive indices, as used by a build's CDN config:
// lookup returns the first match across the group in the order the
// archives appear in the config.
type Group struct {
	archiveKeys []key.Key
	indices     []*Index
}

// NewGroup builds a lookup group from archive keys and their parsed
// indices, in CDN-config order.
func NewGroup(archiveKeys []key.Key, indices []*Index) *Group {
	return &Group{archiveKeys: archiveKeys, indices: indices}
}

// Location identifies where a blob lives inside an archive.
type Location struct {
	ArchiveKey key.Key
	Size       uint32
	Offset     uint32
}

// Lookup returns the first archive in the group containing ekey.
func (g *Group) Lookup(ekey key.Key) (Location, bool) {
	for i, idx := range g.indices {
		if e, ok := idx.Lookup(ekey); ok {
			return Location{ArchiveKey: g.archiveKeys[i], Size: e.Size, Offset: e.Offset}, true
		}
	}
	return Location{}, false
}
