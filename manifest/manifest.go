// Package manifest parses the install and download manifests: tag-filtered
// lists of files belonging to a build, keyed by content key.
//
// Shared layout: a 2-byte magic, version, hash size, tag count, entry count;
// then a tag table (name, type, per-entry bitmask) and an entry table.
package manifest

import (
	"encoding/binary"
	"strings"

	"keg/kegerr"
	"keg/key"
)

// Tag is one named, typed classification (e.g. platform "Windows", locale
// "enUS") with a per-entry membership bitmask.
type Tag struct {
	Name string
	Type uint16
	mask []byte
}

func (t Tag) has(entryIdx int) bool {
	byteIdx := entryIdx / 8
	if byteIdx >= len(t.mask) {
		return false
	}
	bit := 7 - uint(entryIdx%8)
	return t.mask[byteIdx]&(1<<bit) != 0
}

// InstallEntry is one file listed in an install manifest.
type InstallEntry struct {
	Path string
	CKey key.Key
	Size uint32
}

// Install is a parsed install manifest.
type Install struct {
	Version  byte
	HashSize byte
	Tags     []Tag
	Entries  []InstallEntry
}

// ParseInstall decodes an install manifest ('IN' magic).
func ParseInstall(data []byte) (*Install, error) {
	const magic = "IN"
	pos, version, hashSize, numTags, numEntries, err := parseCommonHeader(data, magic)
	if err != nil {
		return nil, err
	}
	tags, pos, err := parseTags(data, pos, numTags, numEntries)
	if err != nil {
		return nil, err
	}
	entries := make([]InstallEntry, 0, numEntries)
	for i := 0; i < int(numEntries); i++ {
		path, newPos, err := readCString(data, pos)
		if err != nil {
			return nil, err
		}
		pos = newPos
		if pos+int(hashSize)+4 > len(data) {
			return nil, &kegerr.ParseError{Format: "install", Offset: int64(pos), Reason: "truncated entry"}
		}
		var ck key.Key
		copy(ck[:], data[pos:pos+int(hashSize)])
		pos += int(hashSize)
		size := binary.BigEndian.Uint32(data[pos : pos+4])
		pos += 4
		entries = append(entries, InstallEntry{Path: path, CKey: ck, Size: size})
	}
	return &Install{Version: version, HashSize: hashSize, Tags: tags, Entries: entries}, nil
}

// FilterEntries returns every entry matching wantTags. Requested tags of the
// same Type are OR'ed together; the result is the AND across distinct types
// of the selected tags' disjunction within that type. Names that match no
// tag in the manifest are ignored.
func (m *Install) FilterEntries(wantTags []string) []InstallEntry {
	byType := groupSelectedByType(m.Tags, wantTags)
	var out []InstallEntry
	for i, e := range m.Entries {
		if entryMatches(m.Tags, byType, i) {
			out = append(out, e)
		}
	}
	return out
}

// DownloadEntry is one file listed in a download manifest, additionally
// carrying a playable-state priority tier.
type DownloadEntry struct {
	EKey     key.Key
	Size     uint32
	Priority byte
}

// Download is a parsed download manifest.
type Download struct {
	Version  byte
	HashSize byte
	Tags     []Tag
	Entries  []DownloadEntry
}

// ParseDownload decodes a download manifest ('DL' magic).
func ParseDownload(data []byte) (*Download, error) {
	const magic = "DL"
	pos, version, hashSize, numTags, numEntries, err := parseCommonHeader(data, magic)
	if err != nil {
		return nil, err
	}
	tags, pos, err := parseTags(data, pos, numTags, numEntries)
	if err != nil {
		return nil, err
	}
	entries := make([]DownloadEntry, 0, numEntries)
	for i := 0; i < int(numEntries); i++ {
		if pos+int(hashSize)+4+1 > len(data) {
			return nil, &kegerr.ParseError{Format: "download", Offset: int64(pos), Reason: "truncated entry"}
		}
		var ek key.Key
		copy(ek[:], data[pos:pos+int(hashSize)])
		pos += int(hashSize)
		size := binary.BigEndian.Uint32(data[pos : pos+4])
		pos += 4
		priority := data[pos]
		pos++
		entries = append(entries, DownloadEntry{EKey: ek, Size: size, Priority: priority})
	}
	return &Download{Version: version, HashSize: hashSize, Tags: tags, Entries: entries}, nil
}

// FilterEntries applies the same tag-predicate semantics as Install.FilterEntries.
func (m *Download) FilterEntries(wantTags []string) []DownloadEntry {
	byType := groupSelectedByType(m.Tags, wantTags)
	var out []DownloadEntry
	for i, e := range m.Entries {
		if entryMatches(m.Tags, byType, i) {
			out = append(out, e)
		}
	}
	return out
}

func parseCommonHeader(data []byte, magic string) (pos int, version, hashSize byte, numTags, numEntries uint32, err error) {
	if len(data) < 2 || string(data[0:2]) != magic {
		return 0, 0, 0, 0, 0, &kegerr.ParseError{Format: "manifest", Offset: 0, Reason: "bad magic"}
	}
	if len(data) < 12 {
		return 0, 0, 0, 0, 0, &kegerr.ParseError{Format: "manifest", Offset: 2, Reason: "truncated header"}
	}
	version = data[2]
	hashSize = data[3]
	numTags = binary.BigEndian.Uint32(data[4:8])
	numEntries = binary.BigEndian.Uint32(data[8:12])
	return 12, version, hashSize, numTags, numEntries, nil
}

func parseTags(data []byte, pos int, numTags, numEntries uint32) ([]Tag, int, error) {
	maskLen := int((numEntries + 7) / 8)
	tags := make([]Tag, 0, numTags)
	for i := uint32(0); i < numTags; i++ {
		name, newPos, err := readCString(data, pos)
		if err != nil {
			return nil, 0, err
		}
		pos = newPos
		if pos+2+maskLen > len(data) {
			return nil, 0, &kegerr.ParseError{Format: "manifest", Offset: int64(pos), Reason: "truncated tag"}
		}
		typ := binary.BigEndian.Uint16(data[pos : pos+2])
		pos += 2
		mask := make([]byte, maskLen)
		copy(mask, data[pos:pos+maskLen])
		pos += maskLen
		tags = append(tags, Tag{Name: name, Type: typ, mask: mask})
	}
	return tags, pos, nil
}

func readCString(data []byte, pos int) (string, int, error) {
	idx := strings.IndexByte(string(data[pos:]), 0)
	if idx < 0 {
		return "", 0, &kegerr.ParseError{Format: "manifest", Offset: int64(pos), Reason: "unterminated string"}
	}
	return string(data[pos : pos+idx]), pos + idx + 1, nil
}

// groupSelectedByType buckets the requested tag names by their Type, so
// entryMatches can OR within a type and AND across types.
func groupSelectedByType(tags []Tag, wantTags []string) map[uint16][]Tag {
	want := make(map[string]bool, len(wantTags))
	for _, n := range wantTags {
		want[n] = true
	}
	byType := make(map[uint16][]Tag)
	for _, t := range tags {
		if want[t.Name] {
			byType[t.Type] = append(byType[t.Type], t)
		}
	}
	return byType
}

func entryMatches(_ []Tag, byType map[uint16][]Tag, entryIdx int) bool {
	for _, tagsOfType := range byType {
		matched := false
		for _, t := range tagsOfType {
			if t.has(entryIdx) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
