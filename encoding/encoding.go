// Package encoding parses the NGDP encoding file: the many-to-many ckey↔ekey
// directory plus the catalog of encoding-spec recipe strings.
//
// Layout: magic "EN", version, ckey/ekey hash sizes, two KiB page sizes, two
// page counts, an espec-block length and its '|'-separated text, then the
// ckey-page table (each page prefixed by a (first_key, page_md5) header) and
// the symmetric ekey-page table.
package encoding

import (
	"encoding/binary"
	"strings"

	"keg/kegerr"
	"keg/key"
)

const (
	magic      = "EN"
	pageHeaderSize = key.Size + key.Size // first_key + page_md5
)

// CKeyRecord is one decoded record of the ckey-page table.
type CKeyRecord struct {
	DecodedSize uint64
	CKey        key.Key
	EKeys       []key.Key
}

// EKeyRecord is one decoded record of the ekey-page table.
type EKeyRecord struct {
	EKey        key.Key
	ESpecIndex  uint32
	DecodedSize uint64
}

// File is a parsed encoding file.
type File struct {
	Version      byte
	CKeySize     byte
	EKeySize     byte
	Specs        []string
	ckeyByFirst  map[key.Key]key.Key // ckey -> primary ekey
	ekeyIndex    map[key.Key]EKeyRecord
}

// Parse decodes a complete encoding file. When verify is true, every page's
// MD5 header is checked against its body.
func Parse(data []byte, verify bool) (*File, error) {
	if len(data) < 2 || string(data[0:2]) != magic {
		return nil, &kegerr.ParseError{Format: "encoding", Offset: 0, Reason: "bad magic"}
	}
	pos := 2
	need := func(n int) error {
		if pos+n > len(data) {
			return &kegerr.ParseError{Format: "encoding", Offset: int64(pos), Reason: "truncated header"}
		}
		return nil
	}

	if err := need(1); err != nil {
		return nil, err
	}
	version := data[pos]
	pos++

	if err := need(2); err != nil {
		return nil, err
	}
	ckeySize, ekeySize := data[pos], data[pos+1]
	pos += 2

	if err := need(4); err != nil {
		return nil, err
	}
	ckeyPageSizeKB := binary.BigEndian.Uint16(data[pos : pos+2])
	ekeyPageSizeKB := binary.BigEndian.Uint16(data[pos+2 : pos+4])
	pos += 4

	if err := need(8); err != nil {
		return nil, err
	}
	ckeyPageCount := binary.BigEndian.Uint32(data[pos : pos+4])
	ekeyPageCount := binary.BigEndian.Uint32(data[pos+4 : pos+8])
	pos += 8

	if err := need(4); err != nil {
		return nil, err
	}
	especBlockLen := binary.BigEndian.Uint32(data[pos : pos+4])
	pos += 4

	if err := need(int(especBlockLen)); err != nil {
		return nil, err
	}
	especBlock := data[pos : pos+int(especBlockLen)]
	pos += int(especBlockLen)
	specs := strings.Split(strings.TrimRight(string(especBlock), "\x00"), "|")

	f := &File{
		Version:     version,
		CKeySize:    ckeySize,
		EKeySize:    ekeySize,
		Specs:       specs,
		ckeyByFirst: make(map[key.Key]key.Key),
		ekeyIndex:   make(map[key.Key]EKeyRecord),
	}

	ckeyPageSize := int(ckeyPageSizeKB) * 1024
	for i := uint32(0); i < ckeyPageCount; i++ {
		if err := need(pageHeaderSize); err != nil {
			return nil, err
		}
		pageMD5 := data[pos+key.Size : pos+pageHeaderSize]
		pos += pageHeaderSize
		if err := need(ckeyPageSize); err != nil {
			return nil, err
		}
		page := data[pos : pos+ckeyPageSize]
		pos += ckeyPageSize
		if verify {
			got := key.Sum(page)
			if !bytesEqual(got[:], pageMD5) {
				return nil, &kegerr.IntegrityError{What: "encoding ckey page", Expected: hexStr(pageMD5), Actual: got.String()}
			}
		}
		recs, err := parseCKeyPage(page, int(ekeySize))
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if len(r.EKeys) > 0 {
				if _, exists := f.ckeyByFirst[r.CKey]; !exists {
					f.ckeyByFirst[r.CKey] = r.EKeys[0]
				}
			}
		}
	}

	ekeyPageSize := int(ekeyPageSizeKB) * 1024
	for i := uint32(0); i < ekeyPageCount; i++ {
		if err := need(pageHeaderSize); err != nil {
			return nil, err
		}
		pageMD5 := data[pos+key.Size : pos+pageHeaderSize]
		pos += pageHeaderSize
		if err := need(ekeyPageSize); err != nil {
			return nil, err
		}
		page := data[pos : pos+ekeyPageSize]
		pos += ekeyPageSize
		if verify {
			got := key.Sum(page)
			if !bytesEqual(got[:], pageMD5) {
				return nil, &kegerr.IntegrityError{What: "encoding ekey page", Expected: hexStr(pageMD5), Actual: got.String()}
			}
		}
		recs, err := parseEKeyPage(page)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			f.ekeyIndex[r.EKey] = r
		}
	}

	return f, nil
}

func parseCKeyPage(page []byte, ekeySize int) ([]CKeyRecord, error) {
	var out []CKeyRecord
	pos := 0
	for pos < len(page) {
		count := page[pos]
		if count == 0 {
			break // zero padding to end of page
		}
		if pos+1+5+key.Size+int(count)*ekeySize > len(page) {
			return nil, &kegerr.ParseError{Format: "encoding", Offset: int64(pos), Reason: "ckey record exceeds page"}
		}
		decoded := readUint40(page[pos+1 : pos+6])
		var ckey key.Key
		copy(ckey[:], page[pos+6:pos+6+key.Size])
		off := pos + 6 + key.Size
		ekeys := make([]key.Key, count)
		for i := 0; i < int(count); i++ {
			copy(ekeys[i][:], page[off:off+ekeySize])
			off += ekeySize
		}
		out = append(out, CKeyRecord{DecodedSize: decoded, CKey: ckey, EKeys: ekeys})
		pos = off
	}
	return out, nil
}

func parseEKeyPage(page []byte) ([]EKeyRecord, error) {
	var out []EKeyRecord
	pos := 0
	recSize := key.Size + 4 + 5
	for pos+recSize <= len(page) {
		if isZero(page[pos : pos+key.Size]) {
			break
		}
		var ekey key.Key
		copy(ekey[:], page[pos:pos+key.Size])
		especIdx := binary.BigEndian.Uint32(page[pos+key.Size : pos+key.Size+4])
		decoded := readUint40(page[pos+key.Size+4 : pos+recSize])
		out = append(out, EKeyRecord{EKey: ekey, ESpecIndex: especIdx, DecodedSize: decoded})
		pos += recSize
	}
	return out, nil
}

func readUint40(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func hexStr(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0F]
	}
	return string(out)
}

// FindByContentKey returns the first ekey a ckey maps to.
func (f *File) FindByContentKey(ckey key.Key) (key.Key, error) {
	ek, ok := f.ckeyByFirst[ckey]
	if !ok {
		return key.Key{}, &kegerr.NotFoundError{Kind: "ckey", Key: ckey.String()}
	}
	return ek, nil
}

// FindByEncodedKey returns the encoding spec and decoded size for an ekey.
func (f *File) FindByEncodedKey(ekey key.Key) (string, uint64, error) {
	rec, ok := f.ekeyIndex[ekey]
	if !ok {
		return "", 0, &kegerr.NotFoundError{Kind: "ekey", Key: ekey.String()}
	}
	if int(rec.ESpecIndex) >= len(f.Specs) {
		return "", 0, &kegerr.ParseError{Format: "encoding", Offset: 0, Reason: "espec index out of range"}
	}
	return f.Specs[rec.ESpecIndex], rec.DecodedSize, nil
}

// HasEncodingKey reports whether ekey is present in the ekey table.
func (f *File) HasEncodingKey(ekey key.Key) bool {
	_, ok := f.ekeyIndex[ekey]
	return ok
}
