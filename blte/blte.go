// Package blte implements the BLTE block-table container codec: the
// chunked format NGDP uses to store one logical file as one or more
// independently checksummed, independently compressed chunks.
//
// Layout: magic "BLTE", a big-endian header size (0 means single chunk, no
// table), and if non-zero a chunk table of (encoded_size, decoded_size,
// checksum) records followed by the concatenated chunk payloads. Each
// payload starts with a one-byte mode: 'N' raw, 'Z' zlib, '4' LZ4 block,
// 'F' recursive BLTE, 'E' encrypted.
package blte

import (
	"bytes"
	"compress/zlib"
	"crypto/rc4"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/salsa20/salsa20"

	"keg/kegerr"
	"keg/key"
)

const (
	magic           = "BLTE"
	chunkInfoFlag   = 0x0F
	chunkRecordSize = 4 + 4 + 16 // encoded_size, decoded_size, checksum
)

const (
	ModeRaw       byte = 'N'
	ModeZlib      byte = 'Z'
	ModeLZ4       byte = '4'
	ModeRecursive byte = 'F'
	ModeEncrypted byte = 'E'
)

// ChunkInfo describes one entry of the chunk table.
type ChunkInfo struct {
	EncodedSize uint32
	DecodedSize uint32 // 0 for the single-chunk form, where the size is unknown up front
	Checksum    key.Key
}

// KeyLookup resolves a named decryption key (Salsa20 or ARC4) by name.
type KeyLookup func(name string) ([]byte, bool)

// Decoder lazily yields decoded chunk buffers from a BLTE blob. It is
// restartable: each call to Next parses exactly one chunk payload.
type Decoder struct {
	data    []byte
	chunks  []ChunkInfo
	offsets []int // byte offset of each chunk's payload within data
	idx     int
	keys    KeyLookup
}

// NewDecoder parses a BLTE blob's header and verifies it against expectedEKey
// (when non-empty); it does not decode any chunk payloads yet.
func NewDecoder(data []byte, expectedEKey key.Key, verify bool, keys KeyLookup) (*Decoder, error) {
	if len(data) < 8 || string(data[0:4]) != magic {
		return nil, &kegerr.ParseError{Format: "blte", Offset: 0, Reason: "bad magic"}
	}
	headerSize := binary.BigEndian.Uint32(data[4:8])

	var headerRegion []byte
	var chunks []ChunkInfo
	var offsets []int

	if headerSize == 0 {
		// Single-chunk form: the whole remaining input is one chunk of
		// unknown decoded size, and the header region is the whole blob.
		headerRegion = data
		chunks = []ChunkInfo{{EncodedSize: uint32(len(data) - 8), DecodedSize: 0}}
		offsets = []int{8}
	} else {
		if len(data) < 8+int(headerSize) {
			return nil, &kegerr.ParseError{Format: "blte", Offset: 8, Reason: "truncated header"}
		}
		headerRegion = data[0 : 8+headerSize]
		if len(data) < 12 {
			return nil, &kegerr.ParseError{Format: "blte", Offset: 8, Reason: "truncated chunk-info field"}
		}
		flagAndCount := binary.BigEndian.Uint32(data[8:12])
		flag := byte(flagAndCount >> 24)
		if flag != chunkInfoFlag {
			return nil, &kegerr.ParseError{Format: "blte", Offset: 8, Reason: "unexpected chunk-info flag"}
		}
		count := int(flagAndCount & 0x00FFFFFF)
		tableStart := 12
		need := tableStart + count*chunkRecordSize
		if len(data) < need {
			return nil, &kegerr.ParseError{Format: "blte", Offset: int64(tableStart), Reason: "truncated chunk table"}
		}
		pos := tableStart
		payloadOffset := need
		for i := 0; i < count; i++ {
			rec := data[pos : pos+chunkRecordSize]
			enc := binary.BigEndian.Uint32(rec[0:4])
			dec := binary.BigEndian.Uint32(rec[4:8])
			var sum key.Key
			copy(sum[:], rec[8:24])
			chunks = append(chunks, ChunkInfo{EncodedSize: enc, DecodedSize: dec, Checksum: sum})
			offsets = append(offsets, payloadOffset)
			payloadOffset += int(enc)
			pos += chunkRecordSize
		}
		if len(data) < payloadOffset {
			return nil, &kegerr.ParseError{Format: "blte", Offset: int64(payloadOffset), Reason: "truncated chunk payloads"}
		}
	}

	if verify && !expectedEKey.Zero() {
		got := key.Sum(headerRegion)
		if got != expectedEKey {
			return nil, &kegerr.IntegrityError{What: "blte header", Expected: expectedEKey.String(), Actual: got.String()}
		}
	}

	return &Decoder{data: data, chunks: chunks, offsets: offsets, keys: keys}, nil
}

// EKey computes the encoded-content key of a full BLTE blob: the MD5 of the
// header region (the whole blob for the single-chunk form, or the magic
// plus chunk table for the multi-chunk form). This is the identity object
// stores and archive indices key data objects by, as opposed to the
// content key of the decoded payload.
func EKey(data []byte) (key.Key, error) {
	if len(data) < 8 || string(data[0:4]) != magic {
		return key.Key{}, &kegerr.ParseError{Format: "blte", Offset: 0, Reason: "bad magic"}
	}
	headerSize := binary.BigEndian.Uint32(data[4:8])
	if headerSize == 0 {
		return key.Sum(data), nil
	}
	if len(data) < 8+int(headerSize) {
		return key.Key{}, &kegerr.ParseError{Format: "blte", Offset: 8, Reason: "truncated header"}
	}
	return key.Sum(data[0 : 8+headerSize]), nil
}

// NumChunks returns the number of chunks in the blob.
func (d *Decoder) NumChunks() int { return len(d.chunks) }

// Next decodes and returns the next chunk's bytes, or io.EOF when exhausted.
func (d *Decoder) Next() ([]byte, error) {
	if d.idx >= len(d.chunks) {
		return nil, io.EOF
	}
	ci := d.chunks[d.idx]
	off := d.offsets[d.idx]
	end := off + int(ci.EncodedSize)
	if ci.EncodedSize == 0 {
		end = len(d.data) // single-chunk form with no declared size
	}
	if end > len(d.data) {
		return nil, &kegerr.ParseError{Format: "blte", Offset: int64(off), Reason: "chunk exceeds blob length"}
	}
	payload := d.data[off:end]

	if !ci.Checksum.Zero() {
		got := key.Sum(payload)
		if got != ci.Checksum {
			return nil, &kegerr.IntegrityError{What: "blte chunk", Expected: ci.Checksum.String(), Actual: got.String()}
		}
	}

	out, err := decodePayload(payload, d.keys, int64(d.idx))
	if err != nil {
		return nil, err
	}
	d.idx++
	return out, nil
}

// DecodeAll drains the decoder and concatenates every chunk.
func DecodeAll(data []byte, expectedEKey key.Key, verify bool, keys KeyLookup) ([]byte, error) {
	dec, err := NewDecoder(data, expectedEKey, verify, keys)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for {
		chunk, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		buf.Write(chunk)
	}
	return buf.Bytes(), nil
}

func decodePayload(payload []byte, keys KeyLookup, chunkIndex int64) ([]byte, error) {
	if len(payload) == 0 {
		return nil, &kegerr.ParseError{Format: "blte", Offset: 0, Reason: "empty chunk payload"}
	}
	mode := payload[0]
	body := payload[1:]
	switch mode {
	case ModeRaw:
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	case ModeZlib:
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, &kegerr.ParseError{Format: "blte", Offset: 0, Reason: "zlib: " + err.Error()}
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case ModeLZ4:
		return lz4DecodeBlock(body)
	case ModeRecursive:
		return DecodeAll(body, key.Key{}, false, keys)
	case ModeEncrypted:
		inner, err := decryptChunk(body, keys, chunkIndex)
		if err != nil {
			return nil, err
		}
		return decodePayload(inner, keys, chunkIndex)
	default:
		return nil, &kegerr.ParseError{Format: "blte", Offset: 0, Reason: "unknown chunk mode"}
	}
}

func decryptChunk(body []byte, keys KeyLookup, chunkIndex int64) ([]byte, error) {
	if len(body) < 1 {
		return nil, &kegerr.ParseError{Format: "blte", Offset: 0, Reason: "truncated encrypted chunk"}
	}
	keyNameLen := int(body[0])
	body = body[1:]
	if len(body) < keyNameLen+1 {
		return nil, &kegerr.ParseError{Format: "blte", Offset: 0, Reason: "truncated key name"}
	}
	keyName := body[:keyNameLen]
	body = body[keyNameLen:]

	ivLen := int(body[0])
	body = body[1:]
	if len(body) < ivLen+1 {
		return nil, &kegerr.ParseError{Format: "blte", Offset: 0, Reason: "truncated IV"}
	}
	iv := make([]byte, ivLen)
	copy(iv, body[:ivLen])
	body = body[ivLen:]

	encType := body[0]
	ciphertext := body[1:]

	nameHex := hexEncode(keyName)
	if keys == nil {
		return nil, &kegerr.MissingKeyError{Name: nameHex}
	}
	secret, ok := keys(nameHex)
	if !ok {
		return nil, &kegerr.MissingKeyError{Name: nameHex}
	}

	// XOR the low bytes of the IV with the little-endian chunk index, per
	// the BLTE convention for deriving a unique nonce per chunk.
	nonce := make([]byte, len(iv))
	copy(nonce, iv)
	var idxBytes [4]byte
	binary.LittleEndian.PutUint32(idxBytes[:], uint32(chunkIndex))
	for i := 0; i < 4 && i < len(nonce); i++ {
		nonce[i] ^= idxBytes[i]
	}

	plaintext := make([]byte, len(ciphertext))
	switch encType {
	case 'S': // Salsa20
		var nonce8 [8]byte
		copy(nonce8[:], nonce)
		var key32 [32]byte
		copy(key32[:], secret)
		salsa20.XORKeyStream(plaintext, ciphertext, nonce8[:], &key32)
	case 'A': // ARC4
		c, err := rc4.NewCipher(secret)
		if err != nil {
			return nil, &kegerr.ParseError{Format: "blte", Offset: 0, Reason: "arc4: " + err.Error()}
		}
		c.XORKeyStream(plaintext, ciphertext)
	default:
		return nil, &kegerr.ParseError{Format: "blte", Offset: 0, Reason: "unknown encryption type"}
	}
	return plaintext, nil
}

func hexEncode(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0F]
	}
	return string(out)
}

// ChunkPlan is one input chunk to Encode: its compression mode and raw bytes.
type ChunkPlan struct {
	Mode byte
	Data []byte
}

// Encode writes a well-formed multi-chunk BLTE blob for plans and returns
// its header key (the ekey a consumer should expect).
func Encode(w io.Writer, plans []ChunkPlan) (key.Key, error) {
	type encoded struct {
		payload  []byte
		decoded  uint32
		checksum key.Key
	}
	encs := make([]encoded, len(plans))
	for i, p := range plans {
		payload, err := encodePayload(p)
		if err != nil {
			return key.Key{}, err
		}
		encs[i] = encoded{payload: payload, decoded: uint32(len(p.Data)), checksum: key.Sum(payload)}
	}

	var header bytes.Buffer
	header.WriteString(magic)
	tableLen := 4 + len(encs)*chunkRecordSize
	var hs [4]byte
	binary.BigEndian.PutUint32(hs[:], uint32(tableLen))
	header.Write(hs[:])

	flagAndCount := uint32(chunkInfoFlag)<<24 | uint32(len(encs))&0x00FFFFFF
	var fc [4]byte
	binary.BigEndian.PutUint32(fc[:], flagAndCount)
	header.Write(fc[:])

	for _, e := range encs {
		var rec [chunkRecordSize]byte
		binary.BigEndian.PutUint32(rec[0:4], uint32(len(e.payload)))
		binary.BigEndian.PutUint32(rec[4:8], e.decoded)
		copy(rec[8:24], e.checksum[:])
		header.Write(rec[:])
	}

	headerKey := key.Sum(header.Bytes())

	if _, err := w.Write(header.Bytes()); err != nil {
		return key.Key{}, err
	}
	for _, e := range encs {
		if _, err := w.Write(e.payload); err != nil {
			return key.Key{}, err
		}
	}
	return headerKey, nil
}

func encodePayload(p ChunkPlan) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(p.Mode)
	switch p.Mode {
	case ModeRaw:
		buf.Write(p.Data)
	case ModeZlib:
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(p.Data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
	default:
		return nil, &kegerr.ParseError{Format: "blte", Offset: 0, Reason: "encoder: unsupported mode"}
	}
	return buf.Bytes(), nil
}

// Fix rewrites a blob that carries extraneous trailing bytes, truncating it
// to the exact total length declared by its chunk table.
func Fix(data []byte) ([]byte, error) {
	if len(data) < 8 || string(data[0:4]) != magic {
		return nil, &kegerr.ParseError{Format: "blte", Offset: 0, Reason: "bad magic"}
	}
	headerSize := binary.BigEndian.Uint32(data[4:8])
	if headerSize == 0 {
		return data, nil
	}
	dec, err := NewDecoder(data, key.Key{}, false, nil)
	if err != nil {
		return nil, err
	}
	total := 8 + int(headerSize)
	for _, ci := range dec.chunks {
		total += int(ci.EncodedSize)
	}
	if total > len(data) {
		return nil, &kegerr.ParseError{Format: "blte", Offset: int64(total), Reason: "declared length exceeds blob"}
	}
	out := make([]byte, total)
	copy(out, data[:total])
	return out, nil
}
