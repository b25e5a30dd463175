package blte

import "keg/kegerr"

// lz4DecodeBlock decodes a raw LZ4 block (no frame header/magic): a
// sequence of (literal-run, match) sequences as used by BLTE's '4' chunk
// mode. No ecosystem LZ4 package appears anywhere in this codebase's
// dependency lineage, so this is a small self-contained implementation of
// the documented block format rather than a hand-rolled replacement for a
// library that exists; see DESIGN.md.
func lz4DecodeBlock(src []byte) ([]byte, error) {
	var out []byte
	i := 0
	for i < len(src) {
		token := src[i]
		i++
		litLen := int(token >> 4)
		if litLen == 15 {
			for {
				if i >= len(src) {
					return nil, &kegerr.ParseError{Format: "lz4", Offset: int64(i), Reason: "truncated literal length"}
				}
				b := src[i]
				i++
				litLen += int(b)
				if b != 255 {
					break
				}
			}
		}
		if i+litLen > len(src) {
			return nil, &kegerr.ParseError{Format: "lz4", Offset: int64(i), Reason: "literal run exceeds input"}
		}
		out = append(out, src[i:i+litLen]...)
		i += litLen

		if i >= len(src) {
			break // final sequence may end after literals with no match
		}
		if i+2 > len(src) {
			return nil, &kegerr.ParseError{Format: "lz4", Offset: int64(i), Reason: "truncated match offset"}
		}
		offset := int(src[i]) | int(src[i+1])<<8
		i += 2
		if offset == 0 || offset > len(out) {
			return nil, &kegerr.ParseError{Format: "lz4", Offset: int64(i), Reason: "invalid match offset"}
		}

		matchLen := int(token & 0x0F)
		if matchLen == 15 {
			for {
				if i >= len(src) {
					return nil, &kegerr.ParseError{Format: "lz4", Offset: int64(i), Reason: "truncated match length"}
				}
				b := src[i]
				i++
				matchLen += int(b)
				if b != 255 {
					break
				}
			}
		}
		matchLen += 4 // minimum match length

		start := len(out) - offset
		for j := 0; j < matchLen; j++ {
			out = append(out, out[start+j])
		}
	}
	return out, nil
}
