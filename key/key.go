// Package key implements the MD5-based content/encoded key primitives
// shared by every codec and store in the repository engine, plus the
// two-level hex partitioning scheme used for on-disk and wire paths.
package key

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// Size is the byte length of an NGDP key (MD5 digest).
const Size = 16

// Key is a 16-byte MD5 digest, the shared representation for both content
// keys (ckey) and encoded keys (ekey). The wire and filesystem form is
// always 32 lowercase hex characters; callers needing to tell ckeys and
// ekeys apart do so by field name, not by type.
type Key [Size]byte

// Zero reports whether k is the all-zero key (used as an "undefined" sentinel).
func (k Key) Zero() bool { return k == Key{} }

// String renders k as 32 lowercase hex characters, the canonical wire form.
func (k Key) String() string { return hex.EncodeToString(k[:]) }

// Bytes returns a copy of the raw 16-byte digest.
func (k Key) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, k[:])
	return b
}

// CID wraps k as a raw-codec CID over an identity-wrapped MD5 multihash.
// This is purely an internal convenience for cache keys and log fields; it
// never appears on the wire or in a persisted filename, which always use
// String's 32-hex form.
func (k Key) CID() cid.Cid {
	digest, err := mh.Encode(k[:], mh.MD5)
	if err != nil {
		// mh.Encode only fails for unknown codes; MD5 is always registered.
		panic(fmt.Sprintf("key: encode multihash: %v", err))
	}
	return cid.NewCidV1(cid.Raw, digest)
}

// Parse decodes a 32-character hex string into a Key.
func Parse(s string) (Key, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	var k Key
	if len(s) != Size*2 {
		return k, fmt.Errorf("key: %q: want %d hex chars, got %d", s, Size*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("key: %q: %w", s, err)
	}
	copy(k[:], b)
	return k, nil
}

// MustParse is Parse but panics on error; intended for tests and constants.
func MustParse(s string) Key {
	k, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return k
}

// Sum computes the MD5 digest of data as a Key.
func Sum(data []byte) Key {
	return Key(md5.Sum(data))
}

// Partition splits a key's hex string into the two-level path prefix used
// by every on-disk and wire layout in this system: "0123abcd..." becomes
// ("01", "23"). It panics if hexKey is shorter than four characters; the
// length is not otherwise checked, since every caller constructs the string
// from a Key.
func Partition(hexKey string) (top, sub string) {
	if len(hexKey) < 4 {
		panic(fmt.Sprintf("key: partition: %q too short", hexKey))
	}
	return hexKey[0:2], hexKey[2:4]
}

// RelPath returns the key's two-level-partitioned relative path, e.g.
// "01/23/0123abcd...". suffix, if non-empty, is appended verbatim (used for
// the ".index" suffix on archive indices).
func (k Key) RelPath(suffix string) string {
	s := k.String()
	top, sub := Partition(s)
	return top + "/" + sub + "/" + s + suffix
}
