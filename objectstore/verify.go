package objectstore

import (
	"crypto/md5"
	"io"
	"os"

	"keg/archiveindex"
	"keg/blte"
	"keg/key"
)

// headerCaptureSize bounds how much of a written object's prefix is kept in
// memory to compute a BLTE header-region digest. Chunk tables are a few
// bytes per chunk; this comfortably covers any build seen in practice
// without buffering whole archives.
const headerCaptureSize = 64 * 1024

// identityDigest computes the object-store identity digest for a just-written
// object, per the Kind/suffix-specific rule spec.md's Invariant I1 describes:
// configs (and any other non-data kind) are keyed by MD5 of the whole file,
// loose BLTE data objects and fragments are keyed by the BLTE header-region
// digest, and archive indices are keyed by MD5 of their 28-byte footer.
func identityDigest(kind Kind, suffix string, fragment bool, prefix []byte, tmpPath string) (key.Key, error) {
	if kind == KindData && suffix == ".index" {
		f, err := os.Open(tmpPath)
		if err != nil {
			return key.Key{}, err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return key.Key{}, err
		}
		if info.Size() < archiveindex.FooterSize {
			return key.Key{}, io.ErrUnexpectedEOF
		}
		footer := make([]byte, archiveindex.FooterSize)
		if _, err := f.ReadAt(footer, info.Size()-archiveindex.FooterSize); err != nil {
			return key.Key{}, err
		}
		return key.Sum(footer), nil
	}
	if kind == KindData || fragment {
		return blte.EKey(prefix)
	}
	f, err := os.Open(tmpPath)
	if err != nil {
		return key.Key{}, err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return key.Key{}, err
	}
	var k key.Key
	copy(k[:], h.Sum(nil))
	return k, nil
}
