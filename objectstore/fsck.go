package objectstore

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"keg/kegerr"
	"keg/key"
)

// WalkEntry is one object discovered by Walk/WalkFragments.
type WalkEntry struct {
	Kind     Kind
	Key      key.Key
	Suffix   string // ".index" for archive indices, "" otherwise
	Fragment bool
}

// Walk visits every object under kind's subtree (config, data, or patch),
// deriving each entry's key and suffix from its filename. Files whose name
// does not parse as a key are skipped, as fsck has nothing to check them
// against.
func (s *LocalStore) Walk(kind Kind, fn func(WalkEntry) error) error {
	root := filepath.Join(s.root, string(kind))
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		suffix := ""
		hexPart := name
		if strings.HasSuffix(name, ".index") {
			suffix = ".index"
			hexPart = strings.TrimSuffix(name, ".index")
		}
		k, err := key.Parse(hexPart)
		if err != nil {
			return nil
		}
		return fn(WalkEntry{Kind: kind, Key: k, Suffix: suffix})
	})
}

// WalkFragments visits every object under the fragments tree.
func (s *LocalStore) WalkFragments(fn func(WalkEntry) error) error {
	return filepath.WalkDir(s.fragRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		k, err := key.Parse(d.Name())
		if err != nil {
			return nil
		}
		return fn(WalkEntry{Kind: KindData, Key: k, Fragment: true})
	})
}

// Verify re-derives an on-disk object's identity digest and compares it to
// e.Key, without mutating anything. A config's identity is the MD5 of its
// whole byte stream; a loose data object or fragment's is the BLTE
// header-region digest; an archive index's is the trailing footer digest.
func (s *LocalStore) Verify(e WalkEntry) error {
	var path string
	if e.Fragment {
		path = s.fragAbs(e.Key)
	} else {
		path = s.abs(relPath(e.Kind, e.Key, e.Suffix))
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	prefix := make([]byte, headerCaptureSize)
	n, err := io.ReadFull(f, prefix)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return err
	}
	prefix = prefix[:n]

	got, err := identityDigest(e.Kind, e.Suffix, e.Fragment, prefix, path)
	if err != nil {
		return &kegerr.IntegrityError{What: "fsck " + path, Expected: e.Key.String(), Actual: err.Error()}
	}
	if got != e.Key {
		return &kegerr.IntegrityError{What: "fsck " + path, Expected: e.Key.String(), Actual: got.String()}
	}
	return nil
}
