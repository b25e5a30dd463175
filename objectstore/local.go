package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"keg/kegerr"
	"keg/key"
)

// ExistenceCache is a best-effort accelerator for Has* checks: a miss is
// never trusted as a negative answer, only a hit short-circuits a stat.
type ExistenceCache interface {
	Has(kind Kind, k key.Key, fragment bool) (bool, error)
	Mark(kind Kind, k key.Key, fragment bool) error
}

// LocalStore is the two-level hex-partitioned filesystem object store
// rooted at <repo>/objects, with fragments kept in the sibling
// <repo>/fragments tree per spec.md's on-disk layout.
type LocalStore struct {
	root     string
	fragRoot string
	tmp      string
	cache    ExistenceCache // may be nil
	pid      int
}

// NewLocalStore creates a LocalStore rooted at root (the objects/ subtree),
// with fragments rooted at fragRoot and scratch space at tmpDir (normally
// <repo>/tmp). cache may be nil to disable the existence accelerator.
func NewLocalStore(root, fragRoot, tmpDir string, cache ExistenceCache) *LocalStore {
	return &LocalStore{root: root, fragRoot: fragRoot, tmp: tmpDir, cache: cache, pid: os.Getpid()}
}

// InvalidateExistence clears the existence accelerator, if one is
// configured. fsck --delete calls this after unlinking failed objects so
// stale "present" entries don't mask the deletion on the next Has* check.
func (s *LocalStore) InvalidateExistence(ctx context.Context) error {
	if r, ok := s.cache.(interface{ Reset(context.Context) error }); ok {
		return r.Reset(ctx)
	}
	return nil
}

func (s *LocalStore) abs(rel string) string { return filepath.Join(s.root, filepath.FromSlash(rel)) }

func (s *LocalStore) fragAbs(k key.Key) string {
	return filepath.Join(s.fragRoot, filepath.FromSlash(k.RelPath("")))
}

func (s *LocalStore) has(ctx context.Context, kind Kind, k key.Key, suffix string, fragment bool) (bool, error) {
	if s.cache != nil {
		if ok, err := s.cache.Has(kind, k, fragment); err == nil && ok {
			return true, nil
		}
	}
	path := s.abs(relPath(kind, k, suffix))
	if fragment {
		path = s.fragAbs(k)
	}
	_, err := os.Stat(path)
	if err == nil {
		if s.cache != nil {
			_ = s.cache.Mark(kind, k, fragment)
		}
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *LocalStore) openAbs(abs string) (io.ReadCloser, error) {
	f, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &kegerr.NotFoundError{Kind: "object", Key: abs}
		}
		return nil, err
	}
	return f, nil
}

func (s *LocalStore) HasConfig(ctx context.Context, k key.Key) (bool, error) {
	return s.has(ctx, KindConfig, k, "", false)
}
func (s *LocalStore) HasIndex(ctx context.Context, k key.Key) (bool, error) {
	return s.has(ctx, KindData, k, ".index", false)
}
func (s *LocalStore) HasData(ctx context.Context, k key.Key) (bool, error) {
	return s.has(ctx, KindData, k, "", false)
}
func (s *LocalStore) HasFragment(ctx context.Context, k key.Key) (bool, error) {
	return s.has(ctx, KindData, k, "", true)
}

func (s *LocalStore) GetConfig(ctx context.Context, k key.Key) (io.ReadCloser, error) {
	return s.openAbs(s.abs(relPath(KindConfig, k, "")))
}
func (s *LocalStore) GetIndex(ctx context.Context, k key.Key) (io.ReadCloser, error) {
	return s.openAbs(s.abs(relPath(KindData, k, ".index")))
}
func (s *LocalStore) GetData(ctx context.Context, k key.Key) (io.ReadCloser, error) {
	return s.openAbs(s.abs(relPath(KindData, k, "")))
}
func (s *LocalStore) GetFragment(ctx context.Context, k key.Key) (io.ReadCloser, error) {
	return s.openAbs(s.fragAbs(k))
}

// openObject is the kind/fragment-aware path resolver delegating.go uses to
// hand back a local reader once it has confirmed (or just committed) the
// object locally.
func (s *LocalStore) openObject(kind Kind, k key.Key, suffix string, fragment bool) (io.ReadCloser, error) {
	if fragment {
		return s.openAbs(s.fragAbs(k))
	}
	return s.openAbs(s.abs(relPath(kind, k, suffix)))
}

// GetArchiveRange opens a data object and seeks to [offset, offset+size).
func (s *LocalStore) GetArchiveRange(ctx context.Context, archiveKey key.Key, offset, size uint32) (io.ReadCloser, error) {
	f, err := os.Open(s.abs(relPath(KindData, archiveKey, "")))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &kegerr.NotFoundError{Kind: "archive", Key: archiveKey.String()}
		}
		return nil, err
	}
	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &limitedReadCloser{r: io.LimitReader(f, int64(size)), c: f}, nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error               { return l.c.Close() }

// Put writes data under the two-level-partitioned path for kind/k via a
// temp-file-then-rename commit. If verify is true, the written bytes are
// checked against k using the Kind/suffix-specific identity rule (see
// identityDigest) before the rename is performed: whole-file MD5 for
// configs, the BLTE header-region digest for loose data objects and
// fragments, and the footer digest for archive indices.
func (s *LocalStore) Put(kind Kind, k key.Key, suffix string, r io.Reader, verify bool, fragment bool) error {
	rel := relPath(kind, k, suffix)
	dst := s.abs(rel)
	if fragment {
		rel = "fragments/" + k.RelPath("")
		dst = s.fragAbs(k)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(s.tmp, 0o755); err != nil {
		return err
	}

	nonce := uuid.New().String()
	tmpPath := filepath.Join(s.tmp, fmt.Sprintf("%s.%d-%s.keg_temp", k.String(), s.pid, nonce))

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath) // no-op once renamed away

	var prefix []byte
	capture := &boundedCapture{limit: headerCaptureSize}
	w := io.MultiWriter(f, capture)
	if _, err := io.Copy(w, r); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	prefix = capture.buf

	if verify {
		got, err := identityDigest(kind, suffix, fragment, prefix, tmpPath)
		if err != nil {
			return &kegerr.IntegrityError{What: "object ingest " + rel, Expected: k.String(), Actual: err.Error()}
		}
		if got != k {
			return &kegerr.IntegrityError{What: "object ingest " + rel, Expected: k.String(), Actual: got.String()}
		}
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return err
	}
	if s.cache != nil {
		_ = s.cache.Mark(kind, k, fragment)
	}
	return nil
}

// boundedCapture retains up to limit bytes of everything written to it,
// silently dropping the rest.
type boundedCapture struct {
	buf   []byte
	limit int
}

func (b *boundedCapture) Write(p []byte) (int, error) {
	if room := b.limit - len(b.buf); room > 0 {
		if room > len(p) {
			room = len(p)
		}
		b.buf = append(b.buf, p[:room]...)
	}
	return len(p), nil
}

// PutConfig stores raw config bytes; identity is the MD5 of the exact bytes
// (not the BLTE header convention used for data objects).
func (s *LocalStore) PutConfig(k key.Key, r io.Reader, verify bool) error {
	return s.Put(KindConfig, k, "", r, verify, false)
}

func (s *LocalStore) DownloadConfig(ctx context.Context, k key.Key, verify bool) (io.ReadCloser, error) {
	return s.GetConfig(ctx, k)
}
func (s *LocalStore) DownloadData(ctx context.Context, k key.Key, verify bool) (io.ReadCloser, error) {
	return s.GetData(ctx, k)
}
func (s *LocalStore) DownloadIndex(ctx context.Context, k key.Key, verify bool) (io.ReadCloser, error) {
	return s.GetIndex(ctx, k)
}

// Unlink removes the object at kind/k, used by fsck --delete.
func (s *LocalStore) Unlink(kind Kind, k key.Key, suffix string) error {
	return os.Remove(s.abs(relPath(kind, k, suffix)))
}

// UnlinkFragment removes a fragment object, used by fsck --delete.
func (s *LocalStore) UnlinkFragment(k key.Key) error {
	return os.Remove(s.fragAbs(k))
}
