// Package objectstore implements the content-addressed object store: a
// local two-level-partitioned filesystem store, a remote HTTP-backed store
// with no local state, and a delegating store that reads local-first,
// verifies on remote hit, and commits into the local store via rename.
package objectstore

import (
	"context"
	"io"

	"keg/key"
)

// Kind selects which on-disk/wire subtree an object lives under.
type Kind string

const (
	KindConfig Kind = "config"
	KindData   Kind = "data"
	KindPatch  Kind = "patch"
)

// Store is the capability set every object-store variant implements.
// Fragments have their own HasFragment/GetFragment pair, resolved against
// the separate fragments tree.
type Store interface {
	HasConfig(ctx context.Context, k key.Key) (bool, error)
	HasIndex(ctx context.Context, k key.Key) (bool, error)
	HasData(ctx context.Context, k key.Key) (bool, error)
	HasFragment(ctx context.Context, k key.Key) (bool, error)

	GetConfig(ctx context.Context, k key.Key) (io.ReadCloser, error)
	GetIndex(ctx context.Context, k key.Key) (io.ReadCloser, error)
	GetData(ctx context.Context, k key.Key) (io.ReadCloser, error)
	GetFragment(ctx context.Context, k key.Key) (io.ReadCloser, error)

	// GetArchiveRange reads [offset, offset+size) from a data object,
	// used to pull one encoded blob out of an archive.
	GetArchiveRange(ctx context.Context, archiveKey key.Key, offset, size uint32) (io.ReadCloser, error)

	// DownloadConfig/DownloadData/DownloadIndex return a reader for the
	// object exactly as the matching Get method does. No implementation in
	// this package consults the verify argument; DelegatingStore verifies
	// remote bytes on ingest according to its own Verify field.
	DownloadConfig(ctx context.Context, k key.Key, verify bool) (io.ReadCloser, error)
	DownloadData(ctx context.Context, k key.Key, verify bool) (io.ReadCloser, error)
	DownloadIndex(ctx context.Context, k key.Key, verify bool) (io.ReadCloser, error)
}

func relPath(kind Kind, k key.Key, suffix string) string {
	return string(kind) + "/" + k.RelPath(suffix)
}
