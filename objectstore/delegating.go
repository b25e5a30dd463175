package objectstore

import (
	"context"
	"io"

	"keg/key"
)

// RemoteAPI is the subset of Store a DelegatingStore needs from its remote
// side (kept narrow so tests can supply a stub without implementing the
// whole Store interface).
type RemoteAPI interface {
	HasConfig(ctx context.Context, k key.Key) (bool, error)
	HasIndex(ctx context.Context, k key.Key) (bool, error)
	HasData(ctx context.Context, k key.Key) (bool, error)
	GetConfig(ctx context.Context, k key.Key) (io.ReadCloser, error)
	GetIndex(ctx context.Context, k key.Key) (io.ReadCloser, error)
	GetData(ctx context.Context, k key.Key) (io.ReadCloser, error)
	GetArchiveRange(ctx context.Context, archiveKey key.Key, offset, size uint32) (io.ReadCloser, error)
}

// DelegatingStore reads the local store first and falls back to the remote
// store on a miss, verifying and committing the remote bytes into the local
// store before ever handing them back to a caller.
type DelegatingStore struct {
	Local  *LocalStore
	Remote RemoteAPI
	Verify bool
}

func NewDelegatingStore(local *LocalStore, remote RemoteAPI, verify bool) *DelegatingStore {
	return &DelegatingStore{Local: local, Remote: remote, Verify: verify}
}

func (d *DelegatingStore) HasConfig(ctx context.Context, k key.Key) (bool, error) {
	if ok, _ := d.Local.HasConfig(ctx, k); ok {
		return true, nil
	}
	return d.Remote.HasConfig(ctx, k)
}
func (d *DelegatingStore) HasIndex(ctx context.Context, k key.Key) (bool, error) {
	if ok, _ := d.Local.HasIndex(ctx, k); ok {
		return true, nil
	}
	return d.Remote.HasIndex(ctx, k)
}
func (d *DelegatingStore) HasData(ctx context.Context, k key.Key) (bool, error) {
	if ok, _ := d.Local.HasData(ctx, k); ok {
		return true, nil
	}
	return d.Remote.HasData(ctx, k)
}
func (d *DelegatingStore) HasFragment(ctx context.Context, k key.Key) (bool, error) {
	return d.Local.HasFragment(ctx, k)
}

func (d *DelegatingStore) GetConfig(ctx context.Context, k key.Key) (io.ReadCloser, error) {
	return d.ensure(ctx, KindConfig, k, "", false, func() (io.ReadCloser, error) { return d.Remote.GetConfig(ctx, k) })
}
func (d *DelegatingStore) GetIndex(ctx context.Context, k key.Key) (io.ReadCloser, error) {
	return d.ensure(ctx, KindData, k, ".index", false, func() (io.ReadCloser, error) { return d.Remote.GetIndex(ctx, k) })
}
func (d *DelegatingStore) GetData(ctx context.Context, k key.Key) (io.ReadCloser, error) {
	return d.ensure(ctx, KindData, k, "", false, func() (io.ReadCloser, error) { return d.Remote.GetData(ctx, k) })
}
func (d *DelegatingStore) GetFragment(ctx context.Context, k key.Key) (io.ReadCloser, error) {
	return d.Local.GetFragment(ctx, k)
}

func (d *DelegatingStore) GetArchiveRange(ctx context.Context, archiveKey key.Key, offset, size uint32) (io.ReadCloser, error) {
	if ok, _ := d.Local.HasData(ctx, archiveKey); ok {
		return d.Local.GetArchiveRange(ctx, archiveKey, offset, size)
	}
	// A range read against a not-yet-local archive goes straight to the
	// remote for just that slice; it is not worth pulling the whole
	// archive locally just to serve one ranged read.
	return d.Remote.GetArchiveRange(ctx, archiveKey, offset, size)
}

func (d *DelegatingStore) DownloadConfig(ctx context.Context, k key.Key, verify bool) (io.ReadCloser, error) {
	return d.GetConfig(ctx, k)
}
func (d *DelegatingStore) DownloadData(ctx context.Context, k key.Key, verify bool) (io.ReadCloser, error) {
	return d.GetData(ctx, k)
}
func (d *DelegatingStore) DownloadIndex(ctx context.Context, k key.Key, verify bool) (io.ReadCloser, error) {
	return d.GetIndex(ctx, k)
}

// ensure returns a local reader for kind/k, pulling and committing it from
// the remote first if the local store does not already have it.
func (d *DelegatingStore) ensure(ctx context.Context, kind Kind, k key.Key, suffix string, fragment bool, fetchRemote func() (io.ReadCloser, error)) (io.ReadCloser, error) {
	if ok, _ := d.Local.has(ctx, kind, k, suffix, fragment); ok {
		return d.Local.openObject(kind, k, suffix, fragment)
	}
	body, err := fetchRemote()
	if err != nil {
		return nil, err
	}
	defer body.Close()
	if err := d.Local.Put(kind, k, suffix, body, d.Verify, fragment); err != nil {
		return nil, err
	}
	return d.Local.openObject(kind, k, suffix, fragment)
}
