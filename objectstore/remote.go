package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"keg/kegerr"
	"keg/key"
)

// RemoteStore streams objects over HTTP from a CDN mirror; it never writes
// anything locally. Paths follow server/path/{kind}/XX/YY/{key}[.index].
type RemoteStore struct {
	Client  *http.Client
	Server  string // e.g. "https://level3.blizzard.com"
	Path    string // e.g. "tpr/wow"
	Timeout time.Duration
}

// NewRemoteStore constructs a RemoteStore with a per-request timeout.
func NewRemoteStore(server, path string, timeout time.Duration) *RemoteStore {
	return &RemoteStore{
		Client:  &http.Client{Timeout: timeout},
		Server:  server,
		Path:    path,
		Timeout: timeout,
	}
}

func (r *RemoteStore) url(kind Kind, k key.Key, suffix string) string {
	return fmt.Sprintf("%s/%s/%s/%s", r.Server, r.Path, kind, k.RelPath(suffix))
}

func (r *RemoteStore) fetch(ctx context.Context, url string, rangeHeader string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &kegerr.NetworkError{URL: url, Cause: err}
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, &kegerr.NetworkError{URL: url, Cause: err}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, &kegerr.NetworkError{URL: url, Cause: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return resp.Body, nil
}

func (r *RemoteStore) head(ctx context.Context, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, &kegerr.NetworkError{URL: url, Cause: err}
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return false, &kegerr.NetworkError{URL: url, Cause: err}
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (r *RemoteStore) HasConfig(ctx context.Context, k key.Key) (bool, error) {
	return r.head(ctx, r.url(KindConfig, k, ""))
}
func (r *RemoteStore) HasIndex(ctx context.Context, k key.Key) (bool, error) {
	return r.head(ctx, r.url(KindData, k, ".index"))
}
func (r *RemoteStore) HasData(ctx context.Context, k key.Key) (bool, error) {
	return r.head(ctx, r.url(KindData, k, ""))
}
func (r *RemoteStore) HasFragment(ctx context.Context, k key.Key) (bool, error) {
	return false, nil // the CDN never serves fragments; they are local-only artifacts
}

func (r *RemoteStore) GetConfig(ctx context.Context, k key.Key) (io.ReadCloser, error) {
	return r.fetch(ctx, r.url(KindConfig, k, ""), "")
}
func (r *RemoteStore) GetIndex(ctx context.Context, k key.Key) (io.ReadCloser, error) {
	return r.fetch(ctx, r.url(KindData, k, ".index"), "")
}
func (r *RemoteStore) GetData(ctx context.Context, k key.Key) (io.ReadCloser, error) {
	return r.fetch(ctx, r.url(KindData, k, ""), "")
}
func (r *RemoteStore) GetFragment(ctx context.Context, k key.Key) (io.ReadCloser, error) {
	return nil, &kegerr.NotFoundError{Kind: "fragment", Key: k.String()}
}

func (r *RemoteStore) GetArchiveRange(ctx context.Context, archiveKey key.Key, offset, size uint32) (io.ReadCloser, error) {
	rangeHeader := fmt.Sprintf("bytes=%d-%d", offset, uint64(offset)+uint64(size)-1)
	return r.fetch(ctx, r.url(KindData, archiveKey, ""), rangeHeader)
}

func (r *RemoteStore) DownloadConfig(ctx context.Context, k key.Key, verify bool) (io.ReadCloser, error) {
	return r.GetConfig(ctx, k)
}
func (r *RemoteStore) DownloadData(ctx context.Context, k key.Key, verify bool) (io.ReadCloser, error) {
	return r.GetData(ctx, k)
}
func (r *RemoteStore) DownloadIndex(ctx context.Context, k key.Key, verify bool) (io.ReadCloser, error) {
	return r.GetIndex(ctx, k)
}
