// Package remote implements the patch-server client: fetching the
// /versions, /cdns, /bgdl, /blobs, /blob/game, and /blob/install endpoints,
// persisting each response body under responses/{endpoint}/XX/YY/{digest}
// with a .meta companion, and recording the fetch in the state cache.
package remote

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"keg/kegerr"
	"keg/psv"
	"keg/statecache"
)

// Endpoint names the six patch-server endpoints the client understands.
type Endpoint string

const (
	EndpointVersions     Endpoint = "versions"
	EndpointCDNs         Endpoint = "cdns"
	EndpointBGDL         Endpoint = "bgdl"
	EndpointBlobs        Endpoint = "blobs"
	EndpointBlobGame     Endpoint = "blob/game"
	EndpointBlobInstall  Endpoint = "blob/install"
)

// psvEndpoints are the endpoints whose bodies are parsed as PSV tables and
// decomposed into psv_rows; the blob endpoints are opaque binary blobs.
var psvEndpoints = map[Endpoint]bool{
	EndpointVersions: true,
	EndpointCDNs:     true,
	EndpointBGDL:     true,
	EndpointBlobs:    true,
}

// Client fetches patch-server endpoints for one (remote name, server/path)
// pair and records every fetch into the state cache.
type Client struct {
	HTTP       *http.Client
	Server     string // e.g. "http://us.patch.battle.net:1119"
	Product    string // e.g. "wow"
	RemoteName string
	ResponsesDir string // repository root's responses/ directory
	Cache      *statecache.Cache
}

// NewClient constructs a patch-server Client.
func NewClient(remoteName, server, product, responsesDir string, cache *statecache.Cache, timeout time.Duration) *Client {
	return &Client{
		HTTP:         &http.Client{Timeout: timeout},
		Server:       server,
		Product:      product,
		RemoteName:   remoteName,
		ResponsesDir: responsesDir,
		Cache:        cache,
	}
}

func (c *Client) url(ep Endpoint) string {
	return fmt.Sprintf("%s/%s/%s", c.Server, c.Product, ep)
}

// Fetch resolves ep, persisting the body under responses/ and recording it
// in the state cache. It returns the digest of the fetched (or already
// cached-and-unchanged) body.
func (c *Client) Fetch(ctx context.Context, ep Endpoint) (digest string, err error) {
	url := c.url(ep)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &kegerr.NetworkError{URL: url, Cause: err}
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", &kegerr.NetworkError{URL: url, Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound && (ep == EndpointBGDL || ep == EndpointBlobs) {
			return "", &kegerr.NoDataError{Endpoint: string(ep)}
		}
		return "", &kegerr.NetworkError{URL: url, Cause: fmt.Errorf("status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &kegerr.NetworkError{URL: url, Cause: err}
	}
	sum := md5.Sum(body)
	digest = hex.EncodeToString(sum[:])

	if err := c.persist(ep, digest, body, resp.Header.Get("Last-Modified")); err != nil {
		return "", err
	}
	if err := c.Cache.RecordResponse(ctx, c.RemoteName, string(ep), digest); err != nil {
		return "", err
	}

	if psvEndpoints[ep] {
		table, err := psv.Parse(bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		if err := c.Cache.StorePSVRows(ctx, digest, table); err != nil {
			return "", err
		}
		if ep == EndpointVersions {
			if err := c.updateVersions(ctx, table); err != nil {
				return "", err
			}
		}
	}
	return digest, nil
}

// persist writes body to responses/{endpoint}/XX/YY/{digest}, skipping the
// write if the file is already present, and (re)writes the .meta companion
// with Last-Modified whenever the response carried that header; without it
// no .meta file is written.
func (c *Client) persist(ep Endpoint, digest string, body []byte, lastModified string) error {
	top, sub := digest[0:2], digest[2:4]
	dir := filepath.Join(c.ResponsesDir, string(ep), top, sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("remote: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, digest)
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		if err := os.WriteFile(path, body, 0o644); err != nil {
			return fmt.Errorf("remote: write %s: %w", path, err)
		}
	}
	if lastModified != "" {
		if err := os.WriteFile(path+".meta", []byte("Last-Modified: "+lastModified+"\n"), 0o644); err != nil {
			return fmt.Errorf("remote: write %s.meta: %w", path, err)
		}
	}
	return nil
}

// updateVersions folds a freshly fetched /versions table into the
// denormalized versions view, one row per region.
func (c *Client) updateVersions(ctx context.Context, t *psv.Table) error {
	for _, row := range t.Rows {
		v := statecache.Version{
			Remote:        c.RemoteName,
			BuildName:     row.Get("VersionsName"),
			Region:        row.Get("Region"),
			BuildID:       row.Get("BuildId"),
			BuildConfig:   row.Get("BuildConfig"),
			CDNConfig:     row.Get("CDNConfig"),
			ProductConfig: row.Get("ProductConfig"),
		}
		if v.Region == "" {
			continue
		}
		if err := c.Cache.UpsertVersion(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

// CachedDigest returns the most recently recorded digest for ep.
func (c *Client) CachedDigest(ctx context.Context, ep Endpoint) (string, error) {
	return c.Cache.LatestDigest(ctx, c.RemoteName, string(ep))
}

// ReadPSV replays the PSV rows recorded under digest.
func (c *Client) ReadPSV(ctx context.Context, digest string) ([]psv.Row, error) {
	return c.Cache.ReadPSVRows(ctx, digest)
}

// CachedVersions returns the current denormalized versions view for this remote.
func (c *Client) CachedVersions(ctx context.Context) ([]statecache.Version, error) {
	return c.Cache.Versions(ctx, c.RemoteName)
}
