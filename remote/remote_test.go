package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keg/clock"
	"keg/kegerr"
	"keg/statecache"
)

func openTestCache(t *testing.T) *statecache.Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keg.db")
	clk := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Second)
	c, err := statecache.Open(path, clk)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	responsesDir := t.TempDir()
	cache := openTestCache(t)
	c := NewClient("us", srv.URL, "wow", responsesDir, cache, 5*time.Second)
	return c
}

func TestFetchPersistsBodyAndRecordsDigest(t *testing.T) {
	const body = "Region!STRING:0|BuildConfig!HEX:16\nus|aaaaaaaaaaaaaaaa\n"
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/wow/versions", r.URL.Path)
		w.Header().Set("Last-Modified", "Wed, 01 Jan 2026 00:00:00 GMT")
		fmt.Fprint(w, body)
	})

	ctx := context.Background()
	digest, err := c.Fetch(ctx, EndpointVersions)
	require.NoError(t, err)
	assert.NotEmpty(t, digest)

	cached, err := c.CachedDigest(ctx, EndpointVersions)
	require.NoError(t, err)
	assert.Equal(t, digest, cached)

	path := filepath.Join(c.ResponsesDir, string(EndpointVersions), digest[0:2], digest[2:4], digest)
	assert.FileExists(t, path)
	assert.FileExists(t, path + ".meta")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))
}

func TestFetchPropagatesHTTPErrorStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.Fetch(context.Background(), EndpointCDNs)
	assert.Error(t, err)
	var nodata *kegerr.NoDataError
	assert.False(t, errors.As(err, &nodata), "cdns 404 should stay a fatal NetworkError")
}

func TestFetchOfAbsentBGDLOrBlobsIsNoData(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, ep := range []Endpoint{EndpointBGDL, EndpointBlobs} {
		_, err := c.Fetch(context.Background(), ep)
		require.Error(t, err)
		var nodata *kegerr.NoDataError
		assert.True(t, errors.As(err, &nodata), "expected NoDataError for %s, got %v", ep, err)
	}
}

func TestFetchVersionsUpdatesCachedVersionsView(t *testing.T) {
	const body = "Region!STRING:0|BuildConfig!HEX:16|CDNConfig!HEX:16|ProductConfig!HEX:16|BuildId!DEC:4|VersionsName!STRING:0\n" +
		"us|aaaaaaaaaaaaaaaa|bbbbbbbbbbbbbbbb|cccccccccccccccc|12345|1.0.0\n"
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	})

	ctx := context.Background()
	_, err := c.Fetch(ctx, EndpointVersions)
	require.NoError(t, err)

	versions, err := c.CachedVersions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "us", versions[0].Region)
	assert.Equal(t, "12345", versions[0].BuildID)
}

func TestFetchOfBlobEndpointSkipsPSVParsing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/wow/blob/game", r.URL.Path)
		w.Write([]byte{0x00, 0x01, 0x02, 0x03})
	})

	digest, err := c.Fetch(context.Background(), EndpointBlobGame)
	require.NoError(t, err)

	_, err = c.Cache.ReadPSVRows(context.Background(), digest)
	assert.Error(t, err) // blob endpoints never populate psv_rows
}

func TestFetchIsIdempotentOnUnchangedBody(t *testing.T) {
	const body = "Region!STRING:0\nus\n"
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	})

	ctx := context.Background()
	d1, err := c.Fetch(ctx, EndpointVersions)
	require.NoError(t, err)
	d2, err := c.Fetch(ctx, EndpointVersions)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}
