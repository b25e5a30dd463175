package statecache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keg/clock"
	"keg/psv"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keg.db")
	clk := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Second)
	c, err := Open(path, clk)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestAddListRemoveRemote(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.AddRemote(ctx, Remote{Name: "us", Prefix: "tpr/wow", Writeable: false, DefaultFetch: true}))
	require.NoError(t, c.AddRemote(ctx, Remote{Name: "eu", Prefix: "tpr/wow", Writeable: true, DefaultFetch: false}))

	remotes, err := c.ListRemotes(ctx)
	require.NoError(t, err)
	require.Len(t, remotes, 2)
	assert.Equal(t, "eu", remotes[0].Name)
	assert.True(t, remotes[0].Writeable)
	assert.Equal(t, "us", remotes[1].Name)
	assert.True(t, remotes[1].DefaultFetch)

	require.NoError(t, c.RemoveRemote(ctx, "us"))
	remotes, err = c.ListRemotes(ctx)
	require.NoError(t, err)
	assert.Len(t, remotes, 1)

	err = c.RemoveRemote(ctx, "us")
	assert.Error(t, err)
}

func TestAddRemoteUpsertsOnConflict(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.AddRemote(ctx, Remote{Name: "us", Prefix: "tpr/wow", Writeable: false, DefaultFetch: true}))
	require.NoError(t, c.AddRemote(ctx, Remote{Name: "us", Prefix: "tpr/wow_classic", Writeable: true, DefaultFetch: true}))

	remotes, err := c.ListRemotes(ctx)
	require.NoError(t, err)
	require.Len(t, remotes, 1)
	assert.Equal(t, "tpr/wow_classic", remotes[0].Prefix)
	assert.True(t, remotes[0].Writeable)
}

func TestRecordResponseAndLatestDigest(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.RecordResponse(ctx, "us", "versions", "digest-1"))
	require.NoError(t, c.RecordResponse(ctx, "us", "versions", "digest-2"))

	latest, err := c.LatestDigest(ctx, "us", "versions")
	require.NoError(t, err)
	assert.Equal(t, "digest-2", latest)

	_, err = c.LatestDigest(ctx, "us", "cdns")
	assert.Error(t, err)
}

func TestResponseHistoryOrdersNewestFirstAcrossEndpoints(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.RecordResponse(ctx, "us", "versions", "digest-1"))
	require.NoError(t, c.RecordResponse(ctx, "us", "cdns", "digest-2"))
	require.NoError(t, c.RecordResponse(ctx, "us", "versions", "digest-3"))
	require.NoError(t, c.RecordResponse(ctx, "eu", "versions", "digest-4"))

	history, err := c.ResponseHistory(ctx, "us")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "digest-3", history[0].Digest)
	assert.Equal(t, "digest-2", history[1].Digest)
	assert.Equal(t, "digest-1", history[2].Digest)
}

func TestRecordResponseIsIdempotent(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.RecordResponse(ctx, "us", "versions", "digest-1"))
	require.NoError(t, c.RecordResponse(ctx, "us", "versions", "digest-1"))

	latest, err := c.LatestDigest(ctx, "us", "versions")
	require.NoError(t, err)
	assert.Equal(t, "digest-1", latest)
}

func TestStoreAndReadPSVRows(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	tbl := &psv.Table{
		Fields: []psv.Field{{Name: "Region", Type: psv.TypeString}},
		Rows:   []psv.Row{{"Region": "us"}, {"Region": "eu"}},
	}
	require.NoError(t, c.StorePSVRows(ctx, "digest-1", tbl))

	rows, err := c.ReadPSVRows(ctx, "digest-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "us", rows[0].Get("Region"))
	assert.Equal(t, "eu", rows[1].Get("Region"))

	_, err = c.ReadPSVRows(ctx, "missing-digest")
	assert.Error(t, err)
}

func TestUpsertAndListVersions(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	v := Version{Remote: "us", BuildName: "wow", Region: "us", BuildID: "12345",
		BuildConfig: "aaaa", CDNConfig: "bbbb", ProductConfig: "cccc"}
	require.NoError(t, c.UpsertVersion(ctx, v))

	v.BuildID = "54321"
	require.NoError(t, c.UpsertVersion(ctx, v))

	versions, err := c.Versions(ctx, "us")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "54321", versions[0].BuildID)
}

func TestVersionsScopedByRemote(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.UpsertVersion(ctx, Version{Remote: "us", Region: "us", BuildID: "1"}))
	require.NoError(t, c.UpsertVersion(ctx, Version{Remote: "eu", Region: "eu", BuildID: "2"}))

	versions, err := c.Versions(ctx, "us")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "us", versions[0].Remote)
}
