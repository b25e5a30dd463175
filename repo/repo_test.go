package repo

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keg/clock"
)

func fixedClock() clock.Clock {
	return clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Second)
}

func TestInitCreatesLayout(t *testing.T) {
	root := t.TempDir()

	r, reinit, err := Init(root, fixedClock())
	require.NoError(t, err)
	defer r.Close()
	assert.False(t, reinit)

	for _, dir := range []string{objectsDir, fragmentsDir, responsesDir, tmpDir} {
		assert.DirExists(t, filepath.Join(root, metaDir, dir))
	}
	assert.FileExists(t, filepath.Join(root, metaDir, configFile))
	assert.Equal(t, "tpr/wow", r.Config.Value("keg.default-remote-prefix"))
}

func TestInitIsIdempotent(t *testing.T) {
	root := t.TempDir()

	r1, reinit1, err := Init(root, fixedClock())
	require.NoError(t, err)
	require.NoError(t, r1.AddRemote(context.Background(), "us", "tpr/wow", false, true))
	require.NoError(t, r1.Close())
	assert.False(t, reinit1)

	r2, reinit2, err := Init(root, fixedClock())
	require.NoError(t, err)
	defer r2.Close()
	assert.True(t, reinit2)

	remotes, err := r2.ListRemotes(context.Background())
	require.NoError(t, err)
	require.Len(t, remotes, 1)
	assert.Equal(t, "us", remotes[0].Name)
}

func TestOpenFailsWithoutInit(t *testing.T) {
	root := t.TempDir()
	_, err := Open(root, fixedClock())
	assert.Error(t, err)
}

func TestAddListRemoveRemote(t *testing.T) {
	root := t.TempDir()
	r, _, err := Init(root, fixedClock())
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	require.NoError(t, r.AddRemote(ctx, "us", "tpr/wow", false, true))
	require.NoError(t, r.AddRemote(ctx, "eu", "tpr/wow", true, false))

	remotes, err := r.ListRemotes(ctx)
	require.NoError(t, err)
	assert.Len(t, remotes, 2)

	require.NoError(t, r.RemoveRemote(ctx, "us"))
	remotes, err = r.ListRemotes(ctx)
	require.NoError(t, err)
	assert.Len(t, remotes, 1)
	assert.Equal(t, "eu", remotes[0].Name)
}

func TestResponsesDir(t *testing.T) {
	root := t.TempDir()
	r, _, err := Init(root, fixedClock())
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, filepath.Join(root, metaDir, responsesDir), r.ResponsesDir())
}
