// Package repo implements the repository handle: the on-disk layout rooted
// at <root>/.ngdp (keg.conf, keg.db, objects/, fragments/, responses/,
// tmp/), and the operations an external CLI drives (init, remote
// management). It is the glue layer wiring the config, state-cache, and
// object-store packages together for one checkout.
package repo

import (
	"context"
	"log"
	"os"
	"path/filepath"

	"keg/clock"
	"keg/kegconfig"
	"keg/kegerr"
	"keg/knownkeys"
	"keg/objectstore"
	"keg/statecache"
)

const (
	metaDir      = ".ngdp"
	configFile   = "keg.conf"
	dbFile       = "keg.db"
	objectsDir   = "objects"
	fragmentsDir = "fragments"
	responsesDir = "responses"
	tmpDir       = "tmp"
)

// Repository is an opened on-disk repository.
type Repository struct {
	Root    string // <root>, the directory passed to Open/Init
	MetaDir string // <root>/.ngdp

	Config *kegconfig.Doc
	Cache  *statecache.Cache
	Local  *objectstore.LocalStore
	Keys   *knownkeys.Table

	log *log.Logger
}

// Init creates the on-disk layout at root idempotently. Re-running Init on
// an already-initialized root is a no-op that reports reinitialized=true and
// mutates nothing (Scenario 1).
func Init(root string, clk clock.Clock) (repository *Repository, reinitialized bool, err error) {
	meta := filepath.Join(root, metaDir)
	if _, err := os.Stat(meta); err == nil {
		r, err := Open(root, clk)
		return r, true, err
	}

	for _, dir := range []string{meta, filepath.Join(meta, objectsDir), filepath.Join(meta, fragmentsDir), filepath.Join(meta, responsesDir), filepath.Join(meta, tmpDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, false, err
		}
	}

	confPath := filepath.Join(meta, configFile)
	f, err := os.Create(confPath)
	if err != nil {
		return nil, false, err
	}
	doc, err := kegconfig.Parse(f)
	f.Close()
	if err != nil {
		return nil, false, err
	}
	doc.Set("keg.default-remote-prefix", "tpr/wow")
	doc.Set("keg.verify-integrity", "true")
	if err := rewriteConfig(confPath, doc); err != nil {
		return nil, false, err
	}

	r, err := Open(root, clk)
	return r, false, err
}

// Open resolves an existing repository at root.
func Open(root string, clk clock.Clock) (*Repository, error) {
	meta := filepath.Join(root, metaDir)
	if _, err := os.Stat(meta); err != nil {
		return nil, &kegerr.NotFoundError{Kind: "repository", Key: root}
	}

	confPath := filepath.Join(meta, configFile)
	f, err := os.Open(confPath)
	if err != nil {
		return nil, &kegerr.ConfigError{Key: confPath, Reason: err.Error()}
	}
	doc, err := kegconfig.Parse(f)
	f.Close()
	if err != nil {
		return nil, err
	}

	cache, err := statecache.Open(filepath.Join(meta, dbFile), clk)
	if err != nil {
		return nil, err
	}

	existencePath := filepath.Join(meta, "existence.badger")
	existence, err := objectstore.NewBadgerExistenceCache(existencePath)
	if err != nil {
		cache.Close()
		return nil, err
	}
	local := objectstore.NewLocalStore(filepath.Join(meta, objectsDir), filepath.Join(meta, fragmentsDir), filepath.Join(meta, tmpDir), existence)

	r := &Repository{
		Root:    root,
		MetaDir: meta,
		Config:  doc,
		Cache:   cache,
		Local:   local,
		log:     log.New(os.Stderr, "repo: ", log.LstdFlags),
	}

	if keysRel := doc.Value("armadillo.keys"); keysRel != "" {
		kf, err := os.Open(filepath.Join(root, keysRel))
		if err == nil {
			table, err := knownkeys.Load(kf)
			kf.Close()
			if err != nil {
				r.log.Printf("armadillo.keys: %v", err)
			} else {
				r.Keys = table
			}
		}
	}

	return r, nil
}

// Close releases the repository's state cache handle.
func (r *Repository) Close() error {
	return r.Cache.Close()
}

// ResponsesDir is the directory the remote client persists raw endpoint
// bodies under.
func (r *Repository) ResponsesDir() string {
	return filepath.Join(r.MetaDir, responsesDir)
}

// AddRemote registers a patch-server mirror.
func (r *Repository) AddRemote(ctx context.Context, name, prefix string, writeable, defaultFetch bool) error {
	return r.Cache.AddRemote(ctx, statecache.Remote{Name: name, Prefix: prefix, Writeable: writeable, DefaultFetch: defaultFetch})
}

// RemoveRemote deregisters a remote.
func (r *Repository) RemoveRemote(ctx context.Context, name string) error {
	return r.Cache.RemoveRemote(ctx, name)
}

// ListRemotes returns every configured remote.
func (r *Repository) ListRemotes(ctx context.Context) ([]statecache.Remote, error) {
	return r.Cache.ListRemotes(ctx)
}

func rewriteConfig(path string, doc *kegconfig.Doc) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return kegconfig.Encode(f, doc)
}
