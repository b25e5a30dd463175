// Package buildmgr opens a single build from its (build_config, cdn_config)
// pair and lazily resolves the configs, archive group, encoding file, and
// install/download manifests needed to pull arbitrary content-keyed files
// out of an object store.
package buildmgr

import (
	"bytes"
	"context"
	"io"

	lru "github.com/hashicorp/golang-lru/v2"

	"keg/archiveindex"
	"keg/blte"
	"keg/encoding"
	"keg/kegconfig"
	"keg/kegerr"
	"keg/key"
	"keg/manifest"
	"keg/objectstore"
)

// decodedCacheSize bounds the number of decoded GetFile results kept in
// memory; a build's encoding/install/download round-trip touches the same
// handful of files repeatedly (e.g. during install planning), so a small
// LRU avoids re-running BLTE decode on every lookup.
const decodedCacheSize = 256

// Manager is an opened build: every heavyweight component is resolved on
// first use and cached for the lifetime of the Manager.
type Manager struct {
	store       objectstore.Store
	buildKey    key.Key
	cdnKey      key.Key
	keys        blte.KeyLookup

	buildCfg    *kegconfig.Doc
	cdnCfg      *kegconfig.Doc
	archiveGrp  *archiveindex.Group
	enc         *encoding.File
	install     *manifest.Install
	download    *manifest.Download

	decoded *lru.Cache[key.Key, []byte]
}

// Open constructs a Manager against store for the given build/cdn config
// keys. keys resolves named decryption keys for encrypted BLTE chunks; it
// may be nil when the build is known not to need one.
func Open(buildConfigKey, cdnConfigKey key.Key, store objectstore.Store, keys blte.KeyLookup) *Manager {
	cache, _ := lru.New[key.Key, []byte](decodedCacheSize)
	return &Manager{store: store, buildKey: buildConfigKey, cdnKey: cdnConfigKey, keys: keys, decoded: cache}
}

func readAll(ctx context.Context, r io.ReadCloser, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// BuildConfig lazily fetches and parses the build config.
func (m *Manager) BuildConfig(ctx context.Context) (*kegconfig.Doc, error) {
	if m.buildCfg != nil {
		return m.buildCfg, nil
	}
	data, err := readAll(ctx, m.store.GetConfig(ctx, m.buildKey))
	if err != nil {
		return nil, err
	}
	doc, err := kegconfig.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	m.buildCfg = doc
	return doc, nil
}

// CDNConfig lazily fetches and parses the CDN config.
func (m *Manager) CDNConfig(ctx context.Context) (*kegconfig.Doc, error) {
	if m.cdnCfg != nil {
		return m.cdnCfg, nil
	}
	data, err := readAll(ctx, m.store.GetConfig(ctx, m.cdnKey))
	if err != nil {
		return nil, err
	}
	doc, err := kegconfig.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	m.cdnCfg = doc
	return doc, nil
}

// ArchiveGroup lazily fetches and parses every archive index named by the
// CDN config's "archives" key, in declared order.
func (m *Manager) ArchiveGroup(ctx context.Context) (*archiveindex.Group, error) {
	if m.archiveGrp != nil {
		return m.archiveGrp, nil
	}
	cdn, err := m.CDNConfig(ctx)
	if err != nil {
		return nil, err
	}
	names := cdn.Values("archives")
	archiveKeys := make([]key.Key, 0, len(names))
	indices := make([]*archiveindex.Index, 0, len(names))
	for _, name := range names {
		k, err := key.Parse(name)
		if err != nil {
			return nil, &kegerr.ParseError{Format: "cdn config", Offset: 0, Reason: "bad archive key " + name}
		}
		data, err := readAll(ctx, m.store.GetIndex(ctx, k))
		if err != nil {
			return nil, err
		}
		idx, err := archiveindex.Parse(data)
		if err != nil {
			return nil, err
		}
		archiveKeys = append(archiveKeys, k)
		indices = append(indices, idx)
	}
	grp := archiveindex.NewGroup(archiveKeys, indices)
	m.archiveGrp = grp
	return grp, nil
}

// Encoding lazily fetches, decodes (BLTE), and parses the build's encoding file.
func (m *Manager) Encoding(ctx context.Context) (*encoding.File, error) {
	if m.enc != nil {
		return m.enc, nil
	}
	build, err := m.BuildConfig(ctx)
	if err != nil {
		return nil, err
	}
	ek, err := parseHashPair(build, "encoding")
	if err != nil {
		return nil, err
	}
	raw, err := m.fetchAndDecode(ctx, ek)
	if err != nil {
		return nil, err
	}
	f, err := encoding.Parse(raw, true)
	if err != nil {
		return nil, err
	}
	m.enc = f
	return f, nil
}

// Install lazily fetches, decodes, and parses the build's install manifest.
func (m *Manager) Install(ctx context.Context) (*manifest.Install, error) {
	if m.install != nil {
		return m.install, nil
	}
	build, err := m.BuildConfig(ctx)
	if err != nil {
		return nil, err
	}
	ek, err := parseHashPair(build, "install")
	if err != nil {
		return nil, err
	}
	raw, err := m.fetchAndDecode(ctx, ek)
	if err != nil {
		return nil, err
	}
	in, err := manifest.ParseInstall(raw)
	if err != nil {
		return nil, err
	}
	m.install = in
	return in, nil
}

// Download lazily fetches, decodes, and parses the build's download manifest.
func (m *Manager) Download(ctx context.Context) (*manifest.Download, error) {
	if m.download != nil {
		return m.download, nil
	}
	build, err := m.BuildConfig(ctx)
	if err != nil {
		return nil, err
	}
	ek, err := parseHashPair(build, "download")
	if err != nil {
		return nil, err
	}
	raw, err := m.fetchAndDecode(ctx, ek)
	if err != nil {
		return nil, err
	}
	dl, err := manifest.ParseDownload(raw)
	if err != nil {
		return nil, err
	}
	m.download = dl
	return dl, nil
}

// GetFile resolves ckey to its decoded bytes: ckey -> ekey via the encoding
// file, then loose blob, then fragment, then archive range, decoding BLTE
// along the way. It fails with a NotFoundError when no candidate location
// has the ekey.
func (m *Manager) GetFile(ctx context.Context, ckey key.Key) ([]byte, error) {
	if m.decoded != nil {
		if b, ok := m.decoded.Get(ckey); ok {
			return b, nil
		}
	}
	enc, err := m.Encoding(ctx)
	if err != nil {
		return nil, err
	}
	ekey, err := enc.FindByContentKey(ckey)
	if err != nil {
		return nil, err
	}
	b, err := m.fetchAndDecode(ctx, ekey)
	if err != nil {
		return nil, err
	}
	if m.decoded != nil {
		m.decoded.Add(ckey, b)
	}
	return b, nil
}

// fetchAndDecode locates ekey (loose, fragment, then archive group) and
// decodes its BLTE payload.
func (m *Manager) fetchAndDecode(ctx context.Context, ekey key.Key) ([]byte, error) {
	if ok, _ := m.store.HasData(ctx, ekey); ok {
		raw, err := readAll(ctx, m.store.GetData(ctx, ekey))
		if err != nil {
			return nil, err
		}
		return blte.DecodeAll(raw, ekey, true, m.keys)
	}
	if ok, _ := m.store.HasFragment(ctx, ekey); ok {
		raw, err := readAll(ctx, m.store.GetFragment(ctx, ekey))
		if err != nil {
			return nil, err
		}
		return blte.DecodeAll(raw, ekey, true, m.keys)
	}
	grp, err := m.ArchiveGroup(ctx)
	if err != nil {
		return nil, err
	}
	loc, ok := grp.Lookup(ekey)
	if !ok {
		return nil, &kegerr.NotFoundError{Kind: "ekey", Key: ekey.String()}
	}
	rc, err := m.store.GetArchiveRange(ctx, loc.ArchiveKey, loc.Offset, loc.Size)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return blte.DecodeAll(raw, ekey, true, m.keys)
}

func parseHashPair(doc *kegconfig.Doc, name string) (key.Key, error) {
	vs := doc.Values(name)
	if len(vs) == 0 {
		return key.Key{}, &kegerr.NotFoundError{Kind: "config key", Key: name}
	}
	// Build configs list "ckey ekey" pairs; the second value is the ekey we
	// need to fetch the encoded blob.
	idx := 0
	if len(vs) > 1 {
		idx = 1
	}
	return key.Parse(vs[idx])
}
