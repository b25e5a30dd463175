package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"keg/blte"
	"keg/buildmgr"
	"keg/clock"
	"keg/kegconfig"
	"keg/kegerr"
	"keg/key"
	"keg/objectstore"
	"keg/planner"
	"keg/remote"
	"keg/repo"
	"keg/statecache"
)

const httpTimeout = 30 * time.Second

var allEndpoints = []remote.Endpoint{
	remote.EndpointVersions,
	remote.EndpointCDNs,
	remote.EndpointBGDL,
	remote.EndpointBlobs,
	remote.EndpointBlobGame,
	remote.EndpointBlobInstall,
}

// splitPrefix turns a remote's stored prefix ("http://host:port/product")
// into the server and product-path components the remote and object-store
// clients each take separately.
func splitPrefix(prefix string) (server, path string, err error) {
	u, err := url.Parse(prefix)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", fmt.Errorf("remote prefix %q is not a full URL (expected e.g. http://host:1119/wow)", prefix)
	}
	return u.Scheme + "://" + u.Host, strings.Trim(u.Path, "/"), nil
}

func lookupRemote(r *repo.Repository, c *cli.Context, name string) (statecache.Remote, error) {
	remotes, err := r.ListRemotes(c.Context)
	if err != nil {
		return statecache.Remote{}, err
	}
	for _, rem := range remotes {
		if rem.Name == name {
			return rem, nil
		}
	}
	return statecache.Remote{}, fmt.Errorf("no such remote: %s", name)
}

func newPatchClient(r *repo.Repository, rem statecache.Remote) (*remote.Client, error) {
	server, path, err := splitPrefix(rem.Prefix)
	if err != nil {
		return nil, err
	}
	return remote.NewClient(rem.Name, server, path, r.ResponsesDir(), r.Cache, httpTimeout), nil
}

func newCDNStore(rem statecache.Remote) (*objectstore.RemoteStore, error) {
	server, path, err := splitPrefix(rem.Prefix)
	if err != nil {
		return nil, err
	}
	return objectstore.NewRemoteStore(server, path, httpTimeout), nil
}

func parseEndpoint(s string) (remote.Endpoint, error) {
	for _, ep := range allEndpoints {
		if string(ep) == s {
			return ep, nil
		}
	}
	return "", fmt.Errorf("unknown endpoint %q", s)
}

var fetchCommand = &cli.Command{
	Name:      "fetch",
	Usage:     "fetch one patch-server endpoint, skipping it if already cached",
	ArgsUsage: "<remote> <endpoint>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 2 {
			return fmt.Errorf("usage: fetch <remote> <endpoint>")
		}
		r, err := repo.Open(c.String("root"), clock.Real{})
		if err != nil {
			return err
		}
		defer r.Close()

		rem, err := lookupRemote(r, c, c.Args().Get(0))
		if err != nil {
			return err
		}
		ep, err := parseEndpoint(c.Args().Get(1))
		if err != nil {
			return err
		}
		client, err := newPatchClient(r, rem)
		if err != nil {
			return err
		}

		if digest, err := client.CachedDigest(c.Context, ep); err == nil {
			fmt.Printf("fetch: %s/%s already cached as %s\n", rem.Name, ep, digest)
			return nil
		}
		digest, err := client.Fetch(c.Context, ep)
		if err != nil {
			var nodata *kegerr.NoDataError
			if errors.As(err, &nodata) {
				fmt.Printf("fetch: %s/%s: %v (ignored, endpoint is optional)\n", rem.Name, ep, err)
				return nil
			}
			return err
		}
		fmt.Printf("fetch: %s/%s -> %s\n", rem.Name, ep, digest)
		return nil
	},
}

var forceFetchCommand = &cli.Command{
	Name:      "force-fetch",
	Usage:     "fetch one patch-server endpoint, ignoring any cached digest",
	ArgsUsage: "<remote> <endpoint>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 2 {
			return fmt.Errorf("usage: force-fetch <remote> <endpoint>")
		}
		r, err := repo.Open(c.String("root"), clock.Real{})
		if err != nil {
			return err
		}
		defer r.Close()

		rem, err := lookupRemote(r, c, c.Args().Get(0))
		if err != nil {
			return err
		}
		ep, err := parseEndpoint(c.Args().Get(1))
		if err != nil {
			return err
		}
		client, err := newPatchClient(r, rem)
		if err != nil {
			return err
		}
		digest, err := client.Fetch(c.Context, ep)
		if err != nil {
			var nodata *kegerr.NoDataError
			if errors.As(err, &nodata) {
				fmt.Printf("force-fetch: %s/%s: %v (ignored, endpoint is optional)\n", rem.Name, ep, err)
				return nil
			}
			return err
		}
		fmt.Printf("force-fetch: %s/%s -> %s\n", rem.Name, ep, digest)
		return nil
	},
}

var fetchAllCommand = &cli.Command{
	Name:      "fetch-all",
	Usage:     "fetch every patch-server endpoint for a remote, then mirror the object graph its cached versions point at",
	ArgsUsage: "<remote>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "metadata-only", Usage: "stop after configs/encoding/manifests; skip the data phase"},
	},
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 1 {
			return fmt.Errorf("usage: fetch-all <remote>")
		}
		r, err := repo.Open(c.String("root"), clock.Real{})
		if err != nil {
			return err
		}
		defer r.Close()

		rem, err := lookupRemote(r, c, c.Args().First())
		if err != nil {
			return err
		}
		client, err := newPatchClient(r, rem)
		if err != nil {
			return err
		}
		for _, ep := range allEndpoints {
			digest, err := client.Fetch(c.Context, ep)
			if err != nil {
				var nodata *kegerr.NoDataError
				if errors.As(err, &nodata) {
					fmt.Printf("fetch-all: %s/%s: %v (ignored, endpoint is optional)\n", rem.Name, ep, err)
					continue
				}
				return fmt.Errorf("fetch-all: %s: %w", ep, err)
			}
			fmt.Printf("fetch-all: %s/%s -> %s\n", rem.Name, ep, digest)
		}

		return mirrorObjectGraph(c, r, rem, planner.Options{MetadataOnly: c.Bool("metadata-only")})
	},
}

// mirrorObjectGraph drives the fetch planner against every version cached
// for rem: the metadata-phase configs first (deduplicated across versions),
// then — once each distinct build/cdn config pair is local and parseable —
// the archive indices, encoding, install, download and patch-manifest
// objects those configs name, and finally (unless opts.MetadataOnly) the
// data phase. Every item is pulled through a DelegatingStore, so a rerun
// only touches the CDN for what the local store is still missing.
func mirrorObjectGraph(c *cli.Context, r *repo.Repository, rem statecache.Remote, opts planner.Options) error {
	versions, err := r.Cache.Versions(c.Context, rem.Name)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return nil
	}
	cdn, err := newCDNStore(rem)
	if err != nil {
		return err
	}
	store := objectstore.NewDelegatingStore(r.Local, cdn, true)
	keys := blte.KeyLookup(nil)
	if r.Keys != nil {
		keys = r.Keys.Lookup
	}

	plan := planner.Plan(versions, r.Keys, opts)
	if err := drainQueues(c, store, plan.Queues); err != nil {
		return err
	}

	seenBuild := make(map[string]bool)
	var dataKeys []key.Key
	for _, v := range versions {
		gk := v.BuildConfig + "|" + v.CDNConfig
		if seenBuild[gk] || v.BuildConfig == "" || v.CDNConfig == "" {
			continue
		}
		seenBuild[gk] = true

		bk, err := key.Parse(v.BuildConfig)
		if err != nil {
			continue
		}
		ck, err := key.Parse(v.CDNConfig)
		if err != nil {
			continue
		}
		mgr := buildmgr.Open(bk, ck, store, keys)
		build, err := mgr.BuildConfig(c.Context)
		if err != nil {
			return fmt.Errorf("fetch-all: build config %s: %w", bk, err)
		}
		cdnDoc, err := mgr.CDNConfig(c.Context)
		if err != nil {
			return fmt.Errorf("fetch-all: cdn config %s: %w", ck, err)
		}

		archiveKeys := parseConfigKeys(cdnDoc.Values("archives"))
		patchIndexKeys := parseConfigKeys(cdnDoc.Values("patch-archives"))
		encodingEKey := configEKey(build, "encoding")
		installEKey := configEKey(build, "install")
		downloadEKey := configEKey(build, "download")
		patchManifestEKey := configEKey(build, "patch")

		before := len(plan.Queues)
		planner.ExpandConfigPhase(plan, archiveKeys, patchIndexKeys, encodingEKey, installEKey, downloadEKey, patchManifestEKey, opts)
		if err := drainQueues(c, store, plan.Queues[before:]); err != nil {
			return err
		}

		// The archive blobs themselves (as opposed to their .index
		// companions, already queued above) belong to the data phase.
		dataKeys = append(dataKeys, archiveKeys...)
	}

	before := len(plan.Queues)
	planner.ExpandDataPhase(plan, dataKeys, opts)
	if err := drainQueues(c, store, plan.Queues[before:]); err != nil {
		return err
	}

	for _, w := range plan.Warnings {
		fmt.Printf("fetch-all: warning: %s: %s\n", w.BuildName, w.Message)
	}
	return nil
}

// drainQueues pulls every item in qs through store, local-first, committing
// anything missing. Patch-kind items (patch indices, the patch manifest)
// have no counterpart in objectstore.Store yet — see DESIGN.md — so they
// are reported and skipped rather than attempted.
func drainQueues(c *cli.Context, store *objectstore.DelegatingStore, qs []planner.Queue) error {
	for _, q := range qs {
		for _, it := range q.Items {
			var rc io.ReadCloser
			var err error
			switch {
			case objectstore.Kind(it.Kind) == objectstore.KindPatch:
				fmt.Printf("fetch-all: %s %s: skipped (patch objects are not yet fetchable)\n", q.Phase, it.Key)
				continue
			case objectstore.Kind(it.Kind) == objectstore.KindConfig:
				rc, err = store.GetConfig(c.Context, it.Key)
			case it.Index != "":
				rc, err = store.GetIndex(c.Context, it.Key)
			default:
				rc, err = store.GetData(c.Context, it.Key)
			}
			if err != nil {
				return fmt.Errorf("fetch-all: %s %s: %w", q.Phase, it.Key, err)
			}
			rc.Close()
			fmt.Printf("fetch-all: %s %s\n", q.Phase, it.Key)
		}
	}
	return nil
}

// parseConfigKeys parses every name in vs as a key, silently skipping any
// that don't parse — a CDN config's archive lists are not user input, but a
// stray malformed entry should not abort an otherwise-good mirror.
func parseConfigKeys(vs []string) []key.Key {
	out := make([]key.Key, 0, len(vs))
	for _, name := range vs {
		if k, err := key.Parse(name); err == nil {
			out = append(out, k)
		}
	}
	return out
}

// configEKey returns the ekey half of a build config's "ckey ekey" pair for
// name, or the zero key if name is absent. Build configs that only ever
// record one value for a key (no patch variant present) use that value.
func configEKey(doc *kegconfig.Doc, name string) key.Key {
	vs := doc.Values(name)
	if len(vs) == 0 {
		return key.Key{}
	}
	idx := 0
	if len(vs) > 1 {
		idx = 1
	}
	k, err := key.Parse(vs[idx])
	if err != nil {
		return key.Key{}
	}
	return k
}

var fetchObjectCommand = &cli.Command{
	Name:      "fetch-object",
	Usage:     "pull one CDN object into the local object store",
	ArgsUsage: "<remote> <config|data> <key-hex>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "index", Usage: "fetch the .index companion instead of the object itself"},
	},
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 3 {
			return fmt.Errorf("usage: fetch-object <remote> <config|data> <key-hex>")
		}
		r, err := repo.Open(c.String("root"), clock.Real{})
		if err != nil {
			return err
		}
		defer r.Close()

		rem, err := lookupRemote(r, c, c.Args().Get(0))
		if err != nil {
			return err
		}
		kind := objectstore.Kind(c.Args().Get(1))
		switch kind {
		case objectstore.KindConfig, objectstore.KindData:
		default:
			return fmt.Errorf("unknown kind %q (the CDN remote store serves config and data only)", kind)
		}
		k, err := key.Parse(c.Args().Get(2))
		if err != nil {
			return err
		}
		cdn, err := newCDNStore(rem)
		if err != nil {
			return err
		}
		d := objectstore.NewDelegatingStore(r.Local, cdn, true)

		var body interface{ Close() error }
		switch {
		case kind == objectstore.KindConfig:
			body, err = d.GetConfig(c.Context, k)
		case c.Bool("index"):
			body, err = d.GetIndex(c.Context, k)
		default:
			body, err = d.GetData(c.Context, k)
		}
		if err != nil {
			return err
		}
		body.Close()
		fmt.Printf("fetch-object: %s %s %s\n", rem.Name, kind, k)
		return nil
	},
}
