// Package planner turns a set of versions for one remote into ordered,
// deduplicated fetch queues: per-phase lists of objects a caller drains to
// mirror a build locally.
package planner

import (
	"keg/key"
	"keg/statecache"
)

// Phase names a homogeneous queue in fetch order.
type Phase string

const (
	PhaseBuildConfig    Phase = "build_config"
	PhaseCDNConfig      Phase = "cdn_config"
	PhaseProductConfig  Phase = "product_config"
	PhaseArchiveIndices Phase = "archive_indices"
	PhasePatchIndices   Phase = "patch_indices"
	PhaseEncoding       Phase = "encoding"
	PhaseInstall        Phase = "install"
	PhaseDownload       Phase = "download"
	PhasePatchManifest  Phase = "patch_manifest"
	PhaseData           Phase = "data"
)

// phaseOrder is the sequence queues are emitted in; within a phase, item
// order is unspecified (callers may drain concurrently).
var phaseOrder = []Phase{
	PhaseBuildConfig, PhaseCDNConfig, PhaseProductConfig,
	PhaseArchiveIndices, PhasePatchIndices,
	PhaseEncoding, PhaseInstall, PhaseDownload, PhasePatchManifest,
	PhaseData,
}

// Item is one object to fetch: a config or data key under the given kind.
type Item struct {
	Phase Phase
	Kind  string // "config", "data" or "patch", matching objectstore.Kind
	Key   key.Key
	Index string // non-empty when this item is an archive/patch index (".index" suffix)
}

// Queue is a named, ordered (but internally unordered-safe) set of items.
type Queue struct {
	Phase Phase
	Items []Item
}

// Warning records a non-fatal problem attached to a planned version, such as
// an unresolvable decryption-key-name.
type Warning struct {
	BuildName string
	Message   string
}

// Plan is the result of planning a set of versions for one remote: the
// deduplicated queues, in phase order, plus any warnings.
type Plan struct {
	Queues   []Queue
	Warnings []Warning
}

// KnownKeys resolves a decryption-key-name to whether it is provisioned;
// the planner only needs presence, not the key bytes, to decide whether to
// warn.
type KnownKeys interface {
	Has(name string) bool
}

// Options tunes planning. MetadataOnly, when true, makes ExpandDataPhase
// emit nothing, so the bulk archives are never queued (fetch-all
// --metadata-only).
type Options struct {
	MetadataOnly bool
}

// versionGroupKey is the dedup key across regions/versions: two versions
// sharing all three configs need only be planned once.
type versionGroupKey struct {
	buildConfig, cdnConfig, productConfig string
}

// Plan dedupes versions and emits the phase-ordered queues described in
// SPEC_FULL.md §4.7 / spec.md §4.7. Per-version detail the planner itself
// does not parse (configs must be fetched first to discover it) is supplied
// later through ExpandConfigPhase and ExpandDataPhase; Plan only handles the
// metadata-phase scheduling and the top-level dedup. known is not consulted
// by Plan; decryption-key checks go through ResolveDecryptionKey.
func Plan(versions []statecache.Version, known KnownKeys, opts Options) *Plan {
	seen := make(map[versionGroupKey]bool)
	var buildQueue, cdnQueue, productQueue []Item

	for _, v := range versions {
		gk := versionGroupKey{buildConfig: v.BuildConfig, cdnConfig: v.CDNConfig, productConfig: v.ProductConfig}
		if seen[gk] {
			continue
		}
		seen[gk] = true

		if bk, err := key.Parse(v.BuildConfig); err == nil {
			buildQueue = append(buildQueue, Item{Phase: PhaseBuildConfig, Kind: "config", Key: bk})
		}
		if ck, err := key.Parse(v.CDNConfig); err == nil {
			cdnQueue = append(cdnQueue, Item{Phase: PhaseCDNConfig, Kind: "config", Key: ck})
		}
		if v.ProductConfig != "" {
			if pk, err := key.Parse(v.ProductConfig); err == nil {
				productQueue = append(productQueue, Item{Phase: PhaseProductConfig, Kind: "config", Key: pk})
			}
		}
	}

	p := &Plan{}
	addQueue(p, PhaseBuildConfig, buildQueue)
	addQueue(p, PhaseCDNConfig, cdnQueue)
	addQueue(p, PhaseProductConfig, productQueue)
	return p
}

func addQueue(p *Plan, phase Phase, items []Item) {
	if len(items) == 0 {
		return
	}
	p.Queues = append(p.Queues, Queue{Phase: phase, Items: items})
}

// ExpandConfigPhase appends the archive/patch-index and encoding/install/
// download/patch-manifest queues once the build and CDN configs named in the
// metadata phase have actually been fetched and parsed — the planner cannot
// discover these keys before that happens. archiveKeys and patchIndexKeys
// come from the CDN config's "archives"/"patch-archives" lists; the rest
// come from the build config's "encoding"/"install"/"download"/"patch"
// entries (ckey ekey pairs; the ekey, second value, is what gets queued).
func ExpandConfigPhase(p *Plan, archiveKeys, patchIndexKeys []key.Key, encodingEKey, installEKey, downloadEKey, patchManifestEKey key.Key, opts Options) {
	var archiveItems []Item
	for _, k := range archiveKeys {
		archiveItems = append(archiveItems, Item{Phase: PhaseArchiveIndices, Kind: "data", Key: k, Index: ".index"})
	}
	addQueue(p, PhaseArchiveIndices, archiveItems)

	var patchItems []Item
	for _, k := range patchIndexKeys {
		patchItems = append(patchItems, Item{Phase: PhasePatchIndices, Kind: "patch", Key: k, Index: ".index"})
	}
	addQueue(p, PhasePatchIndices, patchItems)

	if !encodingEKey.Zero() {
		addQueue(p, PhaseEncoding, []Item{{Phase: PhaseEncoding, Kind: "data", Key: encodingEKey}})
	}
	if !installEKey.Zero() {
		addQueue(p, PhaseInstall, []Item{{Phase: PhaseInstall, Kind: "data", Key: installEKey}})
	}
	if !downloadEKey.Zero() {
		addQueue(p, PhaseDownload, []Item{{Phase: PhaseDownload, Kind: "data", Key: downloadEKey}})
	}
	if !patchManifestEKey.Zero() {
		addQueue(p, PhasePatchManifest, []Item{{Phase: PhasePatchManifest, Kind: "patch", Key: patchManifestEKey}})
	}
}

// ExpandDataPhase appends the data-phase queue (archives, loose data files,
// patch archives) unless opts.MetadataOnly suppresses it.
func ExpandDataPhase(p *Plan, dataKeys []key.Key, opts Options) {
	if opts.MetadataOnly {
		return
	}
	var items []Item
	for _, k := range dataKeys {
		items = append(items, Item{Phase: PhaseData, Kind: "data", Key: k})
	}
	addQueue(p, PhaseData, items)
}

// ResolveDecryptionKey reports whether the named decryption key is
// provisioned, recording a Warning against buildName if not. A missing key
// is never fatal to planning; the version still gets queued.
func ResolveDecryptionKey(p *Plan, known KnownKeys, buildName, keyName string) {
	if keyName == "" {
		return
	}
	if known == nil || !known.Has(keyName) {
		p.Warnings = append(p.Warnings, Warning{BuildName: buildName, Message: "unresolved decryption key: " + keyName})
	}
}

// Phases returns the canonical phase ordering, for callers that want to
// drive draining themselves rather than iterate p.Queues.
func Phases() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}
