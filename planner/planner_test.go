package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keg/key"
	"keg/statecache"
)

func hexKey(b byte) string {
	k := key.Key{}
	k[0] = b
	return k.String()
}

type fakeKnownKeys map[string]bool

func (f fakeKnownKeys) Has(name string) bool { return f[name] }

func TestPlanDedupesByConfigTriple(t *testing.T) {
	versions := []statecache.Version{
		{Remote: "us", Region: "us", BuildConfig: hexKey(1), CDNConfig: hexKey(2), ProductConfig: hexKey(3)},
		{Remote: "us", Region: "eu", BuildConfig: hexKey(1), CDNConfig: hexKey(2), ProductConfig: hexKey(3)},
		{Remote: "us", Region: "kr", BuildConfig: hexKey(9), CDNConfig: hexKey(2), ProductConfig: hexKey(3)},
	}

	p := Plan(versions, nil, Options{})
	require.Len(t, p.Queues, 3) // build, cdn, product config queues

	var buildQueue Queue
	for _, q := range p.Queues {
		if q.Phase == PhaseBuildConfig {
			buildQueue = q
		}
	}
	assert.Len(t, buildQueue.Items, 2) // two distinct build configs, not three
}

func TestPlanSkipsEmptyProductConfig(t *testing.T) {
	versions := []statecache.Version{
		{Remote: "us", Region: "us", BuildConfig: hexKey(1), CDNConfig: hexKey(2), ProductConfig: ""},
	}

	p := Plan(versions, nil, Options{})
	for _, q := range p.Queues {
		assert.NotEqual(t, PhaseProductConfig, q.Phase)
	}
}

func TestPlanSkipsUnparseableKeys(t *testing.T) {
	versions := []statecache.Version{
		{Remote: "us", Region: "us", BuildConfig: "not-a-hex-key", CDNConfig: hexKey(2)},
	}

	p := Plan(versions, nil, Options{})
	for _, q := range p.Queues {
		assert.NotEqual(t, PhaseBuildConfig, q.Phase)
	}
}

func TestExpandConfigPhaseEmitsEveryPopulatedQueue(t *testing.T) {
	p := &Plan{}
	archiveKeys := []key.Key{key.Sum([]byte("a1")), key.Sum([]byte("a2"))}
	ExpandConfigPhase(p, archiveKeys, nil, key.Sum([]byte("enc")), key.Sum([]byte("inst")), key.Key{}, key.Key{}, Options{})

	phases := map[Phase]bool{}
	for _, q := range p.Queues {
		phases[q.Phase] = true
	}
	assert.True(t, phases[PhaseArchiveIndices])
	assert.True(t, phases[PhaseEncoding])
	assert.True(t, phases[PhaseInstall])
	assert.False(t, phases[PhaseDownload])        // zero key, not queued
	assert.False(t, phases[PhasePatchManifest])   // zero key, not queued
	assert.False(t, phases[PhasePatchIndices])    // no patch index keys given
}

func TestExpandDataPhaseRespectsMetadataOnly(t *testing.T) {
	p := &Plan{}
	ExpandDataPhase(p, []key.Key{key.Sum([]byte("blob"))}, Options{MetadataOnly: true})
	assert.Empty(t, p.Queues)

	p2 := &Plan{}
	ExpandDataPhase(p2, []key.Key{key.Sum([]byte("blob"))}, Options{MetadataOnly: false})
	require.Len(t, p2.Queues, 1)
	assert.Equal(t, PhaseData, p2.Queues[0].Phase)
}

func TestResolveDecryptionKeyWarnsOnMissingKey(t *testing.T) {
	p := &Plan{}
	known := fakeKnownKeys{"FA5CE->known": true}

	ResolveDecryptionKey(p, known, "wow", "FA5CE->known")
	assert.Empty(t, p.Warnings)

	ResolveDecryptionKey(p, known, "wow", "FA5CE->missing")
	require.Len(t, p.Warnings, 1)
	assert.Equal(t, "wow", p.Warnings[0].BuildName)
}

func TestResolveDecryptionKeyIgnoresEmptyName(t *testing.T) {
	p := &Plan{}
	ResolveDecryptionKey(p, fakeKnownKeys{}, "wow", "")
	assert.Empty(t, p.Warnings)
}

func TestResolveDecryptionKeyHandlesNilTable(t *testing.T) {
	p := &Plan{}
	ResolveDecryptionKey(p, nil, "wow", "FA5CE->missing")
	assert.Len(t, p.Warnings, 1)
}

func TestPhasesReturnsCanonicalOrder(t *testing.T) {
	phases := Phases()
	require.Len(t, phases, 10)
	assert.Equal(t, PhaseBuildConfig, phases[0])
	assert.Equal(t, PhaseData, phases[len(phases)-1])
}
