package repository

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sigstore/sigstore/pkg/signature"
	"github.com/stretchr/testify/require"

	"github.com/jsrc27/aktualizr/metadata"
	"github.com/jsrc27/aktualizr/metadata/config"
)

func testConfig() *config.UpdateConfig {
	return config.New()
}

// fixedClock freezes the verification reference time so expiry checks
// are deterministic.
type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}

var testNow = time.Date(2024, 5, 14, 12, 0, 0, 0, time.UTC)

func notExpired() time.Time {
	return testNow.Add(30 * 24 * time.Hour)
}

// fakeFetcher serves online fetches from an in-memory file map and
// offline fetches from the real filesystem, mirroring the production
// fetcher's split.
type fakeFetcher struct {
	files map[metadata.RepositoryType]map[string][]byte
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{files: map[metadata.RepositoryType]map[string][]byte{
		metadata.DirectorRepo: {},
		metadata.ImageRepo:    {},
	}}
}

func (f *fakeFetcher) serve(repo metadata.RepositoryType, name string, data []byte) {
	f.files[repo][name] = data
}

func (f *fakeFetcher) FetchRole(repo metadata.RepositoryType, role metadata.Role, version metadata.Version, maxLength int64) ([]byte, error) {
	name := version.RoleFilename(role)
	data, ok := f.files[repo][name]
	if !ok {
		return nil, metadata.ErrMetadataFetch{Repo: repo, Role: role, Msg: name + " not found"}
	}
	if int64(len(data)) > maxLength {
		return nil, metadata.ErrMetadataFetch{Repo: repo, Role: role, Msg: "size cap exceeded"}
	}
	return data, nil
}

func (f *fakeFetcher) FetchLatestRole(repo metadata.RepositoryType, role metadata.Role, maxLength int64) ([]byte, error) {
	return f.FetchRole(repo, role, metadata.LatestVersion, maxLength)
}

func (f *fakeFetcher) FetchRoleOffline(basePath string, repo metadata.RepositoryType, role metadata.Role, version metadata.Version) ([]byte, error) {
	return f.FetchRoleFilename(filepath.Join(basePath, version.RoleFilename(role)), repo)
}

func (f *fakeFetcher) FetchLatestRoleOffline(basePath string, repo metadata.RepositoryType, role metadata.Role) ([]byte, error) {
	return f.FetchRoleOffline(basePath, repo, role, metadata.LatestVersion)
}

func (f *fakeFetcher) FetchRoleFilename(path string, repo metadata.RepositoryType) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, metadata.ErrMetadataFetch{Repo: repo, Role: metadata.Role(filepath.Base(path)), Msg: err.Error()}
	}
	return data, nil
}

func newSigner(t *testing.T) (signature.Signer, *metadata.Key) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := signature.LoadSigner(priv, crypto.Hash(0))
	require.NoError(t, err)
	key, err := metadata.KeyFromPublicKey(pub)
	require.NoError(t, err)
	return signer, key
}

var allRoles = []metadata.Role{
	metadata.ROOT, metadata.TIMESTAMP, metadata.SNAPSHOT,
	metadata.TARGETS, metadata.OFFLINESNAPSHOT, metadata.OFFLINETARGETS,
}

// buildRoot creates a root document with every role keyed to keys and
// threshold 1, signed by each signer.
func buildRoot(t *testing.T, version int64, keys []*metadata.Key, signers []signature.Signer) (*metadata.Metadata[metadata.RootType], []byte) {
	t.Helper()
	root := metadata.Root(notExpired())
	root.Signed.Version = version
	for _, key := range keys {
		for _, role := range allRoles {
			require.NoError(t, root.Signed.AddKey(key, role))
		}
	}
	return root, signAndEncode(t, root, signers...)
}

func signAndEncode[T metadata.Roles](t *testing.T, m *metadata.Metadata[T], signers ...signature.Signer) []byte {
	t.Helper()
	m.ClearSignatures()
	for _, s := range signers {
		_, err := m.Sign(s)
		require.NoError(t, err)
	}
	data, err := m.ToBytes(false)
	require.NoError(t, err)
	return data
}

func canonicalSHA256(t *testing.T, data []byte) metadata.HexBytes {
	t.Helper()
	canonical, err := metadata.CanonicalizeBytes(data)
	require.NoError(t, err)
	sum := sha256.Sum256(canonical)
	return sum[:]
}

// testTarget is the single application image the happy path scenarios
// install.
func testTarget(ecuSerial string) metadata.TargetFiles {
	digest := sha256.Sum256([]byte("app-v1 contents"))
	tf := metadata.TargetFiles{
		Length: 1024,
		Hashes: metadata.Hashes{"sha256": digest[:]},
	}
	if ecuSerial != "" {
		tf.Custom = &metadata.TargetCustom{
			EcuIdentifiers: map[string]metadata.EcuHardware{
				ecuSerial: {HardwareID: "hw-primary"},
			},
		}
	}
	return tf
}

// imageChain builds a consistent Timestamp -> Snapshot -> Targets
// chain for the Image repository, all signed by signer.
type imageChain struct {
	timestampBytes []byte
	snapshotBytes  []byte
	targetsBytes   []byte
	targets        *metadata.Metadata[metadata.TargetsType]
}

func buildImageChain(t *testing.T, signer signature.Signer, version int64, targets map[string]metadata.TargetFiles) imageChain {
	t.Helper()
	targetsMeta := metadata.Targets(notExpired())
	targetsMeta.Signed.Version = version
	targetsMeta.Signed.Targets = targets
	targetsBytes := signAndEncode(t, targetsMeta, signer)

	snapshot := metadata.Snapshot(notExpired())
	snapshot.Signed.Version = version
	snapshot.Signed.Meta = map[string]metadata.MetaFiles{
		"targets.json": {
			Version: version,
			Hashes:  metadata.Hashes{"sha256": canonicalSHA256(t, targetsBytes)},
		},
	}
	snapshotBytes := signAndEncode(t, snapshot, signer)

	timestamp := metadata.Timestamp(notExpired())
	timestamp.Signed.Version = version
	timestamp.Signed.Meta = map[string]metadata.MetaFiles{
		"snapshot.json": {
			Version: version,
			Hashes:  metadata.Hashes{"sha256": canonicalSHA256(t, snapshotBytes)},
		},
	}
	timestampBytes := signAndEncode(t, timestamp, signer)

	return imageChain{
		timestampBytes: timestampBytes,
		snapshotBytes:  snapshotBytes,
		targetsBytes:   targetsBytes,
		targets:        targetsMeta,
	}
}

func serveImageChain(f *fakeFetcher, rootBytes []byte, chain imageChain) {
	f.serve(metadata.ImageRepo, "1.root.json", rootBytes)
	f.serve(metadata.ImageRepo, "timestamp.json", chain.timestampBytes)
	f.serve(metadata.ImageRepo, "snapshot.json", chain.snapshotBytes)
	f.serve(metadata.ImageRepo, "targets.json", chain.targetsBytes)
}

func buildDirectorTargets(t *testing.T, signer signature.Signer, version int64, targets map[string]metadata.TargetFiles) []byte {
	t.Helper()
	m := metadata.Targets(notExpired())
	m.Signed.Version = version
	m.Signed.Targets = targets
	m.Signed.Custom = &metadata.TargetsCustom{CorrelationID: "campaign-1"}
	return signAndEncode(t, m, signer)
}
