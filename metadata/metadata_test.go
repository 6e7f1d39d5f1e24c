// Copyright 2022-2023 VMware, Inc.
//
// This product is licensed to you under the BSD-2 license (the "License").
// You may not use this product except in compliance with the BSD-2 License.
// This product may include a number of subcomponents with separate copyright
// notices and license terms. Your use of these subcomponents is subject to
// the terms and conditions of the subcomponent's license, as noted in the
// LICENSE file.
//
// SPDX-License-Identifier: BSD-2-Clause

package metadata

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"testing"
	"time"

	"github.com/sigstore/sigstore/pkg/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testExpiry = time.Date(2030, 8, 15, 19, 0, 0, 0, time.UTC)

func newEd25519Signer(t *testing.T) (signature.Signer, *Key) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := signature.LoadSigner(priv, crypto.Hash(0))
	require.NoError(t, err)
	key, err := KeyFromPublicKey(pub)
	require.NoError(t, err)
	return signer, key
}

func rootWithKeys(t *testing.T, threshold int, keys ...*Key) *RootType {
	t.Helper()
	root := Root(testExpiry)
	for _, k := range keys {
		require.NoError(t, root.Signed.AddKey(k, TARGETS))
	}
	root.Signed.Roles[TARGETS.String()].Threshold = threshold
	return &root.Signed
}

func TestSignatureThreshold(t *testing.T) {
	signer1, key1 := newEd25519Signer(t)
	signer2, key2 := newEd25519Signer(t)
	root := rootWithKeys(t, 2, key1, key2)

	targets := Targets(testExpiry)
	_, err := targets.Sign(signer1)
	require.NoError(t, err)

	ks := NewMetaWithKeys(ImageRepo, root)

	// one of two required signatures
	err = VerifyRole(ks, TARGETS, targets)
	assert.ErrorIs(t, err, ErrUnmetThreshold{})

	// exactly the threshold
	_, err = targets.Sign(signer2)
	require.NoError(t, err)
	assert.NoError(t, VerifyRole(ks, TARGETS, targets))
}

func TestSignaturesFromUnknownKeysAreIgnored(t *testing.T) {
	signer1, key1 := newEd25519Signer(t)
	rogueSigner, _ := newEd25519Signer(t)
	root := rootWithKeys(t, 1, key1)

	targets := Targets(testExpiry)
	_, err := targets.Sign(rogueSigner)
	require.NoError(t, err)

	ks := NewMetaWithKeys(ImageRepo, root)
	// a signature from a keyid the role does not list is not an
	// error, it just does not count
	err = VerifyRole(ks, TARGETS, targets)
	assert.ErrorIs(t, err, ErrUnmetThreshold{})

	_, err = targets.Sign(signer1)
	require.NoError(t, err)
	assert.NoError(t, VerifyRole(ks, TARGETS, targets))
}

func TestDuplicateSignatureKeyIDsRejectedOnParse(t *testing.T) {
	signer, _ := newEd25519Signer(t)
	targets := Targets(testExpiry)
	_, err := targets.Sign(signer)
	require.NoError(t, err)
	_, err = targets.Sign(signer)
	require.NoError(t, err)

	data, err := targets.ToBytes(false)
	require.NoError(t, err)
	_, err = Targets().FromBytes(data)
	assert.ErrorIs(t, err, ErrInvalidMetadata{})
}

func TestCanonicalRoundTrip(t *testing.T) {
	signer, key := newEd25519Signer(t)
	root := rootWithKeys(t, 1, key)

	targets := Targets(testExpiry)
	targets.Signed.Targets["app.bin"] = TargetFiles{
		Length: 1024,
		Hashes: Hashes{"sha256": make(HexBytes, sha256.Size)},
		Custom: &TargetCustom{
			EcuIdentifiers: map[string]EcuHardware{"ecu-1": {HardwareID: "hw-1"}},
		},
	}
	_, err := targets.Sign(signer)
	require.NoError(t, err)

	data, err := targets.ToBytes(false)
	require.NoError(t, err)

	parsed, err := Targets().FromBytes(data)
	require.NoError(t, err)
	assert.Equal(t, targets.Signed.Version, parsed.Signed.Version)
	assert.Equal(t, targets.Signed.Targets["app.bin"].Length, parsed.Signed.Targets["app.bin"].Length)

	// signatures still verify over the parsed document
	ks := NewMetaWithKeys(ImageRepo, root)
	assert.NoError(t, VerifyRole(ks, TARGETS, parsed))

	// and over a second serialize/parse cycle
	data2, err := parsed.ToBytes(false)
	require.NoError(t, err)
	parsed2, err := Targets().FromBytes(data2)
	require.NoError(t, err)
	assert.NoError(t, VerifyRole(ks, TARGETS, parsed2))

	canonical1, err := parsed.CanonicalSigned()
	require.NoError(t, err)
	canonical2, err := parsed2.CanonicalSigned()
	require.NoError(t, err)
	assert.Equal(t, canonical1, canonical2)
}

func TestVerifyRoleKeyIDValidation(t *testing.T) {
	signer, key := newEd25519Signer(t)

	// the root lists the key under a keyid that is not the hash of
	// the key, the way some non-compliant servers do
	root := Root(testExpiry).Signed
	root.Keys["not-a-hash"] = key
	root.Roles[TARGETS.String()] = &RoleKeys{KeyIDs: []string{"not-a-hash"}, Threshold: 1}

	targets := Targets(testExpiry)
	_, err := targets.Sign(signer)
	require.NoError(t, err)
	targets.Signatures[0].KeyID = "not-a-hash"

	ks := NewMetaWithKeys(ImageRepo, &root)
	err = VerifyRole(ks, TARGETS, targets)
	assert.ErrorIs(t, err, ErrUnmetThreshold{})

	ks.DisableKeyIDValidation = true
	assert.NoError(t, VerifyRole(ks, TARGETS, targets))
}

func TestVerifyRoleRejectsMissingPolicy(t *testing.T) {
	_, key := newEd25519Signer(t)
	root := rootWithKeys(t, 1, key)
	delete(root.Roles, TIMESTAMP.String())

	ks := NewMetaWithKeys(ImageRepo, root)
	err := VerifyRole(ks, TIMESTAMP, Timestamp(testExpiry))
	assert.ErrorIs(t, err, ErrInvalidMetadata{})
}

func TestCheckType(t *testing.T) {
	snapshot := Snapshot(testExpiry)
	data, err := snapshot.ToBytes(false)
	require.NoError(t, err)

	_, err = Targets().FromBytes(data)
	assert.ErrorIs(t, err, ErrInvalidMetadata{})

	_, err = Snapshot().FromBytes(data)
	assert.NoError(t, err)

	_, err = Snapshot().FromBytes([]byte("not json"))
	assert.ErrorIs(t, err, ErrInvalidMetadata{})
}

func TestCheckRepoBinding(t *testing.T) {
	raw := []byte(`{"signed":{"_type":"targets","version":1,"expires":"2030-08-15T19:00:00Z","targets":{},"repo":"director"},"signatures":[]}`)
	m, err := Targets().FromBytes(raw)
	require.NoError(t, err)

	assert.NoError(t, m.CheckRepo(DirectorRepo))
	assert.ErrorIs(t, m.CheckRepo(ImageRepo), ErrInvalidMetadata{})
}

func TestIsExpired(t *testing.T) {
	now := time.Date(2024, 5, 14, 12, 0, 0, 0, time.UTC)

	fresh := Targets(now.Add(time.Millisecond))
	assert.False(t, fresh.Signed.IsExpired(now))

	// an expiry exactly at the reference time is already expired
	boundary := Targets(now)
	assert.True(t, boundary.Signed.IsExpired(now))

	stale := Targets(now.Add(-time.Hour))
	assert.True(t, stale.Signed.IsExpired(now))
}

func TestExtractVersionUntrusted(t *testing.T) {
	assert.Equal(t, int64(42), ExtractVersionUntrusted([]byte(`{"signed":{"version":42}}`)))
	assert.Equal(t, int64(-1), ExtractVersionUntrusted([]byte(`{"signed":{}}`)))
	assert.Equal(t, int64(-1), ExtractVersionUntrusted([]byte(`garbage`)))
}

func TestVerifyCanonicalHashes(t *testing.T) {
	doc := []byte(`{"signed":{"_type":"snapshot","version":1},"signatures":[]}`)
	canonical, err := CanonicalizeBytes(doc)
	require.NoError(t, err)
	digest := sha256.Sum256(canonical)

	good := Hashes{"sha256": digest[:]}
	assert.NoError(t, VerifyCanonicalHashes(ImageRepo, SNAPSHOT, doc, good))

	bad := Hashes{"sha256": make(HexBytes, sha256.Size)}
	err = VerifyCanonicalHashes(ImageRepo, SNAPSHOT, doc, bad)
	assert.ErrorIs(t, err, ErrSecurity{})
	assert.Contains(t, err.Error(), "Snapshot metadata hash verification failed")

	// only unsupported hash types present
	unsupported := Hashes{"md5": make(HexBytes, 16)}
	assert.ErrorIs(t, VerifyCanonicalHashes(ImageRepo, SNAPSHOT, doc, unsupported), ErrNoHash{})
}

func TestHashesEqual(t *testing.T) {
	a := Hashes{"sha256": HexBytes{1, 2, 3}}
	b := Hashes{"sha256": HexBytes{1, 2, 3}}
	assert.True(t, a.Equal(b))

	c := Hashes{"sha256": HexBytes{9, 9, 9}}
	assert.False(t, a.Equal(c))

	d := Hashes{"sha256": HexBytes{1, 2, 3}, "sha512": HexBytes{4}}
	assert.False(t, a.Equal(d))
	assert.False(t, d.Equal(a))
}

func TestRoleFilenames(t *testing.T) {
	assert.Equal(t, "2.root.json", Version(2).RoleFilename(ROOT))
	assert.Equal(t, "root.json", LatestVersion.RoleFilename(ROOT))
	assert.Equal(t, "targets.json", LatestVersion.RoleFilename(TARGETS))
	assert.Equal(t, "offlinesnapshot.json", LatestVersion.RoleFilename(OFFLINESNAPSHOT))
}

func TestSnapshotRoleLookupBySuffix(t *testing.T) {
	s := Snapshot(testExpiry)
	s.Signed.Meta = map[string]MetaFiles{
		"foo.offlinetargets.json": {Version: 7},
	}
	assert.Equal(t, int64(7), s.Signed.RoleVersion(OFFLINETARGETS))
	assert.Equal(t, int64(-1), s.Signed.RoleVersion(TARGETS))
}

func TestDelegatedRoleNames(t *testing.T) {
	m := Targets(testExpiry)
	assert.Empty(t, m.Signed.DelegatedRoleNames())

	m.Signed.Delegations = &Delegations{
		Roles: []DelegatedRole{{Name: "a"}, {Name: "b"}},
	}
	assert.Equal(t, []string{"a", "b"}, m.Signed.DelegatedRoleNames())
}

func TestRootConsistencySerialization(t *testing.T) {
	_, key := newEd25519Signer(t)
	root := Root(testExpiry)
	require.NoError(t, root.Signed.AddKey(key, ROOT))

	data, err := root.ToBytes(false)
	require.NoError(t, err)

	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Contains(t, string(env["signed"]), `"_type":"root"`)

	parsed, err := Root().FromBytes(data)
	require.NoError(t, err)
	assert.Equal(t, key.ID(), parsed.Signed.Roles[ROOT.String()].KeyIDs[0])
	parsedKey := parsed.Signed.Keys[key.ID()]
	require.NotNil(t, parsedKey)
	// the recomputed keyid of the parsed key matches
	assert.Equal(t, key.ID(), parsedKey.ID())
}
