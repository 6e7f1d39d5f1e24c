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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/secure-systems-lab/go-securesystemslib/cjson"
	"github.com/sigstore/sigstore/pkg/signature"
)

// Root return new metadata instance of type Root
func Root(expires ...time.Time) *Metadata[RootType] {
	// expire now if there's nothing set
	if len(expires) == 0 {
		expires = []time.Time{time.Now().UTC()}
	}
	// populate Roles
	roles := map[string]*RoleKeys{}
	for _, r := range []Role{ROOT, TIMESTAMP, SNAPSHOT, TARGETS, OFFLINESNAPSHOT, OFFLINETARGETS} {
		roles[r.String()] = &RoleKeys{
			KeyIDs:    []string{},
			Threshold: 1,
		}
	}
	return &Metadata[RootType]{
		Signed: RootType{
			Type:    ROOT.String(),
			Version: 1,
			Expires: expires[0],
			Keys:    map[string]*Key{},
			Roles:   roles,
		},
		Signatures: []Signature{},
	}
}

// Snapshot return new metadata instance of type Snapshot
func Snapshot(expires ...time.Time) *Metadata[SnapshotType] {
	// expire now if there's nothing set
	if len(expires) == 0 {
		expires = []time.Time{time.Now().UTC()}
	}
	return &Metadata[SnapshotType]{
		Signed: SnapshotType{
			Type:    SNAPSHOT.String(),
			Version: 1,
			Expires: expires[0],
			Meta: map[string]MetaFiles{
				LatestVersion.RoleFilename(TARGETS): {
					Version: 1,
				},
			},
		},
		Signatures: []Signature{},
	}
}

// Timestamp return new metadata instance of type Timestamp
func Timestamp(expires ...time.Time) *Metadata[TimestampType] {
	// expire now if there's nothing set
	if len(expires) == 0 {
		expires = []time.Time{time.Now().UTC()}
	}
	return &Metadata[TimestampType]{
		Signed: TimestampType{
			Type:    TIMESTAMP.String(),
			Version: 1,
			Expires: expires[0],
			Meta: map[string]MetaFiles{
				LatestVersion.RoleFilename(SNAPSHOT): {
					Version: 1,
				},
			},
		},
		Signatures: []Signature{},
	}
}

// Targets return new metadata instance of type Targets
func Targets(expires ...time.Time) *Metadata[TargetsType] {
	// expire now if there's nothing set
	if len(expires) == 0 {
		expires = []time.Time{time.Now().UTC()}
	}
	return &Metadata[TargetsType]{
		Signed: TargetsType{
			Type:    TARGETS.String(),
			Version: 1,
			Expires: expires[0],
			Targets: map[string]TargetFiles{},
		},
		Signatures: []Signature{},
	}
}

// FromFile load metadata from file
func (meta *Metadata[T]) FromFile(name string) (*Metadata[T], error) {
	in, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	data, err := io.ReadAll(in)
	if err != nil {
		return nil, err
	}
	m, err := fromBytes[T](data)
	if err != nil {
		return nil, err
	}
	*meta = *m
	return meta, nil
}

// FromBytes deserialize metadata from bytes
func (meta *Metadata[T]) FromBytes(data []byte) (*Metadata[T], error) {
	m, err := fromBytes[T](data)
	if err != nil {
		return nil, err
	}
	*meta = *m
	return meta, nil
}

// ToBytes serialize metadata to bytes
func (meta *Metadata[T]) ToBytes(pretty bool) ([]byte, error) {
	if pretty {
		return json.MarshalIndent(meta, "", "\t")
	}
	return json.Marshal(meta)
}

// ToFile save metadata to file
func (meta *Metadata[T]) ToFile(name string, pretty bool) error {
	data, err := meta.ToBytes(pretty)
	if err != nil {
		return err
	}
	return os.WriteFile(name, data, 0644)
}

// CanonicalSigned returns the deterministic serialization of the
// Signed part, which is the payload signatures and document hashes
// cover. For parsed metadata the received bytes are canonicalized, so
// fields this implementation does not model still count.
func (meta *Metadata[T]) CanonicalSigned() ([]byte, error) {
	if meta.rawSigned != nil {
		var v any
		if err := json.Unmarshal(meta.rawSigned, &v); err != nil {
			return nil, err
		}
		return cjson.EncodeCanonical(v)
	}
	return cjson.EncodeCanonical(meta.Signed)
}

// CheckRepo verifies the optional `repo` binding inside the signed
// payload against the repository the document was fetched from.
func (meta *Metadata[T]) CheckRepo(expected RepositoryType) error {
	if meta.rawSigned == nil {
		return nil
	}
	var dict map[string]any
	if err := json.Unmarshal(meta.rawSigned, &dict); err != nil {
		return ErrInvalidMetadata{Repo: expected, Msg: err.Error()}
	}
	if repo, ok := dict["repo"].(string); ok && repo != expected.String() {
		return ErrInvalidMetadata{Repo: expected, Msg: fmt.Sprintf("document is bound to repository %s", repo)}
	}
	return nil
}

// Sign create signature over Signed and assign it to Signatures
func (meta *Metadata[T]) Sign(signer signature.Signer) (*Signature, error) {
	// encode the Signed part to canonical JSON so signatures are consistent
	payload, err := meta.CanonicalSigned()
	if err != nil {
		return nil, err
	}
	// sign the Signed part
	sb, err := signer.SignMessage(bytes.NewReader(payload))
	if err != nil {
		return nil, ErrUnmetThreshold{Msg: "problem signing metadata"}
	}
	// get the signer's PublicKey
	publ, err := signer.PublicKey()
	if err != nil {
		return nil, err
	}
	// convert to a metadata Key type to get the keyID
	key, err := KeyFromPublicKey(publ)
	if err != nil {
		return nil, err
	}
	sig := &Signature{
		KeyID:     key.ID(),
		Signature: sb,
	}
	meta.Signatures = append(meta.Signatures, *sig)
	return sig, nil
}

// ClearSignatures clears Signatures
func (meta *Metadata[T]) ClearSignatures() {
	meta.Signatures = []Signature{}
}

// MetaWithKeys is the key-source view a signature check runs against:
// the key set and role policies of a verified Root (or of a parent
// Targets document for delegations).
type MetaWithKeys struct {
	Repo  RepositoryType
	Keys  map[string]*Key
	Roles map[string]*RoleKeys

	// DisableKeyIDValidation accepts signatures whose keyid does not
	// match the computed hash of the key. Signature verification
	// itself is never skipped.
	DisableKeyIDValidation bool
}

// NewMetaWithKeys builds the key source for documents signed under a
// repository's Root.
func NewMetaWithKeys(repo RepositoryType, root *RootType) *MetaWithKeys {
	return &MetaWithKeys{
		Repo:  repo,
		Keys:  root.Keys,
		Roles: root.Roles,
	}
}

// DelegationKeys builds the key source for a delegated Targets
// document from its parent.
func DelegationKeys(repo RepositoryType, parent *TargetsType, role Role) (*MetaWithKeys, error) {
	if parent.Delegations == nil {
		return nil, ErrInvalidMetadata{Repo: repo, Role: role, Msg: "parent delegates no roles"}
	}
	for _, d := range parent.Delegations.Roles {
		if d.Name == role.String() {
			return &MetaWithKeys{
				Repo: repo,
				Keys: parent.Delegations.Keys,
				Roles: map[string]*RoleKeys{
					role.String(): {KeyIDs: d.KeyIDs, Threshold: d.Threshold},
				},
			}, nil
		}
	}
	return nil, ErrInvalidMetadata{Repo: repo, Role: role, Msg: fmt.Sprintf("no delegation found for %s", role)}
}

// VerifyRole verifies that meta carries at least the threshold of
// distinct valid signatures the key source requires for role.
// Signatures from keyids the role does not list are ignored.
func VerifyRole[T Roles](keys *MetaWithKeys, role Role, meta *Metadata[T]) error {
	roleKeys, ok := keys.Roles[role.String()]
	if !ok {
		return ErrInvalidMetadata{Repo: keys.Repo, Role: role, Msg: fmt.Sprintf("no signing policy for role %s", role)}
	}
	if roleKeys.Threshold < 1 {
		return ErrInvalidMetadata{Repo: keys.Repo, Role: role, Msg: "role threshold must be at least 1"}
	}
	if err := meta.CheckRepo(keys.Repo); err != nil {
		return err
	}
	payload, err := meta.CanonicalSigned()
	if err != nil {
		return ErrInvalidMetadata{Repo: keys.Repo, Role: role, Msg: err.Error()}
	}
	signingKeys := map[string]bool{}
	// loop through each keyid the role trusts
	for _, keyID := range roleKeys.KeyIDs {
		key, ok := keys.Keys[keyID]
		if !ok {
			log.Info("role lists a keyid missing from the key set", "role", role, "keyid", keyID)
			continue
		}
		if !keys.DisableKeyIDValidation && key.ID() != keyID {
			log.Info("keyid does not match the hash of the key", "role", role, "keyid", keyID)
			continue
		}
		// collect the signature for that key, if any
		var sig *Signature
		for i := range meta.Signatures {
			if meta.Signatures[i].KeyID == keyID {
				sig = &meta.Signatures[i]
				break
			}
		}
		if sig == nil {
			continue
		}
		verifier, err := key.Verifier()
		if err != nil {
			log.Error(err, "could not load verifier", "role", role, "keyid", keyID)
			continue
		}
		if err := verifier.VerifySignature(bytes.NewReader(sig.Signature), bytes.NewReader(payload)); err != nil {
			log.Info("signature verification failed", "role", role, "keyid", keyID)
			continue
		}
		signingKeys[keyID] = true
	}
	if len(signingKeys) < roleKeys.Threshold {
		return ErrUnmetThreshold{
			Repo: keys.Repo,
			Role: role,
			Msg:  fmt.Sprintf("got %d valid signatures, want %d", len(signingKeys), roleKeys.Threshold),
		}
	}
	return nil
}

// IsExpired returns true if metadata is expired: an expires instant at
// or before referenceTime is no longer valid.
func (signed *RootType) IsExpired(referenceTime time.Time) bool {
	return !signed.Expires.After(referenceTime)
}

// IsExpired returns true if metadata is expired.
func (signed *SnapshotType) IsExpired(referenceTime time.Time) bool {
	return !signed.Expires.After(referenceTime)
}

// IsExpired returns true if metadata is expired.
func (signed *TimestampType) IsExpired(referenceTime time.Time) bool {
	return !signed.Expires.After(referenceTime)
}

// IsExpired returns true if metadata is expired.
func (signed *TargetsType) IsExpired(referenceTime time.Time) bool {
	return !signed.Expires.After(referenceTime)
}

// VerifyLengthHashes checks whether the MetaFiles data matches its
// corresponding length and hashes
func (f *MetaFiles) VerifyLengthHashes(data []byte) error {
	// hashes and length are optional for MetaFiles
	if len(f.Hashes) > 0 {
		if err := verifyHashes(data, f.Hashes); err != nil {
			return err
		}
	}
	if f.Length != 0 {
		if err := verifyLength(data, f.Length); err != nil {
			return err
		}
	}
	return nil
}

// VerifyLengthHashes checks whether the TargetFiles data matches its
// corresponding length and hashes
func (f *TargetFiles) VerifyLengthHashes(data []byte) error {
	if err := verifyHashes(data, f.Hashes); err != nil {
		return err
	}
	return verifyLength(data, f.Length)
}

// MatchTarget reports whether two target entries describe the same
// bytes: equal length and equal hash sets.
func (f *TargetFiles) MatchTarget(other *TargetFiles) bool {
	return f.Length == other.Length && f.Hashes.Equal(other.Hashes)
}

func (meta *Metadata[T]) MarshalJSON() ([]byte, error) {
	sigs := meta.Signatures
	if sigs == nil {
		sigs = []Signature{}
	}
	return json.Marshal(struct {
		Signed     any         `json:"signed"`
		Signatures []Signature `json:"signatures"`
	}{
		Signed:     meta.Signed,
		Signatures: sigs,
	})
}

func (meta *Metadata[T]) UnmarshalJSON(data []byte) error {
	var env struct {
		Signed     json.RawMessage `json:"signed"`
		Signatures []Signature     `json:"signatures"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if len(env.Signed) == 0 {
		return ErrInvalidMetadata{Msg: "metadata is missing the signed part"}
	}
	if err := json.Unmarshal(env.Signed, &meta.Signed); err != nil {
		return err
	}
	meta.Signatures = env.Signatures
	meta.rawSigned = env.Signed
	return nil
}
