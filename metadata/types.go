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
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Generic type constraint
type Roles interface {
	RootType | SnapshotType | TimestampType | TargetsType
}

// RepositoryType distinguishes the vehicle-specific Director repository
// from the fleet-wide Image repository.
type RepositoryType string

const (
	DirectorRepo RepositoryType = "director"
	ImageRepo    RepositoryType = "image"
)

func (r RepositoryType) String() string {
	return string(r)
}

// Role names a metadata document class. Values other than the
// predefined constants are delegated role names.
type Role string

// Define top level role names
const (
	ROOT            Role = "root"
	TIMESTAMP       Role = "timestamp"
	SNAPSHOT        Role = "snapshot"
	TARGETS         Role = "targets"
	OFFLINESNAPSHOT Role = "offlinesnapshot"
	OFFLINETARGETS  Role = "offlinetargets"
)

func (r Role) String() string {
	return string(r)
}

// IsDelegation reports whether the role is not one of the predefined
// top level roles.
func (r Role) IsDelegation() bool {
	switch r {
	case ROOT, TIMESTAMP, SNAPSHOT, TARGETS, OFFLINESNAPSHOT, OFFLINETARGETS:
		return false
	}
	return true
}

// DocumentType returns the `_type` value a document for this role
// carries on the wire. Offline roles reuse the snapshot and targets
// document shapes.
func (r Role) DocumentType() Role {
	switch r {
	case OFFLINESNAPSHOT:
		return SNAPSHOT
	case OFFLINETARGETS:
		return TARGETS
	}
	if r.IsDelegation() {
		return TARGETS
	}
	return r
}

// Version identifies a metadata document version when building role
// filenames. LatestVersion requests whatever the source considers
// current.
type Version int64

const LatestVersion Version = -1

// RoleFilename returns the canonical filename for a role: versioned
// for Root, `<role>.json` otherwise.
func (v Version) RoleFilename(role Role) string {
	if role == ROOT && v > 0 {
		return fmt.Sprintf("%d.%s.json", int64(v), ROOT)
	}
	return fmt.Sprintf("%s.json", role)
}

type Metadata[T Roles] struct {
	Signed     T
	Signatures []Signature

	// rawSigned preserves the received `signed` value so signature and
	// hash checks run over exactly what the repository served, not
	// over a struct round-trip.
	rawSigned json.RawMessage
}

type Signature struct {
	KeyID     string   `json:"keyid"`
	Signature HexBytes `json:"sig"`
}

type RootType struct {
	Type    string               `json:"_type"`
	Version int64                `json:"version"`
	Expires time.Time            `json:"expires"`
	Keys    map[string]*Key      `json:"keys"`
	Roles   map[string]*RoleKeys `json:"roles"`
}

type SnapshotType struct {
	Type    string               `json:"_type"`
	Version int64                `json:"version"`
	Expires time.Time            `json:"expires"`
	Meta    map[string]MetaFiles `json:"meta"`
}

type TimestampType struct {
	Type    string               `json:"_type"`
	Version int64                `json:"version"`
	Expires time.Time            `json:"expires"`
	Meta    map[string]MetaFiles `json:"meta"`
}

type TargetsType struct {
	Type        string                 `json:"_type"`
	Version     int64                  `json:"version"`
	Expires     time.Time              `json:"expires"`
	Targets     map[string]TargetFiles `json:"targets"`
	Delegations *Delegations           `json:"delegations,omitempty"`
	Custom      *TargetsCustom         `json:"custom,omitempty"`
}

// TargetsCustom carries the Director's per-campaign fields.
type TargetsCustom struct {
	CorrelationID string `json:"correlationId,omitempty"`
}

type Key struct {
	Type   string `json:"keytype"`
	Scheme string `json:"scheme"`
	Value  KeyVal `json:"keyval"`

	id     string
	idOnce sync.Once
}

type KeyVal struct {
	PublicKey string `json:"public"`
}

// RoleKeys is a root-declared t-of-n signing policy for one role.
type RoleKeys struct {
	KeyIDs    []string `json:"keyids"`
	Threshold int      `json:"threshold"`
}

type HexBytes []byte

type Hashes map[string]HexBytes

// Equal is type-and-digest equality: both sides must declare the same
// hash types, each with an identical digest.
func (h Hashes) Equal(other Hashes) bool {
	if len(h) != len(other) {
		return false
	}
	for alg, digest := range h {
		od, ok := other[alg]
		if !ok || digest.String() != od.String() {
			return false
		}
	}
	return true
}

type MetaFiles struct {
	Length  int64  `json:"length,omitempty"`
	Hashes  Hashes `json:"hashes,omitempty"`
	Version int64  `json:"version"`
}

type TargetFiles struct {
	Length int64         `json:"length"`
	Hashes Hashes        `json:"hashes"`
	Custom *TargetCustom `json:"custom,omitempty"`
	Path   string        `json:"-"`
}

// TargetCustom maps the image onto the ECUs that must install it.
type TargetCustom struct {
	EcuIdentifiers map[string]EcuHardware `json:"ecuIdentifiers,omitempty"`
	HardwareIDs    []string               `json:"hardwareIds,omitempty"`
	URI            string                 `json:"uri,omitempty"`
}

type EcuHardware struct {
	HardwareID string `json:"hardwareId"`
}

type Delegations struct {
	Keys  map[string]*Key `json:"keys"`
	Roles []DelegatedRole `json:"roles"`
}

type DelegatedRole struct {
	Name        string   `json:"name"`
	KeyIDs      []string `json:"keyids"`
	Threshold   int      `json:"threshold"`
	Terminating bool     `json:"terminating"`
	Paths       []string `json:"paths,omitempty"`
}

// SnapshotVersion returns the snapshot version the timestamp binds, or
// -1 if the timestamp carries no snapshot entry.
func (signed *TimestampType) SnapshotVersion() int64 {
	if m, ok := signed.Meta[LatestVersion.RoleFilename(SNAPSHOT)]; ok {
		return m.Version
	}
	return -1
}

// SnapshotSize returns the snapshot size declared by the timestamp, 0
// when not declared.
func (signed *TimestampType) SnapshotSize() int64 {
	return signed.Meta[LatestVersion.RoleFilename(SNAPSHOT)].Length
}

// SnapshotHashes returns the hashes the timestamp declares for the
// snapshot document, nil when none are declared.
func (signed *TimestampType) SnapshotHashes() Hashes {
	return signed.Meta[LatestVersion.RoleFilename(SNAPSHOT)].Hashes
}

// roleMeta finds the meta entry for a role, either by exact canonical
// filename or, for named documents such as `foo.offlinetargets.json`,
// by role suffix.
func (signed *SnapshotType) roleMeta(role Role) (MetaFiles, bool) {
	if m, ok := signed.Meta[LatestVersion.RoleFilename(role)]; ok {
		return m, true
	}
	suffix := fmt.Sprintf(".%s.json", role)
	for name, m := range signed.Meta {
		if strings.HasSuffix(name, suffix) {
			return m, true
		}
	}
	return MetaFiles{}, false
}

// RoleVersion returns the version the snapshot binds for a role, -1
// when the snapshot has no entry for it.
func (signed *SnapshotType) RoleVersion(role Role) int64 {
	if m, ok := signed.roleMeta(role); ok {
		return m.Version
	}
	return -1
}

// RoleSize returns the size the snapshot declares for a role, 0 when
// not declared.
func (signed *SnapshotType) RoleSize(role Role) int64 {
	m, _ := signed.roleMeta(role)
	return m.Length
}

// RoleHashes returns the hashes the snapshot declares for a role, nil
// when none are declared.
func (signed *SnapshotType) RoleHashes(role Role) Hashes {
	m, _ := signed.roleMeta(role)
	return m.Hashes
}

// DelegatedRoleNames lists the names of all roles this targets
// document delegates to.
func (signed *TargetsType) DelegatedRoleNames() []string {
	if signed.Delegations == nil {
		return nil
	}
	names := make([]string, 0, len(signed.Delegations.Roles))
	for _, r := range signed.Delegations.Roles {
		names = append(names, r.Name)
	}
	return names
}

// CorrelationID returns the campaign correlation identifier attached
// by the Director, "" when absent.
func (signed *TargetsType) CorrelationID() string {
	if signed.Custom == nil {
		return ""
	}
	return signed.Custom.CorrelationID
}
