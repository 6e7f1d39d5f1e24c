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

package repository

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/jsrc27/aktualizr/metadata"
	"github.com/jsrc27/aktualizr/metadata/config"
	"github.com/jsrc27/aktualizr/metadata/fetcher"
	"github.com/jsrc27/aktualizr/metadata/storage"
)

// DefaultDirectorOfflinePath is the well-known location offline
// updates place Director metadata at.
const DefaultDirectorOfflinePath = "/media/well-known/update/metadata/director"

// Director encapsulates the state of the Director repository's
// metadata verification. Subsequent verification steps rely on
// previous ones; a failed update leaves the in-memory state empty.
type Director struct {
	repositoryCommon

	// Since the Director can send us an empty targets list to mean "no
	// new updates", we have to persist the previous targets list. Use
	// the latest for checking expiration but the most recent non-empty
	// list for everything else.
	targets       *metadata.Metadata[metadata.TargetsType] // only nil/empty if we've never received non-empty targets
	latestTargets *metadata.Metadata[metadata.TargetsType] // can be an empty list
	snapshot      *metadata.Metadata[metadata.SnapshotType]

	OfflineMetadataPath string
}

// NewDirector creates an empty Director repository state machine. A
// nil clock selects the system clock.
func NewDirector(cfg *config.UpdateConfig, clock Clock) *Director {
	return &Director{
		repositoryCommon:    newCommon(metadata.DirectorRepo, cfg, clock),
		OfflineMetadataPath: DefaultDirectorOfflinePath,
	}
}

func (d *Director) resetMeta() {
	d.resetRoot()
	d.targets = nil
	d.latestTargets = nil
	d.snapshot = nil
}

// Targets returns the effective target set: the most recent verified
// non-empty Director targets list.
func (d *Director) Targets() *metadata.Metadata[metadata.TargetsType] {
	return d.targets
}

// GetTargets returns the targets assigned to one ECU, keyed by
// filename.
func (d *Director) GetTargets(ecuSerial, hardwareID string) map[string]metadata.TargetFiles {
	res := map[string]metadata.TargetFiles{}
	if d.targets == nil {
		return res
	}
	for name, t := range d.targets.Signed.Targets {
		if t.Custom == nil {
			continue
		}
		if hw, ok := t.Custom.EcuIdentifiers[ecuSerial]; ok && hw.HardwareID == hardwareID {
			t.Path = name
			res[name] = t
		}
	}
	return res
}

// CorrelationID returns the campaign correlation identifier of the
// effective target set.
func (d *Director) CorrelationID() string {
	if d.targets == nil {
		return ""
	}
	return d.targets.Signed.CorrelationID()
}

// UpdateMeta runs one Director metadata update cycle. On any error
// the in-memory state is reset so a failed call leaves the repository
// view empty; storage keeps whatever was verified before the failure.
func (d *Director) UpdateMeta(store storage.Storage, f fetcher.Fetcher, offline bool) error {
	err := d.updateMeta(store, f, offline)
	if err != nil {
		d.resetMeta()
	}
	return err
}

func (d *Director) updateMeta(store storage.Storage, f fetcher.Fetcher, offline bool) error {
	// reset the Director repo to its initial state before starting the
	// Uptane iteration
	d.resetMeta()

	if err := d.updateRoot(store, f, offline, d.OfflineMetadataPath); err != nil {
		return err
	}

	// The Director deliberately carries no Timestamp role, and its
	// Snapshot exists only in the offline profile.
	if offline {
		return d.updateMetaOffline(store, f)
	}
	return d.updateMetaOnline(store, f)
}

func (d *Director) updateMetaOnline(store storage.Storage, f fetcher.Fetcher) error {
	raw, err := f.FetchLatestRole(metadata.DirectorRepo, metadata.TARGETS, d.cfg.DirectorTargetsMaxLength)
	if err != nil {
		return err
	}
	remoteVersion := metadata.ExtractVersionUntrusted(raw)

	localVersion := int64(-1)
	if stored, ok := store.LoadNonRoot(metadata.DirectorRepo, metadata.TARGETS); ok {
		localVersion = metadata.ExtractVersionUntrusted(stored)
		// A stored copy that no longer verifies is not fatal: after a
		// key rotation the fresh fetch below is the way out.
		if err := d.verifyTargets(stored, false); err != nil {
			log().Info("unable to verify stored Director Targets metadata", "err", err.Error())
		}
	}

	if err := d.verifyTargets(raw, false); err != nil {
		return err
	}

	if localVersion > remoteVersion {
		return metadata.ErrSecurity{Repo: metadata.DirectorRepo, Role: metadata.TARGETS, Msg: "rollback attempt"}
	} else if localVersion < remoteVersion && !d.usePreviousTargets() {
		if err := store.StoreNonRoot(raw, metadata.DirectorRepo, metadata.TARGETS); err != nil {
			return err
		}
	}

	if err := d.checkTargetsExpired(); err != nil {
		return err
	}
	return d.targetsSanityCheck()
}

func (d *Director) updateMetaOffline(store storage.Storage, f fetcher.Fetcher) error {
	// Load Offline Snapshot metadata from the well-known location and
	// compare with the stored offline snapshot version.
	raw, err := f.FetchLatestRoleOffline(d.OfflineMetadataPath, metadata.DirectorRepo, metadata.OFFLINESNAPSHOT)
	if err != nil {
		return err
	}
	fetchedVersion := metadata.ExtractVersionUntrusted(raw)

	localVersion := int64(-1)
	stored, haveStored := store.LoadNonRoot(metadata.DirectorRepo, metadata.OFFLINESNAPSHOT)
	if haveStored {
		localVersion = metadata.ExtractVersionUntrusted(stored)
	}

	if localVersion < fetchedVersion {
		if err := d.verifyOfflineSnapshot(raw, stored); err != nil {
			return err
		}
		if err := store.StoreNonRoot(raw, metadata.DirectorRepo, metadata.OFFLINESNAPSHOT); err != nil {
			return err
		}
	} else {
		if err := d.verifyOfflineSnapshot(stored, stored); err != nil {
			return err
		}
	}

	if err := d.checkOfflineSnapshotExpired(); err != nil {
		return err
	}

	// The snapshot's meta lists candidate offline targets files; pick
	// the first one that is actually present and readable.
	names := make([]string, 0, len(d.snapshot.Signed.Meta))
	for name := range d.snapshot.Signed.Meta {
		names = append(names, name)
	}
	sort.Strings(names)
	targetFile := ""
	for _, name := range names {
		candidate := filepath.Join(d.OfflineMetadataPath, name)
		if in, err := os.Open(candidate); err == nil {
			in.Close()
			targetFile = candidate
			break
		}
	}
	if targetFile == "" {
		return metadata.ErrSecurity{Repo: metadata.DirectorRepo, Role: metadata.OFFLINETARGETS,
			Msg: "could not find any valid offline targets metadata file"}
	}

	rawTargets, err := f.FetchRoleFilename(targetFile, metadata.DirectorRepo)
	if err != nil {
		return err
	}
	if err := d.verifyTargets(rawTargets, true); err != nil {
		return err
	}
	if err := store.StoreNonRoot(rawTargets, metadata.DirectorRepo, metadata.OFFLINETARGETS); err != nil {
		return err
	}

	if err := d.checkTargetsExpired(); err != nil {
		return err
	}
	return d.targetsSanityCheck()
}

// usePreviousTargets reports whether the newly verified targets list
// is empty while a previously received non-empty list is in effect.
func (d *Director) usePreviousTargets() bool {
	return d.targets != nil && len(d.targets.Signed.Targets) > 0 &&
		d.latestTargets != nil && len(d.latestTargets.Signed.Targets) == 0
}

func (d *Director) verifyTargets(raw []byte, offline bool) error {
	role := metadata.TARGETS
	if offline {
		role = metadata.OFFLINETARGETS
	}
	m, err := metadata.Targets().FromBytes(raw)
	if err != nil {
		return asUptane(metadata.DirectorRepo, role, err)
	}
	if err := metadata.VerifyRole(d.keySource(), role, m); err != nil {
		log().Error(err, "Signature verification for Director Targets metadata failed")
		return err
	}
	d.latestTargets = m
	if !d.usePreviousTargets() {
		d.targets = m
	}
	if offline {
		if m.Signed.Version != d.snapshot.Signed.RoleVersion(metadata.OFFLINETARGETS) {
			return metadata.ErrVersionMismatch{Repo: metadata.DirectorRepo, Role: metadata.OFFLINETARGETS}
		}
	}
	return nil
}

// verifyOfflineSnapshot verifies the signature on snapshotRawNew and
// cross-checks it against snapshotRawOld: any filename listed by both
// must not decrease in version.
func (d *Director) verifyOfflineSnapshot(snapshotRawNew, snapshotRawOld []byte) error {
	m, err := metadata.Snapshot().FromBytes(snapshotRawNew)
	if err != nil {
		return asUptane(metadata.DirectorRepo, metadata.OFFLINESNAPSHOT, err)
	}
	if err := metadata.VerifyRole(d.keySource(), metadata.OFFLINESNAPSHOT, m); err != nil {
		log().Error(err, "Signature verification for Offline Snapshot metadata failed")
		return err
	}
	d.snapshot = m

	if len(snapshotRawOld) > 0 {
		old, err := metadata.Snapshot().FromBytes(snapshotRawOld)
		if err == nil {
			for name, oldMeta := range old.Signed.Meta {
				newMeta, ok := m.Signed.Meta[name]
				if ok && newMeta.Version < oldMeta.Version {
					return metadata.ErrSecurity{Repo: metadata.DirectorRepo, Role: metadata.OFFLINESNAPSHOT, Msg: "rollback attempt"}
				}
			}
		}
	}
	return nil
}

func (d *Director) checkOfflineSnapshotExpired() error {
	if d.snapshot.Signed.IsExpired(d.clock.Now()) {
		return metadata.ErrExpiredMetadata{Repo: metadata.DirectorRepo, Role: metadata.OFFLINESNAPSHOT}
	}
	return nil
}

func (d *Director) checkTargetsExpired() error {
	if d.latestTargets.Signed.IsExpired(d.clock.Now()) {
		return metadata.ErrExpiredMetadata{Repo: metadata.DirectorRepo, Role: metadata.TARGETS}
	}
	return nil
}

func (d *Director) targetsSanityCheck() error {
	// Director targets must not carry delegations.
	if len(d.latestTargets.Signed.DelegatedRoleNames()) != 0 {
		return metadata.ErrInvalidMetadata{Repo: metadata.DirectorRepo, Role: metadata.TARGETS, Msg: "found unexpected delegation"}
	}
	// No ECU identifier may be represented more than once across the
	// effective target set.
	if d.targets == nil {
		return nil
	}
	ecuIDs := map[string]bool{}
	for _, target := range d.targets.Signed.Targets {
		if target.Custom == nil {
			continue
		}
		for serial := range target.Custom.EcuIdentifiers {
			if ecuIDs[serial] {
				log().Error(nil, "ECU appears twice in Director's Targets", "ecu", serial)
				return metadata.ErrInvalidMetadata{Repo: metadata.DirectorRepo, Role: metadata.TARGETS, Msg: "found repeated ECU ID"}
			}
			ecuIDs[serial] = true
		}
	}
	return nil
}

// CheckMetaOffline re-verifies the stored Director metadata without
// fetching anything. Used at startup.
func (d *Director) CheckMetaOffline(store storage.Storage) error {
	d.resetMeta()

	raw, ok := store.LoadLatestRoot(metadata.DirectorRepo)
	if !ok {
		return metadata.ErrSecurity{Repo: metadata.DirectorRepo, Role: metadata.ROOT, Msg: "could not load latest root"}
	}
	if err := d.InitRoot(raw); err != nil {
		return err
	}
	if d.RootExpired() {
		return metadata.ErrExpiredMetadata{Repo: metadata.DirectorRepo, Role: metadata.ROOT}
	}

	rawTargets, ok := store.LoadNonRoot(metadata.DirectorRepo, metadata.TARGETS)
	if !ok {
		return metadata.ErrSecurity{Repo: metadata.DirectorRepo, Role: metadata.TARGETS, Msg: "could not load Targets role"}
	}
	if err := d.verifyTargets(rawTargets, false); err != nil {
		return err
	}
	if err := d.checkTargetsExpired(); err != nil {
		return err
	}
	return d.targetsSanityCheck()
}

// DropTargets removes all non-Root Director metadata and resets the
// in-memory state. Failures are logged, not surfaced: this is
// best-effort cleanup.
func (d *Director) DropTargets(store storage.Storage) {
	if err := store.ClearNonRootMeta(metadata.DirectorRepo); err != nil {
		log().Error(err, "failed to reset Director Targets metadata")
		return
	}
	d.resetMeta()
}

// MatchTargetsWithImageTargets reports whether every Director target
// has an Image target with identical filename, length, and hashes.
// Secondaries run this check before any installation is authorized.
func (d *Director) MatchTargetsWithImageTargets(imageTargets *metadata.Metadata[metadata.TargetsType]) bool {
	if imageTargets == nil {
		return false
	}
	if d.targets == nil {
		return true
	}
	for name, directorTarget := range d.targets.Signed.Targets {
		imageTarget, ok := imageTargets.Signed.Targets[name]
		if !ok || !directorTarget.MatchTarget(&imageTarget) {
			return false
		}
	}
	return true
}
