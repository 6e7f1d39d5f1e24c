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
	"errors"

	"github.com/jsrc27/aktualizr/metadata"
	"github.com/jsrc27/aktualizr/metadata/config"
	"github.com/jsrc27/aktualizr/metadata/fetcher"
	"github.com/jsrc27/aktualizr/metadata/storage"
)

// DefaultImageOfflinePath is the well-known location offline updates
// place Image repository metadata at.
const DefaultImageOfflinePath = "/media/well-known/update/metadata/image"

// Image encapsulates the state of the Image repository's metadata
// verification: Root, Timestamp, Snapshot, and Targets, each bound to
// its parent role by version and, when declared, by hash.
type Image struct {
	repositoryCommon

	targets   *metadata.Metadata[metadata.TargetsType]
	snapshot  *metadata.Metadata[metadata.SnapshotType]
	timestamp *metadata.Metadata[metadata.TimestampType]

	OfflineMetadataPath string
}

// NewImage creates an empty Image repository state machine. A nil
// clock selects the system clock.
func NewImage(cfg *config.UpdateConfig, clock Clock) *Image {
	return &Image{
		repositoryCommon:    newCommon(metadata.ImageRepo, cfg, clock),
		OfflineMetadataPath: DefaultImageOfflinePath,
	}
}

func (i *Image) resetMeta() {
	i.resetRoot()
	i.targets = nil
	i.snapshot = nil
	i.timestamp = nil
}

// Targets returns the verified Image targets list, nil before a
// successful update.
func (i *Image) Targets() *metadata.Metadata[metadata.TargetsType] {
	return i.targets
}

// RoleVersion returns the version the verified Snapshot binds for a
// role, -1 when unknown.
func (i *Image) RoleVersion(role metadata.Role) int64 {
	if i.snapshot == nil {
		return -1
	}
	return i.snapshot.Signed.RoleVersion(role)
}

// RoleSize returns the size the verified Snapshot declares for a
// role, 0 when not declared.
func (i *Image) RoleSize(role metadata.Role) int64 {
	if i.snapshot == nil {
		return 0
	}
	return i.snapshot.Signed.RoleSize(role)
}

// UpdateMeta runs one Image metadata update cycle: Root, then
// Timestamp (online), then Snapshot, then Targets. On any error the
// in-memory state is reset; storage keeps whatever was verified
// before the failure.
func (i *Image) UpdateMeta(store storage.Storage, f fetcher.Fetcher, offline bool) error {
	err := i.updateMeta(store, f, offline)
	if err != nil {
		i.resetMeta()
	}
	return err
}

func (i *Image) updateMeta(store storage.Storage, f fetcher.Fetcher, offline bool) error {
	i.resetMeta()

	if err := i.updateRoot(store, f, offline, i.OfflineMetadataPath); err != nil {
		return err
	}

	if !offline {
		if err := i.updateTimestamp(store, f); err != nil {
			return err
		}
	}

	if offline {
		if err := i.updateSnapshotOffline(store, f); err != nil {
			return err
		}
	} else {
		if err := i.updateSnapshotOnline(store, f); err != nil {
			return err
		}
	}

	if offline {
		return i.updateTargetsOffline(store, f)
	}
	return i.updateTargetsOnline(store, f)
}

func (i *Image) updateTimestamp(store storage.Storage, f fetcher.Fetcher) error {
	raw, err := f.FetchLatestRole(metadata.ImageRepo, metadata.TIMESTAMP, i.cfg.TimestampMaxLength)
	if err != nil {
		return err
	}
	remoteVersion := metadata.ExtractVersionUntrusted(raw)

	localVersion := int64(-1)
	if stored, ok := store.LoadNonRoot(metadata.ImageRepo, metadata.TIMESTAMP); ok {
		localVersion = metadata.ExtractVersionUntrusted(stored)
	}

	if err := i.verifyTimestamp(raw); err != nil {
		return err
	}

	if localVersion > remoteVersion {
		return metadata.ErrSecurity{Repo: metadata.ImageRepo, Role: metadata.TIMESTAMP, Msg: "rollback attempt"}
	} else if localVersion < remoteVersion {
		if err := store.StoreNonRoot(raw, metadata.ImageRepo, metadata.TIMESTAMP); err != nil {
			return err
		}
	}

	return i.checkTimestampExpired()
}

func (i *Image) verifyTimestamp(raw []byte) error {
	m, err := metadata.Timestamp().FromBytes(raw)
	if err != nil {
		return asUptane(metadata.ImageRepo, metadata.TIMESTAMP, err)
	}
	if err := metadata.VerifyRole(i.keySource(), metadata.TIMESTAMP, m); err != nil {
		log().Error(err, "Signature verification for Timestamp metadata failed")
		return err
	}
	i.timestamp = m
	return nil
}

func (i *Image) checkTimestampExpired() error {
	if i.timestamp.Signed.IsExpired(i.clock.Now()) {
		return metadata.ErrExpiredMetadata{Repo: metadata.ImageRepo, Role: metadata.TIMESTAMP}
	}
	return nil
}

func (i *Image) updateSnapshotOnline(store storage.Storage, f fetcher.Fetcher) error {
	// First check if we already have the latest version according to
	// the Timestamp metadata.
	fetchSnapshot := true
	localVersion := int64(-1)
	if stored, ok := store.LoadNonRoot(metadata.ImageRepo, metadata.SNAPSHOT); ok {
		if err := i.verifySnapshot(stored, true, false); err == nil {
			fetchSnapshot = false
		} else {
			log().Info("stored Image repo Snapshot is not current", "err", err.Error())
		}
		if i.snapshot != nil {
			localVersion = i.snapshot.Signed.Version
		}
	}

	// If we don't, attempt to fetch the latest.
	if fetchSnapshot {
		if err := i.fetchSnapshot(store, f, localVersion); err != nil {
			return err
		}
	}

	return i.checkSnapshotExpired()
}

func (i *Image) fetchSnapshot(store storage.Storage, f fetcher.Fetcher, localVersion int64) error {
	size := i.timestamp.Signed.SnapshotSize()
	if size <= 0 {
		size = i.cfg.SnapshotMaxLength
	}
	raw, err := f.FetchLatestRole(metadata.ImageRepo, metadata.SNAPSHOT, size)
	if err != nil {
		return err
	}
	remoteVersion := metadata.ExtractVersionUntrusted(raw)

	if err := i.verifySnapshot(raw, false, false); err != nil {
		return err
	}

	if localVersion > remoteVersion {
		return metadata.ErrSecurity{Repo: metadata.ImageRepo, Role: metadata.SNAPSHOT, Msg: "rollback attempt"}
	} else if localVersion < remoteVersion {
		if err := store.StoreNonRoot(raw, metadata.ImageRepo, metadata.SNAPSHOT); err != nil {
			return err
		}
	}
	return nil
}

func (i *Image) updateSnapshotOffline(store storage.Storage, f fetcher.Fetcher) error {
	raw, err := f.FetchLatestRoleOffline(i.OfflineMetadataPath, metadata.ImageRepo, metadata.OFFLINESNAPSHOT)
	if err != nil {
		return err
	}
	fetchedVersion := metadata.ExtractVersionUntrusted(raw)

	localVersion := int64(-1)
	stored, haveStored := store.LoadNonRoot(metadata.ImageRepo, metadata.OFFLINESNAPSHOT)
	if haveStored {
		localVersion = metadata.ExtractVersionUntrusted(stored)
	}

	if localVersion < fetchedVersion {
		if err := i.verifySnapshot(raw, false, true); err != nil {
			return err
		}
		if err := store.StoreNonRoot(raw, metadata.ImageRepo, metadata.OFFLINESNAPSHOT); err != nil {
			return err
		}
	} else {
		if err := i.verifySnapshot(stored, false, true); err != nil {
			return err
		}
	}

	return i.checkSnapshotExpired()
}

// verifySnapshot verifies a snapshot document: the hash binding
// against the Timestamp when one is loaded, then the signature under
// the snapshot role's policy, then the version binding against the
// Timestamp when one is loaded. With prefetch set,
// failures stay quiet; they only mean the stored copy needs a
// refetch, not that anything is wrong.
func (i *Image) verifySnapshot(raw []byte, prefetch, offline bool) error {
	role := metadata.SNAPSHOT
	if offline {
		role = metadata.OFFLINESNAPSHOT
	}

	if i.timestamp != nil && len(i.timestamp.Signed.SnapshotHashes()) > 0 {
		err := metadata.VerifyCanonicalHashes(metadata.ImageRepo, metadata.SNAPSHOT, raw, i.timestamp.Signed.SnapshotHashes())
		if errors.Is(err, metadata.ErrNoHash{}) {
			err = metadata.ErrSecurity{Repo: metadata.ImageRepo, Role: metadata.SNAPSHOT, Msg: "Snapshot metadata hash verification failed"}
		}
		if err != nil {
			if !prefetch {
				log().Error(err, "Hash verification for Snapshot metadata failed")
			}
			return err
		}
	}

	m, err := metadata.Snapshot().FromBytes(raw)
	if err != nil {
		return asUptane(metadata.ImageRepo, role, err)
	}
	if err := metadata.VerifyRole(i.keySource(), role, m); err != nil {
		if !prefetch {
			log().Error(err, "Signature verification for Snapshot metadata failed")
		}
		return err
	}

	if i.timestamp != nil && m.Signed.Version != i.timestamp.Signed.SnapshotVersion() {
		return metadata.ErrVersionMismatch{Repo: metadata.ImageRepo, Role: role}
	}

	i.snapshot = m
	return nil
}

func (i *Image) checkSnapshotExpired() error {
	if i.snapshot.Signed.IsExpired(i.clock.Now()) {
		return metadata.ErrExpiredMetadata{Repo: metadata.ImageRepo, Role: metadata.SNAPSHOT}
	}
	return nil
}

func (i *Image) updateTargetsOnline(store storage.Storage, f fetcher.Fetcher) error {
	// First check if we already have the latest version according to
	// the Snapshot metadata.
	fetchTargets := true
	localVersion := int64(-1)
	if stored, ok := store.LoadNonRoot(metadata.ImageRepo, metadata.TARGETS); ok {
		if err := i.verifyTargets(stored, true); err == nil {
			fetchTargets = false
		} else {
			log().Info("stored Image repo Targets is not current", "err", err.Error())
		}
		if i.targets != nil {
			localVersion = i.targets.Signed.Version
		}
	}

	// If we don't, attempt to fetch the latest.
	if fetchTargets {
		if err := i.fetchTargets(store, f, localVersion); err != nil {
			return err
		}
	}

	return i.checkTargetsExpired()
}

func (i *Image) fetchTargets(store storage.Storage, f fetcher.Fetcher, localVersion int64) error {
	size := i.RoleSize(metadata.TARGETS)
	if size <= 0 {
		size = i.cfg.TargetsMaxLength
	}
	raw, err := f.FetchLatestRole(metadata.ImageRepo, metadata.TARGETS, size)
	if err != nil {
		return err
	}
	remoteVersion := metadata.ExtractVersionUntrusted(raw)

	if err := i.verifyTargets(raw, false); err != nil {
		return err
	}

	if localVersion > remoteVersion {
		return metadata.ErrSecurity{Repo: metadata.ImageRepo, Role: metadata.TARGETS, Msg: "rollback attempt"}
	} else if localVersion < remoteVersion {
		if err := store.StoreNonRoot(raw, metadata.ImageRepo, metadata.TARGETS); err != nil {
			return err
		}
	}
	return nil
}

func (i *Image) updateTargetsOffline(store storage.Storage, f fetcher.Fetcher) error {
	raw, err := f.FetchLatestRoleOffline(i.OfflineMetadataPath, metadata.ImageRepo, metadata.TARGETS)
	if err != nil {
		return err
	}
	fetchedVersion := metadata.ExtractVersionUntrusted(raw)

	localVersion := int64(-1)
	stored, haveStored := store.LoadNonRoot(metadata.ImageRepo, metadata.TARGETS)
	if haveStored {
		localVersion = metadata.ExtractVersionUntrusted(stored)
	}

	if localVersion < fetchedVersion {
		if err := i.verifyTargets(raw, false); err != nil {
			return err
		}
		if err := store.StoreNonRoot(raw, metadata.ImageRepo, metadata.TARGETS); err != nil {
			return err
		}
	} else {
		if err := i.verifyTargets(stored, false); err != nil {
			return err
		}
	}

	return i.checkTargetsExpired()
}

// verifyRoleHashes checks a role document against the hashes the
// Snapshot declares for it. Hashes are not required here; if present,
// however, we may as well check them. This provides no security
// benefit, but may help with fault detection.
func (i *Image) verifyRoleHashes(raw []byte, role metadata.Role, prefetch bool) error {
	hashes := i.snapshot.Signed.RoleHashes(role)
	if len(hashes) == 0 {
		return nil
	}
	err := metadata.VerifyCanonicalHashes(metadata.ImageRepo, role, raw, hashes)
	if errors.Is(err, metadata.ErrNoHash{}) {
		// only unsupported hash types were declared
		return nil
	}
	if err != nil && !prefetch {
		log().Error(err, "Hash verification failed", "role", role)
	}
	return err
}

func (i *Image) verifyTargets(raw []byte, prefetch bool) error {
	if err := i.verifyRoleHashes(raw, metadata.TARGETS, prefetch); err != nil {
		return err
	}
	m, err := metadata.Targets().FromBytes(raw)
	if err != nil {
		return asUptane(metadata.ImageRepo, metadata.TARGETS, err)
	}
	if err := metadata.VerifyRole(i.keySource(), metadata.TARGETS, m); err != nil {
		if !prefetch {
			log().Error(err, "Signature verification for Image repo Targets metadata failed")
		}
		return err
	}
	if m.Signed.Version != i.snapshot.Signed.RoleVersion(metadata.TARGETS) {
		return metadata.ErrVersionMismatch{Repo: metadata.ImageRepo, Role: metadata.TARGETS}
	}
	i.targets = m
	return nil
}

func (i *Image) checkTargetsExpired() error {
	if i.targets.Signed.IsExpired(i.clock.Now()) {
		return metadata.ErrExpiredMetadata{Repo: metadata.ImageRepo, Role: metadata.TARGETS}
	}
	return nil
}

// VerifyDelegation verifies a delegated Targets document under the
// key set its parent declares for the role. Delegation trees are not
// walked automatically.
func (i *Image) VerifyDelegation(raw []byte, role metadata.Role, parent *metadata.TargetsType) (*metadata.Metadata[metadata.TargetsType], error) {
	ks, err := metadata.DelegationKeys(metadata.ImageRepo, parent, role)
	if err != nil {
		return nil, err
	}
	ks.DisableKeyIDValidation = i.cfg.DisableKeyIDValidation
	m, err := metadata.Targets().FromBytes(raw)
	if err != nil {
		return nil, asUptane(metadata.ImageRepo, role, err)
	}
	if err := metadata.VerifyRole(ks, role, m); err != nil {
		log().Error(err, "Signature verification for Image repo delegated Targets metadata failed")
		return nil, err
	}
	return m, nil
}

// CheckMetaOffline re-verifies the stored Image metadata chain
// without fetching anything. Used at startup.
func (i *Image) CheckMetaOffline(store storage.Storage) error {
	i.resetMeta()

	raw, ok := store.LoadLatestRoot(metadata.ImageRepo)
	if !ok {
		return metadata.ErrSecurity{Repo: metadata.ImageRepo, Role: metadata.ROOT, Msg: "could not load latest root"}
	}
	if err := i.InitRoot(raw); err != nil {
		return err
	}
	if i.RootExpired() {
		return metadata.ErrExpiredMetadata{Repo: metadata.ImageRepo, Role: metadata.ROOT}
	}

	rawTimestamp, ok := store.LoadNonRoot(metadata.ImageRepo, metadata.TIMESTAMP)
	if !ok {
		return metadata.ErrSecurity{Repo: metadata.ImageRepo, Role: metadata.TIMESTAMP, Msg: "could not load Timestamp role"}
	}
	if err := i.verifyTimestamp(rawTimestamp); err != nil {
		return err
	}
	if err := i.checkTimestampExpired(); err != nil {
		return err
	}

	rawSnapshot, ok := store.LoadNonRoot(metadata.ImageRepo, metadata.SNAPSHOT)
	if !ok {
		return metadata.ErrSecurity{Repo: metadata.ImageRepo, Role: metadata.SNAPSHOT, Msg: "could not load Snapshot role"}
	}
	if err := i.verifySnapshot(rawSnapshot, false, false); err != nil {
		return err
	}
	if err := i.checkSnapshotExpired(); err != nil {
		return err
	}

	rawTargets, ok := store.LoadNonRoot(metadata.ImageRepo, metadata.TARGETS)
	if !ok {
		return metadata.ErrSecurity{Repo: metadata.ImageRepo, Role: metadata.TARGETS, Msg: "could not load Targets role"}
	}
	if err := i.verifyTargets(rawTargets, false); err != nil {
		return err
	}
	return i.checkTargetsExpired()
}
