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
	"fmt"
	"time"

	"github.com/jsrc27/aktualizr/metadata"
	"github.com/jsrc27/aktualizr/metadata/config"
	"github.com/jsrc27/aktualizr/metadata/fetcher"
	"github.com/jsrc27/aktualizr/metadata/storage"
)

// Clock provides the reference time for expiry checks. Injected so
// tests can freeze it; production hosts should back it with an
// NTP-synchronized monotonic source.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the system wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// repositoryCommon holds the trusted Root and the rotation logic both
// repositories share. Subsequent verification steps rely on the Root
// set up here.
type repositoryCommon struct {
	repoType metadata.RepositoryType
	cfg      *config.UpdateConfig
	clock    Clock

	root *metadata.Metadata[metadata.RootType]
}

func newCommon(repoType metadata.RepositoryType, cfg *config.UpdateConfig, clock Clock) repositoryCommon {
	if cfg == nil {
		cfg = config.New()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return repositoryCommon{repoType: repoType, cfg: cfg, clock: clock}
}

func (r *repositoryCommon) resetRoot() {
	r.root = nil
}

// keySource exposes the trusted Root's keys and role policies for
// child signature checks.
func (r *repositoryCommon) keySource() *metadata.MetaWithKeys {
	ks := metadata.NewMetaWithKeys(r.repoType, &r.root.Signed)
	ks.DisableKeyIDValidation = r.cfg.DisableKeyIDValidation
	return ks
}

// RootVersion returns the version of the currently trusted Root, -1
// when none is loaded.
func (r *repositoryCommon) RootVersion() int64 {
	if r.root == nil {
		return -1
	}
	return r.root.Signed.Version
}

// RootExpired reports whether the trusted Root has expired.
func (r *repositoryCommon) RootExpired() bool {
	return r.root.Signed.IsExpired(r.clock.Now())
}

// InitRoot verifies and loads raw as the initially trusted Root. The
// document must satisfy its own signing policy. Expiry is not checked
// here: an expired starting point may still chain to a fresh one.
func (r *repositoryCommon) InitRoot(raw []byte) error {
	newRoot, err := metadata.Root().FromBytes(raw)
	if err != nil {
		return asUptane(r.repoType, metadata.ROOT, err)
	}
	ks := metadata.NewMetaWithKeys(r.repoType, &newRoot.Signed)
	ks.DisableKeyIDValidation = r.cfg.DisableKeyIDValidation
	if err := metadata.VerifyRole(ks, metadata.ROOT, newRoot); err != nil {
		return err
	}
	if err := checkRootConsistency(r.repoType, &newRoot.Signed); err != nil {
		return err
	}
	r.root = newRoot
	return nil
}

// VerifyRoot verifies and loads raw as the next Root in the rotation
// chain: signed under both the currently trusted Root's policy and its
// own, and exactly one version ahead.
func (r *repositoryCommon) VerifyRoot(raw []byte) error {
	newRoot, err := metadata.Root().FromBytes(raw)
	if err != nil {
		return asUptane(r.repoType, metadata.ROOT, err)
	}
	// the outgoing keys must still endorse the rotation
	if err := metadata.VerifyRole(r.keySource(), metadata.ROOT, newRoot); err != nil {
		return err
	}
	// and the incoming keys must be able to stand on their own
	ks := metadata.NewMetaWithKeys(r.repoType, &newRoot.Signed)
	ks.DisableKeyIDValidation = r.cfg.DisableKeyIDValidation
	if err := metadata.VerifyRole(ks, metadata.ROOT, newRoot); err != nil {
		return err
	}
	if newRoot.Signed.Version != r.root.Signed.Version+1 {
		log().Info("root version does not chain", "repo", r.repoType,
			"trusted", r.root.Signed.Version, "got", newRoot.Signed.Version)
		return metadata.ErrVersionMismatch{Repo: r.repoType, Role: metadata.ROOT}
	}
	if err := checkRootConsistency(r.repoType, &newRoot.Signed); err != nil {
		return err
	}
	r.root = newRoot
	return nil
}

// updateRoot brings the trusted Root to the newest version the source
// offers: bootstrap from storage (or the provisioned version 1), then
// walk forward one version at a time, each step verified under both
// the outgoing and the incoming key sets.
func (r *repositoryCommon) updateRoot(store storage.Storage, f fetcher.Fetcher, offline bool, offlineBase string) error {
	raw, ok := store.LoadLatestRoot(r.repoType)
	if !ok {
		// first contact: pull the provisioned initial Root
		var err error
		if offline {
			raw, err = f.FetchRoleOffline(offlineBase, r.repoType, metadata.ROOT, 1)
		} else {
			raw, err = f.FetchRole(r.repoType, metadata.ROOT, 1, r.cfg.RootMaxLength)
		}
		if err != nil {
			return err
		}
		if err := r.InitRoot(raw); err != nil {
			return err
		}
		if err := store.StoreRoot(raw, r.repoType, 1); err != nil {
			return err
		}
	} else {
		if err := r.InitRoot(raw); err != nil {
			return err
		}
	}
	for i := int64(0); ; i++ {
		// an adversary serving an endless chain of valid rotations
		// must not pin us in this loop
		if i >= r.cfg.MaxRootRotations {
			return metadata.ErrSecurity{Repo: r.repoType, Role: metadata.ROOT, Msg: "too many Root rotations"}
		}
		next := metadata.Version(r.root.Signed.Version + 1)
		var rotation []byte
		var err error
		if offline {
			rotation, err = f.FetchRoleOffline(offlineBase, r.repoType, metadata.ROOT, next)
		} else {
			rotation, err = f.FetchRole(r.repoType, metadata.ROOT, next, r.cfg.RootMaxLength)
		}
		if err != nil {
			// no newer Root published; the chain ends here
			break
		}
		if err := r.VerifyRoot(rotation); err != nil {
			return err
		}
		if err := store.StoreRoot(rotation, r.repoType, next); err != nil {
			return err
		}
	}
	if r.RootExpired() {
		return metadata.ErrExpiredMetadata{Repo: r.repoType, Role: metadata.ROOT}
	}
	return nil
}

// checkRootConsistency enforces the Root document invariants: every
// role threshold is at least 1 and every keyid a role lists resolves
// in the key set.
func checkRootConsistency(repo metadata.RepositoryType, signed *metadata.RootType) error {
	for name, role := range signed.Roles {
		if role.Threshold < 1 {
			return metadata.ErrInvalidMetadata{Repo: repo, Role: metadata.ROOT,
				Msg: fmt.Sprintf("role %s has threshold %d", name, role.Threshold)}
		}
		for _, keyID := range role.KeyIDs {
			if _, ok := signed.Keys[keyID]; !ok {
				return metadata.ErrInvalidMetadata{Repo: repo, Role: metadata.ROOT,
					Msg: fmt.Sprintf("role %s lists unknown keyid %s", name, keyID)}
			}
		}
	}
	return nil
}

// asUptane keeps typed errors as they are and folds everything else
// into InvalidMetadata for the given repository and role.
func asUptane(repo metadata.RepositoryType, role metadata.Role, err error) error {
	if errors.Is(err, metadata.ErrUptane{}) {
		return err
	}
	return metadata.ErrInvalidMetadata{Repo: repo, Role: role, Msg: err.Error()}
}

func log() metadata.Logger {
	return metadata.GetLogger()
}
