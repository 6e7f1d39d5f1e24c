// Copyright 2023 VMware, Inc.
//
// This product is licensed to you under the BSD-2 license (the "License").
// You may not use this product except in compliance with the BSD-2 License.
// This product may include a number of subcomponents with separate copyright
// notices and license terms. Your use of these subcomponents is subject to
// the terms and conditions of the subcomponent's license, as noted in the
// LICENSE file.
//
// SPDX-License-Identifier: BSD-2-Clause

package fetcher

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsrc27/aktualizr/metadata"
)

func testServer(t *testing.T, files map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := files[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchLatestRole(t *testing.T) {
	doc := []byte(`{"signed":{"_type":"targets","version":3},"signatures":[]}`)
	srv := testServer(t, map[string][]byte{
		"/targets.json": doc,
	})

	f := New(srv.URL, srv.URL, 5*time.Second)
	data, err := f.FetchLatestRole(metadata.DirectorRepo, metadata.TARGETS, 1024)
	require.NoError(t, err)
	assert.Equal(t, doc, data)
}

func TestFetchRoleVersionedRootFilename(t *testing.T) {
	doc := []byte(`{"signed":{"_type":"root","version":2},"signatures":[]}`)
	srv := testServer(t, map[string][]byte{
		"/2.root.json": doc,
	})

	f := New(srv.URL, srv.URL, 5*time.Second)
	data, err := f.FetchRole(metadata.ImageRepo, metadata.ROOT, 2, 1024)
	require.NoError(t, err)
	assert.Equal(t, doc, data)
}

func TestFetchRoleNotFound(t *testing.T) {
	srv := testServer(t, nil)

	f := New(srv.URL, srv.URL, 5*time.Second)
	_, err := f.FetchLatestRole(metadata.ImageRepo, metadata.TIMESTAMP, 1024)
	assert.ErrorIs(t, err, metadata.ErrMetadataFetch{})
}

func TestFetchRoleSizeCap(t *testing.T) {
	big := make([]byte, 2048)
	srv := testServer(t, map[string][]byte{
		"/targets.json": big,
	})

	f := New(srv.URL, srv.URL, 5*time.Second)
	_, err := f.FetchLatestRole(metadata.DirectorRepo, metadata.TARGETS, 1024)
	assert.ErrorIs(t, err, metadata.ErrMetadataFetch{})

	// exactly at the cap is fine
	data, err := f.FetchLatestRole(metadata.DirectorRepo, metadata.TARGETS, 2048)
	require.NoError(t, err)
	assert.Len(t, data, 2048)
}

func TestFetchDelegationPath(t *testing.T) {
	doc := []byte(`{"signed":{"_type":"targets","version":1},"signatures":[]}`)
	srv := testServer(t, map[string][]byte{
		"/delegations/oem-apps.json": doc,
	})

	f := New(srv.URL, srv.URL, 5*time.Second)
	data, err := f.FetchLatestRole(metadata.ImageRepo, "oem-apps", 1024)
	require.NoError(t, err)
	assert.Equal(t, doc, data)
}

func TestFetchOffline(t *testing.T) {
	dir := t.TempDir()
	doc := []byte(`{"signed":{"_type":"snapshot","version":1},"signatures":[]}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "offlinesnapshot.json"), doc, 0644))

	f := New("", "", time.Second)
	data, err := f.FetchLatestRoleOffline(dir, metadata.DirectorRepo, metadata.OFFLINESNAPSHOT)
	require.NoError(t, err)
	assert.Equal(t, doc, data)

	_, err = f.FetchLatestRoleOffline(dir, metadata.DirectorRepo, metadata.OFFLINETARGETS)
	assert.ErrorIs(t, err, metadata.ErrMetadataFetch{})

	data, err = f.FetchRoleFilename(filepath.Join(dir, "offlinesnapshot.json"), metadata.DirectorRepo)
	require.NoError(t, err)
	assert.Equal(t, doc, data)
}
