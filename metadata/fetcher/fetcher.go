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

package fetcher

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jsrc27/aktualizr/metadata"
)

// Fetcher is a stateless, idempotent source of raw metadata bytes.
// Online reads go by role filename against the repository's server;
// offline reads go against a filesystem base path.
type Fetcher interface {
	// FetchRole downloads a specific version of a role's metadata,
	// failing if the transfer exceeds maxLength.
	FetchRole(repo metadata.RepositoryType, role metadata.Role, version metadata.Version, maxLength int64) ([]byte, error)
	// FetchLatestRole downloads whatever the server currently serves
	// for the role.
	FetchLatestRole(repo metadata.RepositoryType, role metadata.Role, maxLength int64) ([]byte, error)
	// FetchRoleOffline reads a specific version of a role's metadata
	// from below basePath.
	FetchRoleOffline(basePath string, repo metadata.RepositoryType, role metadata.Role, version metadata.Version) ([]byte, error)
	// FetchLatestRoleOffline reads the unversioned role file from
	// below basePath.
	FetchLatestRoleOffline(basePath string, repo metadata.RepositoryType, role metadata.Role) ([]byte, error)
	// FetchRoleFilename reads one specific metadata file.
	FetchRoleFilename(path string, repo metadata.RepositoryType) ([]byte, error)
}

// HTTPFetcher implements Fetcher against the Director and Image
// servers, with offline reads served from the filesystem.
type HTTPFetcher struct {
	DirectorServer string
	RepoServer     string
	UserAgent      string
	Timeout        time.Duration
}

// New creates an HTTPFetcher for the given repository endpoints.
func New(directorServer, repoServer string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		DirectorServer: strings.TrimSuffix(directorServer, "/"),
		RepoServer:     strings.TrimSuffix(repoServer, "/"),
		Timeout:        timeout,
	}
}

func (f *HTTPFetcher) serverFor(repo metadata.RepositoryType) string {
	if repo == metadata.DirectorRepo {
		return f.DirectorServer
	}
	return f.RepoServer
}

// FetchRole downloads role metadata by its canonical filename,
// enforcing maxLength during the transfer.
func (f *HTTPFetcher) FetchRole(repo metadata.RepositoryType, role metadata.Role, version metadata.Version, maxLength int64) ([]byte, error) {
	url := f.serverFor(repo)
	if role.IsDelegation() {
		url += "/delegations"
	}
	url += "/" + version.RoleFilename(role)
	return f.downloadFile(url, repo, role, maxLength)
}

// FetchLatestRole downloads the current metadata for a role.
func (f *HTTPFetcher) FetchLatestRole(repo metadata.RepositoryType, role metadata.Role, maxLength int64) ([]byte, error) {
	return f.FetchRole(repo, role, metadata.LatestVersion, maxLength)
}

// FetchRoleOffline reads role metadata from the offline base path.
func (f *HTTPFetcher) FetchRoleOffline(basePath string, repo metadata.RepositoryType, role metadata.Role, version metadata.Version) ([]byte, error) {
	return readRoleFile(filepath.Join(basePath, version.RoleFilename(role)), repo, role)
}

// FetchLatestRoleOffline reads the unversioned role file from the
// offline base path.
func (f *HTTPFetcher) FetchLatestRoleOffline(basePath string, repo metadata.RepositoryType, role metadata.Role) ([]byte, error) {
	return f.FetchRoleOffline(basePath, repo, role, metadata.LatestVersion)
}

// FetchRoleFilename reads one specific metadata file.
func (f *HTTPFetcher) FetchRoleFilename(path string, repo metadata.RepositoryType) ([]byte, error) {
	return readRoleFile(path, repo, metadata.Role(filepath.Base(path)))
}

// downloadFile fetches urlPath and errors out if it failed or its
// length is larger than maxLength. The cap is enforced while reading
// the body, so an overlong response is cut off in flight rather than
// buffered and discarded.
func (f *HTTPFetcher) downloadFile(urlPath string, repo metadata.RepositoryType, role metadata.Role, maxLength int64) ([]byte, error) {
	client := &http.Client{Timeout: f.Timeout}
	req, err := http.NewRequest("GET", urlPath, nil)
	if err != nil {
		return nil, metadata.ErrMetadataFetch{Repo: repo, Role: role, Msg: err.Error()}
	}
	// Use in case of multiple sessions.
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	// Execute the request.
	res, err := client.Do(req)
	if err != nil {
		return nil, metadata.ErrMetadataFetch{Repo: repo, Role: role, Msg: err.Error()}
	}
	defer res.Body.Close()
	// Handle HTTP status codes.
	if res.StatusCode != http.StatusOK {
		return nil, metadata.ErrMetadataFetch{Repo: repo, Role: role, Msg: fmt.Sprintf("%s returned status code %d", urlPath, res.StatusCode)}
	}
	var length int64
	// Get content length from header (might not be accurate, -1 or not set).
	if header := res.Header.Get("Content-Length"); header != "" {
		length, err = strconv.ParseInt(header, 10, 0)
		if err != nil {
			return nil, metadata.ErrMetadataFetch{Repo: repo, Role: role, Msg: err.Error()}
		}
		// Error if the reported size is greater than what is expected.
		if length > maxLength {
			return nil, metadata.ErrMetadataFetch{Repo: repo, Role: role, Msg: fmt.Sprintf("download failed for %s, length %d is larger than expected %d", urlPath, length, maxLength)}
		}
	}
	// Although the size has been checked above, use a LimitReader in case
	// the reported size is inaccurate, or size is -1 which indicates an
	// unknown length. We read maxLength + 1 in order to check if the read
	// data surpassed our set limit.
	data, err := io.ReadAll(io.LimitReader(res.Body, maxLength+1))
	if err != nil {
		return nil, metadata.ErrMetadataFetch{Repo: repo, Role: role, Msg: err.Error()}
	}
	length = int64(len(data))
	if length > maxLength {
		return nil, metadata.ErrMetadataFetch{Repo: repo, Role: role, Msg: fmt.Sprintf("download failed for %s, length %d is larger than expected %d", urlPath, length, maxLength)}
	}
	return data, nil
}

func readRoleFile(path string, repo metadata.RepositoryType, role metadata.Role) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, metadata.ErrMetadataFetch{Repo: repo, Role: role, Msg: err.Error()}
	}
	return data, nil
}
