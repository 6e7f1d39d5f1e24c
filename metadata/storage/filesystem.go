package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/jsrc27/aktualizr/metadata"
)

var rootFilePattern = regexp.MustCompile(`^(\d+)\.root\.json$`)

// fsStorage lays metadata out as
// <base>/<repo>/<version>.root.json and <base>/<repo>/<role>.json.
// Writes go through a temporary file and a rename so a crashed write
// never leaves a truncated document behind.
type fsStorage struct {
	base string
}

// NewFilesystem creates a filesystem-backed store rooted at base,
// typically the configured metadata path.
func NewFilesystem(base string) (Storage, error) {
	for _, repo := range []metadata.RepositoryType{metadata.DirectorRepo, metadata.ImageRepo} {
		if err := os.MkdirAll(filepath.Join(base, repo.String()), 0755); err != nil {
			return nil, err
		}
	}
	return &fsStorage{base: base}, nil
}

func (s *fsStorage) repoDir(repo metadata.RepositoryType) string {
	return filepath.Join(s.base, repo.String())
}

func (s *fsStorage) LoadLatestRoot(repo metadata.RepositoryType) ([]byte, bool) {
	entries, err := os.ReadDir(s.repoDir(repo))
	if err != nil {
		return nil, false
	}
	latest := int64(-1)
	for _, e := range entries {
		m := rootFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		v, err := strconv.ParseInt(m[1], 10, 64)
		if err == nil && v > latest {
			latest = v
		}
	}
	if latest < 0 {
		return nil, false
	}
	return s.LoadRoot(repo, metadata.Version(latest))
}

func (s *fsStorage) LoadRoot(repo metadata.RepositoryType, version metadata.Version) ([]byte, bool) {
	data, err := os.ReadFile(filepath.Join(s.repoDir(repo), version.RoleFilename(metadata.ROOT)))
	if err != nil {
		return nil, false
	}
	return data, true
}

func (s *fsStorage) StoreRoot(data []byte, repo metadata.RepositoryType, version metadata.Version) error {
	return s.writeAtomic(filepath.Join(s.repoDir(repo), version.RoleFilename(metadata.ROOT)), data)
}

func (s *fsStorage) LoadNonRoot(repo metadata.RepositoryType, role metadata.Role) ([]byte, bool) {
	data, err := os.ReadFile(filepath.Join(s.repoDir(repo), metadata.LatestVersion.RoleFilename(role)))
	if err != nil {
		return nil, false
	}
	return data, true
}

func (s *fsStorage) StoreNonRoot(data []byte, repo metadata.RepositoryType, role metadata.Role) error {
	return s.writeAtomic(filepath.Join(s.repoDir(repo), metadata.LatestVersion.RoleFilename(role)), data)
}

func (s *fsStorage) ClearNonRootMeta(repo metadata.RepositoryType) error {
	entries, err := os.ReadDir(s.repoDir(repo))
	if err != nil {
		return err
	}
	for _, e := range entries {
		if rootFilePattern.MatchString(e.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(s.repoDir(repo), e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// writeAtomic writes data to a temporary file in the target directory,
// syncs that file to disk, and then renames it over name.
func (s *fsStorage) writeAtomic(name string, data []byte) error {
	dir := filepath.Dir(name)
	tmp, err := os.CreateTemp(dir, "uptane_tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), name); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("storing %s: %w", name, err)
	}
	return nil
}
