package storage

import (
	"sync"

	"github.com/jsrc27/aktualizr/metadata"
)

// Storage persists verified metadata documents. Loads report presence
// with a bool; stores must be durable on return. LoadNonRoot returns
// the most recently stored document for that (repo, role).
type Storage interface {
	LoadLatestRoot(repo metadata.RepositoryType) ([]byte, bool)
	LoadRoot(repo metadata.RepositoryType, version metadata.Version) ([]byte, bool)
	StoreRoot(data []byte, repo metadata.RepositoryType, version metadata.Version) error
	LoadNonRoot(repo metadata.RepositoryType, role metadata.Role) ([]byte, bool)
	StoreNonRoot(data []byte, repo metadata.RepositoryType, role metadata.Role) error
	ClearNonRootMeta(repo metadata.RepositoryType) error
}

// memoryStorage keeps metadata in process memory. Used by tests and
// as a scratch store before provisioning settles on a backend.
type memoryStorage struct {
	mu    sync.Mutex
	roots map[metadata.RepositoryType]map[metadata.Version][]byte
	meta  map[metadata.RepositoryType]map[metadata.Role][]byte
}

// InMemory creates an empty in-process store.
func InMemory() Storage {
	return &memoryStorage{
		roots: map[metadata.RepositoryType]map[metadata.Version][]byte{},
		meta:  map[metadata.RepositoryType]map[metadata.Role][]byte{},
	}
}

func (s *memoryStorage) LoadLatestRoot(repo metadata.RepositoryType) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest metadata.Version = -1
	for v := range s.roots[repo] {
		if v > latest {
			latest = v
		}
	}
	if latest < 0 {
		return nil, false
	}
	return s.roots[repo][latest], true
}

func (s *memoryStorage) LoadRoot(repo metadata.RepositoryType, version metadata.Version) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.roots[repo][version]
	return data, ok
}

func (s *memoryStorage) StoreRoot(data []byte, repo metadata.RepositoryType, version metadata.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roots[repo] == nil {
		s.roots[repo] = map[metadata.Version][]byte{}
	}
	s.roots[repo][version] = append([]byte(nil), data...)
	return nil
}

func (s *memoryStorage) LoadNonRoot(repo metadata.RepositoryType, role metadata.Role) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.meta[repo][role]
	return data, ok
}

func (s *memoryStorage) StoreNonRoot(data []byte, repo metadata.RepositoryType, role metadata.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta[repo] == nil {
		s.meta[repo] = map[metadata.Role][]byte{}
	}
	s.meta[repo][role] = append([]byte(nil), data...)
	return nil
}

func (s *memoryStorage) ClearNonRootMeta(repo metadata.RepositoryType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.meta, repo)
	return nil
}
