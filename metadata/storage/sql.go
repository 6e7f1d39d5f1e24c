package storage

import (
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/jsrc27/aktualizr/metadata"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS meta (
	repo TEXT NOT NULL,
	role TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT -1,
	data BLOB NOT NULL,
	PRIMARY KEY (repo, role, version)
);`

// SQLStorage keeps metadata in a SQLite database. Root versions are
// kept as separate rows for the rotation history; non-root roles are
// latest-wins rows with version -1.
type SQLStorage struct {
	db *sqlx.DB
}

// OpenSQL opens (and if needed initializes) a SQLite-backed store at
// the given database path. The caller owns the returned store and
// should Close it.
func OpenSQL(path string) (*SQLStorage, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA synchronous = FULL`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(sqlSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLStorage{db: db}, nil
}

func (s *SQLStorage) Close() error {
	return s.db.Close()
}

func (s *SQLStorage) LoadLatestRoot(repo metadata.RepositoryType) ([]byte, bool) {
	var data []byte
	err := s.db.Get(&data,
		`SELECT data FROM meta WHERE repo = ? AND role = ? ORDER BY version DESC LIMIT 1`,
		repo.String(), metadata.ROOT.String())
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log().Error(err, "loading latest root", "repo", repo)
		}
		return nil, false
	}
	return data, true
}

func (s *SQLStorage) LoadRoot(repo metadata.RepositoryType, version metadata.Version) ([]byte, bool) {
	var data []byte
	err := s.db.Get(&data,
		`SELECT data FROM meta WHERE repo = ? AND role = ? AND version = ?`,
		repo.String(), metadata.ROOT.String(), int64(version))
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log().Error(err, "loading root", "repo", repo, "version", int64(version))
		}
		return nil, false
	}
	return data, true
}

func (s *SQLStorage) StoreRoot(data []byte, repo metadata.RepositoryType, version metadata.Version) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO meta (repo, role, version, data) VALUES (?, ?, ?, ?)`,
		repo.String(), metadata.ROOT.String(), int64(version), data)
	return err
}

func (s *SQLStorage) LoadNonRoot(repo metadata.RepositoryType, role metadata.Role) ([]byte, bool) {
	var data []byte
	err := s.db.Get(&data,
		`SELECT data FROM meta WHERE repo = ? AND role = ? AND version = -1`,
		repo.String(), role.String())
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log().Error(err, "loading metadata", "repo", repo, "role", role)
		}
		return nil, false
	}
	return data, true
}

func (s *SQLStorage) StoreNonRoot(data []byte, repo metadata.RepositoryType, role metadata.Role) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO meta (repo, role, version, data) VALUES (?, ?, -1, ?)`,
		repo.String(), role.String(), data)
	return err
}

func (s *SQLStorage) ClearNonRootMeta(repo metadata.RepositoryType) error {
	_, err := s.db.Exec(
		`DELETE FROM meta WHERE repo = ? AND role != ?`,
		repo.String(), metadata.ROOT.String())
	return err
}

func log() metadata.Logger {
	return metadata.GetLogger()
}
