// Package settings persists the user's probe preferences in a single-row
// SQLite table.
package settings

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `CREATE TABLE IF NOT EXISTS settings (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	target_url TEXT NOT NULL,
	theme INTEGER NOT NULL,
	measure_download INTEGER NOT NULL,
	measure_upload INTEGER NOT NULL
)`

var ErrNotFound = errors.New("settings record not found")

type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the database at path. ":memory:" keeps the record
// in process memory.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open settings database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serialises
	// writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create settings schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Load() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (Record, error) {
	var rec Record
	var theme int
	err := s.db.QueryRow(`SELECT target_url, theme, measure_download, measure_upload FROM settings WHERE id = 1`).
		Scan(&rec.TargetURL, &theme, &rec.MeasureDownload, &rec.MeasureUpload)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load settings: %w", err)
	}
	rec.Theme = Theme(theme)
	return rec, nil
}

// LoadOrSeed returns the stored record, writing seed first if none exists.
// The seed must pass the same validation as Save.
func (s *Store) LoadOrSeed(seed Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.loadLocked()
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Record{}, err
	}
	if err := seed.Validate(); err != nil {
		return Record{}, fmt.Errorf("seed settings: %w", err)
	}
	if err := s.saveLocked(seed); err != nil {
		return Record{}, err
	}
	return seed, nil
}

// Save validates and upserts rec.
func (s *Store) Save(rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(rec)
}

// SaveIfChanged writes rec only when it differs from the stored record and
// reports whether a write happened.
func (s *Store) SaveIfChanged(rec Record) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.loadLocked()
	if err == nil && cur == rec {
		return false, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if err := s.saveLocked(rec); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) saveLocked(rec Record) error {
	_, err := s.db.Exec(`INSERT INTO settings (id, target_url, theme, measure_download, measure_upload)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			target_url = excluded.target_url,
			theme = excluded.theme,
			measure_download = excluded.measure_download,
			measure_upload = excluded.measure_upload`,
		rec.TargetURL, int(rec.Theme), rec.MeasureDownload, rec.MeasureUpload)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
