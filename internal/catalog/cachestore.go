package catalog

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/fitsync/fitsync/internal/models"
)

// RecordCache registers a cached media file. Re-recording the same
// (fingerprint, format) replaces the row.
func (s *Store) RecordCache(e models.CacheEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO file_cache (fingerprint, file_format, file_path, file_size, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint, file_format) DO UPDATE SET
			file_path = excluded.file_path,
			file_size = excluded.file_size,
			created_at = excluded.created_at`,
		e.Fingerprint, string(e.Format), e.Path, e.Size, fmtTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to record cache entry %s.%s: %w", e.Fingerprint, e.Format, err)
	}
	return nil
}

// GetCache returns the cache entry for a fingerprint in one format.
func (s *Store) GetCache(fingerprint string, format models.FileFormat) (models.CacheEntry, bool, error) {
	e := models.CacheEntry{Fingerprint: fingerprint, Format: format}
	var created string
	err := s.db.QueryRow(`
		SELECT file_path, file_size, created_at FROM file_cache
		WHERE fingerprint = ? AND file_format = ?`, fingerprint, string(format)).
		Scan(&e.Path, &e.Size, &created)
	if err == sql.ErrNoRows {
		return e, false, nil
	}
	if err != nil {
		return e, false, fmt.Errorf("failed to load cache entry %s.%s: %w", fingerprint, format, err)
	}
	if e.CreatedAt, err = parseTime(created); err != nil {
		return e, false, err
	}
	return e, true, nil
}

// CacheFormats lists the formats cached for a fingerprint.
func (s *Store) CacheFormats(fingerprint string) ([]models.FileFormat, error) {
	rows, err := s.db.Query(`
		SELECT file_format FROM file_cache WHERE fingerprint = ? ORDER BY file_format`,
		fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache formats for %s: %w", fingerprint, err)
	}
	defer rows.Close()

	var out []models.FileFormat
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		out = append(out, models.FileFormat(f))
	}
	return out, rows.Err()
}

// ExpiredCache returns entries older than the cutoff. The cache layer deletes
// the files, then calls DeleteCache for each row.
func (s *Store) ExpiredCache(cutoff time.Time) ([]models.CacheEntry, error) {
	rows, err := s.db.Query(`
		SELECT fingerprint, file_format, file_path, file_size, created_at
		FROM file_cache WHERE created_at < ?`, fmtTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to list expired cache entries: %w", err)
	}
	defer rows.Close()

	var out []models.CacheEntry
	for rows.Next() {
		var e models.CacheEntry
		var format, created string
		if err := rows.Scan(&e.Fingerprint, &format, &e.Path, &e.Size, &created); err != nil {
			return nil, err
		}
		e.Format = models.FileFormat(format)
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AllCache returns every cache index row.
func (s *Store) AllCache() ([]models.CacheEntry, error) {
	return s.ExpiredCache(s.now().Add(24 * time.Hour))
}

// DeleteCache removes one cache index row. Missing rows are not an error.
func (s *Store) DeleteCache(fingerprint string, format models.FileFormat) error {
	_, err := s.db.Exec(`
		DELETE FROM file_cache WHERE fingerprint = ? AND file_format = ?`,
		fingerprint, string(format))
	if err != nil {
		return fmt.Errorf("failed to delete cache entry %s.%s: %w", fingerprint, format, err)
	}
	return nil
}
