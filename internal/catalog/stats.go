package catalog

import (
	"fmt"

	"github.com/fitsync/fitsync/internal/models"
)

// Stats summarizes the catalog for the status command.
type Stats struct {
	Activities   int
	Mappings     int
	CacheEntries int
	CacheBytes   int64

	PerPlatform map[string]int                                  // mapped activities per platform
	PerState    map[models.Direction]map[models.SyncState]int   // status tallies per direction
}

// CollectStats gathers counts across the catalog.
func (s *Store) CollectStats() (Stats, error) {
	st := Stats{
		PerPlatform: make(map[string]int),
		PerState:    make(map[models.Direction]map[models.SyncState]int),
	}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM activity_records`).Scan(&st.Activities); err != nil {
		return st, fmt.Errorf("failed to count activities: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM platform_mappings`).Scan(&st.Mappings); err != nil {
		return st, fmt.Errorf("failed to count mappings: %w", err)
	}
	if err := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(file_size), 0) FROM file_cache`).
		Scan(&st.CacheEntries, &st.CacheBytes); err != nil {
		return st, fmt.Errorf("failed to count cache entries: %w", err)
	}

	rows, err := s.db.Query(`SELECT platform, COUNT(*) FROM platform_mappings GROUP BY platform`)
	if err != nil {
		return st, fmt.Errorf("failed to count per-platform mappings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var platform string
		var n int
		if err := rows.Scan(&platform, &n); err != nil {
			return st, err
		}
		st.PerPlatform[platform] = n
	}
	if err := rows.Err(); err != nil {
		return st, err
	}

	srows, err := s.db.Query(`
		SELECT source_platform, target_platform, status, COUNT(*)
		FROM sync_status GROUP BY source_platform, target_platform, status`)
	if err != nil {
		return st, fmt.Errorf("failed to count statuses: %w", err)
	}
	defer srows.Close()
	for srows.Next() {
		var src, dst, state string
		var n int
		if err := srows.Scan(&src, &dst, &state, &n); err != nil {
			return st, err
		}
		dir := models.Direction{Source: src, Destination: dst}
		if st.PerState[dir] == nil {
			st.PerState[dir] = make(map[models.SyncState]int)
		}
		st.PerState[dir][models.SyncState(state)] = n
	}
	return st, srows.Err()
}
