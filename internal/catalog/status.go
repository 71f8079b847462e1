package catalog

import (
	"database/sql"
	"fmt"

	"github.com/fitsync/fitsync/internal/models"
)

// StatusRow is one per-direction sync status entry.
type StatusRow struct {
	Fingerprint string
	Direction   models.Direction
	State       models.SyncState
	Reason      string
	RetryCount  int
}

// SetStatus records the sync state of an activity for one direction. Once a
// direction reached a terminal state it stays there; a later pending write
// is ignored, so re-enumerating a source never reopens settled work and a
// rejected activity is not retried until someone clears its row.
func (s *Store) SetStatus(fingerprint string, dir models.Direction, state models.SyncState, reason string) error {
	_, err := s.db.Exec(`
		INSERT INTO sync_status (fingerprint, source_platform, target_platform, status, reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint, source_platform, target_platform) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			updated_at = excluded.updated_at
		WHERE NOT (sync_status.status IN ('synced', 'duplicate', 'skipped', 'failed') AND excluded.status = 'pending')`,
		fingerprint, dir.Source, dir.Destination, string(state), reason, fmtTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to set status %s %s: %w", fingerprint, dir, err)
	}
	return nil
}

// GetStatus returns the status row for one activity and direction.
func (s *Store) GetStatus(fingerprint string, dir models.Direction) (StatusRow, bool, error) {
	row := StatusRow{Fingerprint: fingerprint, Direction: dir}
	var state string
	err := s.db.QueryRow(`
		SELECT status, reason, retry_count FROM sync_status
		WHERE fingerprint = ? AND source_platform = ? AND target_platform = ?`,
		fingerprint, dir.Source, dir.Destination).Scan(&state, &row.Reason, &row.RetryCount)
	if err == sql.ErrNoRows {
		return row, false, nil
	}
	if err != nil {
		return row, false, fmt.Errorf("failed to load status %s %s: %w", fingerprint, dir, err)
	}
	row.State = models.SyncState(state)
	return row, true, nil
}

// ListPending returns up to limit pending activities for a direction, oldest
// start time first so backlogs drain in order. limit <= 0 means no limit.
func (s *Store) ListPending(dir models.Direction, limit int) ([]models.ActivityRecord, error) {
	q := `
		SELECT a.fingerprint, a.name, a.sport_type, a.start_time, a.distance, a.duration,
		       a.elevation_gain, a.created_at, a.updated_at
		FROM sync_status st
		JOIN activity_records a ON a.fingerprint = st.fingerprint
		WHERE st.source_platform = ? AND st.target_platform = ? AND st.status = 'pending'
		ORDER BY a.start_time`
	args := []any{dir.Source, dir.Destination}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending for %s: %w", dir, err)
	}
	defer rows.Close()

	var out []models.ActivityRecord
	for rows.Next() {
		rec, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// IncrementRetry bumps the retry counter for one status row and returns the
// new count.
func (s *Store) IncrementRetry(fingerprint string, dir models.Direction) (int, error) {
	var count int
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE sync_status SET retry_count = retry_count + 1, updated_at = ?
			WHERE fingerprint = ? AND source_platform = ? AND target_platform = ?`,
			fmtTime(s.now()), fingerprint, dir.Source, dir.Destination)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("no status row for %s %s", fingerprint, dir)
		}
		return tx.QueryRow(`
			SELECT retry_count FROM sync_status
			WHERE fingerprint = ? AND source_platform = ? AND target_platform = ?`,
			fingerprint, dir.Source, dir.Destination).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment retry for %s %s: %w", fingerprint, dir, err)
	}
	return count, nil
}

// StatusCounts tallies status rows per state for one direction.
func (s *Store) StatusCounts(dir models.Direction) (map[models.SyncState]int, error) {
	rows, err := s.db.Query(`
		SELECT status, COUNT(*) FROM sync_status
		WHERE source_platform = ? AND target_platform = ?
		GROUP BY status`, dir.Source, dir.Destination)
	if err != nil {
		return nil, fmt.Errorf("failed to count statuses for %s: %w", dir, err)
	}
	defer rows.Close()

	out := make(map[models.SyncState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[models.SyncState(state)] = n
	}
	return out, rows.Err()
}
