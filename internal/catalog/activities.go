package catalog

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/fitsync/fitsync/internal/models"
)

// UpsertActivity inserts or updates an activity record keyed by fingerprint.
// A second call with identical metadata leaves the row untouched, including
// updated_at.
func (s *Store) UpsertActivity(rec models.ActivityRecord) error {
	now := fmtTime(s.now())

	var elev sql.NullFloat64
	if rec.ElevationGain != nil {
		elev = sql.NullFloat64{Float64: *rec.ElevationGain, Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO activity_records
			(fingerprint, name, sport_type, start_time, distance, duration, elevation_gain, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint) DO UPDATE SET
			name = excluded.name,
			sport_type = excluded.sport_type,
			start_time = excluded.start_time,
			distance = excluded.distance,
			duration = excluded.duration,
			elevation_gain = excluded.elevation_gain,
			updated_at = excluded.updated_at
		WHERE activity_records.name IS NOT excluded.name
		   OR activity_records.sport_type IS NOT excluded.sport_type
		   OR activity_records.start_time IS NOT excluded.start_time
		   OR activity_records.distance IS NOT excluded.distance
		   OR activity_records.duration IS NOT excluded.duration
		   OR activity_records.elevation_gain IS NOT excluded.elevation_gain`,
		rec.Fingerprint, rec.Name, rec.SportType, fmtTime(rec.StartTime),
		rec.Distance, rec.Duration, elev, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert activity %s: %w", rec.Fingerprint, err)
	}
	return nil
}

// GetActivity loads one activity by fingerprint.
func (s *Store) GetActivity(fingerprint string) (models.ActivityRecord, bool, error) {
	row := s.db.QueryRow(`
		SELECT fingerprint, name, sport_type, start_time, distance, duration, elevation_gain, created_at, updated_at
		FROM activity_records WHERE fingerprint = ?`, fingerprint)

	rec, err := scanActivity(row)
	if err == sql.ErrNoRows {
		return models.ActivityRecord{}, false, nil
	}
	if err != nil {
		return models.ActivityRecord{}, false, fmt.Errorf("failed to load activity %s: %w", fingerprint, err)
	}
	return rec, true, nil
}

// SimilarActivities returns activities of an equivalent start-time window,
// ordered by start time. Sport equivalence is the matcher's job; this only
// narrows by time so the candidate set stays small.
func (s *Store) SimilarActivities(center time.Time, window time.Duration) ([]models.ActivityRecord, error) {
	lo := fmtTime(center.Add(-window))
	hi := fmtTime(center.Add(window))

	rows, err := s.db.Query(`
		SELECT fingerprint, name, sport_type, start_time, distance, duration, elevation_gain, created_at, updated_at
		FROM activity_records
		WHERE start_time BETWEEN ? AND ?
		ORDER BY start_time`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("failed to query similar activities: %w", err)
	}
	defer rows.Close()

	var out []models.ActivityRecord
	for rows.Next() {
		rec, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActivity(row rowScanner) (models.ActivityRecord, error) {
	var rec models.ActivityRecord
	var start, created, updated string
	var elev sql.NullFloat64

	if err := row.Scan(&rec.Fingerprint, &rec.Name, &rec.SportType, &start,
		&rec.Distance, &rec.Duration, &elev, &created, &updated); err != nil {
		return rec, err
	}

	var err error
	if rec.StartTime, err = parseTime(start); err != nil {
		return rec, err
	}
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return rec, err
	}
	if rec.UpdatedAt, err = parseTime(updated); err != nil {
		return rec, err
	}
	if elev.Valid {
		v := elev.Float64
		rec.ElevationGain = &v
	}
	return rec, nil
}

// RecordMapping associates a platform-native activity id with a fingerprint.
// Re-recording the same pair overwrites the id, so a platform re-issuing ids
// after an upload converges on the latest.
func (s *Store) RecordMapping(fingerprint, platform, activityID string) error {
	_, err := s.db.Exec(`
		INSERT INTO platform_mappings (fingerprint, platform, activity_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (fingerprint, platform) DO UPDATE SET
			activity_id = excluded.activity_id`,
		fingerprint, platform, activityID, fmtTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to record mapping %s/%s: %w", fingerprint, platform, err)
	}
	return nil
}

// GetMapping returns the platform-native id for a fingerprint on a platform.
func (s *Store) GetMapping(fingerprint, platform string) (string, bool, error) {
	var id string
	err := s.db.QueryRow(`
		SELECT activity_id FROM platform_mappings
		WHERE fingerprint = ? AND platform = ?`, fingerprint, platform).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load mapping %s/%s: %w", fingerprint, platform, err)
	}
	return id, true, nil
}

// FingerprintByPlatformID is the reverse lookup: which logical activity does
// a platform-native id belong to.
func (s *Store) FingerprintByPlatformID(platform, activityID string) (string, bool, error) {
	var fp string
	err := s.db.QueryRow(`
		SELECT fingerprint FROM platform_mappings
		WHERE platform = ? AND activity_id = ?`, platform, activityID).Scan(&fp)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to reverse-lookup %s id %s: %w", platform, activityID, err)
	}
	return fp, true, nil
}

// Mapping pairs a platform with its native activity id.
type Mapping struct {
	Platform   string
	ActivityID string
}

// MappedPlatforms lists every platform holding this activity.
func (s *Store) MappedPlatforms(fingerprint string) ([]Mapping, error) {
	rows, err := s.db.Query(`
		SELECT platform, activity_id FROM platform_mappings
		WHERE fingerprint = ? ORDER BY platform`, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings for %s: %w", fingerprint, err)
	}
	defer rows.Close()

	var out []Mapping
	for rows.Next() {
		var m Mapping
		if err := rows.Scan(&m.Platform, &m.ActivityID); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
