package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fitsync/fitsync/internal/models"
)

// legacyState mirrors the pre-catalog JSON state file.
type legacyState struct {
	SyncRecords map[string]legacyRecord `json:"sync_records"`
	SyncConfig  legacyConfig            `json:"sync_config"`
}

type legacyRecord struct {
	Metadata   legacyMetadata    `json:"metadata"`
	Platforms  map[string]any    `json:"platforms"`
	Files      map[string]string `json:"files"`
	SyncStatus map[string]string `json:"sync_status"`
	CreatedAt  string            `json:"created_at"`
}

type legacyMetadata struct {
	Name          string   `json:"name"`
	SportType     string   `json:"sport_type"`
	Type          string   `json:"type"`
	StartTime     string   `json:"start_time"`
	Distance      float64  `json:"distance"`
	Duration      float64  `json:"duration"`
	ElevationGain *float64 `json:"elevation_gain"`
}

type legacyConfig struct {
	LastSync  map[string]string `json:"last_sync"`
	SyncRules map[string]bool   `json:"sync_rules"`
}

// MigrateLegacyJSON imports a pre-catalog JSON state file and renames it to
// <path>.migrated on success. Every write is an idempotent upsert and the
// done marker is set last, so a failed import simply resumes on the next
// run. Already-imported or missing files are a no-op. It returns the number
// of imported activity records.
func (s *Store) MigrateLegacyJSON(path string) (int, error) {
	if _, ok, err := s.GetConfig(keyLegacyMigrated); err != nil {
		return 0, err
	} else if ok {
		return 0, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read legacy state: %w", err)
	}

	// UseNumber keeps large platform ids exact instead of float-rounded.
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var state legacyState
	if err := dec.Decode(&state); err != nil {
		return 0, fmt.Errorf("failed to parse legacy state %s: %w", path, err)
	}

	imported := 0
	for fp, lr := range state.SyncRecords {
		rec, err := lr.toActivity(fp)
		if err != nil {
			return imported, fmt.Errorf("legacy record %s: %w", fp, err)
		}
		if err := s.UpsertActivity(rec); err != nil {
			return imported, err
		}

		for platform, rawID := range lr.Platforms {
			if err := s.RecordMapping(fp, platform, fmt.Sprint(rawID)); err != nil {
				return imported, err
			}
		}
		for ext, filePath := range lr.Files {
			format, err := models.ParseFormat(ext)
			if err != nil {
				continue
			}
			info, statErr := os.Stat(filePath)
			if statErr != nil {
				// The file vanished since the JSON was written; skip the row.
				continue
			}
			entry := models.CacheEntry{
				Fingerprint: fp,
				Format:      format,
				Path:        filePath,
				Size:        info.Size(),
			}
			if err := s.RecordCache(entry); err != nil {
				return imported, err
			}
		}
		for dirName, status := range lr.SyncStatus {
			dir, err := models.ParseDirection(dirName)
			if err != nil {
				continue
			}
			if err := s.SetStatus(fp, dir, models.SyncState(status), ""); err != nil {
				return imported, err
			}
		}
		imported++
	}

	for platform, iso := range state.SyncConfig.LastSync {
		t, err := parseLegacyTime(iso)
		if err != nil {
			continue
		}
		if err := s.SetCursor(platform, t); err != nil {
			return imported, err
		}
	}
	for dirName, enabled := range state.SyncConfig.SyncRules {
		dir, err := models.ParseDirection(dirName)
		if err != nil {
			continue
		}
		if err := s.SetDirectionRule(dir, enabled); err != nil {
			return imported, err
		}
	}

	if err := s.SetConfig(keyLegacyMigrated, fmtTime(s.now())); err != nil {
		return imported, err
	}

	if err := os.Rename(path, path+".migrated"); err != nil {
		return imported, fmt.Errorf("failed to archive legacy state: %w", err)
	}
	return imported, nil
}

func (lr legacyRecord) toActivity(fingerprint string) (models.ActivityRecord, error) {
	sport := lr.Metadata.SportType
	if sport == "" {
		sport = lr.Metadata.Type
	}
	start, err := parseLegacyTime(lr.Metadata.StartTime)
	if err != nil {
		return models.ActivityRecord{}, fmt.Errorf("bad start_time %q: %w", lr.Metadata.StartTime, err)
	}
	return models.ActivityRecord{
		Fingerprint:   fingerprint,
		Name:          lr.Metadata.Name,
		SportType:     sport,
		StartTime:     start,
		Distance:      lr.Metadata.Distance,
		Duration:      int(lr.Metadata.Duration),
		ElevationGain: lr.Metadata.ElevationGain,
	}, nil
}

// parseLegacyTime accepts the ISO variants the old state file carried, with
// or without a zone suffix. Zoneless stamps are taken as UTC.
func parseLegacyTime(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05.999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
