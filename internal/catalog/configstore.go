package catalog

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/fitsync/fitsync/internal/models"
)

// Well-known sync_config keys.
const (
	keyCursorPrefix    = "last_sync."      // + platform name, RFC3339
	keyDirectionPrefix = "sync_rule."      // + direction name, "true"/"false"
	keyLegacyMigrated  = "legacy_migrated" // RFC3339 of the JSON import
)

// GetConfig reads one sync_config value.
func (s *Store) GetConfig(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM sync_config WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read config %s: %w", key, err)
	}
	return v, true, nil
}

// SetConfig writes one sync_config value.
func (s *Store) SetConfig(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO sync_config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key, value, fmtTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to write config %s: %w", key, err)
	}
	return nil
}

// GetConfigFloat reads a numeric tunable, returning fallback when unset.
func (s *Store) GetConfigFloat(key string, fallback float64) (float64, error) {
	v, ok, err := s.GetConfig(key)
	if err != nil || !ok {
		return fallback, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback, fmt.Errorf("config %s is not numeric: %w", key, err)
	}
	return f, nil
}

// Cursor returns the enumeration high-water mark for a platform. The zero
// time means the platform was never enumerated.
func (s *Store) Cursor(platform string) (time.Time, error) {
	v, ok, err := s.GetConfig(keyCursorPrefix + platform)
	if err != nil || !ok {
		return time.Time{}, err
	}
	return parseTime(v)
}

// SetCursor advances the enumeration high-water mark for a platform.
func (s *Store) SetCursor(platform string, t time.Time) error {
	return s.SetConfig(keyCursorPrefix+platform, fmtTime(t))
}

// DirectionEnabled reports whether a direction may run. Directions default to
// enabled; only an explicit "false" rule disables one.
func (s *Store) DirectionEnabled(dir models.Direction) (bool, error) {
	v, ok, err := s.GetConfig(keyDirectionPrefix + dir.String())
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return v != "false", nil
}

// SetDirectionRule enables or disables a direction.
func (s *Store) SetDirectionRule(dir models.Direction, enabled bool) error {
	return s.SetConfig(keyDirectionPrefix+dir.String(), strconv.FormatBool(enabled))
}
