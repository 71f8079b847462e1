package models

import (
	"fmt"
	"time"
)

// FileFormat identifies an activity media file format.
type FileFormat string

const (
	FormatFIT FileFormat = "fit"
	FormatTCX FileFormat = "tcx"
	FormatGPX FileFormat = "gpx"
)

// FormatPreference is the default transfer-format order when a destination
// does not declare its own preference.
var FormatPreference = []FileFormat{FormatFIT, FormatTCX, FormatGPX}

// ParseFormat maps a file extension (with or without leading dot) to a FileFormat.
func ParseFormat(ext string) (FileFormat, error) {
	switch ext {
	case "fit", ".fit":
		return FormatFIT, nil
	case "tcx", ".tcx":
		return FormatTCX, nil
	case "gpx", ".gpx":
		return FormatGPX, nil
	}
	return "", fmt.Errorf("unknown file format: %q", ext)
}

// ActivityRecord is the logical activity, identified by its fingerprint
// across all platforms.
type ActivityRecord struct {
	Fingerprint   string    `json:"fingerprint"`
	Name          string    `json:"name"`
	SportType     string    `json:"sport_type"` // normalized, see internal/sport
	StartTime     time.Time `json:"start_time"` // UTC
	Distance      float64   `json:"distance"`   // meters
	Duration      int       `json:"duration"`   // seconds
	ElevationGain *float64  `json:"elevation_gain,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SyncState is the per-direction sync status of an activity.
type SyncState string

const (
	StatePending   SyncState = "pending"
	StateSynced    SyncState = "synced"
	StateSkipped   SyncState = "skipped"
	StateFailed    SyncState = "failed"
	StateDuplicate SyncState = "duplicate"
)

// Terminal reports whether a state never needs further work. duplicate is
// treated as success: the destination already holds the activity.
func (s SyncState) Terminal() bool {
	switch s {
	case StateSynced, StateSkipped, StateFailed, StateDuplicate:
		return true
	}
	return false
}

// Skip/failure reasons recorded alongside a status row.
const (
	ReasonNoSourceFile = "no_source_file"
	ReasonNotFound     = "not_found"
	ReasonTransport    = "transport"
	ReasonValidation   = "validation"
)

// CacheEntry records a cached media file for a fingerprint.
type CacheEntry struct {
	Fingerprint string
	Format      FileFormat
	Path        string
	Size        int64
	CreatedAt   time.Time
}

// Direction is an ordered (source, destination) platform pair.
type Direction struct {
	Source      string
	Destination string
}

// ParseDirection parses a "src_to_dst" direction name.
func ParseDirection(s string) (Direction, error) {
	// Platform names themselves contain underscores (intervals_icu), so split
	// on the first "_to_" that yields two non-empty halves.
	for i := 1; i+4 < len(s); i++ {
		if s[i:i+4] == "_to_" {
			src, dst := s[:i], s[i+4:]
			if src != "" && dst != "" {
				return Direction{Source: src, Destination: dst}, nil
			}
		}
	}
	return Direction{}, fmt.Errorf("invalid sync direction %q (want src_to_dst)", s)
}

func (d Direction) String() string {
	return d.Source + "_to_" + d.Destination
}
