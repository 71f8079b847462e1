// Package convert transcodes activity recordings between FIT, TCX and GPX.
// FIT is the richest format and only ever a source here; we never synthesize
// FIT output from the lossy XML formats.
package convert

import "time"

// Point is one sample of a recording.
type Point struct {
	Time time.Time

	// HasPosition guards Lat/Lon; indoor activities record no GPS.
	HasPosition bool
	Lat, Lon    float64

	Altitude  *float64 // meters
	Distance  *float64 // cumulative meters
	HeartRate int      // bpm, 0 when absent
	Cadence   int      // rpm/spm, 0 when absent
	Power     int      // watts, 0 when absent
	Speed     float64  // m/s, 0 when absent
}

// Track is the format-neutral recording both encoders consume.
type Track struct {
	Name      string
	Sport     string // normalized vocabulary, see internal/sport
	StartTime time.Time

	TotalTime     float64 // seconds
	TotalDistance float64 // meters

	Points []Point
}

// HasGPS reports whether any point carries a position.
func (t *Track) HasGPS() bool {
	for _, p := range t.Points {
		if p.HasPosition {
			return true
		}
	}
	return false
}
