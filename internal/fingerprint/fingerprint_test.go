package fingerprint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fitsync/fitsync/internal/models"
	"github.com/fitsync/fitsync/internal/sport"
)

func rec(sportType string, start time.Time, distance float64, duration int) models.ActivityRecord {
	return models.ActivityRecord{
		SportType: sportType,
		StartTime: start,
		Distance:  distance,
		Duration:  duration,
	}
}

func TestComputeIsStable(t *testing.T) {
	table := sport.DefaultTable()
	start := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	a := Compute(table, rec("ride", start, 25000, 3600))
	b := Compute(table, rec("ride", start, 25000, 3600))

	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
	assert.Regexp(t, "^[0-9a-f]{16}$", a)
}

func TestComputeQuantizesPlatformDrift(t *testing.T) {
	table := sport.DefaultTable()
	start := time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC)
	base := Compute(table, rec("ride", start, 25000, 3600))

	// Seconds within the same minute do not matter.
	assert.Equal(t, base, Compute(table, rec("ride", start.Add(40*time.Second), 25000, 3600)))

	// Distances rounding to the same 100 m bucket collide.
	assert.Equal(t, base, Compute(table, rec("ride", start, 24951, 3600)))
	assert.Equal(t, base, Compute(table, rec("ride", start, 25049, 3600)))

	// Durations rounding to the same 10 s bucket collide.
	assert.Equal(t, base, Compute(table, rec("ride", start, 25000, 3596)))

	// Platform vocabulary is normalized before hashing.
	assert.Equal(t, base, Compute(table, rec("Cycling", start, 25000, 3600)))
	assert.Equal(t, base, Compute(table, rec("road_bike_ride", start, 25000, 3600)))
}

func TestComputeSeparatesDistinctActivities(t *testing.T) {
	table := sport.DefaultTable()
	start := time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC)
	base := Compute(table, rec("ride", start, 25000, 3600))

	assert.NotEqual(t, base, Compute(table, rec("run", start, 25000, 3600)))
	assert.NotEqual(t, base, Compute(table, rec("ride", start.Add(time.Minute), 25000, 3600)))
	assert.NotEqual(t, base, Compute(table, rec("ride", start, 25300, 3600)))
	assert.NotEqual(t, base, Compute(table, rec("ride", start, 25000, 3660)))
}

func TestComputeUsesUTC(t *testing.T) {
	table := sport.DefaultTable()
	utc := time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC)
	cet := utc.In(time.FixedZone("CET", 3600))

	assert.Equal(t,
		Compute(table, rec("ride", utc, 25000, 3600)),
		Compute(table, rec("ride", cet, 25000, 3600)))
}
