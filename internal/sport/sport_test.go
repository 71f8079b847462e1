package sport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	table := DefaultTable()

	cases := map[string]string{
		"ride":           Ride,
		"Cycling":        Ride,
		"Road Bike Ride": Ride,
		"mountain-bike-ride": Ride,
		"trail_running":  Run,
		"Treadmill":      Run,
		"indoor_cycling": VirtualRide,
		"zwift":          VirtualRide,
		"open_water_swimming": Swim,
		"Speed Walking":  Walk,
		"mountaineering": Hike,
		"yoga":           Other,
		"":               Other,
	}
	for input, want := range cases {
		assert.Equal(t, want, table.Normalize(input), "input %q", input)
	}
}

func TestEquivalent(t *testing.T) {
	table := DefaultTable()

	assert.True(t, table.Equivalent("Cycling", "gravel_ride"))
	assert.True(t, table.Equivalent("running", "Treadmill"))
	assert.False(t, table.Equivalent("ride", "indoor_cycling"))
	// Both unknown, both "other".
	assert.True(t, table.Equivalent("yoga", "pilates"))
}

func TestLoadTableMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sports.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"ride": ["unicycling"]}`), 0600))

	table, err := LoadTable(path)
	require.NoError(t, err)

	assert.Equal(t, Ride, table.Normalize("unicycling"))
	// Defaults survive the merge.
	assert.Equal(t, Run, table.Normalize("trail_run"))
}

func TestLoadTableRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sports.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0600))

	_, err := LoadTable(path)
	assert.Error(t, err)
}
