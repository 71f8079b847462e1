package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection("garmin_to_strava")
	require.NoError(t, err)
	assert.Equal(t, Direction{Source: "garmin", Destination: "strava"}, d)
	assert.Equal(t, "garmin_to_strava", d.String())

	// Platform names may themselves contain underscores.
	d, err = ParseDirection("strava_to_intervals_icu")
	require.NoError(t, err)
	assert.Equal(t, Direction{Source: "strava", Destination: "intervals_icu"}, d)

	for _, bad := range []string{"", "strava", "_to_strava", "strava_to_", "to_strava"} {
		_, err := ParseDirection(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestParseFormat(t *testing.T) {
	for _, ext := range []string{"fit", ".fit"} {
		f, err := ParseFormat(ext)
		require.NoError(t, err)
		assert.Equal(t, FormatFIT, f)
	}

	_, err := ParseFormat(".zip")
	assert.Error(t, err)
}

func TestSyncStateTerminal(t *testing.T) {
	assert.False(t, StatePending.Terminal())
	for _, s := range []SyncState{StateSynced, StateSkipped, StateFailed, StateDuplicate} {
		assert.True(t, s.Terminal(), "state %s", s)
	}
}
