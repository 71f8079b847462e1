package convert

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitsync/fitsync/internal/models"
)

func sampleTrack() *Track {
	start := time.Date(2024, 6, 1, 7, 0, 0, 0, time.UTC)
	alt := 120.5
	dist := 100.0

	return &Track{
		Name:          "Morning Ride",
		Sport:         "ride",
		StartTime:     start,
		TotalTime:     600,
		TotalDistance: 3000,
		Points: []Point{
			{Time: start, HasPosition: true, Lat: 41.40338, Lon: 2.17403, Altitude: &alt, HeartRate: 120},
			{Time: start.Add(30 * time.Second), HasPosition: true, Lat: 41.40438, Lon: 2.17503, Distance: &dist, Cadence: 85},
			{Time: start.Add(60 * time.Second)}, // indoor gap, no position
		},
	}
}

func TestEncodeTCXRoundTrip(t *testing.T) {
	track := sampleTrack()

	out, err := EncodeTCX(track)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), "<?xml"))
	assert.Contains(t, string(out), `Sport="Biking"`)

	back, err := DecodeTCX(out)
	require.NoError(t, err)
	assert.Equal(t, "ride", back.Sport)
	assert.Equal(t, track.StartTime, back.StartTime)
	assert.Equal(t, track.TotalDistance, back.TotalDistance)
	require.Len(t, back.Points, 3)
	assert.True(t, back.Points[0].HasPosition)
	assert.Equal(t, 120, back.Points[0].HeartRate)
	assert.False(t, back.Points[2].HasPosition)
}

func TestEncodeGPXDropsPositionlessPoints(t *testing.T) {
	out, err := EncodeGPX(sampleTrack())
	require.NoError(t, err)

	s := string(out)
	assert.Contains(t, s, `<trkpt lat="41.40338" lon="2.17403">`)
	assert.Contains(t, s, "<gpxtpx:hr>120</gpxtpx:hr>")
	assert.Equal(t, 2, strings.Count(s, "<trkpt "))
}

func TestEncodeGPXRefusesIndoorTrack(t *testing.T) {
	track := sampleTrack()
	for i := range track.Points {
		track.Points[i].HasPosition = false
	}

	_, err := EncodeGPX(track)
	assert.Error(t, err)
}

func TestConvertMatrix(t *testing.T) {
	assert.True(t, CanConvert(models.FormatFIT, models.FormatGPX))
	assert.True(t, CanConvert(models.FormatFIT, models.FormatTCX))
	assert.True(t, CanConvert(models.FormatTCX, models.FormatGPX))
	assert.True(t, CanConvert(models.FormatGPX, models.FormatGPX))

	assert.False(t, CanConvert(models.FormatGPX, models.FormatFIT))
	assert.False(t, CanConvert(models.FormatTCX, models.FormatFIT))
	assert.False(t, CanConvert(models.FormatGPX, models.FormatTCX))

	// Identity conversion is a pass-through.
	data := []byte("<gpx/>")
	out, err := Convert(data, models.FormatGPX, models.FormatGPX)
	require.NoError(t, err)
	assert.Equal(t, data, out)

	_, err = Convert(data, models.FormatGPX, models.FormatFIT)
	assert.Error(t, err)
}

func TestConvertTCXToGPX(t *testing.T) {
	tcxData, err := EncodeTCX(sampleTrack())
	require.NoError(t, err)

	gpxData, err := Convert(tcxData, models.FormatTCX, models.FormatGPX)
	require.NoError(t, err)
	assert.Contains(t, string(gpxData), "<trkpt ")
}
