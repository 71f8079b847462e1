package catalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitsync/fitsync/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(fp string, start time.Time) models.ActivityRecord {
	return models.ActivityRecord{
		Fingerprint: fp,
		Name:        "Morning Ride",
		SportType:   "ride",
		StartTime:   start,
		Distance:    25000,
		Duration:    3600,
	}
}

func TestUpsertActivityIdempotent(t *testing.T) {
	s := openTestStore(t)

	clock := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	rec := testRecord("abc123", time.Date(2024, 5, 30, 7, 0, 0, 0, time.UTC))
	require.NoError(t, s.UpsertActivity(rec))

	got, ok, err := s.GetActivity("abc123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.Name, got.Name)
	assert.Equal(t, rec.StartTime, got.StartTime)
	firstUpdated := got.UpdatedAt

	// Identical upsert later must not touch the row.
	clock = clock.Add(time.Hour)
	require.NoError(t, s.UpsertActivity(rec))

	got, _, err = s.GetActivity("abc123")
	require.NoError(t, err)
	assert.Equal(t, firstUpdated, got.UpdatedAt)

	// A real change does.
	rec.Name = "Evening Ride"
	require.NoError(t, s.UpsertActivity(rec))

	got, _, err = s.GetActivity("abc123")
	require.NoError(t, err)
	assert.Equal(t, "Evening Ride", got.Name)
	assert.True(t, got.UpdatedAt.After(firstUpdated))
}

func TestMappingsRoundTrip(t *testing.T) {
	s := openTestStore(t)

	rec := testRecord("fp1", time.Date(2024, 5, 30, 7, 0, 0, 0, time.UTC))
	require.NoError(t, s.UpsertActivity(rec))

	require.NoError(t, s.RecordMapping("fp1", "strava", "11111"))
	require.NoError(t, s.RecordMapping("fp1", "garmin", "22222"))

	id, ok, err := s.GetMapping("fp1", "strava")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "11111", id)

	fp, ok, err := s.FingerprintByPlatformID("garmin", "22222")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fp1", fp)

	// Re-recording overwrites.
	require.NoError(t, s.RecordMapping("fp1", "strava", "33333"))
	id, _, err = s.GetMapping("fp1", "strava")
	require.NoError(t, err)
	assert.Equal(t, "33333", id)

	ms, err := s.MappedPlatforms("fp1")
	require.NoError(t, err)
	assert.Len(t, ms, 2)

	_, ok, err = s.GetMapping("fp1", "igpsport")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStatusNeverRegressesFromTerminalStates(t *testing.T) {
	s := openTestStore(t)
	dir := models.Direction{Source: "strava", Destination: "garmin"}

	// Re-enumeration writing pending again must be ignored for every settled
	// verdict, or rejected activities would be retried forever.
	terminal := []struct {
		fp     string
		state  models.SyncState
		reason string
	}{
		{"fp1", models.StateSynced, ""},
		{"fp2", models.StateDuplicate, ""},
		{"fp3", models.StateSkipped, models.ReasonNoSourceFile},
		{"fp4", models.StateFailed, models.ReasonValidation},
	}
	for _, tc := range terminal {
		require.NoError(t, s.UpsertActivity(testRecord(tc.fp, time.Now())))
		require.NoError(t, s.SetStatus(tc.fp, dir, tc.state, tc.reason))
		require.NoError(t, s.SetStatus(tc.fp, dir, models.StatePending, ""))

		row, ok, err := s.GetStatus(tc.fp, dir)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, tc.state, row.State, "%s reopened", tc.state)
		assert.Equal(t, tc.reason, row.Reason)
	}

	// Non-pending writes still move the state.
	require.NoError(t, s.SetStatus("fp4", dir, models.StateSynced, ""))
	row, _, err := s.GetStatus("fp4", dir)
	require.NoError(t, err)
	assert.Equal(t, models.StateSynced, row.State)
}

func TestListPendingOrderedAndLimited(t *testing.T) {
	s := openTestStore(t)
	dir := models.Direction{Source: "garmin", Destination: "strava"}

	base := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	for i, fp := range []string{"c", "a", "b"} {
		rec := testRecord(fp, base.Add(time.Duration(len(fp)+i)*time.Hour))
		require.NoError(t, s.UpsertActivity(rec))
		require.NoError(t, s.SetStatus(fp, dir, models.StatePending, ""))
	}
	require.NoError(t, s.SetStatus("b", dir, models.StateSynced, ""))

	pending, err := s.ListPending(dir, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.True(t, !pending[1].StartTime.Before(pending[0].StartTime))

	pending, err = s.ListPending(dir, 1)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestIncrementRetry(t *testing.T) {
	s := openTestStore(t)
	dir := models.Direction{Source: "strava", Destination: "garmin"}

	require.NoError(t, s.UpsertActivity(testRecord("fp1", time.Now())))
	require.NoError(t, s.SetStatus("fp1", dir, models.StateFailed, models.ReasonTransport))

	n, err := s.IncrementRetry("fp1", dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.IncrementRetry("fp1", dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.IncrementRetry("missing", dir)
	assert.Error(t, err)
}

func TestReserveAPIBudget(t *testing.T) {
	s := openTestStore(t)

	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	require.NoError(t, s.EnsureAPILimits("strava", 10, 3))

	for i := 0; i < 3; i++ {
		res, err := s.ReserveAPI("strava", 1)
		require.NoError(t, err)
		assert.True(t, res.Granted, "call %d should fit the window", i)
	}

	// Quarter-hour window exhausted.
	res, err := s.ReserveAPI("strava", 1)
	require.NoError(t, err)
	assert.False(t, res.Granted)
	assert.Equal(t, quarterWindow, res.RetryAfter)

	// Window decays lazily after its reset passes.
	clock = clock.Add(16 * time.Minute)
	res, err = s.ReserveAPI("strava", 1)
	require.NoError(t, err)
	assert.True(t, res.Granted)

	// Spend the rest of the daily budget across windows.
	for spent := 5; spent <= 10; spent++ {
		clock = clock.Add(16 * time.Minute)
		res, err = s.ReserveAPI("strava", 1)
		require.NoError(t, err)
		if spent <= 10 {
			assert.True(t, res.Granted)
		}
	}

	clock = clock.Add(16 * time.Minute)
	res, err = s.ReserveAPI("strava", 1)
	require.NoError(t, err)
	assert.False(t, res.Granted)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	// Unknown platforms are uncapped.
	res, err = s.ReserveAPI("igpsport", 1)
	require.NoError(t, err)
	assert.True(t, res.Granted)
}

func TestEnsureAPILimitsKeepsSpentBudget(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.EnsureAPILimits("strava", 10, 5))
	res, err := s.ReserveAPI("strava", 4)
	require.NoError(t, err)
	require.True(t, res.Granted)

	// A restart re-seeding limits must not zero the counters.
	require.NoError(t, s.EnsureAPILimits("strava", 10, 5))

	c, ok, err := s.GetAPICounters("strava")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4, c.WindowCount)
	assert.Equal(t, 4, c.DayCount)
}

func TestCursorAndDirectionRules(t *testing.T) {
	s := openTestStore(t)

	cur, err := s.Cursor("strava")
	require.NoError(t, err)
	assert.True(t, cur.IsZero())

	want := time.Date(2024, 6, 1, 10, 30, 0, 0, time.UTC)
	require.NoError(t, s.SetCursor("strava", want))
	cur, err = s.Cursor("strava")
	require.NoError(t, err)
	assert.Equal(t, want, cur)

	dir := models.Direction{Source: "strava", Destination: "garmin"}
	on, err := s.DirectionEnabled(dir)
	require.NoError(t, err)
	assert.True(t, on, "directions default to enabled")

	require.NoError(t, s.SetDirectionRule(dir, false))
	on, err = s.DirectionEnabled(dir)
	require.NoError(t, err)
	assert.False(t, on)
}

func TestCacheIndex(t *testing.T) {
	s := openTestStore(t)

	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	require.NoError(t, s.UpsertActivity(testRecord("fp1", clock)))
	require.NoError(t, s.RecordCache(models.CacheEntry{
		Fingerprint: "fp1", Format: models.FormatFIT, Path: "/tmp/fp1.fit", Size: 1024,
	}))

	clock = clock.Add(40 * 24 * time.Hour)
	require.NoError(t, s.RecordCache(models.CacheEntry{
		Fingerprint: "fp1", Format: models.FormatGPX, Path: "/tmp/fp1.gpx", Size: 2048,
	}))

	formats, err := s.CacheFormats("fp1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.FileFormat{models.FormatFIT, models.FormatGPX}, formats)

	expired, err := s.ExpiredCache(clock.Add(-30 * 24 * time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, models.FormatFIT, expired[0].Format)

	require.NoError(t, s.DeleteCache("fp1", models.FormatFIT))
	_, ok, err := s.GetCache("fp1", models.FormatFIT)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMigrateLegacyJSON(t *testing.T) {
	s := openTestStore(t)
	dir := t.TempDir()

	cached := filepath.Join(dir, "fp1.fit")
	require.NoError(t, os.WriteFile(cached, []byte("fitdata"), 0600))

	state := map[string]any{
		"sync_records": map[string]any{
			"fp1": map[string]any{
				"metadata": map[string]any{
					"name":       "Old Ride",
					"sport_type": "ride",
					"start_time": "2024-04-01T07:00:00",
					"distance":   12000.0,
					"duration":   2400.0,
				},
				"platforms":   map[string]any{"strava": 123456, "garmin": "abc"},
				"files":       map[string]string{"fit": cached},
				"sync_status": map[string]string{"strava_to_garmin": "synced"},
			},
		},
		"sync_config": map[string]any{
			"last_sync":  map[string]string{"strava": "2024-04-02T00:00:00"},
			"sync_rules": map[string]bool{"garmin_to_strava": false},
		},
	}
	data, err := json.Marshal(state)
	require.NoError(t, err)

	legacyPath := filepath.Join(dir, "sync_database.json")
	require.NoError(t, os.WriteFile(legacyPath, data, 0600))

	n, err := s.MigrateLegacyJSON(legacyPath)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, ok, err := s.GetActivity("fp1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Old Ride", rec.Name)
	assert.Equal(t, time.Date(2024, 4, 1, 7, 0, 0, 0, time.UTC), rec.StartTime)

	// Numeric platform ids arrive as strings.
	id, ok, err := s.GetMapping("fp1", "strava")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "123456", id)

	row, ok, err := s.GetStatus("fp1", models.Direction{Source: "strava", Destination: "garmin"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.StateSynced, row.State)

	cur, err := s.Cursor("strava")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC), cur)

	on, err := s.DirectionEnabled(models.Direction{Source: "garmin", Destination: "strava"})
	require.NoError(t, err)
	assert.False(t, on)

	// The JSON is archived and a second migration is a no-op.
	_, err = os.Stat(legacyPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(legacyPath + ".migrated")
	assert.NoError(t, err)

	n, err = s.MigrateLegacyJSON(legacyPath)
	require.NoError(t, err)
	assert.Zero(t, n)
}
