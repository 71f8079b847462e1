package sync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitsync/fitsync/internal/cache"
	"github.com/fitsync/fitsync/internal/catalog"
	"github.com/fitsync/fitsync/internal/convert"
	"github.com/fitsync/fitsync/internal/fingerprint"
	"github.com/fitsync/fitsync/internal/models"
	"github.com/fitsync/fitsync/internal/platform"
	"github.com/fitsync/fitsync/internal/ratelimit"
	"github.com/fitsync/fitsync/internal/sport"
)

type uploadCall struct {
	name   string
	format models.FileFormat
	size   int
}

type fakeAdapter struct {
	name    string
	canEnum bool

	activities []platform.Activity
	fileData   []byte
	fileFormat models.FileFormat

	downloadErr error
	uploadErr   error
	uploadRes   platform.UploadResult
	supported   []models.FileFormat

	// listPages makes a listing report that many API calls, like a
	// paginating adapter would; uploadCost is advertised through Info.
	listPages  int
	uploadCost int
	apiCalls   int

	uploads   []uploadCall
	downloads int
}

func (f *fakeAdapter) Info() platform.Info {
	return platform.Info{
		Name:             f.name,
		CanEnumerate:     f.canEnum,
		CanDownload:      true,
		APICostPerUpload: f.uploadCost,
	}
}

func (f *fakeAdapter) TakeAPICalls() int {
	n := f.apiCalls
	f.apiCalls = 0
	return n
}

func (f *fakeAdapter) ListActivities(ctx context.Context, since, until time.Time) ([]platform.Activity, error) {
	if f.listPages > 0 {
		f.apiCalls += f.listPages
	}
	var out []platform.Activity
	for _, a := range f.activities {
		if !a.StartTime.Before(since) && a.StartTime.Before(until) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAdapter) Download(ctx context.Context, id string, format models.FileFormat) ([]byte, models.FileFormat, error) {
	f.downloads++
	if f.downloadErr != nil {
		return nil, "", f.downloadErr
	}
	return f.fileData, f.fileFormat, nil
}

func (f *fakeAdapter) Upload(ctx context.Context, name string, data []byte, format models.FileFormat) (platform.UploadResult, error) {
	f.uploads = append(f.uploads, uploadCall{name: name, format: format, size: len(data)})
	if f.uploadErr != nil {
		return platform.UploadResult{}, f.uploadErr
	}
	if f.uploadRes != (platform.UploadResult{}) {
		return f.uploadRes, nil
	}
	return platform.UploadResult{ActivityID: "dst-1"}, nil
}

func (f *fakeAdapter) SupportedUploadFormats() []models.FileFormat {
	if f.supported != nil {
		return f.supported
	}
	return []models.FileFormat{models.FormatFIT, models.FormatTCX, models.FormatGPX}
}

func (f *fakeAdapter) HealthCheck(ctx context.Context) error { return nil }

type harness struct {
	store    *catalog.Store
	executor *Executor
	src, dst *fakeAdapter
	dir      models.Direction
}

func rideAt(id string, start time.Time) platform.Activity {
	return platform.Activity{
		ID:        id,
		Name:      "Morning Ride",
		SportType: "Ride",
		StartTime: start,
		Distance:  25000,
		Duration:  3600,
	}
}

func tcxFixture(t *testing.T, start time.Time) []byte {
	t.Helper()
	data, err := convert.EncodeTCX(&convert.Track{
		Sport:     "ride",
		StartTime: start,
		TotalTime: 3600,
		Points: []convert.Point{
			{Time: start, HasPosition: true, Lat: 41.4, Lon: 2.17},
			{Time: start.Add(time.Hour), HasPosition: true, Lat: 41.5, Lon: 2.27},
		},
	})
	require.NoError(t, err)
	return data
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	dir := t.TempDir()

	store, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	governor, err := ratelimit.New(store)
	require.NoError(t, err)

	start := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Minute)
	src := &fakeAdapter{
		name:       "garmin",
		canEnum:    true,
		activities: []platform.Activity{rideAt("src-1", start)},
		fileData:   tcxFixture(t, start),
		fileFormat: models.FormatTCX,
	}
	// The fake source serves TCX, so the destination accepts the formats a
	// TCX original can become.
	dst := &fakeAdapter{
		name:      "strava",
		supported: []models.FileFormat{models.FormatTCX, models.FormatGPX},
	}

	registry := platform.NewRegistry()
	registry.Register(src)
	registry.Register(dst)

	fileCache := cache.New(filepath.Join(dir, "activity_cache"), store)

	return &harness{
		store:    store,
		executor: New(store, fileCache, registry, governor, sport.DefaultTable(), opts),
		src:      src,
		dst:      dst,
		dir:      models.Direction{Source: "garmin", Destination: "strava"},
	}
}

func TestRunSyncsNewActivityAndIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})

	summary, err := h.executor.Run(context.Background(), []models.Direction{h.dir})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Synced)
	assert.Zero(t, summary.Failed)
	require.Len(t, h.dst.uploads, 1)
	// Richest common format wins.
	assert.Equal(t, models.FormatTCX, h.dst.uploads[0].format)

	// The destination id is remembered.
	fps, err := h.store.ListPending(h.dir, 0)
	require.NoError(t, err)
	assert.Empty(t, fps)

	// A second run re-lists but uploads nothing.
	summary, err = h.executor.Run(context.Background(), []models.Direction{h.dir})
	require.NoError(t, err)
	assert.Zero(t, summary.Synced)
	assert.Len(t, h.dst.uploads, 1)
}

func TestRunSkipsManualActivities(t *testing.T) {
	h := newHarness(t, Options{})
	h.src.activities[0].Manual = true

	summary, err := h.executor.Run(context.Background(), []models.Direction{h.dir})
	require.NoError(t, err)
	assert.Zero(t, summary.Synced)
	assert.Empty(t, h.dst.uploads)

	// The skip is recorded, not silently dropped.
	counts, err := h.store.StatusCounts(h.dir)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.StateSkipped])
}

func TestRunMarksServerSideDuplicate(t *testing.T) {
	h := newHarness(t, Options{})
	h.dst.uploadRes = platform.UploadResult{Duplicate: true, DuplicateOf: "dup-9"}

	summary, err := h.executor.Run(context.Background(), []models.Direction{h.dir})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Duplicates)

	// The duplicate's id was captured as this activity's mapping.
	pending, err := h.store.ListPending(h.dir, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRunSkipsWhenNoOriginalFile(t *testing.T) {
	h := newHarness(t, Options{})
	h.src.downloadErr = platform.ErrNoOriginalFile

	summary, err := h.executor.Run(context.Background(), []models.Direction{h.dir})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Empty(t, h.dst.uploads)

	counts, err := h.store.StatusCounts(h.dir)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.StateSkipped])
}

func TestRunRetriesTransientUploadFailures(t *testing.T) {
	h := newHarness(t, Options{MaxRetries: 3})
	h.dst.uploadErr = &platform.TransportError{Op: "upload", Err: context.DeadlineExceeded}

	// First two runs leave the activity pending.
	for i := 0; i < 2; i++ {
		summary, err := h.executor.Run(context.Background(), []models.Direction{h.dir})
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Pending, "run %d", i)
	}

	// Third failure exhausts the retry budget.
	summary, err := h.executor.Run(context.Background(), []models.Direction{h.dir})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	counts, err := h.store.StatusCounts(h.dir)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.StateFailed])
}

func TestRunAbortsOnUnauthorized(t *testing.T) {
	h := newHarness(t, Options{})
	h.dst.uploadErr = platform.ErrUnauthorized

	_, err := h.executor.Run(context.Background(), []models.Direction{h.dir})
	require.Error(t, err)
	assert.ErrorIs(t, err, platform.ErrUnauthorized)
}

func TestRunStopsWhenBudgetExhausted(t *testing.T) {
	h := newHarness(t, Options{})
	// Drain the whole strava window so the upload reservation fails.
	require.NoError(t, h.store.EnsureAPILimits("strava", 1000, 1000))
	require.NoError(t, h.store.SetAPILimits("strava", 0, 0))

	_, err := h.executor.Run(context.Background(), []models.Direction{h.dir})
	assert.ErrorIs(t, err, ErrBudgetExhausted)

	// The aborted batch was not processed, so the cursor must not move and
	// the next run re-lists the window.
	cursor, err := h.store.Cursor("garmin")
	require.NoError(t, err)
	assert.True(t, cursor.IsZero(), "cursor %s", cursor)
}

func TestRunDoesNotRetryRejectedActivity(t *testing.T) {
	h := newHarness(t, Options{})
	h.dst.uploadErr = errors.New("activity rejected: bad file")

	summary, err := h.executor.Run(context.Background(), []models.Direction{h.dir})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, h.dst.uploads, 1)

	// Re-enumeration on the next run sees the same activity again; the
	// failed verdict stands and no second upload is attempted.
	summary, err = h.executor.Run(context.Background(), []models.Direction{h.dir})
	require.NoError(t, err)
	assert.Zero(t, summary.Failed)
	assert.Len(t, h.dst.uploads, 1)

	counts, err := h.store.StatusCounts(h.dir)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.StateFailed])
}

func TestRunMarksExistingMappingSynced(t *testing.T) {
	h := newHarness(t, Options{})

	// The destination already holds this exact activity from an earlier run
	// in the opposite direction.
	rec := models.ActivityRecord{
		Name:      "Morning Ride",
		SportType: "ride",
		StartTime: h.src.activities[0].StartTime,
		Distance:  25000,
		Duration:  3600,
	}
	rec.Fingerprint = fingerprint.Compute(sport.DefaultTable(), rec)
	require.NoError(t, h.store.UpsertActivity(rec))
	require.NoError(t, h.store.RecordMapping(rec.Fingerprint, "strava", "existing-1"))

	summary, err := h.executor.Run(context.Background(), []models.Direction{h.dir})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Synced)
	assert.Zero(t, summary.Duplicates)
	assert.Empty(t, h.dst.uploads)

	row, ok, err := h.store.GetStatus(rec.Fingerprint, h.dir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.StateSynced, row.State)
}

func TestRunFailsWhenActivityVanishes(t *testing.T) {
	h := newHarness(t, Options{})
	h.src.downloadErr = platform.ErrNotFound

	summary, err := h.executor.Run(context.Background(), []models.Direction{h.dir})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Empty(t, h.dst.uploads)

	counts, err := h.store.StatusCounts(h.dir)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.StateFailed])
}

func TestRunDebitsEachAPICall(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.store.EnsureAPILimits("garmin", 50, 50))
	h.src.listPages = 3
	h.dst.uploadCost = 2

	summary, err := h.executor.Run(context.Background(), []models.Direction{h.dir})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Synced)

	// One reservation for the listing, two more pages, one download.
	counters, ok, err := h.store.GetAPICounters("garmin")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4, counters.DayCount)

	// The destination charged its advertised upload cost.
	counters, ok, err = h.store.GetAPICounters("strava")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, counters.DayCount)
}

func TestRunHonorsDestinationFormatPreference(t *testing.T) {
	h := newHarness(t, Options{
		FormatPreference: map[string]models.FileFormat{"strava": models.FormatGPX},
	})

	summary, err := h.executor.Run(context.Background(), []models.Direction{h.dir})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Synced)
	require.Len(t, h.dst.uploads, 1)
	assert.Equal(t, models.FormatGPX, h.dst.uploads[0].format)
}

func TestRunReusesMatchedActivityMapping(t *testing.T) {
	h := newHarness(t, Options{})
	start := h.src.activities[0].StartTime

	// A near-identical record (slightly different metadata, so a different
	// fingerprint) already lives on the destination.
	other := models.ActivityRecord{
		Fingerprint: "otherfp",
		Name:        "Morning Ride",
		SportType:   "ride",
		StartTime:   start.Add(time.Minute),
		Distance:    25020,
		Duration:    3590,
	}
	require.NoError(t, h.store.UpsertActivity(other))
	require.NoError(t, h.store.RecordMapping("otherfp", "strava", "existing-7"))

	summary, err := h.executor.Run(context.Background(), []models.Direction{h.dir})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Duplicates)
	assert.Empty(t, h.dst.uploads)
}

func TestRunSkipsDisabledDirection(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.store.SetDirectionRule(h.dir, false))

	summary, err := h.executor.Run(context.Background(), []models.Direction{h.dir})
	require.NoError(t, err)
	assert.Zero(t, summary.Synced)
	assert.Empty(t, h.dst.uploads)
}

func TestRunAdvancesCursor(t *testing.T) {
	h := newHarness(t, Options{})

	_, err := h.executor.Run(context.Background(), []models.Direction{h.dir})
	require.NoError(t, err)

	cursor, err := h.store.Cursor("garmin")
	require.NoError(t, err)
	assert.True(t, cursor.Equal(h.src.activities[0].StartTime), "cursor %s", cursor)
}
