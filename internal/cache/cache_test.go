package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitsync/fitsync/internal/catalog"
	"github.com/fitsync/fitsync/internal/convert"
	"github.com/fitsync/fitsync/internal/models"
)

type fakeSource struct {
	data    []byte
	format  models.FileFormat
	err     error
	fetches int
}

func (f *fakeSource) Fetch(ctx context.Context, fingerprint string) ([]byte, models.FileFormat, error) {
	f.fetches++
	return f.data, f.format, f.err
}

func newTestCache(t *testing.T) (*Cache, *catalog.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	// file_cache rows reference activity_records; seed the fingerprints
	// the tests cache files for, as the executor does in production.
	for _, fp := range []string{"fp1", "fp-old"} {
		require.NoError(t, store.UpsertActivity(models.ActivityRecord{
			Fingerprint: fp,
			Name:        "Test Ride",
			SportType:   "ride",
			StartTime:   time.Date(2024, 6, 1, 7, 0, 0, 0, time.UTC),
			Distance:    1000,
			Duration:    60,
		}))
	}
	return New(filepath.Join(dir, "activity_cache"), store), store
}

func tcxFixture(t *testing.T) []byte {
	t.Helper()
	alt := 10.0
	start := time.Date(2024, 6, 1, 7, 0, 0, 0, time.UTC)
	data, err := convert.EncodeTCX(&convert.Track{
		Sport:     "ride",
		StartTime: start,
		TotalTime: 60,
		Points: []convert.Point{
			{Time: start, HasPosition: true, Lat: 41.4, Lon: 2.17, Altitude: &alt},
			{Time: start.Add(time.Minute), HasPosition: true, Lat: 41.41, Lon: 2.18},
		},
	})
	require.NoError(t, err)
	return data
}

func TestEnsureFileDownloadsOnceAndHitsAfter(t *testing.T) {
	c, _ := newTestCache(t)
	src := &fakeSource{data: tcxFixture(t), format: models.FormatTCX}

	path, err := c.EnsureFile(context.Background(), "fp1", models.FormatTCX, src)
	require.NoError(t, err)
	assert.Equal(t, c.Path("fp1", models.FormatTCX), path)
	assert.Equal(t, 1, src.fetches)

	// Second request is served from disk.
	path2, err := c.EnsureFile(context.Background(), "fp1", models.FormatTCX, src)
	require.NoError(t, err)
	assert.Equal(t, path, path2)
	assert.Equal(t, 1, src.fetches)
}

func TestEnsureFileTranscodesInsteadOfRedownloading(t *testing.T) {
	c, _ := newTestCache(t)
	src := &fakeSource{data: tcxFixture(t), format: models.FormatTCX}

	_, err := c.EnsureFile(context.Background(), "fp1", models.FormatTCX, src)
	require.NoError(t, err)

	// GPX can be derived from the cached TCX without touching the source.
	gpxPath, err := c.EnsureFile(context.Background(), "fp1", models.FormatGPX, src)
	require.NoError(t, err)
	assert.Equal(t, 1, src.fetches)

	data, err := os.ReadFile(gpxPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<trkpt ")
}

func TestEnsureFileConvertsNativeFormatOnArrival(t *testing.T) {
	c, store := newTestCache(t)
	src := &fakeSource{data: tcxFixture(t), format: models.FormatTCX}

	// Destination wants gpx; the platform serves tcx. Both end up cached.
	path, err := c.EnsureFile(context.Background(), "fp1", models.FormatGPX, src)
	require.NoError(t, err)
	assert.Equal(t, c.Path("fp1", models.FormatGPX), path)

	formats, err := store.CacheFormats("fp1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.FileFormat{models.FormatTCX, models.FormatGPX}, formats)
}

func TestEnsureFileHealsDanglingIndexRow(t *testing.T) {
	c, _ := newTestCache(t)
	src := &fakeSource{data: tcxFixture(t), format: models.FormatTCX}

	path, err := c.EnsureFile(context.Background(), "fp1", models.FormatTCX, src)
	require.NoError(t, err)

	// Someone deleted the file behind our back; the next request refills.
	require.NoError(t, os.Remove(path))
	_, err = c.EnsureFile(context.Background(), "fp1", models.FormatTCX, src)
	require.NoError(t, err)
	assert.Equal(t, 2, src.fetches)
}

func TestSweepRemovesExpiredAndOrphans(t *testing.T) {
	c, store := newTestCache(t)
	src := &fakeSource{data: tcxFixture(t), format: models.FormatTCX}

	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }

	_, err := c.EnsureFile(context.Background(), "fp-old", models.FormatTCX, src)
	require.NoError(t, err)

	// An orphan file no index row claims.
	orphan := filepath.Join(c.dir, "deadbeef.fit")
	require.NoError(t, os.WriteFile(orphan, []byte("stale"), 0600))

	// Catalog rows were stamped with real wall time; move the sweep clock
	// far enough ahead that the entry ages out.
	clock = time.Now().UTC().Add(31 * 24 * time.Hour)

	res, err := c.Sweep(30 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 1, res.Orphans)

	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))

	formats, err := store.CacheFormats("fp-old")
	require.NoError(t, err)
	assert.Empty(t, formats)
}
