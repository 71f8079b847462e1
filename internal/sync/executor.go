// Package sync drives a synchronization run: enumerate the source, identify
// each activity by fingerprint, decide what the destination needs, and move
// the files. All decisions are recorded in the catalog before any network
// write, so an interrupted run resumes instead of repeating itself.
package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fitsync/fitsync/internal/cache"
	"github.com/fitsync/fitsync/internal/catalog"
	"github.com/fitsync/fitsync/internal/fingerprint"
	"github.com/fitsync/fitsync/internal/logging"
	"github.com/fitsync/fitsync/internal/match"
	"github.com/fitsync/fitsync/internal/models"
	"github.com/fitsync/fitsync/internal/platform"
	"github.com/fitsync/fitsync/internal/ratelimit"
	"github.com/fitsync/fitsync/internal/sport"
)

// Per-operation deadlines. Listings are cheap, uploads are not.
const (
	listTimeout     = 30 * time.Second
	downloadTimeout = 120 * time.Second
	uploadTimeout   = 180 * time.Second

	// How far back the very first run of a platform looks.
	initialWindow = 30 * 24 * time.Hour
	// Overlap on later runs, so activities uploaded late to the platform
	// (devices syncing hours after the ride) still get picked up.
	cursorOverlap = time.Hour
	// Candidate window when hunting duplicates around a start time.
	matchWindow = time.Hour
)

// ErrBudgetExhausted stops the run when an API budget is spent; the CLI maps
// it to its own exit code so schedulers can tell it apart from failures.
var ErrBudgetExhausted = errors.New("api budget exhausted")

// Options tune a run.
type Options struct {
	BatchSize  int
	MaxRetries int

	// Migration lifts the enumeration window to the full account history,
	// for the one-time import of an old account.
	Migration bool

	// FormatPreference overrides the transfer format per destination.
	FormatPreference map[string]models.FileFormat
}

// Summary tallies one run.
type Summary struct {
	Synced     int
	Duplicates int
	Skipped    int
	Failed     int
	Pending    int
}

func (s Summary) String() string {
	return fmt.Sprintf("%d synced, %d duplicates, %d skipped, %d failed, %d pending",
		s.Synced, s.Duplicates, s.Skipped, s.Failed, s.Pending)
}

func (s *Summary) add(o Summary) {
	s.Synced += o.Synced
	s.Duplicates += o.Duplicates
	s.Skipped += o.Skipped
	s.Failed += o.Failed
	s.Pending += o.Pending
}

// Executor runs sync directions.
type Executor struct {
	store    *catalog.Store
	cache    *cache.Cache
	registry *platform.Registry
	governor *ratelimit.Governor
	sports   *sport.Table
	matcher  *match.Matcher
	opts     Options

	now func() time.Time
}

func New(store *catalog.Store, fileCache *cache.Cache, registry *platform.Registry,
	governor *ratelimit.Governor, sports *sport.Table, opts Options) *Executor {

	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	return &Executor{
		store:    store,
		cache:    fileCache,
		registry: registry,
		governor: governor,
		sports:   sports,
		matcher:  match.New(sports, loadThresholds(store)),
		opts:     opts,
		now:      time.Now,
	}
}

// loadThresholds overlays matcher tunables stored in sync_config onto the
// stock tuning. Unset or unreadable keys keep their defaults.
func loadThresholds(store *catalog.Store) match.Thresholds {
	th := match.DefaultThresholds()
	if v, err := store.GetConfigFloat("matcher.match_score", th.MatchScore); err == nil {
		th.MatchScore = v
	}
	if v, err := store.GetConfigFloat("matcher.ambiguous_score", th.AmbiguousScore); err == nil {
		th.AmbiguousScore = v
	}
	if v, err := store.GetConfigFloat("matcher.time_tolerance_s", th.TimeTolerance.Seconds()); err == nil {
		th.TimeTolerance = time.Duration(v * float64(time.Second))
	}
	if v, err := store.GetConfigFloat("matcher.distance_tolerance_pc", th.DistanceTolerancePc); err == nil {
		th.DistanceTolerancePc = v
	}
	if v, err := store.GetConfigFloat("matcher.distance_tolerance_m", th.DistanceToleranceM); err == nil {
		th.DistanceToleranceM = v
	}
	if v, err := store.GetConfigFloat("matcher.duration_tolerance_pc", th.DurationTolerancePc); err == nil {
		th.DurationTolerancePc = v
	}
	if v, err := store.GetConfigFloat("matcher.duration_tolerance_s", th.DurationToleranceS); err == nil {
		th.DurationToleranceS = v
	}
	return th
}

// Run executes each enabled direction in order. A budget stop or a context
// cancellation ends the whole run; any other per-direction failure is
// reported and the remaining directions still run.
func (e *Executor) Run(ctx context.Context, directions []models.Direction) (Summary, error) {
	var total Summary
	var firstErr error

	for _, dir := range directions {
		enabled, err := e.store.DirectionEnabled(dir)
		if err != nil {
			return total, err
		}
		if !enabled {
			logging.Logf("direction %s disabled, skipping", dir)
			continue
		}

		summary, err := e.runDirection(ctx, dir)
		total.add(summary)
		if err != nil {
			if errors.Is(err, ErrBudgetExhausted) || errors.Is(err, context.Canceled) {
				return total, err
			}
			logging.Logf("direction %s failed: %v", dir, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("direction %s: %w", dir, err)
			}
		}
	}
	return total, firstErr
}

func (e *Executor) runDirection(ctx context.Context, dir models.Direction) (Summary, error) {
	var summary Summary

	src, err := e.registry.Get(dir.Source)
	if err != nil {
		return summary, err
	}
	dst, err := e.registry.Get(dir.Destination)
	if err != nil {
		return summary, err
	}

	logging.Logf("direction %s starting", dir)

	var cursor time.Time
	if src.Info().CanEnumerate {
		cursor, err = e.enumerate(ctx, dir, src)
		if err != nil {
			return summary, err
		}
	}

	pending, err := e.store.ListPending(dir, e.opts.BatchSize)
	if err != nil {
		return summary, err
	}

	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		state, err := e.processActivity(ctx, dir, src, dst, rec)
		if err != nil {
			return summary, err
		}
		switch state {
		case models.StateSynced:
			summary.Synced++
		case models.StateDuplicate:
			summary.Duplicates++
		case models.StateSkipped:
			summary.Skipped++
		case models.StateFailed:
			summary.Failed++
		case models.StatePending:
			summary.Pending++
		}
	}

	// The cursor moves only after the whole batch was worked through.
	// Activities that stayed pending keep their catalog rows, so advancing
	// past them loses nothing; an interrupted run re-lists instead.
	if src.Info().CanEnumerate {
		if err := e.store.SetCursor(dir.Source, cursor); err != nil {
			return summary, err
		}
	}

	counts, err := e.store.StatusCounts(dir)
	if err != nil {
		return summary, err
	}
	summary.Pending = counts[models.StatePending]

	logging.Logf("direction %s done: %s", dir, summary)
	return summary, nil
}

// enumerate lists the source window and registers every activity in the
// catalog. It returns the cursor the caller should persist once the batch is
// processed; writing it here would let a crash skip unprocessed work.
func (e *Executor) enumerate(ctx context.Context, dir models.Direction, src platform.Adapter) (time.Time, error) {
	now := e.now().UTC()

	since, err := e.windowStart(dir.Source, now)
	if err != nil {
		return time.Time{}, err
	}

	if err := e.reserveN(dir.Source, opCost(src.Info().APICostPerList)); err != nil {
		return time.Time{}, err
	}

	listCtx, cancel := context.WithTimeout(ctx, listTimeout)
	activities, err := src.ListActivities(listCtx, since, now)
	cancel()
	if err != nil {
		return time.Time{}, e.classifyDirectionError("list", dir.Source, err)
	}
	if err := e.debitExtraCalls(dir.Source, src); err != nil {
		return time.Time{}, err
	}

	cursor := time.Time{}
	for _, act := range activities {
		rec := models.ActivityRecord{
			Name:      act.Name,
			SportType: e.sports.Normalize(act.SportType),
			StartTime: act.StartTime.UTC(),
			Distance:  act.Distance,
			Duration:  act.Duration,
		}
		if act.ElevationGain != nil {
			gain := *act.ElevationGain
			rec.ElevationGain = &gain
		}
		rec.Fingerprint = fingerprint.Compute(e.sports, rec)

		if err := e.store.UpsertActivity(rec); err != nil {
			return time.Time{}, err
		}
		if err := e.store.RecordMapping(rec.Fingerprint, dir.Source, act.ID); err != nil {
			return time.Time{}, err
		}

		if act.Manual {
			// Nothing to transfer; record the decision once and move on.
			if err := e.store.SetStatus(rec.Fingerprint, dir, models.StateSkipped, models.ReasonNoSourceFile); err != nil {
				return time.Time{}, err
			}
		} else if err := e.store.SetStatus(rec.Fingerprint, dir, models.StatePending, ""); err != nil {
			return time.Time{}, err
		}

		if rec.StartTime.After(cursor) {
			cursor = rec.StartTime
		}
	}

	// A clean empty window still advances, otherwise an idle month would be
	// re-listed forever.
	if cursor.IsZero() {
		cursor = now
	}
	return cursor, nil
}

func (e *Executor) windowStart(source string, now time.Time) (time.Time, error) {
	if e.opts.Migration {
		return time.Time{}, nil
	}
	cursor, err := e.store.Cursor(source)
	if err != nil {
		return time.Time{}, err
	}
	if cursor.IsZero() {
		return now.Add(-initialWindow), nil
	}
	return cursor.Add(-cursorOverlap), nil
}

// processActivity takes one pending activity through decide and transfer,
// returning the terminal state it reached (or pending when it stays queued
// for a retry).
func (e *Executor) processActivity(ctx context.Context, dir models.Direction,
	src, dst platform.Adapter, rec models.ActivityRecord) (models.SyncState, error) {

	// Already on the destination under this fingerprint; nothing to move,
	// the direction is complete for this activity.
	if _, ok, err := e.store.GetMapping(rec.Fingerprint, dir.Destination); err != nil {
		return "", err
	} else if ok {
		return e.finish(rec.Fingerprint, dir, models.StateSynced, "")
	}

	// A near-identical activity (other fingerprint) may already live there:
	// platforms round distances differently, so the fingerprints diverge
	// while the matcher still recognizes the pair.
	candidates, err := e.store.SimilarActivities(rec.StartTime, matchWindow)
	if err != nil {
		return "", err
	}
	if best, result, found := e.matcher.BestMatch(rec, candidates); found {
		if id, ok, err := e.store.GetMapping(best.Fingerprint, dir.Destination); err != nil {
			return "", err
		} else if ok {
			logging.Logf("%s matches %s (score %.2f), already on %s as %s",
				rec.Fingerprint, best.Fingerprint, result.Score, dir.Destination, id)
			if err := e.store.RecordMapping(rec.Fingerprint, dir.Destination, id); err != nil {
				return "", err
			}
			return e.finish(rec.Fingerprint, dir, models.StateDuplicate, "")
		}
	}

	format := e.transferFormat(dst)
	if format == "" {
		return e.finish(rec.Fingerprint, dir, models.StateSkipped, models.ReasonValidation)
	}

	fetcher := &governedSource{executor: e, platform: dir.Source, adapter: src, format: format}
	path, err := e.cache.EnsureFile(ctx, rec.Fingerprint, format, fetcher)
	if err != nil {
		return e.handleTransferError(dir, rec, "download", err)
	}

	data, err := readFile(path)
	if err != nil {
		return "", err
	}

	if err := e.reserveN(dir.Destination, opCost(dst.Info().APICostPerUpload)); err != nil {
		return "", err
	}
	uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
	result, err := dst.Upload(uploadCtx, rec.Name, data, format)
	cancel()
	if derr := e.debitExtraCalls(dir.Destination, dst); derr != nil {
		return "", derr
	}
	if err != nil {
		return e.handleTransferError(dir, rec, "upload", err)
	}

	if result.Duplicate {
		if result.DuplicateOf != "" {
			if err := e.store.RecordMapping(rec.Fingerprint, dir.Destination, result.DuplicateOf); err != nil {
				return "", err
			}
		}
		logging.Logf("%s already on %s (server-side duplicate)", rec.Fingerprint, dir.Destination)
		return e.finish(rec.Fingerprint, dir, models.StateDuplicate, "")
	}

	if result.ActivityID != "" {
		if err := e.store.RecordMapping(rec.Fingerprint, dir.Destination, result.ActivityID); err != nil {
			return "", err
		}
	}
	logging.Logf("%s synced to %s as %s", rec.Fingerprint, dir.Destination, result.ActivityID)
	return e.finish(rec.Fingerprint, dir, models.StateSynced, "")
}

// transferFormat picks the richest format the destination accepts, unless an
// explicit preference overrides it.
func (e *Executor) transferFormat(dst platform.Adapter) models.FileFormat {
	supported := dst.SupportedUploadFormats()

	if override, ok := e.opts.FormatPreference[dst.Info().Name]; ok {
		for _, f := range supported {
			if f == override {
				return override
			}
		}
	}
	for _, preferred := range models.FormatPreference {
		for _, f := range supported {
			if f == preferred {
				return preferred
			}
		}
	}
	return ""
}

// handleTransferError applies the failure policy: permanent conditions are
// recorded and the run moves on, credentials and budget problems stop the
// direction or the run, transient errors stay pending until the retry
// budget is spent.
func (e *Executor) handleTransferError(dir models.Direction, rec models.ActivityRecord,
	op string, err error) (models.SyncState, error) {

	switch {
	case errors.Is(err, platform.ErrNoOriginalFile):
		logging.Logf("%s has no source file, skipping", rec.Fingerprint)
		return e.finish(rec.Fingerprint, dir, models.StateSkipped, models.ReasonNoSourceFile)

	case errors.Is(err, platform.ErrNotFound):
		logging.Logf("%s vanished from %s", rec.Fingerprint, dir.Source)
		return e.finish(rec.Fingerprint, dir, models.StateFailed, models.ReasonNotFound)

	case errors.Is(err, platform.ErrUnauthorized):
		return "", fmt.Errorf("%s during %s: %w", dir, op, err)

	case errors.Is(err, ErrBudgetExhausted):
		return "", err
	}

	if retryAfter, limited := platform.IsRateLimited(err); limited {
		logging.Logf("%s told us to back off (%s), stopping run", dir, retryAfter)
		return "", fmt.Errorf("%w: retry after %s", ErrBudgetExhausted, retryAfter)
	}

	if platform.IsTransient(err) {
		retries, rerr := e.store.IncrementRetry(rec.Fingerprint, dir)
		if rerr != nil {
			return "", rerr
		}
		if retries < e.opts.MaxRetries {
			logging.Logf("%s %s failed (attempt %d/%d): %v",
				rec.Fingerprint, op, retries, e.opts.MaxRetries, err)
			return models.StatePending, nil
		}
		logging.Logf("%s %s failed permanently after %d attempts: %v",
			rec.Fingerprint, op, retries, err)
		return e.finish(rec.Fingerprint, dir, models.StateFailed, models.ReasonTransport)
	}

	// Anything else is a hard per-activity failure.
	logging.Logf("%s %s failed: %v", rec.Fingerprint, op, err)
	return e.finish(rec.Fingerprint, dir, models.StateFailed, models.ReasonValidation)
}

func (e *Executor) finish(fp string, dir models.Direction, state models.SyncState, reason string) (models.SyncState, error) {
	if err := e.store.SetStatus(fp, dir, state, reason); err != nil {
		return "", err
	}
	return state, nil
}

// reserveN claims API budget for n calls or stops the run.
func (e *Executor) reserveN(platformName string, n int) error {
	decision, err := e.governor.AcquireN(platformName, n)
	if err != nil {
		return err
	}
	if !decision.Granted {
		return fmt.Errorf("%w: %s budget frees in %s", ErrBudgetExhausted, platformName, decision.RetryAfter)
	}
	return nil
}

// debitExtraCalls settles the budget when one adapter operation fanned out
// into several API calls: the reservation covered the first call, the rest
// are claimed here.
func (e *Executor) debitExtraCalls(platformName string, adapter platform.Adapter) error {
	counter, ok := adapter.(platform.APICallCounter)
	if !ok {
		return nil
	}
	if n := counter.TakeAPICalls(); n > 1 {
		return e.reserveN(platformName, n-1)
	}
	return nil
}

func opCost(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// classifyDirectionError wraps listing failures with platform context.
func (e *Executor) classifyDirectionError(op, platformName string, err error) error {
	if retryAfter, limited := platform.IsRateLimited(err); limited {
		return fmt.Errorf("%w: %s says retry after %s", ErrBudgetExhausted, platformName, retryAfter)
	}
	return fmt.Errorf("%s %s: %w", op, platformName, err)
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cached file: %w", err)
	}
	return data, nil
}

// governedSource adapts (governor + adapter) to the cache's Source, so every
// download spends budget and carries its deadline.
type governedSource struct {
	executor *Executor
	platform string
	adapter  platform.Adapter
	format   models.FileFormat
}

func (g *governedSource) Fetch(ctx context.Context, fp string) ([]byte, models.FileFormat, error) {
	id, ok, err := g.executor.store.GetMapping(fp, g.platform)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", fmt.Errorf("%s has no mapping on %s: %w", fp, g.platform, platform.ErrNotFound)
	}

	if err := g.executor.reserveN(g.platform, opCost(g.adapter.Info().APICostPerDownload)); err != nil {
		return nil, "", err
	}

	dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()
	data, format, err := g.adapter.Download(dlCtx, id, g.format)
	if derr := g.executor.debitExtraCalls(g.platform, g.adapter); derr != nil {
		return nil, "", derr
	}
	return data, format, err
}
