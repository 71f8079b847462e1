package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fitsync/fitsync/internal/cache"
	"github.com/fitsync/fitsync/internal/catalog"
	"github.com/fitsync/fitsync/internal/config"
	"github.com/fitsync/fitsync/internal/convert"
	"github.com/fitsync/fitsync/internal/garmin"
	"github.com/fitsync/fitsync/internal/igpsport"
	"github.com/fitsync/fitsync/internal/intervalsicu"
	"github.com/fitsync/fitsync/internal/logging"
	"github.com/fitsync/fitsync/internal/models"
	"github.com/fitsync/fitsync/internal/onedrive"
	"github.com/fitsync/fitsync/internal/platform"
	"github.com/fitsync/fitsync/internal/ratelimit"
	"github.com/fitsync/fitsync/internal/sport"
	"github.com/fitsync/fitsync/internal/strava"
	fsync "github.com/fitsync/fitsync/internal/sync"
)

// Exit codes. Schedulers key off these: 2 means fix your config before
// retrying, 3 means retry later when API budget frees up.
const (
	exitOK       = 0
	exitFailures = 1
	exitConfig   = 2
	exitBudget   = 3
)

var (
	cfgFile string
	cfg     *config.Config
	verbose bool
)

// usageError marks configuration and credential problems, so main can exit
// with a distinct code.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func main() {
	rootCmd := &cobra.Command{
		Use:   "fitsync",
		Short: "Sync activities between Strava, Garmin Connect, IGPSport and more",
		Long: `FitSync - Keep your activity history identical across platforms.

Activities are enumerated from the platforms that support it, identified by a
content fingerprint, and transferred in each configured direction exactly
once. Destinations that only accept files (OneDrive, intervals.icu) are
supported as export targets.

Before using, set up credentials for the platforms you sync:
1. Strava API app (STRAVA_CLIENT_ID, STRAVA_CLIENT_SECRET), then 'fitsync auth strava'
2. Garmin Connect login (GARMIN_EMAIL, GARMIN_PASSWORD)
3. IGPSport login (IGPSPORT_USERNAME, IGPSPORT_PASSWORD)`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logging.SetEcho(os.Stdout)
			}
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}

			var err error
			cfg, err = config.Load(cfgFile)
			if err != nil {
				return usageError{fmt.Errorf("failed to load config: %w", err)}
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./"+config.DefaultConfigName+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(
		newSyncCmd(),
		newAuthCmd(),
		newConvertCmd(),
		newStatusCmd(),
		newCleanupCacheCmd(),
		newClearSessionCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		os.Exit(exitCode(err))
	}
	os.Exit(exitOK)
}

func exitCode(err error) int {
	var ue usageError
	switch {
	case errors.Is(err, fsync.ErrBudgetExhausted):
		return exitBudget
	case errors.As(err, &ue), errors.Is(err, platform.ErrUnauthorized):
		return exitConfig
	}
	return exitFailures
}

func newSyncCmd() *cobra.Command {
	var (
		directions []string
		batchSize  int
		migration  bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run the configured sync directions",
		Long: `Enumerate source platforms and transfer new activities to their
destinations. Directions default to the config file's sync.directions.

Examples:
  # Run all configured directions
  fitsync sync

  # Run one direction only
  fitsync sync --directions garmin_to_strava

  # One-time import of the full account history
  fitsync sync --directions igpsport_to_strava --migration-mode`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(directions, batchSize, migration)
		},
	}

	cmd.Flags().StringSliceVar(&directions, "directions", nil, "directions to run (src_to_dst), default from config")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "max activities transferred per direction per run")
	cmd.Flags().BoolVar(&migration, "migration-mode", false, "ignore the sync cursor and enumerate full account history")

	return cmd
}

func runSync(directionNames []string, batchSize int, migration bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\n⚠️  Cancelling... (press Ctrl+C again to force)")
		cancel()
		<-sigCh
		fmt.Println("\n❌ Forced exit")
		os.Exit(exitFailures)
	}()

	if len(directionNames) == 0 {
		directionNames = cfg.Sync.Directions
	}
	if len(directionNames) == 0 {
		return usageError{errors.New("no sync directions configured (set sync.directions or pass --directions)")}
	}

	directions := make([]models.Direction, 0, len(directionNames))
	platforms := make(map[string]bool)
	for _, name := range directionNames {
		dir, err := models.ParseDirection(name)
		if err != nil {
			return usageError{err}
		}
		directions = append(directions, dir)
		platforms[dir.Source] = true
		platforms[dir.Destination] = true
	}
	for name := range platforms {
		if err := cfg.ValidatePlatform(name); err != nil {
			return usageError{err}
		}
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	closeLog, err := logging.ToFile(cfg.LogPath())
	if err != nil {
		return err
	}
	defer closeLog()

	store, err := catalog.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer store.Close()

	if n, err := store.MigrateLegacyJSON(cfg.LegacyStatePath()); err != nil {
		return fmt.Errorf("failed to migrate legacy state: %w", err)
	} else if n > 0 {
		fmt.Printf("📦 Migrated %d activities from legacy JSON state\n", n)
	}

	sports, err := loadSportTable()
	if err != nil {
		return usageError{err}
	}

	registry := platform.NewRegistry()
	for name := range platforms {
		adapter, err := newAdapter(name)
		if err != nil {
			return err
		}
		registry.Register(adapter)
	}

	governor, err := ratelimit.New(store)
	if err != nil {
		return err
	}
	fileCache := cache.New(cfg.CacheDir(), store)
	if dropped, err := fileCache.Validate(); err != nil {
		return err
	} else if dropped > 0 {
		logging.Logf("dropped %d stale cache index rows", dropped)
	}

	opts := fsync.Options{
		BatchSize:  cfg.Sync.BatchSize,
		MaxRetries: cfg.Sync.MaxRetries,
		Migration:  migration,
	}
	if batchSize > 0 {
		opts.BatchSize = batchSize
	}
	if len(cfg.Sync.FormatPreference) > 0 {
		opts.FormatPreference = make(map[string]models.FileFormat, len(cfg.Sync.FormatPreference))
		for name, ext := range cfg.Sync.FormatPreference {
			format, err := models.ParseFormat(ext)
			if err != nil {
				return usageError{fmt.Errorf("sync.format_preference.%s: %w", name, err)}
			}
			opts.FormatPreference[name] = format
		}
	}

	executor := fsync.New(store, fileCache, registry, governor, sports, opts)

	fmt.Printf("🔄 Syncing %s\n", strings.Join(directionNames, ", "))
	summary, err := executor.Run(ctx, directions)
	fmt.Printf("📊 %s\n", summary)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, fsync.ErrBudgetExhausted) {
			return errors.New("cancelled")
		}
		return err
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d activities failed", summary.Failed)
	}

	fmt.Println("✅ Sync complete")
	return nil
}

func newAuthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth [platform]",
		Short: "Authenticate with a platform",
		Long: `Authenticate with a platform and store the session.

For Strava this runs the OAuth browser flow; for credential-based platforms
it verifies the login and caches the session.

Examples:
  fitsync auth strava
  fitsync auth garmin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuth(args[0])
		},
	}
}

func runAuth(name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := cfg.ValidatePlatform(name); err != nil {
		return usageError{err}
	}

	if name == "strava" {
		adapter, err := strava.New(cfg, config.NewSessionStore(cfg))
		if err != nil {
			return err
		}
		if err := adapter.Authorize(ctx); err != nil {
			return err
		}
		fmt.Println("✅ Authenticated with Strava")
		return nil
	}

	adapter, err := newAdapter(name)
	if err != nil {
		return err
	}
	if err := adapter.HealthCheck(ctx); err != nil {
		return err
	}
	fmt.Printf("✅ Authenticated with %s\n", name)
	return nil
}

func newConvertCmd() *cobra.Command {
	var (
		to     string
		output string
		batch  bool
		info   bool
	)

	cmd := &cobra.Command{
		Use:   "convert [file]",
		Short: "Convert an activity file between formats",
		Long: `Convert a local activity file. Supported conversions are fit->tcx,
fit->gpx and tcx->gpx; GPX output requires GPS data in the recording.

Examples:
  fitsync convert ride.fit --to gpx
  fitsync convert ride.fit --to tcx --output /tmp/ride.tcx

  # Convert every supported file in a directory
  fitsync convert ./exports --batch --to gpx

  # Inspect a recording without converting
  fitsync convert ride.fit --info`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if info {
				return runConvertInfo(args[0])
			}
			if batch {
				return runConvertBatch(args[0], to)
			}
			return runConvert(args[0], to, output)
		},
	}

	cmd.Flags().StringVar(&to, "to", "gpx", "target format (tcx, gpx)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: input with new extension)")
	cmd.Flags().BoolVar(&batch, "batch", false, "treat the argument as a directory and convert every supported file")
	cmd.Flags().BoolVar(&info, "info", false, "print a summary of the recording instead of converting")

	return cmd
}

func runConvert(path, to, output string) error {
	from, err := models.ParseFormat(filepath.Ext(path))
	if err != nil {
		return usageError{err}
	}
	target, err := models.ParseFormat(to)
	if err != nil {
		return usageError{err}
	}
	if !convert.CanConvert(from, target) {
		return usageError{fmt.Errorf("cannot convert %s to %s", from, target)}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	converted, err := convert.Convert(data, from, target)
	if err != nil {
		return err
	}

	if output == "" {
		output = strings.TrimSuffix(path, filepath.Ext(path)) + "." + string(target)
	}
	if err := os.WriteFile(output, converted, 0644); err != nil {
		return err
	}

	fmt.Printf("✅ Wrote %s\n", output)
	return nil
}

func runConvertBatch(dir, to string) error {
	target, err := models.ParseFormat(to)
	if err != nil {
		return usageError{err}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	converted, skipped := 0, 0
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		from, err := models.ParseFormat(filepath.Ext(de.Name()))
		if err != nil || from == target || !convert.CanConvert(from, target) {
			continue
		}
		path := filepath.Join(dir, de.Name())
		if err := runConvert(path, to, ""); err != nil {
			fmt.Printf("⚠️  %s: %v\n", de.Name(), err)
			skipped++
			continue
		}
		converted++
	}

	fmt.Printf("📊 Converted %d files, %d failed\n", converted, skipped)
	if skipped > 0 {
		return fmt.Errorf("%d files failed to convert", skipped)
	}
	return nil
}

func runConvertInfo(path string) error {
	from, err := models.ParseFormat(filepath.Ext(path))
	if err != nil {
		return usageError{err}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	track, err := convert.Decode(data, from)
	if err != nil {
		return err
	}

	fmt.Printf("📄 %s (%s)\n", filepath.Base(path), from)
	if track.Name != "" {
		fmt.Printf("   Name:      %s\n", track.Name)
	}
	fmt.Printf("   Sport:     %s\n", track.Sport)
	fmt.Printf("   Start:     %s\n", track.StartTime.Format(time.RFC3339))
	fmt.Printf("   Duration:  %s\n", time.Duration(track.TotalTime*float64(time.Second)).Round(time.Second))
	fmt.Printf("   Distance:  %.2f km\n", track.TotalDistance/1000)
	fmt.Printf("   Samples:   %d (GPS: %v)\n", len(track.Points), track.HasGPS())
	return nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show catalog contents, per-direction progress and API budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}
}

func runStatus() error {
	store, err := catalog.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.CollectStats()
	if err != nil {
		return err
	}

	fmt.Println("📊 FitSync Status")

	fmt.Printf("\n🗂  Catalog: %d activities, %d platform mappings\n", stats.Activities, stats.Mappings)
	for name, n := range stats.PerPlatform {
		fmt.Printf("   %s: %d\n", name, n)
	}

	fmt.Printf("\n💾 Cache: %d files, %.1f MB (%s)\n",
		stats.CacheEntries, float64(stats.CacheBytes)/(1<<20), cfg.CacheDir())

	if len(stats.PerState) > 0 {
		fmt.Println("\n🔄 Directions:")
		for dir, states := range stats.PerState {
			parts := make([]string, 0, len(states))
			for _, state := range []models.SyncState{
				models.StateSynced, models.StateDuplicate, models.StatePending,
				models.StateSkipped, models.StateFailed,
			} {
				if n := states[state]; n > 0 {
					parts = append(parts, fmt.Sprintf("%d %s", n, state))
				}
			}
			fmt.Printf("   %s: %s\n", dir, strings.Join(parts, ", "))
		}
	}

	governor, err := ratelimit.New(store)
	if err != nil {
		return err
	}
	if counters, ok, err := governor.Usage("strava"); err != nil {
		return err
	} else if ok {
		fmt.Printf("\n⏱  Strava API budget: %d/%d today, %d/%d this window\n",
			counters.DayCount, counters.DayLimit, counters.WindowCount, counters.WindowLimit)
	}

	return nil
}

func newCleanupCacheCmd() *cobra.Command {
	var ttlDays int

	cmd := &cobra.Command{
		Use:   "cleanup-cache",
		Short: "Remove expired and orphaned cache files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanupCache(ttlDays)
		},
	}

	cmd.Flags().IntVar(&ttlDays, "ttl", 0, "cache retention in days (default from config)")

	return cmd
}

func runCleanupCache(ttlDays int) error {
	if ttlDays <= 0 {
		ttlDays = cfg.Sync.CacheTTL
	}
	if ttlDays <= 0 {
		ttlDays = 30
	}

	store, err := catalog.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer store.Close()

	result, err := cache.New(cfg.CacheDir(), store).Sweep(time.Duration(ttlDays) * 24 * time.Hour)
	if err != nil {
		return err
	}

	fmt.Printf("✅ Removed %d expired and %d orphaned files, freed %.1f MB\n",
		result.Expired, result.Orphans, float64(result.Freed)/(1<<20))
	return nil
}

func newClearSessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-session [platform]",
		Short: "Forget the stored session for a platform",
		Long: `Remove the cached session (OAuth token, SSO cookies) for a platform,
forcing a fresh login on the next run. Credentials in the config are kept.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClearSession(args[0])
		},
	}
}

func runClearSession(name string) error {
	if err := cfg.ValidatePlatform(name); err != nil {
		return usageError{err}
	}

	had, err := config.NewSessionStore(cfg).Clear(name)
	if err != nil {
		return err
	}
	if !had {
		fmt.Printf("ℹ️  No stored session for %s\n", name)
		return nil
	}
	fmt.Printf("✅ Cleared %s session\n", name)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("fitsync v1.0.0")
		},
	}
}

// newAdapter builds the adapter for a platform, validating credentials first.
func newAdapter(name string) (platform.Adapter, error) {
	if err := cfg.ValidatePlatform(name); err != nil {
		return nil, usageError{err}
	}
	sessions := config.NewSessionStore(cfg)

	switch name {
	case "strava":
		return strava.New(cfg, sessions)
	case "garmin":
		return garmin.New(cfg, sessions)
	case "igpsport":
		return igpsport.New(cfg, sessions)
	case "onedrive":
		return onedrive.New(cfg, sessions)
	case "intervals_icu":
		return intervalsicu.New(cfg), nil
	}
	return nil, usageError{fmt.Errorf("unknown platform: %s", name)}
}

func loadSportTable() (*sport.Table, error) {
	if cfg.Sync.SportTableFile != "" {
		return sport.LoadTable(cfg.Sync.SportTableFile)
	}
	return sport.DefaultTable(), nil
}
