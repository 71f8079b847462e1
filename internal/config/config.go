package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// DefaultConfigName is the config file looked up in the project root.
const DefaultConfigName = ".app_config.json"

// Config holds all configuration for the application. Each platform block
// carries the user-supplied credentials; session tokens obtained at runtime
// are written back into the same file under the platform's "session" key by
// the SessionStore, never touched here.
type Config struct {
	DataDir string `mapstructure:"data_dir"`

	Strava       StravaConfig       `mapstructure:"strava"`
	Garmin       GarminConfig       `mapstructure:"garmin"`
	IGPSport     IGPSportConfig     `mapstructure:"igpsport"`
	OneDrive     OneDriveConfig     `mapstructure:"onedrive"`
	IntervalsICU IntervalsICUConfig `mapstructure:"intervals_icu"`

	Sync SyncSettings `mapstructure:"sync"`

	// path the config was loaded from; sessions are written back here.
	path string
}

// StravaConfig holds Strava OAuth app credentials. The cookie is the browser
// session used for original-file exports, which the public API does not offer.
type StravaConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURI  string `mapstructure:"redirect_uri"`
	Cookie       string `mapstructure:"cookie"`
}

// GarminConfig holds Garmin Connect credentials.
type GarminConfig struct {
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
}

// IGPSportConfig holds IGPSport credentials.
type IGPSportConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// OneDriveConfig holds the OneDrive OAuth app plus the target folder for
// uploaded activity files.
type OneDriveConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RefreshToken string `mapstructure:"refresh_token"`
	Folder       string `mapstructure:"folder"`
}

// IntervalsICUConfig holds the intervals.icu API key.
type IntervalsICUConfig struct {
	AthleteID string `mapstructure:"athlete_id"`
	APIKey    string `mapstructure:"api_key"`
}

// SyncSettings holds sync tunables. Values here are defaults; operational
// tunables (matcher thresholds, rate margins) live in the catalog's
// sync_config table so they survive config rewrites.
type SyncSettings struct {
	Directions []string `mapstructure:"directions"`
	BatchSize  int      `mapstructure:"batch_size"`
	MaxRetries int      `mapstructure:"max_retries"`
	CacheTTL   int      `mapstructure:"cache_ttl_days"`

	// Per-destination transfer format override, e.g. {"onedrive": "gpx"}.
	FormatPreference map[string]string `mapstructure:"format_preference"`

	SportTableFile string `mapstructure:"sport_table_file"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: ".",
		Strava: StravaConfig{
			RedirectURI: "http://localhost:8080/callback",
		},
		OneDrive: OneDriveConfig{
			Folder: "FogOfWorld/Import",
		},
		Sync: SyncSettings{
			Directions: []string{"strava_to_garmin", "garmin_to_strava"},
			BatchSize:  10,
			MaxRetries: 3,
			CacheTTL:   30,
			FormatPreference: map[string]string{
				"onedrive": "gpx",
			},
		},
	}
}

// Load reads config from file and environment.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("json")

	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("strava.redirect_uri", cfg.Strava.RedirectURI)
	v.SetDefault("onedrive.folder", cfg.OneDrive.Folder)
	v.SetDefault("sync.directions", cfg.Sync.Directions)
	v.SetDefault("sync.batch_size", cfg.Sync.BatchSize)
	v.SetDefault("sync.max_retries", cfg.Sync.MaxRetries)
	v.SetDefault("sync.cache_ttl_days", cfg.Sync.CacheTTL)
	v.SetDefault("sync.format_preference", cfg.Sync.FormatPreference)

	v.SetEnvPrefix("FITSYNC")
	v.AutomaticEnv()

	v.BindEnv("data_dir", "FITSYNC_DATA_DIR")
	v.BindEnv("strava.client_id", "STRAVA_CLIENT_ID")
	v.BindEnv("strava.client_secret", "STRAVA_CLIENT_SECRET")
	v.BindEnv("strava.cookie", "STRAVA_COOKIE")
	v.BindEnv("garmin.email", "GARMIN_EMAIL")
	v.BindEnv("garmin.password", "GARMIN_PASSWORD")
	v.BindEnv("igpsport.username", "IGPSPORT_USERNAME")
	v.BindEnv("igpsport.password", "IGPSPORT_PASSWORD")
	v.BindEnv("onedrive.client_id", "ONEDRIVE_CLIENT_ID")
	v.BindEnv("onedrive.client_secret", "ONEDRIVE_CLIENT_SECRET")
	v.BindEnv("onedrive.refresh_token", "ONEDRIVE_REFRESH_TOKEN")
	v.BindEnv("intervals_icu.athlete_id", "INTERVALS_ICU_ATHLETE_ID")
	v.BindEnv("intervals_icu.api_key", "INTERVALS_ICU_API_KEY")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine when env vars carry the credentials.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config: %w", err)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	cfg.path = v.ConfigFileUsed()
	if cfg.path == "" {
		if configPath != "" {
			cfg.path = configPath
		} else {
			cfg.path = DefaultConfigName
		}
	}

	return cfg, nil
}

// Path returns the location the config was loaded from (or would be written
// to); session blocks are persisted there.
func (c *Config) Path() string { return c.path }

// DatabasePath is the catalog store location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "sync_database.db")
}

// LegacyStatePath is the pre-catalog JSON state file migrated on first open.
func (c *Config) LegacyStatePath() string {
	return filepath.Join(c.DataDir, "sync_database.json")
}

// CacheDir is the activity media cache directory.
func (c *Config) CacheDir() string {
	return filepath.Join(c.DataDir, "activity_cache")
}

// LogPath is the persistent run log.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "sync_logs.log")
}

// EnsureDirectories creates the data and cache directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.DataDir, c.CacheDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ValidatePlatform checks that the credentials needed by a platform are
// present, so a direction can fail fast before any network work.
func (c *Config) ValidatePlatform(name string) error {
	switch name {
	case "strava":
		if c.Strava.ClientID == "" || c.Strava.ClientSecret == "" {
			return fmt.Errorf("strava client_id/client_secret are required (set STRAVA_CLIENT_ID, STRAVA_CLIENT_SECRET)")
		}
	case "garmin":
		if c.Garmin.Email == "" || c.Garmin.Password == "" {
			return fmt.Errorf("garmin email/password are required (set GARMIN_EMAIL, GARMIN_PASSWORD)")
		}
	case "igpsport":
		if c.IGPSport.Username == "" || c.IGPSport.Password == "" {
			return fmt.Errorf("igpsport username/password are required (set IGPSPORT_USERNAME, IGPSPORT_PASSWORD)")
		}
	case "onedrive":
		if c.OneDrive.ClientID == "" {
			return fmt.Errorf("onedrive client_id is required (set ONEDRIVE_CLIENT_ID)")
		}
	case "intervals_icu":
		if c.IntervalsICU.APIKey == "" || c.IntervalsICU.AthleteID == "" {
			return fmt.Errorf("intervals_icu athlete_id/api_key are required (set INTERVALS_ICU_ATHLETE_ID, INTERVALS_ICU_API_KEY)")
		}
	default:
		return fmt.Errorf("unknown platform: %s", name)
	}
	return nil
}
