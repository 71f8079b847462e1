// Package platform defines the contract every sync backend implements. The
// executor only ever talks to this interface; everything platform-specific
// (auth flows, pagination quirks, export endpoints) stays inside the adapter.
package platform

import (
	"context"
	"time"

	"github.com/fitsync/fitsync/internal/models"
)

// Activity is the platform-neutral view of one listed activity.
type Activity struct {
	ID        string
	Name      string
	SportType string // platform vocabulary, normalized later
	StartTime time.Time
	Distance  float64 // meters
	Duration  int     // seconds

	ElevationGain *float64

	// Manual marks activities entered by hand, with no device recording
	// behind them. There is no file to download for these.
	Manual bool
}

// UploadResult reports the outcome of an upload. Platforms that detect
// duplicates server-side set Duplicate and, when they reveal it, the id of
// the activity already holding the data.
type UploadResult struct {
	ActivityID  string
	Duplicate   bool
	DuplicateOf string
}

// Info describes what an adapter can do, so the executor can plan a
// direction without probing.
type Info struct {
	Name string

	// CanEnumerate is false for write-only destinations (onedrive,
	// intervals.icu used as an export target).
	CanEnumerate bool
	CanDownload  bool

	// API budget cost per operation. Zero means one call.
	APICostPerList     int
	APICostPerDownload int
	APICostPerUpload   int
}

// APICallCounter is implemented by adapters whose single operations fan out
// into several API calls (paginated listings, upload status polling). The
// executor settles the surplus against the budget after each operation.
type APICallCounter interface {
	// TakeAPICalls returns the number of API calls made since the last take
	// and resets the counter.
	TakeAPICalls() int
}

// Adapter is one sync backend.
type Adapter interface {
	Info() Info

	// ListActivities enumerates activities starting within [since, until).
	ListActivities(ctx context.Context, since, until time.Time) ([]Activity, error)

	// Download fetches the original recording for an activity. The returned
	// format may differ from the requested one when the platform only serves
	// a single export format; callers transcode as needed.
	Download(ctx context.Context, activityID string, format models.FileFormat) ([]byte, models.FileFormat, error)

	// Upload pushes an activity file. name is the activity title where the
	// platform supports setting one at upload time.
	Upload(ctx context.Context, name string, data []byte, format models.FileFormat) (UploadResult, error)

	// SupportedUploadFormats lists accepted upload formats, best first.
	SupportedUploadFormats() []models.FileFormat

	// HealthCheck verifies credentials with a cheap call.
	HealthCheck(ctx context.Context) error
}
