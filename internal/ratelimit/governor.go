// Package ratelimit guards platform API budgets. Budgets are deliberately set
// below the published caps so interactive use of the same account keeps some
// headroom, and the counters live in the catalog so they survive restarts and
// are shared across concurrent invocations.
package ratelimit

import (
	"fmt"
	"time"

	"github.com/fitsync/fitsync/internal/catalog"
)

// Strava publishes 200 calls per 15 minutes and 2000 per day for small apps;
// we run well inside that. IGPSport documents no limit, but its gateway
// throttles aggressive clients, so it gets a generous cap of its own.
const (
	StravaDailyBudget  = 180
	StravaWindowBudget = 90

	IGPSportDailyBudget  = 1000
	IGPSportWindowBudget = 150
)

// Decision is the outcome of an Acquire. When not granted, RetryAfter says
// how long until budget frees up.
type Decision struct {
	Granted    bool
	RetryAfter time.Duration
}

// Governor hands out API call budget per platform.
type Governor struct {
	store *catalog.Store
}

// New seeds the default budgets and returns a governor. Platforms without a
// seeded budget are uncapped.
func New(store *catalog.Store) (*Governor, error) {
	if err := store.EnsureAPILimits("strava", StravaDailyBudget, StravaWindowBudget); err != nil {
		return nil, fmt.Errorf("failed to seed strava budget: %w", err)
	}
	if err := store.EnsureAPILimits("igpsport", IGPSportDailyBudget, IGPSportWindowBudget); err != nil {
		return nil, fmt.Errorf("failed to seed igpsport budget: %w", err)
	}
	return &Governor{store: store}, nil
}

// Acquire claims budget for one API call against a platform.
func (g *Governor) Acquire(platform string) (Decision, error) {
	return g.AcquireN(platform, 1)
}

// AcquireN claims budget for n calls at once, so a paginated listing can
// reserve its whole cost up front.
func (g *Governor) AcquireN(platform string, n int) (Decision, error) {
	res, err := g.store.ReserveAPI(platform, n)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Granted: res.Granted, RetryAfter: res.RetryAfter}, nil
}

// Usage reports the current counters for a platform, for the status command.
func (g *Governor) Usage(platform string) (catalog.APICounters, bool, error) {
	return g.store.GetAPICounters(platform)
}
