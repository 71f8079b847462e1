package catalog

import (
	"database/sql"
	"fmt"
	"time"
)

// APICounters mirrors one api_limits row. Counts and reset times are only
// meaningful together; both windows decay lazily when read inside a
// reservation.
type APICounters struct {
	Platform string

	DayCount    int
	WindowCount int
	DayLimit    int
	WindowLimit int

	DayResetAt    time.Time
	WindowResetAt time.Time
}

const (
	dayWindow     = 24 * time.Hour
	quarterWindow = 15 * time.Minute
)

// EnsureAPILimits seeds the budget row for a platform if absent. Existing
// counters and limits are left alone so a restart never forgets spent budget.
func (s *Store) EnsureAPILimits(platform string, dayLimit, windowLimit int) error {
	now := s.now()
	_, err := s.db.Exec(`
		INSERT INTO api_limits
			(platform, daily_calls, quarter_hour_calls, daily_limit, quarter_hour_limit, day_reset_at, window_reset_at)
		VALUES (?, 0, 0, ?, ?, ?, ?)
		ON CONFLICT (platform) DO NOTHING`,
		platform, dayLimit, windowLimit,
		fmtTime(now.Add(dayWindow)), fmtTime(now.Add(quarterWindow)))
	if err != nil {
		return fmt.Errorf("failed to seed api limits for %s: %w", platform, err)
	}
	return nil
}

// Reservation is the outcome of ReserveAPI. When not granted, RetryAfter is
// how long until the exhausted window resets.
type Reservation struct {
	Granted    bool
	RetryAfter time.Duration
}

// ReserveAPI atomically claims budget for cost calls against a platform.
// Both windows decay lazily: a reset time in the past zeroes that counter
// before the check, inside the same transaction, so concurrent callers on
// other processes cannot double-spend. Platforms with no seeded row are
// uncapped.
func (s *Store) ReserveAPI(platform string, cost int) (Reservation, error) {
	now := s.now()
	res := Reservation{}

	err := s.withTx(func(tx *sql.Tx) error {
		var c APICounters
		var dayReset, winReset string
		err := tx.QueryRow(`
			SELECT daily_calls, quarter_hour_calls, daily_limit, quarter_hour_limit, day_reset_at, window_reset_at
			FROM api_limits WHERE platform = ?`, platform).
			Scan(&c.DayCount, &c.WindowCount, &c.DayLimit, &c.WindowLimit, &dayReset, &winReset)
		if err == sql.ErrNoRows {
			res.Granted = true
			return nil
		}
		if err != nil {
			return err
		}
		if c.DayResetAt, err = parseTime(dayReset); err != nil {
			return err
		}
		if c.WindowResetAt, err = parseTime(winReset); err != nil {
			return err
		}

		if !now.Before(c.DayResetAt) {
			c.DayCount = 0
			c.DayResetAt = now.Add(dayWindow)
		}
		if !now.Before(c.WindowResetAt) {
			c.WindowCount = 0
			c.WindowResetAt = now.Add(quarterWindow)
		}

		dayOK := c.DayCount+cost <= c.DayLimit
		winOK := c.WindowCount+cost <= c.WindowLimit

		if dayOK && winOK {
			c.DayCount += cost
			c.WindowCount += cost
			res.Granted = true
		} else {
			// Report the nearer reset that actually frees budget.
			switch {
			case !winOK && !dayOK:
				res.RetryAfter = maxDuration(c.WindowResetAt.Sub(now), 0)
				if day := c.DayResetAt.Sub(now); day > res.RetryAfter {
					res.RetryAfter = day
				}
			case !winOK:
				res.RetryAfter = maxDuration(c.WindowResetAt.Sub(now), 0)
			default:
				res.RetryAfter = maxDuration(c.DayResetAt.Sub(now), 0)
			}
		}

		_, err = tx.Exec(`
			UPDATE api_limits
			SET daily_calls = ?, quarter_hour_calls = ?, day_reset_at = ?, window_reset_at = ?
			WHERE platform = ?`,
			c.DayCount, c.WindowCount, fmtTime(c.DayResetAt), fmtTime(c.WindowResetAt), platform)
		return err
	})
	if err != nil {
		return Reservation{}, fmt.Errorf("failed to reserve api budget for %s: %w", platform, err)
	}
	return res, nil
}

// GetAPICounters reads the raw budget row, without decay.
func (s *Store) GetAPICounters(platform string) (APICounters, bool, error) {
	c := APICounters{Platform: platform}
	var dayReset, winReset string
	err := s.db.QueryRow(`
		SELECT daily_calls, quarter_hour_calls, daily_limit, quarter_hour_limit, day_reset_at, window_reset_at
		FROM api_limits WHERE platform = ?`, platform).
		Scan(&c.DayCount, &c.WindowCount, &c.DayLimit, &c.WindowLimit, &dayReset, &winReset)
	if err == sql.ErrNoRows {
		return c, false, nil
	}
	if err != nil {
		return c, false, fmt.Errorf("failed to load api counters for %s: %w", platform, err)
	}
	if c.DayResetAt, err = parseTime(dayReset); err != nil {
		return c, false, err
	}
	if c.WindowResetAt, err = parseTime(winReset); err != nil {
		return c, false, err
	}
	return c, true, nil
}

// SetAPILimits overwrites the caps for a platform, leaving counters intact.
func (s *Store) SetAPILimits(platform string, dayLimit, windowLimit int) error {
	if err := s.EnsureAPILimits(platform, dayLimit, windowLimit); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		UPDATE api_limits SET daily_limit = ?, quarter_hour_limit = ? WHERE platform = ?`,
		dayLimit, windowLimit, platform)
	if err != nil {
		return fmt.Errorf("failed to set api limits for %s: %w", platform, err)
	}
	return nil
}

func maxDuration(d, floor time.Duration) time.Duration {
	if d < floor {
		return floor
	}
	return d
}
