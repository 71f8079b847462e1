// Package match decides, at query time, whether two activity records refer to
// the same real-world event. It is deliberately separate from the fingerprint:
// fingerprints collapse near-identical metadata, while the matcher tolerates
// larger drift (a platform reporting distance 5% high) and reports a
// confidence score instead of a yes/no.
package match

import (
	"math"
	"time"

	"github.com/fitsync/fitsync/internal/models"
	"github.com/fitsync/fitsync/internal/sport"
)

// Verdict classifies a score against the thresholds.
type Verdict int

const (
	NoMatch Verdict = iota
	Ambiguous
	Match
)

func (v Verdict) String() string {
	switch v {
	case Match:
		return "match"
	case Ambiguous:
		return "ambiguous"
	}
	return "no_match"
}

// Result carries the score and its classification.
type Result struct {
	Score   float64
	Verdict Verdict
}

// Thresholds are the matcher tunables. They live in sync_config; these are
// the defaults used when no override is stored.
type Thresholds struct {
	MatchScore     float64 // >= means match
	AmbiguousScore float64 // >= means ambiguous, worth logging

	TimeTolerance       time.Duration
	DistanceTolerancePc float64 // percent
	DistanceToleranceM  float64 // absolute floor, meters
	DurationTolerancePc float64 // percent
	DurationToleranceS  float64 // absolute floor, seconds
}

// DefaultThresholds returns the stock tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MatchScore:          0.80,
		AmbiguousScore:      0.60,
		TimeTolerance:       5 * time.Minute,
		DistanceTolerancePc: 5,
		DistanceToleranceM:  100,
		DurationTolerancePc: 10,
		DurationToleranceS:  30,
	}
}

// Term weights. Time dominates: two activities starting together are far more
// likely the same event than two covering the same distance.
const (
	weightTime     = 0.40
	weightSport    = 0.20
	weightDistance = 0.20
	weightDuration = 0.20
)

// Matcher scores activity pairs. It never writes anywhere; callers decide
// what to do with a verdict.
type Matcher struct {
	sports     *sport.Table
	thresholds Thresholds
}

func New(sports *sport.Table, th Thresholds) *Matcher {
	return &Matcher{sports: sports, thresholds: th}
}

// Compare scores two records. Each term contributes linearly within its
// tolerance and zero at or beyond it (strict half-open boundary: a delta of
// exactly the tolerance scores zero).
func (m *Matcher) Compare(a, b models.ActivityRecord) Result {
	score := weightTime*m.timeTerm(a, b) +
		weightSport*m.sportTerm(a, b) +
		weightDistance*m.distanceTerm(a, b) +
		weightDuration*m.durationTerm(a, b)

	r := Result{Score: score}
	switch {
	case score >= m.thresholds.MatchScore:
		r.Verdict = Match
	case score >= m.thresholds.AmbiguousScore:
		r.Verdict = Ambiguous
	default:
		r.Verdict = NoMatch
	}
	return r
}

// BestMatch returns the highest-scoring candidate with a Match verdict, or
// ok=false when none qualifies.
func (m *Matcher) BestMatch(target models.ActivityRecord, candidates []models.ActivityRecord) (models.ActivityRecord, Result, bool) {
	var best models.ActivityRecord
	var bestResult Result
	found := false

	for _, c := range candidates {
		if c.Fingerprint == target.Fingerprint {
			continue
		}
		r := m.Compare(target, c)
		if r.Verdict == Match && (!found || r.Score > bestResult.Score) {
			best, bestResult, found = c, r, true
		}
	}
	return best, bestResult, found
}

func (m *Matcher) timeTerm(a, b models.ActivityRecord) float64 {
	delta := a.StartTime.Sub(b.StartTime).Abs()
	return linearWithin(delta.Seconds(), m.thresholds.TimeTolerance.Seconds())
}

func (m *Matcher) sportTerm(a, b models.ActivityRecord) float64 {
	if m.sports.Equivalent(a.SportType, b.SportType) {
		return 1
	}
	return 0
}

func (m *Matcher) distanceTerm(a, b models.ActivityRecord) float64 {
	if a.Distance == 0 && b.Distance == 0 {
		return 1
	}
	if a.Distance == 0 || b.Distance == 0 {
		// One side has no distance data; neither confirm nor deny.
		return 0.5
	}
	tolerance := math.Max(
		m.thresholds.DistanceTolerancePc/100*math.Max(a.Distance, b.Distance),
		m.thresholds.DistanceToleranceM,
	)
	return linearWithin(math.Abs(a.Distance-b.Distance), tolerance)
}

func (m *Matcher) durationTerm(a, b models.ActivityRecord) float64 {
	da, db := float64(a.Duration), float64(b.Duration)
	if da == 0 && db == 0 {
		return 1
	}
	if da == 0 || db == 0 {
		return 0.5
	}
	tolerance := math.Max(
		m.thresholds.DurationTolerancePc/100*math.Max(da, db),
		m.thresholds.DurationToleranceS,
	)
	return linearWithin(math.Abs(da-db), tolerance)
}

// linearWithin is 1 at delta 0, declining linearly to 0 at delta >= tolerance.
func linearWithin(delta, tolerance float64) float64 {
	if tolerance <= 0 || delta >= tolerance {
		return 0
	}
	return 1 - delta/tolerance
}
