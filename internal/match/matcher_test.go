package match

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fitsync/fitsync/internal/models"
	"github.com/fitsync/fitsync/internal/sport"
)

var matchStart = time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC)

func ride(fp string, startOffset time.Duration, distance float64, duration int) models.ActivityRecord {
	return models.ActivityRecord{
		Fingerprint: fp,
		SportType:   "ride",
		StartTime:   matchStart.Add(startOffset),
		Distance:    distance,
		Duration:    duration,
	}
}

func newMatcher() *Matcher {
	return New(sport.DefaultTable(), DefaultThresholds())
}

func TestCompareIdenticalRecords(t *testing.T) {
	m := newMatcher()
	a := ride("a", 0, 25000, 3600)

	r := m.Compare(a, a)
	assert.InDelta(t, 1.0, r.Score, 1e-9)
	assert.Equal(t, Match, r.Verdict)
}

func TestCompareToleratesPlatformDrift(t *testing.T) {
	m := newMatcher()
	a := ride("a", 0, 25000, 3600)
	// Same ride seen by another platform: started a minute later by its
	// clock, distance 0.1% apart, duration 10 s apart.
	b := ride("b", time.Minute, 25020, 3590)

	r := m.Compare(a, b)
	assert.Equal(t, Match, r.Verdict)
	assert.Greater(t, r.Score, 0.85)
}

func TestCompareRejectsDifferentSport(t *testing.T) {
	m := newMatcher()
	a := ride("a", 0, 10000, 3600)
	b := a
	b.Fingerprint = "b"
	b.SportType = "run"

	r := m.Compare(a, b)
	// Everything but the sport term is perfect.
	assert.InDelta(t, 0.80, r.Score, 1e-9)
	assert.Equal(t, Match, r.Verdict)
}

func TestCompareExactToleranceScoresZero(t *testing.T) {
	m := newMatcher()
	a := ride("a", 0, 25000, 3600)
	// Start delta exactly at the 5 minute tolerance: the time term is zero,
	// not epsilon.
	b := ride("b", 5*time.Minute, 25000, 3600)

	r := m.Compare(a, b)
	assert.InDelta(t, weightSport+weightDistance+weightDuration, r.Score, 1e-9)
}

func TestCompareDistantRecordsNoMatch(t *testing.T) {
	m := newMatcher()
	a := ride("a", 0, 25000, 3600)
	b := ride("b", 20*time.Minute, 80000, 9000)

	r := m.Compare(a, b)
	assert.Equal(t, NoMatch, r.Verdict)
}

func TestCompareMissingDistanceIsNeutral(t *testing.T) {
	m := newMatcher()
	a := ride("a", 0, 25000, 3600)
	b := ride("b", 0, 0, 3600)

	r := m.Compare(a, b)
	// 0.40 time + 0.20 sport + 0.10 neutral distance + 0.20 duration.
	assert.InDelta(t, 0.90, r.Score, 1e-9)
}

func TestBestMatchSkipsSameFingerprint(t *testing.T) {
	m := newMatcher()
	target := ride("same", 0, 25000, 3600)
	candidates := []models.ActivityRecord{
		ride("same", 0, 25000, 3600),
		ride("far", 30*time.Minute, 90000, 10000),
	}

	_, _, found := m.BestMatch(target, candidates)
	assert.False(t, found)
}

func TestBestMatchPicksHighestScore(t *testing.T) {
	m := newMatcher()
	target := ride("target", 0, 25000, 3600)
	nearby := ride("nearby", 30*time.Second, 25010, 3600)
	further := ride("further", 2*time.Minute, 25300, 3650)

	best, r, found := m.BestMatch(target, []models.ActivityRecord{further, nearby})
	assert.True(t, found)
	assert.Equal(t, "nearby", best.Fingerprint)
	assert.Equal(t, Match, r.Verdict)
}

func TestVerdictThresholds(t *testing.T) {
	m := newMatcher()
	a := ride("a", 0, 25000, 3600)

	// Drift chosen to land between the ambiguous and match thresholds.
	b := ride("b", 90*time.Second, 25500, 3700)
	r := m.Compare(a, b)
	assert.Equal(t, Ambiguous, r.Verdict, "score %.3f", r.Score)
}
