// Package fingerprint derives the content-based identity of an activity.
//
// Two platforms recording the same real-world activity report slightly
// different numbers, so the inputs are quantized before hashing: start time
// to the minute, distance to 100 m buckets, duration to 10 s buckets, and the
// sport type to its canonical form. The digest is the first 16 hex characters
// of a SHA-256, which is plenty for the cardinality of a personal activity
// catalog.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/fitsync/fitsync/internal/models"
	"github.com/fitsync/fitsync/internal/sport"
)

const (
	distanceBucketMeters  = 100
	durationBucketSeconds = 10
	digestLen             = 16
)

// Compute returns the fingerprint for a record. The record's SportType may be
// platform vocabulary; it is normalized through the table before hashing.
func Compute(table *sport.Table, rec models.ActivityRecord) string {
	canonical := fmt.Sprintf("%s|%s|%d|%d",
		table.Normalize(rec.SportType),
		rec.StartTime.UTC().Truncate(time.Minute).Format("2006-01-02T15:04"),
		bucket(rec.Distance, distanceBucketMeters),
		bucket(float64(rec.Duration), durationBucketSeconds),
	)

	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:digestLen]
}

// bucket rounds v to the nearest multiple of size.
func bucket(v float64, size int) int64 {
	return int64(math.Round(v/float64(size))) * int64(size)
}
