package convert

import (
	"bytes"
	"fmt"
	"math"

	"github.com/muktihari/fit/decoder"
	"github.com/muktihari/fit/profile/mesgdef"
	"github.com/muktihari/fit/profile/typedef"
	"github.com/muktihari/fit/proto"
)

// FIT semicircle unit: 2^31 / 180 degrees.
const semicircleDegrees = 11930464.7111

// DecodeFIT parses a FIT recording into a Track. Multi-session files are
// flattened; the first session supplies sport and totals.
func DecodeFIT(data []byte) (*Track, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty fit data")
	}

	dec := decoder.New(bytes.NewReader(data))
	track := &Track{}

	for dec.Next() {
		fitFile, err := dec.Decode()
		if err != nil {
			return nil, fmt.Errorf("failed to decode fit file: %w", err)
		}

		for i := range fitFile.Messages {
			msg := &fitFile.Messages[i]
			switch msg.Num {
			case typedef.MesgNumFileId:
				fileID := mesgdef.NewFileId(msg)
				if track.StartTime.IsZero() && !fileID.TimeCreated.IsZero() {
					track.StartTime = fileID.TimeCreated.UTC()
				}

			case typedef.MesgNumRecord:
				if p, ok := fitRecordPoint(msg); ok {
					track.Points = append(track.Points, p)
					if track.StartTime.IsZero() {
						track.StartTime = p.Time
					}
				}

			case typedef.MesgNumSession:
				session := mesgdef.NewSession(msg)
				if track.Sport == "" {
					track.Sport = fitSportName(session.Sport)
				}
				if !session.StartTime.IsZero() && (track.StartTime.IsZero() || session.StartTime.UTC().Before(track.StartTime)) {
					track.StartTime = session.StartTime.UTC()
				}
				// FIT stores elapsed time in ms and distance in cm.
				if session.TotalElapsedTime != 0xFFFFFFFF {
					track.TotalTime += float64(session.TotalElapsedTime) / 1000
				}
				if session.TotalDistance != 0xFFFFFFFF {
					track.TotalDistance += float64(session.TotalDistance) / 100
				}
			}
		}
	}

	if len(track.Points) == 0 && track.StartTime.IsZero() {
		return nil, fmt.Errorf("no usable records in fit file")
	}

	if track.TotalTime == 0 && len(track.Points) > 1 {
		first := track.Points[0].Time
		last := track.Points[len(track.Points)-1].Time
		track.TotalTime = last.Sub(first).Seconds()
	}
	if track.TotalDistance == 0 {
		for _, p := range track.Points {
			if p.Distance != nil {
				track.TotalDistance = *p.Distance
			}
		}
	}
	return track, nil
}

func fitRecordPoint(msg *proto.Message) (Point, bool) {
	rec := mesgdef.NewRecord(msg)
	if rec.Timestamp.IsZero() {
		return Point{}, false
	}

	p := Point{Time: rec.Timestamp.UTC()}

	if rec.PositionLat != 0x7FFFFFFF && rec.PositionLong != 0x7FFFFFFF {
		p.HasPosition = true
		p.Lat = float64(rec.PositionLat) / semicircleDegrees
		p.Lon = float64(rec.PositionLong) / semicircleDegrees
	}
	if rec.Altitude != 0xFFFF {
		// Scaled as 5 * (altitude + 500).
		alt := float64(rec.Altitude)/5 - 500
		p.Altitude = &alt
	}
	if rec.Distance != 0xFFFFFFFF {
		d := float64(rec.Distance) / 100
		p.Distance = &d
	}
	if rec.HeartRate != 0xFF {
		p.HeartRate = int(rec.HeartRate)
	}
	if rec.Cadence != 0xFF {
		p.Cadence = int(rec.Cadence)
	}
	if rec.Power != 0xFFFF {
		p.Power = int(rec.Power)
	}
	if rec.Speed != 0xFFFF {
		p.Speed = float64(rec.Speed) / 1000
	}
	return p, true
}

func fitSportName(sport typedef.Sport) string {
	switch sport {
	case typedef.SportCycling:
		return "ride"
	case typedef.SportRunning:
		return "run"
	case typedef.SportSwimming:
		return "swim"
	case typedef.SportWalking:
		return "walk"
	case typedef.SportHiking:
		return "hike"
	}
	return "other"
}

// roundCoord trims coordinates to a sane GPX precision (about 1 cm).
func roundCoord(v float64) float64 {
	return math.Round(v*1e7) / 1e7
}
