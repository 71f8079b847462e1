package convert

import (
	"encoding/xml"
	"fmt"
	"time"
)

// GPX 1.1 with the Garmin TrackPointExtension for heart rate and cadence,
// which is what every platform's importer actually understands.

type gpxFile struct {
	XMLName        xml.Name     `xml:"gpx"`
	Version        string       `xml:"version,attr"`
	Creator        string       `xml:"creator,attr"`
	NS             string       `xml:"xmlns,attr"`
	XSI            string       `xml:"xmlns:xsi,attr"`
	TPXNS          string       `xml:"xmlns:gpxtpx,attr,omitempty"`
	SchemaLocation string       `xml:"xsi:schemaLocation,attr"`
	Metadata       *gpxMetadata `xml:"metadata,omitempty"`
	Trk            *gpxTrk      `xml:"trk,omitempty"`
}

type gpxMetadata struct {
	Time string `xml:"time,omitempty"`
}

type gpxTrk struct {
	Name string   `xml:"name,omitempty"`
	Type string   `xml:"type,omitempty"`
	Seg  []gpxSeg `xml:"trkseg"`
}

type gpxSeg struct {
	Points []gpxPoint `xml:"trkpt"`
}

type gpxPoint struct {
	Lat        float64        `xml:"lat,attr"`
	Lon        float64        `xml:"lon,attr"`
	Ele        *float64       `xml:"ele,omitempty"`
	Time       string         `xml:"time,omitempty"`
	Extensions *gpxExtensions `xml:"extensions,omitempty"`
}

type gpxExtensions struct {
	TPX *gpxTPX `xml:"gpxtpx:TrackPointExtension,omitempty"`
}

type gpxTPX struct {
	HeartRate int `xml:"gpxtpx:hr,omitempty"`
	Cadence   int `xml:"gpxtpx:cad,omitempty"`
}

// EncodeGPX renders a track as GPX 1.1. Points without a position are
// dropped; GPX has no way to express them.
func EncodeGPX(track *Track) ([]byte, error) {
	if !track.HasGPS() {
		return nil, fmt.Errorf("activity has no gps data, cannot produce gpx")
	}

	seg := gpxSeg{}
	for _, p := range track.Points {
		if !p.HasPosition {
			continue
		}
		gp := gpxPoint{
			Lat: roundCoord(p.Lat),
			Lon: roundCoord(p.Lon),
			Ele: p.Altitude,
		}
		if !p.Time.IsZero() {
			gp.Time = p.Time.UTC().Format(time.RFC3339)
		}
		if p.HeartRate > 0 || p.Cadence > 0 {
			gp.Extensions = &gpxExtensions{TPX: &gpxTPX{
				HeartRate: p.HeartRate,
				Cadence:   p.Cadence,
			}}
		}
		seg.Points = append(seg.Points, gp)
	}

	doc := gpxFile{
		Version:        "1.1",
		Creator:        "fitsync",
		NS:             "http://www.topografix.com/GPX/1/1",
		XSI:            "http://www.w3.org/2001/XMLSchema-instance",
		TPXNS:          "http://www.garmin.com/xmlschemas/TrackPointExtension/v1",
		SchemaLocation: "http://www.topografix.com/GPX/1/1 http://www.topografix.com/GPX/1/1/gpx.xsd",
		Trk: &gpxTrk{
			Name: track.Name,
			Type: track.Sport,
			Seg:  []gpxSeg{seg},
		},
	}
	if !track.StartTime.IsZero() {
		doc.Metadata = &gpxMetadata{Time: track.StartTime.UTC().Format(time.RFC3339)}
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gpx: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}
