// Package export renders route sessions in interchange formats.
package export

import (
	"fmt"
	"io"

	"github.com/tkrajina/gpxgo/gpx"

	"github.com/markus-lassfolk/routetrack/pkg"
)

// EstimatedType marks estimated points in the <type> element
const EstimatedType = "estimated"

// Options tunes a GPX export
type Options struct {
	IncludeEstimated bool
	Creator          string
}

// SessionGPX builds a single-track GPX document from a session and its
// observations, in the given order
func SessionGPX(rec pkg.RouteSessionRecord, locs []pkg.LocationRecord, opts Options) *gpx.GPX {
	creator := opts.Creator
	if creator == "" {
		creator = "routetrack"
	}

	start := rec.StartTime.UTC()
	doc := &gpx.GPX{
		Version:     "1.1",
		Creator:     creator,
		Name:        fmt.Sprintf("route %s", rec.ID),
		Description: fmt.Sprintf("employee %s, status %s", rec.EmployeeID, rec.Status),
		Time:        &start,
	}

	segment := gpx.GPXTrackSegment{}
	for _, loc := range locs {
		s := loc.Sample
		if s.Estimated && !opts.IncludeEstimated {
			continue
		}

		point := gpx.GPXPoint{
			Point: gpx.Point{
				Latitude:  s.Latitude,
				Longitude: s.Longitude,
			},
			Timestamp: s.Timestamp.UTC(),
			Source:    s.Source,
			Comment:   fmt.Sprintf("accuracy %.0fm", s.Accuracy),
		}
		if s.Estimated {
			point.Type = EstimatedType
		}
		segment.Points = append(segment.Points, point)
	}

	doc.Tracks = []gpx.GPXTrack{{
		Name:     rec.ID,
		Segments: []gpx.GPXTrackSegment{segment},
	}}
	return doc
}

// WriteSessionGPX writes the session's GPX document to w
func WriteSessionGPX(w io.Writer, rec pkg.RouteSessionRecord, locs []pkg.LocationRecord, opts Options) error {
	data, err := SessionGPX(rec, locs, opts).ToXml(gpx.ToXmlParams{Version: "1.1", Indent: true})
	if err != nil {
		return fmt.Errorf("failed to render GPX: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write GPX: %w", err)
	}
	return nil
}
