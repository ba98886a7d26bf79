package remote

import (
	"fmt"
	"time"

	"github.com/markus-lassfolk/routetrack/pkg"
)

// TimeLayout is the ISO-8601 layout used on the wire
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// SessionPayload is the session-sync request body
type SessionPayload struct {
	ID             string   `json:"id"`
	EmployeeID     string   `json:"employee_id"`
	StartTime      string   `json:"start_time"`
	EndTime        *string  `json:"end_time,omitempty"`
	Status         string   `json:"status"`
	StartLatitude  *float64 `json:"start_latitude"`
	StartLongitude *float64 `json:"start_longitude"`
	EndLatitude    *float64 `json:"end_latitude,omitempty"`
	EndLongitude   *float64 `json:"end_longitude,omitempty"`
	UpdatedAt      string   `json:"updated_at,omitempty"`
}

// CoordinatePayload is one observation in a coordinates-sync batch
type CoordinatePayload struct {
	ID        string  `json:"id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp string  `json:"timestamp"`
	Accuracy  float64 `json:"accuracy"`
}

// CoordinatesPayload is the coordinates-sync request body
type CoordinatesPayload struct {
	SessionID   string              `json:"session_id"`
	Coordinates []CoordinatePayload `json:"coordinates"`
}

type sessionConflictBody struct {
	Remote *SessionPayload `json:"remote"`
}

type coordinatesConflictBody struct {
	Conflicts []CoordinatePayload `json:"conflicts"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(TimeLayout, s)
}

// NewSessionPayload converts a session record to its wire form
func NewSessionPayload(rec pkg.RouteSessionRecord) SessionPayload {
	p := SessionPayload{
		ID:         rec.ID,
		EmployeeID: rec.EmployeeID,
		StartTime:  formatTime(rec.StartTime),
		Status:     string(rec.Status),
	}
	if rec.EndTime != nil {
		end := formatTime(*rec.EndTime)
		p.EndTime = &end
	}
	if rec.StartPosition != nil {
		lat, lon := rec.StartPosition.Latitude, rec.StartPosition.Longitude
		p.StartLatitude, p.StartLongitude = &lat, &lon
	}
	if rec.EndPosition != nil {
		lat, lon := rec.EndPosition.Latitude, rec.EndPosition.Longitude
		p.EndLatitude, p.EndLongitude = &lat, &lon
	}
	if !rec.UpdatedAt.IsZero() {
		p.UpdatedAt = formatTime(rec.UpdatedAt)
	}
	return p
}

// Record converts the wire form back to a session record
func (p SessionPayload) Record() (pkg.RouteSessionRecord, error) {
	rec := pkg.RouteSessionRecord{
		ID:         p.ID,
		EmployeeID: p.EmployeeID,
		Status:     pkg.SessionStatus(p.Status),
	}

	start, err := parseTime(p.StartTime)
	if err != nil {
		return rec, fmt.Errorf("invalid start_time %q: %w", p.StartTime, err)
	}
	rec.StartTime = start

	if p.EndTime != nil {
		end, err := parseTime(*p.EndTime)
		if err != nil {
			return rec, fmt.Errorf("invalid end_time %q: %w", *p.EndTime, err)
		}
		rec.EndTime = &end
	}
	if p.UpdatedAt != "" {
		updated, err := parseTime(p.UpdatedAt)
		if err != nil {
			return rec, fmt.Errorf("invalid updated_at %q: %w", p.UpdatedAt, err)
		}
		rec.UpdatedAt = updated
	}
	if p.StartLatitude != nil && p.StartLongitude != nil {
		rec.StartPosition = &pkg.Coordinates{Latitude: *p.StartLatitude, Longitude: *p.StartLongitude}
	}
	if p.EndLatitude != nil && p.EndLongitude != nil {
		rec.EndPosition = &pkg.Coordinates{Latitude: *p.EndLatitude, Longitude: *p.EndLongitude}
	}
	return rec, nil
}

// NewCoordinatePayload converts an observation to its wire form
func NewCoordinatePayload(rec pkg.LocationRecord) CoordinatePayload {
	return CoordinatePayload{
		ID:        rec.ID,
		Latitude:  rec.Sample.Latitude,
		Longitude: rec.Sample.Longitude,
		Timestamp: formatTime(rec.Sample.Timestamp),
		Accuracy:  rec.Sample.Accuracy,
	}
}

// Record converts the wire form back to an observation of sessionID
func (p CoordinatePayload) Record(sessionID string) (pkg.LocationRecord, error) {
	ts, err := parseTime(p.Timestamp)
	if err != nil {
		return pkg.LocationRecord{}, fmt.Errorf("invalid timestamp %q: %w", p.Timestamp, err)
	}
	return pkg.LocationRecord{
		ID:        p.ID,
		SessionID: sessionID,
		Sample: pkg.PositionSample{
			Latitude:  p.Latitude,
			Longitude: p.Longitude,
			Accuracy:  p.Accuracy,
			Timestamp: ts,
		},
	}, nil
}
