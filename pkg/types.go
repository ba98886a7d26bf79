package pkg

import "time"

// SessionStatus is the lifecycle state of a route session
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
)

// Collection names one of the two persisted queues
type Collection string

const (
	CollectionLocations Collection = "locations"
	CollectionSessions  Collection = "sessions"
)

// PermissionState is the platform permission state for the location sensor
type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
	PermissionPrompt  PermissionState = "prompt"
	PermissionUnknown PermissionState = "unknown"
)

// Position sources
const (
	SourceGpsctl   = "gpsctl"
	SourceUbus     = "ubus"
	SourceEstimate = "estimate"
	SourceNetwork  = "network"
)

// MaxSyncAttempts is the retry budget of a queued record. Records at or above
// it are poisoned: kept, but excluded from drain batches.
const MaxSyncAttempts = 5

// Coordinates is a bare latitude/longitude pair
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// PositionSample is a single position observation. Treat as immutable.
type PositionSample struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"` // horizontal, meters
	Speed     *float64  `json:"speed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
	Estimated bool      `json:"estimated,omitempty"`
}

// Coordinates returns the sample's latitude/longitude
func (s PositionSample) Coordinates() Coordinates {
	return Coordinates{Latitude: s.Latitude, Longitude: s.Longitude}
}

// LocationRecord is a persisted observation tied to a session
type LocationRecord struct {
	ID              string         `json:"id"`
	SessionID       string         `json:"session_id"`
	Sample          PositionSample `json:"sample"`
	Synced          bool           `json:"synced"`
	SyncAttempts    int            `json:"sync_attempts"`
	LastSyncAttempt *time.Time     `json:"last_sync_attempt,omitempty"`
}

// Poisoned reports whether the record exhausted its retry budget
func (r *LocationRecord) Poisoned() bool {
	return r.SyncAttempts >= MaxSyncAttempts
}

// RouteSessionRecord is a persisted route session
type RouteSessionRecord struct {
	ID              string        `json:"id"`
	EmployeeID      string        `json:"employee_id"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         *time.Time    `json:"end_time,omitempty"`
	Status          SessionStatus `json:"status"`
	StartPosition   *Coordinates  `json:"start_position,omitempty"`
	EndPosition     *Coordinates  `json:"end_position,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at"`
	Synced          bool          `json:"synced"`
	SyncAttempts    int           `json:"sync_attempts"`
	LastSyncAttempt *time.Time    `json:"last_sync_attempt,omitempty"`
}

// Poisoned reports whether the session exhausted its retry budget
func (r *RouteSessionRecord) Poisoned() bool {
	return r.SyncAttempts >= MaxSyncAttempts
}

// LastActivity is the most recent lifecycle timestamp of the session
func (r *RouteSessionRecord) LastActivity() time.Time {
	last := r.StartTime
	if r.EndTime != nil && r.EndTime.After(last) {
		last = *r.EndTime
	}
	if r.UpdatedAt.After(last) {
		last = r.UpdatedAt
	}
	return last
}

// BatteryState is a snapshot of device battery telemetry
type BatteryState struct {
	Level          float64  `json:"level"` // 0..1
	Charging       bool     `json:"charging"`
	SecondsToFull  *float64 `json:"seconds_to_full,omitempty"`
	SecondsToEmpty *float64 `json:"seconds_to_empty,omitempty"`
}

// SyncStatus is the aggregate synchronization state observed by UI layers.
// PendingCount includes stuck records; StuckCount isolates the poisoned ones.
type SyncStatus struct {
	Online         bool       `json:"online"`
	PendingCount   int        `json:"pending_count"`
	StuckCount     int        `json:"stuck_count"`
	SyncInProgress bool       `json:"sync_in_progress"`
	LastSyncTime   *time.Time `json:"last_sync_time,omitempty"`
	RecentErrors   []string   `json:"recent_errors"`
}
