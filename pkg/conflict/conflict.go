// Package conflict detects and resolves divergence between a locally held
// record and the remote authority's copy of the same entity.
package conflict

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/markus-lassfolk/routetrack/pkg"
	"github.com/markus-lassfolk/routetrack/pkg/geo"
)

// Type names the kind of entity in conflict
type Type string

const (
	TypeLocation Type = "location_record"
	TypeSession  Type = "route_session"
)

// Reason explains how the two copies diverge
type Reason string

const (
	ReasonDuplicate         Reason = "duplicate"
	ReasonTimestampMismatch Reason = "timestamp_mismatch"
	ReasonDataMismatch      Reason = "data_mismatch"
	ReasonServerNewer       Reason = "server_newer"
)

// Action is what to do with a conflict
type Action string

const (
	ActionUseLocal  Action = "use_local"
	ActionUseServer Action = "use_server"
	ActionMerge     Action = "merge"
	ActionSkip      Action = "skip"
)

// Detection thresholds for location records
const (
	TimestampTolerance = 60 * time.Second
	DistanceTolerance  = 100.0 // meters
)

// ErrInvalidResolution marks a resolution that violates its action's
// precondition. Reaching it is a programming error.
var ErrInvalidResolution = errors.New("invalid conflict resolution")

// Conflict is a detected divergence. Exactly one pair of Local/Remote fields
// is populated, matching Type.
type Conflict struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	Reason     Reason    `json:"reason"`
	DetectedAt time.Time `json:"detected_at"`

	LocalLocation  *pkg.LocationRecord     `json:"local_location,omitempty"`
	RemoteLocation *pkg.LocationRecord     `json:"remote_location,omitempty"`
	LocalSession   *pkg.RouteSessionRecord `json:"local_session,omitempty"`
	RemoteSession  *pkg.RouteSessionRecord `json:"remote_session,omitempty"`
}

// HasLocal reports whether the local copy is present
func (c *Conflict) HasLocal() bool {
	switch c.Type {
	case TypeLocation:
		return c.LocalLocation != nil
	case TypeSession:
		return c.LocalSession != nil
	}
	return false
}

// HasRemote reports whether the remote copy is present
func (c *Conflict) HasRemote() bool {
	switch c.Type {
	case TypeLocation:
		return c.RemoteLocation != nil
	case TypeSession:
		return c.RemoteSession != nil
	}
	return false
}

// Resolution is the decided outcome of a conflict
type Resolution struct {
	Action         Action                  `json:"action"`
	MergedSession  *pkg.RouteSessionRecord `json:"merged_session,omitempty"`
	MergedLocation *pkg.LocationRecord     `json:"merged_location,omitempty"`
	Reason         string                  `json:"reason"`
}

// DetectLocation compares an observation with the remote copy. It returns
// nil when there is no remote copy.
func DetectLocation(local, remote *pkg.LocationRecord) *Conflict {
	if remote == nil {
		return nil
	}

	reason := ReasonDuplicate
	if local != nil {
		dt := local.Sample.Timestamp.Sub(remote.Sample.Timestamp)
		if dt < 0 {
			dt = -dt
		}
		switch {
		case dt > TimestampTolerance:
			reason = ReasonTimestampMismatch
		case geo.Distance(local.Sample.Coordinates(), remote.Sample.Coordinates()) > DistanceTolerance:
			reason = ReasonDataMismatch
		}
	}

	return &Conflict{
		ID:             uuid.NewString(),
		Type:           TypeLocation,
		Reason:         reason,
		DetectedAt:     time.Now(),
		LocalLocation:  local,
		RemoteLocation: remote,
	}
}

// DetectSession compares a session with the remote copy. It returns nil
// when there is no remote copy.
func DetectSession(local, remote *pkg.RouteSessionRecord) *Conflict {
	if remote == nil {
		return nil
	}

	reason := ReasonDuplicate
	if local != nil {
		switch {
		case remote.LastActivity().After(local.LastActivity()):
			reason = ReasonServerNewer
		case remote.Status != local.Status:
			reason = ReasonDataMismatch
		}
	}

	return &Conflict{
		ID:            uuid.NewString(),
		Type:          TypeSession,
		Reason:        reason,
		DetectedAt:    time.Now(),
		LocalSession:  local,
		RemoteSession: remote,
	}
}

// Validate checks a resolution against its action's precondition
func Validate(res Resolution, c *Conflict) error {
	if c == nil {
		return fmt.Errorf("%w: nil conflict", ErrInvalidResolution)
	}

	switch res.Action {
	case ActionUseLocal:
		if !c.HasLocal() {
			return fmt.Errorf("%w: use_local without a local copy (%s)", ErrInvalidResolution, c.Type)
		}
	case ActionUseServer:
		if !c.HasRemote() {
			return fmt.Errorf("%w: use_server without a remote copy (%s)", ErrInvalidResolution, c.Type)
		}
	case ActionMerge:
		switch {
		case c.Type == TypeSession && res.MergedSession != nil:
		case c.Type == TypeLocation && res.MergedLocation != nil:
		default:
			return fmt.Errorf("%w: merge without a %s payload", ErrInvalidResolution, c.Type)
		}
	case ActionSkip:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidResolution, res.Action)
	}
	return nil
}
