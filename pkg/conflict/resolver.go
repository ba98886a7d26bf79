package conflict

import (
	"fmt"

	"github.com/markus-lassfolk/routetrack/pkg"
)

// Strategy decides a resolution for one (type, reason) pair
type Strategy func(c *Conflict) Resolution

// Key identifies a strategy table entry
type Key struct {
	Type   Type
	Reason Reason
}

const defaultReason = "no specific strategy, defaulting to remote"

var strategies = map[Key]Strategy{
	{TypeLocation, ReasonDuplicate}: func(c *Conflict) Resolution {
		return Resolution{Action: ActionSkip, Reason: "already present remotely"}
	},
	{TypeLocation, ReasonTimestampMismatch}: freshestObservation,
	{TypeLocation, ReasonDataMismatch}: func(c *Conflict) Resolution {
		return Resolution{Action: ActionUseServer, Reason: "remote authority wins on unexplained divergence"}
	},
	{TypeSession, ReasonDuplicate}: mergeSessionLifecycle,
	{TypeSession, ReasonDataMismatch}: func(c *Conflict) Resolution {
		return Resolution{Action: ActionUseLocal, Reason: "local reflects actual operator action"}
	},
	{TypeSession, ReasonServerNewer}: func(c *Conflict) Resolution {
		return Resolution{Action: ActionUseServer, Reason: "avoid clobbering a newer remote write"}
	},
}

// Keys returns every (type, reason) pair that has a dedicated strategy
func Keys() []Key {
	keys := make([]Key, 0, len(strategies))
	for k := range strategies {
		keys = append(keys, k)
	}
	return keys
}

// Resolve looks up the strategy for the conflict. Pairs without one
// resolve to use_server.
func Resolve(c *Conflict) Resolution {
	if strategy, ok := strategies[Key{c.Type, c.Reason}]; ok {
		return strategy(c)
	}
	return Resolution{Action: ActionUseServer, Reason: defaultReason}
}

func freshestObservation(c *Conflict) Resolution {
	local, remote := c.LocalLocation, c.RemoteLocation
	if local != nil && (remote == nil || local.Sample.Timestamp.After(remote.Sample.Timestamp)) {
		return Resolution{Action: ActionUseLocal, Reason: "freshest observation wins (local)"}
	}
	return Resolution{Action: ActionUseServer, Reason: "freshest observation wins (remote)"}
}

// mergeSessionLifecycle keeps the remote fields and takes status and the
// end fields from the local copy
func mergeSessionLifecycle(c *Conflict) Resolution {
	local, remote := c.LocalSession, c.RemoteSession
	if local == nil {
		return Resolution{Action: ActionUseServer, Reason: "no local lifecycle to merge"}
	}
	if remote == nil {
		return Resolution{Action: ActionUseLocal, Reason: "no remote copy to merge into"}
	}

	merged := *remote
	merged.ID = local.ID
	merged.Status = local.Status
	merged.EndTime = local.EndTime
	merged.EndPosition = local.EndPosition
	if local.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = local.UpdatedAt
	}
	merged.Synced = local.Synced
	merged.SyncAttempts = local.SyncAttempts
	merged.LastSyncAttempt = local.LastSyncAttempt

	return Resolution{
		Action:        ActionMerge,
		MergedSession: &merged,
		Reason:        fmt.Sprintf("local is authoritative for lifecycle (status %s)", local.Status),
	}
}

// ApplySession returns the session payload a resolution selects, or nil for
// skip
func ApplySession(res Resolution, c *Conflict) *pkg.RouteSessionRecord {
	switch res.Action {
	case ActionUseLocal:
		return c.LocalSession
	case ActionUseServer:
		return c.RemoteSession
	case ActionMerge:
		return res.MergedSession
	}
	return nil
}
