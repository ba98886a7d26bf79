package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markus-lassfolk/routetrack/pkg"
	"github.com/markus-lassfolk/routetrack/pkg/logx"
)

// QueueStats summarizes unsynced records across both collections
type QueueStats struct {
	Pending          int `json:"pending"` // all unsynced records, stuck included
	Stuck            int `json:"stuck"`   // unsynced records at the attempt cap
	PendingLocations int `json:"pending_locations"`
	PendingSessions  int `json:"pending_sessions"`
}

// StatsListener is notified with fresh stats after every mutation
type StatsListener func(QueueStats)

// Queue is the local write-ahead queue of location observations and route
// sessions. It is the only writer of the backend.
type Queue struct {
	backend Backend
	logger  *logx.Logger

	// mu serializes mutations so stats are published in call order
	mu        sync.Mutex
	listeners []StatsListener
	lastStats QueueStats
	// pending maps every unsynced record id to its attempt count
	pending map[pkg.Collection]map[string]int

	now func() time.Time
}

// New creates a queue over backend and computes the initial stats
func New(backend Backend, logger *logx.Logger) *Queue {
	q := &Queue{
		backend: backend,
		logger:  logger,
		now:     time.Now,
	}
	q.loadPending()
	q.lastStats = q.computeStats()
	return q
}

// Open opens the configured backend ("bolt" or "sqlite") at path
func Open(kind, path string, logger *logx.Logger) (*Queue, error) {
	var (
		backend Backend
		err     error
	)
	switch kind {
	case "", "bolt":
		backend, err = NewBoltBackend(path, logger)
	case "sqlite":
		backend, err = NewSQLiteBackend(path, logger)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", kind)
	}
	if err != nil {
		return nil, err
	}
	return New(backend, logger), nil
}

// Close closes the backend
func (q *Queue) Close() error {
	return q.backend.Close()
}

// AddListener registers a stats listener. Listeners run inside the
// mutation and must not call back into the queue.
func (q *Queue) AddListener(fn StatsListener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, fn)
}

// AppendLocation persists a new unsynced observation for a session
func (q *Queue) AppendLocation(sessionID string, sample pkg.PositionSample) (pkg.LocationRecord, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return pkg.LocationRecord{}, fmt.Errorf("failed to generate record id: %w", err)
	}

	rec := pkg.LocationRecord{
		ID:        id.String(),
		SessionID: sessionID,
		Sample:    sample,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return pkg.LocationRecord{}, fmt.Errorf("failed to encode location record: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.backend.Put(pkg.CollectionLocations, rec.ID, data); err != nil {
		q.logger.Error("queue_append_failed", "collection", string(pkg.CollectionLocations), "error", err)
		return pkg.LocationRecord{}, fmt.Errorf("failed to append location record: %w", err)
	}
	q.pending[pkg.CollectionLocations][rec.ID] = 0
	q.publishLocked()
	return rec, nil
}

// NewSessionID returns a fresh time-ordered session id
func NewSessionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// SaveSession inserts a session or applies a lifecycle change to it. The
// stored record becomes unsynced; its attempt counter is preserved.
func (q *Queue) SaveSession(rec pkg.RouteSessionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("session record without id")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	rec.Synced = false
	err := q.backend.Update(pkg.CollectionSessions, rec.ID, func(value []byte) ([]byte, error) {
		var stored pkg.RouteSessionRecord
		if err := json.Unmarshal(value, &stored); err != nil {
			return nil, fmt.Errorf("corrupt session record %s: %w", rec.ID, err)
		}
		rec.SyncAttempts = stored.SyncAttempts
		rec.LastSyncAttempt = stored.LastSyncAttempt
		return json.Marshal(rec)
	})
	if errors.Is(err, ErrNotFound) {
		var data []byte
		data, err = json.Marshal(rec)
		if err == nil {
			err = q.backend.Put(pkg.CollectionSessions, rec.ID, data)
		}
	}
	if err != nil {
		q.logger.Error("queue_save_session_failed", "session_id", rec.ID, "error", err)
		return fmt.Errorf("failed to save session %s: %w", rec.ID, err)
	}

	q.pending[pkg.CollectionSessions][rec.ID] = rec.SyncAttempts
	q.publishLocked()
	return nil
}

// UnsyncedLocations returns every unsynced observation ordered by capture
// time, stuck records included. Storage failures yield an empty slice.
func (q *Queue) UnsyncedLocations() []pkg.LocationRecord {
	return q.locations(func(r *pkg.LocationRecord) bool { return !r.Synced })
}

// UnsyncedSessions returns every unsynced session ordered by start time,
// stuck records included. Storage failures yield an empty slice.
func (q *Queue) UnsyncedSessions() []pkg.RouteSessionRecord {
	return q.sessions(func(r *pkg.RouteSessionRecord) bool { return !r.Synced })
}

// DrainableLocations returns the unsynced observations below the attempt cap
func (q *Queue) DrainableLocations() []pkg.LocationRecord {
	return q.locations(func(r *pkg.LocationRecord) bool { return !r.Synced && !r.Poisoned() })
}

// DrainableSessions returns the unsynced sessions below the attempt cap
func (q *Queue) DrainableSessions() []pkg.RouteSessionRecord {
	return q.sessions(func(r *pkg.RouteSessionRecord) bool { return !r.Synced && !r.Poisoned() })
}

// StuckLocations returns unsynced observations that exhausted their attempts
func (q *Queue) StuckLocations() []pkg.LocationRecord {
	return q.locations(func(r *pkg.LocationRecord) bool { return !r.Synced && r.Poisoned() })
}

// StuckSessions returns unsynced sessions that exhausted their attempts
func (q *Queue) StuckSessions() []pkg.RouteSessionRecord {
	return q.sessions(func(r *pkg.RouteSessionRecord) bool { return !r.Synced && r.Poisoned() })
}

// SessionLocations returns all observations of a session, synced or not
func (q *Queue) SessionLocations(sessionID string) []pkg.LocationRecord {
	return q.locations(func(r *pkg.LocationRecord) bool { return r.SessionID == sessionID })
}

// Sessions returns every stored session ordered by start time
func (q *Queue) Sessions() []pkg.RouteSessionRecord {
	return q.sessions(func(*pkg.RouteSessionRecord) bool { return true })
}

// GetLocation looks up one observation
func (q *Queue) GetLocation(id string) (*pkg.LocationRecord, error) {
	data, err := q.backend.Get(pkg.CollectionLocations, id)
	if err != nil {
		return nil, err
	}
	var rec pkg.LocationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt location record %s: %w", id, err)
	}
	return &rec, nil
}

// GetSession looks up one session
func (q *Queue) GetSession(id string) (*pkg.RouteSessionRecord, error) {
	data, err := q.backend.Get(pkg.CollectionSessions, id)
	if err != nil {
		return nil, err
	}
	var rec pkg.RouteSessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt session record %s: %w", id, err)
	}
	return &rec, nil
}

// MarkSynced flags records as synced. Already-synced and unknown ids are
// left alone, so repeating the call is harmless.
func (q *Queue) MarkSynced(c pkg.Collection, ids ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var errs []error
	for _, id := range ids {
		err := q.mutate(c, id, func(meta *syncMeta) {
			if meta.Synced {
				return
			}
			meta.Synced = true
			meta.LastSyncAttempt = &now
		})
		if errors.Is(err, ErrNotFound) {
			q.logger.Debug("mark_synced_unknown_record", "collection", string(c), "id", id)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	q.publishLocked()
	return errors.Join(errs...)
}

// IncrementAttempt records one failed sync attempt for each id
func (q *Queue) IncrementAttempt(c pkg.Collection, ids ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var errs []error
	for _, id := range ids {
		err := q.mutate(c, id, func(meta *syncMeta) {
			meta.SyncAttempts++
			meta.LastSyncAttempt = &now
			if meta.SyncAttempts == pkg.MaxSyncAttempts {
				q.logger.Warn("queue_record_stuck",
					"collection", string(c),
					"id", id,
					"attempts", meta.SyncAttempts,
				)
			}
		})
		if err != nil {
			errs = append(errs, err)
		}
	}

	q.publishLocked()
	return errors.Join(errs...)
}

// Requeue resets the attempt counter of a record so it drains again
func (q *Queue) Requeue(c pkg.Collection, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.mutate(c, id, func(meta *syncMeta) {
		meta.SyncAttempts = 0
	})
	if err != nil {
		return err
	}

	q.logger.Info("queue_record_requeued", "collection", string(c), "id", id)
	q.publishLocked()
	return nil
}

// StoreRemoteLocation replaces the local sample with the remote copy and
// marks the record synced in one write
func (q *Queue) StoreRemoteLocation(id string, remote pkg.PositionSample) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	err := q.backend.Update(pkg.CollectionLocations, id, func(value []byte) ([]byte, error) {
		var rec pkg.LocationRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil, fmt.Errorf("corrupt location record %s: %w", id, err)
		}
		rec.Sample = remote
		rec.Synced = true
		rec.LastSyncAttempt = &now
		return json.Marshal(rec)
	})
	if err != nil {
		return fmt.Errorf("failed to store remote location %s: %w", id, err)
	}
	delete(q.pending[pkg.CollectionLocations], id)
	q.publishLocked()
	return nil
}

// StoreRemoteSession replaces the lifecycle fields of a session with the
// remote copy and marks it synced in one write
func (q *Queue) StoreRemoteSession(remote pkg.RouteSessionRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	err := q.backend.Update(pkg.CollectionSessions, remote.ID, func(value []byte) ([]byte, error) {
		var stored pkg.RouteSessionRecord
		if err := json.Unmarshal(value, &stored); err != nil {
			return nil, fmt.Errorf("corrupt session record %s: %w", remote.ID, err)
		}
		remote.SyncAttempts = stored.SyncAttempts
		remote.Synced = true
		remote.LastSyncAttempt = &now
		return json.Marshal(remote)
	})
	if err != nil {
		return fmt.Errorf("failed to store remote session %s: %w", remote.ID, err)
	}
	delete(q.pending[pkg.CollectionSessions], remote.ID)
	q.publishLocked()
	return nil
}

// ClearSynced deletes synced observations and synced completed sessions
func (q *Queue) ClearSynced() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	locations, err := q.backend.Purge(pkg.CollectionLocations, func(value []byte) bool {
		var meta syncMeta
		return json.Unmarshal(value, &meta) == nil && meta.Synced
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge locations: %w", err)
	}

	sessions, err := q.backend.Purge(pkg.CollectionSessions, func(value []byte) bool {
		var rec pkg.RouteSessionRecord
		return json.Unmarshal(value, &rec) == nil && rec.Synced && rec.Status == pkg.SessionCompleted
	})
	if err != nil {
		return locations, fmt.Errorf("failed to purge sessions: %w", err)
	}

	q.logger.Info("queue_purged", "locations", locations, "sessions", sessions)
	q.publishLocked()
	return locations + sessions, nil
}

// Stats returns the stats published after the last mutation
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastStats
}

// syncMeta is the sync bookkeeping shared by both record types. Decoding
// into it and re-encoding would drop the payload, so mutate patches it into
// the raw JSON object instead.
type syncMeta struct {
	Synced          bool       `json:"synced"`
	SyncAttempts    int        `json:"sync_attempts"`
	LastSyncAttempt *time.Time `json:"last_sync_attempt,omitempty"`
}

func (q *Queue) mutate(c pkg.Collection, id string, fn func(*syncMeta)) error {
	var meta syncMeta
	err := q.backend.Update(c, id, func(value []byte) ([]byte, error) {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(value, &raw); err != nil {
			return nil, fmt.Errorf("corrupt %s record %s: %w", c, id, err)
		}
		if err := json.Unmarshal(value, &meta); err != nil {
			return nil, fmt.Errorf("corrupt %s record %s: %w", c, id, err)
		}

		fn(&meta)

		patch := map[string]interface{}{
			"synced":        meta.Synced,
			"sync_attempts": meta.SyncAttempts,
		}
		if meta.LastSyncAttempt != nil {
			patch["last_sync_attempt"] = meta.LastSyncAttempt
		}
		for k, v := range patch {
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			raw[k] = encoded
		}
		return json.Marshal(raw)
	})
	if err != nil {
		return err
	}
	q.trackLocked(c, id, meta)
	return nil
}

// trackLocked mirrors a record's sync bookkeeping into the pending index
func (q *Queue) trackLocked(c pkg.Collection, id string, meta syncMeta) {
	if meta.Synced {
		delete(q.pending[c], id)
		return
	}
	q.pending[c][id] = meta.SyncAttempts
}

// loadPending builds the pending index from storage. Only the sync fields of
// each record are decoded.
func (q *Queue) loadPending() {
	q.pending = map[pkg.Collection]map[string]int{
		pkg.CollectionLocations: {},
		pkg.CollectionSessions:  {},
	}
	for c := range q.pending {
		err := q.backend.ForEach(c, func(id string, value []byte) error {
			var meta syncMeta
			if err := json.Unmarshal(value, &meta); err != nil {
				q.logger.Warn("queue_corrupt_record", "collection", string(c), "id", id, "error", err)
				return nil
			}
			q.trackLocked(c, id, meta)
			return nil
		})
		if err != nil {
			q.logger.Error("queue_read_failed", "collection", string(c), "error", err)
		}
	}
}

func (q *Queue) locations(keep func(*pkg.LocationRecord) bool) []pkg.LocationRecord {
	var out []pkg.LocationRecord
	err := q.backend.ForEach(pkg.CollectionLocations, func(id string, value []byte) error {
		var rec pkg.LocationRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			q.logger.Warn("queue_corrupt_record", "collection", string(pkg.CollectionLocations), "id", id, "error", err)
			return nil
		}
		if keep(&rec) {
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		q.logger.Error("queue_read_failed", "collection", string(pkg.CollectionLocations), "error", err)
		return []pkg.LocationRecord{}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Sample.Timestamp.Equal(out[j].Sample.Timestamp) {
			return out[i].Sample.Timestamp.Before(out[j].Sample.Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	if out == nil {
		out = []pkg.LocationRecord{}
	}
	return out
}

func (q *Queue) sessions(keep func(*pkg.RouteSessionRecord) bool) []pkg.RouteSessionRecord {
	var out []pkg.RouteSessionRecord
	err := q.backend.ForEach(pkg.CollectionSessions, func(id string, value []byte) error {
		var rec pkg.RouteSessionRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			q.logger.Warn("queue_corrupt_record", "collection", string(pkg.CollectionSessions), "id", id, "error", err)
			return nil
		}
		if keep(&rec) {
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		q.logger.Error("queue_read_failed", "collection", string(pkg.CollectionSessions), "error", err)
		return []pkg.RouteSessionRecord{}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	if out == nil {
		out = []pkg.RouteSessionRecord{}
	}
	return out
}

func (q *Queue) computeStats() QueueStats {
	stats := QueueStats{
		PendingLocations: len(q.pending[pkg.CollectionLocations]),
		PendingSessions:  len(q.pending[pkg.CollectionSessions]),
	}
	stats.Pending = stats.PendingLocations + stats.PendingSessions
	for _, ids := range q.pending {
		for _, attempts := range ids {
			if attempts >= pkg.MaxSyncAttempts {
				stats.Stuck++
			}
		}
	}
	return stats
}

// publishLocked refreshes stats from the pending index and notifies
// listeners. Callers hold q.mu.
func (q *Queue) publishLocked() {
	q.lastStats = q.computeStats()
	for _, fn := range q.listeners {
		fn(q.lastStats)
	}
}
