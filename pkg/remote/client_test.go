package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/routetrack/pkg"
	"github.com/markus-lassfolk/routetrack/pkg/logx"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger := logx.NewLogger("debug", "test")
	return NewClient(Config{BaseURL: srv.URL + "/", Token: "secret", Timeout: 2 * time.Second}, logger, logx.NewPerformanceLogger(logger))
}

func testSession() pkg.RouteSessionRecord {
	start := time.Date(2026, 6, 1, 7, 30, 0, 0, time.UTC)
	return pkg.RouteSessionRecord{
		ID:            "sess-1",
		EmployeeID:    "emp-9",
		StartTime:     start,
		Status:        pkg.SessionActive,
		StartPosition: &pkg.Coordinates{Latitude: 59.1, Longitude: 18.2},
		UpdatedAt:     start,
	}
}

func TestSyncSessionSendsPayload(t *testing.T) {
	var got map[string]interface{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/session-sync", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "", r.Header.Get(ResolutionHeader))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	})

	res, err := client.SyncSession(context.Background(), testSession(), "")
	require.NoError(t, err)
	assert.Nil(t, res.Remote)

	assert.Equal(t, "sess-1", got["id"])
	assert.Equal(t, "emp-9", got["employee_id"])
	assert.Equal(t, "2026-06-01T07:30:00.000Z", got["start_time"])
	assert.Equal(t, "active", got["status"])
	assert.Equal(t, 59.1, got["start_latitude"])
	_, hasEnd := got["end_time"]
	assert.False(t, hasEnd)
}

func TestSyncSessionConflict(t *testing.T) {
	remote := testSession()
	remote.Status = pkg.SessionCompleted
	end := remote.StartTime.Add(time.Hour)
	remote.EndTime = &end

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "merge", r.Header.Get(ResolutionHeader))
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]interface{}{"remote": NewSessionPayload(remote)})
	})

	res, err := client.SyncSession(context.Background(), testSession(), "merge")
	require.NoError(t, err)
	require.NotNil(t, res.Remote)
	assert.Equal(t, pkg.SessionCompleted, res.Remote.Status)
	require.NotNil(t, res.Remote.EndTime)
	assert.True(t, end.Equal(*res.Remote.EndTime))
}

func TestSyncSessionServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
	})

	_, err := client.SyncSession(context.Background(), testSession(), "")
	require.Error(t, err)
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)
	assert.Contains(t, err.Error(), "database unavailable")
}

func TestSyncCoordinatesBatch(t *testing.T) {
	var got CoordinatesPayload
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coordinates-sync", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	})

	ts := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	recs := []pkg.LocationRecord{
		{ID: "a", SessionID: "sess-1", Sample: pkg.PositionSample{Latitude: 1, Longitude: 2, Accuracy: 5, Timestamp: ts}},
		{ID: "b", SessionID: "sess-1", Sample: pkg.PositionSample{Latitude: 3, Longitude: 4, Accuracy: 6, Timestamp: ts.Add(time.Minute)}},
	}

	res, err := client.SyncCoordinates(context.Background(), "sess-1", recs, "")
	require.NoError(t, err)
	assert.Empty(t, res.Conflicts)

	assert.Equal(t, "sess-1", got.SessionID)
	require.Len(t, got.Coordinates, 2)
	assert.Equal(t, "a", got.Coordinates[0].ID)
	assert.Equal(t, "2026-06-01T08:01:00.000Z", got.Coordinates[1].Timestamp)
	assert.Equal(t, 6.0, got.Coordinates[1].Accuracy)
}

func TestSyncCoordinatesConflict(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"conflicts": []CoordinatePayload{{ID: "b", Latitude: 9, Longitude: 9, Timestamp: "2026-06-01T08:00:00Z", Accuracy: 3}},
		})
	})

	recs := []pkg.LocationRecord{{ID: "a"}, {ID: "b"}}
	res, err := client.SyncCoordinates(context.Background(), "sess-1", recs, "")
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	remote := res.Conflicts["b"]
	assert.Equal(t, 9.0, remote.Sample.Latitude)
	assert.Equal(t, "sess-1", remote.SessionID)
}

func TestSyncCoordinatesTransportError(t *testing.T) {
	logger := logx.NewLogger("debug", "test")
	client := NewClient(Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second}, logger, nil)

	_, err := client.SyncCoordinates(context.Background(), "s", []pkg.LocationRecord{{ID: "a"}}, "")
	assert.Error(t, err)
}

func TestSessionPayloadRoundTripKeepsPositions(t *testing.T) {
	rec := testSession()
	end := rec.StartTime.Add(2 * time.Hour)
	rec.EndTime = &end
	rec.EndPosition = &pkg.Coordinates{Latitude: 59.3, Longitude: 18.4}

	back, err := NewSessionPayload(rec).Record()
	require.NoError(t, err)
	assert.Equal(t, rec.StartPosition, back.StartPosition)
	assert.Equal(t, rec.EndPosition, back.EndPosition)
	assert.True(t, end.Equal(*back.EndTime))
}
