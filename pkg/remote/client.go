// Package remote is the HTTP client for the remote authority's session-sync
// and coordinates-sync endpoints.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/markus-lassfolk/routetrack/pkg"
	"github.com/markus-lassfolk/routetrack/pkg/logx"
)

// ResolutionHeader carries the conflict action on a resubmission
const ResolutionHeader = "X-Sync-Resolution"

// HTTPError is a non-2xx, non-conflict response
type HTTPError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Endpoint, e.StatusCode, strings.TrimSpace(body))
}

// SessionResult is the outcome of a session-sync call. Remote is set when
// the authority reported a conflict and returned its copy.
type SessionResult struct {
	Remote *pkg.RouteSessionRecord
}

// CoordinatesResult is the outcome of a coordinates-sync call. Conflicts
// holds the remote copies of rejected members; the rest were accepted.
type CoordinatesResult struct {
	Conflicts map[string]pkg.LocationRecord
}

// Config configures the client
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to the remote authority
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logx.Logger
	perf       *logx.PerformanceLogger
}

// NewClient creates a client. perf may be nil.
func NewClient(cfg Config, logger *logx.Logger, perf *logx.PerformanceLogger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		perf:       perf,
	}
}

// SyncSession upserts a session. resolution is sent as the resolution
// header when non-empty.
func (c *Client) SyncSession(ctx context.Context, rec pkg.RouteSessionRecord, resolution string) (*SessionResult, error) {
	status, body, err := c.post(ctx, "session-sync", NewSessionPayload(rec), resolution)
	if err != nil {
		return nil, err
	}

	if status == http.StatusConflict {
		var conflict sessionConflictBody
		if err := json.Unmarshal(body, &conflict); err != nil || conflict.Remote == nil {
			return nil, &HTTPError{Endpoint: "session-sync", StatusCode: status, Body: string(body)}
		}
		remote, err := conflict.Remote.Record()
		if err != nil {
			return nil, fmt.Errorf("session-sync: bad conflict payload: %w", err)
		}
		return &SessionResult{Remote: &remote}, nil
	}

	return &SessionResult{}, nil
}

// SyncCoordinates submits one batch of observations of a session
func (c *Client) SyncCoordinates(ctx context.Context, sessionID string, recs []pkg.LocationRecord, resolution string) (*CoordinatesResult, error) {
	payload := CoordinatesPayload{
		SessionID:   sessionID,
		Coordinates: make([]CoordinatePayload, 0, len(recs)),
	}
	for _, rec := range recs {
		payload.Coordinates = append(payload.Coordinates, NewCoordinatePayload(rec))
	}

	status, body, err := c.post(ctx, "coordinates-sync", payload, resolution)
	if err != nil {
		return nil, err
	}

	result := &CoordinatesResult{Conflicts: map[string]pkg.LocationRecord{}}
	if status == http.StatusConflict {
		var conflict coordinatesConflictBody
		if err := json.Unmarshal(body, &conflict); err != nil || len(conflict.Conflicts) == 0 {
			return nil, &HTTPError{Endpoint: "coordinates-sync", StatusCode: status, Body: string(body)}
		}
		for _, p := range conflict.Conflicts {
			remote, err := p.Record(sessionID)
			if err != nil {
				return nil, fmt.Errorf("coordinates-sync: bad conflict payload: %w", err)
			}
			result.Conflicts[remote.ID] = remote
		}
	}
	return result, nil
}

// post sends a JSON body and returns the status and body of 2xx and 409
// responses; anything else is an error
func (c *Client) post(ctx context.Context, endpoint string, payload interface{}, resolution string) (int, []byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal %s request: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if resolution != "" {
		req.Header.Set(ResolutionHeader, resolution)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.record(endpoint, start, len(jsonData), 0, err)
		return 0, nil, fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.record(endpoint, start, len(jsonData), resp.StatusCode, err)
		return 0, nil, fmt.Errorf("failed to read %s response: %w", endpoint, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300, resp.StatusCode == http.StatusConflict:
		c.record(endpoint, start, len(jsonData), resp.StatusCode, nil)
		return resp.StatusCode, body, nil
	default:
		httpErr := &HTTPError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: string(body)}
		c.record(endpoint, start, len(jsonData), resp.StatusCode, httpErr)
		return 0, nil, httpErr
	}
}

func (c *Client) record(endpoint string, start time.Time, bytesSent, status int, err error) {
	if c.perf != nil {
		c.perf.LogNetworkPerformance(endpoint, time.Since(start), bytesSent, status, err)
		return
	}
	c.logger.Debug("remote_request",
		"endpoint", endpoint,
		"status_code", status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
