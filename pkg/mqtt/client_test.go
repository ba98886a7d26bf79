package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/markus-lassfolk/routetrack/pkg"
	"github.com/markus-lassfolk/routetrack/pkg/conflict"
	"github.com/markus-lassfolk/routetrack/pkg/logx"
)

type published struct {
	topic   string
	payload map[string]interface{}
}

func newConnectedClient(t *testing.T) (*Client, *[]published) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Enabled = true
	c := NewClient(cfg, logx.NewLogger("debug", "test"))
	c.connected = true

	var out []published
	c.publish = func(topic string, payload []byte) error {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(payload, &m))
		out = append(out, published{topic: topic, payload: m})
		return nil
	}
	return c, &out
}

func TestPublishStatus(t *testing.T) {
	c, out := newConnectedClient(t)

	c.StatusListener(pkg.SyncStatus{Online: true, PendingCount: 4, StuckCount: 1})

	require.Len(t, *out, 1)
	msg := (*out)[0]
	assert.Equal(t, "routetrack/sync/status", msg.topic)
	status := msg.payload["status"].(map[string]interface{})
	assert.Equal(t, true, status["online"])
	assert.Equal(t, 4.0, status["pending_count"])
	assert.False(t, c.GetLastPublish().IsZero())
}

func TestPublishSessionAndConflict(t *testing.T) {
	c, out := newConnectedClient(t)

	rec := pkg.RouteSessionRecord{ID: "s1", EmployeeID: "e1", Status: pkg.SessionCompleted}
	require.NoError(t, c.PublishSession("completed", rec))

	cf := &conflict.Conflict{ID: "c1", Type: conflict.TypeSession, Reason: conflict.ReasonServerNewer, DetectedAt: time.Now()}
	require.NoError(t, c.PublishConflict(cf, conflict.Resolution{Action: conflict.ActionUseServer, Reason: "server newer"}))

	require.Len(t, *out, 2)
	assert.Equal(t, "routetrack/sessions/completed", (*out)[0].topic)
	assert.Equal(t, "routetrack/sync/conflicts", (*out)[1].topic)
	assert.Equal(t, "use_server", (*out)[1].payload["action"])
}

func TestPublishIsNoopWhenDisabledOrDisconnected(t *testing.T) {
	c, out := newConnectedClient(t)

	c.connected = false
	require.NoError(t, c.PublishPosition("s1", pkg.PositionSample{Latitude: 1}))

	c.connected = true
	c.config.Enabled = false
	require.NoError(t, c.PublishPosition("s1", pkg.PositionSample{Latitude: 1}))

	assert.Empty(t, *out)
}

func TestPublishErrorIsReturned(t *testing.T) {
	c, _ := newConnectedClient(t)
	c.publish = func(string, []byte) error { return errors.New("broker gone") }

	err := c.PublishPosition("s1", pkg.PositionSample{})
	assert.EqualError(t, err, "broker gone")

	// the listener form only logs
	c.StatusListener(pkg.SyncStatus{})
}

func TestPositionsAreRateLimited(t *testing.T) {
	c, out := newConnectedClient(t)
	c.limiter = rate.NewLimiter(rate.Every(time.Hour), 2)

	for i := 0; i < 4; i++ {
		require.NoError(t, c.PublishPosition("s1", pkg.PositionSample{}))
	}
	assert.Len(t, *out, 2)

	// status and lifecycle messages bypass the limiter
	require.NoError(t, c.PublishStatus(pkg.SyncStatus{Online: true}))
	require.NoError(t, c.PublishSession("completed", pkg.RouteSessionRecord{ID: "s1"}))
	assert.Len(t, *out, 4)
}
