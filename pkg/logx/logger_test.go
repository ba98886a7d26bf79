package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_KeyValueFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("debug", "test", &buf)

	logger.Info("queue_append", "collection", "locations", "error", errors.New("boom"))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "queue_append", entry["msg"])
	assert.Equal(t, "test", entry["component"])
	assert.Equal(t, "locations", entry["collection"])
	assert.Equal(t, "boom", entry["error"])
}

func TestLogger_MapFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "test", &buf)

	logger.Warn("sync_failed", map[string]interface{}{"attempt": 3})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, float64(3), entry["attempt"])
	assert.Equal(t, "warning", entry["level"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("warn", "test", &buf)

	logger.Debug("hidden")
	logger.Info("hidden")
	assert.Empty(t, buf.String())

	logger.SetLevel("debug")
	logger.Debug("shown")
	assert.Contains(t, buf.String(), "shown")
	assert.Equal(t, "debug", logger.GetLevel())
}

func TestLogger_OddFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "", &buf)

	logger.Info("odd", "dangling")
	assert.Contains(t, buf.String(), "(missing)")
}

func TestPerformanceLogger_Complete(t *testing.T) {
	logger := NewLoggerWithWriter("error", "test", &bytes.Buffer{})
	pl := NewPerformanceLogger(logger)

	pl.StartOperation(context.Background(), "sync_drain").Complete(nil)
	pl.StartOperation(context.Background(), "sync_drain").Complete(errors.New("offline"))

	st := pl.Stats("sync_drain")
	require.NotNil(t, st)
	assert.Equal(t, int64(2), st.Count)
	assert.Equal(t, int64(1), st.Errors)
	assert.True(t, st.LastFailed)
	assert.InDelta(t, 0.5, st.FailureRatio(), 0.001)
	assert.Nil(t, pl.Stats("unknown"))
}

func TestPerformanceLogger_CancelledCountsAsFailure(t *testing.T) {
	var buf bytes.Buffer
	pl := NewPerformanceLogger(NewLoggerWithWriter("error", "test", &buf))

	ctx, cancel := context.WithCancel(context.Background())
	op := pl.StartOperation(ctx, "remote_call")
	cancel()
	op.Complete(nil)

	assert.Equal(t, int64(1), pl.Stats("remote_call").Errors)
	assert.Contains(t, buf.String(), "operation_failed")
}

func TestPerformanceLogger_SnapshotSorted(t *testing.T) {
	pl := NewPerformanceLogger(NewLoggerWithWriter("error", "test", &bytes.Buffer{}))
	pl.StartOperation(context.Background(), "b").Complete(nil)
	pl.StartOperation(context.Background(), "a").Complete(nil)

	snap := pl.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Name)
	assert.Equal(t, "b", snap[1].Name)
}
