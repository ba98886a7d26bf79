package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/markus-lassfolk/routetrack/pkg"
	"github.com/markus-lassfolk/routetrack/pkg/logx"
)

const heartbeatPath = "/tmp/routetrackd.health"

// HeartbeatData represents the heartbeat written for external watchdogs
type HeartbeatData struct {
	Timestamp    string  `json:"ts"`
	UptimeS      int64   `json:"uptime_s"`
	Version      string  `json:"version"`
	Status       string  `json:"status"` // ok|offline|degraded
	Online       bool    `json:"online"`
	PendingCount int     `json:"pending_count"`
	StuckCount   int     `json:"stuck_count"`
	LastSyncTS   string  `json:"last_sync_ts,omitempty"`
	SessionID    string  `json:"session_id,omitempty"`
	MemMB        float64 `json:"mem_mb"`
	Goroutines   int     `json:"goroutines"`
	DeviceID     string  `json:"device_id"`
}

type statusSource interface {
	Status() pkg.SyncStatus
}

type sessionSource interface {
	Current() *pkg.RouteSessionRecord
}

// writeHeartbeat rewrites the heartbeat file every interval until ctx is done
func writeHeartbeat(ctx context.Context, path string, interval time.Duration, startTime time.Time, deviceID string, sync statusSource, sessions sessionSource, logger *logx.Logger) {
	if deviceID == "" {
		deviceID = hostDeviceID()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Heartbeat writer stopped")
			return
		case <-ticker.C:
			hb := buildHeartbeat(time.Now(), startTime, deviceID, sync.Status(), sessions.Current())
			if err := writeHeartbeatFile(path, hb); err != nil {
				logger.Error("Failed to write heartbeat file", "error", err, "file", path)
				continue
			}
			logger.Trace("Heartbeat written", "file", path, "uptime_s", hb.UptimeS, "pending", hb.PendingCount)
		}
	}
}

func buildHeartbeat(now, startTime time.Time, deviceID string, status pkg.SyncStatus, current *pkg.RouteSessionRecord) HeartbeatData {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	hb := HeartbeatData{
		Timestamp:    now.UTC().Format(time.RFC3339),
		UptimeS:      int64(now.Sub(startTime).Seconds()),
		Version:      AppVersion,
		Status:       "ok",
		Online:       status.Online,
		PendingCount: status.PendingCount,
		StuckCount:   status.StuckCount,
		MemMB:        float64(memStats.Alloc) / 1024 / 1024,
		Goroutines:   runtime.NumGoroutine(),
		DeviceID:     deviceID,
	}
	switch {
	case status.StuckCount > 0:
		hb.Status = "degraded"
	case !status.Online:
		hb.Status = "offline"
	}
	if status.LastSyncTime != nil {
		hb.LastSyncTS = status.LastSyncTime.UTC().Format(time.RFC3339)
	}
	if current != nil {
		hb.SessionID = current.ID
	}
	return hb
}

// writeHeartbeatFile replaces path atomically
func writeHeartbeatFile(path string, hb HeartbeatData) error {
	data, err := json.Marshal(hb)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "routetrackd-heartbeat-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func hostDeviceID() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "routetrack-device"
}
