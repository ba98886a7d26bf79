package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/markus-lassfolk/routetrack/pkg"
	"github.com/markus-lassfolk/routetrack/pkg/adaptive"
	"github.com/markus-lassfolk/routetrack/pkg/api"
	"github.com/markus-lassfolk/routetrack/pkg/conflict"
	"github.com/markus-lassfolk/routetrack/pkg/gps"
	"github.com/markus-lassfolk/routetrack/pkg/logx"
	"github.com/markus-lassfolk/routetrack/pkg/metrics"
	"github.com/markus-lassfolk/routetrack/pkg/mqtt"
	"github.com/markus-lassfolk/routetrack/pkg/pidfile"
	"github.com/markus-lassfolk/routetrack/pkg/queue"
	"github.com/markus-lassfolk/routetrack/pkg/remote"
	"github.com/markus-lassfolk/routetrack/pkg/session"
	"github.com/markus-lassfolk/routetrack/pkg/syncer"
	"github.com/markus-lassfolk/routetrack/pkg/uci"
)

var (
	configPath = flag.String("config", uci.DefaultConfigPath, "Path to UCI configuration file")
	pidPath    = flag.String("pid-file", "", "Path to PID file (overrides config)")
	envFile    = flag.String("env-file", "/etc/routetrack/routetrack.env", "Optional file with secret overrides")
	logLevel   = flag.String("log-level", "", "Override log level (trace|debug|info|warn|error)")
	version    = flag.Bool("version", false, "Show version information")
	force      = flag.Bool("force", false, "Force start by removing stale PID file")
)

const (
	AppName    = "routetrackd"
	AppVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	bootLogger := logx.NewLogger(levelOr("info"), AppName)

	cfg, err := uci.Load(context.Background(), *configPath, bootLogger)
	if err != nil {
		bootLogger.Error("Failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}
	if err := cfg.ApplyEnv(*envFile); err != nil {
		bootLogger.Error("Failed to apply environment overrides", "error", err, "env_file", *envFile)
		os.Exit(1)
	}

	logger := logx.NewLogger(levelOr(cfg.LogLevel), AppName)

	pidFilePath := cfg.PIDFile
	if *pidPath != "" {
		pidFilePath = *pidPath
	}
	pidFile := pidfile.New(pidFilePath)

	running, existingPID, err := pidFile.CheckRunning()
	if err != nil {
		logger.Error("Failed to check for running instance", "error", err)
		os.Exit(1)
	}
	if running {
		if !*force {
			logger.Error("Another instance is already running", "existing_pid", existingPID, "pid_file", pidFilePath)
			fmt.Fprintf(os.Stderr, "Error: %s is already running with PID %d\n", AppName, existingPID)
			fmt.Fprintf(os.Stderr, "Use --force to override, or stop the existing instance first\n")
			os.Exit(1)
		}
		logger.Warn("Another instance is running, but force flag specified", "existing_pid", existingPID)
		if err := pidFile.ForceRemove(); err != nil {
			logger.Error("Failed to remove existing PID file", "error", err)
			os.Exit(1)
		}
	}

	if err := pidFile.Create(); err != nil {
		logger.Error("Failed to create PID file", "error", err, "path", pidFilePath)
		os.Exit(1)
	}

	code := run(cfg, logger)

	if err := pidFile.Remove(); err != nil {
		logger.Error("Failed to remove PID file", "error", err)
	}
	os.Exit(code)
}

// run wires the daemon and blocks until a shutdown signal arrives
func run(cfg *uci.Config, logger *logx.Logger) int {
	logger.Info("Starting routetrack daemon", "version", AppVersion, "pid", os.Getpid(), "device_id", cfg.DeviceID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	perf := logx.NewPerformanceLogger(logger.WithComponent("perf"))

	// Local queue
	q, err := queue.Open(cfg.QueueBackend, cfg.QueuePath, logger.WithComponent("queue"))
	if err != nil {
		logger.Error("Failed to open local queue", "error", err, "backend", cfg.QueueBackend, "path", cfg.QueuePath)
		return 1
	}
	defer func() {
		if err := q.Close(); err != nil {
			logger.Error("Failed to close local queue", "error", err)
		}
	}()

	collector := metrics.New()

	// Battery telemetry and interval scheduling
	battery := adaptive.NewBatteryMonitor()
	scheduler := adaptive.NewScheduler(battery)
	sysfs := adaptive.NewSysfsBattery(cfg.BatterySysfsPath, logger.WithComponent("battery"))
	go sysfs.Run(ctx, time.Duration(cfg.BatteryPollS)*time.Second, battery)

	// Position source
	gpsLogger := logger.WithComponent("gps")
	sensor := gps.NewGpsctlSensor(gpsLogger)
	perms := gps.NewDevicePermission(cfg.PermissionDevice)

	var locator gps.NetworkLocator
	if cfg.GoogleAPIKey != "" {
		gl, err := gps.NewGoogleLocator(cfg.GoogleAPIKey, gpsLogger)
		if err != nil {
			logger.Warn("Network locator unavailable", "error", err)
		} else {
			locator = gl
		}
	}

	recoveryConfig := gps.DefaultRecoveryConfig()
	if cfg.GPSAccuracyFloorM > 0 {
		recoveryConfig.AccuracyFloor = cfg.GPSAccuracyFloorM
	}
	if cfg.GPSStaleAfterS > 0 {
		recoveryConfig.StaleAfter = time.Duration(cfg.GPSStaleAfterS) * time.Second
	}
	if cfg.GPSFallbackRetryS > 0 {
		recoveryConfig.FallbackRetry = time.Duration(cfg.GPSFallbackRetryS) * time.Second
	}
	if cfg.GPSReadTimeoutS > 0 {
		recoveryConfig.ReadOptions.Timeout = time.Duration(cfg.GPSReadTimeoutS) * time.Second
	}
	recovery := gps.NewRecoveryController(recoveryConfig, sensor, perms, locator, gpsLogger)
	defer recovery.Close()

	cadence := adaptive.NewCadence(time.Duration(cfg.GPSInitialInterval)*time.Second, logger.WithComponent("cadence"))
	source := gps.NewPositionSource(sensor, perms, recovery, cadence, gpsLogger)
	defer source.Stop()

	source.OnStateChange(func(from, to gps.State) {
		logger.Info("Position source state changed", "from", from, "to", to)
	})

	// Sync
	client := remote.NewClient(remote.Config{
		BaseURL: cfg.SyncURL,
		Token:   cfg.SyncToken,
		Timeout: cfg.SyncTimeout(),
	}, logger.WithComponent("remote"), perf)

	coordConfig := syncer.DefaultConfig()
	coordConfig.Interval = cfg.SyncInterval()
	coordConfig.MaxBackoff = cfg.SyncMaxBackoff()
	coordConfig.BatchSize = cfg.SyncBatchSize
	coord := syncer.NewCoordinator(coordConfig, client, q, logger.WithComponent("sync"), perf)

	// MQTT
	mqttConfig := mqtt.Config(cfg.MQTT)
	if mqttConfig.ClientID == "" {
		mqttConfig.ClientID = AppName
	}
	publisher := mqtt.NewClient(&mqttConfig, logger.WithComponent("mqtt"))
	if err := publisher.Connect(); err != nil {
		logger.Warn("MQTT unavailable, continuing without it", "error", err)
	}
	defer func() {
		if err := publisher.Disconnect(); err != nil {
			logger.Warn("MQTT disconnect failed", "error", err)
		}
	}()

	coord.AddListener(collector.ObserveStatus)
	coord.AddListener(publisher.StatusListener)
	coord.OnDrain(collector.ObserveDrain)
	coord.OnConflict(func(cf *conflict.Conflict, res conflict.Resolution) {
		collector.ObserveConflict(cf, res)
		if err := publisher.PublishConflict(cf, res); err != nil {
			logger.Debug("Conflict publish failed", "error", err)
		}
	})

	// Route sessions
	sessionConfig := session.DefaultConfig()
	if cfg.GeofenceRadiusM > 0 {
		sessionConfig.GeofenceRadius = cfg.GeofenceRadiusM
	}
	ctrl := session.NewController(sessionConfig, source, recovery, q, scheduler, logger.WithComponent("session"))
	sessions := &publishingSessions{Controller: ctrl, publisher: publisher, logger: logger}

	ctrl.OnSample(func(sessionID string, sample pkg.PositionSample) {
		collector.ObserveSample(sessionID, sample)
		if err := publisher.PublishPosition(sessionID, sample); err != nil {
			logger.Debug("Position publish failed", "error", err)
		}
	})
	ctrl.OnGeofenceReturn(func(rec pkg.RouteSessionRecord, sample pkg.PositionSample) {
		logger.Info("Returned to session start", "session_id", rec.ID, "latitude", sample.Latitude, "longitude", sample.Longitude)
		if err := publisher.PublishSession("geofence_return", rec); err != nil {
			logger.Debug("Geofence publish failed", "error", err)
		}
	})
	battery.OnChange(func(state pkg.BatteryState) {
		collector.ObserveBattery(state)
		ctrl.Reschedule()
	})

	if rec, err := ctrl.Restore(); err != nil {
		logger.Error("Failed to restore open session", "error", err)
	} else if rec != nil {
		logger.Info("Restored open session", "session_id", rec.ID, "status", rec.Status)
	}

	// Background loops
	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		coord.Start(ctx)
	}()

	probeURL := cfg.ProbeURL
	if probeURL == "" {
		probeURL = cfg.SyncURL
	}
	if probeURL != "" {
		probe := syncer.NewProbe(probeURL, time.Duration(cfg.ProbeIntervalS)*time.Second, cfg.SyncTimeout(), logger.WithComponent("probe"))
		go probe.Run(ctx, coord.SetOnline)
	} else {
		logger.Warn("No sync URL configured, staying offline")
	}

	if !cfg.QueueKeepSynced {
		go runCleanup(ctx, q, time.Duration(cfg.QueueCleanupS)*time.Second, logger)
	}

	var server *api.Server
	if cfg.APIEnabled {
		server = api.NewServer(api.Config{Listen: cfg.APIListen, APIKey: cfg.APIKey}, api.Deps{
			Sessions: sessions,
			Sync:     coord,
			Queue:    q,
			Battery:  battery,
			Locator:  recovery,
			Metrics:  collector.Handler(),
		}, logger.WithComponent("api"))
		if err := server.Start(); err != nil {
			logger.Error("Failed to start API server", "error", err)
			return 1
		}
	}

	go writeHeartbeat(ctx, heartbeatPath, 10*time.Second, time.Now(), cfg.DeviceID, coord, ctrl, logger)

	// Signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigChan)

	for sig := range sigChan {
		if sig == syscall.SIGUSR1 {
			logger.Info("Sync requested by signal")
			coord.Trigger()
			continue
		}
		logger.Info("Received shutdown signal", "signal", sig)
		break
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("API server shutdown failed", "error", err)
		}
	}

	// a running drain finishes before the queue is closed
	select {
	case <-coordDone:
	case <-shutdownCtx.Done():
		logger.Warn("Sync drain still running at shutdown deadline")
	}

	perf.LogSummary()
	logger.Info("Graceful shutdown completed")
	return 0
}

// runCleanup periodically removes synced records from the local queue
func runCleanup(ctx context.Context, q *queue.Queue, interval time.Duration, logger *logx.Logger) {
	if interval <= 0 {
		interval = time.Duration(uci.DefaultQueueCleanupS) * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := q.ClearSynced()
			if err != nil {
				logger.Warn("Queue cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Debug("Queue cleanup removed synced records", "removed", removed)
			}
		}
	}
}

func levelOr(fallback string) string {
	if *logLevel != "" {
		return *logLevel
	}
	if fallback == "" {
		return "info"
	}
	return fallback
}
