package gps

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/routetrack/pkg"
	"github.com/markus-lassfolk/routetrack/pkg/adaptive"
)

type sampleSink struct {
	mu      sync.Mutex
	samples []pkg.PositionSample
	errs    []error
}

func (s *sampleSink) onSample(sample pkg.PositionSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
}

func (s *sampleSink) onError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *sampleSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

func (s *sampleSink) errorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errs)
}

func (s *sampleSink) last() pkg.PositionSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples[len(s.samples)-1]
}

func newTestSource(sensor Sensor, perms PermissionProvider, cfg *RecoveryConfig) *PositionSource {
	if cfg == nil {
		cfg = testRecoveryConfig()
	}
	rc := NewRecoveryController(cfg, sensor, perms, nil, testLogger())
	cadence := adaptive.NewCadence(10*time.Millisecond, nil)
	return NewPositionSource(sensor, perms, rc, cadence, testLogger())
}

func TestSourceDeliversSamples(t *testing.T) {
	sensor := newScriptedSensor(fix(59.0, 18.0, 5, time.Now()))
	src := newTestSource(sensor, nil, nil)
	sink := &sampleSink{}

	require.NoError(t, src.Start("session-1", sink.onSample, sink.onError))
	defer src.Stop()

	assert.Equal(t, StateTracking, src.State())
	assert.Eventually(t, func() bool { return sink.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, sink.errorCount())
	assert.Equal(t, 59.0, sink.last().Latitude)
}

func TestSourceStartTwiceFails(t *testing.T) {
	src := newTestSource(newScriptedSensor(fix(1, 1, 5, time.Now())), nil, nil)
	sink := &sampleSink{}

	require.NoError(t, src.Start("a", sink.onSample, sink.onError))
	defer src.Stop()
	assert.ErrorIs(t, src.Start("b", sink.onSample, sink.onError), ErrAlreadyActive)
}

func TestSourceStopIsIdempotentAndSilences(t *testing.T) {
	sensor := newScriptedSensor(fix(1, 1, 5, time.Now()))
	src := newTestSource(sensor, nil, nil)
	sink := &sampleSink{}

	src.Stop()
	assert.Equal(t, StateIdle, src.State())

	require.NoError(t, src.Start("a", sink.onSample, sink.onError))
	require.Eventually(t, func() bool { return sink.count() >= 1 }, 2*time.Second, 5*time.Millisecond)

	src.Stop()
	src.Stop()
	assert.Equal(t, StateStopped, src.State())

	delivered := sink.count()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, delivered, sink.count(), "no samples after stop")

	require.NoError(t, src.Start("b", sink.onSample, sink.onError), "restart after stop")
	src.Stop()
}

func TestSourceRestartRacingStopKeepsTicking(t *testing.T) {
	sensor := newScriptedSensor(fix(1, 1, 5, time.Now()))
	src := newTestSource(sensor, nil, nil)
	sink := &sampleSink{}

	require.NoError(t, src.Start("s-0", sink.onSample, sink.onError))
	defer src.Stop()

	for i := 1; i <= 20; i++ {
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			src.Stop()
		}()
		// Start succeeds as soon as the concurrent Stop has left Tracking
		for {
			err := src.Start("s-restart", sink.onSample, sink.onError)
			if err == nil {
				break
			}
			require.ErrorIs(t, err, ErrAlreadyActive)
			runtime.Gosched()
		}
		wg.Wait()

		require.Equal(t, StateTracking, src.State(), "round %d", i)
		before := sink.count()
		require.Eventually(t, func() bool { return sink.count() >= before+2 }, 2*time.Second, 5*time.Millisecond,
			"restarted source stopped ticking in round %d", i)
	}
}

func TestSourcePauseResume(t *testing.T) {
	sensor := newScriptedSensor(fix(1, 1, 5, time.Now()))
	src := newTestSource(sensor, nil, nil)
	sink := &sampleSink{}

	assert.ErrorIs(t, src.Pause(), ErrNotTracking)
	require.NoError(t, src.Start("a", sink.onSample, sink.onError))
	defer src.Stop()

	require.Eventually(t, func() bool { return sink.count() >= 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, src.Pause())
	assert.Equal(t, StatePaused, src.State())
	assert.ErrorIs(t, src.Pause(), ErrNotTracking)

	time.Sleep(20 * time.Millisecond)
	paused := sink.count()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, paused, sink.count(), "paused source delivers nothing")

	require.NoError(t, src.Resume())
	assert.ErrorIs(t, src.Resume(), ErrNotTracking)
	assert.Eventually(t, func() bool { return sink.count() > paused }, 2*time.Second, 5*time.Millisecond)
}

func TestSourceEstimatesDuringOutage(t *testing.T) {
	t0 := time.Now()
	sensor := newScriptedSensor(fix(59.0, 18.0, 10, t0), failure(ErrCodeTimeout))
	src := newTestSource(sensor, nil, nil)
	defer src.Recovery().Close()
	sink := &sampleSink{}

	require.NoError(t, src.Start("a", sink.onSample, sink.onError))
	defer src.Stop()

	require.Eventually(t, func() bool { return sink.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	est := sink.last()
	assert.True(t, est.Estimated)
	assert.GreaterOrEqual(t, est.Accuracy, 50.0)
	assert.Equal(t, StateRecovering, src.State())
	assert.True(t, src.Recovery().InFallback())
}

func TestSourceRecoversFromFallback(t *testing.T) {
	cfg := testRecoveryConfig()
	cfg.FallbackRetry = 20 * time.Millisecond

	sensor := newScriptedSensor(fix(59.0, 18.0, 10, time.Now()), failure(ErrCodeTimeout))
	src := newTestSource(sensor, nil, cfg)
	defer src.Recovery().Close()
	sink := &sampleSink{}

	require.NoError(t, src.Start("a", sink.onSample, sink.onError))
	defer src.Stop()

	require.Eventually(t, func() bool { return src.State() == StateRecovering }, 2*time.Second, 5*time.Millisecond)
	sensor.set(fix(59.2, 18.2, 6, time.Now()))

	assert.Eventually(t, func() bool { return src.State() == StateTracking }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		last := sink.last()
		return !last.Estimated && last.Latitude == 59.2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSourceTerminalPermissionStops(t *testing.T) {
	perms := NewStaticPermission(pkg.PermissionDenied, pkg.PermissionDenied)
	sensor := newScriptedSensor(failure(ErrCodePermissionDenied))
	src := newTestSource(sensor, perms, nil)
	sink := &sampleSink{}

	var transitions []State
	var mu sync.Mutex
	src.OnStateChange(func(from, to State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, to)
	})

	require.NoError(t, src.Start("a", sink.onSample, sink.onError))
	require.Eventually(t, func() bool { return src.State() == StateStopped }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return sink.errorCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	assert.True(t, IsTerminal(sink.errs[0]))
	sink.mu.Unlock()
	assert.Equal(t, 0, sink.count())

	mu.Lock()
	assert.Equal(t, []State{StateTracking, StateRecovering, StateStopped}, transitions)
	mu.Unlock()
}

func TestSourceSetInterval(t *testing.T) {
	src := newTestSource(newScriptedSensor(fix(1, 1, 5, time.Now())), nil, nil)
	src.SetInterval(adaptive.LowInterval, "low battery (20%)")
	assert.Equal(t, adaptive.LowInterval, src.Interval())
}

func TestSourceCurrentPositionAndPermission(t *testing.T) {
	perms := NewStaticPermission(pkg.PermissionPrompt, pkg.PermissionGranted)
	src := newTestSource(newScriptedSensor(fix(2, 3, 5, time.Now())), perms, nil)

	assert.Equal(t, pkg.PermissionPrompt, src.CheckPermission(context.Background()))
	assert.Equal(t, 0, perms.Requests(), "check has no side effects")

	sample, err := src.RequestPermission(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2.0, sample.Latitude)
	assert.Equal(t, pkg.PermissionGranted, src.CheckPermission(context.Background()))

	denied := NewStaticPermission(pkg.PermissionPrompt, pkg.PermissionDenied)
	src2 := newTestSource(newScriptedSensor(fix(2, 3, 5, time.Now())), denied, nil)
	_, err = src2.RequestPermission(context.Background())
	assert.True(t, IsTerminal(err))
}
