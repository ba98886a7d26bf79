package adaptive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/markus-lassfolk/routetrack/pkg/logx"
)

func TestCadence_Reschedule(t *testing.T) {
	cadence := NewCadence(NormalInterval, logx.NewLogger("error", "test"))

	var adaptedTo time.Duration
	cadence.SetAdaptationCallback(func(_, newInterval time.Duration, _ string) {
		adaptedTo = newInterval
	})

	assert.True(t, cadence.Reschedule(CriticalInterval, "critical battery"))
	assert.Equal(t, CriticalInterval, adaptedTo)

	state := cadence.State()
	assert.Equal(t, CriticalInterval, state.CurrentInterval)
	assert.Equal(t, SamplingModeCritical, state.CurrentMode)
	assert.Equal(t, 1, state.AdaptationCount)
	assert.Equal(t, "critical battery", state.Reason)
}

func TestCadence_IgnoresSubSecondChanges(t *testing.T) {
	cadence := NewCadence(NormalInterval, nil)

	assert.False(t, cadence.Reschedule(NormalInterval+500*time.Millisecond, "jitter"))
	assert.Equal(t, NormalInterval, cadence.Interval())
	assert.Equal(t, "jitter", cadence.State().Reason)
	assert.False(t, cadence.Reschedule(0, "invalid"))
}

func TestCadence_TicksAtRegisteredRate(t *testing.T) {
	cadence := NewCadence(10*time.Millisecond, nil)
	ticks := cadence.Start()
	defer cadence.Stop()

	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("cadence did not tick")
	}

	assert.Equal(t, ticks, cadence.Start())
	cadence.Stop()
	cadence.Stop()
}

func TestModeForInterval(t *testing.T) {
	assert.Equal(t, SamplingModeHigh, modeForInterval(HighInterval))
	assert.Equal(t, SamplingModeNormal, modeForInterval(NormalInterval))
	assert.Equal(t, SamplingModeLow, modeForInterval(LowInterval))
	assert.Equal(t, SamplingModeCritical, modeForInterval(CriticalInterval))
}
