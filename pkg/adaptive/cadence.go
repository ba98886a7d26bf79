package adaptive

import (
	"sync"
	"time"

	"github.com/markus-lassfolk/routetrack/pkg/logx"
)

// SamplingMode names the tier of the current interval
type SamplingMode string

const (
	SamplingModeHigh     SamplingMode = "high"     // <= 15s
	SamplingModeNormal   SamplingMode = "normal"   // <= 30s
	SamplingModeLow      SamplingMode = "low"      // <= 120s
	SamplingModeCritical SamplingMode = "critical" // above 120s
)

// CadenceState is a snapshot of the sampling cadence
type CadenceState struct {
	CurrentInterval time.Duration `json:"current_interval"`
	CurrentMode     SamplingMode  `json:"current_mode"`
	Reason          string        `json:"reason"`
	LastAdaptation  time.Time     `json:"last_adaptation"`
	AdaptationCount int           `json:"adaptation_count"`
}

// Cadence is the registered sampling rate of a position stream. Changing the
// rate re-registers the ticker; it never touches sample history.
type Cadence struct {
	mu     sync.Mutex
	logger *logx.Logger

	state  CadenceState
	ticker *time.Ticker

	onAdapt func(oldInterval, newInterval time.Duration, reason string)
}

// NewCadence creates a stopped cadence with the initial interval
func NewCadence(initial time.Duration, logger *logx.Logger) *Cadence {
	if initial <= 0 {
		initial = NormalInterval
	}
	return &Cadence{
		logger: logger,
		state: CadenceState{
			CurrentInterval: initial,
			CurrentMode:     modeForInterval(initial),
			Reason:          "initial",
			LastAdaptation:  time.Now(),
		},
	}
}

// Start starts the ticker and returns its channel. Calling Start on a
// running cadence returns the existing channel.
func (c *Cadence) Start() <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ticker == nil {
		c.ticker = time.NewTicker(c.state.CurrentInterval)
	}
	return c.ticker.C
}

// Stop stops the ticker. Safe to call repeatedly.
func (c *Cadence) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
}

// Reschedule re-registers the cadence at a new interval. Changes under a
// second are ignored. Returns true when the interval changed.
func (c *Cadence) Reschedule(newInterval time.Duration, reason string) bool {
	c.mu.Lock()

	if newInterval <= 0 || absDuration(newInterval-c.state.CurrentInterval) < time.Second {
		c.state.Reason = reason
		c.mu.Unlock()
		return false
	}

	oldInterval := c.state.CurrentInterval
	c.state.CurrentInterval = newInterval
	c.state.CurrentMode = modeForInterval(newInterval)
	c.state.Reason = reason
	c.state.LastAdaptation = time.Now()
	c.state.AdaptationCount++

	if c.ticker != nil {
		c.ticker.Reset(newInterval)
	}
	callback := c.onAdapt
	mode := c.state.CurrentMode
	c.mu.Unlock()

	if callback != nil {
		callback(oldInterval, newInterval, reason)
	}

	if c.logger != nil {
		c.logger.Info("Sampling interval adapted",
			"old_interval", oldInterval.String(),
			"new_interval", newInterval.String(),
			"reason", reason,
			"mode", mode)
	}
	return true
}

// Interval returns the registered interval
func (c *Cadence) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.CurrentInterval
}

// State returns a copy of the cadence state
func (c *Cadence) State() CadenceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetAdaptationCallback sets a callback for interval changes
func (c *Cadence) SetAdaptationCallback(callback func(oldInterval, newInterval time.Duration, reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAdapt = callback
}

func modeForInterval(interval time.Duration) SamplingMode {
	switch {
	case interval <= HighInterval:
		return SamplingModeHigh
	case interval <= NormalInterval:
		return SamplingModeNormal
	case interval <= LowInterval:
		return SamplingModeLow
	default:
		return SamplingModeCritical
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
