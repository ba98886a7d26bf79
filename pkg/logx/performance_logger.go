package logx

import (
	"context"
	"sort"
	"sync"
	"time"
)

// OperationStats aggregates every completion of one named operation
type OperationStats struct {
	Name       string        `json:"name"`
	Count      int64         `json:"count"`
	Errors     int64         `json:"errors"`
	Total      time.Duration `json:"total"`
	Max        time.Duration `json:"max"`
	LastRun    time.Time     `json:"last_run"`
	LastFailed bool          `json:"last_failed"`
}

// Average returns the mean duration
func (s OperationStats) Average() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// FailureRatio returns failed completions over all completions, 0..1
func (s OperationStats) FailureRatio() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Errors) / float64(s.Count)
}

// PerformanceLogger times named operations such as sync drains and remote
// calls. Failures log at error, slow successes at info, the rest at debug.
type PerformanceLogger struct {
	logger *Logger

	mu   sync.Mutex
	slow time.Duration
	ops  map[string]*OperationStats
}

// Operation is an in-flight timing started by StartOperation
type Operation struct {
	pl      *PerformanceLogger
	name    string
	started time.Time
	ctx     context.Context
}

// NewPerformanceLogger creates a performance logger writing through logger
func NewPerformanceLogger(logger *Logger) *PerformanceLogger {
	return &PerformanceLogger{
		logger: logger,
		slow:   2 * time.Second,
		ops:    make(map[string]*OperationStats),
	}
}

// SetSlowThreshold changes the duration above which successes log at info
func (pl *PerformanceLogger) SetSlowThreshold(d time.Duration) {
	pl.mu.Lock()
	pl.slow = d
	pl.mu.Unlock()
}

// StartOperation begins timing name
func (pl *PerformanceLogger) StartOperation(ctx context.Context, name string) *Operation {
	return &Operation{pl: pl, name: name, started: time.Now(), ctx: ctx}
}

// Complete records the outcome and returns the elapsed time. An operation
// whose context was cancelled is recorded as failed even when err is nil.
func (op *Operation) Complete(err error) time.Duration {
	elapsed := time.Since(op.started)
	if err == nil && op.ctx != nil {
		err = op.ctx.Err()
	}

	pl := op.pl
	pl.mu.Lock()
	st, ok := pl.ops[op.name]
	if !ok {
		st = &OperationStats{Name: op.name}
		pl.ops[op.name] = st
	}
	st.Count++
	st.Total += elapsed
	st.LastRun = time.Now()
	st.LastFailed = err != nil
	if elapsed > st.Max {
		st.Max = elapsed
	}
	if err != nil {
		st.Errors++
	}
	avg := st.Average()
	slow := pl.slow
	pl.mu.Unlock()

	switch {
	case err != nil:
		pl.logger.Error("operation_failed", "operation", op.name, "duration", elapsed.String(), "error", err)
	case elapsed > slow:
		pl.logger.Info("operation_slow", "operation", op.name, "duration", elapsed.String(), "avg_duration", avg.String())
	default:
		pl.logger.Debug("operation_completed", "operation", op.name, "duration", elapsed.String())
	}
	return elapsed
}

// Stats returns a copy of the stats for name, or nil if it never completed
func (pl *PerformanceLogger) Stats(name string) *OperationStats {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	st, ok := pl.ops[name]
	if !ok {
		return nil
	}
	cp := *st
	return &cp
}

// Snapshot returns the stats of every operation, sorted by name
func (pl *PerformanceLogger) Snapshot() []OperationStats {
	pl.mu.Lock()
	out := make([]OperationStats, 0, len(pl.ops))
	for _, st := range pl.ops {
		out = append(out, *st)
	}
	pl.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LogSummary logs one line per operation
func (pl *PerformanceLogger) LogSummary() {
	for _, st := range pl.Snapshot() {
		pl.logger.Info("operation_summary",
			"operation", st.Name,
			"count", st.Count,
			"errors", st.Errors,
			"avg_duration", st.Average().String(),
			"max_duration", st.Max.String(),
		)
	}
}

// LogNetworkPerformance logs a single HTTP exchange with the remote authority
func (pl *PerformanceLogger) LogNetworkPerformance(endpoint string, duration time.Duration, bytesSent int, statusCode int, err error) {
	fields := map[string]interface{}{
		"endpoint":    endpoint,
		"duration":    duration.String(),
		"bytes_sent":  bytesSent,
		"status_code": statusCode,
	}
	if err != nil {
		fields["error"] = err.Error()
		pl.logger.Warn("remote_request_failed", fields)
		return
	}
	pl.logger.Debug("remote_request_completed", fields)
}
