package syncer

import (
	"context"
	"net/http"
	"time"

	"github.com/markus-lassfolk/routetrack/pkg/logx"
)

// Probe decides connectivity by reaching the remote authority. Any HTTP
// answer below 500 counts as reachable.
type Probe struct {
	url      string
	interval time.Duration
	client   *http.Client
	logger   *logx.Logger
}

// NewProbe creates a probe against url
func NewProbe(url string, interval, timeout time.Duration, logger *logx.Logger) *Probe {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Probe{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Check performs one probe
func (p *Probe) Check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.logger.Warn("connectivity_probe_invalid", "url", p.url, "error", err)
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("connectivity_probe_failed", "error", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// Run probes immediately and then every interval, reporting each result to
// set, until ctx is done
func (p *Probe) Run(ctx context.Context, set func(online bool)) {
	report := func() {
		online := p.Check(ctx)
		if ctx.Err() == nil {
			set(online)
		}
	}

	report()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report()
		}
	}
}
