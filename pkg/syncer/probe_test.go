package syncer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/markus-lassfolk/routetrack/pkg/logx"
)

func TestProbeCheck(t *testing.T) {
	status := http.StatusNoContent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	p := NewProbe(srv.URL, time.Hour, time.Second, logx.NewLogger("debug", "test"))
	assert.True(t, p.Check(context.Background()))

	// an auth failure still proves the authority is reachable
	status = http.StatusUnauthorized
	assert.True(t, p.Check(context.Background()))

	status = http.StatusBadGateway
	assert.False(t, p.Check(context.Background()))
}

func TestProbeUnreachable(t *testing.T) {
	p := NewProbe("http://127.0.0.1:1", time.Hour, 500*time.Millisecond, logx.NewLogger("debug", "test"))
	assert.False(t, p.Check(context.Background()))
}

func TestProbeRunReportsUntilCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	var mu sync.Mutex
	var results []bool
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p := NewProbe(srv.URL, 10*time.Millisecond, time.Second, logx.NewLogger("debug", "test"))
	go func() {
		p.Run(ctx, func(online bool) {
			mu.Lock()
			results = append(results, online)
			mu.Unlock()
		})
		close(done)
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	for _, online := range results {
		assert.True(t, online)
	}
}
