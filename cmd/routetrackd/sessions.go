package main

import (
	"context"

	"github.com/markus-lassfolk/routetrack/pkg"
	"github.com/markus-lassfolk/routetrack/pkg/logx"
	"github.com/markus-lassfolk/routetrack/pkg/session"
)

type sessionPublisher interface {
	PublishSession(event string, rec pkg.RouteSessionRecord) error
}

// publishingSessions announces lifecycle transitions made through the API
type publishingSessions struct {
	*session.Controller
	publisher sessionPublisher
	logger    *logx.Logger
}

func (s *publishingSessions) Start(ctx context.Context, employeeID string) (pkg.RouteSessionRecord, error) {
	rec, err := s.Controller.Start(ctx, employeeID)
	if err == nil {
		s.announce("started", rec)
	}
	return rec, err
}

func (s *publishingSessions) Pause() (pkg.RouteSessionRecord, error) {
	rec, err := s.Controller.Pause()
	if err == nil {
		s.announce("paused", rec)
	}
	return rec, err
}

func (s *publishingSessions) Resume() (pkg.RouteSessionRecord, error) {
	rec, err := s.Controller.Resume()
	if err == nil {
		s.announce("resumed", rec)
	}
	return rec, err
}

func (s *publishingSessions) Stop(ctx context.Context) (pkg.RouteSessionRecord, session.Metrics, error) {
	rec, m, err := s.Controller.Stop(ctx)
	if err == nil {
		s.announce("completed", rec)
	}
	return rec, m, err
}

func (s *publishingSessions) announce(event string, rec pkg.RouteSessionRecord) {
	if err := s.publisher.PublishSession(event, rec); err != nil {
		s.logger.Debug("Session publish failed", "event", event, "session_id", rec.ID, "error", err)
	}
}
