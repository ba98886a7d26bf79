package gps

import (
	"context"
	"fmt"
	"time"

	"googlemaps.github.io/maps"

	"github.com/markus-lassfolk/routetrack/pkg"
	"github.com/markus-lassfolk/routetrack/pkg/logx"
)

// GoogleLocator resolves a coarse position through the Google Geolocation
// API using IP-based lookup
type GoogleLocator struct {
	client *maps.Client
	logger *logx.Logger
}

// NewGoogleLocator creates a locator. Options are passed to maps.NewClient
// after the API key, so tests can override the base URL.
func NewGoogleLocator(apiKey string, logger *logx.Logger, opts ...maps.ClientOption) (*GoogleLocator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google API key is required")
	}

	options := append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)
	client, err := maps.NewClient(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google client: %w", err)
	}
	return &GoogleLocator{client: client, logger: logger}, nil
}

// Locate returns an estimated sample from the geolocation service
func (gl *GoogleLocator) Locate(ctx context.Context) (pkg.PositionSample, error) {
	start := time.Now()
	resp, err := gl.client.Geolocate(ctx, &maps.GeolocationRequest{ConsiderIP: true})
	if err != nil {
		return pkg.PositionSample{}, fmt.Errorf("google geolocation failed: %w", err)
	}

	gl.logger.Debug("google_geolocation_resolved",
		"accuracy", resp.Accuracy,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	return pkg.PositionSample{
		Latitude:  resp.Location.Lat,
		Longitude: resp.Location.Lng,
		Accuracy:  resp.Accuracy,
		Timestamp: time.Now(),
		Source:    pkg.SourceNetwork,
		Estimated: true,
	}, nil
}
