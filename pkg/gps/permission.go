package gps

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/markus-lassfolk/routetrack/pkg"
)

// DevicePermission derives the permission state from access to the GNSS
// device node. A missing node reads as prompt (the receiver may not be
// powered yet); an unreadable node is a denial.
type DevicePermission struct {
	path string
}

// NewDevicePermission creates a provider for the given device node
func NewDevicePermission(path string) *DevicePermission {
	return &DevicePermission{path: path}
}

// State checks the device node without side effects
func (dp *DevicePermission) State(ctx context.Context) pkg.PermissionState {
	if dp.path == "" {
		return pkg.PermissionGranted
	}

	f, err := os.Open(dp.path)
	switch {
	case err == nil:
		f.Close()
		return pkg.PermissionGranted
	case errors.Is(err, os.ErrPermission):
		return pkg.PermissionDenied
	case errors.Is(err, os.ErrNotExist):
		return pkg.PermissionPrompt
	default:
		return pkg.PermissionUnknown
	}
}

// Request re-checks the node; there is no interactive prompt on the device
func (dp *DevicePermission) Request(ctx context.Context) (pkg.PermissionState, error) {
	return dp.State(ctx), nil
}

// StaticPermission is a settable permission provider. Request moves prompt
// to the configured answer.
type StaticPermission struct {
	mu     sync.Mutex
	state  pkg.PermissionState
	answer pkg.PermissionState
	asked  int
}

// NewStaticPermission creates a provider in state, answering prompts with answer
func NewStaticPermission(state, answer pkg.PermissionState) *StaticPermission {
	return &StaticPermission{state: state, answer: answer}
}

// State returns the current state
func (sp *StaticPermission) State(ctx context.Context) pkg.PermissionState {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.state
}

// Request answers a pending prompt
func (sp *StaticPermission) Request(ctx context.Context) (pkg.PermissionState, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.asked++
	if sp.state == pkg.PermissionPrompt {
		sp.state = sp.answer
	}
	return sp.state, nil
}

// Set overrides the current state
func (sp *StaticPermission) Set(state pkg.PermissionState) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.state = state
}

// Requests returns how many times Request was called
func (sp *StaticPermission) Requests() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.asked
}
