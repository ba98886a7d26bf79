package gps

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/routetrack/pkg"
)

func fakeRunner(outputs map[string]string) CommandRunner {
	return func(ctx context.Context, name string, args ...string) ([]byte, error) {
		key := strings.TrimSpace(name + " " + strings.Join(args, " "))
		out, ok := outputs[key]
		if !ok {
			return nil, &exec.Error{Name: name, Err: exec.ErrNotFound}
		}
		return []byte(out), nil
	}
}

func TestGpsctlSensorReadsGpsctl(t *testing.T) {
	sensor := NewGpsctlSensorWithRunner(testLogger(), fakeRunner(map[string]string{
		"gpsctl -s": "1\n",
		"gpsctl -i": "59.329323\n",
		"gpsctl -x": "18.068581\n",
		"gpsctl -u": "4.5\n",
		"gpsctl -v": "36\n",
	}))

	sample, err := sensor.Read(context.Background(), DefaultReadOptions())
	require.NoError(t, err)
	assert.InDelta(t, 59.329323, sample.Latitude, 1e-9)
	assert.InDelta(t, 18.068581, sample.Longitude, 1e-9)
	assert.Equal(t, 4.5, sample.Accuracy)
	require.NotNil(t, sample.Speed)
	assert.InDelta(t, 10.0, *sample.Speed, 1e-9)
	assert.Equal(t, pkg.SourceGpsctl, sample.Source)
	assert.False(t, sample.Timestamp.IsZero())
}

func TestGpsctlSensorFallsBackToUbus(t *testing.T) {
	sensor := NewGpsctlSensorWithRunner(testLogger(), fakeRunner(map[string]string{
		"gpsctl -s":         "0\n",
		"ubus call gps info": `{"latitude": 57.7, "longitude": 11.97, "accuracy": 12}`,
	}))

	sample, err := sensor.Read(context.Background(), DefaultReadOptions())
	require.NoError(t, err)
	assert.Equal(t, 57.7, sample.Latitude)
	assert.Equal(t, pkg.SourceUbus, sample.Source)
	assert.Nil(t, sample.Speed)
}

func TestGpsctlSensorNoFixIsUnavailable(t *testing.T) {
	sensor := NewGpsctlSensorWithRunner(testLogger(), fakeRunner(map[string]string{
		"gpsctl -s":          "0\n",
		"ubus call gps info": `{}`,
	}))

	_, err := sensor.Read(context.Background(), DefaultReadOptions())
	require.Error(t, err)
	assert.Equal(t, ErrCodePositionUnavailable, Classify(err))
}

func TestGpsctlSensorMissingTools(t *testing.T) {
	sensor := NewGpsctlSensorWithRunner(testLogger(), fakeRunner(nil))

	_, err := sensor.Read(context.Background(), DefaultReadOptions())
	require.Error(t, err)
	assert.Equal(t, ErrCodePositionUnavailable, Classify(err))
}

func TestGpsctlSensorOtherFailureIsUnknown(t *testing.T) {
	sensor := NewGpsctlSensorWithRunner(testLogger(), func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, fmt.Errorf("exit status 2")
	})

	_, err := sensor.Read(context.Background(), DefaultReadOptions())
	require.Error(t, err)
	assert.Equal(t, ErrCodeUnknown, Classify(err))
}

func TestDevicePermission(t *testing.T) {
	dir := t.TempDir()
	node := filepath.Join(dir, "ttyGNSS0")

	perm := NewDevicePermission(node)
	assert.Equal(t, pkg.PermissionPrompt, perm.State(context.Background()))

	require.NoError(t, os.WriteFile(node, []byte{}, 0o600))
	assert.Equal(t, pkg.PermissionGranted, perm.State(context.Background()))

	state, err := perm.Request(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pkg.PermissionGranted, state)

	assert.Equal(t, pkg.PermissionGranted, NewDevicePermission("").State(context.Background()))
}
