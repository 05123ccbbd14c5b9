package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/miragelabs/mirage-core/internal/channel"
	"github.com/miragelabs/mirage-core/internal/device"
	"github.com/miragelabs/mirage-core/internal/protocol"
)

// ErrUnavailable marks transport failures: the command could not reach the
// device. Callers retry with backoff or degrade; they never treat it as an
// arbitration problem.
var ErrUnavailable = errors.New("bridge unavailable")

// UnavailableError wraps a transport failure with the device and operation
// that hit it. errors.Is(err, ErrUnavailable) matches it.
type UnavailableError struct {
	Device string
	Op     string
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bridge %s for %s: %v", e.Op, e.Device, e.Err)
	}
	return fmt.Sprintf("bridge %s for %s unavailable", e.Op, e.Device)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

func unavailable(device, op string, err error) error {
	return &UnavailableError{Device: device, Op: op, Err: err}
}

// Bridge is the capability interface over the physical transport. The engine
// never issues raw platform commands itself; it pushes frames and audio here
// and probes connection state. Implementations own no simulation state.
type Bridge interface {
	PushSensorFrame(ctx context.Context, deviceID string, frame protocol.SensorFrame) error
	PushAudioChunk(ctx context.Context, deviceID string, chunk protocol.AudioChunk) error
	// PullAudioChunk returns nil when the device has no output pending.
	PullAudioChunk(ctx context.Context, deviceID string) (*protocol.AudioChunk, error)
	ConnectionState(ctx context.Context, deviceID string) (device.ConnState, error)
	Devices(ctx context.Context) ([]device.Handle, error)
	// Supports reports whether the transport has a verb for the channel.
	// The scheduler skips loops for unsupported channels.
	Supports(ch channel.Channel) bool
}
