package device

import (
	"fmt"
	"time"
)

// Platform tags the device flavor behind a bridge.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

func ParsePlatform(name string) (Platform, error) {
	p := Platform(name)
	if p != PlatformAndroid && p != PlatformIOS {
		return "", fmt.Errorf("unknown platform %q", name)
	}
	return p, nil
}

// ConnState is the engine's view of a device's transport health.
type ConnState string

const (
	Connected    ConnState = "connected"
	Disconnected ConnState = "disconnected"
	Degraded     ConnState = "degraded"
)

// Handle identifies one admitted device. The registry owns handles; bridges
// and schedulers refer to devices by ID only.
type Handle struct {
	ID          string    `json:"id"`
	Platform    Platform  `json:"platform"`
	Label       string    `json:"label,omitempty"`
	Conn        ConnState `json:"conn"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// StatusEvent records one connectivity transition.
type StatusEvent struct {
	Device Handle    `json:"device"`
	From   ConnState `json:"from"`
	To     ConnState `json:"to"`
	At     time.Time `json:"at"`
}
