package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"

	"github.com/miragelabs/mirage-core/internal/channel"
	"github.com/miragelabs/mirage-core/internal/device"
	"github.com/miragelabs/mirage-core/internal/protocol"
)

// Simctl drives iOS simulators through xcrun simctl. The simulator exposes no
// motion or environment injection, so only location, network, and power
// frames cross this bridge.
type Simctl struct {
	path string
	log  *slog.Logger
}

func NewSimctl(path string, log *slog.Logger) *Simctl {
	if path == "" {
		path = "xcrun"
	}
	return &Simctl{path: path, log: log.With(slog.String("component", "simctl-bridge"))}
}

func (s *Simctl) PushSensorFrame(ctx context.Context, deviceID string, frame protocol.SensorFrame) error {
	args, err := simctlFrameArgs(deviceID, frame)
	if err != nil {
		return fmt.Errorf("format frame for %s: %w", deviceID, err)
	}
	cmd := exec.CommandContext(ctx, s.path, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return unavailable(deviceID, "push_sensor_frame", fmt.Errorf("%w: %s", err, out))
	}
	return nil
}

func (s *Simctl) PushAudioChunk(_ context.Context, deviceID string, _ protocol.AudioChunk) error {
	return unavailable(deviceID, "push_audio_chunk", errNoAudioCommand)
}

func (s *Simctl) PullAudioChunk(_ context.Context, deviceID string) (*protocol.AudioChunk, error) {
	return nil, unavailable(deviceID, "pull_audio_chunk", errNoAudioCommand)
}

func (s *Simctl) ConnectionState(ctx context.Context, deviceID string) (device.ConnState, error) {
	handles, err := s.Devices(ctx)
	if err != nil {
		return device.Disconnected, unavailable(deviceID, "connection_state", err)
	}
	for _, h := range handles {
		if h.ID == deviceID {
			return h.Conn, nil
		}
	}
	return device.Disconnected, nil
}

func (s *Simctl) Devices(ctx context.Context) ([]device.Handle, error) {
	cmd := exec.CommandContext(ctx, s.path, "simctl", "list", "devices", "-j")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("simctl list devices: %w", err)
	}
	return parseSimctlDevices(out)
}

func (s *Simctl) Supports(ch channel.Channel) bool {
	switch ch {
	case channel.Location, channel.Network, channel.Power:
		return true
	}
	return false
}

func simctlFrameArgs(deviceID string, frame protocol.SensorFrame) ([]string, error) {
	switch channel.Channel(frame.Channel) {
	case channel.Location:
		var c channel.Coordinates
		if err := json.Unmarshal(frame.Payload, &c); err != nil {
			return nil, err
		}
		coord := strconv.FormatFloat(c.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(c.Lon, 'f', -1, 64)
		return []string{"simctl", "location", deviceID, "set", coord}, nil
	case channel.Network:
		var n channel.NetworkProfile
		if err := json.Unmarshal(frame.Payload, &n); err != nil {
			return nil, err
		}
		kind := map[channel.NetworkKind]string{
			channel.NetworkWifi:       "wifi",
			channel.NetworkCellular4G: "lte",
			channel.NetworkCellular5G: "5g",
			channel.NetworkEthernet:   "wifi",
			channel.NetworkOffline:    "hide",
		}[n.Kind]
		if kind == "" {
			return nil, fmt.Errorf("unknown network kind %q", n.Kind)
		}
		return []string{"simctl", "status_bar", deviceID, "override", "--dataNetwork", kind}, nil
	case channel.Power:
		var p channel.PowerProfile
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return nil, err
		}
		state := "discharging"
		if p.Charging {
			state = "charging"
		}
		return []string{
			"simctl", "status_bar", deviceID, "override",
			"--batteryLevel", strconv.Itoa(int(p.LevelPct)),
			"--batteryState", state,
		}, nil
	}
	return nil, fmt.Errorf("channel %q not supported on ios", frame.Channel)
}

// parseSimctlDevices reads `simctl list devices -j` output. Booted simulators
// report as connected, everything else as disconnected.
func parseSimctlDevices(out []byte) ([]device.Handle, error) {
	var listing struct {
		Devices map[string][]struct {
			UDID  string `json:"udid"`
			Name  string `json:"name"`
			State string `json:"state"`
		} `json:"devices"`
	}
	if err := json.Unmarshal(out, &listing); err != nil {
		return nil, fmt.Errorf("decode simctl listing: %w", err)
	}
	var handles []device.Handle
	for _, group := range listing.Devices {
		for _, d := range group {
			h := device.Handle{ID: d.UDID, Platform: device.PlatformIOS, Label: d.Name, Conn: device.Disconnected}
			if d.State == "Booted" {
				h.Conn = device.Connected
			}
			handles = append(handles, h)
		}
	}
	return handles, nil
}
