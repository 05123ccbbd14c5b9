package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	shellwords "github.com/mattn/go-shellwords"

	"github.com/miragelabs/mirage-core/internal/channel"
	"github.com/miragelabs/mirage-core/internal/device"
	"github.com/miragelabs/mirage-core/internal/protocol"
)

var errNoAudioCommand = errors.New("no audio command configured")

// ADB drives Android emulators through the adb console verbs: geo fix for
// location, sensor set for motion and environment, power and network for the
// profiles. Audio crosses the bridge through optional helper commands that
// speak JSON over stdio.
type ADB struct {
	path     string
	serial   string
	audioIn  []string
	audioOut []string
	log      *slog.Logger
}

func NewADB(path, serial, audioInCmd, audioOutCmd string, log *slog.Logger) (*ADB, error) {
	if path == "" {
		path = "adb"
	}
	a := &ADB{path: path, serial: serial, log: log.With(slog.String("component", "adb-bridge"))}
	parser := shellwords.NewParser()
	if audioInCmd != "" {
		args, err := parser.Parse(audioInCmd)
		if err != nil {
			return nil, fmt.Errorf("parse audio input command: %w", err)
		}
		a.audioIn = args
	}
	if audioOutCmd != "" {
		args, err := parser.Parse(audioOutCmd)
		if err != nil {
			return nil, fmt.Errorf("parse audio output command: %w", err)
		}
		a.audioOut = args
	}
	return a, nil
}

func (a *ADB) PushSensorFrame(ctx context.Context, deviceID string, frame protocol.SensorFrame) error {
	cmds, err := adbFrameCommands(frame)
	if err != nil {
		return fmt.Errorf("format frame for %s: %w", deviceID, err)
	}
	for _, args := range cmds {
		if err := a.run(ctx, deviceID, args); err != nil {
			return unavailable(deviceID, "push_sensor_frame", err)
		}
	}
	return nil
}

func (a *ADB) PushAudioChunk(ctx context.Context, deviceID string, chunk protocol.AudioChunk) error {
	if len(a.audioIn) == 0 {
		return unavailable(deviceID, "push_audio_chunk", errNoAudioCommand)
	}
	payload, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal audio chunk: %w", err)
	}
	cmd := exec.CommandContext(ctx, a.audioIn[0], a.audioIn[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	if out, err := cmd.CombinedOutput(); err != nil {
		return unavailable(deviceID, "push_audio_chunk", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out))))
	}
	return nil
}

func (a *ADB) PullAudioChunk(ctx context.Context, deviceID string) (*protocol.AudioChunk, error) {
	if len(a.audioOut) == 0 {
		return nil, unavailable(deviceID, "pull_audio_chunk", errNoAudioCommand)
	}
	args := append(append([]string{}, a.audioOut[1:]...), "--device", deviceID)
	cmd := exec.CommandContext(ctx, a.audioOut[0], args...)
	out, err := cmd.Output()
	if err != nil {
		return nil, unavailable(deviceID, "pull_audio_chunk", err)
	}
	line := strings.TrimSpace(string(out))
	if line == "" {
		return nil, nil
	}
	var chunk protocol.AudioChunk
	if err := json.Unmarshal([]byte(line), &chunk); err != nil {
		return nil, fmt.Errorf("decode audio chunk: %w", err)
	}
	return &chunk, nil
}

func (a *ADB) ConnectionState(ctx context.Context, deviceID string) (device.ConnState, error) {
	args := []string{"get-state"}
	if a.serial != "" || deviceID != "" {
		serial := a.serial
		if serial == "" {
			serial = deviceID
		}
		args = append([]string{"-s", serial}, args...)
	}
	cmd := exec.CommandContext(ctx, a.path, args...)
	out, err := cmd.Output()
	if err != nil {
		return device.Disconnected, unavailable(deviceID, "connection_state", err)
	}
	if strings.TrimSpace(string(out)) == "device" {
		return device.Connected, nil
	}
	return device.Disconnected, nil
}

func (a *ADB) Devices(ctx context.Context) ([]device.Handle, error) {
	cmd := exec.CommandContext(ctx, a.path, "devices", "-l")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("adb devices: %w", err)
	}
	return parseADBDevices(out), nil
}

func (a *ADB) Supports(channel.Channel) bool { return true }

func (a *ADB) run(ctx context.Context, deviceID string, args []string) error {
	full := args
	serial := a.serial
	if serial == "" {
		serial = deviceID
	}
	if serial != "" {
		full = append([]string{"-s", serial}, args...)
	}
	cmd := exec.CommandContext(ctx, a.path, full...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("adb %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// adbFrameCommands maps one frame to the console verbs that realize it.
// Power and network need more than one verb per frame.
func adbFrameCommands(frame protocol.SensorFrame) ([][]string, error) {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	switch channel.Channel(frame.Channel) {
	case channel.Location:
		var c channel.Coordinates
		if err := json.Unmarshal(frame.Payload, &c); err != nil {
			return nil, err
		}
		// geo fix takes longitude first.
		return [][]string{{"emu", "geo", "fix", f(c.Lon), f(c.Lat), f(c.AltM)}}, nil
	case channel.Accelerometer, channel.Gyroscope, channel.Magnetometer:
		var v channel.Vector
		if err := json.Unmarshal(frame.Payload, &v); err != nil {
			return nil, err
		}
		name := map[channel.Channel]string{
			channel.Accelerometer: "acceleration",
			channel.Gyroscope:     "gyroscope",
			channel.Magnetometer:  "magnetic-field",
		}[channel.Channel(frame.Channel)]
		triplet := fmt.Sprintf("%s:%s:%s", f(v.X), f(v.Y), f(v.Z))
		return [][]string{{"emu", "sensor", "set", name, triplet}}, nil
	case channel.AmbientLight:
		var l channel.Illuminance
		if err := json.Unmarshal(frame.Payload, &l); err != nil {
			return nil, err
		}
		return [][]string{{"emu", "sensor", "set", "light", f(l.Lux)}}, nil
	case channel.Proximity:
		var p channel.ProximityReading
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return nil, err
		}
		return [][]string{{"emu", "sensor", "set", "proximity", f(p.DistanceCM)}}, nil
	case channel.Network:
		var n channel.NetworkProfile
		if err := json.Unmarshal(frame.Payload, &n); err != nil {
			return nil, err
		}
		if n.Kind == channel.NetworkOffline {
			return [][]string{{"emu", "network", "speed", "0:0"}}, nil
		}
		up := int(n.UploadMbps * 1000)
		down := int(n.DownloadMbps * 1000)
		delay := int(n.LatencyMS)
		return [][]string{
			{"emu", "network", "speed", fmt.Sprintf("%d:%d", up, down)},
			{"emu", "network", "delay", fmt.Sprintf("%d:%d", delay, delay+int(n.JitterMS))},
		}, nil
	case channel.Power:
		var p channel.PowerProfile
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return nil, err
		}
		status := "discharging"
		ac := "off"
		if p.Charging {
			status = "charging"
			ac = "on"
		}
		return [][]string{
			{"emu", "power", "capacity", strconv.Itoa(int(p.LevelPct))},
			{"emu", "power", "status", status},
			{"emu", "power", "ac", ac},
		}, nil
	}
	return nil, fmt.Errorf("unknown channel %q", frame.Channel)
}

// parseADBDevices reads `adb devices -l` output.
func parseADBDevices(out []byte) []device.Handle {
	var handles []device.Handle
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		h := device.Handle{ID: fields[0], Platform: device.PlatformAndroid, Conn: device.Disconnected}
		if fields[1] == "device" {
			h.Conn = device.Connected
		}
		for _, f := range fields[2:] {
			if strings.HasPrefix(f, "model:") {
				h.Label = strings.TrimPrefix(f, "model:")
			}
		}
		handles = append(handles, h)
	}
	return handles
}
