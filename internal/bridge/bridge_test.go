package bridge

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/miragelabs/mirage-core/internal/channel"
	"github.com/miragelabs/mirage-core/internal/device"
	"github.com/miragelabs/mirage-core/internal/protocol"
)

func mustPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func frameFor(t *testing.T, ch channel.Channel, v any) protocol.SensorFrame {
	t.Helper()
	return protocol.SensorFrame{Device: "dev-1", Channel: string(ch), Version: 1, Payload: mustPayload(t, v)}
}

func TestADBGeoFixPutsLongitudeFirst(t *testing.T) {
	frame := frameFor(t, channel.Location, channel.Coordinates{Lat: 37.7749, Lon: -122.4194, AltM: 52})
	cmds, err := adbFrameCommands(frame)
	if err != nil {
		t.Fatalf("adbFrameCommands: %v", err)
	}
	want := [][]string{{"emu", "geo", "fix", "-122.4194", "37.7749", "52"}}
	if !reflect.DeepEqual(cmds, want) {
		t.Fatalf("got %v, want %v", cmds, want)
	}
}

func TestADBSensorVerbs(t *testing.T) {
	cases := []struct {
		ch   channel.Channel
		val  any
		want []string
	}{
		{channel.Accelerometer, channel.Vector{X: 0, Y: 0, Z: -9.8}, []string{"emu", "sensor", "set", "acceleration", "0:0:-9.8"}},
		{channel.Gyroscope, channel.Vector{X: 1.5, Y: 0, Z: 0}, []string{"emu", "sensor", "set", "gyroscope", "1.5:0:0"}},
		{channel.Magnetometer, channel.Vector{X: 23.1, Y: -45.2, Z: 12.7}, []string{"emu", "sensor", "set", "magnetic-field", "23.1:-45.2:12.7"}},
		{channel.AmbientLight, channel.Illuminance{Lux: 300}, []string{"emu", "sensor", "set", "light", "300"}},
		{channel.Proximity, channel.ProximityReading{DistanceCM: 5}, []string{"emu", "sensor", "set", "proximity", "5"}},
	}
	for _, tc := range cases {
		cmds, err := adbFrameCommands(frameFor(t, tc.ch, tc.val))
		if err != nil {
			t.Fatalf("%s: %v", tc.ch, err)
		}
		if len(cmds) != 1 || !reflect.DeepEqual(cmds[0], tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.ch, cmds, tc.want)
		}
	}
}

func TestADBPowerEmitsCapacityStatusAndAC(t *testing.T) {
	frame := frameFor(t, channel.Power, channel.PowerProfile{LevelPct: 85, Charging: true})
	cmds, err := adbFrameCommands(frame)
	if err != nil {
		t.Fatalf("adbFrameCommands: %v", err)
	}
	want := [][]string{
		{"emu", "power", "capacity", "85"},
		{"emu", "power", "status", "charging"},
		{"emu", "power", "ac", "on"},
	}
	if !reflect.DeepEqual(cmds, want) {
		t.Fatalf("got %v, want %v", cmds, want)
	}
}

func TestADBOfflineNetworkZeroesSpeed(t *testing.T) {
	frame := frameFor(t, channel.Network, channel.NetworkProfile{Kind: channel.NetworkOffline})
	cmds, err := adbFrameCommands(frame)
	if err != nil {
		t.Fatalf("adbFrameCommands: %v", err)
	}
	if len(cmds) != 1 || !reflect.DeepEqual(cmds[0], []string{"emu", "network", "speed", "0:0"}) {
		t.Fatalf("got %v", cmds)
	}
}

func TestADBNetworkSpeedAndDelay(t *testing.T) {
	frame := frameFor(t, channel.Network, channel.NetworkProfile{
		Kind: channel.NetworkWifi, DownloadMbps: 100, UploadMbps: 20, LatencyMS: 20, JitterMS: 1,
	})
	cmds, err := adbFrameCommands(frame)
	if err != nil {
		t.Fatalf("adbFrameCommands: %v", err)
	}
	want := [][]string{
		{"emu", "network", "speed", "20000:100000"},
		{"emu", "network", "delay", "20:21"},
	}
	if !reflect.DeepEqual(cmds, want) {
		t.Fatalf("got %v, want %v", cmds, want)
	}
}

func TestADBRejectsUnknownChannel(t *testing.T) {
	if _, err := adbFrameCommands(protocol.SensorFrame{Channel: "thermometer"}); err == nil {
		t.Fatal("expected error for unknown channel")
	}
}

func TestParseADBDevices(t *testing.T) {
	out := []byte(`List of devices attached
emulator-5554          device product:sdk_gphone64 model:Pixel_7 device:emu64a
emulator-5556          offline

`)
	handles := parseADBDevices(out)
	if len(handles) != 2 {
		t.Fatalf("got %d handles, want 2", len(handles))
	}
	if handles[0].ID != "emulator-5554" || handles[0].Conn != device.Connected || handles[0].Label != "Pixel_7" {
		t.Fatalf("unexpected first handle: %+v", handles[0])
	}
	if handles[1].ID != "emulator-5556" || handles[1].Conn != device.Disconnected {
		t.Fatalf("unexpected second handle: %+v", handles[1])
	}
	if handles[0].Platform != device.PlatformAndroid {
		t.Fatalf("platform = %q, want android", handles[0].Platform)
	}
}

func TestSimctlLocationArgs(t *testing.T) {
	frame := frameFor(t, channel.Location, channel.Coordinates{Lat: 37.7749, Lon: -122.4194})
	args, err := simctlFrameArgs("UDID-1", frame)
	if err != nil {
		t.Fatalf("simctlFrameArgs: %v", err)
	}
	want := []string{"simctl", "location", "UDID-1", "set", "37.7749,-122.4194"}
	if !reflect.DeepEqual(args, want) {
		t.Fatalf("got %v, want %v", args, want)
	}
}

func TestSimctlPowerArgs(t *testing.T) {
	frame := frameFor(t, channel.Power, channel.PowerProfile{LevelPct: 42, Charging: false})
	args, err := simctlFrameArgs("UDID-1", frame)
	if err != nil {
		t.Fatalf("simctlFrameArgs: %v", err)
	}
	want := []string{"simctl", "status_bar", "UDID-1", "override", "--batteryLevel", "42", "--batteryState", "discharging"}
	if !reflect.DeepEqual(args, want) {
		t.Fatalf("got %v, want %v", args, want)
	}
}

func TestSimctlRejectsMotionChannels(t *testing.T) {
	frame := frameFor(t, channel.Accelerometer, channel.Vector{Z: -9.8})
	if _, err := simctlFrameArgs("UDID-1", frame); err == nil {
		t.Fatal("expected error for accelerometer on ios")
	}
}

func TestSimctlSupports(t *testing.T) {
	s := NewSimctl("", testLogger())
	for _, ch := range []channel.Channel{channel.Location, channel.Network, channel.Power} {
		if !s.Supports(ch) {
			t.Fatalf("expected %s supported", ch)
		}
	}
	for _, ch := range []channel.Channel{channel.Accelerometer, channel.Gyroscope, channel.Magnetometer, channel.AmbientLight, channel.Proximity} {
		if s.Supports(ch) {
			t.Fatalf("expected %s unsupported", ch)
		}
	}
}

func TestParseSimctlDevices(t *testing.T) {
	out := []byte(`{
  "devices": {
    "com.apple.CoreSimulator.SimRuntime.iOS-17-0": [
      {"udid": "AAAA-1111", "name": "iPhone 15", "state": "Booted"},
      {"udid": "BBBB-2222", "name": "iPhone 15 Pro", "state": "Shutdown"}
    ]
  }
}`)
	handles, err := parseSimctlDevices(out)
	if err != nil {
		t.Fatalf("parseSimctlDevices: %v", err)
	}
	if len(handles) != 2 {
		t.Fatalf("got %d handles, want 2", len(handles))
	}
	byID := map[string]device.Handle{}
	for _, h := range handles {
		byID[h.ID] = h
	}
	if h := byID["AAAA-1111"]; h.Conn != device.Connected || h.Label != "iPhone 15" || h.Platform != device.PlatformIOS {
		t.Fatalf("unexpected booted handle: %+v", h)
	}
	if h := byID["BBBB-2222"]; h.Conn != device.Disconnected {
		t.Fatalf("unexpected shutdown handle: %+v", h)
	}
}
