package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/miragelabs/mirage-core/internal/autopilot"
	"github.com/miragelabs/mirage-core/internal/bridge"
	"github.com/miragelabs/mirage-core/internal/channel"
	"github.com/miragelabs/mirage-core/internal/config"
	"github.com/miragelabs/mirage-core/internal/device"
	"github.com/miragelabs/mirage-core/internal/eventstore"
	"github.com/miragelabs/mirage-core/internal/protocol"
	"github.com/miragelabs/mirage-core/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig zeroes every sensor rate so no delivery loops run unless a test
// turns one back on, and shrinks the audio windows to keep captures fast.
func testConfig() config.Config {
	cfg := config.Default()
	cfg.EventStore = config.EventStoreConfig{RetentionMode: "ephemeral"}
	for name := range cfg.Engine.Channels {
		cfg.Engine.Channels[name] = config.ChannelTuning{}
	}
	cfg.Engine.OpTimeoutMS = 5000
	cfg.Audio.SampleRate = 8000
	cfg.Audio.ChunkDurationMS = 20
	cfg.Audio.SilenceGapMS = 60
	cfg.Audio.MaxCaptureMS = 400
	cfg.Audio.Synth.SampleRate = 8000
	cfg.Bridge.Retry = config.RetryConfig{MaxRetries: 1, BaseBackoffMS: 1}
	cfg.Autopilot = config.AutopilotConfig{StepTimeoutMS: 5000, MaxStepRetries: 1}
	return cfg
}

func newTestEngine(t *testing.T, cfg config.Config, mock *bridge.Mock) *Engine {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := testLogger()
	reg := device.NewRegistry(ctx, mock, time.Minute, logger)
	t.Cleanup(reg.Close)

	events, err := eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { events.Close() })

	e, err := New(ctx, cfg, mock, reg, events, nil, logger)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func connect(t *testing.T, e *Engine, id string) device.Handle {
	t.Helper()
	h, err := e.ConnectDevice(context.Background(), id, device.PlatformAndroid, "test device")
	if err != nil {
		t.Fatalf("connect %s: %v", id, err)
	}
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func voicedPCM(ms, rate int) []byte {
	samples := rate * ms / 1000
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(13000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	return out
}

func TestSetThenSnapshotAcrossSessions(t *testing.T) {
	cfg := testConfig()
	cfg.EventStore = config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "mirage.db"),
		RetentionMode: "session",
		RetentionDays: 7,
		MaxSessions:   100,
	}
	mock := bridge.NewMock("emulator-5554")
	e := newTestEngine(t, cfg, mock)
	connect(t, e, "emulator-5554")

	first, err := e.AcquireSession("emulator-5554", []channel.Channel{channel.Location}, session.PriorityScripted, "script-a")
	if err != nil {
		t.Fatalf("acquire first session: %v", err)
	}
	coords := channel.Coordinates{Lat: 37.7749, Lon: -122.4194, AccuracyM: 5}
	if err := e.SetChannel(context.Background(), first.Token, "emulator-5554", channel.Location, coords); err != nil {
		t.Fatalf("set location: %v", err)
	}
	if err := e.ReleaseSession(first.Token); err != nil {
		t.Fatalf("release first session: %v", err)
	}

	second, err := e.AcquireSession("emulator-5554", []channel.Channel{channel.Location}, session.PriorityScripted, "script-b")
	if err != nil {
		t.Fatalf("acquire second session: %v", err)
	}

	snap, err := e.Snapshot("emulator-5554", channel.Location)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Version != 1 {
		t.Fatalf("version = %d, want 1 after one write", snap.Version)
	}
	got, ok := snap.Value.(channel.Coordinates)
	if !ok || got.Lat != coords.Lat || got.Lon != coords.Lon {
		t.Fatalf("snapshot value = %#v, want the coordinates written under the released session", snap.Value)
	}

	if err := e.SetChannel(context.Background(), second.Token, "emulator-5554", channel.Location, channel.Coordinates{Lat: 40}); err != nil {
		t.Fatalf("set under second session: %v", err)
	}
	snap, err = e.Snapshot("emulator-5554", channel.Location)
	if err != nil {
		t.Fatalf("snapshot after second write: %v", err)
	}
	if snap.Version != 2 {
		t.Fatalf("version = %d, want 2", snap.Version)
	}

	timeline, err := e.events.SessionTimeline(context.Background(), first.Token, 10)
	if err != nil {
		t.Fatalf("session timeline: %v", err)
	}
	if len(timeline) != 1 || timeline[0].Kind != "set_channel" || timeline[0].Channel != "location" {
		t.Fatalf("timeline = %+v, want one set_channel event on location", timeline)
	}
	sessions, err := e.events.ListSessions(context.Background(), "emulator-5554", 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	var firstRec *eventstore.SessionRecord
	for i := range sessions {
		if sessions[i].Token == first.Token {
			firstRec = &sessions[i]
		}
	}
	if firstRec == nil || firstRec.State != "released" {
		t.Fatalf("sessions = %+v, want the first token recorded as released", sessions)
	}
}

func TestManualPreemptsAutonomousRun(t *testing.T) {
	mock := bridge.NewMock("emulator-5554")
	e := newTestEngine(t, testConfig(), mock)
	connect(t, e, "emulator-5554")

	plan := autopilot.Plan{
		Name:   "slow-drive",
		Device: "emulator-5554",
		Steps: []autopilot.Step{
			{Op: autopilot.OpSetChannel, Channel: "location", Value: map[string]any{"lat": 37.0, "lon": -122.0}},
			{Op: autopilot.OpWait, DurationMS: 400},
			{Op: autopilot.OpSetChannel, Channel: "location", Value: map[string]any{"lat": 38.0, "lon": -122.0}},
		},
	}
	run, err := e.StartAutonomous(plan)
	if err != nil {
		t.Fatalf("start autonomous: %v", err)
	}
	waitFor(t, "first plan write", func() bool {
		snap, err := e.Snapshot("emulator-5554", channel.Location)
		return err == nil && snap.Version > 0
	})

	manual, err := e.AcquireSession("emulator-5554", []channel.Channel{channel.Location}, session.PriorityManual, "operator")
	if err != nil {
		t.Fatalf("manual acquire should preempt the run: %v", err)
	}

	waitFor(t, "run abort", func() bool {
		got, _ := e.AutonomousRun(run.ID)
		return got.State == autopilot.RunAborted
	})
	got, _ := e.AutonomousRun(run.ID)
	if got.Reason != autopilot.AbortPreempted {
		t.Fatalf("abort reason = %q, want %q", got.Reason, autopilot.AbortPreempted)
	}
	if got.LastCompleted < 0 || got.LastCompleted > 1 {
		t.Fatalf("last completed = %d, want step 0 or 1", got.LastCompleted)
	}

	snap, err := e.Snapshot("emulator-5554", channel.Location)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if coords := snap.Value.(channel.Coordinates); coords.Lat != 37.0 {
		t.Fatalf("lat = %v, the aborted plan must not have written step 2", coords.Lat)
	}

	if err := e.SetChannel(context.Background(), manual.Token, "emulator-5554", channel.Location, channel.Coordinates{Lat: 39}); err != nil {
		t.Fatalf("manual write after preemption: %v", err)
	}
}

func TestSetChannelCommitsWhileBridgeFailing(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.Channels["ambient_light"] = config.ChannelTuning{RateHz: 200, Noise: 0}
	mock := bridge.NewMock("emulator-5554")
	e := newTestEngine(t, cfg, mock)
	connect(t, e, "emulator-5554")

	waitFor(t, "delivery loop", func() bool {
		return len(mock.Frames("emulator-5554")) > 0
	})
	mock.FailNextPushes(20)
	waitFor(t, "degraded mark", func() bool {
		h, ok := e.reg.Get("emulator-5554")
		return ok && h.Conn == device.Degraded
	})

	sess, err := e.AcquireSession("emulator-5554", []channel.Channel{channel.AmbientLight}, session.PriorityScripted, "script")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := e.SetChannel(context.Background(), sess.Token, "emulator-5554", channel.AmbientLight, channel.Illuminance{Lux: 250}); err != nil {
		t.Fatalf("write while bridge degraded: %v", err)
	}
	snap, err := e.Snapshot("emulator-5554", channel.AmbientLight)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if lux := snap.Value.(channel.Illuminance).Lux; lux != 250 {
		t.Fatalf("lux = %v, want the committed 250 despite delivery failures", lux)
	}
}

func TestSpeakListenRoundTrip(t *testing.T) {
	mock := bridge.NewMock("emulator-5554")
	e := newTestEngine(t, testConfig(), mock)
	connect(t, e, "emulator-5554")

	if err := e.Speak(context.Background(), "emulator-5554", "hello there", ""); err != nil {
		t.Fatalf("speak: %v", err)
	}
	chunks := mock.MicChunks("emulator-5554")
	if len(chunks) == 0 {
		t.Fatal("no microphone chunks delivered")
	}
	total := 0
	for _, c := range chunks {
		total += len(c.PCM)
		if c.Utterance != chunks[0].Utterance {
			t.Fatal("utterance split across ids")
		}
	}
	// 11 chars at 40ms each is 440ms of 8kHz mono 16-bit audio.
	if total != 7040 {
		t.Fatalf("delivered %d bytes, want 7040", total)
	}
	if !chunks[len(chunks)-1].Final {
		t.Fatal("last chunk not marked final")
	}

	mock.QueueSpeakerAudio("emulator-5554", protocol.AudioChunk{
		Device:     "emulator-5554",
		PCM:        voicedPCM(300, 8000),
		SampleRate: 8000,
		Channels:   1,
	})
	res, err := e.Listen(context.Background(), "emulator-5554")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if res.Text != "[captured 300 ms of audio]" {
		t.Fatalf("transcript = %q", res.Text)
	}

	st, err := e.DeviceStatus("emulator-5554")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Turn != "idle" {
		t.Fatalf("turn = %q, want idle after both ops", st.Turn)
	}
}

func TestDeviceStatusReport(t *testing.T) {
	mock := bridge.NewMock("emulator-5554")
	e := newTestEngine(t, testConfig(), mock)
	connect(t, e, "emulator-5554")

	sess, err := e.AcquireSession("emulator-5554", []channel.Channel{channel.Location}, session.PriorityManual, "operator")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := e.SetChannel(context.Background(), sess.Token, "emulator-5554", channel.Location, channel.Coordinates{Lat: 51.5}); err != nil {
		t.Fatalf("set: %v", err)
	}

	st, err := e.DeviceStatus("emulator-5554")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Device.ID != "emulator-5554" || st.Device.Conn != device.Connected {
		t.Fatalf("device = %+v", st.Device)
	}
	if len(st.Channels) != len(channel.All()) {
		t.Fatalf("report covers %d channels, want %d", len(st.Channels), len(channel.All()))
	}
	var loc *ChannelStatus
	for i := range st.Channels {
		if st.Channels[i].Channel == "location" {
			loc = &st.Channels[i]
		}
	}
	if loc == nil {
		t.Fatal("no location entry in report")
	}
	if loc.Version != 1 || loc.Transitioning {
		t.Fatalf("location entry = %+v, want version 1, not transitioning", loc)
	}
	var coords channel.Coordinates
	if err := json.Unmarshal(loc.Value, &coords); err != nil || coords.Lat != 51.5 {
		t.Fatalf("location value = %s", loc.Value)
	}
	if st.Turn != "idle" {
		t.Fatalf("turn = %q", st.Turn)
	}
	if len(st.Sessions) != 1 || st.Sessions[0].Owner != "operator" || st.Sessions[0].Priority != 30 {
		t.Fatalf("sessions = %+v", st.Sessions)
	}
	if len(st.Runs) != 0 {
		t.Fatalf("runs = %+v, want none", st.Runs)
	}
}

func TestDisconnectEndsSessions(t *testing.T) {
	mock := bridge.NewMock("emulator-5554")
	e := newTestEngine(t, testConfig(), mock)
	connect(t, e, "emulator-5554")

	sess, err := e.AcquireSession("emulator-5554", nil, session.PriorityScripted, "script")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := e.DisconnectDevice("emulator-5554"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	select {
	case <-sess.Context().Done():
	default:
		t.Fatal("session context still open after disconnect")
	}
	if cause := context.Cause(sess.Context()); !errors.Is(cause, session.ErrSessionClosed) {
		t.Fatalf("cause = %v, want session closed", cause)
	}
	if err := e.ReleaseSession(sess.Token); !errors.Is(err, session.ErrNotOwner) {
		t.Fatalf("release after disconnect = %v, want not-owner", err)
	}
	if got := e.Devices(); len(got) != 0 {
		t.Fatalf("devices = %+v, want none", got)
	}
	if err := e.DisconnectDevice("emulator-5554"); err == nil {
		t.Fatal("second disconnect should fail")
	}
}

func TestConnectRejectsUnreachableDevice(t *testing.T) {
	mock := bridge.NewMock("emulator-5554")
	mock.SetState("emulator-5554", device.Disconnected)
	e := newTestEngine(t, testConfig(), mock)

	if _, err := e.ConnectDevice(context.Background(), "emulator-5554", device.PlatformAndroid, ""); err == nil {
		t.Fatal("connect should fail when the transport cannot reach the device")
	}
	if got := e.Devices(); len(got) != 0 {
		t.Fatalf("devices = %+v, want none", got)
	}
}

func TestSimulateMotionInstallsGestureWave(t *testing.T) {
	mock := bridge.NewMock("emulator-5554")
	e := newTestEngine(t, testConfig(), mock)
	connect(t, e, "emulator-5554")

	sess, err := e.AcquireSession("emulator-5554", []channel.Channel{channel.Accelerometer}, session.PriorityScripted, "script")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := e.SimulateMotion(context.Background(), sess.Token, "emulator-5554", channel.GestureShake, channel.Vector{}, 500*time.Millisecond); err != nil {
		t.Fatalf("simulate motion: %v", err)
	}
	if !e.store.Transitioning("emulator-5554", channel.Accelerometer) {
		t.Fatal("accelerometer should be transitioning while the gesture runs")
	}

	st, err := e.DeviceStatus("emulator-5554")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, ch := range st.Channels {
		if ch.Channel == "accelerometer" && !ch.Transitioning {
			t.Fatal("report should show the accelerometer transitioning")
		}
	}
}
