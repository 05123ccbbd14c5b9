package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/miragelabs/mirage-core/internal/bridge"
	"github.com/miragelabs/mirage-core/internal/channel"
	"github.com/miragelabs/mirage-core/internal/config"
	"github.com/miragelabs/mirage-core/internal/device"
)

type allowGuard struct{}

func (allowGuard) Authorize(string, string, channel.Channel) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func engineCfg(seed int64, channels map[string]config.ChannelTuning) config.EngineConfig {
	return config.EngineConfig{Seed: seed, OpTimeoutMS: 1000, Channels: channels}
}

func fastRetry() config.RetryConfig {
	return config.RetryConfig{MaxRetries: 1, BaseBackoffMS: 1}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestFramesFlowInChannelOrder(t *testing.T) {
	ctx := context.Background()
	mock := bridge.NewMock("dev-1")
	reg := device.NewRegistry(ctx, mock, time.Minute, testLogger())
	defer reg.Close()

	store := channel.NewStore(allowGuard{})
	store.Register("dev-1")

	cfg := engineCfg(42, map[string]config.ChannelTuning{"ambient_light": {RateHz: 100}})
	svc := NewService(ctx, cfg, fastRetry(), store, mock, reg, testLogger())
	defer svc.Close()
	svc.Attach("dev-1")

	waitFor(t, 2*time.Second, func() bool { return len(mock.Frames("dev-1")) >= 5 })
	svc.Detach("dev-1")

	frames := mock.Frames("dev-1")
	var lastVersion uint64
	for i, f := range frames {
		if f.Channel != "ambient_light" {
			t.Fatalf("frame %d on unexpected channel %q", i, f.Channel)
		}
		if f.Version < lastVersion {
			t.Fatalf("frame %d version %d below previous %d", i, f.Version, lastVersion)
		}
		lastVersion = f.Version
		var lux channel.Illuminance
		if err := json.Unmarshal(f.Payload, &lux); err != nil {
			t.Fatalf("frame %d payload: %v", i, err)
		}
		if lux.Lux != 300 {
			t.Fatalf("frame %d lux = %v, want 300 with zero noise", i, lux.Lux)
		}
	}

	count := len(mock.Frames("dev-1"))
	time.Sleep(50 * time.Millisecond)
	if got := len(mock.Frames("dev-1")); got != count {
		t.Fatalf("frames still flowing after detach: %d -> %d", count, got)
	}
}

func TestFixedSeedProducesIdenticalStreams(t *testing.T) {
	collect := func() [][]byte {
		ctx := context.Background()
		mock := bridge.NewMock("dev-1")
		reg := device.NewRegistry(ctx, mock, time.Minute, testLogger())
		defer reg.Close()
		store := channel.NewStore(allowGuard{})
		store.Register("dev-1")
		cfg := engineCfg(7, map[string]config.ChannelTuning{"ambient_light": {RateHz: 200, Noise: 5}})
		svc := NewService(ctx, cfg, fastRetry(), store, mock, reg, testLogger())
		defer svc.Close()
		svc.Attach("dev-1")
		waitFor(t, 2*time.Second, func() bool { return len(mock.Frames("dev-1")) >= 6 })
		svc.Detach("dev-1")
		var payloads [][]byte
		for _, f := range mock.Frames("dev-1") {
			payloads = append(payloads, f.Payload)
		}
		return payloads
	}

	first := collect()
	second := collect()
	for i := 0; i < 6; i++ {
		if string(first[i]) != string(second[i]) {
			t.Fatalf("frame %d differs between identically seeded runs:\n%s\n%s", i, first[i], second[i])
		}
	}
}

func TestPushFailureDegradesAndReconnectResumes(t *testing.T) {
	ctx := context.Background()
	mock := bridge.NewMock("dev-1")
	reg := device.NewRegistry(ctx, mock, 10*time.Millisecond, testLogger())
	defer reg.Close()
	if _, err := reg.Connect(ctx, "dev-1", device.PlatformAndroid, "test"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := reg.Start(); err != nil {
		t.Fatalf("start registry: %v", err)
	}

	store := channel.NewStore(allowGuard{})
	store.Register("dev-1")

	cfg := engineCfg(42, map[string]config.ChannelTuning{"ambient_light": {RateHz: 100}})
	svc := NewService(ctx, cfg, fastRetry(), store, mock, reg, testLogger())
	defer svc.Close()
	svc.Attach("dev-1")

	waitFor(t, 2*time.Second, func() bool { return len(mock.Frames("dev-1")) >= 1 })

	mock.SetState("dev-1", device.Disconnected)
	waitFor(t, 2*time.Second, func() bool {
		h, ok := reg.Get("dev-1")
		return ok && h.Conn != device.Connected
	})

	// Store writes keep succeeding while the bridge path is down.
	if _, err := store.Set("tok", "dev-1", channel.AmbientLight, channel.Illuminance{Lux: 50}); err != nil {
		t.Fatalf("set while degraded: %v", err)
	}

	before := len(mock.Frames("dev-1"))
	mock.SetState("dev-1", device.Connected)
	waitFor(t, 2*time.Second, func() bool { return len(mock.Frames("dev-1")) > before })

	frames := mock.Frames("dev-1")
	var lux channel.Illuminance
	if err := json.Unmarshal(frames[len(frames)-1].Payload, &lux); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if lux.Lux != 50 {
		t.Fatalf("resumed frame lux = %v, want the value set while degraded", lux.Lux)
	}
}

type lightOnlyBridge struct {
	*bridge.Mock
}

func (lightOnlyBridge) Supports(ch channel.Channel) bool { return ch == channel.AmbientLight }

func TestUnsupportedChannelsAreSkipped(t *testing.T) {
	ctx := context.Background()
	mock := bridge.NewMock("dev-1")
	br := lightOnlyBridge{mock}
	reg := device.NewRegistry(ctx, br, time.Minute, testLogger())
	defer reg.Close()

	store := channel.NewStore(allowGuard{})
	store.Register("dev-1")

	cfg := engineCfg(42, map[string]config.ChannelTuning{
		"ambient_light": {RateHz: 100},
		"accelerometer": {RateHz: 100},
	})
	svc := NewService(ctx, cfg, fastRetry(), store, br, reg, testLogger())
	defer svc.Close()
	svc.Attach("dev-1")

	waitFor(t, 2*time.Second, func() bool { return len(mock.Frames("dev-1")) >= 3 })
	svc.Detach("dev-1")

	for i, f := range mock.Frames("dev-1") {
		if f.Channel != "ambient_light" {
			t.Fatalf("frame %d pushed on unsupported channel %q", i, f.Channel)
		}
	}
}
