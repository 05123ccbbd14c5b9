package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/miragelabs/mirage-core/internal/channel"
	"github.com/miragelabs/mirage-core/internal/device"
	"github.com/miragelabs/mirage-core/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func frameAudio(seq int, final bool) protocol.AudioChunk {
	return protocol.AudioChunk{Device: "dev-1", Sequence: seq, SampleRate: 44100, Channels: 1, PCM: []byte{0, 0}, Final: final}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	mock := NewMock("dev-1")
	mock.FailNextPushes(3)
	br := NewBreaker(mock, 3, time.Minute, testLogger())
	ctx := context.Background()

	frame := frameFor(t, channel.AmbientLight, channel.Illuminance{Lux: 300})
	for i := 0; i < 3; i++ {
		if err := br.PushSensorFrame(ctx, "dev-1", frame); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("push %d: got %v, want unavailable", i, err)
		}
	}

	// Circuit is open now. The mock would succeed, but it must not be called.
	if err := br.PushSensorFrame(ctx, "dev-1", frame); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v, want unavailable while open", err)
	}
	if got := len(mock.Frames("dev-1")); got != 0 {
		t.Fatalf("inner bridge received %d frames while circuit open", got)
	}
}

func TestBreakerReportsDegradedWhileOpen(t *testing.T) {
	mock := NewMock("dev-1")
	mock.FailNextPushes(2)
	br := NewBreaker(mock, 2, time.Minute, testLogger())
	ctx := context.Background()

	frame := frameFor(t, channel.Power, channel.PowerProfile{LevelPct: 50})
	for i := 0; i < 2; i++ {
		_ = br.PushSensorFrame(ctx, "dev-1", frame)
	}

	state, err := br.ConnectionState(ctx, "dev-1")
	if err != nil {
		t.Fatalf("ConnectionState: %v", err)
	}
	if state != device.Degraded {
		t.Fatalf("state = %v, want degraded while circuit open", state)
	}
}

func TestBreakerHalfOpenProbeReconnects(t *testing.T) {
	mock := NewMock("dev-1")
	mock.FailNextPushes(2)
	br := NewBreaker(mock, 2, 30*time.Millisecond, testLogger())
	ctx := context.Background()

	frame := frameFor(t, channel.AmbientLight, channel.Illuminance{Lux: 120})
	for i := 0; i < 2; i++ {
		_ = br.PushSensorFrame(ctx, "dev-1", frame)
	}
	if state, _ := br.ConnectionState(ctx, "dev-1"); state != device.Degraded {
		t.Fatalf("state = %v, want degraded before timeout", state)
	}

	time.Sleep(60 * time.Millisecond)

	state, err := br.ConnectionState(ctx, "dev-1")
	if err != nil {
		t.Fatalf("ConnectionState after timeout: %v", err)
	}
	if state != device.Connected {
		t.Fatalf("state = %v, want connected after half-open probe", state)
	}
	if err := br.PushSensorFrame(ctx, "dev-1", frame); err != nil {
		t.Fatalf("push after reconnect: %v", err)
	}
	if got := len(mock.Frames("dev-1")); got != 1 {
		t.Fatalf("got %d frames after reconnect, want 1", got)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	mock := NewMock("dev-1")
	br := NewBreaker(mock, 3, time.Minute, testLogger())
	ctx := context.Background()
	frame := frameFor(t, channel.AmbientLight, channel.Illuminance{Lux: 10})

	mock.FailNextPushes(2)
	for i := 0; i < 2; i++ {
		_ = br.PushSensorFrame(ctx, "dev-1", frame)
	}
	if err := br.PushSensorFrame(ctx, "dev-1", frame); err != nil {
		t.Fatalf("push after failures: %v", err)
	}

	mock.FailNextPushes(2)
	for i := 0; i < 2; i++ {
		_ = br.PushSensorFrame(ctx, "dev-1", frame)
	}
	if err := br.PushSensorFrame(ctx, "dev-1", frame); err != nil {
		t.Fatalf("circuit opened despite reset: %v", err)
	}
}

func TestBreakerCircuitsAreIndependentPerDevice(t *testing.T) {
	mock := NewMock("dev-1", "dev-2")
	mock.SetState("dev-1", device.Disconnected)
	br := NewBreaker(mock, 2, time.Minute, testLogger())
	ctx := context.Background()
	frame := frameFor(t, channel.AmbientLight, channel.Illuminance{Lux: 10})

	for i := 0; i < 3; i++ {
		_ = br.PushSensorFrame(ctx, "dev-1", frame)
	}
	if state, _ := br.ConnectionState(ctx, "dev-1"); state != device.Degraded {
		t.Fatal("expected dev-1 circuit open")
	}
	if err := br.PushSensorFrame(ctx, "dev-2", frame); err != nil {
		t.Fatalf("dev-2 push: %v", err)
	}
	if state, _ := br.ConnectionState(ctx, "dev-2"); state != device.Connected {
		t.Fatal("expected dev-2 unaffected")
	}
}

func TestBreakerPullPassesChunksThrough(t *testing.T) {
	mock := NewMock("dev-1")
	br := NewBreaker(mock, 3, time.Minute, testLogger())
	ctx := context.Background()

	chunk, err := br.PullAudioChunk(ctx, "dev-1")
	if err != nil {
		t.Fatalf("empty pull: %v", err)
	}
	if chunk != nil {
		t.Fatalf("got chunk %+v from empty queue", chunk)
	}

	mock.QueueSpeakerAudio("dev-1", frameAudio(1, false), frameAudio(2, true))
	first, err := br.PullAudioChunk(ctx, "dev-1")
	if err != nil || first == nil {
		t.Fatalf("first pull: chunk=%v err=%v", first, err)
	}
	if first.Sequence != 1 || first.Final {
		t.Fatalf("unexpected first chunk: %+v", first)
	}
	second, err := br.PullAudioChunk(ctx, "dev-1")
	if err != nil || second == nil || !second.Final {
		t.Fatalf("second pull: chunk=%v err=%v", second, err)
	}
}
