package audio

import (
	"errors"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSpeakLegalFromIdleAndAgentListening(t *testing.T) {
	turn := NewTurn("dev-1", false, testLogger())
	if _, err := turn.BeginSpeak(); err != nil {
		t.Fatalf("speak from idle: %v", err)
	}
	turn.EndSpeak(true)
	turn.MarkVoiced()
	turn.EndListen(true)
	if got := turn.State(); got != TurnAgentListening {
		t.Fatalf("state = %v, want agent_listening", got)
	}
	if _, err := turn.BeginSpeak(); err != nil {
		t.Fatalf("speak from agent_listening: %v", err)
	}
}

func TestSpeakRejectedWhileDeviceHoldsFloor(t *testing.T) {
	turn := NewTurn("dev-1", false, testLogger())
	if _, err := turn.BeginListen(); err != nil {
		t.Fatalf("listen from idle: %v", err)
	}

	_, err := turn.BeginSpeak()
	var terr *TurnError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TurnError from device_listening, got %v", err)
	}
	if terr.Op != "speak" || terr.State != TurnDeviceListening {
		t.Fatalf("unexpected turn error: %+v", terr)
	}

	turn.MarkVoiced()
	if _, err := turn.BeginSpeak(); !errors.As(err, &terr) {
		t.Fatalf("expected TurnError from device_speaking, got %v", err)
	}
}

func TestListenRejectedWhileAgentSpeaking(t *testing.T) {
	turn := NewTurn("dev-1", false, testLogger())
	if _, err := turn.BeginSpeak(); err != nil {
		t.Fatalf("speak: %v", err)
	}
	var terr *TurnError
	if _, err := turn.BeginListen(); !errors.As(err, &terr) {
		t.Fatalf("expected TurnError, got %v", err)
	}
}

func TestListenLegalFromDeviceListening(t *testing.T) {
	turn := NewTurn("dev-1", false, testLogger())
	turn.BeginSpeak()
	turn.EndSpeak(true)
	if got := turn.State(); got != TurnDeviceListening {
		t.Fatalf("state = %v, want device_listening after conversational speak", got)
	}
	if _, err := turn.BeginListen(); err != nil {
		t.Fatalf("listen from device_listening: %v", err)
	}
}

func TestBargeInBypassesSpeakGuard(t *testing.T) {
	turn := NewTurn("dev-1", true, testLogger())
	turn.BeginListen()
	turn.MarkVoiced()
	if _, err := turn.BeginSpeak(); err != nil {
		t.Fatalf("barge-in speak should pass the guard: %v", err)
	}
	if got := turn.State(); got != TurnAgentSpeaking {
		t.Fatalf("state = %v, want agent_speaking", got)
	}
}

func TestMarkVoicedOnlyWhileListening(t *testing.T) {
	turn := NewTurn("dev-1", false, testLogger())
	if turn.MarkVoiced() {
		t.Fatal("voiced from idle should not transition")
	}
	turn.BeginListen()
	if !turn.MarkVoiced() {
		t.Fatal("voiced while listening should transition")
	}
	if turn.MarkVoiced() {
		t.Fatal("second voiced mark should be a no-op")
	}
}

func TestOneShotRoundTripReturnsToIdle(t *testing.T) {
	turn := NewTurn("dev-1", false, testLogger())
	turn.BeginSpeak()
	if got := turn.EndSpeak(false); got != TurnIdle {
		t.Fatalf("one-shot speak settled to %v, want idle", got)
	}
	turn.BeginListen()
	turn.MarkVoiced()
	if got := turn.EndListen(false); got != TurnIdle {
		t.Fatalf("one-shot listen settled to %v, want idle", got)
	}
}
