package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// TurnState tracks who holds the audio floor on a device.
type TurnState int

const (
	TurnIdle TurnState = iota
	TurnAgentSpeaking
	TurnDeviceListening
	TurnDeviceSpeaking
	TurnAgentListening
)

func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "idle"
	case TurnAgentSpeaking:
		return "agent_speaking"
	case TurnDeviceListening:
		return "device_listening"
	case TurnDeviceSpeaking:
		return "device_speaking"
	case TurnAgentListening:
		return "agent_listening"
	}
	return "unknown"
}

// TurnError reports an operation attempted out of turn.
type TurnError struct {
	Device string
	Op     string
	State  TurnState
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("cannot %s on %s while turn is %s", e.Op, e.Device, e.State)
}

// Turn serializes the two audio directions on one device. Strict alternation:
// the agent speaks only while the device is not holding the floor. Enabling
// barge-in bypasses the speak guard and is reported as degraded consistency.
type Turn struct {
	device  string
	bargeIn bool
	log     *slog.Logger

	mu    sync.Mutex
	state TurnState
}

func NewTurn(device string, allowBargeIn bool, log *slog.Logger) *Turn {
	return &Turn{device: device, bargeIn: allowBargeIn, log: log}
}

func (t *Turn) State() TurnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// BeginSpeak moves the turn to AgentSpeaking. Legal from Idle and
// AgentListening; the device holding the floor rejects it unless barge-in
// is enabled.
func (t *Turn) BeginSpeak() (TurnState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case TurnIdle, TurnAgentListening:
	default:
		if !t.bargeIn {
			return t.state, &TurnError{Device: t.device, Op: "speak", State: t.state}
		}
		t.log.Warn("barge-in: speaking over the device, consistency degraded",
			slog.String("device", t.device),
			slog.String("state", t.state.String()))
	}
	from := t.state
	t.state = TurnAgentSpeaking
	return from, nil
}

// EndSpeak settles after an utterance: conversational mode hands the floor
// to the device, one-shot returns to Idle.
func (t *Turn) EndSpeak(conversational bool) TurnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conversational {
		t.state = TurnDeviceListening
	} else {
		t.state = TurnIdle
	}
	return t.state
}

// BeginListen arms capture. Legal from Idle and DeviceListening.
func (t *Turn) BeginListen() (TurnState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case TurnIdle, TurnDeviceListening:
	default:
		return t.state, &TurnError{Device: t.device, Op: "listen", State: t.state}
	}
	from := t.state
	t.state = TurnDeviceListening
	return from, nil
}

// MarkVoiced records that voiced audio arrived while listening.
func (t *Turn) MarkVoiced() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TurnDeviceListening {
		return false
	}
	t.state = TurnDeviceSpeaking
	return true
}

// EndListen settles after a capture flush: conversational mode waits for the
// agent's reply in AgentListening, one-shot returns to Idle.
func (t *Turn) EndListen(conversational bool) TurnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conversational {
		t.state = TurnAgentListening
	} else {
		t.state = TurnIdle
	}
	return t.state
}

// Reset abandons the current turn, for error paths mid-operation.
func (t *Turn) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = TurnIdle
}
