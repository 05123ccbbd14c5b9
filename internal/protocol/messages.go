package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status stream subjects. Sensor frames at full rate stay on the bridge path;
// the bus carries state transitions and transcripts for observers.
const (
	SubjectDeviceStatusPrefix = "mirage.device.status"
	SubjectSessionEvent       = "mirage.session.event"
	SubjectChannelEventPrefix = "mirage.channel.event"
	SubjectTranscriptPrefix   = "mirage.audio.transcript"
	SubjectTurnPrefix         = "mirage.audio.turn"
	SubjectAutopilotPrefix    = "mirage.autopilot.progress"
)

func DeviceStatusSubject(device string) string {
	return fmt.Sprintf("%s.%s", SubjectDeviceStatusPrefix, device)
}

func ChannelEventSubject(device string) string {
	return fmt.Sprintf("%s.%s", SubjectChannelEventPrefix, device)
}

func TranscriptSubject(device string) string {
	return fmt.Sprintf("%s.%s", SubjectTranscriptPrefix, device)
}

func TurnSubject(device string) string {
	return fmt.Sprintf("%s.%s", SubjectTurnPrefix, device)
}

func AutopilotSubject(runID string) string {
	return fmt.Sprintf("%s.%s", SubjectAutopilotPrefix, runID)
}

// SensorFrame is one transport-ready channel reading handed to the bridge.
type SensorFrame struct {
	Device  string          `json:"device"`
	Channel string          `json:"channel"`
	Version uint64          `json:"version"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// AudioChunk carries PCM in either direction across the bridge: synthesized
// speech toward the device microphone, speaker output back out.
type AudioChunk struct {
	Device     string `json:"device"`
	Utterance  string `json:"utterance_id,omitempty"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript is the capture side's output.
type Transcript struct {
	Device     string    `json:"device"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence,omitempty"`
	Final      bool      `json:"final"`
	At         time.Time `json:"at"`
}

// DeviceStatus announces a connectivity transition.
type DeviceStatus struct {
	Device   string    `json:"device"`
	Platform string    `json:"platform"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	At       time.Time `json:"at"`
}

// SessionEvent announces an arbitration transition.
type SessionEvent struct {
	Kind     string    `json:"kind"`
	Token    string    `json:"token"`
	Device   string    `json:"device"`
	Channels []string  `json:"channels"`
	Priority int       `json:"priority"`
	Owner    string    `json:"owner"`
	At       time.Time `json:"at"`
}

// ChannelEvent announces an accepted mutation.
type ChannelEvent struct {
	Device  string          `json:"device"`
	Channel string          `json:"channel"`
	Kind    string          `json:"kind"`
	Version uint64          `json:"version,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// TurnEvent announces a conversational turn transition.
type TurnEvent struct {
	Device string    `json:"device"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	At     time.Time `json:"at"`
}

// AutopilotProgress reports plan execution, step by step.
type AutopilotProgress struct {
	RunID         string    `json:"run_id"`
	Plan          string    `json:"plan"`
	Device        string    `json:"device"`
	Step          int       `json:"step"`
	Op            string    `json:"op,omitempty"`
	Status        string    `json:"status"`
	Error         string    `json:"error,omitempty"`
	LastCompleted int       `json:"last_completed"`
	At            time.Time `json:"at"`
}
