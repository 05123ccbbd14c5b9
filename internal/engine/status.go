package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/miragelabs/mirage-core/internal/autopilot"
	"github.com/miragelabs/mirage-core/internal/channel"
	"github.com/miragelabs/mirage-core/internal/device"
)

// ChannelStatus is one channel cell in a status report.
type ChannelStatus struct {
	Channel       string          `json:"channel"`
	Version       uint64          `json:"version"`
	Value         json.RawMessage `json:"value"`
	RateHz        float64         `json:"rate_hz"`
	Transitioning bool            `json:"transitioning"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// SessionStatus is one active session in a status report.
type SessionStatus struct {
	Token    string   `json:"token"`
	Owner    string   `json:"owner"`
	Priority int      `json:"priority"`
	Channels []string `json:"channels"`
}

// RunStatus is one in-flight autonomous run in a status report.
type RunStatus struct {
	ID            string `json:"id"`
	Plan          string `json:"plan"`
	Step          int    `json:"step"`
	LastCompleted int    `json:"last_completed"`
}

// StatusReport is the full observable state of one device.
type StatusReport struct {
	Device   device.Handle   `json:"device"`
	Channels []ChannelStatus `json:"channels"`
	Turn     string          `json:"turn"`
	Sessions []SessionStatus `json:"sessions"`
	Runs     []RunStatus     `json:"runs,omitempty"`
}

// DeviceStatus assembles connection state, per-channel values and versions,
// the audio turn, active sessions and running plans for one device.
func (e *Engine) DeviceStatus(deviceID string) (StatusReport, error) {
	h, ok := e.reg.Get(deviceID)
	if !ok {
		return StatusReport{}, fmt.Errorf("device %s is not connected", deviceID)
	}

	report := StatusReport{
		Device: h,
		Turn:   e.pipe.TurnState(deviceID).String(),
	}

	for _, ch := range channel.All() {
		snap, err := e.store.Snapshot(deviceID, ch)
		if err != nil {
			continue
		}
		payload, _ := json.Marshal(snap.Value)
		report.Channels = append(report.Channels, ChannelStatus{
			Channel:       string(ch),
			Version:       snap.Version,
			Value:         payload,
			RateHz:        e.cfg.Engine.Channels[string(ch)].RateHz,
			Transitioning: e.store.Transitioning(deviceID, ch),
			UpdatedAt:     snap.At,
		})
	}

	for _, sess := range e.arb.ActiveFor(deviceID) {
		channels := make([]string, 0, len(sess.Channels))
		for _, ch := range sess.Channels {
			channels = append(channels, string(ch))
		}
		report.Sessions = append(report.Sessions, SessionStatus{
			Token:    sess.Token,
			Owner:    sess.Owner,
			Priority: int(sess.Priority),
			Channels: channels,
		})
	}

	for _, run := range e.pilot.List() {
		if run.Device != deviceID || run.State != autopilot.RunRunning {
			continue
		}
		report.Runs = append(report.Runs, RunStatus{
			ID:            run.ID,
			Plan:          run.Plan,
			Step:          run.Step,
			LastCompleted: run.LastCompleted,
		})
	}

	return report, nil
}
