package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/miragelabs/mirage-core/internal/audio"
	"github.com/miragelabs/mirage-core/internal/autopilot"
	"github.com/miragelabs/mirage-core/internal/channel"
	"github.com/miragelabs/mirage-core/internal/device"
	"github.com/miragelabs/mirage-core/internal/eventstore"
	"github.com/miragelabs/mirage-core/internal/protocol"
	"github.com/miragelabs/mirage-core/internal/session"
)

// ConnectDevice handshakes the device through the bridge and brings its
// channel cells and sensor loops up.
func (e *Engine) ConnectDevice(ctx context.Context, id string, platform device.Platform, label string) (device.Handle, error) {
	ctx, cancel := e.opCtx(ctx)
	defer cancel()

	h, err := e.reg.Connect(ctx, id, platform, label)
	if err != nil {
		return device.Handle{}, err
	}
	e.store.Register(id)
	e.sched.Attach(id)
	return h, nil
}

// DisconnectDevice tears the device down: delivery loops stop, every session
// on the device ends, buffered audio is dropped and the cells are removed.
func (e *Engine) DisconnectDevice(id string) error {
	if _, ok := e.reg.Get(id); !ok {
		return fmt.Errorf("device %s is not connected", id)
	}
	e.sched.Detach(id)
	e.arb.ReleaseDevice(id)
	e.pipe.DropDevice(id)
	e.store.Drop(id)
	return e.reg.Disconnect(id)
}

func (e *Engine) Devices() []device.Handle {
	return e.reg.List()
}

// Discover asks the bridge for reachable devices without connecting them.
func (e *Engine) Discover(ctx context.Context) ([]device.Handle, error) {
	ctx, cancel := e.opCtx(ctx)
	defer cancel()
	return e.reg.Discover(ctx)
}

// PriorityFor maps a caller class name to its configured priority level.
func (e *Engine) PriorityFor(class string) (session.Priority, error) {
	switch class {
	case "manual":
		return session.Priority(e.cfg.Engine.Priorities.Manual), nil
	case "scripted":
		return session.Priority(e.cfg.Engine.Priorities.Scripted), nil
	case "autonomous":
		return session.Priority(e.cfg.Engine.Priorities.Autonomous), nil
	}
	return 0, fmt.Errorf("unknown caller class %q", class)
}

// AcquireSession claims the channels on a connected device. An empty channel
// list claims all of them.
func (e *Engine) AcquireSession(deviceID string, channels []channel.Channel, prio session.Priority, owner string) (*session.Session, error) {
	if _, ok := e.reg.Get(deviceID); !ok {
		return nil, fmt.Errorf("device %s is not connected", deviceID)
	}
	return e.arb.Acquire(deviceID, channels, prio, owner)
}

// AcquireAutonomous claims channels at the autonomous priority on behalf of a
// plan run. The returned context ends when the session is preempted or
// released.
func (e *Engine) AcquireAutonomous(deviceID string, channels []channel.Channel, owner string) (string, context.Context, error) {
	sess, err := e.AcquireSession(deviceID, channels, session.Priority(e.cfg.Engine.Priorities.Autonomous), owner)
	if err != nil {
		return "", nil, err
	}
	return sess.Token, sess.Context(), nil
}

func (e *Engine) ReleaseSession(token string) error {
	return e.arb.Release(token)
}

func (e *Engine) Session(token string) (*session.Session, bool) {
	return e.arb.Get(token)
}

// SetChannel writes a value to one channel under the session token. The write
// commits to the store regardless of bridge health.
func (e *Engine) SetChannel(ctx context.Context, token, deviceID string, ch channel.Channel, v channel.Value) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap, err := e.store.Set(token, deviceID, ch, v)
	if err != nil {
		return err
	}
	payload, _ := json.Marshal(snap.Value)
	e.appendEvent(eventstore.Event{
		Token:     token,
		Device:    deviceID,
		Kind:      "set_channel",
		Channel:   string(ch),
		Payload:   payload,
		CreatedAt: snap.At,
	})
	e.publishChannel(protocol.ChannelEvent{
		Device:  deviceID,
		Channel: string(ch),
		Kind:    "set",
		Version: snap.Version,
		Payload: payload,
		At:      snap.At,
	})
	return nil
}

// InterpolateChannel ramps the channel from its current value to target over
// the duration. Sensor ticks sample the ramp until it lands.
func (e *Engine) InterpolateChannel(ctx context.Context, token, deviceID string, ch channel.Channel, target channel.Value, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.store.Interpolate(token, deviceID, ch, target, d); err != nil {
		return err
	}
	payload, _ := json.Marshal(target)
	now := time.Now().UTC()
	e.appendEvent(eventstore.Event{
		Token:     token,
		Device:    deviceID,
		Kind:      "interpolate_channel",
		Channel:   string(ch),
		Payload:   payload,
		CreatedAt: now,
	})
	e.publishChannel(protocol.ChannelEvent{
		Device:  deviceID,
		Channel: string(ch),
		Kind:    "interpolate",
		Payload: payload,
		At:      now,
	})
	return nil
}

// SimulateMotion installs a gesture waveform on the motion channel the
// gesture drives. Named gestures carry their own amplitudes; only a custom
// gesture ramps toward target.
func (e *Engine) SimulateMotion(ctx context.Context, token, deviceID string, g channel.Gesture, target channel.Vector, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch := channel.GestureChannel(g)
	snap, err := e.store.Snapshot(deviceID, ch)
	if err != nil {
		return err
	}
	base, ok := snap.Value.(channel.Vector)
	if !ok {
		return fmt.Errorf("channel %s holds %T, want a vector", ch, snap.Value)
	}
	wave, err := channel.NewGesture(g, base, target, d)
	if err != nil {
		return err
	}
	if err := e.store.InstallWave(token, deviceID, ch, wave); err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]any{
		"gesture":     string(g),
		"duration_ms": d.Milliseconds(),
	})
	now := time.Now().UTC()
	e.appendEvent(eventstore.Event{
		Token:     token,
		Device:    deviceID,
		Kind:      "simulate_motion",
		Channel:   string(ch),
		Payload:   payload,
		CreatedAt: now,
	})
	e.publishChannel(protocol.ChannelEvent{
		Device:  deviceID,
		Channel: string(ch),
		Kind:    "gesture",
		Payload: payload,
		At:      now,
	})
	return nil
}

// Snapshot reads the committed value of one channel. Reads are never
// arbitrated.
func (e *Engine) Snapshot(deviceID string, ch channel.Channel) (channel.Snapshot, error) {
	return e.store.Snapshot(deviceID, ch)
}

// Speak synthesizes text and injects it as one atomic utterance into the
// device microphone.
func (e *Engine) Speak(ctx context.Context, deviceID, text, voice string) error {
	ctx, cancel := e.opCtx(ctx)
	defer cancel()
	if _, ok := e.reg.Get(deviceID); !ok {
		return fmt.Errorf("device %s is not connected", deviceID)
	}
	return e.pipe.Speak(ctx, deviceID, text, voice, false)
}

// SpeakFile injects a prerecorded WAV file instead of synthesized speech.
func (e *Engine) SpeakFile(ctx context.Context, deviceID, path string) error {
	ctx, cancel := e.opCtx(ctx)
	defer cancel()
	if _, ok := e.reg.Get(deviceID); !ok {
		return fmt.Errorf("device %s is not connected", deviceID)
	}
	return e.pipe.SpeakFile(ctx, deviceID, path, false)
}

// Listen captures device speaker output until the silence gap or capture cap
// and returns the transcription.
func (e *Engine) Listen(ctx context.Context, deviceID string) (audio.TranscriptResult, error) {
	ctx, cancel := e.opCtx(ctx)
	defer cancel()
	if _, ok := e.reg.Get(deviceID); !ok {
		return audio.TranscriptResult{}, fmt.Errorf("device %s is not connected", deviceID)
	}
	return e.pipe.Listen(ctx, deviceID, false)
}

// Converse runs speak/listen rounds until the reply callback signals done.
// The caller bounds the conversation through ctx; the default operation
// timeout does not apply.
func (e *Engine) Converse(ctx context.Context, deviceID, opening string, reply audio.ReplyFunc) ([]audio.Exchange, error) {
	if _, ok := e.reg.Get(deviceID); !ok {
		return nil, fmt.Errorf("device %s is not connected", deviceID)
	}
	return e.pipe.Converse(ctx, deviceID, opening, reply)
}

// StartAutonomous validates the plan, claims an autonomous session and runs
// the steps in the background.
func (e *Engine) StartAutonomous(plan autopilot.Plan) (autopilot.Run, error) {
	if _, ok := e.reg.Get(plan.Device); !ok {
		return autopilot.Run{}, fmt.Errorf("device %s is not connected", plan.Device)
	}
	return e.pilot.Launch(plan)
}

func (e *Engine) CancelAutonomous(runID string) error {
	return e.pilot.Cancel(runID)
}

func (e *Engine) AutonomousRun(runID string) (autopilot.Run, bool) {
	return e.pilot.Get(runID)
}

func (e *Engine) AutonomousRuns() []autopilot.Run {
	return e.pilot.List()
}

func (e *Engine) publishChannel(ev protocol.ChannelEvent) {
	if err := e.bus.PublishChannelEvent(ev); err != nil {
		e.log.Warn("publish channel event", slogError(err))
	}
}
