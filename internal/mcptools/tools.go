package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/miragelabs/mirage-core/internal/autopilot"
	"github.com/miragelabs/mirage-core/internal/channel"
	"github.com/miragelabs/mirage-core/internal/device"
)

type snapshotResult struct {
	Device  string          `json:"device"`
	Channel string          `json:"channel"`
	Version uint64          `json:"version"`
	Value   json.RawMessage `json:"value"`
	At      time.Time       `json:"at"`
}

type sessionResult struct {
	Token    string   `json:"token"`
	Device   string   `json:"device"`
	Channels []string `json:"channels"`
	Priority int      `json:"priority"`
	Owner    string   `json:"owner"`
}

type runResult struct {
	ID            string `json:"id"`
	Plan          string `json:"plan"`
	Device        string `json:"device"`
	State         string `json:"state"`
	Step          int    `json:"step"`
	LastCompleted int    `json:"last_completed"`
	Reason        string `json:"reason,omitempty"`
	Error         string `json:"error,omitempty"`
}

type transcriptResult struct {
	Device     string  `json:"device"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func runView(r autopilot.Run) runResult {
	return runResult{
		ID:            r.ID,
		Plan:          r.Plan,
		Device:        r.Device,
		State:         r.State,
		Step:          r.Step,
		LastCompleted: r.LastCompleted,
		Reason:        r.Reason,
		Error:         r.Err,
	}
}

func (s *Server) snapshotView(deviceID string, ch channel.Channel) (snapshotResult, error) {
	snap, err := s.engine.Snapshot(deviceID, ch)
	if err != nil {
		return snapshotResult{}, err
	}
	payload, err := json.Marshal(snap.Value)
	if err != nil {
		return snapshotResult{}, err
	}
	return snapshotResult{
		Device:  deviceID,
		Channel: string(ch),
		Version: snap.Version,
		Value:   payload,
		At:      snap.At,
	}, nil
}

func (s *Server) tools() []tool {
	return []tool{
		{
			name: "device_list",
			desc: "List connected devices. With discover=true, also probe the transport for reachable devices that are not connected yet.",
			schema: json.RawMessage(`{"type":"object","properties":{
				"discover":{"type":"boolean","description":"probe the transport for unconnected devices"}
			}}`),
			run: s.deviceList,
		},
		{
			name: "device_connect",
			desc: "Connect a device or simulator so its channels can be driven.",
			schema: json.RawMessage(`{"type":"object","properties":{
				"device":{"type":"string"},
				"platform":{"type":"string","enum":["android","ios"]},
				"label":{"type":"string"}
			},"required":["device","platform"]}`),
			run: s.deviceConnect,
		},
		{
			name: "device_disconnect",
			desc: "Disconnect a device. Every session on it ends and its channel state is dropped.",
			schema: json.RawMessage(`{"type":"object","properties":{
				"device":{"type":"string"}
			},"required":["device"]}`),
			run: s.deviceDisconnect,
		},
		{
			name: "device_status",
			desc: "Full state of one device: connection, per-channel values and versions, audio turn, active sessions and running plans.",
			schema: json.RawMessage(`{"type":"object","properties":{
				"device":{"type":"string"}
			},"required":["device"]}`),
			run: s.deviceStatus,
		},
		{
			name: "acquire_session",
			desc: "Claim channels on a device for exclusive writing. Omit channels to claim all of them. Higher priority classes preempt lower ones.",
			schema: json.RawMessage(`{"type":"object","properties":{
				"device":{"type":"string"},
				"channels":{"type":"array","items":{"type":"string"}},
				"class":{"type":"string","enum":["manual","scripted","autonomous"],"description":"priority class, default manual"},
				"owner":{"type":"string","description":"caller identity for logs and status"}
			},"required":["device"]}`),
			run: s.acquireSession,
		},
		{
			name: "release_session",
			desc: "Release a session token. Fails if the token is not the current holder.",
			schema: json.RawMessage(`{"type":"object","properties":{
				"token":{"type":"string"}
			},"required":["token"]}`),
			run: s.releaseSession,
		},
		{
			name: "set_channel",
			desc: "Write a value to one channel under a session token. The value shape depends on the channel: location {lat,lon,alt_m,accuracy_m}, motion channels {x,y,z}, ambient_light {lux}, proximity {distance_cm,near}, network {kind,download_mbps,...}, power {level_pct,charging}.",
			schema: json.RawMessage(`{"type":"object","properties":{
				"token":{"type":"string"},
				"device":{"type":"string"},
				"channel":{"type":"string"},
				"value":{"type":"object"}
			},"required":["token","device","channel","value"]}`),
			run: s.setChannel,
		},
		{
			name: "interpolate_channel",
			desc: "Ramp a channel from its current value to a target over a duration. Sensor ticks sample the ramp.",
			schema: json.RawMessage(`{"type":"object","properties":{
				"token":{"type":"string"},
				"device":{"type":"string"},
				"channel":{"type":"string"},
				"target":{"type":"object"},
				"duration_ms":{"type":"integer","minimum":1}
			},"required":["token","device","channel","target","duration_ms"]}`),
			run: s.interpolateChannel,
		},
		{
			name: "simulate_motion",
			desc: "Play a motion gesture on the accelerometer or gyroscope: shake, rotate, tilt, drop, or custom. Only custom uses target.",
			schema: json.RawMessage(`{"type":"object","properties":{
				"token":{"type":"string"},
				"device":{"type":"string"},
				"gesture":{"type":"string","enum":["shake","rotate","tilt","drop","custom"]},
				"target":{"type":"object","properties":{"x":{"type":"number"},"y":{"type":"number"},"z":{"type":"number"}}},
				"duration_ms":{"type":"integer","minimum":1}
			},"required":["token","device","gesture","duration_ms"]}`),
			run: s.simulateMotion,
		},
		{
			name: "speak",
			desc: "Synthesize text and inject it into the device microphone as one utterance. Pass path instead of text to inject a prerecorded WAV file.",
			schema: json.RawMessage(`{"type":"object","properties":{
				"device":{"type":"string"},
				"text":{"type":"string"},
				"voice":{"type":"string"},
				"path":{"type":"string","description":"WAV file to inject instead of synthesizing"}
			},"required":["device"]}`),
			run: s.speak,
		},
		{
			name: "listen",
			desc: "Capture device speaker output until it pauses, then return the transcription.",
			schema: json.RawMessage(`{"type":"object","properties":{
				"device":{"type":"string"},
				"timeout_ms":{"type":"integer","minimum":1}
			},"required":["device"]}`),
			run: s.listen,
		},
		{
			name: "start_autonomous",
			desc: "Launch a plan of scripted steps that runs in the background at autonomous priority. Pass a plan file path or an inline YAML document.",
			schema: json.RawMessage(`{"type":"object","properties":{
				"path":{"type":"string","description":"plan file on the runtime host"},
				"plan_yaml":{"type":"string","description":"inline plan document"}
			}}`),
			run: s.startAutonomous,
		},
		{
			name: "cancel_autonomous",
			desc: "Cancel a running plan. The in-flight step finishes before the run stops.",
			schema: json.RawMessage(`{"type":"object","properties":{
				"run_id":{"type":"string"}
			},"required":["run_id"]}`),
			run: s.cancelAutonomous,
		},
	}
}

func (s *Server) deviceList(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Discover bool `json:"discover"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	out := struct {
		Connected  []device.Handle `json:"connected"`
		Discovered []device.Handle `json:"discovered,omitempty"`
	}{Connected: s.engine.Devices()}
	if a.Discover {
		found, err := s.engine.Discover(ctx)
		if err != nil {
			return nil, err
		}
		connected := make(map[string]bool, len(out.Connected))
		for _, h := range out.Connected {
			connected[h.ID] = true
		}
		for _, h := range found {
			if !connected[h.ID] {
				out.Discovered = append(out.Discovered, h)
			}
		}
	}
	return out, nil
}

func (s *Server) deviceConnect(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Device   string `json:"device"`
		Platform string `json:"platform"`
		Label    string `json:"label"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	platform, err := device.ParsePlatform(a.Platform)
	if err != nil {
		return nil, err
	}
	return s.engine.ConnectDevice(ctx, a.Device, platform, a.Label)
}

func (s *Server) deviceDisconnect(_ context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Device string `json:"device"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if err := s.engine.DisconnectDevice(a.Device); err != nil {
		return nil, err
	}
	return map[string]string{"device": a.Device, "status": "disconnected"}, nil
}

func (s *Server) deviceStatus(_ context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Device string `json:"device"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	return s.engine.DeviceStatus(a.Device)
}

func (s *Server) acquireSession(_ context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Device   string   `json:"device"`
		Channels []string `json:"channels"`
		Class    string   `json:"class"`
		Owner    string   `json:"owner"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if a.Class == "" {
		a.Class = "manual"
	}
	if a.Owner == "" {
		a.Owner = "mcp"
	}
	prio, err := s.engine.PriorityFor(a.Class)
	if err != nil {
		return nil, err
	}
	channels := make([]channel.Channel, 0, len(a.Channels))
	for _, name := range a.Channels {
		ch, err := channel.Parse(name)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	sess, err := s.engine.AcquireSession(a.Device, channels, prio, a.Owner)
	if err != nil {
		return nil, err
	}
	held := make([]string, 0, len(sess.Channels))
	for _, ch := range sess.Channels {
		held = append(held, string(ch))
	}
	return sessionResult{
		Token:    sess.Token,
		Device:   sess.Device,
		Channels: held,
		Priority: int(sess.Priority),
		Owner:    sess.Owner,
	}, nil
}

func (s *Server) releaseSession(_ context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if err := s.engine.ReleaseSession(a.Token); err != nil {
		return nil, err
	}
	return map[string]string{"token": a.Token, "status": "released"}, nil
}

func (s *Server) setChannel(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Token   string          `json:"token"`
		Device  string          `json:"device"`
		Channel string          `json:"channel"`
		Value   json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	ch, err := channel.Parse(a.Channel)
	if err != nil {
		return nil, err
	}
	v, err := channel.DecodeValue(ch, a.Value)
	if err != nil {
		return nil, err
	}
	if err := s.engine.SetChannel(ctx, a.Token, a.Device, ch, v); err != nil {
		return nil, err
	}
	return s.snapshotView(a.Device, ch)
}

func (s *Server) interpolateChannel(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Token      string          `json:"token"`
		Device     string          `json:"device"`
		Channel    string          `json:"channel"`
		Target     json.RawMessage `json:"target"`
		DurationMS int             `json:"duration_ms"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	ch, err := channel.Parse(a.Channel)
	if err != nil {
		return nil, err
	}
	target, err := channel.DecodeValue(ch, a.Target)
	if err != nil {
		return nil, err
	}
	d := time.Duration(a.DurationMS) * time.Millisecond
	if err := s.engine.InterpolateChannel(ctx, a.Token, a.Device, ch, target, d); err != nil {
		return nil, err
	}
	return map[string]any{
		"device":      a.Device,
		"channel":     a.Channel,
		"status":      "interpolating",
		"duration_ms": a.DurationMS,
	}, nil
}

func (s *Server) simulateMotion(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Token      string         `json:"token"`
		Device     string         `json:"device"`
		Gesture    string         `json:"gesture"`
		Target     channel.Vector `json:"target"`
		DurationMS int            `json:"duration_ms"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	g, err := channel.ParseGesture(a.Gesture)
	if err != nil {
		return nil, err
	}
	d := time.Duration(a.DurationMS) * time.Millisecond
	if err := s.engine.SimulateMotion(ctx, a.Token, a.Device, g, a.Target, d); err != nil {
		return nil, err
	}
	return map[string]any{
		"device":      a.Device,
		"gesture":     a.Gesture,
		"channel":     string(channel.GestureChannel(g)),
		"duration_ms": a.DurationMS,
	}, nil
}

func (s *Server) speak(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Device string `json:"device"`
		Text   string `json:"text"`
		Voice  string `json:"voice"`
		Path   string `json:"path"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	switch {
	case a.Path != "":
		if err := s.engine.SpeakFile(ctx, a.Device, a.Path); err != nil {
			return nil, err
		}
	case a.Text != "":
		if err := s.engine.Speak(ctx, a.Device, a.Text, a.Voice); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("either text or path is required")
	}
	return map[string]string{"device": a.Device, "status": "spoken"}, nil
}

func (s *Server) listen(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Device    string `json:"device"`
		TimeoutMS int    `json:"timeout_ms"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if a.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(a.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	res, err := s.engine.Listen(ctx, a.Device)
	if err != nil {
		return nil, err
	}
	return transcriptResult{
		Device:     a.Device,
		Text:       res.Text,
		Confidence: res.Confidence,
	}, nil
}

func (s *Server) startAutonomous(_ context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Path     string `json:"path"`
		PlanYAML string `json:"plan_yaml"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	var plan autopilot.Plan
	switch {
	case a.Path != "":
		loaded, err := autopilot.Load(a.Path)
		if err != nil {
			return nil, err
		}
		plan = loaded
	case a.PlanYAML != "":
		if err := yaml.Unmarshal([]byte(a.PlanYAML), &plan); err != nil {
			return nil, fmt.Errorf("parse plan: %w", err)
		}
	default:
		return nil, fmt.Errorf("either path or plan_yaml is required")
	}
	run, err := s.engine.StartAutonomous(plan)
	if err != nil {
		return nil, err
	}
	return runView(run), nil
}

func (s *Server) cancelAutonomous(_ context.Context, args json.RawMessage) (any, error) {
	var a struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if err := s.engine.CancelAutonomous(a.RunID); err != nil {
		return nil, err
	}
	run, ok := s.engine.AutonomousRun(a.RunID)
	if !ok {
		return nil, fmt.Errorf("run %s not found", a.RunID)
	}
	return runView(run), nil
}
