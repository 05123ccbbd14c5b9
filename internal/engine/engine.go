package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/miragelabs/mirage-core/internal/audio"
	"github.com/miragelabs/mirage-core/internal/autopilot"
	"github.com/miragelabs/mirage-core/internal/bridge"
	"github.com/miragelabs/mirage-core/internal/bus"
	"github.com/miragelabs/mirage-core/internal/channel"
	"github.com/miragelabs/mirage-core/internal/config"
	"github.com/miragelabs/mirage-core/internal/device"
	"github.com/miragelabs/mirage-core/internal/eventstore"
	"github.com/miragelabs/mirage-core/internal/protocol"
	"github.com/miragelabs/mirage-core/internal/scheduler"
	"github.com/miragelabs/mirage-core/internal/session"
)

const recordTimeout = 2 * time.Second

// Engine is the operation surface over the whole simulation: arbitration,
// channel state, scheduling, audio and autonomous runs. Every mutation
// arbitrates through the session token, lands in the store, is recorded to
// the event store and announced on the status stream.
type Engine struct {
	cfg    config.Config
	log    *slog.Logger
	bus    *bus.Client
	events *eventstore.Store
	br     bridge.Bridge
	reg    *device.Registry

	store *channel.Store
	arb   *session.Arbiter
	sched *scheduler.Service
	pipe  *audio.Pipeline
	pilot *autopilot.Service

	ctx    context.Context
	cancel context.CancelFunc
}

// New wires the engine-owned services around the supplied transport. The
// caller keeps ownership of the bridge, registry, event store and bus.
func New(parent context.Context, cfg config.Config, br bridge.Bridge, reg *device.Registry, events *eventstore.Store, busClient *bus.Client, logger *slog.Logger) (*Engine, error) {
	ctx, cancel := context.WithCancel(parent)

	arb := session.NewArbiter(ctx, logger)
	store := channel.NewStore(arb)
	sched := scheduler.NewService(ctx, cfg.Engine, cfg.Bridge.Retry, store, br, reg, logger)

	synth, err := audio.NewSynthesizer(cfg.Audio.Synth, cfg.Audio.Channels)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build synthesizer: %w", err)
	}
	trans, err := audio.NewTranscriber(cfg.Audio.Transcribe)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build transcriber: %w", err)
	}
	pipe := audio.NewPipeline(ctx, cfg.Audio, br, synth, trans, logger)

	e := &Engine{
		cfg:    cfg,
		log:    logger.With(slog.String("component", "engine")),
		bus:    busClient,
		events: events,
		br:     br,
		reg:    reg,
		store:  store,
		arb:    arb,
		sched:  sched,
		pipe:   pipe,
		ctx:    ctx,
		cancel: cancel,
	}
	e.pilot = autopilot.NewService(ctx, cfg.Autopilot, e, logger)

	arb.Watch(e.onSessionEvent)
	reg.Watch(e.onDeviceStatus)
	pipe.OnTranscript(e.onTranscript)
	pipe.OnTurn(e.onTurn)
	e.pilot.OnProgress(e.onAutopilotProgress)

	return e, nil
}

func (e *Engine) Start() error {
	return e.sched.Start()
}

func (e *Engine) Close() {
	e.pilot.Close()
	e.pipe.Close()
	e.sched.Close()
	e.cancel()
}

func (e *Engine) Healthy() bool {
	return e.sched.Healthy() && e.pilot.Healthy()
}

// opCtx applies the default operation timeout unless the caller already
// bounded the call.
func (e *Engine) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	timeout := time.Duration(e.cfg.Engine.OpTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

func (e *Engine) onSessionEvent(ev session.Event) {
	channels := make([]string, 0, len(ev.Channels))
	for _, ch := range ev.Channels {
		channels = append(channels, string(ch))
	}

	switch ev.Kind {
	case session.EventAcquired:
		e.recordSession(eventstore.SessionRecord{
			Token:      ev.Token,
			Device:     ev.Device,
			Owner:      ev.Owner,
			Priority:   int(ev.Priority),
			Channels:   channels,
			State:      "active",
			AcquiredAt: ev.At,
		})
	case session.EventReleased:
		e.store.CancelToken(ev.Token)
		e.endSession(ev.Token, "released")
	case session.EventPreempted:
		e.store.CancelToken(ev.Token)
		e.endSession(ev.Token, "preempted")
	}

	if err := e.bus.PublishSessionEvent(protocol.SessionEvent{
		Kind:     string(ev.Kind),
		Token:    ev.Token,
		Device:   ev.Device,
		Channels: channels,
		Priority: int(ev.Priority),
		Owner:    ev.Owner,
		At:       ev.At,
	}); err != nil {
		e.log.Warn("publish session event", slogError(err))
	}
}

func (e *Engine) onDeviceStatus(ev device.StatusEvent) {
	e.appendDeviceEvent(eventstore.DeviceEvent{
		Device:    ev.Device.ID,
		Kind:      "status",
		Detail:    fmt.Sprintf("%s->%s", ev.From, ev.To),
		CreatedAt: ev.At,
	})
	if err := e.bus.PublishDeviceStatus(protocol.DeviceStatus{
		Device:   ev.Device.ID,
		Platform: string(ev.Device.Platform),
		From:     string(ev.From),
		To:       string(ev.To),
		At:       ev.At,
	}); err != nil {
		e.log.Warn("publish device status", slogError(err))
	}
}

func (e *Engine) onTranscript(tr protocol.Transcript) {
	payload, _ := json.Marshal(tr)
	e.appendDeviceEvent(eventstore.DeviceEvent{
		Device:    tr.Device,
		Kind:      "transcript",
		Payload:   payload,
		CreatedAt: tr.At,
	})
	if err := e.bus.PublishTranscript(tr); err != nil {
		e.log.Warn("publish transcript", slogError(err))
	}
}

func (e *Engine) onTurn(ev protocol.TurnEvent) {
	e.appendDeviceEvent(eventstore.DeviceEvent{
		Device:    ev.Device,
		Kind:      "turn",
		Detail:    fmt.Sprintf("%s->%s", ev.From, ev.To),
		CreatedAt: ev.At,
	})
	if err := e.bus.PublishTurnEvent(ev); err != nil {
		e.log.Warn("publish turn event", slogError(err))
	}
}

func (e *Engine) onAutopilotProgress(p protocol.AutopilotProgress) {
	payload, _ := json.Marshal(p)
	e.appendDeviceEvent(eventstore.DeviceEvent{
		Device:    p.Device,
		Kind:      "autopilot",
		Detail:    p.Status,
		Payload:   payload,
		CreatedAt: p.At,
	})
	if err := e.bus.PublishAutopilotProgress(p); err != nil {
		e.log.Warn("publish autopilot progress", slogError(err))
	}
}

func (e *Engine) recordSession(rec eventstore.SessionRecord) {
	if e.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := e.events.RecordSession(ctx, rec); err != nil {
		e.log.Warn("record session", slogError(err))
	}
}

func (e *Engine) endSession(token, state string) {
	if e.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := e.events.EndSession(ctx, token, state); err != nil {
		e.log.Warn("end session record", slogError(err))
	}
}

func (e *Engine) appendEvent(evt eventstore.Event) {
	if e.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := e.events.AppendEvent(ctx, evt); err != nil {
		e.log.Warn("append event", slogError(err))
	}
}

func (e *Engine) appendDeviceEvent(evt eventstore.DeviceEvent) {
	if e.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := e.events.AppendDeviceEvent(ctx, evt); err != nil {
		e.log.Warn("append device event", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
