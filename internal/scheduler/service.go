package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/miragelabs/mirage-core/internal/bridge"
	"github.com/miragelabs/mirage-core/internal/channel"
	"github.com/miragelabs/mirage-core/internal/config"
	"github.com/miragelabs/mirage-core/internal/device"
	"github.com/miragelabs/mirage-core/internal/protocol"
)

type loopKey struct {
	device string
	ch     channel.Channel
}

type loop struct {
	cancel context.CancelFunc

	// suppressed stops pushes after retry exhaustion until the registry
	// reports the device reconnected. The store keeps advancing underneath.
	suppressed atomic.Bool
}

// Service runs one push loop per attached (device, channel) pair. Each loop
// owns its ticker, so frames within a channel are strictly ordered while
// channels never block each other.
type Service struct {
	cfg   config.EngineConfig
	retry config.RetryConfig
	store *channel.Store
	br    bridge.Bridge
	reg   *device.Registry
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	loops map[loopKey]*loop

	frames   metric.Int64Counter
	failures metric.Int64Counter
}

func NewService(parent context.Context, cfg config.EngineConfig, retry config.RetryConfig, store *channel.Store, br bridge.Bridge, reg *device.Registry, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:    cfg,
		retry:  retry,
		store:  store,
		br:     br,
		reg:    reg,
		log:    logger.With(slog.String("component", "scheduler")),
		ctx:    ctx,
		cancel: cancel,
		loops:  make(map[loopKey]*loop),
	}
	if err := s.initMetrics(); err != nil {
		s.log.Warn("scheduler metrics unavailable", slogError(err))
	}
	reg.Watch(s.onStatus)
	return s
}

func (s *Service) initMetrics() error {
	meter := otel.Meter("github.com/miragelabs/mirage-core/scheduler")
	var err error
	s.frames, err = meter.Int64Counter("mirage.scheduler.frames",
		metric.WithDescription("Sensor frames pushed to the bridge."))
	if err != nil {
		return err
	}
	s.failures, err = meter.Int64Counter("mirage.scheduler.push_failures",
		metric.WithDescription("Frame pushes that exhausted their retries."))
	return err
}

func (s *Service) Start() error {
	s.log.Info("update scheduler started", slog.Int64("seed", s.cfg.Seed))
	return nil
}

func (s *Service) Close() error {
	s.cancel()
	s.wg.Wait()
	s.log.Info("update scheduler stopped")
	return nil
}

func (s *Service) Healthy() bool {
	return s.ctx.Err() == nil
}

// Attach starts push loops for every channel the bridge supports on this
// device. Channels with no configured rate stay store-only.
func (s *Service) Attach(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channel.All() {
		key := loopKey{device: deviceID, ch: ch}
		if _, ok := s.loops[key]; ok {
			continue
		}
		tuning, ok := s.cfg.Channels[string(ch)]
		if !ok || tuning.RateHz <= 0 {
			continue
		}
		if !s.br.Supports(ch) {
			s.log.Debug("channel not supported by bridge",
				slog.String("device", deviceID),
				slog.String("channel", string(ch)))
			continue
		}
		ctx, cancel := context.WithCancel(s.ctx)
		l := &loop{cancel: cancel}
		s.loops[key] = l
		s.wg.Add(1)
		go s.run(ctx, l, deviceID, ch, tuning)
	}
}

// Detach stops every loop for the device.
func (s *Service) Detach(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, l := range s.loops {
		if key.device == deviceID {
			l.cancel()
			delete(s.loops, key)
		}
	}
}

func (s *Service) onStatus(ev device.StatusEvent) {
	if ev.To == device.Connected && ev.From != device.Connected {
		s.resume(ev.Device.ID)
	}
}

func (s *Service) resume(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resumed := false
	for key, l := range s.loops {
		if key.device == deviceID && l.suppressed.Swap(false) {
			resumed = true
		}
	}
	if resumed {
		s.log.Info("device reconnected, resuming pushes", slog.String("device", deviceID))
	}
}

func (s *Service) run(ctx context.Context, l *loop, deviceID string, ch channel.Channel, tuning config.ChannelTuning) {
	defer s.wg.Done()
	interval := time.Duration(float64(time.Second) / tuning.RateHz)
	noise := channel.NewNoise(s.cfg.Seed, deviceID, ch, tuning.Noise)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, l, deviceID, ch, noise)
		}
	}
}

func (s *Service) tick(ctx context.Context, l *loop, deviceID string, ch channel.Channel, noise *channel.Noise) {
	snap, err := s.store.Advance(deviceID, ch)
	if err != nil {
		// Device dropped from the store; the loop is about to be detached.
		return
	}
	if l.suppressed.Load() {
		return
	}
	payload, err := json.Marshal(noise.Apply(snap.Value))
	if err != nil {
		s.log.Error("encode frame payload", slog.String("device", deviceID), slog.String("channel", string(ch)), slogError(err))
		return
	}
	frame := protocol.SensorFrame{
		Device:  deviceID,
		Channel: string(ch),
		Version: snap.Version,
		Payload: payload,
		At:      snap.At,
	}
	if err := s.push(ctx, deviceID, frame); err != nil {
		if ctx.Err() != nil {
			return
		}
		l.suppressed.Store(true)
		s.reg.MarkDegraded(deviceID)
		if s.failures != nil {
			s.failures.Add(ctx, 1)
		}
		s.log.Warn("push retries exhausted, device degraded",
			slog.String("device", deviceID),
			slog.String("channel", string(ch)),
			slogError(err))
		return
	}
	if s.frames != nil {
		s.frames.Add(ctx, 1)
	}
}

func (s *Service) push(ctx context.Context, deviceID string, frame protocol.SensorFrame) error {
	op := func() error {
		return s.br.PushSensorFrame(ctx, deviceID, frame)
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Duration(s.retry.BaseBackoffMS) * time.Millisecond
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.retry.MaxRetries)), ctx))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
