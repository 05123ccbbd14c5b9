package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/miragelabs/mirage-core/internal/channel"
	"github.com/miragelabs/mirage-core/internal/device"
	"github.com/miragelabs/mirage-core/internal/protocol"
)

// Breaker wraps a Bridge with one circuit per device. Repeated push failures
// open the circuit, and while it is open the device reports degraded without
// touching the underlying tool. A half-open probe that succeeds closes the
// circuit again, which the registry observes as a reconnect.
type Breaker struct {
	inner       Bridge
	maxFailures uint32
	openTimeout time.Duration
	log         *slog.Logger

	mu       sync.Mutex
	circuits map[string]*gobreaker.CircuitBreaker
}

func NewBreaker(inner Bridge, maxFailures uint32, openTimeout time.Duration, log *slog.Logger) *Breaker {
	return &Breaker{
		inner:       inner,
		maxFailures: maxFailures,
		openTimeout: openTimeout,
		log:         log.With(slog.String("component", "bridge-breaker")),
		circuits:    make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (b *Breaker) forDevice(deviceID string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.circuits[deviceID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    deviceID,
		Timeout: b.openTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= b.maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.log.Warn("bridge circuit state changed",
				slog.String("device", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	b.circuits[deviceID] = cb
	return cb
}

func circuitRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func (b *Breaker) PushSensorFrame(ctx context.Context, deviceID string, frame protocol.SensorFrame) error {
	_, err := b.forDevice(deviceID).Execute(func() (any, error) {
		return nil, b.inner.PushSensorFrame(ctx, deviceID, frame)
	})
	if circuitRejected(err) {
		return unavailable(deviceID, "push_sensor_frame", err)
	}
	return err
}

func (b *Breaker) PushAudioChunk(ctx context.Context, deviceID string, chunk protocol.AudioChunk) error {
	_, err := b.forDevice(deviceID).Execute(func() (any, error) {
		return nil, b.inner.PushAudioChunk(ctx, deviceID, chunk)
	})
	if circuitRejected(err) {
		return unavailable(deviceID, "push_audio_chunk", err)
	}
	return err
}

func (b *Breaker) PullAudioChunk(ctx context.Context, deviceID string) (*protocol.AudioChunk, error) {
	res, err := b.forDevice(deviceID).Execute(func() (any, error) {
		return b.inner.PullAudioChunk(ctx, deviceID)
	})
	if circuitRejected(err) {
		return nil, unavailable(deviceID, "pull_audio_chunk", err)
	}
	if err != nil {
		return nil, err
	}
	chunk, _ := res.(*protocol.AudioChunk)
	return chunk, nil
}

func (b *Breaker) ConnectionState(ctx context.Context, deviceID string) (device.ConnState, error) {
	cb := b.forDevice(deviceID)
	if cb.State() == gobreaker.StateOpen {
		return device.Degraded, nil
	}
	res, err := cb.Execute(func() (any, error) {
		state, err := b.inner.ConnectionState(ctx, deviceID)
		if err != nil {
			return nil, err
		}
		return state, nil
	})
	if circuitRejected(err) {
		return device.Degraded, nil
	}
	if err != nil {
		return device.Disconnected, err
	}
	state, _ := res.(device.ConnState)
	return state, nil
}

func (b *Breaker) Devices(ctx context.Context) ([]device.Handle, error) {
	return b.inner.Devices(ctx)
}

func (b *Breaker) Supports(ch channel.Channel) bool { return b.inner.Supports(ch) }
