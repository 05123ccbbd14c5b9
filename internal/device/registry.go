package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Prober is the slice of the bridge the registry needs: connection probes and
// the platform catalog. The full bridge interface satisfies it.
type Prober interface {
	ConnectionState(ctx context.Context, deviceID string) (ConnState, error)
	Devices(ctx context.Context) ([]Handle, error)
}

// Registry tracks admitted devices, re-probes their transport on a heartbeat,
// and fans out connectivity transitions to watchers. The Degraded->Connected
// transition is the reconnect signal the scheduler resumes on.
type Registry struct {
	probe    Prober
	log      *slog.Logger
	interval time.Duration

	mu       sync.RWMutex
	devices  map[string]*Handle
	watchers []func(StatusEvent)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRegistry(parent context.Context, probe Prober, interval time.Duration, log *slog.Logger) *Registry {
	ctx, cancel := context.WithCancel(parent)
	r := &Registry{
		probe:    probe,
		log:      log.With(slog.String("component", "device-registry")),
		interval: interval,
		devices:  make(map[string]*Handle),
		ctx:      ctx,
		cancel:   cancel,
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

// Start launches the heartbeat loop.
func (r *Registry) Start() error {
	if r.interval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", r.interval)
	}
	r.wg.Add(1)
	go r.runHeartbeat()
	return nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
}

// Watch registers a callback for connectivity transitions. Callbacks run
// outside the registry lock.
func (r *Registry) Watch(fn func(StatusEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, fn)
}

// Connect performs the bridge handshake and admits the device. The handle is
// created only when the transport reports the device reachable.
func (r *Registry) Connect(ctx context.Context, id string, platform Platform, label string) (Handle, error) {
	state, err := r.probe.ConnectionState(ctx, id)
	if err != nil {
		return Handle{}, fmt.Errorf("handshake with %s: %w", id, err)
	}
	if state != Connected {
		return Handle{}, fmt.Errorf("handshake with %s: transport reports %s", id, state)
	}

	now := time.Now().UTC()
	r.mu.Lock()
	if _, ok := r.devices[id]; ok {
		r.mu.Unlock()
		return Handle{}, fmt.Errorf("device %s already connected", id)
	}
	h := &Handle{ID: id, Platform: platform, Label: label, Conn: Connected, ConnectedAt: now, LastSeen: now}
	r.devices[id] = h
	snapshot := *h
	watchers := append([]func(StatusEvent)(nil), r.watchers...)
	r.mu.Unlock()

	r.log.Info("device connected",
		slog.String("device", id),
		slog.String("platform", string(platform)))
	emit(watchers, StatusEvent{Device: snapshot, From: Disconnected, To: Connected, At: now})
	return snapshot, nil
}

// Disconnect destroys the handle. Sessions and scheduler loops for the device
// are torn down by the engine on this event.
func (r *Registry) Disconnect(id string) error {
	now := time.Now().UTC()
	r.mu.Lock()
	h, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("device %s not connected", id)
	}
	delete(r.devices, id)
	prev := h.Conn
	h.Conn = Disconnected
	snapshot := *h
	watchers := append([]func(StatusEvent)(nil), r.watchers...)
	r.mu.Unlock()

	r.log.Info("device disconnected", slog.String("device", id))
	emit(watchers, StatusEvent{Device: snapshot, From: prev, To: Disconnected, At: now})
	return nil
}

// MarkDegraded flags a device whose pushes exhausted their retries. The
// heartbeat keeps probing it; a later successful probe flips it back and
// signals reconnect.
func (r *Registry) MarkDegraded(id string) {
	r.transition(id, Degraded)
}

// Get returns the handle for an admitted device.
func (r *Registry) Get(id string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.devices[id]
	if !ok {
		return Handle{}, false
	}
	return *h, true
}

// List returns all admitted devices.
func (r *Registry) List() []Handle {
	return r.Query(nil)
}

// Query returns admitted devices matching the filter.
func (r *Registry) Query(filter func(Handle) bool) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Handle
	for _, h := range r.devices {
		snapshot := *h
		if filter == nil || filter(snapshot) {
			out = append(out, snapshot)
		}
	}
	return out
}

func WithPlatform(p Platform) func(Handle) bool {
	return func(h Handle) bool { return h.Platform == p }
}

func WithState(s ConnState) func(Handle) bool {
	return func(h Handle) bool { return h.Conn == s }
}

// Discover lists the devices the transport can currently see, admitted or
// not.
func (r *Registry) Discover(ctx context.Context) ([]Handle, error) {
	return r.probe.Devices(ctx)
}

func (r *Registry) runHeartbeat() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.probeAll()
		}
	}
}

func (r *Registry) probeAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		ctx, cancel := context.WithTimeout(r.ctx, r.interval)
		state, err := r.probe.ConnectionState(ctx, id)
		cancel()
		if err != nil {
			state = Degraded
		}
		r.transition(id, state)
	}
}

// transition updates a device's state, emitting an event only on change.
func (r *Registry) transition(id string, to ConnState) {
	now := time.Now().UTC()
	r.mu.Lock()
	h, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	h.LastSeen = now
	from := h.Conn
	if from == to {
		r.mu.Unlock()
		return
	}
	h.Conn = to
	snapshot := *h
	watchers := append([]func(StatusEvent)(nil), r.watchers...)
	r.mu.Unlock()

	r.log.Info("device state changed",
		slog.String("device", id),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
	emit(watchers, StatusEvent{Device: snapshot, From: from, To: to, At: now})
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/miragelabs/mirage-core/device")
	connGauge, err := meter.Int64ObservableGauge("mirage.devices.connected",
		metric.WithDescription("Admitted devices with a healthy transport"))
	if err != nil {
		return err
	}
	degGauge, err := meter.Int64ObservableGauge("mirage.devices.degraded",
		metric.WithDescription("Admitted devices with an exhausted transport"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		connected, degraded := r.stateCounts()
		obs.ObserveInt64(connGauge, connected)
		obs.ObserveInt64(degGauge, degraded)
		return nil
	}, connGauge, degGauge)
	return err
}

func (r *Registry) stateCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var connected, degraded int64
	for _, h := range r.devices {
		switch h.Conn {
		case Connected:
			connected++
		case Degraded:
			degraded++
		}
	}
	return connected, degraded
}

func emit(watchers []func(StatusEvent), ev StatusEvent) {
	for _, fn := range watchers {
		fn(ev)
	}
}
