package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miragelabs/mirage-core/internal/bridge"
	"github.com/miragelabs/mirage-core/internal/bus"
	"github.com/miragelabs/mirage-core/internal/config"
	"github.com/miragelabs/mirage-core/internal/device"
	"github.com/miragelabs/mirage-core/internal/engine"
	"github.com/miragelabs/mirage-core/internal/eventstore"
	"github.com/miragelabs/mirage-core/internal/mcptools"
	"github.com/miragelabs/mirage-core/internal/natsserver"
)

// Runtime assembles the daemon: telemetry, the status bus, the event store,
// the device bridge and the engine, plus the HTTP surface. Start blocks until
// the context ends, then shuts everything down in reverse order.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error

	nats   *natsserver.EmbeddedServer
	bus    *bus.Client
	events *eventstore.Store
	reg    *device.Registry
	engine *engine.Engine

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if r.cfg.Bus.Embedded {
		ns, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded bus: %w", err)
		}
		r.nats = ns
	}
	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("connect status bus: %w", err)
	}
	r.bus = busClient

	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.events = events

	br, err := buildBridge(r.cfg.Bridge, r.logger)
	if err != nil {
		return fmt.Errorf("build bridge: %w", err)
	}

	heartbeat := time.Duration(r.cfg.Bridge.HeartbeatIntervalMS) * time.Millisecond
	r.reg = device.NewRegistry(ctx, br, heartbeat, r.logger)
	if err := r.reg.Start(); err != nil {
		return fmt.Errorf("start device registry: %w", err)
	}

	eng, err := engine.New(ctx, r.cfg, br, r.reg, events, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	if err := eng.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	r.engine = eng

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/devices", r.handleDevices)
	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind == "" {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	if r.cfg.MCP.Enabled {
		mcpServer := mcptools.NewServer(eng, r.cfg.MCP, r.logger)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := mcpServer.ServeStdio(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("mcp server failed", slog.String("error", err.Error()))
			}
		}()
		r.logger.Info("mcp tools serving on stdio")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("bridge", r.cfg.Bridge.Kind),
		slog.Bool("bus_embedded", r.cfg.Bus.Embedded))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.engine.Close()
	r.reg.Close()
	if err := r.events.Close(); err != nil {
		r.logger.Error("event store close error", slog.String("error", err.Error()))
	}
	r.bus.Close()
	if r.nats != nil {
		r.nats.Shutdown()
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func buildBridge(cfg config.BridgeConfig, logger *slog.Logger) (bridge.Bridge, error) {
	var br bridge.Bridge
	switch cfg.Kind {
	case "mock":
		br = bridge.NewMock()
	case "adb":
		adb, err := bridge.NewADB(cfg.ADB.Path, cfg.ADB.Serial, cfg.ADB.AudioInCommand, cfg.ADB.AudioOutCommand, logger)
		if err != nil {
			return nil, err
		}
		br = adb
	case "simctl":
		br = bridge.NewSimctl(cfg.Simctl.Path, logger)
	default:
		return nil, fmt.Errorf("unknown bridge kind %q", cfg.Kind)
	}
	if cfg.Breaker.MaxFailures > 0 {
		openTimeout := time.Duration(cfg.Breaker.OpenTimeoutMS) * time.Millisecond
		br = bridge.NewBreaker(br, uint32(cfg.Breaker.MaxFailures), openTimeout, logger)
	}
	return br, nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.engine.Healthy() && r.bus.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// handleDevices lists connected devices, or reports one device in full when
// ?device= names it.
func (r *Runtime) handleDevices(w http.ResponseWriter, req *http.Request) {
	if id := req.URL.Query().Get("device"); id != "" {
		report, err := r.engine.DeviceStatus(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, report)
		return
	}
	writeJSON(w, r.engine.Devices())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
