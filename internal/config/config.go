package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Engine      EngineConfig     `yaml:"engine"`
	Audio       AudioConfig      `yaml:"audio"`
	Autopilot   AutopilotConfig  `yaml:"autopilot"`
	Bridge      BridgeConfig     `yaml:"bridge"`
	MCP         MCPConfig        `yaml:"mcp"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// EngineConfig tunes the simulation core: the noise seed, the caller-class
// priorities, and the per-channel update rates.
type EngineConfig struct {
	Seed        int64                    `yaml:"seed"`
	OpTimeoutMS int                      `yaml:"op_timeout_ms"`
	Priorities  PriorityConfig           `yaml:"priorities"`
	Channels    map[string]ChannelTuning `yaml:"channels"`
}

type PriorityConfig struct {
	Manual     int `yaml:"manual"`
	Scripted   int `yaml:"scripted"`
	Autonomous int `yaml:"autonomous"`
}

type ChannelTuning struct {
	RateHz float64 `yaml:"rate_hz"`
	Noise  float64 `yaml:"noise"`
}

type AudioConfig struct {
	SampleRate       int              `yaml:"sample_rate"`
	Channels         int              `yaml:"channels"`
	ChunkDurationMS  int              `yaml:"chunk_duration_ms"`
	SilenceThreshold int              `yaml:"silence_threshold"`
	SilenceGapMS     int              `yaml:"silence_gap_ms"`
	MaxCaptureMS     int              `yaml:"max_capture_ms"`
	AllowBargeIn     bool             `yaml:"allow_barge_in"`
	Synth            SynthConfig      `yaml:"synth"`
	Transcribe       TranscribeConfig `yaml:"transcribe"`
}

type SynthConfig struct {
	Mode       string `yaml:"mode"`
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
}

type TranscribeConfig struct {
	Mode      string `yaml:"mode"`
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
}

type AutopilotConfig struct {
	StepTimeoutMS  int `yaml:"step_timeout_ms"`
	MaxStepRetries int `yaml:"max_step_retries"`
}

type BridgeConfig struct {
	Kind                string        `yaml:"kind"`
	ADB                 ADBConfig     `yaml:"adb"`
	Simctl              SimctlConfig  `yaml:"simctl"`
	HeartbeatIntervalMS int           `yaml:"heartbeat_interval_ms"`
	Breaker             BreakerConfig `yaml:"breaker"`
	Retry               RetryConfig   `yaml:"retry"`
}

type ADBConfig struct {
	Path            string `yaml:"path"`
	Serial          string `yaml:"serial"`
	AudioInCommand  string `yaml:"audio_in_command"`
	AudioOutCommand string `yaml:"audio_out_command"`
}

type SimctlConfig struct {
	Path string `yaml:"path"`
}

type BreakerConfig struct {
	MaxFailures   int `yaml:"max_failures"`
	OpenTimeoutMS int `yaml:"open_timeout_ms"`
}

type RetryConfig struct {
	MaxRetries    int `yaml:"max_retries"`
	BaseBackoffMS int `yaml:"base_backoff_ms"`
}

type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

var knownChannels = []string{
	"location", "accelerometer", "gyroscope", "magnetometer",
	"ambient_light", "proximity", "network", "power",
}

func Default() Config {
	return Config{
		RuntimeName: "mirage-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8990,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/mirage.db",
			RetentionMode: "session",
			RetentionDays: 7,
			MaxSessions:   500,
		},
		Engine: EngineConfig{
			Seed:        42,
			OpTimeoutMS: 10000,
			Priorities: PriorityConfig{
				Manual:     30,
				Scripted:   20,
				Autonomous: 10,
			},
			Channels: map[string]ChannelTuning{
				"location":      {RateHz: 1, Noise: 0.1},
				"accelerometer": {RateHz: 50, Noise: 0.01},
				"gyroscope":     {RateHz: 50, Noise: 0.005},
				"magnetometer":  {RateHz: 10, Noise: 0.1},
				"ambient_light": {RateHz: 2, Noise: 10},
				"proximity":     {RateHz: 5, Noise: 0.05},
				"network":       {RateHz: 1, Noise: 0},
				"power":         {RateHz: 0.2, Noise: 0},
			},
		},
		Audio: AudioConfig{
			SampleRate:       44100,
			Channels:         1,
			ChunkDurationMS:  100,
			SilenceThreshold: 500,
			SilenceGapMS:     800,
			MaxCaptureMS:     10000,
			Synth: SynthConfig{
				Mode:       "mock",
				Voice:      "en-US",
				SampleRate: 22050,
			},
			Transcribe: TranscribeConfig{
				Mode:     "mock",
				Language: "en",
			},
		},
		Autopilot: AutopilotConfig{
			StepTimeoutMS:  30000,
			MaxStepRetries: 2,
		},
		Bridge: BridgeConfig{
			Kind:                "mock",
			ADB:                 ADBConfig{Path: "adb"},
			Simctl:              SimctlConfig{Path: "xcrun"},
			HeartbeatIntervalMS: 5000,
			Breaker: BreakerConfig{
				MaxFailures:   3,
				OpenTimeoutMS: 10000,
			},
			Retry: RetryConfig{
				MaxRetries:    3,
				BaseBackoffMS: 200,
			},
		},
		MCP: MCPConfig{
			Enabled: false,
			Name:    "mirage",
			Version: "0.1.0",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := ioutil.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "MIRAGE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "MIRAGE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "MIRAGE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "MIRAGE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "MIRAGE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "MIRAGE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "MIRAGE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "MIRAGE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "MIRAGE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "MIRAGE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "MIRAGE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "MIRAGE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "MIRAGE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "MIRAGE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "MIRAGE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "MIRAGE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "MIRAGE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "MIRAGE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "MIRAGE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "MIRAGE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "MIRAGE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "MIRAGE_EVENT_STORE_VACUUM_ON_START")
	overrideInt64(&cfg.Engine.Seed, "MIRAGE_ENGINE_SEED")
	overrideInt(&cfg.Engine.OpTimeoutMS, "MIRAGE_ENGINE_OP_TIMEOUT_MS")
	overrideInt(&cfg.Audio.SampleRate, "MIRAGE_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "MIRAGE_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.ChunkDurationMS, "MIRAGE_AUDIO_CHUNK_DURATION_MS")
	overrideInt(&cfg.Audio.SilenceThreshold, "MIRAGE_AUDIO_SILENCE_THRESHOLD")
	overrideInt(&cfg.Audio.SilenceGapMS, "MIRAGE_AUDIO_SILENCE_GAP_MS")
	overrideInt(&cfg.Audio.MaxCaptureMS, "MIRAGE_AUDIO_MAX_CAPTURE_MS")
	overrideBool(&cfg.Audio.AllowBargeIn, "MIRAGE_AUDIO_ALLOW_BARGE_IN")
	overrideString(&cfg.Audio.Synth.Mode, "MIRAGE_AUDIO_SYNTH_MODE")
	overrideString(&cfg.Audio.Synth.Command, "MIRAGE_AUDIO_SYNTH_COMMAND")
	overrideString(&cfg.Audio.Synth.Voice, "MIRAGE_AUDIO_SYNTH_VOICE")
	overrideInt(&cfg.Audio.Synth.SampleRate, "MIRAGE_AUDIO_SYNTH_SAMPLE_RATE")
	overrideString(&cfg.Audio.Transcribe.Mode, "MIRAGE_AUDIO_TRANSCRIBE_MODE")
	overrideString(&cfg.Audio.Transcribe.Command, "MIRAGE_AUDIO_TRANSCRIBE_COMMAND")
	overrideString(&cfg.Audio.Transcribe.ModelPath, "MIRAGE_AUDIO_TRANSCRIBE_MODEL_PATH")
	overrideString(&cfg.Audio.Transcribe.Language, "MIRAGE_AUDIO_TRANSCRIBE_LANGUAGE")
	overrideInt(&cfg.Autopilot.StepTimeoutMS, "MIRAGE_AUTOPILOT_STEP_TIMEOUT_MS")
	overrideInt(&cfg.Autopilot.MaxStepRetries, "MIRAGE_AUTOPILOT_MAX_STEP_RETRIES")
	overrideString(&cfg.Bridge.Kind, "MIRAGE_BRIDGE_KIND")
	overrideString(&cfg.Bridge.ADB.Path, "MIRAGE_BRIDGE_ADB_PATH")
	overrideString(&cfg.Bridge.ADB.Serial, "MIRAGE_BRIDGE_ADB_SERIAL")
	overrideString(&cfg.Bridge.ADB.AudioInCommand, "MIRAGE_BRIDGE_ADB_AUDIO_IN_COMMAND")
	overrideString(&cfg.Bridge.ADB.AudioOutCommand, "MIRAGE_BRIDGE_ADB_AUDIO_OUT_COMMAND")
	overrideString(&cfg.Bridge.Simctl.Path, "MIRAGE_BRIDGE_SIMCTL_PATH")
	overrideInt(&cfg.Bridge.HeartbeatIntervalMS, "MIRAGE_BRIDGE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Bridge.Breaker.MaxFailures, "MIRAGE_BRIDGE_BREAKER_MAX_FAILURES")
	overrideInt(&cfg.Bridge.Breaker.OpenTimeoutMS, "MIRAGE_BRIDGE_BREAKER_OPEN_TIMEOUT_MS")
	overrideInt(&cfg.Bridge.Retry.MaxRetries, "MIRAGE_BRIDGE_RETRY_MAX_RETRIES")
	overrideInt(&cfg.Bridge.Retry.BaseBackoffMS, "MIRAGE_BRIDGE_RETRY_BASE_BACKOFF_MS")
	overrideBool(&cfg.MCP.Enabled, "MIRAGE_MCP_ENABLED")
	overrideString(&cfg.MCP.Name, "MIRAGE_MCP_NAME")
	overrideString(&cfg.MCP.Version, "MIRAGE_MCP_VERSION")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Engine.OpTimeoutMS <= 0 {
		return errors.New("engine.op_timeout_ms must be positive")
	}
	p := cfg.Engine.Priorities
	if p.Manual <= 0 || p.Scripted <= 0 || p.Autonomous <= 0 {
		return errors.New("engine.priorities must all be positive")
	}
	if !(p.Manual > p.Scripted && p.Scripted > p.Autonomous) {
		return errors.New("engine.priorities must order manual > scripted > autonomous")
	}
	for name, tuning := range cfg.Engine.Channels {
		if !isKnownChannel(name) {
			return fmt.Errorf("engine.channels.%s is not a known channel", name)
		}
		if tuning.RateHz < 0 {
			return fmt.Errorf("engine.channels.%s.rate_hz must be >= 0", name)
		}
		if tuning.Noise < 0 {
			return fmt.Errorf("engine.channels.%s.noise must be >= 0", name)
		}
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.ChunkDurationMS <= 0 || cfg.Audio.ChunkDurationMS > 100 {
		return errors.New("audio.chunk_duration_ms must be between 1 and 100")
	}
	if cfg.Audio.SilenceThreshold < 0 {
		return errors.New("audio.silence_threshold must be >= 0")
	}
	if cfg.Audio.SilenceGapMS <= 0 {
		return errors.New("audio.silence_gap_ms must be positive")
	}
	if cfg.Audio.MaxCaptureMS <= cfg.Audio.SilenceGapMS {
		return errors.New("audio.max_capture_ms must be greater than silence_gap_ms")
	}
	switch cfg.Audio.Synth.Mode {
	case "mock", "exec":
	default:
		return errors.New("audio.synth.mode must be one of mock|exec")
	}
	if cfg.Audio.Synth.Mode == "exec" && cfg.Audio.Synth.Command == "" {
		return errors.New("audio.synth.command must be set when mode=exec")
	}
	if cfg.Audio.Synth.SampleRate <= 0 {
		return errors.New("audio.synth.sample_rate must be positive")
	}
	switch cfg.Audio.Transcribe.Mode {
	case "mock", "exec":
	default:
		return errors.New("audio.transcribe.mode must be one of mock|exec")
	}
	if cfg.Audio.Transcribe.Mode == "exec" && cfg.Audio.Transcribe.Command == "" {
		return errors.New("audio.transcribe.command must be set when mode=exec")
	}
	if cfg.Autopilot.StepTimeoutMS <= 0 {
		return errors.New("autopilot.step_timeout_ms must be positive")
	}
	if cfg.Autopilot.MaxStepRetries < 0 {
		return errors.New("autopilot.max_step_retries must be >= 0")
	}
	switch cfg.Bridge.Kind {
	case "mock", "adb", "simctl":
	default:
		return errors.New("bridge.kind must be one of mock|adb|simctl")
	}
	if cfg.Bridge.HeartbeatIntervalMS <= 0 {
		return errors.New("bridge.heartbeat_interval_ms must be positive")
	}
	if cfg.Bridge.Breaker.MaxFailures < 1 {
		return errors.New("bridge.breaker.max_failures must be >= 1")
	}
	if cfg.Bridge.Breaker.OpenTimeoutMS <= 0 {
		return errors.New("bridge.breaker.open_timeout_ms must be positive")
	}
	if cfg.Bridge.Retry.MaxRetries < 0 {
		return errors.New("bridge.retry.max_retries must be >= 0")
	}
	if cfg.Bridge.Retry.BaseBackoffMS <= 0 {
		return errors.New("bridge.retry.base_backoff_ms must be positive")
	}
	if cfg.MCP.Enabled && cfg.MCP.Name == "" {
		return errors.New("mcp.name must not be empty when mcp is enabled")
	}
	return nil
}

func isKnownChannel(name string) bool {
	for _, known := range knownChannels {
		if name == known {
			return true
		}
	}
	return false
}
