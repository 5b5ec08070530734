package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	Audio       AudioConfig     `yaml:"audio"`
	STT         STTConfig       `yaml:"stt"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
	Server      ServerConfig    `yaml:"server"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	History     HistoryConfig   `yaml:"history"`
}

// AudioConfig describes the capture device. Block size is counted in samples.
type AudioConfig struct {
	Backend    string `yaml:"backend"` // arecord, pw-record, wav
	Device     string `yaml:"device"`
	SampleRate int    `yaml:"sample_rate"`
	BlockSize  int    `yaml:"block_size"`
	Channels   int    `yaml:"channels"`
	Command    string `yaml:"command"`
	DumpPath   string `yaml:"dump_path"`
}

type STTConfig struct {
	Mode       string `yaml:"mode"` // exec, mock
	Command    string `yaml:"command"`
	ModelPath  string `yaml:"model_path"`
	SampleRate int    `yaml:"sample_rate"` // 0 follows audio.sample_rate
	FinalEvery int    `yaml:"final_every"`
}

type PipelineConfig struct {
	WindowLength      int  `yaml:"window_length"`
	ExitOnCaptureLoss bool `yaml:"exit_on_capture_loss"`
}

type ServerConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	AppendNewline bool   `yaml:"append_newline"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
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

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "speechcast",
		Environment: "development",
		Audio: AudioConfig{
			Backend:    "arecord",
			Device:     "hw:2,0",
			SampleRate: 44100,
			BlockSize:  1024,
			Channels:   1,
		},
		STT: STTConfig{
			Mode:       "exec",
			Command:    "vosk-stream",
			ModelPath:  "models/vosk-model-small-en-us",
		},
		Pipeline: PipelineConfig{
			WindowLength:      20,
			ExitOnCaptureLoss: true,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 9001,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    9002,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "json",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		History: HistoryConfig{
			Path:          "./data/speechcast.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   100,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
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
	if cfg.STT.SampleRate == 0 {
		cfg.STT.SampleRate = cfg.Audio.SampleRate
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SPEECHCAST_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SPEECHCAST_ENVIRONMENT")
	overrideString(&cfg.Audio.Backend, "SPEECHCAST_AUDIO_BACKEND")
	overrideString(&cfg.Audio.Device, "SPEECHCAST_AUDIO_DEVICE")
	overrideInt(&cfg.Audio.SampleRate, "SPEECHCAST_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.BlockSize, "SPEECHCAST_AUDIO_BLOCK_SIZE")
	overrideInt(&cfg.Audio.Channels, "SPEECHCAST_AUDIO_CHANNELS")
	overrideString(&cfg.Audio.Command, "SPEECHCAST_AUDIO_COMMAND")
	overrideString(&cfg.Audio.DumpPath, "SPEECHCAST_AUDIO_DUMP_PATH")
	overrideString(&cfg.STT.Mode, "SPEECHCAST_STT_MODE")
	overrideString(&cfg.STT.Command, "SPEECHCAST_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "SPEECHCAST_STT_MODEL_PATH")
	overrideInt(&cfg.STT.SampleRate, "SPEECHCAST_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.FinalEvery, "SPEECHCAST_STT_FINAL_EVERY")
	overrideInt(&cfg.Pipeline.WindowLength, "SPEECHCAST_PIPELINE_WINDOW_LENGTH")
	overrideBool(&cfg.Pipeline.ExitOnCaptureLoss, "SPEECHCAST_PIPELINE_EXIT_ON_CAPTURE_LOSS")
	overrideString(&cfg.Server.Host, "SPEECHCAST_SERVER_HOST")
	overrideInt(&cfg.Server.Port, "SPEECHCAST_SERVER_PORT")
	overrideBool(&cfg.Server.AppendNewline, "SPEECHCAST_SERVER_APPEND_NEWLINE")
	overrideBool(&cfg.HTTP.Enabled, "SPEECHCAST_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "SPEECHCAST_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SPEECHCAST_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SPEECHCAST_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "SPEECHCAST_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SPEECHCAST_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SPEECHCAST_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "SPEECHCAST_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Bus.Enabled, "SPEECHCAST_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SPEECHCAST_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SPEECHCAST_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SPEECHCAST_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SPEECHCAST_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SPEECHCAST_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SPEECHCAST_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SPEECHCAST_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SPEECHCAST_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SPEECHCAST_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.History.Path, "SPEECHCAST_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "SPEECHCAST_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "SPEECHCAST_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxSessions, "SPEECHCAST_HISTORY_MAX_SESSIONS")
	overrideBool(&cfg.History.VacuumOnStart, "SPEECHCAST_HISTORY_VACUUM_ON_START")
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

// Validate reports the first invalid setting in cfg.
func Validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	switch cfg.Audio.Backend {
	case "arecord", "pw-record":
	case "wav":
		if cfg.Audio.Device == "" {
			return errors.New("audio.device must name a wav file when backend=wav")
		}
	default:
		return errors.New("audio.backend must be one of arecord|pw-record|wav")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.BlockSize <= 0 {
		return errors.New("audio.block_size must be positive")
	}
	if cfg.Audio.Channels != 1 {
		return errors.New("audio.channels must be 1")
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if strings.TrimSpace(cfg.STT.Command) == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.ModelPath == "" {
			return errors.New("stt.model_path must be set when mode=exec")
		}
	default:
		return errors.New("stt.mode must be one of exec|mock")
	}
	// Zero follows audio.sample_rate. The recognizer is never told a rate
	// other than the one the device records at.
	if cfg.STT.SampleRate < 0 {
		return errors.New("stt.sample_rate must not be negative")
	}
	if cfg.STT.SampleRate != 0 && cfg.STT.SampleRate != cfg.Audio.SampleRate {
		return fmt.Errorf("stt.sample_rate %d must match audio.sample_rate %d",
			cfg.STT.SampleRate, cfg.Audio.SampleRate)
	}
	if cfg.STT.FinalEvery < 0 {
		return errors.New("stt.final_every must be >= 0")
	}
	if cfg.Pipeline.WindowLength <= 0 {
		return errors.New("pipeline.window_length must be >= 1")
	}
	if cfg.Server.Host == "" {
		return errors.New("server.host must not be empty")
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be between 0 and 65535")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port < 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 0 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port < -1 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionMode != "ephemeral" && cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	return nil
}
