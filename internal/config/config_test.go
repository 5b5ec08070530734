package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.SampleRate != 44100 || cfg.Audio.BlockSize != 1024 {
		t.Fatalf("unexpected audio defaults: %+v", cfg.Audio)
	}
	if cfg.STT.SampleRate != cfg.Audio.SampleRate {
		t.Fatalf("expected stt rate to follow audio rate, got %d", cfg.STT.SampleRate)
	}
	if cfg.Audio.Device != "hw:2,0" {
		t.Fatalf("expected default device hw:2,0, got %q", cfg.Audio.Device)
	}
	if cfg.Pipeline.WindowLength != 20 {
		t.Fatalf("expected window length 20, got %d", cfg.Pipeline.WindowLength)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9001 {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speechcast.yaml")
	data := []byte(`
audio:
  backend: pw-record
  device: alsa_input.usb
  block_size: 512
stt:
  mode: mock
  final_every: 5
pipeline:
  window_length: 8
server:
  port: 9100
  append_newline: true
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.Backend != "pw-record" || cfg.Audio.Device != "alsa_input.usb" {
		t.Fatalf("audio section not applied: %+v", cfg.Audio)
	}
	if cfg.Audio.SampleRate != 44100 {
		t.Fatalf("expected unspecified keys to keep defaults, got %d", cfg.Audio.SampleRate)
	}
	if cfg.STT.Mode != "mock" || cfg.STT.FinalEvery != 5 {
		t.Fatalf("stt section not applied: %+v", cfg.STT)
	}
	if cfg.Pipeline.WindowLength != 8 {
		t.Fatalf("expected window length 8, got %d", cfg.Pipeline.WindowLength)
	}
	if cfg.Server.Port != 9100 || !cfg.Server.AppendNewline {
		t.Fatalf("server section not applied: %+v", cfg.Server)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SPEECHCAST_AUDIO_DEVICE", "hw:1,0")
	t.Setenv("SPEECHCAST_AUDIO_BLOCK_SIZE", "2048")
	t.Setenv("SPEECHCAST_STT_MODEL_PATH", "/opt/models/en")
	t.Setenv("SPEECHCAST_PIPELINE_WINDOW_LENGTH", "12")
	t.Setenv("SPEECHCAST_SERVER_HOST", "0.0.0.0")
	t.Setenv("SPEECHCAST_SERVER_PORT", "9555")
	t.Setenv("SPEECHCAST_TELEMETRY_LOG_LEVEL", "debug")
	t.Setenv("SPEECHCAST_BUS_ENABLED", "true")
	t.Setenv("SPEECHCAST_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SPEECHCAST_HISTORY_RETENTION_MODE", "persistent")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.Device != "hw:1,0" {
		t.Fatalf("expected device override, got %q", cfg.Audio.Device)
	}
	if cfg.Audio.BlockSize != 2048 {
		t.Fatalf("expected block size override, got %d", cfg.Audio.BlockSize)
	}
	if cfg.STT.ModelPath != "/opt/models/en" {
		t.Fatalf("expected model path override")
	}
	if cfg.Pipeline.WindowLength != 12 {
		t.Fatalf("expected window length override")
	}
	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 9555 {
		t.Fatalf("expected server override, got %+v", cfg.Server)
	}
	if cfg.Telemetry.LogLevel != "debug" {
		t.Fatalf("expected log level override")
	}
	if !cfg.Bus.Enabled || len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected bus overrides, got %+v", cfg.Bus)
	}
	if cfg.History.RetentionMode != "persistent" {
		t.Fatalf("expected history retention override")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero block size", func(c *Config) { c.Audio.BlockSize = 0 }},
		{"stereo", func(c *Config) { c.Audio.Channels = 2 }},
		{"unknown backend", func(c *Config) { c.Audio.Backend = "portaudio" }},
		{"wav without file", func(c *Config) { c.Audio.Backend = "wav"; c.Audio.Device = "" }},
		{"exec without model", func(c *Config) { c.STT.ModelPath = "" }},
		{"exec without command", func(c *Config) { c.STT.Command = " " }},
		{"unknown stt mode", func(c *Config) { c.STT.Mode = "cloud" }},
		{"zero window", func(c *Config) { c.Pipeline.WindowLength = 0 }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"bad log level", func(c *Config) { c.Telemetry.LogLevel = "trace" }},
		{"bad retention", func(c *Config) { c.History.RetentionMode = "forever" }},
		{"bus without servers", func(c *Config) { c.Bus.Enabled = true; c.Bus.Servers = nil }},
		{"sample rate mismatch", func(c *Config) { c.Audio.SampleRate = 44100; c.STT.SampleRate = 16000 }},
		{"negative stt rate", func(c *Config) { c.STT.SampleRate = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := Validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestSTTSampleRateFollowsAudio(t *testing.T) {
	t.Setenv("SPEECHCAST_AUDIO_SAMPLE_RATE", "16000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.STT.SampleRate != 16000 {
		t.Fatalf("expected both rates 16000, got audio=%d stt=%d", cfg.Audio.SampleRate, cfg.STT.SampleRate)
	}
}

func TestLoadRejectsMismatchedSampleRates(t *testing.T) {
	t.Setenv("SPEECHCAST_AUDIO_SAMPLE_RATE", "16000")
	t.Setenv("SPEECHCAST_STT_SAMPLE_RATE", "44100")

	if _, err := Load(""); err == nil {
		t.Fatal("expected mismatched sample rates to be rejected")
	}
}
