package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Fatalf("expected 16 kHz canonical rate, got %d", cfg.Audio.SampleRate)
	}
	if cfg.Audio.MaxDurationSeconds != 30 {
		t.Fatalf("expected 30s duration policy, got %v", cfg.Audio.MaxDurationSeconds)
	}
	if cfg.Recognition.DefaultMethod != "both" {
		t.Fatalf("expected default method both, got %q", cfg.Recognition.DefaultMethod)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.yaml")
	data := []byte(`
http:
  port: 9090
audio:
  max_duration_seconds: 45
local:
  mode: exec
  command: "python3 logits.py --device cpu"
  model_dir: ./models/w2v
recognition:
  default_method: wav2vec2
  parallel: true
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.HTTP.Port)
	}
	if cfg.Audio.MaxDurationSeconds != 45 {
		t.Fatalf("expected 45s, got %v", cfg.Audio.MaxDurationSeconds)
	}
	if cfg.Local.Mode != "exec" || cfg.Local.Command == "" {
		t.Fatalf("expected exec local model, got %+v", cfg.Local)
	}
	if !cfg.Recognition.Parallel {
		t.Fatal("expected parallel dispatch")
	}
	// untouched sections keep defaults
	if cfg.Cloud.Endpoint == "" {
		t.Fatal("expected default cloud endpoint")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCRIBE_HTTP_ALLOWED_EXTENSIONS", ".wav, .flac")
	t.Setenv("SCRIBE_AUDIO_MAX_DURATION_SECONDS", "12.5")
	t.Setenv("SCRIBE_BUS_ENABLED", "true")
	t.Setenv("SCRIBE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SCRIBE_BUS_EMBEDDED", "false")
	t.Setenv("SCRIBE_STORE_PATH", "./tmp.db")
	t.Setenv("SCRIBE_STORE_MAX_REQUESTS", "123")
	t.Setenv("SCRIBE_RECOGNITION_PARALLEL", "true")
	t.Setenv("SCRIBE_CLOUD_API_KEY", "secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.HTTP.AllowedExtensions) != 2 || cfg.HTTP.AllowedExtensions[1] != ".flac" {
		t.Fatalf("expected extension override, got %v", cfg.HTTP.AllowedExtensions)
	}
	if cfg.Audio.MaxDurationSeconds != 12.5 {
		t.Fatalf("expected duration override, got %v", cfg.Audio.MaxDurationSeconds)
	}
	if !cfg.Bus.Enabled || cfg.Bus.Embedded {
		t.Fatalf("expected external bus, got %+v", cfg.Bus)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Store.Path != "./tmp.db" || cfg.Store.MaxRequests != 123 {
		t.Fatalf("expected store overrides, got %+v", cfg.Store)
	}
	if !cfg.Recognition.Parallel {
		t.Fatal("expected parallel override")
	}
	if cfg.Cloud.APIKey != "secret" {
		t.Fatal("expected api key override")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"method":      func(c *Config) { c.Recognition.DefaultMethod = "whisper" },
		"duration":    func(c *Config) { c.Audio.MaxDurationSeconds = 0 },
		"exec":        func(c *Config) { c.Local.Mode = "exec"; c.Local.Command = "" },
		"wasm":        func(c *Config) { c.Local.Mode = "wasm" },
		"retention":   func(c *Config) { c.Store.RetentionMode = "session" },
		"otlp":        func(c *Config) { c.Telemetry.Exporter = "otlp" },
		"port":        func(c *Config) { c.HTTP.Port = 70000 },
		"watchMethod": func(c *Config) { c.Watch.Method = "all" },
		"busPayload":  func(c *Config) { c.Bus.Enabled = true; c.Bus.MaxPayloadMB = 128 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestTelemetryLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := (TelemetryConfig{LogLevel: raw}).Level(); got != want {
			t.Fatalf("level %q: got %v want %v", raw, got, want)
		}
	}
}
