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
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Floor.LeaseTTL != 3600000 {
		t.Fatalf("expected one hour lease ttl, got %d", cfg.Floor.LeaseTTL)
	}
	if cfg.Playback.SampleRate != 24000 || cfg.Playback.FrameMS != 320 {
		t.Fatalf("unexpected playback defaults: %+v", cfg.Playback)
	}
	if cfg.Captions.MaxHistory != 30 {
		t.Fatalf("expected caption history 30, got %d", cfg.Captions.MaxHistory)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ORBIT_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("ORBIT_BUS_USERNAME", "alice")
	t.Setenv("ORBIT_BUS_PASSWORD", "secret")
	t.Setenv("ORBIT_BUS_TLS_INSECURE", "true")
	t.Setenv("ORBIT_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("ORBIT_STORE_DRIVER", "postgres")
	t.Setenv("ORBIT_STORE_DSN", "postgres://orbit@localhost/orbit")
	t.Setenv("ORBIT_STORE_RETENTION_DAYS", "7")
	t.Setenv("ORBIT_FLOOR_LEASE_TTL_MS", "60000")
	t.Setenv("ORBIT_FLOOR_RENEW_THRESHOLD_MS", "30000")
	t.Setenv("ORBIT_TRANSLATE_MODE", "google")
	t.Setenv("ORBIT_TRANSLATE_API_KEY", "key")
	t.Setenv("ORBIT_TRANSLATE_TARGET_LANGUAGE", "es")
	t.Setenv("ORBIT_TRANSLATE_TEMPERATURE", "0.1")
	t.Setenv("ORBIT_STT_KEYWORDS", "orbit,loqa")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.DSN == "" {
		t.Fatalf("expected store override, got %+v", cfg.Store)
	}
	if cfg.Store.RetentionDays != 7 {
		t.Fatalf("expected retention days override")
	}
	if cfg.Floor.LeaseTTL != 60000 {
		t.Fatalf("expected lease ttl override")
	}
	if cfg.Translate.Mode != "google" || cfg.Translate.TargetLanguage != "es" {
		t.Fatalf("expected translate override, got %+v", cfg.Translate)
	}
	if cfg.Translate.Temperature != 0.1 {
		t.Fatalf("expected temperature override, got %v", cfg.Translate.Temperature)
	}
	if len(cfg.STT.Keywords) != 2 || cfg.STT.Keywords[1] != "loqa" {
		t.Fatalf("expected keywords override, got %v", cfg.STT.Keywords)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orbit.yaml")
	data := []byte(`
runtime_name: orbit-test
store:
  driver: memory
translate:
  mode: ollama
  endpoint: http://ollama:11434
  target_language: de
playback:
  sample_rate: 48000
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "orbit-test" || cfg.Store.Driver != "memory" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Playback.SampleRate != 48000 || cfg.Playback.FrameMS != 320 {
		t.Fatalf("expected merged playback config, got %+v", cfg.Playback)
	}
}

func TestValidateRejectsBadModes(t *testing.T) {
	cases := map[string]func(*Config){
		"store driver":  func(c *Config) { c.Store.Driver = "redis" },
		"deepgram key":  func(c *Config) { c.STT.Mode = "deepgram"; c.STT.APIKey = "" },
		"exec command":  func(c *Config) { c.Translate.Mode = "exec" },
		"tts mode":      func(c *Config) { c.TTS.Mode = "espeak" },
		"renew > ttl":   func(c *Config) { c.Floor.RenewThreshold = c.Floor.LeaseTTL + 1 },
		"frame size":    func(c *Config) { c.Playback.FrameMS = 0 },
		"caption cap":   func(c *Config) { c.Captions.MaxHistory = 0 },
		"missing paths": func(c *Config) { c.Store.Path = "" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
