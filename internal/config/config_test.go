package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  addr: ":2010"
  github_webhook_secret: "s3cret"
  api_key: "k3y"
static:
  addr: ":1810"
  base_url: "http://192.168.1.10:1810"
device:
  base_url: "http://127.0.0.1:8080"
  device_id: "speaker-1"
  timeout: "5s"
tts:
  model_dir: "/opt/piper/models"
  voice_en: "en_US-lessac-medium"
cache:
  dir: "./audio_cache"
  max_bytes: 52428800
queue:
  size: 32
  retry_max: 2
  retry_base: "250ms"
  rate_per_min: 10
logging:
  level: "info"
  console: true
`

func writeConfig(t *testing.T, content string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return NewManager(path)
}

func TestLoadValidYAML(t *testing.T) {
	m := writeConfig(t, validYAML)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":2010" {
		t.Errorf("server.addr = %q", cfg.Server.Addr)
	}
	if cfg.Static.BaseURL != "http://192.168.1.10:1810" {
		t.Errorf("static.base_url = %q", cfg.Static.BaseURL)
	}
	if cfg.Cache.MaxBytes != 52428800 {
		t.Errorf("cache.max_bytes = %d", cfg.Cache.MaxBytes)
	}
	if cfg.Queue.RetryMax != 2 || cfg.Queue.RetryBase != "250ms" {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("validate: %v", err)
	}
	if got := m.Get(); got != cfg {
		t.Error("Get did not return the committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	m := writeConfig(t, validYAML+"\nunknown_section:\n  foo: 1\n")
	if _, err := m.Parse(); err == nil {
		t.Fatal("want error for unknown top-level field")
	}

	m = writeConfig(t, strings.Replace(validYAML, "retry_max: 2", "retry_maximum: 2", 1))
	if _, err := m.Parse(); err == nil {
		t.Fatal("want error for misspelled queue field")
	}
}

func TestValidateRequiredFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		substr string
	}{
		{"missing static base url", func(c *Config) { c.Static.BaseURL = "" }, "static.base_url"},
		{"missing device base url", func(c *Config) { c.Device.BaseURL = " " }, "device.base_url"},
		{"missing device id", func(c *Config) { c.Device.DeviceID = "" }, "device.device_id"},
		{"bad jitter", func(c *Config) { c.Queue.RetryJitter = 1.5 }, "retry_jitter"},
		{"bad duration", func(c *Config) { c.Device.Timeout = "soon" }, "device.timeout"},
		{"bad cron", func(c *Config) { c.Janitor.Enabled = true; c.Janitor.Schedule = "often" }, "janitor.schedule"},
		{"alert token without chat", func(c *Config) { c.Alert.Token = "t" }, "alert"},
		{"negative cache budget", func(c *Config) { c.Cache.MaxBytes = -1 }, "cache.max_bytes"},
	}
	for _, tc := range cases {
		m := writeConfig(t, validYAML)
		cfg, err := m.Load()
		if err != nil {
			t.Fatalf("%s: load: %v", tc.name, err)
		}
		tc.mutate(cfg)
		err = Validate(cfg)
		if err == nil {
			t.Errorf("%s: want validation error", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.substr) {
			t.Errorf("%s: error %q does not mention %q", tc.name, err, tc.substr)
		}
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", "1m30s"); err != nil || d != 90*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "5"); err == nil {
		t.Fatal("bare number must be rejected")
	}
	if d, err := ParseDurationOrDefault("x", "", 7*time.Second); err != nil || d != 7*time.Second {
		t.Fatalf("default: got %v, %v", d, err)
	}
}

func TestJSONConfigAccepted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"static": {"base_url": "http://10.0.0.2:1810"},
		"device": {"base_url": "http://10.0.0.3", "device_id": "d1"},
		"logging": {"level": "debug", "console": true}
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if cfg.Device.DeviceID != "d1" {
		t.Fatalf("device_id = %q", cfg.Device.DeviceID)
	}
}
