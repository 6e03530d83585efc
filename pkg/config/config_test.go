package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "driveqa.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func envMap(kv map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := kv[k]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load("", envMap(nil))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model.Name != "gemini-1.5-flash" || cfg.Model.MaxOutputTokens != 4096 || cfg.Model.Timeout != time.Minute {
		t.Fatalf("model = %+v", cfg.Model)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	p := writeYAML(t, `
data:
  path: /data/scenes.json
  history_window: 10
model:
  name: gemini-1.5-pro
  temperature: 0.4
  timeout: 90s
server:
  port: "9000"
`)
	env := envMap(map[string]string{
		"DRIVEQA_MODEL":      "gemini-2.0-flash",
		"DRIVEQA_MAX_TOKENS": "512",
		"PORT":               "",
	})

	cfg, err := load(p, env)
	if err != nil {
		t.Fatal(err)
	}
	want := Default()
	want.Data.Path = "/data/scenes.json"
	want.Data.HistoryWindow = 10
	want.Model.Name = "gemini-2.0-flash"
	want.Model.Temperature = 0.4
	want.Model.Timeout = 90 * time.Second
	want.Model.MaxOutputTokens = 512
	want.Server.Port = "9000"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadExpandsEnvInFile(t *testing.T) {
	t.Setenv("TEST_SECRET", "k-123")
	cfg, err := load(writeYAML(t, "model:\n  api_key: ${TEST_SECRET}\n"), envMap(nil))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model.APIKey != "k-123" {
		t.Fatalf("api key = %q", cfg.Model.APIKey)
	}
}

func TestLoadBadEnv(t *testing.T) {
	if _, err := load("", envMap(map[string]string{"DRIVEQA_MODEL_TIMEOUT": "soon"})); err == nil || !strings.Contains(err.Error(), "DRIVEQA_MODEL_TIMEOUT") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty data path", func(c *Config) { c.Data.Path = " " }, "data.path"},
		{"hot temperature", func(c *Config) { c.Model.Temperature = 2.5 }, "model.temperature"},
		{"zero timeout", func(c *Config) { c.Model.Timeout = 0 }, "model.timeout"},
		{"negative rate", func(c *Config) { c.Model.RateLimit = -1 }, "model.rate_limit"},
		{"no attempts", func(c *Config) { c.Model.RetryAttempts = 0 }, "model.retry_attempts"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "log level"},
	}
	for _, c := range cases {
		cfg := Default()
		c.mutate(&cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), c.field) {
			t.Errorf("%s: err = %v", c.name, err)
		}
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "warn"
	var buf bytes.Buffer
	log := cfg.NewLogger(&buf, true)
	log.Info("hidden")
	log.Warn("shown", "scene", "s-1")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"scene":"s-1"`) {
		t.Fatalf("log output = %q", out)
	}
}
