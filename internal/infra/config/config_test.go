package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logger.Level != "info" || cfg.Logger.Output != "stderr" {
		t.Errorf("logger defaults = %+v", cfg.Logger)
	}
	if cfg.Storage.ContextTTL != "24h" || cfg.Storage.CacheSize != 1000 {
		t.Errorf("storage defaults = %+v", cfg.Storage)
	}
	if cfg.Activation.Threshold != 0.7 || cfg.Activation.MaxConcurrent != 3 {
		t.Errorf("activation defaults = %+v", cfg.Activation)
	}
	if cfg.Bus.QueueSize != 1000 {
		t.Errorf("bus defaults = %+v", cfg.Bus)
	}
}

func TestLoadAppliesOverridesAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
logger:
  level: debug
  format: json
activation:
  threshold: 0.5
rate_limits:
  anthropic_api:
    max_requests: 10
    window_seconds: 30
    burst_limit: 2
    cooldown_seconds: 60
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logger.Level != "debug" || cfg.Logger.Format != "json" {
		t.Errorf("logger = %+v", cfg.Logger)
	}
	if cfg.Logger.Output != "stderr" {
		t.Errorf("output default lost: %q", cfg.Logger.Output)
	}
	if cfg.Activation.Threshold != 0.5 {
		t.Errorf("threshold = %v", cfg.Activation.Threshold)
	}
	if cfg.Activation.MaxConcurrent != 3 {
		t.Errorf("max_concurrent default lost: %d", cfg.Activation.MaxConcurrent)
	}
	rl, ok := cfg.RateLimits["anthropic_api"]
	if !ok || rl.MaxRequests != 10 || rl.BurstLimit != 2 {
		t.Errorf("rate limits = %+v", cfg.RateLimits)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("MAESTRO_TEST_AGENTS", "/srv/agents")
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("agents_dir: ${MAESTRO_TEST_AGENTS}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AgentsDir != "/srv/agents" {
		t.Errorf("agents_dir = %q", cfg.AgentsDir)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("logger: [not: a map"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParseDuration(t *testing.T) {
	if got := ParseDuration("90s", time.Minute); got != 90*time.Second {
		t.Errorf("got %v", got)
	}
	if got := ParseDuration("", time.Minute); got != time.Minute {
		t.Errorf("empty: got %v", got)
	}
	if got := ParseDuration("garbage", time.Minute); got != time.Minute {
		t.Errorf("malformed: got %v", got)
	}
}
