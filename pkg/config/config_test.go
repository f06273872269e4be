package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestConfigIgnoresFileAPIKeys(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)

	configDir := filepath.Join(home, ".careflow")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	configPath := filepath.Join(configDir, "config.yaml")
	data := []byte("api_keys:\n  anthropic: file-ant\n  openai: file-openai\n")
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AnthropicAPIKey != "" || cfg.OpenAIAPIKey != "" {
		t.Fatalf("expected file API keys to be ignored")
	}
}

func TestConfigUsesEnvAPIKeys(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)
	clearEnv(t)

	t.Setenv("ANTHROPIC_API_KEY", "env-ant")
	t.Setenv("OPENAI_API_KEY", "env-openai")
	t.Setenv("GOOGLE_API_KEY", "env-google")
	t.Setenv("DEEPSEEK_API_KEY", "env-deepseek")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AnthropicAPIKey != "env-ant" || cfg.OpenAIAPIKey != "env-openai" || cfg.GoogleAPIKey != "env-google" || cfg.DeepSeekAPIKey != "env-deepseek" {
		t.Fatalf("expected env API keys to be used")
	}
	if !cfg.HasAdapter("anthropic") || cfg.HasAdapter("bogus") {
		t.Fatalf("HasAdapter mismatch")
	}
}

func TestLoadDefaults(t *testing.T) {
	setHomeEnv(t, t.TempDir())
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pipeline.ClarifyThreshold != 0.6 {
		t.Errorf("clarify threshold = %v, want 0.6", cfg.Pipeline.ClarifyThreshold)
	}
	if cfg.Pipeline.MaxConcurrency != 5 {
		t.Errorf("max concurrency = %d, want 5", cfg.Pipeline.MaxConcurrency)
	}
	if cfg.Batch.Enabled {
		t.Errorf("batching should be disabled by default")
	}
	if cfg.Batch.PollIntervalMs != 10000 || cfg.Batch.MaxPollWaitMs != 3600000 {
		t.Errorf("unexpected poll settings: %+v", cfg.Batch)
	}
	if cfg.Routing.Threshold != 3 || cfg.Routing.LengthThreshold != 2000 {
		t.Errorf("unexpected routing thresholds: %+v", cfg.Routing)
	}
	if cfg.Pipeline.Repairs() != 1 {
		t.Errorf("repairs = %d, want 1", cfg.Pipeline.Repairs())
	}
	if got := cfg.Aliases.Resolve(cfg.Routing.Premium.Model); got != "claude-sonnet-4-20250514" {
		t.Errorf("premium resolves to %q", got)
	}
}

func TestLoadFromExplicitPathWithEnvOverride(t *testing.T) {
	setHomeEnv(t, t.TempDir())
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "careflow.yaml")
	data := []byte(`environment: production
batch:
  enabled: false
  batch_size: 20
  batching_threshold: 4
pipeline:
  max_repairs: 0
  prompts:
    parse: "Extract {{.Symptoms}}"
`)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CAREFLOW_CONFIG", path)
	t.Setenv("CAREFLOW_BATCH_ENABLED", "true")
	t.Setenv("CAREFLOW_ADDR", ":9999")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.IsProduction() {
		t.Errorf("expected production environment")
	}
	if !cfg.Batch.Enabled {
		t.Errorf("env should enable batching")
	}
	if cfg.Batch.BatchSize != 20 || cfg.Batch.BatchingThreshold != 4 {
		t.Errorf("unexpected batch config: %+v", cfg.Batch)
	}
	if cfg.Batch.MaxWaitMs != 5000 {
		t.Errorf("max wait default not applied: %d", cfg.Batch.MaxWaitMs)
	}
	if cfg.Server.Addr != ":9999" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Pipeline.Repairs() != 0 {
		t.Errorf("explicit zero repairs should be kept, got %d", cfg.Pipeline.Repairs())
	}
}

func TestLoadMissingExplicitPath(t *testing.T) {
	setHomeEnv(t, t.TempDir())
	clearEnv(t)
	t.Setenv("CAREFLOW_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:    "weights must sum to one",
			mutate:  func(c *Config) { c.Pipeline.ConfidenceWeights = []float64{0.5, 0.5, 0.5, 0.5} },
			wantErr: "must sum to 1",
		},
		{
			name:    "weights need four entries",
			mutate:  func(c *Config) { c.Pipeline.ConfidenceWeights = []float64{1} },
			wantErr: "needs 4 entries",
		},
		{
			name:    "threshold above batch size",
			mutate:  func(c *Config) { c.Batch.BatchingThreshold = c.Batch.BatchSize + 1 },
			wantErr: "batching_threshold",
		},
		{
			name:    "unknown adapter",
			mutate:  func(c *Config) { c.Routing.Premium.Adapter = "nope" },
			wantErr: "unknown adapter",
		},
		{
			name:    "unknown model",
			mutate:  func(c *Config) { c.Routing.Economy.Model = "claude-1" },
			wantErr: "not in anthropic provider list",
		},
		{
			name:    "broken prompt template",
			mutate:  func(c *Config) { c.Pipeline.Prompts = map[string]string{"risk": "{{.Evidence"} },
			wantErr: "pipeline.prompts.risk",
		},
		{
			name:    "clarify threshold range",
			mutate:  func(c *Config) { c.Pipeline.ClarifyThreshold = 1.5 },
			wantErr: "clarify_threshold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GOOGLE_API_KEY", "DEEPSEEK_API_KEY",
		"CAREFLOW_CONFIG", "CAREFLOW_ENV", "CAREFLOW_ADDR", "CAREFLOW_LOG_LEVEL",
		"CAREFLOW_EVIDENCE_DIR", "CAREFLOW_BATCH_ENABLED",
	} {
		t.Setenv(key, "")
	}
}

func setHomeEnv(t *testing.T, home string) {
	t.Helper()
	t.Setenv("HOME", home)
	if runtime.GOOS == "windows" {
		t.Setenv("USERPROFILE", home)
	}
}
