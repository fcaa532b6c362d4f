package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Budgets.GuardrailRecovery != 1 {
		t.Errorf("expected guardrail recovery budget 1, got %d", cfg.Budgets.GuardrailRecovery)
	}
	if cfg.Budgets.ExecutionRepair != 1 {
		t.Errorf("expected execution repair budget 1, got %d", cfg.Budgets.ExecutionRepair)
	}
	if cfg.Budgets.OutcomeRepair != 1 {
		t.Errorf("expected outcome repair budget 1, got %d", cfg.Budgets.OutcomeRepair)
	}
	if cfg.Worker.PoolSize < 1 {
		t.Errorf("default pool size must be positive, got %d", cfg.Worker.PoolSize)
	}
	if len(cfg.Guardrail.TerminalPatterns) == 0 {
		t.Error("expected default terminal patterns")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "capforge" {
		t.Errorf("expected default name, got %q", cfg.Name)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
budgets:
  guardrail_recovery: 3
worker:
  pool_size: 8
  call_timeout: 90s
lifecycle:
  shadow_mode: true
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Budgets.GuardrailRecovery != 3 {
		t.Errorf("expected guardrail recovery 3, got %d", cfg.Budgets.GuardrailRecovery)
	}
	// Unset fields keep defaults.
	if cfg.Budgets.ExecutionRepair != 1 {
		t.Errorf("expected execution repair default 1, got %d", cfg.Budgets.ExecutionRepair)
	}
	if cfg.Worker.PoolSize != 8 {
		t.Errorf("expected pool size 8, got %d", cfg.Worker.PoolSize)
	}
	if got := cfg.GetWorkerCallTimeout(); got != 90*time.Second {
		t.Errorf("expected call timeout 90s, got %v", got)
	}
	if !cfg.Lifecycle.ShadowMode {
		t.Error("expected shadow mode enabled")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CAPFORGE_API_KEY", "test-key")
	t.Setenv("CAPFORGE_MODEL", "test-model")
	t.Setenv("CAPFORGE_STORE", "/tmp/forge-store")
	t.Setenv("CAPFORGE_SHADOW", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.APIKey != "test-key" {
		t.Errorf("expected env API key, got %q", cfg.Provider.APIKey)
	}
	if cfg.Provider.Model != "test-model" {
		t.Errorf("expected env model, got %q", cfg.Provider.Model)
	}
	if cfg.Store.Root != "/tmp/forge-store" {
		t.Errorf("expected env store root, got %q", cfg.Store.Root)
	}
	if cfg.Store.QuarantineDir != filepath.Join("/tmp/forge-store", "quarantine") {
		t.Errorf("quarantine dir should follow store root, got %q", cfg.Store.QuarantineDir)
	}
	if !cfg.Lifecycle.ShadowMode {
		t.Error("expected shadow mode from env")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "defaults with mock backend",
			mutate: func(c *Config) { c.Provider.Backend = "mock" },
		},
		{
			name:    "missing API key",
			mutate:  func(c *Config) { c.Provider.APIKey = "" },
			wantErr: true,
		},
		{
			name: "unknown backend",
			mutate: func(c *Config) {
				c.Provider.Backend = "carrier-pigeon"
			},
			wantErr: true,
		},
		{
			name: "negative budget",
			mutate: func(c *Config) {
				c.Provider.Backend = "mock"
				c.Budgets.OutcomeRepair = -1
			},
			wantErr: true,
		},
		{
			name: "zero pool size",
			mutate: func(c *Config) {
				c.Provider.Backend = "mock"
				c.Worker.PoolSize = 0
			},
			wantErr: true,
		},
		{
			name: "pass rate out of range",
			mutate: func(c *Config) {
				c.Provider.Backend = "mock"
				c.Lifecycle.MinPassRate = 1.5
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.Worker.PoolSize = 5
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Worker.PoolSize != 5 {
		t.Errorf("expected pool size 5 after round trip, got %d", loaded.Worker.PoolSize)
	}
}
