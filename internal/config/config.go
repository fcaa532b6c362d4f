package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all capforge configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Provider configuration
	Provider ProviderConfig `yaml:"provider"`

	// Recovery budgets for the synthesis loop
	Budgets BudgetConfig `yaml:"budgets"`

	// Guardrail validation
	Guardrail GuardrailConfig `yaml:"guardrail"`

	// In-process sandbox execution
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Out-of-process worker pools
	Worker WorkerConfig `yaml:"worker"`

	// Artifact store
	Store StoreConfig `yaml:"store"`

	// Promotion lifecycle policy
	Lifecycle LifecycleConfig `yaml:"lifecycle"`

	// Telemetry database
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ProviderConfig configures the program synthesis provider.
type ProviderConfig struct {
	Backend string `yaml:"backend"` // genai, http, mock
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// BudgetConfig holds the three independent retry budgets. Each budget
// counts additional attempts beyond the first, so a budget of 1 means
// at most two tries for that failure class.
type BudgetConfig struct {
	GuardrailRecovery int `yaml:"guardrail_recovery"`
	ExecutionRepair   int `yaml:"execution_repair"`
	OutcomeRepair     int `yaml:"outcome_repair"`
}

// GuardrailConfig configures static validation of generated programs.
type GuardrailConfig struct {
	// Additional import paths allowed beyond the built-in allowlist.
	ExtraImports []string `yaml:"extra_imports"`

	// Terminal failure messages that skip guardrail recovery entirely.
	TerminalPatterns []string `yaml:"terminal_patterns"`

	// Dependency names generated programs may never require.
	DeniedRequirements []string `yaml:"denied_requirements"`
}

// SandboxConfig configures in-process interpreted execution.
type SandboxConfig struct {
	DefaultTimeout string `yaml:"default_timeout"`
	MaxStateBytes  int    `yaml:"max_state_bytes"`

	// ProbeNewVersions runs a fixed probe suite against freshly generated
	// dependency-free programs before they serve real calls.
	ProbeNewVersions bool `yaml:"probe_new_versions"`
}

// WorkerConfig configures out-of-process worker pools.
type WorkerConfig struct {
	BinaryPath     string `yaml:"binary_path"`
	PoolSize       int    `yaml:"pool_size"`
	CallTimeout    string `yaml:"call_timeout"`
	IdleTimeout    string `yaml:"idle_timeout"`
	SpawnTimeout   string `yaml:"spawn_timeout"`
	RestartBudget  int    `yaml:"restart_budget"`
	MaxQueueDepth  int    `yaml:"max_queue_depth"`
	RuntimeVersion string `yaml:"runtime_version"`
}

// StoreConfig configures the artifact store.
type StoreConfig struct {
	Root             string          `yaml:"root"`
	QuarantineDir    string          `yaml:"quarantine_dir"`
	WatchForReload   bool            `yaml:"watch_for_reload"`
	RetainedVersions int             `yaml:"retained_versions"`
	Heuristics       HeuristicConfig `yaml:"heuristics"`
}

// HeuristicConfig holds the tunable pattern tables that gate whether a
// generated program's results may be cached and replayed.
type HeuristicConfig struct {
	// Substrings in generated source that mark a program nondeterministic.
	NondeterministicPatterns []string `yaml:"nondeterministic_patterns"`

	// Substrings that mark a program as reading ambient environment state.
	EnvironmentPatterns []string `yaml:"environment_patterns"`

	// Input keys whose presence makes results too input-sensitive to cache.
	SensitiveInputKeys []string `yaml:"sensitive_input_keys"`
}

// LifecycleConfig configures the reliability-gated promotion policy.
type LifecycleConfig struct {
	MinCalls            int     `yaml:"min_calls"`
	MinSessions         int     `yaml:"min_sessions"`
	MinPassRate         float64 `yaml:"min_pass_rate"`
	MaxBudgetExhaustion int     `yaml:"max_budget_exhaustion"`
	MaxBoundaryReferral int     `yaml:"max_boundary_referral"`
	MinCoherenceRatio   float64 `yaml:"min_coherence_ratio"`
	ShadowMode          bool    `yaml:"shadow_mode"`
	DemotionPassRate    float64 `yaml:"demotion_pass_rate"`
}

// TelemetryConfig configures the execution record database.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
	File   string `yaml:"file"`
}

// DefaultConfig returns a config with sensible defaults for local use.
func DefaultConfig() *Config {
	return &Config{
		Name:    "capforge",
		Version: "0.3.0",

		Provider: ProviderConfig{
			Backend: "genai",
			Model:   "gemini-2.5-pro",
			Timeout: "120s",
		},

		Budgets: BudgetConfig{
			GuardrailRecovery: 1,
			ExecutionRepair:   1,
			OutcomeRepair:     1,
		},

		Guardrail: GuardrailConfig{
			TerminalPatterns: []string{
				"missing credentials",
				"unavailable external dependency",
				"unsupported capability",
			},
		},

		Sandbox: SandboxConfig{
			DefaultTimeout: "30s",
			MaxStateBytes:  1 << 20,
		},

		Worker: WorkerConfig{
			BinaryPath:    "capforge-worker",
			PoolSize:      2,
			CallTimeout:   "60s",
			IdleTimeout:   "5m",
			SpawnTimeout:  "10s",
			RestartBudget: 3,
			MaxQueueDepth: 32,
		},

		Store: StoreConfig{
			Root:             "data/artifacts",
			QuarantineDir:    "data/artifacts/quarantine",
			WatchForReload:   false,
			RetainedVersions: 3,
			Heuristics: HeuristicConfig{
				NondeterministicPatterns: []string{
					"rand.", "time.Now", "uuid.New",
				},
				EnvironmentPatterns: []string{
					"os.Getenv", "os.Environ", "net.", "http.",
				},
				SensitiveInputKeys: []string{
					"nonce", "timestamp", "session_token",
				},
			},
		},

		Lifecycle: LifecycleConfig{
			MinCalls:            5,
			MinSessions:         2,
			MinPassRate:         0.90,
			MaxBudgetExhaustion: 1,
			MaxBoundaryReferral: 1,
			MinCoherenceRatio:   0.80,
			ShadowMode:          false,
			DemotionPassRate:    0.60,
		},

		Telemetry: TelemetryConfig{
			Enabled:      true,
			DatabasePath: "data/capforge.db",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "capforge.log",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Provider.APIKey = key
		if c.Provider.Backend == "" {
			c.Provider.Backend = "genai"
		}
	}
	if key := os.Getenv("CAPFORGE_API_KEY"); key != "" {
		c.Provider.APIKey = key
	}
	if model := os.Getenv("CAPFORGE_MODEL"); model != "" {
		c.Provider.Model = model
	}
	if url := os.Getenv("CAPFORGE_BASE_URL"); url != "" {
		c.Provider.BaseURL = url
		c.Provider.Backend = "http"
	}
	if root := os.Getenv("CAPFORGE_STORE"); root != "" {
		c.Store.Root = root
		c.Store.QuarantineDir = filepath.Join(root, "quarantine")
	}
	if db := os.Getenv("CAPFORGE_DB"); db != "" {
		c.Telemetry.DatabasePath = db
	}
	if v := os.Getenv("CAPFORGE_SHADOW"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Lifecycle.ShadowMode = b
		}
	}
	if lvl := os.Getenv("CAPFORGE_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = lvl
	}
}

// parseDuration parses a duration string, falling back when empty or invalid.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetProviderTimeout returns the provider timeout as a duration.
func (c *Config) GetProviderTimeout() time.Duration {
	return parseDuration(c.Provider.Timeout, 120*time.Second)
}

// GetSandboxTimeout returns the sandbox execution timeout as a duration.
func (c *Config) GetSandboxTimeout() time.Duration {
	return parseDuration(c.Sandbox.DefaultTimeout, 30*time.Second)
}

// GetWorkerCallTimeout returns the per-call worker timeout as a duration.
func (c *Config) GetWorkerCallTimeout() time.Duration {
	return parseDuration(c.Worker.CallTimeout, 60*time.Second)
}

// GetWorkerIdleTimeout returns the worker idle timeout as a duration.
func (c *Config) GetWorkerIdleTimeout() time.Duration {
	return parseDuration(c.Worker.IdleTimeout, 5*time.Minute)
}

// GetWorkerSpawnTimeout returns the worker spawn timeout as a duration.
func (c *Config) GetWorkerSpawnTimeout() time.Duration {
	return parseDuration(c.Worker.SpawnTimeout, 10*time.Second)
}

// ValidBackends lists all supported provider backends.
var ValidBackends = []string{"genai", "http", "mock"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validBackend := false
	for _, b := range ValidBackends {
		if c.Provider.Backend == b {
			validBackend = true
			break
		}
	}
	if !validBackend {
		return fmt.Errorf("invalid provider backend: %s (valid: %v)", c.Provider.Backend, ValidBackends)
	}
	if c.Provider.Backend != "mock" && c.Provider.APIKey == "" {
		return fmt.Errorf("provider API key not configured (set GEMINI_API_KEY or CAPFORGE_API_KEY)")
	}

	if c.Budgets.GuardrailRecovery < 0 || c.Budgets.ExecutionRepair < 0 || c.Budgets.OutcomeRepair < 0 {
		return fmt.Errorf("retry budgets must be non-negative")
	}

	if c.Worker.PoolSize < 1 {
		return fmt.Errorf("worker pool size must be at least 1")
	}
	if c.Worker.RestartBudget < 0 {
		return fmt.Errorf("worker restart budget must be non-negative")
	}

	if c.Lifecycle.MinPassRate < 0 || c.Lifecycle.MinPassRate > 1 {
		return fmt.Errorf("lifecycle min_pass_rate must be in [0, 1]")
	}
	if c.Lifecycle.MinCoherenceRatio < 0 || c.Lifecycle.MinCoherenceRatio > 1 {
		return fmt.Errorf("lifecycle min_coherence_ratio must be in [0, 1]")
	}

	return nil
}
