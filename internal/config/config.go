package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config root configuration
type Config struct {
	Agent     AgentConfig     `mapstructure:"agent" json:"agent"`
	Providers ProvidersConfig `mapstructure:"providers" json:"providers"`
	Guardrail GuardrailConfig `mapstructure:"guardrail" json:"guardrail"`
	Policy    PolicyConfig    `mapstructure:"policy" json:"policy"`
	Weather   WeatherConfig   `mapstructure:"weather" json:"weather"`
	Gateway   GatewayConfig   `mapstructure:"gateway" json:"gateway"`
	Store     StoreConfig     `mapstructure:"store" json:"store"`
	Tracker   TrackerConfig   `mapstructure:"tracker" json:"tracker"`
	Log       LogConfig       `mapstructure:"log" json:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing" json:"tracing"`
}

// AgentConfig model and loop settings
type AgentConfig struct {
	Model                string  `mapstructure:"model" json:"model"`
	MaxTokens            int     `mapstructure:"max_tokens" json:"max_tokens"`
	Temperature          float64 `mapstructure:"temperature" json:"temperature"`
	SystemPrompt         string  `mapstructure:"system_prompt" json:"system_prompt"`
	ModelCallRunLimit    int     `mapstructure:"model_call_run_limit" json:"model_call_run_limit"`
	ModelCallThreadLimit int     `mapstructure:"model_call_thread_limit" json:"model_call_thread_limit"`
	ToolCallRunLimit     int     `mapstructure:"tool_call_run_limit" json:"tool_call_run_limit"`
	ToolCallThreadLimit  int     `mapstructure:"tool_call_thread_limit" json:"tool_call_thread_limit"`
}

// ProvidersConfig LLM provider settings
type ProvidersConfig struct {
	OpenRouter ProviderConfig `mapstructure:"openrouter" json:"openrouter"`
	Claude     ProviderConfig `mapstructure:"claude" json:"claude"`
	OpenAI     ProviderConfig `mapstructure:"openai" json:"openai"`
	DeepSeek   ProviderConfig `mapstructure:"deepseek" json:"deepseek"`
	Ollama     ProviderConfig `mapstructure:"ollama" json:"ollama"`
}

// ProviderConfig single provider settings
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key" json:"api_key"`
	BaseURL string `mapstructure:"base_url" json:"base_url"`
}

// GuardrailConfig classifier settings. An empty model reuses agent.model.
type GuardrailConfig struct {
	Enabled            bool   `mapstructure:"enabled" json:"enabled"`
	Model              string `mapstructure:"model" json:"model"`
	MaxFailures        int    `mapstructure:"max_failures" json:"max_failures"`
	OpenTimeoutSeconds int    `mapstructure:"open_timeout_seconds" json:"open_timeout_seconds"`
	// IntervalSeconds is how often the closed breaker clears its failure count.
	IntervalSeconds    int    `mapstructure:"interval_seconds" json:"interval_seconds"`
}

// PolicyConfig tool gating settings
type PolicyConfig struct {
	// Mode is strict, off or rego.
	Mode               string          `mapstructure:"mode" json:"mode"`
	InterruptOn        map[string]bool `mapstructure:"interrupt_on" json:"interrupt_on"`
	Deny               []string        `mapstructure:"deny" json:"deny"`
	DescriptionPrefix  string          `mapstructure:"description_prefix" json:"description_prefix"`
	RegoFile           string          `mapstructure:"rego_file" json:"rego_file"`
	ApprovalTTLSeconds int             `mapstructure:"approval_ttl_seconds" json:"approval_ttl_seconds"`
}

// WeatherConfig Open-Meteo client settings
type WeatherConfig struct {
	GeocodeEndpoint  string `mapstructure:"geocode_endpoint" json:"geocode_endpoint"`
	ForecastEndpoint string `mapstructure:"forecast_endpoint" json:"forecast_endpoint"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds" json:"timeout_seconds"`
}

// GatewayConfig server settings
type GatewayConfig struct {
	Host string `mapstructure:"host" json:"host"`
	Port int    `mapstructure:"port" json:"port"`
	// RateLimit is requests per second per client; 0 disables limiting.
	RateLimit              float64 `mapstructure:"rate_limit" json:"rate_limit"`
	RateBurst              int     `mapstructure:"rate_burst" json:"rate_burst"`
	ShutdownTimeoutSeconds int     `mapstructure:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds"`
}

// StoreConfig checkpoint and ledger locations
type StoreConfig struct {
	Kind     string `mapstructure:"kind" json:"kind"`
	Path     string `mapstructure:"path" json:"path"`
	StateDir string `mapstructure:"state_dir" json:"state_dir"`
}

// TrackerConfig request tracker settings
type TrackerConfig struct {
	SeedMockData bool `mapstructure:"seed_mock_data" json:"seed_mock_data"`
}

// LogConfig application logging settings
type LogConfig struct {
	Level string `mapstructure:"level" json:"level"`
	File  string `mapstructure:"file" json:"file"`
}

// TracingConfig span export settings
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled" json:"enabled"`
	Exporter string `mapstructure:"exporter" json:"exporter"`
}

// DefaultConfig returns config with sensible defaults
func DefaultConfig() *Config {
	stateDir := filepath.Join(ConfigDir(), "state")
	return &Config{
		Agent: AgentConfig{
			Model:                "openai/gpt-4o-mini",
			MaxTokens:            4096,
			Temperature:          0,
			SystemPrompt:         "You are a helpful assistant",
			ModelCallRunLimit:    5,
			ModelCallThreadLimit: 10,
			ToolCallRunLimit:     10,
			ToolCallThreadLimit:  20,
		},
		Providers: ProvidersConfig{},
		Guardrail: GuardrailConfig{
			Enabled:            true,
			MaxFailures:        5,
			OpenTimeoutSeconds: 30,
			IntervalSeconds:    60,
		},
		Policy: PolicyConfig{
			Mode: "strict",
			InterruptOn: map[string]bool{
				"get_weather":          false,
				"get_canadian_weather": true,
			},
			Deny:               []string{},
			DescriptionPrefix:  "Tool execution pending approval",
			ApprovalTTLSeconds: 900,
		},
		Weather: WeatherConfig{
			GeocodeEndpoint:  "https://geocoding-api.open-meteo.com/v1/search",
			ForecastEndpoint: "https://api.open-meteo.com/v1/forecast",
			TimeoutSeconds:   10,
		},
		Gateway: GatewayConfig{
			Host:                   "0.0.0.0",
			Port:                   8000,
			RateLimit:              5,
			RateBurst:              10,
			ShutdownTimeoutSeconds: 10,
		},
		Store: StoreConfig{
			Kind:     "sqlite",
			Path:     filepath.Join(stateDir, "checkpoints.db"),
			StateDir: stateDir,
		},
		Tracker: TrackerConfig{
			SeedMockData: true,
		},
		Log: LogConfig{
			Level: "info",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Exporter: "stdout",
		},
	}
}

// ConfigDir returns the weatherhitl config directory
func ConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		slog.Warn("failed to resolve home directory, using current directory as fallback", "error", err)
		homeDir = "."
	}
	return filepath.Join(homeDir, ".weatherhitl")
}

// ConfigPath returns the config file path
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// Load loads config from file or returns defaults
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := ConfigPath()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := Save(cfg); err != nil {
			return cfg, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("WEATHERHITL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return cfg, err
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.MatchName = func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		}
	}); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

// Save saves config to file
func Save(cfg *Config) error {
	configPath := ConfigPath()

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// Validate checks that the configuration values are within acceptable ranges
// and backfills zero values with defaults.
func (c *Config) Validate() error {
	defaults := DefaultConfig()
	a := &c.Agent

	if a.Temperature < 0 || a.Temperature > 2.0 {
		return fmt.Errorf("agent.temperature must be between 0 and 2.0, got %f", a.Temperature)
	}
	if a.MaxTokens <= 0 {
		return fmt.Errorf("agent.max_tokens must be > 0, got %d", a.MaxTokens)
	}
	if strings.TrimSpace(a.Model) == "" {
		return fmt.Errorf("agent.model is required")
	}
	for name, limit := range map[string]*int{
		"agent.model_call_run_limit":    &a.ModelCallRunLimit,
		"agent.model_call_thread_limit": &a.ModelCallThreadLimit,
		"agent.tool_call_run_limit":     &a.ToolCallRunLimit,
		"agent.tool_call_thread_limit":  &a.ToolCallThreadLimit,
	} {
		if *limit < 0 {
			return fmt.Errorf("%s must not be negative, got %d", name, *limit)
		}
	}
	if a.ModelCallRunLimit == 0 {
		a.ModelCallRunLimit = defaults.Agent.ModelCallRunLimit
	}
	if a.ModelCallThreadLimit == 0 {
		a.ModelCallThreadLimit = defaults.Agent.ModelCallThreadLimit
	}
	if a.ToolCallRunLimit == 0 {
		a.ToolCallRunLimit = defaults.Agent.ToolCallRunLimit
	}
	if a.ToolCallThreadLimit == 0 {
		a.ToolCallThreadLimit = defaults.Agent.ToolCallThreadLimit
	}

	g := c.Guardrail
	if g.MaxFailures < 0 || g.OpenTimeoutSeconds < 0 || g.IntervalSeconds < 0 {
		return fmt.Errorf("guardrail.max_failures, guardrail.open_timeout_seconds and guardrail.interval_seconds must not be negative")
	}
	if int64(g.MaxFailures) > math.MaxUint32 {
		return fmt.Errorf("guardrail.max_failures must be at most %d", uint32(math.MaxUint32))
	}

	mode := strings.ToLower(strings.TrimSpace(c.Policy.Mode))
	switch mode {
	case "":
		c.Policy.Mode = "strict"
	case "strict", "off":
		c.Policy.Mode = mode
	case "rego":
		c.Policy.Mode = mode
	default:
		return fmt.Errorf("policy.mode must be one of strict, off, rego; got %q", c.Policy.Mode)
	}
	if c.Policy.InterruptOn == nil {
		c.Policy.InterruptOn = defaults.Policy.InterruptOn
	}
	if c.Policy.ApprovalTTLSeconds < 0 {
		return fmt.Errorf("policy.approval_ttl_seconds must not be negative, got %d", c.Policy.ApprovalTTLSeconds)
	}
	if c.Policy.ApprovalTTLSeconds == 0 {
		c.Policy.ApprovalTTLSeconds = defaults.Policy.ApprovalTTLSeconds
	}

	if c.Weather.TimeoutSeconds < 0 {
		return fmt.Errorf("weather.timeout_seconds must not be negative, got %d", c.Weather.TimeoutSeconds)
	}
	if c.Weather.TimeoutSeconds == 0 {
		c.Weather.TimeoutSeconds = defaults.Weather.TimeoutSeconds
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be between 1 and 65535, got %d", c.Gateway.Port)
	}
	if c.Gateway.RateLimit < 0 || c.Gateway.RateBurst < 0 {
		return fmt.Errorf("gateway.rate_limit and gateway.rate_burst must not be negative")
	}
	if c.Gateway.RateLimit > 0 && c.Gateway.RateBurst == 0 {
		c.Gateway.RateBurst = 1
	}
	if c.Gateway.ShutdownTimeoutSeconds <= 0 {
		c.Gateway.ShutdownTimeoutSeconds = defaults.Gateway.ShutdownTimeoutSeconds
	}

	kind := strings.ToLower(strings.TrimSpace(c.Store.Kind))
	switch kind {
	case "":
		c.Store.Kind = "memory"
	case "memory", "sqlite":
		c.Store.Kind = kind
	default:
		return fmt.Errorf("store.kind must be one of memory, sqlite; got %q", c.Store.Kind)
	}
	if strings.TrimSpace(c.Store.StateDir) == "" {
		c.Store.StateDir = defaults.Store.StateDir
	}
	c.Store.StateDir = expandHome(c.Store.StateDir)
	if c.Store.Kind == "sqlite" && strings.TrimSpace(c.Store.Path) == "" {
		c.Store.Path = filepath.Join(c.Store.StateDir, "checkpoints.db")
	}
	c.Store.Path = expandHome(c.Store.Path)

	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	if level == "" {
		c.Log.Level = "info"
	} else {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[level] {
			return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
		}
		c.Log.Level = level
	}

	exporter := strings.ToLower(strings.TrimSpace(c.Tracing.Exporter))
	switch exporter {
	case "":
		c.Tracing.Exporter = "stdout"
	case "stdout", "none":
		c.Tracing.Exporter = exporter
	default:
		return fmt.Errorf("tracing.exporter must be one of stdout, none; got %q", c.Tracing.Exporter)
	}

	return nil
}

// ApprovalTTL is the suspension lifetime.
func (c *Config) ApprovalTTL() time.Duration {
	return time.Duration(c.Policy.ApprovalTTLSeconds) * time.Second
}

// WeatherTimeout is the per-call bound for Open-Meteo requests.
func (c *Config) WeatherTimeout() time.Duration {
	return time.Duration(c.Weather.TimeoutSeconds) * time.Second
}

// GatewayAddr returns host:port.
func (c *Config) GatewayAddr() string {
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}

func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	rest := strings.TrimPrefix(strings.TrimPrefix(path[1:], string(filepath.Separator)), "/")
	return filepath.Join(homeDir, rest)
}
