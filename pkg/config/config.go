package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Environment string         `yaml:"environment"`
	Server      ServerConfig   `yaml:"server"`
	Logging     LoggingConfig  `yaml:"logging"`
	Routing     RoutingConfig  `yaml:"routing"`
	Cache       CacheConfig    `yaml:"cache"`
	Batch       BatchConfig    `yaml:"batch"`
	Pipeline    PipelineConfig `yaml:"pipeline"`
	Aliases     *ModelAliases  `yaml:"models,omitempty"`

	// API keys come from the environment only.
	AnthropicAPIKey string `yaml:"-"`
	OpenAIAPIKey    string `yaml:"-"`
	GoogleAPIKey    string `yaml:"-"`
	DeepSeekAPIKey  string `yaml:"-"`
	ConfigDir       string `yaml:"-"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c != nil && c.Environment == "production"
}

// Load reads configuration from the config file and environment variables.
// Environment variables take precedence over file configuration. The file is
// $CAREFLOW_CONFIG when set, otherwise ~/.careflow/config.yaml.
func Load() (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	path := os.Getenv("CAREFLOW_CONFIG")
	explicit := path != ""
	if !explicit {
		path = filepath.Join(configDir, "config.yaml")
	}

	cfg := DefaultConfig()
	if _, statErr := os.Stat(path); statErr == nil {
		cfg, err = LoadFile(path)
		if err != nil {
			return nil, err
		}
	} else if explicit {
		return nil, fmt.Errorf("config file %s: %w", path, statErr)
	}

	cfg.ConfigDir = configDir
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a config file on top of the defaults without consulting the
// environment.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// HasAdapter returns true if the API key for the given adapter is configured.
func (c *Config) HasAdapter(name string) bool {
	switch name {
	case "anthropic":
		return c.AnthropicAPIKey != ""
	case "openai":
		return c.OpenAIAPIKey != ""
	case "google":
		return c.GoogleAPIKey != ""
	case "deepseek":
		return c.DeepSeekAPIKey != ""
	case "mock":
		return true
	default:
		return false
	}
}

func applyEnv(cfg *Config) {
	cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.GoogleAPIKey = os.Getenv("GOOGLE_API_KEY")
	cfg.DeepSeekAPIKey = os.Getenv("DEEPSEEK_API_KEY")

	cfg.Environment = getEnvOrDefault("CAREFLOW_ENV", cfg.Environment)
	cfg.Server.Addr = getEnvOrDefault("CAREFLOW_ADDR", cfg.Server.Addr)
	cfg.Logging.Level = getEnvOrDefault("CAREFLOW_LOG_LEVEL", cfg.Logging.Level)
	cfg.Pipeline.EvidenceDir = getEnvOrDefault("CAREFLOW_EVIDENCE_DIR", cfg.Pipeline.EvidenceDir)
	if v := os.Getenv("CAREFLOW_BATCH_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Batch.Enabled = enabled
		}
	}
}

// getEnvOrDefault returns the environment variable value if set,
// otherwise returns the default value.
func getEnvOrDefault(envVar, defaultValue string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return defaultValue
}

func getConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".careflow"), nil
}
