package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

// Providers understood by the analyzer factory.
const (
	ProviderOpenAI = "openai"
	ProviderVader  = "vader"
)

type Config struct {
	Analyzer Analyzer `yaml:"analyzer"`
	Pipeline Pipeline `yaml:"pipeline"`
	Server   Server   `yaml:"server"`
	Logging  Logging  `yaml:"logging"`

	// APIKey is resolved from the environment, never from YAML.
	APIKey string `yaml:"-"`
}

type Analyzer struct {
	Provider          string        `yaml:"provider"`
	BaseURL           string        `yaml:"base_url"`
	Model             string        `yaml:"model"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffUnit       time.Duration `yaml:"backoff_unit"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

type Pipeline struct {
	Workers int `yaml:"workers"`
}

type Server struct {
	Port            int           `yaml:"port"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for sentiscore.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "sentiscore")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/sentiscore/config.yaml > ./config.yaml.
// An empty path with a nil error means the embedded defaults apply.
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", nil
}

// Load reads a config YAML file, or the embedded defaults when path is
// empty, then applies .env and environment overrides.
func Load(path string) (*Config, error) {
	data := DefaultConfigYAML
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}

	if err := gotenv.Load(); err != nil {
		slog.Debug("No .env file found, using OS environment")
	}
	applyEnv(cfg)
	return cfg, nil
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Analyzer: Analyzer{
			Provider:       ProviderOpenAI,
			BaseURL:        "https://api.groq.com/openai/v1",
			Model:          "llama3-8b-8192",
			APIKeyEnv:      "GROQ_API_KEY",
			MaxAttempts:    3,
			BackoffUnit:    time.Second,
			RequestTimeout: 30 * time.Second,
		},
		Pipeline: Pipeline{Workers: 1},
		Server: Server{
			Port:            5000,
			MaxUploadBytes:  10 << 20,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
		Logging: Logging{Level: "info"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// applyEnv reads SENTISCORE_* variables and the configured API key variable.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SENTISCORE_BASE_URL"); v != "" {
		cfg.Analyzer.BaseURL = v
	}
	if v := os.Getenv("SENTISCORE_MODEL"); v != "" {
		cfg.Analyzer.Model = v
	}
	if v := os.Getenv("SENTISCORE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SENTISCORE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	cfg.APIKey = os.Getenv("SENTISCORE_API_KEY")
	if cfg.APIKey == "" && cfg.Analyzer.APIKeyEnv != "" {
		cfg.APIKey = os.Getenv(cfg.Analyzer.APIKeyEnv)
	}
}

// Validate checks the settings the analyzer needs before any request is
// served. A remote provider without a credential is rejected here.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Analyzer.Provider) {
	case ProviderOpenAI:
		if c.APIKey == "" {
			return fmt.Errorf("API key not set: export %s or SENTISCORE_API_KEY", c.Analyzer.APIKeyEnv)
		}
		if c.Analyzer.BaseURL == "" {
			return fmt.Errorf("analyzer.base_url is empty")
		}
		if c.Analyzer.Model == "" {
			return fmt.Errorf("analyzer.model is empty")
		}
	case ProviderVader:
	default:
		return fmt.Errorf("unknown analyzer provider %q", c.Analyzer.Provider)
	}

	if c.Analyzer.MaxAttempts < 1 {
		return fmt.Errorf("analyzer.max_attempts must be at least 1, got %d", c.Analyzer.MaxAttempts)
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be at least 1, got %d", c.Pipeline.Workers)
	}
	return nil
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
