package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// BusBackend selects which bus.Client backing a server process wires up.
type BusBackend string

const (
	BusBackendMemory BusBackend = "memory"
	BusBackendRedis  BusBackend = "redis"
)

// RedisConfig configures internal/bus/redisbus.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// ServerConfig configures internal/server's HTTP/SSE surface.
type ServerConfig struct {
	Addr           string `yaml:"addr"`
	MetricsAddr    string `yaml:"metricsAddr"`
	HistoryLimit   int    `yaml:"historyLimit"`
	HeartbeatSecs  int    `yaml:"heartbeatSeconds"`
}

// ModelConfig selects and configures the reference generation handler
// cmd/chat-server wires into chatsession.Handler.
type ModelConfig struct {
	Provider string `yaml:"provider"` // "anthropic", "openai", "bedrock"
	Model    string `yaml:"model"`
}

// Config is the top-level chat-bus configuration.
type Config struct {
	LogLevel string       `yaml:"logLevel"`
	Bus      BusBackend   `yaml:"bus"`
	Redis    RedisConfig  `yaml:"redis"`
	Server   ServerConfig `yaml:"server"`
	Model    ModelConfig  `yaml:"model"`
}

// defaults returns a Config with every field set to its production
// default, so a missing config file or a partially-specified one still
// yields a runnable configuration.
func defaults() *Config {
	return &Config{
		LogLevel: "info",
		Bus:      BusBackendMemory,
		Server: ServerConfig{
			Addr:          ":8080",
			MetricsAddr:   ":9090",
			HistoryLimit:  500,
			HeartbeatSecs: 30,
		},
		Model: ModelConfig{
			Provider: "anthropic",
		},
	}
}

// Load loads configuration from multiple sources, lowest priority first:
//  1. built-in defaults
//  2. the global config file (GetPaths().Config/chatbus.yaml)
//  3. a project config file, if directory is non-empty
//     (directory/.chatbus/chatbus.yaml)
//  4. environment variable overrides
func Load(directory string) (*Config, error) {
	cfg := defaults()

	if err := loadConfigFile(GlobalConfigPath(), cfg); err != nil {
		return nil, err
	}
	if directory != "" {
		if err := loadConfigFile(ProjectConfigPath(directory), cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// loadConfigFile merges one YAML file into cfg. A missing file is not an
// error; a malformed one is.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return err
	}
	mergeConfig(cfg, &overlay)
	return nil
}

// mergeConfig overlays every non-zero field of source onto target.
func mergeConfig(target, source *Config) {
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}
	if source.Bus != "" {
		target.Bus = source.Bus
	}
	if source.Redis.URL != "" {
		target.Redis.URL = source.Redis.URL
	}
	if source.Server.Addr != "" {
		target.Server.Addr = source.Server.Addr
	}
	if source.Server.MetricsAddr != "" {
		target.Server.MetricsAddr = source.Server.MetricsAddr
	}
	if source.Server.HistoryLimit != 0 {
		target.Server.HistoryLimit = source.Server.HistoryLimit
	}
	if source.Server.HeartbeatSecs != 0 {
		target.Server.HeartbeatSecs = source.Server.HeartbeatSecs
	}
	if source.Model.Provider != "" {
		target.Model.Provider = source.Model.Provider
	}
	if source.Model.Model != "" {
		target.Model.Model = source.Model.Model
	}
}

// applyEnvOverrides lets a container deployment override config without a
// mounted file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHATBUS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CHATBUS_BUS"); v != "" {
		cfg.Bus = BusBackend(v)
	}
	if v := os.Getenv("CHATBUS_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("CHATBUS_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CHATBUS_MODEL_PROVIDER"); v != "" {
		cfg.Model.Provider = v
	}
	if v := os.Getenv("CHATBUS_MODEL"); v != "" {
		cfg.Model.Model = v
	}
}

// Save writes cfg as YAML to path, creating parent directories as needed.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
