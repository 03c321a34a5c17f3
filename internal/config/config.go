package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Stream      StreamConfig              `json:"stream"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	// UserID is the single-user placeholder identity stamped on every
	// chat and message row.
	UserID string `json:"user_id"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// ProviderConfig holds one vendor's connection details plus the model
// identifiers routed to it. Model sets must not overlap between vendors.
type ProviderConfig struct {
	BaseURL string   `json:"base_url"`
	APIKey  string   `json:"api_key"`
	Models  []string `json:"models"`
}

// StreamConfig tunes generation and relay behavior.
type StreamConfig struct {
	Temperature float32 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	// FirstDeltaTimeout is the number of seconds a provider call may run
	// without producing any delta before it is failed.
	FirstDeltaTimeout int `json:"first_delta_timeout"`
}

// DefaultUserID is used when basic_config.user_id is not set. The service
// runs single-user; authentication is handled elsewhere.
const DefaultUserID = "b79cb3ba-745e-5d9a-8903-4a02327a7e09"

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}
	if cfg.BasicConfig.UserID == "" {
		cfg.BasicConfig.UserID = DefaultUserID
	}
	if cfg.Stream.Temperature == 0 {
		cfg.Stream.Temperature = 1.0
	}
	if cfg.Stream.MaxTokens == 0 {
		cfg.Stream.MaxTokens = 2000
	}
	if cfg.Stream.FirstDeltaTimeout == 0 {
		cfg.Stream.FirstDeltaTimeout = 60
	}

	// API keys may ride the environment instead of the config file.
	for name, prov := range cfg.Providers {
		if prov.APIKey == "" {
			prov.APIKey = os.Getenv("CHATRELAY_" + strings.ToUpper(name) + "_API_KEY")
			cfg.Providers[name] = prov
		}
	}

	return &cfg, nil
}
