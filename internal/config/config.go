package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	DefaultModel            = "gpt-4o-mini"
	DefaultMaxTokens        = 2048
	DefaultEmbeddingModel   = "text-embedding-3-small"
	DefaultBufSize          = 100
	DefaultCacheMaxSize     = 50
	DefaultCacheTrimTo      = 40
	DefaultContextWindow    = 10
	DefaultDedupThreshold   = 0.15
	DefaultSearchLimit      = 3
	DefaultRecentEventDays  = 7
	DefaultMinChunkLength   = 20
	DefaultReformulateTurns = 3
	DefaultConsolidateAt    = "23:00"
)

type Config struct {
	Provider  ProviderConfig  `json:"provider"`
	Embedding EmbeddingConfig `json:"embedding"`
	Memory    MemoryConfig    `json:"memory"`
	Channels  ChannelsConfig  `json:"channels"`
}

type ProviderConfig struct {
	APIKey    string `json:"apiKey"`
	BaseURL   string `json:"baseUrl"`
	Model     string `json:"model"`
	MaxTokens int    `json:"maxTokens,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"` // "api" or "ollama"
	BaseURL   string `json:"baseUrl,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	Model     string `json:"model"`
	Dimension int    `json:"dimension,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

type MemoryConfig struct {
	DBPath           string  `json:"dbPath,omitempty"`
	VectorPath       string  `json:"vectorPath,omitempty"`
	CacheMaxSize     int     `json:"cacheMaxSize,omitempty"`
	CacheTrimTo      int     `json:"cacheTrimTo,omitempty"`
	ContextWindow    int     `json:"contextWindow,omitempty"`
	DedupThreshold   float64 `json:"dedupThreshold,omitempty"`
	SearchLimit      int     `json:"searchLimit,omitempty"`
	RecentEventDays  int     `json:"recentEventDays,omitempty"`
	MinChunkLength   int     `json:"minChunkLength,omitempty"`
	ReformulateTurns int     `json:"reformulateTurns,omitempty"`
	ConsolidateAt    string  `json:"consolidateAt,omitempty"` // "HH:MM"
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Model:     DefaultModel,
			MaxTokens: DefaultMaxTokens,
		},
		Embedding: EmbeddingConfig{
			Provider: "api",
			Model:    DefaultEmbeddingModel,
		},
		Memory: MemoryConfig{
			CacheMaxSize:     DefaultCacheMaxSize,
			CacheTrimTo:      DefaultCacheTrimTo,
			ContextWindow:    DefaultContextWindow,
			DedupThreshold:   DefaultDedupThreshold,
			SearchLimit:      DefaultSearchLimit,
			RecentEventDays:  DefaultRecentEventDays,
			MinChunkLength:   DefaultMinChunkLength,
			ReformulateTurns: DefaultReformulateTurns,
			ConsolidateAt:    DefaultConsolidateAt,
		},
		Channels: ChannelsConfig{},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".recall")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("RECALL_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if url := os.Getenv("RECALL_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if key := os.Getenv("RECALL_EMBEDDING_API_KEY"); key != "" {
		cfg.Embedding.APIKey = key
	}
	if token := os.Getenv("RECALL_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}

	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.Provider.APIKey
	}
	if cfg.Embedding.BaseURL == "" && cfg.Embedding.Provider == "api" {
		cfg.Embedding.BaseURL = cfg.Provider.BaseURL
	}
	if cfg.Memory.DBPath == "" {
		cfg.Memory.DBPath = filepath.Join(ConfigDir(), "data", "recall.db")
	}
	if cfg.Memory.VectorPath == "" {
		cfg.Memory.VectorPath = filepath.Join(ConfigDir(), "data", "vectors")
	}
	if cfg.Memory.ConsolidateAt == "" {
		cfg.Memory.ConsolidateAt = DefaultConsolidateAt
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
