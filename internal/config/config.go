// Package config loads the reelforge configuration from a YAML file with
// environment variable overrides for deployment-sensitive values.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/reelforge/reelforge/internal/provider"
)

// Config is the full process configuration.
type Config struct {
	Redis    Redis           `yaml:"redis"`
	DB       DB              `yaml:"db"`
	Provider provider.Config `yaml:"provider"`
	Assets   Assets          `yaml:"assets"`
	Worker   Worker          `yaml:"worker"`
	Pricing  Pricing         `yaml:"pricing"`
	Reward   Reward          `yaml:"reward"`
	Sweep    Sweep           `yaml:"sweep"`
	Gateway  Gateway         `yaml:"gateway"`
}

type Redis struct {
	URL           string `yaml:"url"`
	Password      string `yaml:"password"`
	Stream        string `yaml:"stream"`
	ConsumerGroup string `yaml:"consumer_group"`
	BlockMs       int    `yaml:"block_ms"`
	VisibilityMs  int    `yaml:"visibility_ms"`
	MaxAttempts   int    `yaml:"max_attempts"`
}

type DB struct {
	Path string `yaml:"path"`
}

type Assets struct {
	VideoDir string `yaml:"video_dir"`
	BaseURL  string `yaml:"base_url"`
}

type Worker struct {
	Concurrency int `yaml:"concurrency"`
}

type Pricing struct {
	TokensPerSecond    int64   `yaml:"tokens_per_second"`
	AudioSurcharge     int64   `yaml:"audio_surcharge"`
	MinDurationSeconds int     `yaml:"min_duration_seconds"`
	MaxDurationSeconds int     `yaml:"max_duration_seconds"`
	MaxSampleCount     int     `yaml:"max_sample_count"`
	MaxPromptLength    int     `yaml:"max_prompt_length"`
	RatePerSecond      float64 `yaml:"rate_per_second"`
	RateBurst          int     `yaml:"rate_burst"`
}

type Reward struct {
	ExpEnabled bool  `yaml:"exp_enabled"`
	ExpPerJob  int64 `yaml:"exp_per_job"`
}

type Sweep struct {
	ProcessingTimeoutMinutes int `yaml:"processing_timeout_minutes"`
	PendingTimeoutMinutes    int `yaml:"pending_timeout_minutes"`
}

type Gateway struct {
	Listen string `yaml:"listen"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Redis: Redis{
			URL:           "redis://127.0.0.1:6379",
			Stream:        "jobs:v1:video",
			ConsumerGroup: "reelforge-workers",
			BlockMs:       5000,
			VisibilityMs:  60000,
			MaxAttempts:   5,
		},
		DB: DB{Path: "reelforge.db"},
		Provider: provider.Config{
			Name:           "fal",
			TimeoutSeconds: 600,
		},
		Assets: Assets{
			VideoDir: "storage/assets/videos",
			BaseURL:  "http://localhost:8080/assets/videos",
		},
		Worker: Worker{Concurrency: 2},
		Pricing: Pricing{
			TokensPerSecond:    10,
			AudioSurcharge:     5,
			MinDurationSeconds: 1,
			MaxDurationSeconds: 8,
			MaxSampleCount:     4,
			MaxPromptLength:    2000,
		},
		Sweep: Sweep{
			ProcessingTimeoutMinutes: 30,
			PendingTimeoutMinutes:    5,
		},
		Gateway: Gateway{Listen: ":8081"},
	}
}

// Load reads the config file at path (optional) and applies environment
// overrides. A missing file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REELFORGE_DB"); v != "" {
		cfg.DB.Path = v
	}
	if v := os.Getenv("PROVIDER_NAME"); v != "" {
		cfg.Provider.Name = v
	}
	if v := os.Getenv("FAL_KEY"); v != "" && cfg.Provider.Name == "fal" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("PROVIDER_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Worker.Concurrency = n
		}
	}
	if v := os.Getenv("GATEWAY_LISTEN"); v != "" {
		cfg.Gateway.Listen = v
	}
}
