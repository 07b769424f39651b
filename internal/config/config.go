// Package config loads the ledger service's configuration: required
// deployment settings come from the environment, with an optional YAML
// file overlaid on top for the settings that are comfortable to check
// into a deploy manifest.
//
// Grounded on pkg/config/anchor_config.go's env-var-first loader shape
// (getEnv/getEnvInt/getEnvBool helpers, struct-tagged YAML overlay) and
// fida/config.py's pydantic Settings field set.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds every setting the ledger service needs at boot.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	MasterKeyB64   string `yaml:"-"` // never written back out, env-only
	BootstrapToken string `yaml:"-"`

	RateLimitBurst  int `yaml:"rate_limit_burst"`
	CheckpointBatch int `yaml:"checkpoint_batch"`
	MaxBodyBytes    int `yaml:"max_body_bytes"`

	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Load builds the Config from environment variables, then overlays a
// YAML file named by FIDA_CONFIG_FILE if one is set. Secrets
// (FIDA_MASTER_KEY_B64, FIDA_BOOTSTRAP_TOKEN) are env-only and never
// read from the YAML overlay.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr: getEnv("FIDA_LISTEN_ADDR", ":8080"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		MasterKeyB64:   os.Getenv("FIDA_MASTER_KEY_B64"),
		BootstrapToken: os.Getenv("FIDA_BOOTSTRAP_TOKEN"),

		RateLimitBurst:  getEnvInt("FIDA_RATE_LIMIT_BURST", 40),
		CheckpointBatch: getEnvInt("FIDA_CHECKPOINT_BATCH", 5000),
		MaxBodyBytes:    getEnvInt("FIDA_MAX_BODY_BYTES", 200000),

		AllowedOrigins: splitCSV(getEnv("FIDA_ALLOWED_ORIGINS", "")),
	}

	if path := os.Getenv("FIDA_CONFIG_FILE"); path != "" {
		if err := cfg.overlayYAML(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read overlay file %s: %w", path, err)
	}
	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("config: parse overlay file %s: %w", path, err)
	}
	if overlay.ListenAddr != "" {
		c.ListenAddr = overlay.ListenAddr
	}
	if overlay.DatabaseURL != "" {
		c.DatabaseURL = overlay.DatabaseURL
	}
	if overlay.RedisURL != "" {
		c.RedisURL = overlay.RedisURL
	}
	if overlay.RateLimitBurst != 0 {
		c.RateLimitBurst = overlay.RateLimitBurst
	}
	if overlay.CheckpointBatch != 0 {
		c.CheckpointBatch = overlay.CheckpointBatch
	}
	if overlay.MaxBodyBytes != 0 {
		c.MaxBodyBytes = overlay.MaxBodyBytes
	}
	if len(overlay.AllowedOrigins) > 0 {
		c.AllowedOrigins = overlay.AllowedOrigins
	}
	return nil
}

func (c *Config) validate() error {
	var errs []string
	if c.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	if c.MasterKeyB64 == "" {
		errs = append(errs, "FIDA_MASTER_KEY_B64 is required")
	}
	if c.BootstrapToken == "" {
		errs = append(errs, "FIDA_BOOTSTRAP_TOKEN is required")
	}
	if c.RateLimitBurst <= 0 {
		errs = append(errs, "FIDA_RATE_LIMIT_BURST must be positive")
	}
	if c.CheckpointBatch <= 0 {
		errs = append(errs, "FIDA_CHECKPOINT_BATCH must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, "FIDA_MAX_BODY_BYTES must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
