package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Load reads .env (if present, ignored if absent), then a YAML config
// file at path, expanding environment variables and overlaying onto
// the built-in defaults. Mirrors the teacher's layered-config approach
// in pkg/config/loader.go.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // local dev convenience; production sets env directly

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, Validate(cfg)
			}
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		raw = ExpandEnv(raw)
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate runs struct-tag validation over the fully-merged config,
// the same fail-fast approach as the teacher's pkg/config/validator.go.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: validation failed: %w", err)
	}
	return nil
}
