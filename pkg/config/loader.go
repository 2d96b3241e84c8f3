package config

import (
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "hivemesh.yaml"

// Load reads the YAML configuration at path, expands environment variable
// placeholders, merges the result over the built-in defaults, and validates.
// A missing file at the default path yields the defaults; a missing file at
// an explicit path is an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	cfg := defaultConfig()

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		expanded := ExpandEnv(string(raw))
		var user Config
		if err := yaml.Unmarshal([]byte(expanded), &user); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if err := mergo.Merge(cfg, &user, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge configuration: %w", err)
		}
	case os.IsNotExist(err) && !explicit:
		slog.Info("No configuration file found, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
