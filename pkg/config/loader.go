package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// configFile is the single YAML file warden reads from the config directory.
const configFile = "warden.yaml"

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read warden.yaml from configDir (absence means pure defaults)
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Parse YAML into section structs
//  4. Merge user sections over built-in defaults
//  5. Validate all sections
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized",
		"stream_prefix", cfg.Stream.Prefix,
		"backpressure", cfg.Stream.Backpressure,
		"scheduler_workers", cfg.Scheduler.Workers,
		"correlation_shards", cfg.Correlation.Shards)

	return cfg, nil
}

func load(configDir string) (*Config, error) {
	cfg := Default()

	user, err := loadYAML(filepath.Join(configDir, configFile))
	if err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			slog.Warn("No warden.yaml found, using built-in defaults", "config_dir", configDir)
			return cfg, nil
		}
		return nil, NewLoadError(configFile, err)
	}

	// Merge each user-provided section over defaults so unset keys keep
	// their default values.
	if err := mergeSections(cfg, user); err != nil {
		return nil, NewLoadError(configFile, err)
	}

	return cfg, nil
}

func loadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing YAML parser to handle the content (or fail with clearer error message)
	data = ExpandEnv(data)

	var user Config
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &user, nil
}

func mergeSections(dst, src *Config) error {
	sections := []struct {
		name string
		dst  any
		src  any
	}{
		{"stream", dst.Stream, src.Stream},
		{"consumer", dst.Consumer, src.Consumer},
		{"scheduler", dst.Scheduler, src.Scheduler},
		{"correlation", dst.Correlation, src.Correlation},
		{"alert", dst.Alert, src.Alert},
		{"detection", dst.Detection, src.Detection},
		{"state", dst.State, src.State},
		{"search", dst.Search, src.Search},
		{"backpressure", dst.Backpressure, src.Backpressure},
		{"server", dst.Server, src.Server},
	}

	for _, s := range sections {
		if isNilPtr(s.src) {
			continue
		}
		if err := mergo.Merge(s.dst, s.src, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge %s config: %w", s.name, err)
		}
	}
	return nil
}

func isNilPtr(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}
