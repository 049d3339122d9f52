package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// configFileName is the single YAML file read from the config directory.
const configFileName = "comicd.yaml"

// comicdYAMLConfig mirrors the comicd.yaml file structure. Every section is
// optional; unset sections fall back to built-in defaults.
type comicdYAMLConfig struct {
	Pipeline  *PipelineConfig   `yaml:"pipeline"`
	Quality   *QualityConfig    `yaml:"quality"`
	Images    *ImageConfig      `yaml:"images"`
	Pool      *PoolConfig       `yaml:"pool"`
	Bus       *BusConfig        `yaml:"bus"`
	HITL      *HITLConfig       `yaml:"hitl"`
	Retention *RetentionConfig  `yaml:"retention"`
	AI        *AIConfig         `yaml:"ai"`
	System    *systemYAMLConfig `yaml:"system"`
}

// systemYAMLConfig groups system-wide infrastructure settings.
type systemYAMLConfig struct {
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Load comicd.yaml from configDir (missing file → pure defaults)
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Merge user-defined values over built-in defaults
//  4. Validate the resolved configuration
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized successfully",
		"stage_budgets", len(cfg.Pipeline.StageBudgets),
		"hitl_stages", cfg.Pipeline.HITLStages,
		"max_concurrent_sessions", cfg.Pool.MaxConcurrentSessions)

	return cfg, nil
}

func load(configDir string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.configDir = configDir

	path := filepath.Join(configDir, configFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("No configuration file found, using built-in defaults", "path", path)
			return cfg, nil
		}
		return nil, NewLoadError(configFileName, err)
	}

	data = ExpandEnv(data)

	var userCfg comicdYAMLConfig
	if err := yaml.Unmarshal(data, &userCfg); err != nil {
		return nil, NewLoadError(configFileName, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	// Merge user-provided sections over defaults (non-zero values override).
	sections := []struct {
		dst, src any
	}{
		{cfg.Pipeline, userCfg.Pipeline},
		{cfg.Quality, userCfg.Quality},
		{cfg.Images, userCfg.Images},
		{cfg.Pool, userCfg.Pool},
		{cfg.Bus, userCfg.Bus},
		{cfg.HITL, userCfg.HITL},
		{cfg.Retention, userCfg.Retention},
		{cfg.AI, userCfg.AI},
	}
	for _, s := range sections {
		if s.src == nil || isNilPtr(s.src) {
			continue
		}
		if err := mergo.Merge(s.dst, s.src, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge configuration section: %w", err)
		}
	}

	if userCfg.System != nil {
		cfg.AllowedWSOrigins = userCfg.System.AllowedWSOrigins
	}

	return cfg, nil
}

// isNilPtr reports whether v is a typed nil pointer hiding inside any.
func isNilPtr(v any) bool {
	switch p := v.(type) {
	case *PipelineConfig:
		return p == nil
	case *QualityConfig:
		return p == nil
	case *ImageConfig:
		return p == nil
	case *PoolConfig:
		return p == nil
	case *BusConfig:
		return p == nil
	case *HITLConfig:
		return p == nil
	case *RetentionConfig:
		return p == nil
	case *AIConfig:
		return p == nil
	}
	return false
}
