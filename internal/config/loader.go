package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aristath/autoqueue/internal/monitor"
	"github.com/aristath/autoqueue/internal/queue"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// A file only overrides the keys it sets. Missing files are not errors;
// malformed files, unknown keys and invalid values are.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultPaths returns the conventional config locations.
// Global: ~/.autoqueue/config.yaml, or config.json if only that exists.
// Project: .autoqueue/config.yaml or .autoqueue/config.json (relative to cwd).
func DefaultPaths() (global, project string, err error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return pick(filepath.Join(homeDir, ".autoqueue")), pick(".autoqueue"), nil
}

// pick prefers config.yaml and falls back to config.json.
func pick(dir string) string {
	for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, "config.yaml")
}

// LoadDefault loads configuration from the DefaultPaths.
func LoadDefault() (*Config, error) {
	global, project, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	return Load(global, project)
}

// mergeConfigFile decodes a JSON or YAML file over base.
// Missing files are silently skipped.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	if isYAML(path) {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(base); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Validate checks values that the components would otherwise reject at
// startup.
func (c *Config) Validate() error {
	var errs []error
	if c.Queue.MaxConcurrentTasks <= 0 {
		errs = append(errs, fmt.Errorf("queue.max_concurrent_tasks must be positive, got %d", c.Queue.MaxConcurrentTasks))
	}
	if _, err := queue.ParseAlgorithm(c.Queue.Algorithm); err != nil {
		errs = append(errs, fmt.Errorf("queue.algorithm: %w", err))
	}
	if c.Queue.BreakdownThreshold < 0 {
		errs = append(errs, fmt.Errorf("queue.breakdown_threshold must not be negative"))
	}
	if c.Lifecycle.MaxRetryDelay < c.Lifecycle.BaseRetryDelay {
		errs = append(errs, fmt.Errorf("lifecycle.max_retry_delay %s is below base_retry_delay %s",
			c.Lifecycle.MaxRetryDelay.D(), c.Lifecycle.BaseRetryDelay.D()))
	}
	if err := monitor.ValidateThresholds(c.Monitor.Thresholds); err != nil {
		errs = append(errs, fmt.Errorf("monitor.thresholds: %w", err))
	}
	if c.Optimizer.MaxConcurrency < c.Optimizer.MinConcurrency {
		errs = append(errs, fmt.Errorf("optimizer.max_concurrency %d is below min_concurrency %d",
			c.Optimizer.MaxConcurrency, c.Optimizer.MinConcurrency))
	}
	if c.Optimizer.MinConfidence < 0 || c.Optimizer.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("optimizer.min_confidence must be within [0, 1], got %g", c.Optimizer.MinConfidence))
	}
	if f := c.Log.Format; f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", f))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	return errors.Join(errs...)
}
