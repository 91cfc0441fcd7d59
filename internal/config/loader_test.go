package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aristath/autoqueue/internal/monitor"
	"github.com/aristath/autoqueue/internal/queue"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		global      string // YAML
		project     string // JSON
		expectError string
		check       func(t *testing.T, cfg *Config)
	}{
		{
			name: "No config files - returns defaults",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Queue.MaxConcurrentTasks != queue.DefaultConfig().MaxConcurrentTasks {
					t.Errorf("MaxConcurrentTasks = %d", cfg.Queue.MaxConcurrentTasks)
				}
				if len(cfg.Monitor.Thresholds) != len(monitor.DefaultThresholds()) {
					t.Errorf("got %d thresholds, want defaults", len(cfg.Monitor.Thresholds))
				}
			},
		},
		{
			name:   "Global only - overrides set keys",
			global: "queue:\n  max_concurrent_tasks: 8\n  cleanup_timeout: 90s\nlog:\n  format: json\n",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Queue.MaxConcurrentTasks != 8 {
					t.Errorf("MaxConcurrentTasks = %d, want 8", cfg.Queue.MaxConcurrentTasks)
				}
				if cfg.Queue.CleanupTimeout.D() != 90*time.Second {
					t.Errorf("CleanupTimeout = %s, want 90s", cfg.Queue.CleanupTimeout.D())
				}
				if cfg.Queue.Algorithm != "priority" {
					t.Errorf("Algorithm = %q, unset keys must keep defaults", cfg.Queue.Algorithm)
				}
				if cfg.Log.Format != "json" {
					t.Errorf("Log.Format = %q", cfg.Log.Format)
				}
			},
		},
		{
			name:    "Project overrides global",
			global:  "queue:\n  max_concurrent_tasks: 8\n  algorithm: fifo\n",
			project: `{"queue": {"algorithm": "critical_path"}, "store": {"path": "state.db"}}`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Queue.MaxConcurrentTasks != 8 {
					t.Errorf("MaxConcurrentTasks = %d, want global 8", cfg.Queue.MaxConcurrentTasks)
				}
				if cfg.Queue.Algorithm != "critical_path" {
					t.Errorf("Algorithm = %q, want project critical_path", cfg.Queue.Algorithm)
				}
				if cfg.Store.Path != "state.db" {
					t.Errorf("Store.Path = %q", cfg.Store.Path)
				}
			},
		},
		{
			name:   "Thresholds replace the default list",
			global: "monitor:\n  thresholds:\n    - metric: error_rate\n      warning: 0.2\n      critical: 0.5\n",
			check: func(t *testing.T, cfg *Config) {
				if len(cfg.Monitor.Thresholds) != 1 || cfg.Monitor.Thresholds[0].Critical != 0.5 {
					t.Errorf("Thresholds = %+v", cfg.Monitor.Thresholds)
				}
			},
		},
		{
			name:        "Malformed YAML",
			global:      "queue: [",
			expectError: "loading global config",
		},
		{
			name:        "Unknown YAML key",
			global:      "queue:\n  max_workers: 3\n",
			expectError: "max_workers",
		},
		{
			name:        "Unknown JSON key",
			project:     `{"sever": {}}`,
			expectError: "sever",
		},
		{
			name:        "Bad duration",
			project:     `{"queue": {"tick_interval": "soon"}}`,
			expectError: "invalid duration",
		},
		{
			name:        "Invalid algorithm",
			global:      "queue:\n  algorithm: random\n",
			expectError: "queue.algorithm",
		},
		{
			name:        "Invalid threshold",
			global:      "monitor:\n  thresholds:\n    - metric: error_rate\n      warning: 0.9\n      critical: 0.1\n",
			expectError: "monitor.thresholds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			globalPath := filepath.Join(dir, "global", "config.yaml")
			projectPath := filepath.Join(dir, "project", "config.json")
			if tt.global != "" {
				writeFile(t, globalPath, tt.global)
			}
			if tt.project != "" {
				writeFile(t, projectPath, tt.project)
			}

			cfg, err := Load(globalPath, projectPath)
			if tt.expectError != "" {
				if err == nil {
					t.Fatalf("expected error containing %q", tt.expectError)
				}
				if !strings.Contains(err.Error(), tt.expectError) {
					t.Fatalf("error %q does not mention %q", err, tt.expectError)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLoadEmptyFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "\n")
	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != DefaultConfig().Server.Addr {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}
}

func TestComponentOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Queue.Algorithm = "shortest_job_first"
	cfg.Optimizer.MaxWaitTime = Duration(time.Minute)

	qc := cfg.QueueOptions()
	if qc.Algorithm != queue.AlgorithmShortestJob || qc.TickInterval != time.Second {
		t.Errorf("QueueOptions = %+v", qc)
	}
	oc := cfg.OptimizerOptions("main")
	if oc.QueueID != "main" || oc.Targets.MaxWaitTime != time.Minute {
		t.Errorf("OptimizerOptions = %+v", oc)
	}
	if mc := cfg.MonitorOptions(); mc.Interval != 5*time.Second {
		t.Errorf("MonitorOptions.Interval = %s", mc.Interval)
	}
	if _, ok := cfg.HookOptions(); ok {
		t.Error("HookOptions enabled without a URL")
	}
	cfg.Hooks.URL = "http://localhost:9000/hook"
	hc, ok := cfg.HookOptions()
	if !ok || hc.Timeout != 5*time.Second {
		t.Errorf("HookOptions = %+v, %v", hc, ok)
	}
}
