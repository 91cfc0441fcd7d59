package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/aristath/autoqueue/internal/config"
	"github.com/aristath/autoqueue/internal/logging"
)

// app holds what every subcommand shares: flags, the loaded config and the
// logger.
type app struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg         *config.Config
	globalPath  string
	projectPath string
	level       *slog.LevelVar
	logger      *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "autoqueue",
		Short: "autoqueue: self-managing task queue",
		Long: `autoqueue runs batches of tasks with priorities, dependencies and resource
requirements, adapting concurrency and scheduling from observed performance.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Config file (default .autoqueue/config.yaml over ~/.autoqueue/config.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "Log format (text, json); overrides the config")

	root.AddCommand(
		newRunCmd(a),
		newPlanCmd(a),
		newServeCmd(a),
		newSnapshotCmd(a),
	)
	return root
}

// setup loads the layered config and builds the logger.
func (a *app) setup(cmd *cobra.Command) error {
	global, project, err := config.DefaultPaths()
	if err != nil {
		// No home directory: project config only.
		global = ""
	}
	if a.configPath != "" {
		project = a.configPath
	}
	cfg, err := config.Load(global, project)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg, a.globalPath, a.projectPath = cfg, global, project

	level, format := cfg.Log.Level, cfg.Log.Format
	if a.logLevel != "" {
		level = a.logLevel
	}
	if a.logFormat != "" {
		format = a.logFormat
	}
	a.level = new(slog.LevelVar)
	a.level.Set(logging.ParseLevel(level))
	a.logger = logging.NewLoggerWithWriter(a.level, format, cmd.ErrOrStderr())
	return nil
}
