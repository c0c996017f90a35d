package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/mtlprog/taskflow/internal/config"
	"github.com/mtlprog/taskflow/internal/logger"
)

const configKey = "config"

func main() {
	app := &cli.App{
		Name:  "taskflow",
		Usage: "Durable task execution engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				EnvVars: []string{"TASKFLOW_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (json, text)",
				EnvVars: []string{"LOG_FORMAT"},
			},
			&cli.StringFlag{
				Name:    "data-dir",
				Usage:   "Directory holding the event log and the SQLite database",
				EnvVars: []string{"TASKFLOW_DATA_DIR"},
			},
			&cli.StringFlag{
				Name:    "backend",
				Usage:   "Repository backend (sqlite, postgres)",
				EnvVars: []string{"TASKFLOW_BACKEND"},
			},
			&cli.StringFlag{
				Name:    "database-url",
				Aliases: []string{"d"},
				Usage:   "PostgreSQL database URL; selects the postgres backend",
				EnvVars: []string{"DATABASE_URL"},
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger.Setup(logger.ParseLevel(cfg.Log.Level), cfg.Log.Format)
			c.App.Metadata[configKey] = cfg
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the task system and the operator API",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "addr",
						Aliases: []string{"a"},
						Usage:   "HTTP listen address",
						EnvVars: []string{"TASKFLOW_ADDR"},
					},
				},
				Action: runServe,
			},
			{
				Name:   "migrate",
				Usage:  "Apply repository migrations",
				Action: runMigrate,
			},
			{
				Name:   "replay",
				Usage:  "Rebuild the repository projection from every event log file (run while serve is stopped)",
				Action: runReplay,
			},
			{
				Name:   "compact",
				Usage:  "Compact rotated event log files already applied to the repository (run while serve is stopped)",
				Action: runCompact,
			},
			{
				Name:   "wal-stats",
				Usage:  "Print event log statistics as JSON",
				Action: runWALStats,
			},
			{
				Name:  "stale",
				Usage: "List running tasks without a recent heartbeat",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "threshold",
						Usage: "Heartbeat age that marks a task stale (defaults to recovery.stale_threshold)",
					},
				},
				Action: runStale,
			},
		},
		Action: runServe,
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, err
	}

	if v := c.String("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v := c.String("log-format"); v != "" {
		cfg.Log.Format = v
	}
	if v := c.String("data-dir"); v != "" {
		cfg.SetDataDir(v)
	}
	if v := c.String("database-url"); v != "" {
		cfg.Repository.URL = v
		cfg.Repository.Backend = config.BackendPostgres
	}
	if v := c.String("backend"); v != "" {
		cfg.Repository.Backend = v
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func configFrom(c *cli.Context) config.Config {
	return c.App.Metadata[configKey].(config.Config)
}
