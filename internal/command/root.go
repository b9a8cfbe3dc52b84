// Package command defines the snapfs command line.
//
// It uses urfave/cli/v2. Every command reads the shared configuration
// (defaults, YAML file, SNAPFS_ environment, flags) before running.
package command

import (
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v2"

	"github.com/absfs/snapfs/internal/config"
	"github.com/absfs/snapfs/internal/logger"
)

// Build information, set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:    "snapfs",
		Usage:   "capture directory snapshots and serve them as a copy-on-write filesystem",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildTime),
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			CaptureCommand(),
			InspectCommand(),
			ServeCommand(),
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to a YAML configuration file",
			EnvVars: []string{"SNAPFS_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "log level: debug, info, warn, error",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Usage: "log format: text, json",
		},
	}
}

// setFlag copies a flag into the configuration overrides when it was given.
func setFlag(c *cli.Context, overrides map[string]any, flag, key string) {
	if !c.IsSet(flag) {
		return
	}
	if v := c.StringSlice(flag); len(v) > 0 {
		overrides[key] = v
		return
	}
	overrides[key] = c.Value(flag)
}

// setup loads the configuration with command flag overrides and builds the
// logger.
func setup(c *cli.Context, overrides map[string]any) (*config.Config, *slog.Logger, error) {
	setFlag(c, overrides, "log-level", "log.level")
	setFlag(c, overrides, "log-format", "log.format")

	cfg, err := config.Load(c.String("config"), overrides)
	if err != nil {
		return nil, nil, err
	}
	lc := cfg.Logger()
	if c.App.ErrWriter != nil {
		lc.Output = c.App.ErrWriter
	}
	return cfg, logger.New(lc), nil
}
