package command

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/absfs/snapfs/hostfs"
	"github.com/absfs/snapfs/snapshot"
)

// CaptureCommand returns the capture command.
func CaptureCommand() *cli.Command {
	return &cli.Command{
		Name:  "capture",
		Usage: "capture a host directory into a snapshot file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "root",
				Aliases: []string{"r"},
				Usage:   "directory to capture",
			},
			&cli.StringSliceFlag{
				Name:  "include",
				Usage: "pattern a path must match (repeatable)",
			},
			&cli.StringSliceFlag{
				Name:  "exclude",
				Usage: "pattern that drops a path (repeatable)",
			},
			&cli.StringFlag{
				Name:  "ignore-file",
				Usage: "gitignore-style file relative to root",
			},
			&cli.StringFlag{
				Name:  "capacity",
				Usage: "maximum snapshot size, e.g. 256MB",
			},
			&cli.StringFlag{
				Name:     "out",
				Aliases:  []string{"o"},
				Usage:    "snapshot file to write",
				Required: true,
			},
		},
		Action: runCapture,
	}
}

func runCapture(c *cli.Context) error {
	overrides := map[string]any{}
	setFlag(c, overrides, "root", "snapshot.root")
	setFlag(c, overrides, "include", "snapshot.include")
	setFlag(c, overrides, "exclude", "snapshot.exclude")
	setFlag(c, overrides, "ignore-file", "snapshot.ignore_file")
	setFlag(c, overrides, "capacity", "snapshot.capacity")

	cfg, log, err := setup(c, overrides)
	if err != nil {
		return err
	}
	capacity, err := cfg.Snapshot.CapacityBytes()
	if err != nil {
		return err
	}

	src, root, err := hostfs.NewSource(cfg.Snapshot.Root, hostfs.WithLogger(log))
	if err != nil {
		return err
	}
	buf, stats, err := snapshot.CaptureStats(c.Context, src, snapshot.Config{
		Root:       root,
		Include:    cfg.Snapshot.Include,
		Exclude:    cfg.Snapshot.Exclude,
		IgnoreFile: cfg.Snapshot.IgnoreFile,
		Capacity:   capacity,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	out := c.String("out")
	if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "captured %d files, %d directories, %d links (%s) into %s (%s of %s)\n",
		stats.Files, stats.Dirs, stats.Links,
		humanize.Bytes(uint64(stats.Bytes)), out,
		humanize.Bytes(uint64(buf.Len())), capacity.HR())
	return nil
}
