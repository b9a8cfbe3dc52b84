package command

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/absfs/snapfs/snapshot"
)

// InspectCommand returns the inspect command.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "list the entries of a snapshot file",
		ArgsUsage: "FILE",
		Action:    runInspect,
	}
}

func runInspect(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("inspect: expected one snapshot file")
	}
	data, err := os.ReadFile(c.Args().First())
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODE\tSIZE\tMODIFIED\tNAME")
	var files, total int64
	err = snapshot.Walk(data, func(e snapshot.Entry, _ io.Reader) error {
		name := e.Name
		size := "-"
		switch {
		case e.IsLink():
			name += " -> " + e.Target
		case !e.IsDir():
			size = humanize.IBytes(uint64(e.Size))
			files++
			total += e.Size
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Mode, size, e.ModTime.Format("2006-01-02 15:04"), name)
		return nil
	})
	if err != nil {
		return err
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%d files, %s content, %s encoded\n",
		files, humanize.IBytes(uint64(total)), humanize.IBytes(uint64(len(data))))
	return nil
}
