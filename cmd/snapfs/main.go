// Command snapfs captures directory snapshots and serves them as a
// copy-on-write filesystem.
package main

import (
	"fmt"
	"os"

	"github.com/absfs/snapfs/internal/command"
)

func main() {
	if err := command.App().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
