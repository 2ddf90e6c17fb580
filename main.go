package main

import (
	"fmt"
	"os"

	"github.com/kairos-io/disklayout/internal/cmd"
	"github.com/twpayne/go-vfs/v4"
)

// Compute partition tables and partition scripts from layout files.
func main() {
	app := cmd.NewApp(vfs.OSFS)
	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
