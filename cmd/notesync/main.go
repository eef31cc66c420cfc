// Command notesync runs the sync relay and inspects stored note documents.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/notesync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
