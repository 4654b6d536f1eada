// Command agendo-supervisor hosts the Session Supervisor's HTTP surface
// (run-worker) and provides a one-shot claim subcommand for exercising a
// single session end to end without the rest of the platform.
package main

import (
	"fmt"
	"os"

	"github.com/agendo-io/supervisor/cmd/agendo-supervisor/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
