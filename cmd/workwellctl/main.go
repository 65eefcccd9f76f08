// Command workwellctl is an offline companion to the engagement BFF.
package main

import (
	"fmt"
	"os"

	"github.com/pitabwire/workwell/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
