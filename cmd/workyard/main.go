// Command workyard runs the worker yard simulation and inspects its data.
package main

import (
	"fmt"
	"os"

	"workyard.ai/internal/cli"
)

// version is set at build time using -ldflags.
var version = "dev"

func main() {
	root := cli.NewRootCommand(version)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
