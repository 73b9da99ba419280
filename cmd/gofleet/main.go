package main

import (
	"context"
	"os"

	"github.com/3leaps/gofleet/internal/cmd"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(cmd.ExitCode(err))
	}
}
