package main

import (
	"log/slog"
	"os"

	"github.com/irdkwmnsb/robolink/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		slog.Error("robolink failed", "error", err)
		os.Exit(1)
	}
}
