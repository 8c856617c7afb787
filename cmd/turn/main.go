package main

import (
	"log/slog"
	"os"

	"github.com/irdkwmnsb/robolink/internal/cli"
)

func main() {
	if err := cli.NewTurnCommand().Execute(); err != nil {
		slog.Error("turn relay failed", "error", err)
		os.Exit(1)
	}
}
