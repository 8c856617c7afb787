package main

import (
	"log/slog"
	"os"

	"github.com/irdkwmnsb/robolink/internal/cli"
)

func main() {
	if err := cli.NewHubCommand().Execute(); err != nil {
		slog.Error("signalling server failed", "error", err)
		os.Exit(1)
	}
}
