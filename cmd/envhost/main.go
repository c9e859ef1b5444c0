package main

import (
	"log/slog"
	"os"

	"github.com/devhome-oss/envhost/cmd/envhost/commands"
)

func main() {
	// Logs go to stderr so tables on stdout stay machine-readable
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
