package main

import (
	"fmt"
	"log/slog"
	"os"
)

func main() {
	rootCommand := newRootCommand(os.Stdout, os.Stderr)
	if err := rootCommand.Execute(); err != nil {
		if _, fprintfErr := fmt.Fprintf(os.Stderr, "failed to execute a command: %+v\n", err); fprintfErr != nil {
			panic(fmt.Errorf("failed to output an error: %w. Reason: %w", err, fprintfErr))
		}
		os.Exit(1)
	}
	os.Exit(0)
}

// setupLogger configures the default logger. Logs go to stderr because stdout may carry the output table.
func setupLogger(level LogLevel) {
	slogLevel := level.slogLevel()
	slog.SetDefault(
		slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level:     slogLevel,
			AddSource: slogLevel <= slog.LevelDebug,
		})),
	)
}
