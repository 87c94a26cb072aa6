// Command haigate runs the chat gateway and its operator tooling.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("HAIGATE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand(logger).ExecuteContext(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func newRootCommand(logger *slog.Logger) *cobra.Command {
	serve := newServeCommand(logger)
	root := &cobra.Command{
		Use:           "haigate",
		Short:         "Chat gateway for conversations with historical figures",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(serve)
	root.AddCommand(newIngestCommand(logger))
	root.AddCommand(newTokenCommand())
	root.AddCommand(newHashKeyCommand())
	root.AddCommand(newGenKeyCommand())
	return root
}
