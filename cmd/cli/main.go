package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vk/batchflow/internal/app"
	"github.com/vk/batchflow/internal/cli"
	"github.com/vk/batchflow/internal/coordinator"
)

// main is the entrypoint for the batchflow coordinator.
func main() {
	// Use a minimal logger until the full one is configured.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// The real main function handles errors and exit codes.
	if err := run(os.Stdout, os.Args[1:]); err != nil {
		if exitErr, ok := err.(*cli.ExitError); ok {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run encapsulates the main application logic for easier testing and error handling.
func run(outW io.Writer, args []string) error {
	appConfig, shouldExit, err := cli.Parse(args, outW)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	// SIGINT/SIGTERM cancel the run: live jobs get best-effort scancels and
	// every non-terminal task is marked failed(cancelled).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coordApp := app.NewApp(outW, os.Stderr, appConfig, nil)
	if err := coordApp.Run(ctx); err != nil {
		if errors.Is(err, app.ErrTasksFailed) || errors.Is(err, coordinator.ErrCancelled) {
			return &cli.ExitError{Code: 1, Message: err.Error()}
		}
		return err
	}
	return nil
}
