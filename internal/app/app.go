// Package app wires the pieces of the coordinator process together: logger,
// pipeline graph, resource profile, submission client, manifest store,
// tracker, and the coordinator loop.
package app

import (
	"io"
	"log/slog"

	"github.com/vk/batchflow/internal/batch"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW   io.Writer
	logW   io.Writer
	logger *slog.Logger
	config *Config
	client batch.Client
}

// NewApp is the constructor for the coordinator application. A nil client
// selects the scheduler adapter named by the profile's executor field; tests
// inject a fake instead.
func NewApp(outW, logW io.Writer, config *Config, client batch.Client) *App {
	logger := newLogger(config.LogLevel, config.LogFormat, logW)
	logger.Debug("Logger configured successfully.")

	return &App{
		outW:   outW,
		logW:   logW,
		logger: logger,
		config: config,
		client: client,
	}
}
