package app

import (
	"errors"
	"time"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	PipelinePath string // task graph .hcl file or directory
	ProfilePath  string // resource policy profile .hcl file
	RunDir       string // manifest + per-task working directories

	Resume       bool
	PollInterval time.Duration
	WorkerCount  int

	LogFormat       string
	LogLevel        string
	HealthcheckPort int

	// Retry tuning. Zero values use the tracker defaults; tests shrink them.
	GracePeriod time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.PipelinePath == "" {
		return nil, errors.New("PipelinePath is a required configuration field and cannot be empty")
	}
	if cfg.ProfilePath == "" {
		return nil, errors.New("ProfilePath is a required configuration field and cannot be empty")
	}
	if cfg.RunDir == "" {
		return nil, errors.New("RunDir is a required configuration field and cannot be empty")
	}
	return &cfg, nil
}
