// Package common provides shared setup for command implementations.
package common

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/roverhq/rover/internal/config"
	"github.com/roverhq/rover/internal/logger"
)

// CommandDeps holds the dependencies every command starts from.
type CommandDeps struct {
	Config *config.Config
	Logger logger.Interface
}

// NewCommandDeps loads configuration from the global Viper state and
// builds the logger it describes.
func NewCommandDeps() (*CommandDeps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return &CommandDeps{Config: cfg, Logger: log}, nil
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
// Callers should release the handler once shutdown is underway so a
// second signal terminates the process immediately.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
