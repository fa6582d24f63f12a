package server

import (
	"errors"
	"log/slog"
	"time"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// StatusFunc reports the current pipeline state for the status endpoint.
// The returned value is rendered as JSON.
type StatusFunc func() any

// ReadyFunc reports whether the engine is ready to serve a run.
type ReadyFunc func() bool

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo

	// Status backs the /status endpoint. Optional.
	Status StatusFunc

	// Ready backs the /readyz endpoint. Unset means always ready.
	Ready ReadyFunc
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	return nil
}
