// Package flumetesting holds helpers shared across package tests.
package flumetesting

import (
	"log/slog"
	"os"
)

// NewLogger returns a quiet logger for tests. Set DEBUG=1 for info logs or
// DEBUG=2 for debug logs when diagnosing a failure.
func NewLogger() *slog.Logger {
	debugLevel := os.Getenv("DEBUG")
	var level slog.Level
	switch debugLevel {
	case "2":
		level = slog.LevelDebug
	case "1":
		level = slog.LevelInfo
	default:
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
