// Package logging provides category-tagged logging for the caption worker.
// All logging goes through these wrappers so every line carries a component
// category; output is emitted via log/slog.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Category constants for consistent logging categories.
const (
	CategoryApp          = "App"
	CategoryWorker       = "Worker"
	CategoryJob          = "Job"
	CategoryAudio        = "Audio"
	CategoryOrchestrator = "Orchestrator"
	CategorySpeech       = "Speech"
	CategoryTranslate    = "Translate"
	CategoryDelivery     = "Delivery"
	CategoryStore        = "Store"
	CategoryAPI          = "API"
)

var logger = slog.New(slog.NewTextHandler(os.Stderr, nil))

// Init initializes logging at the given level ("debug", "info", "warn", "error").
func Init(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// Debug logs a debug message.
func Debug(category, msg string, params ...interface{}) {
	logger.Debug(fmt.Sprintf(msg, params...), "category", category)
}

// Info logs an info message.
func Info(category, msg string, params ...interface{}) {
	logger.Info(fmt.Sprintf(msg, params...), "category", category)
}

// Warning logs a warning message.
func Warning(category, msg string, params ...interface{}) {
	logger.Warn(fmt.Sprintf(msg, params...), "category", category)
}

// Error logs an error message.
func Error(category, msg string, params ...interface{}) {
	logger.Error(fmt.Sprintf(msg, params...), "category", category)
}

// Fail logs a fatal-severity message without exiting; callers decide to exit.
func Fail(category, msg string, params ...interface{}) {
	logger.Error(fmt.Sprintf(msg, params...), "category", category, "fatal", true)
}
