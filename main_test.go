package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"authd/server"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}

func TestRunConfigInitWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	if err := runConfigInit(path); err != nil {
		t.Fatalf("runConfigInit: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file missing: %v", err)
	}

	if _, err := server.LoadConfig(path); err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}

	if err := runConfigInit(path); err == nil {
		t.Fatalf("expected error when the config file already exists")
	}
}

func TestDevCollaboratorsBootTheApp(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg := server.DefaultConfig()
	app, err := server.NewApp(cfg, devCollaborators(logger), logger)
	if err != nil {
		t.Fatalf("NewApp with dev collaborators: %v", err)
	}
	if app.Routes() == nil {
		t.Fatalf("no router built")
	}
}
