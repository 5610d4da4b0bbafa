package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mkarlsen/chatrelay/internal/config"
	"github.com/mkarlsen/chatrelay/internal/logring"
)

func TestSetupStdout(t *testing.T) {
	lj := Setup(config.LoggingConfig{Level: "info", Format: "json"}, nil)
	if lj != nil {
		t.Error("expected nil lumberjack logger for stdout")
	}

	// Verify we can log without panic
	slog.Info("test message", "key", "value")
}

func TestSetupTextFormat(t *testing.T) {
	lj := Setup(config.LoggingConfig{Level: "debug", Format: "text"}, nil)
	if lj != nil {
		t.Error("expected nil lumberjack logger for stdout")
	}

	slog.Debug("debug message should appear")
}

func TestSetupFileLogging(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "test.log")

	lj := Setup(config.LoggingConfig{
		Level: "info", Format: "json", File: logFile,
		MaxSizeMB: 10, MaxBackups: 1, MaxAgeDays: 7,
	}, nil)
	if lj == nil {
		t.Fatal("expected lumberjack logger for file output")
	}
	defer lj.Close()

	slog.Info("file log test", "key", "value")

	// Verify file was created
	info, err := os.Stat(logFile)
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	if info.Size() == 0 {
		t.Error("log file is empty")
	}
}

func TestSetupWithRingCapture(t *testing.T) {
	ring := logring.NewRingBuffer(8)
	lj := Setup(config.LoggingConfig{Level: "info", Format: "json"}, ring)
	if lj != nil {
		t.Error("expected nil lumberjack logger for stdout")
	}

	slog.Info("captured", "key", "value")

	entries := ring.Entries(8, slog.LevelDebug, time.Time{})
	if len(entries) == 0 {
		t.Fatal("ring captured no entries")
	}
	// Entries are returned newest first.
	if entries[0].Message != "captured" {
		t.Errorf("newest entry = %q, want captured", entries[0].Message)
	}
}

func TestSetupLogLevels(t *testing.T) {
	levels := []string{"debug", "info", "warn", "error", "unknown"}
	for _, level := range levels {
		t.Run(level, func(t *testing.T) {
			lj := Setup(config.LoggingConfig{Level: level, Format: "json"}, nil)
			if lj != nil {
				t.Error("expected nil lumberjack logger for stdout")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // default fallback
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLevel(tt.input)
			if got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
