package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "text", &buf)

	logger.Info("test message", "key", "value")

	output := buf.String()
	if !strings.Contains(output, "test message") {
		t.Errorf("expected output to contain 'test message', got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("expected output to contain 'key=value', got: %s", output)
	}
}

func TestNewLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "json", &buf)

	logger.Info("test message", "key", "value")

	output := buf.String()
	if !strings.Contains(output, `"msg":"test message"`) {
		t.Errorf("expected JSON output with msg field, got: %s", output)
	}
	if !strings.Contains(output, `"key":"value"`) {
		t.Errorf("expected JSON output with key field, got: %s", output)
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		name         string
		configLevel  string
		logLevel     slog.Level
		shouldAppear bool
	}{
		{"debug logger shows debug", "debug", slog.LevelDebug, true},
		{"info logger hides debug", "info", slog.LevelDebug, false},
		{"info logger shows info", "info", slog.LevelInfo, true},
		{"warn logger hides info", "warn", slog.LevelInfo, false},
		{"warn logger shows warn", "warn", slog.LevelWarn, true},
		{"error logger hides warn", "error", slog.LevelWarn, false},
		{"error logger shows error", "error", slog.LevelError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(tt.configLevel, "text", &buf)

			logger.Log(nil, tt.logLevel, "probe")

			appeared := strings.Contains(buf.String(), "probe")
			if appeared != tt.shouldAppear {
				t.Errorf("level %v with config %q: appeared = %v, want %v",
					tt.logLevel, tt.configLevel, appeared, tt.shouldAppear)
			}
		})
	}
}

func TestNewLogger_UnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("verbose", "text", &buf)

	logger.Debug("hidden")
	logger.Info("visible")

	output := buf.String()
	if strings.Contains(output, "hidden") {
		t.Error("debug output should be filtered at the default level")
	}
	if !strings.Contains(output, "visible") {
		t.Error("info output should appear at the default level")
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	// Must not panic and must not write anywhere observable.
	logger.Info("into the void")
}
