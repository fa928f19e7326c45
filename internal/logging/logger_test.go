package logging

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"bogus", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		logger, err := New(tt.level)
		if err != nil {
			t.Fatalf("New(%q) error: %v", tt.level, err)
		}
		if !logger.Core().Enabled(tt.want) {
			t.Errorf("New(%q): expected level %v to be enabled", tt.level, tt.want)
		}
		if tt.want > zapcore.DebugLevel && logger.Core().Enabled(tt.want-1) {
			t.Errorf("New(%q): expected level %v to be disabled", tt.level, tt.want-1)
		}
	}
}

func TestNewWithFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")

	logger, err := NewWithOptions(Options{Level: "info", File: path})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}

	logger.Info("hello", zap.String("k", "v"))
	logger.Sync()
}

func TestSetGlobal(t *testing.T) {
	old := Global()
	defer SetGlobal(old)

	logger, err := New("error")
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	SetGlobal(logger)
	if Global() != logger {
		t.Error("Global() did not return the logger passed to SetGlobal")
	}
}
