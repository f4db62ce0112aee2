package logging

import (
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" WARN ", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewHandlerFormat(t *testing.T) {
	if _, ok := newHandler("info", "json").(*slog.JSONHandler); !ok {
		t.Error("expected JSON handler for format json")
	}
	if _, ok := newHandler("info", "").(*slog.TextHandler); !ok {
		t.Error("expected text handler by default")
	}
}
