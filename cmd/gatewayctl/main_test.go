package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stratus-cloud/gateway-go-sdk/wire"
)

func TestNewLogger(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	} {
		l, err := newLogger(tc.in)
		if err != nil {
			t.Fatalf("newLogger(%q): %v", tc.in, err)
		}
		if !l.Enabled(context.Background(), tc.want) {
			t.Errorf("%q: level %v disabled", tc.in, tc.want)
		}
		if tc.want > slog.LevelDebug && l.Enabled(context.Background(), tc.want-1) {
			t.Errorf("%q: level below %v enabled", tc.in, tc.want)
		}
	}
	if _, err := newLogger("loud"); err == nil {
		t.Error("expected an error for an unknown level")
	}
}

func TestParseCompression(t *testing.T) {
	for in, want := range map[string]wire.Compression{
		"none": wire.CompressionNone,
		"zlib": wire.CompressionZlib,
		"ZLIB": wire.CompressionZlib,
	} {
		got, err := parseCompression(in)
		if err != nil || got != want {
			t.Errorf("parseCompression(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := parseCompression("zstd"); err == nil {
		t.Error("expected an error for zstd")
	}
}
