package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestTextHandlerRendersAttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := New(ModeText, &buf, slog.LevelDebug).With("component", "builder")
	logger.WithGroup("link").Info("moved endpoint", "name", "tbp-server", "error", errors.New("file exists"))

	line := buf.String()
	for _, want := range []string{
		"INFO  moved endpoint",
		" component=builder",
		" link.name=tbp-server",
		` link.error="file exists"`,
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("output %q missing %q", line, want)
		}
	}
}

func TestTextHandlerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	var level slog.LevelVar
	level.Set(slog.LevelWarn)
	logger := New(ModeText, &buf, &level)

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}
	level.Set(slog.LevelDebug)
	logger.Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("expected debug record after level change, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"err":     slog.LevelError,
	}
	for input, want := range cases {
		got, err := ParseLevel(input)
		if err != nil {
			t.Fatalf("ParseLevel(%q) error = %v", input, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestParseMode(t *testing.T) {
	if mode, err := ParseMode("json"); err != nil || mode != ModeJSON {
		t.Fatalf("ParseMode(json) = %v, %v", mode, err)
	}
	if _, err := ParseMode("xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
