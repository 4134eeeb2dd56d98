package main

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cochaviz/tunnelbed/internal/logging"
	"github.com/cochaviz/tunnelbed/internal/topology"
)

func newTestApp() *app {
	var levelVar slog.LevelVar
	return &app{levelVar: &levelVar, stderr: io.Discard, logger: logging.Discard()}
}

func TestParseStep(t *testing.T) {
	step, err := parseStep("bridge")
	if err != nil || step != topology.StepBridge {
		t.Fatalf("parseStep(bridge) = %q, %v", step, err)
	}
	if step, err := parseStep(""); err != nil || step != "" {
		t.Fatalf("parseStep(\"\") = %q, %v", step, err)
	}
	if _, err := parseStep("teardown"); err == nil {
		t.Fatalf("parseStep(teardown) accepted a non-build step")
	}
}

func TestConfigShowAppliesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("network:\n  bridge: lab0\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	envFile := filepath.Join(dir, "tunnelbed.env")
	if err := os.WriteFile(envFile, []byte("TUNNELBED_RUNTIME=libvirt\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("TUNNELBED_RUNTIME") })

	root := newRootCommand(newTestApp())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"config", "show", "--config", path, "--env-file", envFile, "--log-format", "json"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	for _, want := range []string{"bridge: lab0", "driver: libvirt"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("config show output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRejectsUnknownLogFormat(t *testing.T) {
	root := newRootCommand(newTestApp())
	root.SetOut(io.Discard)
	root.SetArgs([]string{"config", "show", "--log-format", "xml"})
	if err := root.Execute(); err == nil {
		t.Fatalf("Execute() accepted --log-format xml")
	}
}
