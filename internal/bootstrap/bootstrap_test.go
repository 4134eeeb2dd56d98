package bootstrap_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/cochaviz/tunnelbed/internal/bootstrap"
	"github.com/cochaviz/tunnelbed/internal/config"
	"github.com/cochaviz/tunnelbed/internal/keys"
	"github.com/cochaviz/tunnelbed/internal/keytool"
	"github.com/cochaviz/tunnelbed/internal/logging"
	"github.com/cochaviz/tunnelbed/internal/sandbox"
	"github.com/cochaviz/tunnelbed/internal/sandbox/sandboxtest"
	"github.com/cochaviz/tunnelbed/internal/topology"
)

type harness struct {
	cfg     config.Config
	desired topology.Desired
	runtime *sandboxtest.Runtime
	// helper is the orchestrator-side binary mounted into every sandbox.
	helper string

	mu    sync.Mutex
	execs []string
	fail  map[string]error
}

// hostPath maps a path seen inside a sandbox to the orchestrator side.
func hostPath(spec sandbox.HostSpec, p string) string {
	for _, m := range spec.Mounts {
		if p == m.Target || strings.HasPrefix(p, m.Target+"/") {
			return m.Source + strings.TrimPrefix(p, m.Target)
		}
	}
	return p
}

// newHarness starts every blueprint host in a fake runtime whose exec runs
// the key helper in-process against the bind-mount sources.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{cfg: config.Default, runtime: sandboxtest.New(), fail: map[string]error{}}
	h.cfg.StateDir = t.TempDir()
	h.desired = topology.Default(h.cfg.Network)
	h.helper = filepath.Join(t.TempDir(), "cli")
	if err := os.WriteFile(h.helper, []byte("#!/bin/true\n"), 0o755); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	h.runtime.ExecFunc = func(ctx context.Context, spec sandbox.HostSpec, argv []string) (sandbox.ExecResult, error) {
		h.mu.Lock()
		h.execs = append(h.execs, spec.Name+" "+strings.Join(argv[1:], " "))
		err := h.fail[spec.Name]
		h.mu.Unlock()
		if err != nil {
			return sandbox.ExecResult{ExitCode: 1}, err
		}
		// argv[0] must resolve through a mount to the helper binary.
		if hostPath(spec, argv[0]) != h.helper || argv[1] != "key" {
			return sandbox.ExecResult{ExitCode: 127}, fmt.Errorf("unexpected command %v", argv)
		}
		args := make([]string, 0, len(argv)-2)
		for _, a := range argv[2:] {
			args = append(args, hostPath(spec, a))
		}
		var stdout bytes.Buffer
		cmd := keytool.NewCommand(keytool.Options{Stdout: &stdout, Logger: logging.Discard()})
		cmd.SetArgs(args)
		cmd.SetOut(&stdout)
		cmd.SetErr(&stdout)
		cmd.SilenceUsage = true
		cmd.SilenceErrors = true
		if err := cmd.ExecuteContext(ctx); err != nil {
			return sandbox.ExecResult{ExitCode: 1, Stderr: []byte(err.Error())}, err
		}
		return sandbox.ExecResult{Stdout: stdout.Bytes()}, nil
	}

	for _, host := range h.desired.HostNames() {
		for _, dir := range []string{h.cfg.HostKeyDir(host), h.cfg.ExchangeDir()} {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				t.Fatalf("MkdirAll() error = %v", err)
			}
		}
		spec := sandbox.SpecFor(h.cfg, host, h.helper, nil)
		if _, err := h.runtime.Start(context.Background(), spec); err != nil {
			t.Fatalf("Start(%s) error = %v", host, err)
		}
	}
	return h
}

func (h *harness) bootstrapper() *bootstrap.Bootstrapper {
	return bootstrap.New(h.cfg, h.desired, h.runtime, logging.Discard())
}

func (h *harness) trustStore(t *testing.T, host string) []string {
	t.Helper()
	entries, err := os.ReadDir(h.cfg.HostKeyDir(host))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), "_pubkey.der") {
			names = append(names, e.Name())
		}
	}
	return names
}

func (h *harness) assertExchangeEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.cfg.ExchangeDir())
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if len(names) != 0 {
		t.Fatalf("exchange area not purged: %v", names)
	}
}

func (h *harness) privateKey(t *testing.T, host string) []byte {
	t.Helper()
	der, err := os.ReadFile(filepath.Join(h.cfg.HostKeyDir(host), bootstrap.PrivateKeyFile))
	if err != nil {
		t.Fatalf("read private key of %s: %v", host, err)
	}
	return der
}

func TestRunEstablishesStarTrust(t *testing.T) {
	h := newHarness(t)
	if err := h.bootstrapper().Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{"leaf1_pubkey.der", "leaf2_pubkey.der", "router1_pubkey.der", "router2_pubkey.der"}
	if got := h.trustStore(t, "server"); !slices.Equal(got, want) {
		t.Fatalf("server trusts %v, want %v", got, want)
	}
	for _, peer := range h.desired.Peers() {
		if got := h.trustStore(t, peer); !slices.Equal(got, []string{"server_pubkey.der"}) {
			t.Fatalf("%s trusts %v, want only the server", peer, got)
		}
	}

	serverPub, err := keys.PublicKey(h.privateKey(t, "server"))
	if err != nil {
		t.Fatalf("PublicKey() error = %v", err)
	}
	installed, err := os.ReadFile(filepath.Join(h.cfg.HostKeyDir("leaf2"), "server_pubkey.der"))
	if err != nil {
		t.Fatalf("read installed key: %v", err)
	}
	if !bytes.Equal(installed, serverPub) {
		t.Fatalf("leaf2 holds %x, want server key %x", installed, serverPub)
	}

	h.assertExchangeEmpty(t)
}

func TestRunKeepsExistingPrivateKeys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.bootstrapper().Run(ctx); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	before := h.privateKey(t, "router1")

	if err := h.bootstrapper().Run(ctx); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if after := h.privateKey(t, "router1"); !bytes.Equal(before, after) {
		t.Fatalf("private key rotated on re-run")
	}
}

func TestRunPrunesStaleTrust(t *testing.T) {
	h := newHarness(t)
	stale := filepath.Join(h.cfg.HostKeyDir("leaf1"), "router2_pubkey.der")
	if err := os.WriteFile(stale, make([]byte, keys.PublicKeySize), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	leftover := filepath.Join(h.cfg.ExchangeDir(), "oldhost_pubkey.der")
	if err := os.WriteFile(leftover, []byte("junk"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if err := h.bootstrapper().Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stale trust entry survived: %v", err)
	}
	if _, err := os.Stat(leftover); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("leftover exchange file survived: %v", err)
	}
}

func TestRunStopsAtPublishBarrier(t *testing.T) {
	h := newHarness(t)
	h.fail["tb-router2"] = errors.New("exec failed")

	err := h.bootstrapper().Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "router2") {
		t.Fatalf("Run() error = %v, want a router2 failure", err)
	}
	for _, e := range h.execs {
		if strings.Contains(e, " install ") {
			t.Fatalf("install ran after a failed publish: %q", e)
		}
	}
	h.assertExchangeEmpty(t)
	// The other hosts finished their publish phase anyway.
	if _, err := os.Stat(filepath.Join(h.cfg.HostKeyDir("leaf1"), bootstrap.PrivateKeyFile)); err != nil {
		t.Fatalf("leaf1 did not generate a key: %v", err)
	}
}

func TestVerifyDetectsForeignKey(t *testing.T) {
	h := newHarness(t)
	b := h.bootstrapper()
	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	router2Pub, err := keys.PublicKey(h.privateKey(t, "router2"))
	if err != nil {
		t.Fatalf("PublicKey() error = %v", err)
	}
	path := filepath.Join(h.cfg.HostKeyDir("server"), "leaf1_pubkey.der")
	if err := os.WriteFile(path, router2Pub, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := b.Verify(); !errors.Is(err, bootstrap.ErrTrust) {
		t.Fatalf("Verify() error = %v, want ErrTrust", err)
	}
}

func TestVerifyDetectsExtraTrust(t *testing.T) {
	h := newHarness(t)
	b := h.bootstrapper()
	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	leaf2Pub, err := os.ReadFile(filepath.Join(h.cfg.HostKeyDir("server"), "leaf2_pubkey.der"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(h.cfg.HostKeyDir("leaf1"), "leaf2_pubkey.der"), leaf2Pub, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := b.Verify(); !errors.Is(err, bootstrap.ErrTrust) {
		t.Fatalf("Verify() error = %v, want ErrTrust", err)
	}
}

func TestRunPurgesExchangeWhenInstallFails(t *testing.T) {
	h := newHarness(t)
	// Publishing succeeds; leaf1 then cannot reach the server key.
	h.runtime.ExecFunc = wrapExec(h.runtime.ExecFunc, func(spec sandbox.HostSpec, argv []string) error {
		if spec.Name == "tb-leaf1" && slices.Contains(argv, "install") {
			return errors.New("install refused")
		}
		return nil
	})

	err := h.bootstrapper().Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "install refused") {
		t.Fatalf("Run() error = %v, want the install failure", err)
	}
	h.assertExchangeEmpty(t)
}

func wrapExec(next sandboxtest.ExecFunc, fail func(sandbox.HostSpec, []string) error) sandboxtest.ExecFunc {
	return func(ctx context.Context, spec sandbox.HostSpec, argv []string) (sandbox.ExecResult, error) {
		if err := fail(spec, argv); err != nil {
			return sandbox.ExecResult{ExitCode: 1}, err
		}
		return next(ctx, spec, argv)
	}
}
