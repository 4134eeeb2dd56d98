package keytool

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cochaviz/tunnelbed/internal/errdefs"
	"github.com/cochaviz/tunnelbed/internal/keys"
	"github.com/cochaviz/tunnelbed/internal/logging"
)

func run(t *testing.T, opts Options, args ...string) error {
	t.Helper()
	opts.Logger = logging.Discard()
	cmd := NewCommand(opts)
	cmd.SetArgs(args)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	return cmd.Execute()
}

func TestGenPubInstallRoundTrip(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "keys", "privkey.der")
	pub := filepath.Join(dir, "exchange", "router1_pubkey.der")
	installed := filepath.Join(dir, "store", "router1_pubkey.der")

	if err := run(t, Options{}, "gen", "--out", priv); err != nil {
		t.Fatalf("gen: %v", err)
	}
	info, err := os.Stat(priv)
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if info.Mode().Perm() != privateKeyMode {
		t.Fatalf("private key mode = %v, want %v", info.Mode().Perm(), os.FileMode(privateKeyMode))
	}

	if err := run(t, Options{}, "pub", "--in", priv, "--out", pub); err != nil {
		t.Fatalf("pub: %v", err)
	}
	if err := run(t, Options{}, "install", "--from", pub, "--to", installed); err != nil {
		t.Fatalf("install: %v", err)
	}

	der, _ := os.ReadFile(priv)
	want, err := keys.PublicKey(der)
	if err != nil {
		t.Fatalf("PublicKey() error = %v", err)
	}
	got, _ := os.ReadFile(installed)
	if !bytes.Equal(got, want) {
		t.Fatalf("installed key %x, want %x", got, want)
	}
}

func TestGenKeepPreservesValidKey(t *testing.T) {
	priv := filepath.Join(t.TempDir(), "privkey.der")
	if err := run(t, Options{}, "gen", "--out", priv); err != nil {
		t.Fatalf("gen: %v", err)
	}
	first, _ := os.ReadFile(priv)

	if err := run(t, Options{}, "gen", "--out", priv, "--keep"); err != nil {
		t.Fatalf("gen --keep: %v", err)
	}
	kept, _ := os.ReadFile(priv)
	if !bytes.Equal(first, kept) {
		t.Fatalf("--keep rotated the key")
	}

	if err := run(t, Options{}, "gen", "--out", priv); err != nil {
		t.Fatalf("gen: %v", err)
	}
	rotated, _ := os.ReadFile(priv)
	if bytes.Equal(first, rotated) {
		t.Fatalf("gen without --keep did not rotate the key")
	}
}

func TestGenKeepReplacesCorruptKey(t *testing.T) {
	priv := filepath.Join(t.TempDir(), "privkey.der")
	if err := os.WriteFile(priv, []byte("junk"), 0o600); err != nil {
		t.Fatalf("seed corrupt key: %v", err)
	}
	if err := run(t, Options{}, "gen", "--out", priv, "--keep"); err != nil {
		t.Fatalf("gen --keep: %v", err)
	}
	der, _ := os.ReadFile(priv)
	if _, err := keys.PublicKey(der); err != nil {
		t.Fatalf("replacement key invalid: %v", err)
	}
}

func TestGenKeepFailsOnUnreadableKey(t *testing.T) {
	// A directory in place of the key cannot be read, even as root.
	priv := filepath.Join(t.TempDir(), "privkey.der")
	if err := os.Mkdir(priv, 0o700); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}
	err := run(t, Options{}, "gen", "--out", priv, "--keep")
	if !errors.Is(err, errdefs.ErrIO) {
		t.Fatalf("gen --keep error = %v, want ErrIO", err)
	}
	if info, err := os.Stat(priv); err != nil || !info.IsDir() {
		t.Fatalf("existing entry was replaced: %v", err)
	}
}

func TestGenRefusesTerminalStdout(t *testing.T) {
	var out bytes.Buffer
	opts := Options{Stdout: &out, StdoutInteractive: func() bool { return true }}
	if err := run(t, opts, "gen"); !errors.Is(err, errdefs.ErrIO) {
		t.Fatalf("gen error = %v, want ErrIO", err)
	}
	if out.Len() != 0 {
		t.Fatalf("wrote %d bytes to terminal", out.Len())
	}
}

func TestPubReadsStdin(t *testing.T) {
	var priv bytes.Buffer
	if err := run(t, Options{Stdout: &priv}, "gen"); err != nil {
		t.Fatalf("gen: %v", err)
	}
	var pub bytes.Buffer
	if err := run(t, Options{Stdin: bytes.NewReader(priv.Bytes()), Stdout: &pub}, "pub"); err != nil {
		t.Fatalf("pub: %v", err)
	}
	if pub.Len() != keys.PublicKeySize {
		t.Fatalf("public key is %d bytes, want %d", pub.Len(), keys.PublicKeySize)
	}
}

func TestInstallRejectsMalformedKey(t *testing.T) {
	dir := t.TempDir()
	from := filepath.Join(dir, "leaf1_pubkey.der")
	to := filepath.Join(dir, "store", "leaf1_pubkey.der")
	if err := os.WriteFile(from, []byte("short"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := run(t, Options{}, "install", "--from", from, "--to", to); !errors.Is(err, errdefs.ErrFormat) {
		t.Fatalf("install error = %v, want ErrFormat", err)
	}
	if _, err := os.Stat(to); !os.IsNotExist(err) {
		t.Fatalf("malformed key was installed")
	}
}
