// Package keytool is the `key` command group. It runs on the orchestrator and,
// through the bind-mounted helper binary, inside every sandboxed host.
package keytool

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cochaviz/tunnelbed/internal/errdefs"
	"github.com/cochaviz/tunnelbed/internal/keys"
	"github.com/cochaviz/tunnelbed/internal/logging"
)

const (
	privateKeyMode = 0o600
	publicKeyMode  = 0o644
)

// Options wires the command to its standard streams.
type Options struct {
	Stdin  io.Reader
	Stdout io.Writer
	// StdoutInteractive reports whether Stdout is read by a person.
	StdoutInteractive func() bool
	Logger            *slog.Logger
}

// NewCommand returns the `key` command with its gen, pub and install
// subcommands.
func NewCommand(opts Options) *cobra.Command {
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.StdoutInteractive == nil {
		opts.StdoutInteractive = func() bool { return false }
	}
	opts.Logger = logging.Ensure(opts.Logger).With("component", "keytool")

	cmd := &cobra.Command{
		Use:   "key",
		Short: "Generate, derive and install tunnel key material",
	}
	cmd.AddCommand(
		newGenCommand(opts),
		newPubCommand(opts),
		newInstallCommand(opts),
	)
	return cmd
}

func newGenCommand(opts Options) *cobra.Command {
	var (
		out  string
		keep bool
	)
	cmd := &cobra.Command{
		Use:   "gen",
		Args:  cobra.NoArgs,
		Short: "Write a new Ed25519 private key (PKCS#8 DER)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" || out == "-" {
				return keys.Generate(keys.NewSink(opts.Stdout, opts.StdoutInteractive()))
			}
			if keep {
				existing, err := os.ReadFile(out)
				switch {
				case err == nil:
					if _, err := keys.PublicKey(existing); err == nil {
						opts.Logger.Debug("keeping existing private key", "path", out)
						return nil
					}
					opts.Logger.Warn("existing private key is unusable, replacing it", "path", out)
				case !errors.Is(err, os.ErrNotExist):
					return fmt.Errorf("%w: read existing key: %v", errdefs.ErrIO, err)
				}
			}
			var buf bytes.Buffer
			if err := keys.Generate(keys.NewSink(&buf, false)); err != nil {
				return err
			}
			if err := writeFileAtomic(out, buf.Bytes(), privateKeyMode); err != nil {
				return err
			}
			opts.Logger.Debug("private key written", "path", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "Write the key to this file instead of stdout")
	cmd.Flags().BoolVar(&keep, "keep", false, "Keep a valid existing key at --out instead of rotating it")
	return cmd
}

func newPubCommand(opts Options) *cobra.Command {
	var in, out string
	cmd := &cobra.Command{
		Use:   "pub",
		Args:  cobra.NoArgs,
		Short: "Derive the raw 32-byte public key from a private key",
		RunE: func(cmd *cobra.Command, args []string) error {
			der, err := readInput(in, opts.Stdin)
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				return keys.WritePublicKey(der, keys.NewSink(opts.Stdout, opts.StdoutInteractive()))
			}
			var buf bytes.Buffer
			if err := keys.WritePublicKey(der, keys.NewSink(&buf, false)); err != nil {
				return err
			}
			return writeFileAtomic(out, buf.Bytes(), publicKeyMode)
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "Read the private key from this file instead of stdin")
	cmd.Flags().StringVar(&out, "out", "", "Write the public key to this file instead of stdout")
	return cmd
}

func newInstallCommand(opts Options) *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "install",
		Args:  cobra.NoArgs,
		Short: "Copy a published public key into a trust store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if from == "" || to == "" {
				return fmt.Errorf("both --from and --to are required")
			}
			public, err := os.ReadFile(from)
			if err != nil {
				return fmt.Errorf("%w: read %s: %v", errdefs.ErrIO, from, err)
			}
			if err := keys.ValidatePublicKey(public); err != nil {
				return fmt.Errorf("%s: %w", from, err)
			}
			if err := writeFileAtomic(to, public, publicKeyMode); err != nil {
				return err
			}
			opts.Logger.Debug("public key installed", "from", from, "to", to)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Published public key file")
	cmd.Flags().StringVar(&to, "to", "", "Destination inside the trust store")
	return cmd
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "" || path == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("%w: read stdin: %v", errdefs.ErrIO, err)
		}
		return b, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", errdefs.ErrIO, path, err)
	}
	return b, nil
}

// writeFileAtomic replaces path so readers never observe a partial key.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %v", errdefs.ErrIO, dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("%w: create temp file in %s: %v", errdefs.ErrIO, dir, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write %s: %v", errdefs.ErrIO, tmp.Name(), err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: chmod %s: %v", errdefs.ErrIO, tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", errdefs.ErrIO, tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: rename to %s: %v", errdefs.ErrIO, path, err)
	}
	return nil
}
