package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cochaviz/tunnelbed/internal/config"
	"github.com/cochaviz/tunnelbed/internal/keytool"
	"github.com/cochaviz/tunnelbed/internal/logging"
	"github.com/cochaviz/tunnelbed/internal/netstate"
	"github.com/cochaviz/tunnelbed/internal/orchestrator"
	"github.com/cochaviz/tunnelbed/internal/sandbox"
	"github.com/cochaviz/tunnelbed/internal/topology"
)

const defaultLogLevel = "info"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	app := &app{levelVar: &levelVar, stderr: os.Stderr}
	app.setLogger(logging.New(logging.ModeText, os.Stderr, &levelVar))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(app)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			app.logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		app.logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// app carries what the global flags decide.
type app struct {
	levelVar *slog.LevelVar
	stderr   io.Writer
	logger   *slog.Logger

	configPath string
	envFile    string
}

func (a *app) setLogger(logger *slog.Logger) {
	a.logger = logger
	slog.SetDefault(logger)
}

func newRootCommand(a *app) *cobra.Command {
	var (
		logLevel  string
		logFormat string
	)

	root := &cobra.Command{
		Use:           "tunnelbed",
		Short:         "Provision an overlay-tunnel testbed of sandboxed hosts",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", config.DefaultPath, "Configuration file")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", "", "Load environment overrides from this dotenv file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log output format (text, json)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		mode, err := logging.ParseMode(logFormat)
		if err != nil {
			return err
		}
		a.levelVar.Set(level)
		a.setLogger(logging.New(mode, a.stderr, a.levelVar))
		return nil
	}

	root.AddCommand(
		newApplyCommand(a),
		newDestroyCommand(a),
		newStatusCommand(a),
		newVerifyCommand(a),
		newKeyCommand(a),
		newConfigCommand(a),
	)
	return root
}

func (a *app) loadConfig() (config.Config, error) {
	cfg, err := config.Load(a.configPath, a.envFile)
	if err != nil {
		return config.Config{}, err
	}
	a.logger.Debug("configuration loaded", "path", a.configPath, "runtime", cfg.Runtime.Driver, "bridge", cfg.Network.Bridge)
	return cfg, nil
}

// environment connects to the sandbox runtime and the host network stack.
// The returned func releases the runtime connection.
func (a *app) environment() (*orchestrator.Environment, func(), error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	runtime, err := sandbox.New(cfg.Runtime, sandbox.WithLogger(a.logger.With("component", "sandbox")))
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		if c, ok := runtime.(io.Closer); ok {
			if err := c.Close(); err != nil {
				a.logger.Warn("closing sandbox runtime failed", "error", err)
			}
		}
	}
	backend, err := netstate.NewNetlinkBackend(cfg.Network.BridgeKind, a.logger.With("component", "netstate"))
	if err != nil {
		release()
		return nil, nil, err
	}
	env := &orchestrator.Environment{
		Config:       cfg,
		Desired:      topology.Default(cfg.Network),
		Runtime:      runtime,
		Network:      netstate.New(backend, a.logger.With("component", "netstate")),
		HelperBinary: helperBinary(),
		Logger:       a.logger,
	}
	return env, release, nil
}

// helperBinary is the running executable, mounted into every sandbox so the
// key helper runs there.
func helperBinary() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return exe
}

func requireRoot() error {
	if os.Geteuid() != 0 {
		return errors.New("run me as root")
	}
	return nil
}

func newKeyCommand(a *app) *cobra.Command {
	return keytool.NewCommand(keytool.Options{
		Stdin:             os.Stdin,
		Stdout:            os.Stdout,
		StdoutInteractive: func() bool { return term.IsTerminal(int(os.Stdout.Fd())) },
		Logger:            a.logger,
	})
}

func newConfigCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Args:  cobra.NoArgs,
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	return cmd
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
