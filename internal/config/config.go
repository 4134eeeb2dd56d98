// Package config loads the operator settings for the testbed. The topology
// itself is a fixed blueprint; the settings only choose the sandbox runtime,
// the bridging element and where state lives on the orchestrator.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no --config flag is given.
const DefaultPath = "/etc/tunnelbed/config.yaml"

const (
	RuntimeDocker  = "docker"
	RuntimeLibvirt = "libvirt"

	BridgeLinux = "linux"
	BridgeOVS   = "ovs"
)

// Config is the on-disk configuration.
type Config struct {
	Runtime RuntimeConfig `yaml:"runtime"`
	Network NetworkConfig `yaml:"network"`
	Keys    KeysConfig    `yaml:"keys"`
	// StateDir holds per-host key directories and the shared exchange area.
	StateDir string `yaml:"state_dir"`
}

type RuntimeConfig struct {
	Driver     string `yaml:"driver"`
	Image      string `yaml:"image"`
	LibvirtURI string `yaml:"libvirt_uri"`
	NamePrefix string `yaml:"name_prefix"`
	MemoryMB   int    `yaml:"memory_mb"`
}

type NetworkConfig struct {
	Bridge     string `yaml:"bridge"`
	BridgeKind string `yaml:"bridge_kind"`
	RuleTable  string `yaml:"rule_table"`
}

// KeysConfig describes where key material is visible inside a sandbox.
type KeysConfig struct {
	Dir         string `yaml:"dir"`
	ExchangeDir string `yaml:"exchange_dir"`
	HelperDir   string `yaml:"helper_dir"`
}

// Default mirrors the layout the testbed was designed around.
var Default = Config{
	Runtime: RuntimeConfig{
		Driver:     RuntimeDocker,
		Image:      "debian:bookworm-slim",
		LibvirtURI: "lxc:///system",
		NamePrefix: "tb-",
		MemoryMB:   256,
	},
	Network: NetworkConfig{
		Bridge:     "tb-br0",
		BridgeKind: BridgeLinux,
		RuleTable:  "tunnelbed",
	},
	Keys: KeysConfig{
		Dir:         "/vpn/keys",
		ExchangeDir: "/vpn/exchange",
		HelperDir:   "/opt/tunnelbed/bin",
	},
	StateDir: "/var/lib/tunnelbed",
}

var envOverrides = []struct {
	name  string
	apply func(*Config, string)
}{
	{"TUNNELBED_RUNTIME", func(c *Config, v string) { c.Runtime.Driver = v }},
	{"TUNNELBED_IMAGE", func(c *Config, v string) { c.Runtime.Image = v }},
	{"TUNNELBED_LIBVIRT_URI", func(c *Config, v string) { c.Runtime.LibvirtURI = v }},
	{"TUNNELBED_BRIDGE", func(c *Config, v string) { c.Network.Bridge = v }},
	{"TUNNELBED_BRIDGE_KIND", func(c *Config, v string) { c.Network.BridgeKind = v }},
	{"TUNNELBED_STATE_DIR", func(c *Config, v string) { c.StateDir = v }},
}

// Load reads path on top of Default. A missing file is not an error when path
// is DefaultPath or empty; an explicitly named file must exist. envFile, if
// set, is loaded into the process environment before overrides are applied.
func Load(path, envFile string) (Config, error) {
	cfg := Default

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	explicit := path != "" && path != DefaultPath
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	for _, o := range envOverrides {
		if v := strings.TrimSpace(os.Getenv(o.name)); v != "" {
			o.apply(&cfg, v)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the orchestrator cannot act on.
func (c Config) Validate() error {
	switch c.Runtime.Driver {
	case RuntimeDocker, RuntimeLibvirt:
	default:
		return fmt.Errorf("unknown runtime driver %q", c.Runtime.Driver)
	}
	switch c.Network.BridgeKind {
	case BridgeLinux, BridgeOVS:
	default:
		return fmt.Errorf("unknown bridge kind %q", c.Network.BridgeKind)
	}
	if c.Network.Bridge == "" || len(c.Network.Bridge) > 15 {
		return fmt.Errorf("bridge name %q must be 1-15 characters", c.Network.Bridge)
	}
	if c.Network.RuleTable == "" {
		return errors.New("rule table name is required")
	}
	if len(c.Runtime.NamePrefix) > 16 {
		return fmt.Errorf("name prefix %q is too long", c.Runtime.NamePrefix)
	}
	if !filepath.IsAbs(c.StateDir) {
		return fmt.Errorf("state_dir %q must be absolute", c.StateDir)
	}
	for _, dir := range []string{c.Keys.Dir, c.Keys.ExchangeDir, c.Keys.HelperDir} {
		if !filepath.IsAbs(dir) {
			return fmt.Errorf("sandbox path %q must be absolute", dir)
		}
	}
	return nil
}

// ExchangeDir is the orchestrator-side directory mounted into every sandbox
// as the shared exchange area.
func (c Config) ExchangeDir() string {
	return filepath.Join(c.StateDir, "exchange")
}

// HostKeyDir is the orchestrator-side directory mounted as host's key
// directory.
func (c Config) HostKeyDir(host string) string {
	return filepath.Join(c.StateDir, "hosts", host, "keys")
}

// Marshal renders the effective configuration.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
