// Package bootstrap distributes tunnel keys across the testbed: every host
// generates its own key pair, publishes the public half through the shared
// exchange area, and installs the keys it is meant to trust.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/cochaviz/tunnelbed/internal/config"
	"github.com/cochaviz/tunnelbed/internal/logging"
	"github.com/cochaviz/tunnelbed/internal/sandbox"
	"github.com/cochaviz/tunnelbed/internal/topology"
)

const (
	PrivateKeyFile  = "privkey.der"
	publicKeySuffix = "_pubkey.der"
)

// PublicKeyFile is the file name under which host's public key is published
// and trusted.
func PublicKeyFile(host string) string {
	return host + publicKeySuffix
}

// Bootstrapper runs the key exchange against running sandboxes.
type Bootstrapper struct {
	config  config.Config
	desired topology.Desired
	runtime sandbox.Runtime
	logger  *slog.Logger
}

func New(cfg config.Config, desired topology.Desired, runtime sandbox.Runtime, logger *slog.Logger) *Bootstrapper {
	return &Bootstrapper{
		config:  cfg,
		desired: desired,
		runtime: runtime,
		logger:  logging.Ensure(logger).With("component", "bootstrap"),
	}
}

// Run performs the exchange. Each phase runs on all hosts concurrently and
// completes before the next one starts:
//
//  1. every host generates (or keeps) its private key and publishes its
//     public key to the exchange area;
//  2. the server installs every peer key and each peer installs the server
//     key;
//  3. the exchange area is purged and the trust stores are verified from the
//     orchestrator side.
//
// Published keys never stay in the exchange area, whichever way Run returns.
func (b *Bootstrapper) Run(ctx context.Context) (err error) {
	hosts := b.desired.HostNames()
	if _, ok := b.desired.Host(topology.ServerName); !ok {
		return fmt.Errorf("blueprint has no %s host", topology.ServerName)
	}
	if err := b.purgeExchange(); err != nil {
		return err
	}
	defer func() {
		if purgeErr := b.purgeExchange(); purgeErr != nil {
			err = errors.Join(err, purgeErr)
		}
	}()

	b.logger.Info("publishing public keys", "hosts", len(hosts))
	if err := forEach(ctx, hosts, b.publish); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if err := b.checkPublished(hosts); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	if err := b.pruneTrustStores(hosts); err != nil {
		return err
	}
	b.logger.Info("installing trusted keys")
	if err := forEach(ctx, hosts, b.install); err != nil {
		return fmt.Errorf("install: %w", err)
	}

	if err := b.purgeExchange(); err != nil {
		return err
	}
	if err := b.Verify(); err != nil {
		return err
	}
	b.logger.Info("key bootstrap complete", "server", topology.ServerName, "peers", len(b.desired.Peers()))
	return nil
}

func (b *Bootstrapper) helper(args ...string) []string {
	return append([]string{sandbox.HelperPath(b.config), "key"}, args...)
}

func (b *Bootstrapper) exec(ctx context.Context, host string, argv []string) error {
	b.logger.Debug("running key helper", "host", host, "argv", argv)
	_, err := b.runtime.Exec(ctx, sandbox.Name(b.config, host), argv)
	return err
}

func (b *Bootstrapper) publish(ctx context.Context, host string) error {
	privkey := filepath.Join(b.config.Keys.Dir, PrivateKeyFile)
	if err := b.exec(ctx, host, b.helper("gen", "--out", privkey, "--keep")); err != nil {
		return err
	}
	pubkey := filepath.Join(b.config.Keys.ExchangeDir, PublicKeyFile(host))
	return b.exec(ctx, host, b.helper("pub", "--in", privkey, "--out", pubkey))
}

func (b *Bootstrapper) install(ctx context.Context, host string) error {
	for _, owner := range trustedBy(b.desired, host) {
		argv := b.helper("install",
			"--from", filepath.Join(b.config.Keys.ExchangeDir, PublicKeyFile(owner)),
			"--to", filepath.Join(b.config.Keys.Dir, PublicKeyFile(owner)))
		if err := b.exec(ctx, host, argv); err != nil {
			return err
		}
	}
	return nil
}

// trustedBy lists the hosts whose keys host must trust: the server trusts
// every peer, a peer trusts only the server.
func trustedBy(d topology.Desired, host string) []string {
	if host == topology.ServerName {
		return d.Peers()
	}
	return []string{topology.ServerName}
}

// forEach runs fn for every host concurrently and waits for all of them.
func forEach(ctx context.Context, hosts []string, fn func(context.Context, string) error) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, host := range hosts {
		host := host
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx, host); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", host, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
