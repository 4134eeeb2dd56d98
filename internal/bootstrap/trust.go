package bootstrap

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cochaviz/tunnelbed/internal/errdefs"
	"github.com/cochaviz/tunnelbed/internal/keys"
	"github.com/cochaviz/tunnelbed/internal/topology"
)

// ErrTrust reports a trust store that does not match the star model.
var ErrTrust = errors.New("trust store mismatch")

func (b *Bootstrapper) checkPublished(hosts []string) error {
	var errs []error
	for _, host := range hosts {
		path := filepath.Join(b.config.ExchangeDir(), PublicKeyFile(host))
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s did not publish: %v", errdefs.ErrIO, host, err))
			continue
		}
		if err := keys.ValidatePublicKey(data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", host, err))
		}
	}
	return errors.Join(errs...)
}

// purgeExchange removes every published key from the exchange area.
func (b *Bootstrapper) purgeExchange() error {
	names, err := publicKeyFiles(b.config.ExchangeDir())
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := os.Remove(filepath.Join(b.config.ExchangeDir(), name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: purge %s: %v", errdefs.ErrIO, name, err)
		}
	}
	if len(names) > 0 {
		b.logger.Debug("exchange area purged", "files", len(names))
	}
	return nil
}

// pruneTrustStores drops keys left behind by earlier sessions that the
// current trust model does not call for.
func (b *Bootstrapper) pruneTrustStores(hosts []string) error {
	for _, host := range hosts {
		dir := b.config.HostKeyDir(host)
		names, err := publicKeyFiles(dir)
		if err != nil {
			return err
		}
		want := expectedFiles(b.desired, host)
		for _, name := range names {
			if slices.Contains(want, name) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: prune %s of %s: %v", errdefs.ErrIO, name, host, err)
			}
			b.logger.Warn("removed stale trusted key", "host", host, "file", name)
		}
	}
	return nil
}

// Verify checks every trust store: the server holds exactly the peer keys,
// each peer holds exactly the server key, and every installed key matches
// its owner's private key.
func (b *Bootstrapper) Verify() error {
	var errs []error
	owners := map[string][]byte{}
	ownerKey := func(owner string) ([]byte, error) {
		if pub, ok := owners[owner]; ok {
			return pub, nil
		}
		der, err := os.ReadFile(filepath.Join(b.config.HostKeyDir(owner), PrivateKeyFile))
		if err != nil {
			return nil, fmt.Errorf("%w: read private key of %s: %v", errdefs.ErrIO, owner, err)
		}
		pub, err := keys.PublicKey(der)
		if err != nil {
			return nil, fmt.Errorf("private key of %s: %w", owner, err)
		}
		owners[owner] = pub
		return pub, nil
	}

	for _, host := range b.desired.HostNames() {
		dir := b.config.HostKeyDir(host)
		got, err := publicKeyFiles(dir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		want := expectedFiles(b.desired, host)
		if !slices.Equal(got, want) {
			errs = append(errs, fmt.Errorf("%w: %s trusts %v, want %v", ErrTrust, host, got, want))
			continue
		}
		for _, owner := range trustedBy(b.desired, host) {
			expected, err := ownerKey(owner)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			installed, err := os.ReadFile(filepath.Join(dir, PublicKeyFile(owner)))
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %v", errdefs.ErrIO, err))
				continue
			}
			if !bytes.Equal(installed, expected) {
				errs = append(errs, fmt.Errorf("%w: %s holds a key for %s that %s does not own", ErrTrust, host, owner, owner))
			}
		}
	}
	return errors.Join(errs...)
}

func expectedFiles(d topology.Desired, host string) []string {
	owners := trustedBy(d, host)
	files := make([]string, 0, len(owners))
	for _, owner := range owners {
		files = append(files, PublicKeyFile(owner))
	}
	slices.Sort(files)
	return files
}

// publicKeyFiles lists the public key files in dir, sorted. A missing
// directory holds none.
func publicKeyFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), publicKeySuffix) {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}
