// Package netstate owns the orchestrator's view of kernel networking: veth
// pairs, the bridge, packet filter rule sets and the forwarding flag. All
// mutations go through a NetworkState so they can be serialized and, in tests,
// pointed at an in-memory backend.
package netstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/cochaviz/tunnelbed/internal/errdefs"
	"github.com/cochaviz/tunnelbed/internal/logging"
	"github.com/cochaviz/tunnelbed/internal/topology"
)

// Backend performs the actual networking operations. Every ns argument is a
// namespace path; the empty string is the orchestrator's own namespace.
// Lookups of absent objects report errdefs.ErrNotFound, creation of present
// ones errdefs.ErrAlreadyExists, and unusable namespace paths
// errdefs.ErrNamespace.
type Backend interface {
	CreateVeth(ctx context.Context, name, peer string) error
	LinkExists(ctx context.Context, ns, name string) (bool, error)
	MoveLink(ctx context.Context, name, ns, rename string) error
	SetLinkUp(ctx context.Context, ns, name string) error
	SetLinkDown(ctx context.Context, ns, name string) error
	DeleteLink(ctx context.Context, ns, name string) error
	ReplaceAddr(ctx context.Context, ns, name string, addr netip.Prefix) error
	ReplaceDefaultRoute(ctx context.Context, ns, dev string, gw netip.Addr) error

	EnsureBridge(ctx context.Context, name string) error
	BridgeExists(ctx context.Context, name string) (bool, error)
	AttachPort(ctx context.Context, bridge, port string) error
	DeleteBridge(ctx context.Context, name string) error

	ApplyRules(ctx context.Context, ns string, rs topology.RuleSet) error
	RulesExist(ctx context.Context, ns, table string) (bool, error)
	DeleteRules(ctx context.Context, ns, table string) error

	EnableForwarding(ctx context.Context, ns string) error
	Forwarding(ctx context.Context, ns string) (bool, error)

	// Inspect reads addresses, routes, rule sets and forwarding back.
	Inspect(ctx context.Context, ns string) (topology.Namespace, error)
}

// NamespaceError reports an endpoint move into a namespace that cannot be
// resolved yet, usually because the host sandbox is not running.
type NamespaceError struct {
	Endpoint string
	Host     string
	Err      error
}

func (e *NamespaceError) Error() string {
	msg := fmt.Sprintf("move %s into %s: namespace not resolvable", e.Endpoint, e.Host)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NamespaceError) Unwrap() []error {
	if e.Err == nil {
		return []error{errdefs.ErrNamespace}
	}
	return []error{errdefs.ErrNamespace, e.Err}
}

// NetworkState is the single owner of orchestrator-side networking state.
type NetworkState struct {
	backend Backend
	logger  *slog.Logger

	// mu serializes writes to rule sets and forwarding flags.
	mu sync.Mutex
}

// New returns a NetworkState over backend.
func New(backend Backend, logger *slog.Logger) *NetworkState {
	return &NetworkState{
		backend: backend,
		logger:  logging.Ensure(logger).With("component", "netstate"),
	}
}

// CreateLink allocates a veth pair in the orchestrator namespace.
func (s *NetworkState) CreateLink(ctx context.Context, a, b string) error {
	if err := s.backend.CreateVeth(ctx, a, b); err != nil {
		return fmt.Errorf("create link %s/%s: %w", a, b, err)
	}
	s.logger.Debug("link created", "a", a, "b", b)
	return nil
}

// MoveInto moves an orchestrator-side endpoint into the namespace at nsPath,
// renaming it on the way. An empty or unusable nsPath is a NamespaceError.
func (s *NetworkState) MoveInto(ctx context.Context, endpoint, host, nsPath, rename string) error {
	if nsPath == "" {
		return &NamespaceError{Endpoint: endpoint, Host: host}
	}
	if err := s.backend.MoveLink(ctx, endpoint, nsPath, rename); err != nil {
		if errors.Is(err, errdefs.ErrNamespace) {
			return &NamespaceError{Endpoint: endpoint, Host: host, Err: err}
		}
		return fmt.Errorf("move %s into %s: %w", endpoint, host, err)
	}
	s.logger.Debug("endpoint moved", "endpoint", endpoint, "host", host, "name", rename)
	return nil
}

// Activate brings an interface up.
func (s *NetworkState) Activate(ctx context.Context, nsPath, name string) error {
	if err := s.backend.SetLinkUp(ctx, nsPath, name); err != nil {
		return fmt.Errorf("activate %s: %w", name, err)
	}
	return nil
}

// DestroyLink deletes an orchestrator-side endpoint, and with it the pair.
// An absent link is not an error.
func (s *NetworkState) DestroyLink(ctx context.Context, name string) error {
	err := s.backend.DeleteLink(ctx, "", name)
	if err == nil {
		s.logger.Debug("link destroyed", "name", name)
		return nil
	}
	if errdefs.IsNotFound(err) {
		return nil
	}
	return fmt.Errorf("destroy link %s: %w", name, err)
}

// LinkPresent reports whether name exists in the namespace at nsPath.
func (s *NetworkState) LinkPresent(ctx context.Context, nsPath, name string) (bool, error) {
	return s.backend.LinkExists(ctx, nsPath, name)
}

// ConfigureEndpoint activates an endpoint in its final namespace, assigns its
// address and installs its default route. All three are safe to repeat.
func (s *NetworkState) ConfigureEndpoint(ctx context.Context, nsPath string, e topology.Endpoint) error {
	name := e.FinalName()
	if err := s.Activate(ctx, nsPath, name); err != nil {
		return err
	}
	if e.Address.IsValid() {
		if err := s.backend.ReplaceAddr(ctx, nsPath, name, e.Address); err != nil {
			return fmt.Errorf("address %s on %s: %w", e.Address, name, err)
		}
	}
	if e.Gateway.IsValid() {
		if err := s.backend.ReplaceDefaultRoute(ctx, nsPath, name, e.Gateway); err != nil {
			return fmt.Errorf("default route via %s on %s: %w", e.Gateway, name, err)
		}
	}
	return nil
}

// EnsureBridge creates the bridge if needed, enslaves ports, activates it and
// assigns its address.
func (s *NetworkState) EnsureBridge(ctx context.Context, br topology.Bridge, ports []string) error {
	if err := s.backend.EnsureBridge(ctx, br.Name); err != nil {
		return fmt.Errorf("bridge %s: %w", br.Name, err)
	}
	for _, port := range ports {
		if err := s.backend.AttachPort(ctx, br.Name, port); err != nil {
			return fmt.Errorf("attach %s to %s: %w", port, br.Name, err)
		}
	}
	if err := s.Activate(ctx, "", br.Name); err != nil {
		return err
	}
	if br.Address.IsValid() {
		if err := s.backend.ReplaceAddr(ctx, "", br.Name, br.Address); err != nil {
			return fmt.Errorf("address %s on %s: %w", br.Address, br.Name, err)
		}
	}
	return nil
}

// BridgePresent reports whether the bridge exists.
func (s *NetworkState) BridgePresent(ctx context.Context, name string) (bool, error) {
	return s.backend.BridgeExists(ctx, name)
}

// DestroyBridge brings the bridge down and removes it if present.
func (s *NetworkState) DestroyBridge(ctx context.Context, name string) error {
	present, err := s.backend.BridgeExists(ctx, name)
	if err != nil {
		return fmt.Errorf("bridge %s: %w", name, err)
	}
	if !present {
		return nil
	}
	if err := s.backend.SetLinkDown(ctx, "", name); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("bring %s down: %w", name, err)
	}
	if err := s.backend.DeleteBridge(ctx, name); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("delete bridge %s: %w", name, err)
	}
	s.logger.Debug("bridge destroyed", "name", name)
	return nil
}

// ApplyRules installs rs in the namespace at nsPath, replacing any previous
// table of the same name.
func (s *NetworkState) ApplyRules(ctx context.Context, nsPath string, rs topology.RuleSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.ApplyRules(ctx, nsPath, rs); err != nil {
		return fmt.Errorf("rule table %s: %w", rs.Table, err)
	}
	return nil
}

// RulesPresent reports whether table exists in the namespace at nsPath.
func (s *NetworkState) RulesPresent(ctx context.Context, nsPath, table string) (bool, error) {
	return s.backend.RulesExist(ctx, nsPath, table)
}

// RemoveRules deletes table if present.
func (s *NetworkState) RemoveRules(ctx context.Context, nsPath, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.DeleteRules(ctx, nsPath, table); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove rule table %s: %w", table, err)
	}
	return nil
}

// EnableForwarding turns on IPv4 forwarding in the namespace at nsPath.
func (s *NetworkState) EnableForwarding(ctx context.Context, nsPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.EnableForwarding(ctx, nsPath); err != nil {
		return fmt.Errorf("enable forwarding: %w", err)
	}
	return nil
}

// ForwardingEnabled reports the IPv4 forwarding flag.
func (s *NetworkState) ForwardingEnabled(ctx context.Context, nsPath string) (bool, error) {
	return s.backend.Forwarding(ctx, nsPath)
}

// View reads back every namespace in paths, keyed like topology.NetworkView.
func (s *NetworkState) View(ctx context.Context, paths map[string]string) (topology.NetworkView, error) {
	view := topology.NetworkView{}
	for host, nsPath := range paths {
		ns, err := s.backend.Inspect(ctx, nsPath)
		if err != nil {
			return nil, fmt.Errorf("inspect %s: %w", host, err)
		}
		view[host] = ns
	}
	return view, nil
}
