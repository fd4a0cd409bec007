// Package peerset implements the peer-set manager: the aggregator that
// merges per-cluster trusted-peer lists into one
// atomically-swapped firewall chain.
package peerset

import (
	"context"
	"sort"

	"github.com/ganeti/nbmad/pkg/nbma/kernel"
	"github.com/ganeti/nbmad/pkg/nbma/nbmaerrors"
)

// Firewall is the subset of kernel.Firewall the manager needs, so tests can
// substitute a recording fake.
type Firewall interface {
	UpdateIptablesRules(ctx context.Context, ipAddresses []string) error
}

// Manager holds one sorted node list per registered cluster and rebuilds
// the trust chain from the union of every registered cluster's list
// whenever any one of them changes -- passing only the most recently
// updated cluster's list to the rebuild would silently drop every other
// cluster's peers from the firewall.
//
// Not safe for concurrent use; intended to be driven by the daemon's
// single serialising worker.
type Manager struct {
	firewall Firewall
	registry map[string][]string
}

// NewManager constructs a Manager that rebuilds fw on every effective update.
func NewManager(fw Firewall) *Manager {
	return &Manager{
		firewall: fw,
		registry: make(map[string][]string),
	}
}

// Register inserts cluster with a nil node list. Registering the same
// cluster twice is a programmer error.
func (m *Manager) Register(cluster string) error {
	if _, exists := m.registry[cluster]; exists {
		return nbmaerrors.NewProgrammerError("cluster %q already registered in peer set", cluster)
	}
	m.registry[cluster] = nil
	return nil
}

// Update sorts nodes and stores it under cluster. If the sorted list is
// unchanged from the cached value, this is a no-op; otherwise the trust
// chain is rebuilt from the union of every cluster's current list.
func (m *Manager) Update(ctx context.Context, cluster string, nodes []string) error {
	if _, ok := m.registry[cluster]; !ok {
		return nbmaerrors.NewProgrammerError("unknown cluster %q in peer set update", cluster)
	}

	sorted := append([]string(nil), nodes...)
	sort.Strings(sorted)

	prev := m.registry[cluster]
	if stringsEqual(prev, sorted) {
		return nil
	}
	m.registry[cluster] = sorted

	if err := m.firewall.UpdateIptablesRules(ctx, m.merged()); err != nil {
		// Keep the old list so the next Update with this list retries.
		m.registry[cluster] = prev
		return err
	}
	return nil
}

// merged returns the concatenation of every registered cluster's non-nil
// node list, the set the firewall is always rebuilt from.
func (m *Manager) merged() []string {
	var all []string
	for _, nodes := range m.registry {
		if nodes != nil {
			all = append(all, nodes...)
		}
	}
	return all
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var _ Firewall = (*kernel.Firewall)(nil)
