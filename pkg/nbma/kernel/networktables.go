package kernel

import (
	"context"
	"strings"

	"github.com/ganeti/nbmad/pkg/nbma/constants"
	"github.com/ganeti/nbmad/pkg/nbma/nbmaerrors"
)

// NetworkTables wraps UpdateNetworkEntry/RemoveNetworkEntry/UpdateNetworkTable
// around a Runner, so the `ip` invocations can be swapped out in tests.
type NetworkTables struct {
	Runner Runner
}

func NewNetworkTables(r Runner) *NetworkTables {
	return &NetworkTables{Runner: r}
}

func checkContext(context string) error {
	if context != constants.NeighbourContext && context != constants.RoutingContext {
		return nbmaerrors.NewProgrammerError("invalid context %q", context)
	}
	return nil
}

// RemoveNetworkEntry deletes ipAddress from the neigh or routing table on
// iface. Exit codes 0 (success) and 2 (non-existent entry) are both
// treated as success, tolerating races against concurrent removals.
func (n *NetworkTables) RemoveNetworkEntry(ctx context.Context, ipAddress, ctxKind, iface string) error {
	if err := checkContext(ctxKind); err != nil {
		return err
	}
	_, exitCode, stderr, err := n.Runner.Run(ctx, "ip", ctxKind, "del", ipAddress, "dev", iface)
	if err != nil {
		return nbmaerrors.NewCommandError(err, "removing %s entry %s on %s", ctxKind, ipAddress, iface)
	}
	if exitCode != 0 && exitCode != 2 {
		return nbmaerrors.NewCommandError(nil, "can't remove network entry %s: %s", ipAddress, stderr)
	}
	return nil
}

// UpdateNetworkEntry replaces (or creates) the entry routing ipAddress to
// destAddress on iface. In the neigh context destAddress is a link-layer
// address and the entry is marked permanent; in the route context it is a
// gateway IP.
func (n *NetworkTables) UpdateNetworkEntry(ctx context.Context, ipAddress, destAddress, ctxKind, iface string) error {
	if err := checkContext(ctxKind); err != nil {
		return err
	}

	var args []string
	if ctxKind == constants.NeighbourContext {
		args = []string{ctxKind, "replace", ipAddress, "lladdr", destAddress, "dev", iface, "nud", "permanent"}
	} else {
		args = []string{ctxKind, "replace", ipAddress, "via", destAddress, "dev", iface}
	}

	_, exitCode, stderr, err := n.Runner.Run(ctx, "ip", args...)
	if err != nil {
		return nbmaerrors.NewCommandError(err, "updating %s entry %s->%s on %s", ctxKind, ipAddress, destAddress, iface)
	}
	if exitCode != 0 {
		return nbmaerrors.NewCommandError(nil, "could not update table: %s", stderr)
	}
	return nil
}

// UpdateNetworkTable brings the neigh or routing table for iface in line
// with instances (a src_ip -> dest_addr mapping): every row whose source
// matches a key in instances is refreshed, and every key of instances not
// already present in the table is added. Rows not named in instances are
// left untouched.
func (n *NetworkTables) UpdateNetworkTable(ctx context.Context, instances map[string]string, ctxKind, iface string) error {
	if err := checkContext(ctxKind); err != nil {
		return err
	}

	stdout, exitCode, stderr, err := n.Runner.Run(ctx, "ip", ctxKind, "show", "dev", iface)
	if err != nil {
		return nbmaerrors.NewCommandError(err, "listing %s table on %s", ctxKind, iface)
	}
	if exitCode != 0 {
		return nbmaerrors.NewCommandError(nil, "could not list table: %s", stderr)
	}

	seen := make(map[string]bool, len(instances))
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		srcIP := strings.Fields(line)[0]
		if destAddr, ok := instances[srcIP]; ok {
			seen[srcIP] = true
			if err := n.UpdateNetworkEntry(ctx, srcIP, destAddr, ctxKind, iface); err != nil {
				return err
			}
		}
	}

	for ip, destAddr := range instances {
		if !seen[ip] {
			if err := n.UpdateNetworkEntry(ctx, ip, destAddr, ctxKind, iface); err != nil {
				return err
			}
		}
	}
	return nil
}
