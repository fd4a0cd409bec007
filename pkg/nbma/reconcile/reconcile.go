// Package reconcile implements the reconciler: the union of side effects
// driven by oracle answers and inbound ROUTE_INVALIDATE requests, diffing
// each against cached cluster state and applying the minimal kernel and
// firewall updates.
package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/datawire/dlib/dlog"

	"github.com/ganeti/nbmad/pkg/nbma/constants"
	"github.com/ganeti/nbmad/pkg/nbma/oracle"
)

// PeerSetUpdater is the subset of peerset.Manager the reconciler drives.
type PeerSetUpdater interface {
	Update(ctx context.Context, cluster string, nodes []string) error
}

// NetworkTables is the subset of kernel.NetworkTables the reconciler drives.
type NetworkTables interface {
	UpdateNetworkEntry(ctx context.Context, ipAddress, destAddress, ctxKind, iface string) error
}

// masterState tracks the last-seen CLUSTER_MASTER answer for one cluster.
type masterState struct {
	everSet  bool
	service  string
	node     string
}

// Reconciler implements oracle.ResponseHandler for one cluster, holding
// every cache named in the DATA MODEL's ClusterState.
type Reconciler struct {
	cluster      string
	mcListFile   string
	mcListUpdate bool
	masterIface  string

	peerset    PeerSetUpdater
	netTables  NetworkTables

	mcCache       []string
	master        masterState
	instanceCache map[string]map[string]string // link -> instance_ip -> node_ip
}

// New builds a Reconciler for cluster. masterIface is the interface used
// for the cluster's master neighbour entry (master_nbma_interface).
func New(cluster, mcListFile string, mcListUpdate bool, masterIface string, peerset PeerSetUpdater, netTables NetworkTables) *Reconciler {
	return &Reconciler{
		cluster:       cluster,
		mcListFile:    mcListFile,
		mcListUpdate:  mcListUpdate,
		masterIface:   masterIface,
		peerset:       peerset,
		netTables:     netTables,
		instanceCache: make(map[string]map[string]string),
	}
}

var _ oracle.ResponseHandler = (*Reconciler)(nil)

// HandleNodeList logs the full hypervisor node list. The firewall trust
// chain is driven exclusively by the master-candidate list: accepted
// sources are the union of every cluster's last-seen MC list, never the
// wider node list. Feeding the node list into the same registry would have
// the frequent node poll clobber the narrower, less frequently updated MC
// set.
func (r *Reconciler) HandleNodeList(ctx context.Context, cluster string, nodes []string) {
	dlog.Debugf(ctx, "cluster %s: %d hypervisor nodes known", cluster, len(nodes))
}

// HandleMCList diffs mcs against the cached master-candidate list; on
// change it rebuilds the trust chain via the peer-set manager and, when
// mc_list_update is enabled, rewrites mc_list_file.
func (r *Reconciler) HandleMCList(ctx context.Context, cluster string, mcs []string) {
	sorted := append([]string(nil), mcs...)
	sort.Strings(sorted)

	if stringsEqual(sorted, r.mcCache) {
		return
	}

	if err := r.peerset.Update(ctx, cluster, sorted); err != nil {
		dlog.Errorf(ctx, "cluster %s: rebuilding trust chain: %v", cluster, err)
		return
	}
	r.mcCache = sorted

	if r.mcListUpdate && r.mcListFile != "" {
		if err := writeAtomic(r.mcListFile, strings.Join(sorted, "\n")); err != nil {
			dlog.Errorf(ctx, "cluster %s: writing mc_list_file %s: %v", cluster, r.mcListFile, err)
		}
	}
}

// HandleInstanceNodeMapping diffs a NODE_PIP_BY_INSTANCE_IP answer against
// the cached instance->node map for link, applying a neighbour-table
// update for every entry that actually moved.
func (r *Reconciler) HandleInstanceNodeMapping(ctx context.Context, cluster, link string, answers map[string]oracle.InstanceAnswer) {
	cache := r.instanceCache[link]
	if cache == nil {
		cache = make(map[string]string)
		r.instanceCache[link] = cache
	}

	for instance, ans := range answers {
		if !ans.OK {
			dlog.Warnf(ctx, "cluster %s link %s: oracle reports bad status for instance %s", cluster, link, instance)
			continue
		}
		if ans.Node == "" {
			dlog.Warnf(ctx, "cluster %s link %s: oracle returned no node for instance %s", cluster, link, instance)
			continue
		}
		if cache[instance] == ans.Node {
			continue
		}
		if err := r.netTables.UpdateNetworkEntry(ctx, instance, ans.Node, constants.NeighbourContext, link); err != nil {
			dlog.Errorf(ctx, "cluster %s link %s: updating neighbour entry for %s: %v", cluster, link, instance, err)
			continue
		}
		cache[instance] = ans.Node
	}
}

// HandleMaster diffs a CLUSTER_MASTER answer against the cached pair,
// applying a neighbour-table update whenever either half changed. A
// change to the service IP after the first time it was set is logged as
// an anomaly but still applied.
func (r *Reconciler) HandleMaster(ctx context.Context, cluster string, info oracle.MasterInfo) {
	if info.MasterServiceIP == r.master.service && info.MasterNodeIP == r.master.node {
		return
	}
	if r.master.everSet && info.MasterServiceIP != r.master.service {
		dlog.Warnf(ctx, "cluster %s: master service ip changed from %s to %s", cluster, r.master.service, info.MasterServiceIP)
	}

	if err := r.netTables.UpdateNetworkEntry(ctx, info.MasterServiceIP, info.MasterNodeIP, constants.NeighbourContext, r.masterIface); err != nil {
		dlog.Errorf(ctx, "cluster %s: updating master neighbour entry: %v", cluster, err)
		return
	}
	r.master.service = info.MasterServiceIP
	r.master.node = info.MasterNodeIP
	r.master.everSet = true
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

// writeAtomic replaces path's contents with data via a temp-file-plus-
// rename, so a concurrent reader never observes a partial mc_list_file.
func writeAtomic(path, data string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".mc_list_*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.WriteString(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
