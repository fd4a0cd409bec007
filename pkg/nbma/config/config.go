package config

import (
	"os"

	"github.com/hashicorp/go-multierror"

	"github.com/ganeti/nbmad/pkg/nbma/constants"
	"github.com/ganeti/nbmad/pkg/nbma/nbmaerrors"
)

// RoutingBinding pairs a routing table id with the tunnel interface it is
// served over. Two fragments naming the same table id with different
// interfaces is a ConfigurationError.
type RoutingBinding struct {
	TableID   string
	Interface string
}

// ClusterConfig is the per-cluster configuration tuple.
type ClusterConfig struct {
	Name                 string
	MCListFile           string
	MCListUpdate         bool
	HMACKeyFile          string
	HMACKey              []byte
	MasterNBMAInterface  string
}

// NLDConfig is the fully assembled, validated process configuration.
type NLDConfig struct {
	// Endpoints are this daemon's externally-reachable peer addresses,
	// accumulated across every fragment file.
	Endpoints []string

	// RoutingBindings is keyed by table id.
	RoutingBindings map[string]*RoutingBinding

	// Clusters is keyed by cluster name; always contains at least one
	// entry (synthesised "default" if none was declared).
	Clusters map[string]*ClusterConfig
}

// FromConfigFiles loads and merges every fragment in paths. Per-file read
// or parse failures, duplicate endpoints and table conflicts are found
// while each file is merged and aggregated with go-multierror so one bad
// file doesn't hide errors in the others; they are reported together as a
// single ConfigurationError. The checks that need every file merged (no
// endpoints, missing HMAC key) run afterwards and fail fast on the first
// problem.
func FromConfigFiles(paths []string) (*NLDConfig, error) {
	cfg := &NLDConfig{
		RoutingBindings: make(map[string]*RoutingBinding),
		Clusters:        make(map[string]*ClusterConfig),
	}
	seenEndpoints := make(map[string]bool)

	var loadErrs *multierror.Error
	for _, path := range paths {
		frag, err := parseBashFragment(path)
		if err != nil {
			loadErrs = multierror.Append(loadErrs, err)
			continue
		}
		if err := cfg.mergeFragment(frag, seenEndpoints); err != nil {
			loadErrs = multierror.Append(loadErrs, err)
		}
	}
	if loadErrs.ErrorOrNil() != nil {
		return nil, nbmaerrors.NewConfigurationError("loading config files: %v", loadErrs)
	}

	if len(cfg.RoutingBindings) == 0 {
		cfg.RoutingBindings[constants.DefaultRoutingTable] = &RoutingBinding{
			TableID:   constants.DefaultRoutingTable,
			Interface: constants.DefaultTunnelInterface,
		}
	}
	if len(cfg.Clusters) == 0 {
		cfg.Clusters[constants.DefaultClusterName] = &ClusterConfig{Name: constants.DefaultClusterName}
	}
	if len(cfg.Endpoints) == 0 {
		return nil, nbmaerrors.NewConfigurationError("no endpoint_external_ip declared")
	}

	for _, cluster := range cfg.Clusters {
		if cluster.HMACKeyFile == "" {
			return nil, nbmaerrors.NewConfigurationError("cluster %q has no hmac_key_file", cluster.Name)
		}
		key, err := os.ReadFile(cluster.HMACKeyFile)
		if err != nil {
			return nil, nbmaerrors.NewConfigurationError("reading hmac_key_file for cluster %q: %v", cluster.Name, err)
		}
		cluster.HMACKey = key
	}

	return cfg, nil
}

// mergeFragment folds one parsed file into cfg. Keys not present in frag
// are left at their zero value; cluster-scoped keys bind to cluster_name
// when present in the same file, or to the default cluster otherwise.
func (cfg *NLDConfig) mergeFragment(frag fragment, seenEndpoints map[string]bool) error {
	if ep, ok := frag["endpoint_external_ip"]; ok {
		if seenEndpoints[ep] {
			return nbmaerrors.NewConfigurationError("duplicate endpoint_external_ip %q", ep)
		}
		seenEndpoints[ep] = true
		cfg.Endpoints = append(cfg.Endpoints, ep)
	}

	if _, hasTable := frag["routing_table"]; hasTable {
		if err := cfg.mergeRoutingBinding(frag); err != nil {
			return err
		}
	} else if _, hasIface := frag["gre_interface"]; hasIface {
		if err := cfg.mergeRoutingBinding(frag); err != nil {
			return err
		}
	}

	name := frag["cluster_name"]
	if name == "" {
		if _, hasMC := frag["mc_list_file"]; !hasMC {
			if _, hasUpd := frag["mc_list_update"]; !hasUpd {
				if _, hasKey := frag["hmac_key_file"]; !hasKey {
					if _, hasIf := frag["master_nbma_interface"]; !hasIf {
						return nil
					}
				}
			}
		}
		name = constants.DefaultClusterName
	}

	cluster := cfg.Clusters[name]
	if cluster == nil {
		cluster = &ClusterConfig{Name: name}
		cfg.Clusters[name] = cluster
	}
	if v, ok := frag["mc_list_file"]; ok {
		cluster.MCListFile = v
	}
	if v, ok := frag["mc_list_update"]; ok {
		cluster.MCListUpdate = v == "1"
	}
	if v, ok := frag["hmac_key_file"]; ok {
		cluster.HMACKeyFile = v
	}
	if v, ok := frag["master_nbma_interface"]; ok {
		cluster.MasterNBMAInterface = v
	}
	return nil
}

func (cfg *NLDConfig) mergeRoutingBinding(frag fragment) error {
	tableID := frag["routing_table"]
	if tableID == "" {
		tableID = constants.DefaultRoutingTable
	}
	iface := frag["gre_interface"]
	if iface == "" {
		iface = constants.DefaultTunnelInterface
	}

	if existing, ok := cfg.RoutingBindings[tableID]; ok {
		if existing.Interface != iface {
			return nbmaerrors.NewConfigurationError(
				"routing table %q bound to both %q and %q", tableID, existing.Interface, iface)
		}
		return nil
	}
	cfg.RoutingBindings[tableID] = &RoutingBinding{TableID: tableID, Interface: iface}
	return nil
}
