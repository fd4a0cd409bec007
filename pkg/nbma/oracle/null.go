package oracle

import (
	"context"
	"errors"
)

// errNoOracle is returned by NullOracle to every query.
var errNoOracle = errors.New("no config-oracle backend configured")

// NullOracle is the default Oracle until a real backend is wired in. The
// external configuration oracle (Ganeti's confd, reached over its own RPC
// protocol) is out of scope for this daemon: it is modelled here only as
// the Oracle interface. NullOracle lets the rest of the daemon -- the
// scheduler, the reconciler, the UDP control protocol -- start and run
// against a cleanly failing backend instead of the process needing a real
// confd client compiled in just to exercise everything else; every query
// answers with errNoOracle, which the scheduler logs and retries on its
// next tick. Oracle failures are never fatal.
type NullOracle struct{}

func (NullOracle) QueryNodePIPList(_ context.Context, _ string, cb func(nodes []string, err error)) {
	cb(nil, errNoOracle)
}

func (NullOracle) QueryMCPIPList(_ context.Context, _ string, cb func(mcs []string, err error)) {
	cb(nil, errNoOracle)
}

func (NullOracle) QueryInstancesIPList(_ context.Context, _, _ string, cb func(instances []string, err error)) {
	cb(nil, errNoOracle)
}

func (NullOracle) QueryNodePIPByInstanceIP(_ context.Context, _, _ string, _ []string, cb func(answers map[string]InstanceAnswer, err error)) {
	cb(nil, errNoOracle)
}

func (NullOracle) QueryClusterMaster(_ context.Context, _ string, cb func(info MasterInfo, err error)) {
	cb(MasterInfo{}, errNoOracle)
}

var _ Oracle = NullOracle{}
