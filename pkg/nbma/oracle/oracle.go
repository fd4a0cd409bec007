// Package oracle implements the config-oracle adapter: typed queries
// against an external RPC client, and the four-cadence scheduler that
// keeps them fresh.
package oracle

import "context"

// InstanceAnswer is one entry of a NODE_PIP_BY_INSTANCE_IP reply: the
// oracle's status for the query plus, when OK, the hypervisor node
// currently running the instance.
type InstanceAnswer struct {
	OK   bool
	Node string
}

// MasterInfo is a CLUSTER_MASTER reply.
type MasterInfo struct {
	MasterServiceIP string
	MasterNodeIP    string
}

// Oracle is the external configuration oracle: an opaque RPC client this
// daemon queries but does not implement. Every method delivers its answer
// asynchronously via cb, matching the oracle's native callback-style
// delivery; cb may be invoked on any goroutine; callers that mutate
// shared state from cb must route through the daemon's serialising queue.
type Oracle interface {
	QueryNodePIPList(ctx context.Context, cluster string, cb func(nodes []string, err error))
	QueryMCPIPList(ctx context.Context, cluster string, cb func(mcs []string, err error))
	QueryInstancesIPList(ctx context.Context, cluster, link string, cb func(instances []string, err error))
	QueryNodePIPByInstanceIP(ctx context.Context, cluster, link string, instances []string, cb func(answers map[string]InstanceAnswer, err error))
	QueryClusterMaster(ctx context.Context, cluster string, cb func(info MasterInfo, err error))
}

// ResponseHandler receives routed oracle answers, implemented by the
// reconciler. Queries that fail are logged and dropped by the Scheduler
// before reaching here; the per-instance status inside a
// NODE_PIP_BY_INSTANCE_IP answer is passed through as InstanceAnswer.OK.
//
// There is no HandleInstanceList: a plain instance list's entire handling
// is the scheduler's immediate NODE_PIP_BY_INSTANCE_IP fan-out; only that
// follow-up query's answer reaches the reconciler, as
// HandleInstanceNodeMapping.
type ResponseHandler interface {
	HandleNodeList(ctx context.Context, cluster string, nodes []string)
	HandleMCList(ctx context.Context, cluster string, mcs []string)
	HandleInstanceNodeMapping(ctx context.Context, cluster, link string, answers map[string]InstanceAnswer)
	HandleMaster(ctx context.Context, cluster string, info MasterInfo)
}
