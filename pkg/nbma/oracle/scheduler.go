package oracle

import (
	"context"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/ganeti/nbmad/pkg/nbma/constants"
)

// Enqueue routes a unit of work onto the daemon's single serialising
// worker, the same role a translator-worker channel plays for kernel-table
// edits. Every oracle callback is wrapped in an Enqueue call before it
// touches shared state.
type Enqueue func(func(ctx context.Context) error)

// Scheduler drives the four independent per-cluster timers against one
// Oracle, routing answers to handler via enqueue.
type Scheduler struct {
	oracle  Oracle
	handler ResponseHandler
	enqueue Enqueue
	cluster string
	links   []string
}

// NewScheduler builds a Scheduler for cluster, polling the oracle for
// instance lists on every name in links (this node's overlay interfaces).
func NewScheduler(o Oracle, handler ResponseHandler, enqueue Enqueue, cluster string, links []string) *Scheduler {
	return &Scheduler{oracle: o, handler: handler, enqueue: enqueue, cluster: cluster, links: links}
}

// Run drives all four timers until ctx is cancelled, then returns nil. Each timer fires
// immediately on start, then at its fixed period; firing re-arms the
// ticker before the query is sent, so a hung oracle response never delays
// the next scheduled tick.
func (s *Scheduler) Run(ctx context.Context) error {
	nodes := time.NewTicker(constants.NodeListUpdatePeriod)
	mcs := time.NewTicker(constants.MCListUpdatePeriod)
	master := time.NewTicker(constants.MasterUpdatePeriod)
	instances := time.NewTicker(constants.InstanceMapUpdatePeriod)
	defer nodes.Stop()
	defer mcs.Stop()
	defer master.Stop()
	defer instances.Stop()

	s.pollNodes(ctx)
	s.pollMCs(ctx)
	s.pollMaster(ctx)
	s.pollInstances(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-nodes.C:
			s.pollNodes(ctx)
		case <-mcs.C:
			s.pollMCs(ctx)
		case <-master.C:
			s.pollMaster(ctx)
		case <-instances.C:
			s.pollInstances(ctx)
		}
	}
}

func (s *Scheduler) pollNodes(ctx context.Context) {
	s.oracle.QueryNodePIPList(ctx, s.cluster, func(nodes []string, err error) {
		if err != nil {
			dlog.Infof(ctx, "cluster %s: NODE_PIP_LIST failed: %v", s.cluster, err)
			return
		}
		s.enqueue(func(ctx context.Context) error {
			s.handler.HandleNodeList(ctx, s.cluster, nodes)
			return nil
		})
	})
}

func (s *Scheduler) pollMCs(ctx context.Context) {
	s.oracle.QueryMCPIPList(ctx, s.cluster, func(mcs []string, err error) {
		if err != nil {
			dlog.Infof(ctx, "cluster %s: MC_PIP_LIST failed: %v", s.cluster, err)
			return
		}
		s.enqueue(func(ctx context.Context) error {
			s.handler.HandleMCList(ctx, s.cluster, mcs)
			return nil
		})
	})
}

func (s *Scheduler) pollMaster(ctx context.Context) {
	s.oracle.QueryClusterMaster(ctx, s.cluster, func(info MasterInfo, err error) {
		if err != nil {
			dlog.Infof(ctx, "cluster %s: CLUSTER_MASTER failed: %v", s.cluster, err)
			return
		}
		s.enqueue(func(ctx context.Context) error {
			s.handler.HandleMaster(ctx, s.cluster, info)
			return nil
		})
	})
}

// pollInstances issues one INSTANCES_IPS_LIST query per link. The
// original sent only the last-iterated link's query because the send call
// sat outside the per-link loop; this sends one per link, per the
// corrected behaviour.
func (s *Scheduler) pollInstances(ctx context.Context) {
	for _, link := range s.links {
		s.queryInstancesForLink(ctx, link)
	}
}

// queryInstancesForLink sends INSTANCES_IPS_LIST for link; its entire
// response handling is the immediate NODE_PIP_BY_INSTANCE_IP fan-out -- no
// reconciler callback fires until that follow-up answers.
func (s *Scheduler) queryInstancesForLink(ctx context.Context, link string) {
	s.oracle.QueryInstancesIPList(ctx, s.cluster, link, func(instances []string, err error) {
		if err != nil {
			dlog.Infof(ctx, "cluster %s link %s: INSTANCES_IPS_LIST failed: %v", s.cluster, link, err)
			return
		}
		s.oracle.QueryNodePIPByInstanceIP(ctx, s.cluster, link, instances, func(answers map[string]InstanceAnswer, err error) {
			if err != nil {
				dlog.Infof(ctx, "cluster %s link %s: NODE_PIP_BY_INSTANCE_IP failed: %v", s.cluster, link, err)
				return
			}
			s.enqueue(func(ctx context.Context) error {
				s.handler.HandleInstanceNodeMapping(ctx, s.cluster, link, answers)
				return nil
			})
		})
	})
}

// Cluster returns the name of the cluster this scheduler polls for.
func (s *Scheduler) Cluster() string { return s.cluster }

// RefreshInstances forces an immediate out-of-cycle instance-list query
// for every link, driven by an inbound ROUTE_INVALIDATE.
func (s *Scheduler) RefreshInstances(ctx context.Context) {
	s.pollInstances(ctx)
}
