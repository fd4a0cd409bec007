package daemon

import (
	"context"
	"sort"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"

	"github.com/ganeti/nbmad/pkg/nbma/codec"
	"github.com/ganeti/nbmad/pkg/nbma/config"
	"github.com/ganeti/nbmad/pkg/nbma/kernel"
	"github.com/ganeti/nbmad/pkg/nbma/nbmaerrors"
	"github.com/ganeti/nbmad/pkg/nbma/oracle"
	"github.com/ganeti/nbmad/pkg/nbma/peerset"
	"github.com/ganeti/nbmad/pkg/nbma/protocol"
	"github.com/ganeti/nbmad/pkg/nbma/reconcile"
	"github.com/ganeti/nbmad/pkg/nbma/transport"
)

// Daemon wires every component named in spec §4 onto the single-consumer
// event loop of §4.I / §5: one worker goroutine drains a queue of
// closures, and everything that touches shared state -- the peer-set
// registry, the per-cluster caches, the client tracker's pending table --
// is enqueued onto it instead of mutated directly from whichever
// goroutine produced the event (the UDP reader, an oracle callback, the
// expiry sweep).
type Daemon struct {
	cfg       *config.NLDConfig
	socket    *transport.Socket
	processor *protocol.Processor
	tracker   *transport.Tracker
	peerset   *peerset.Manager
	netTables *kernel.NetworkTables

	reconcilers map[string]*reconcile.Reconciler
	schedulers  []*oracle.Scheduler

	work chan func(context.Context) error
}

// New assembles a Daemon from cfg. o answers the five config-oracle
// queries for every registered cluster (spec §4.G); runner executes the
// `ip` invocations behind the network-table effectors (spec §4.A); fw is
// the trust-chain swap built on the pre-created GNT_TRUST chain.
func New(cfg *config.NLDConfig, o oracle.Oracle, runner kernel.Runner, fw *kernel.Firewall) (*Daemon, error) {
	netTables := kernel.NewNetworkTables(runner)
	ps := peerset.NewManager(fw)
	processor := protocol.NewProcessor(keyLookupFor(cfg))

	d := &Daemon{
		cfg:         cfg,
		processor:   processor,
		peerset:     ps,
		netTables:   netTables,
		reconcilers: make(map[string]*reconcile.Reconciler),
		work:        make(chan func(context.Context) error, 64),
	}

	links := tunnelLinks(cfg)

	for name, cc := range cfg.Clusters {
		if err := ps.Register(name); err != nil {
			return nil, err
		}
		rec := reconcile.New(name, cc.MCListFile, cc.MCListUpdate, cc.MasterNBMAInterface, ps, netTables)
		d.reconcilers[name] = rec

		sched := oracle.NewScheduler(o, rec, d.Enqueue, name, links)
		d.schedulers = append(d.schedulers, sched)
		processor.RegisterRefresher(name, sched)
	}

	return d, nil
}

// tunnelLinks returns the sorted set of tunnel interface names bound in
// cfg, the iteration set the per-cluster instance-list queries drive over
// (spec §3, "the set of tunnel_link keys drives the iteration in
// instance-list queries").
func tunnelLinks(cfg *config.NLDConfig) []string {
	seen := make(map[string]bool, len(cfg.RoutingBindings))
	links := make([]string, 0, len(cfg.RoutingBindings))
	for _, rb := range cfg.RoutingBindings {
		if seen[rb.Interface] {
			continue
		}
		seen[rb.Interface] = true
		links = append(links, rb.Interface)
	}
	sort.Strings(links)
	return links
}

// keyLookupFor builds a codec.KeyLookup over cfg's per-cluster HMAC keys.
// The codec never learns about clusters beyond this selector → key map
// (spec §9, "HMAC key lookup by selector").
func keyLookupFor(cfg *config.NLDConfig) codec.KeyLookup {
	return func(selector string) ([]byte, bool) {
		cc, ok := cfg.Clusters[selector]
		if !ok {
			return nil, false
		}
		return cc.HMACKey, true
	}
}

// Enqueue submits fn to the daemon's single serialising worker. Every
// oracle.Scheduler is handed this as its Enqueue, and the UDP dispatcher
// uses it directly for both the request and the reply path.
func (d *Daemon) Enqueue(fn func(ctx context.Context) error) {
	d.work <- fn
}

// Run binds the UDP socket at (bindAddress, port) and drives the daemon
// until ctx is cancelled: one worker goroutine, one UDP reader goroutine,
// one expiry-sweep goroutine that enqueues a pending-request expiry pass
// every second, and one goroutine per registered cluster's oracle
// scheduler, all supervised by a dgroup.Group.
func (d *Daemon) Run(ctx context.Context, bindAddress string, port int) error {
	socket, err := transport.Listen(bindAddress, port)
	if err != nil {
		return errors.Wrapf(err, "binding nbma socket on %s:%d", bindAddress, port)
	}
	d.socket = socket
	d.tracker = transport.NewTracker(socket, keyLookupFor(d.cfg), d.handleUpcall)

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		EnableSignalHandling: true,
	})

	g.Go("worker", func(ctx context.Context) error {
		defer socket.Close()
		return d.workerLoop(ctx)
	})

	g.Go("udp-reader", func(ctx context.Context) error {
		if err := socket.ReadLoop(ctx, d.handleDatagram); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})

	g.Go("expiry-sweep", func(ctx context.Context) error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				d.Enqueue(func(ctx context.Context) error {
					d.tracker.ExpireRequests(ctx, time.Now())
					return nil
				})
			}
		}
	})

	for _, sched := range d.schedulers {
		sched := sched
		g.Go("oracle-"+sched.Cluster(), sched.Run)
	}

	return g.Wait()
}

// workerLoop is the daemon's single-consumer event loop: every mutation
// of shared state (peer-set registry, reconciler caches, pending-request
// table) flows through here, never directly from the goroutine that
// observed the triggering event (spec §5).
func (d *Daemon) workerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-d.work:
			if err := fn(ctx); err != nil {
				dlog.Errorf(ctx, "worker: %v", err)
			}
		}
	}
}

// handleDatagram implements spec §4.D's inbound dispatch: peek at
// is_request on the not-yet-verified inner message to choose a path, then
// hand the raw frame to whichever path does the actual, HMAC-verified
// Unpack. Both paths run on the worker, not on the UDP reader goroutine.
func (d *Daemon) handleDatagram(ctx context.Context, payload []byte, ip string, port int) {
	inner, err := codec.PeekInner(payload)
	if err != nil {
		dlog.Debugf(ctx, "dropping broken datagram from %s:%d: %v", ip, port, err)
		return
	}

	isRequest, present, err := protocol.IsRequestDiscriminator(inner)
	if err != nil || !present {
		dlog.Infof(ctx, "dropping datagram from %s:%d with no is_request field", ip, port)
		return
	}

	d.Enqueue(func(ctx context.Context) error {
		if isRequest {
			d.handleRequest(ctx, payload, ip, port)
		} else {
			d.tracker.HandleReply(ctx, payload, ip, port)
		}
		return nil
	})
}

func (d *Daemon) handleRequest(ctx context.Context, payload []byte, ip string, port int) {
	out := d.processor.ExecQuery(ctx, payload, ip, port)
	if out == nil {
		return
	}
	if err := d.socket.EnqueueSend(ip, port, out); err != nil {
		dlog.Errorf(ctx, "sending reply to %s:%d: %v", ip, port, err)
	}
}

// handleUpcall is the client tracker's callback (spec §4.F). It is
// invoked synchronously from the worker, since HandleReply and
// ExpireRequests are themselves only ever called from there.
func (d *Daemon) handleUpcall(u transport.Upcall) {
	switch u.Type {
	case transport.UpcallReply:
		dlog.Debugf(context.Background(), "reply [salt=%s] from %s:%d: status=%d", u.Salt, u.ServerIP, u.ServerPort, u.ServerReply.Status)
	case transport.UpcallExpire:
		dlog.Debugf(context.Background(), "request [salt=%s] expired unanswered", u.Salt)
	}
}

// SendRequest sends req to (destination, port) signed under cluster's
// key, tracking it for a REPLY or EXPIRE upcall. It is exposed for
// operator tooling (e.g. a CLI "ping" subcommand) built on top of the
// running daemon's tracker; the daemon itself never originates requests
// on its own initiative.
func (d *Daemon) SendRequest(ctx context.Context, req *protocol.Request, cluster, destination string, port int, args interface{}) error {
	if d.tracker == nil {
		return nbmaerrors.NewNLDClientError("daemon is not running")
	}
	return d.tracker.SendRequest(ctx, req, cluster, destination, port, args)
}

// Cluster returns the reconciler registered for name, or nil.
func (d *Daemon) Cluster(name string) *reconcile.Reconciler {
	return d.reconcilers[name]
}
