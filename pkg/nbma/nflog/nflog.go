// Package nflog implements an optional NFLOG packet-capture dispatcher:
// a Consumer interface with a logging-only default implementation, with
// no behavioural dependency anywhere else in the daemon. The backend that
// would actually read from a kernel NFLOG group is left as an interface
// (see DESIGN.md); only the logging default is implemented.
package nflog

import (
	"context"

	"github.com/datawire/dlib/dlog"
)

// Packet is one captured datagram, as delivered by an NFLOG group.
type Packet struct {
	Group  int
	Length int
	Prefix string
}

// Consumer receives captured packets. The daemon has no behavioural
// dependency on any Consumer; it exists purely for diagnostics.
type Consumer interface {
	Handle(ctx context.Context, pkt Packet)
}

// LoggingConsumer is the only Consumer this daemon implements: it logs
// each packet at debug level and does nothing else.
type LoggingConsumer struct{}

func (LoggingConsumer) Handle(ctx context.Context, pkt Packet) {
	dlog.Debugf(ctx, "nflog: group=%d length=%d prefix=%q", pkt.Group, pkt.Length, pkt.Prefix)
}

var _ Consumer = LoggingConsumer{}
