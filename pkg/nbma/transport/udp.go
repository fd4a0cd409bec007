// Package transport implements the UDP socket and the client request
// tracker.
package transport

import (
	"context"
	"net"
	"strconv"

	"github.com/datawire/dlib/dlog"

	"github.com/ganeti/nbmad/pkg/nbma/nbmaerrors"
)

// MaxDatagramSize is the largest payload this daemon will attempt to send
// in one datagram, matching IPv4 UDP's practical ceiling.
const MaxDatagramSize = 65507

// Socket is a bound UDP socket used for both sending and receiving NLD
// frames. It performs no framing or signature logic of its own; that lives
// in the codec and protocol packages.
type Socket struct {
	conn *net.UDPConn
}

// Listen binds a UDP socket at (bindAddress, port). An empty bindAddress
// binds all interfaces.
func Listen(bindAddress string, port int) (*Socket, error) {
	ip := net.ParseIP(bindAddress)
	if bindAddress != "" && ip == nil {
		return nil, nbmaerrors.NewConfigurationError("invalid bind address %q", bindAddress)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
	if err != nil {
		return nil, err
	}
	return &Socket{conn: conn}, nil
}

// LocalAddr returns the socket's bound address.
func (s *Socket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Close releases the socket.
func (s *Socket) Close() error { return s.conn.Close() }

// EnqueueSend writes payload to (destination, port), rejecting it up front
// if it would exceed the kernel UDP limit. The name is kept from the
// original's enqueue_send; queueing against a send backlog is the
// responsibility of the daemon's serialising worker, not this type.
func (s *Socket) EnqueueSend(destination string, port int, payload []byte) error {
	if len(payload) > MaxDatagramSize {
		return nbmaerrors.NewUdpDataSizeError(len(payload))
	}
	ip := net.ParseIP(destination)
	if ip == nil {
		return nbmaerrors.NewNLDClientError("invalid destination address %q", destination)
	}
	_, err := s.conn.WriteToUDP(payload, &net.UDPAddr{IP: ip, Port: port})
	return err
}

// DatagramHandler processes one inbound datagram. ip is always the
// dotted-quad source address; port is the source port.
type DatagramHandler func(ctx context.Context, payload []byte, ip string, port int)

// ReadLoop reads datagrams until ctx is cancelled or the socket errors,
// invoking handle for each one in arrival order. It never returns nil;
// ctx.Err() is returned on a clean cancellation.
func (s *Socket) ReadLoop(ctx context.Context, handle DatagramHandler) error {
	buf := make([]byte, 65536)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		dlog.Debugf(ctx, "received %d bytes from %s", n, addr)
		handle(ctx, payload, addr.IP.String(), addr.Port)
	}
}

// ParsePort is a small helper shared by callers building addresses from
// configuration strings.
func ParsePort(s string) (int, error) {
	return strconv.Atoi(s)
}
