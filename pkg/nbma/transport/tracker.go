package transport

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/ganeti/nbmad/pkg/nbma/codec"
	"github.com/ganeti/nbmad/pkg/nbma/constants"
	"github.com/ganeti/nbmad/pkg/nbma/nbmaerrors"
	"github.com/ganeti/nbmad/pkg/nbma/protocol"
)

// UpcallType distinguishes a delivered reply from an expired request.
type UpcallType int

const (
	// UpcallReply carries a full server reply; every field is populated.
	UpcallReply UpcallType = iota + 1
	// UpcallExpire carries only Salt, OrigRequest and ExtraArgs.
	UpcallExpire
)

// Upcall is delivered synchronously to the tracker's callback, on whatever
// goroutine is draining the datagram (for UpcallReply) or driving the
// expiry sweep (for UpcallExpire). Callers that mutate daemon-wide state
// from inside the callback must do so through the same serialising queue
// everything else uses.
type Upcall struct {
	Salt        string
	Type        UpcallType
	OrigRequest *protocol.Request
	ServerReply *protocol.Reply
	ServerIP    string
	ServerPort  int
	ExtraArgs   interface{}
}

type pendingEntry struct {
	request  *protocol.Request
	args     interface{}
	expireAt time.Time
}

// Callback receives tracker upcalls.
type Callback func(Upcall)

// Tracker correlates outbound requests to their replies by rsalt, expiring
// unanswered requests after constants.NLDClientExpireTimeout.
//
// A Tracker is not safe for concurrent use; the daemon's single serialising
// worker is expected to be its only caller.
type Tracker struct {
	socket   *Socket
	keys     codec.KeyLookup
	callback Callback

	pending map[string]*pendingEntry
	// expireQueue holds salts in expiry order. Because SendRequest always
	// appends with a strictly non-decreasing expireAt (both wall-clock
	// reads come from time.Now(), and the timeout is fixed), a plain
	// append-only slice drained from the front is already sorted; no heap
	// is needed.
	expireQueue []string
}

// NewTracker constructs a Tracker bound to socket, using keys to sign
// outbound requests and verify inbound replies, delivering upcalls to cb.
func NewTracker(socket *Socket, keys codec.KeyLookup, cb Callback) *Tracker {
	return &Tracker{
		socket:   socket,
		keys:     keys,
		callback: cb,
		pending:  make(map[string]*pendingEntry),
	}
}

// SendRequest packs, signs, and sends req to destination:port under
// cluster's key, then registers the pending entry. args is opaque data
// returned unchanged on the eventual REPLY or EXPIRE upcall.
func (t *Tracker) SendRequest(ctx context.Context, req *protocol.Request, cluster, destination string, port int, args interface{}) error {
	if req.RSalt == "" {
		return nbmaerrors.NewNLDClientError("missing request rsalt")
	}

	t.ExpireRequests(ctx, time.Now())

	if _, exists := t.pending[req.RSalt]; exists {
		return nbmaerrors.NewNLDClientError("duplicate request rsalt %q", req.RSalt)
	}
	if _, ok := constants.NLDReqs[req.Type]; !ok {
		return nbmaerrors.NewNLDClientError("invalid request type %d", req.Type)
	}
	key, ok := t.keys(cluster)
	if !ok {
		return nbmaerrors.NewNLDClientError("unknown cluster %q", cluster)
	}

	now := time.Now()
	signed := *req
	signed.Cluster = cluster
	inner, err := json.Marshal(signed)
	if err != nil {
		return nbmaerrors.NewNLDClientError("marshalling request: %v", err)
	}
	salt := strconv.FormatInt(now.Unix(), 10)
	payload, err := codec.Pack(inner, key, salt)
	if err != nil {
		return nbmaerrors.NewNLDClientError("packing request: %v", err)
	}

	if err := t.socket.EnqueueSend(destination, port, payload); err != nil {
		if _, ok := err.(*nbmaerrors.UdpDataSizeError); ok {
			return nbmaerrors.NewNLDClientError("request too big")
		}
		return err
	}

	t.pending[req.RSalt] = &pendingEntry{
		request:  &signed,
		args:     args,
		expireAt: now.Add(constants.NLDClientExpireTimeout),
	}
	t.expireQueue = append(t.expireQueue, req.RSalt)
	return nil
}

// HandleReply unpacks an inbound reply datagram, looks up its pending
// entry, and either delivers a REPLY upcall or silently drops it (broken
// signature, or an unknown/already-expired salt). The expiry queue is
// always swept afterwards.
func (t *Tracker) HandleReply(ctx context.Context, payload []byte, ip string, port int) {
	defer t.ExpireRequests(ctx, time.Now())

	inner, salt, err := codec.Unpack(payload, protocol.ClusterSelector, t.keys)
	if err != nil {
		dlog.Debugf(ctx, "discarding broken reply from %s:%d: %v", ip, port, err)
		return
	}

	entry, ok := t.pending[salt]
	if !ok {
		dlog.Debugf(ctx, "discarding unknown (expired?) reply from %s:%d [salt=%s]", ip, port, salt)
		return
	}
	delete(t.pending, salt)

	var reply protocol.Reply
	if err := json.Unmarshal(inner, &reply); err != nil {
		dlog.Debugf(ctx, "discarding malformed reply from %s:%d: %v", ip, port, err)
		return
	}

	t.callback(Upcall{
		Salt:        salt,
		Type:        UpcallReply,
		OrigRequest: entry.request,
		ServerReply: &reply,
		ServerIP:    ip,
		ServerPort:  port,
		ExtraArgs:   entry.args,
	})
}

// ExpireRequests purges every pending entry whose deadline has passed as
// of now, delivering one EXPIRE upcall per entry, oldest first.
func (t *Tracker) ExpireRequests(ctx context.Context, now time.Time) {
	for len(t.expireQueue) > 0 {
		salt := t.expireQueue[0]
		entry, ok := t.pending[salt]
		if !ok {
			// Already removed by a reply; drop the stale queue head.
			t.expireQueue = t.expireQueue[1:]
			continue
		}
		if now.Before(entry.expireAt) {
			break
		}
		t.expireQueue = t.expireQueue[1:]
		delete(t.pending, salt)
		dlog.Debugf(ctx, "expiring request [salt=%s]", salt)
		t.callback(Upcall{
			Salt:        salt,
			Type:        UpcallExpire,
			OrigRequest: entry.request,
			ExtraArgs:   entry.args,
		})
	}
}

// PendingCount reports the number of in-flight requests, for tests and
// diagnostics.
func (t *Tracker) PendingCount() int { return len(t.pending) }
