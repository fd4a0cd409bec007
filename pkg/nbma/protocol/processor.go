package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/ganeti/nbmad/pkg/nbma/codec"
	"github.com/ganeti/nbmad/pkg/nbma/constants"
	"github.com/ganeti/nbmad/pkg/nbma/nbmaerrors"
)

// requiredRequestFields are the JSON keys that must be present (though not
// necessarily non-zero) for a request body to parse at all.
var requiredRequestFields = []string{"protocol", "type", "rsalt", "is_request"}

// Handler answers a single request type. It returns the reply status and
// answer payload.
type Handler func(ctx context.Context, query interface{}) (status int, answer interface{})

// InstanceRefresher is implemented by whatever polls a cluster's instance
// lists (the oracle package's Scheduler). ROUTE_INVALIDATE forces an
// out-of-cycle refresh on every registered cluster, not just the one that
// sent the request.
type InstanceRefresher interface {
	RefreshInstances(ctx context.Context)
}

// Processor validates and answers inbound NLD requests.
type Processor struct {
	keys       codec.KeyLookup
	dispatch   map[int]Handler
	refreshers map[string]InstanceRefresher
}

// NewProcessor builds a Processor whose dispatch table is asserted to
// cover exactly constants.NLDReqs -- the Go stand-in for the original's
// symmetric_difference assertion, since Go has no sum-type exhaustiveness
// check to lean on instead.
func NewProcessor(keys codec.KeyLookup) *Processor {
	p := &Processor{
		keys:       keys,
		refreshers: make(map[string]InstanceRefresher),
	}
	p.dispatch = map[int]Handler{
		constants.ReqPing:            p.handlePing,
		constants.ReqRouteInvalidate: p.handleRouteInvalidate,
	}
	if diff := symmetricDifference(p.dispatch, constants.NLDReqs); len(diff) != 0 {
		panic(fmt.Sprintf("protocol: dispatch table is unaligned with NLDReqs: %v", diff))
	}
	return p
}

func symmetricDifference(dispatch map[int]Handler, reqs map[int]struct{}) []int {
	var diff []int
	for t := range dispatch {
		if _, ok := reqs[t]; !ok {
			diff = append(diff, t)
		}
	}
	for t := range reqs {
		if _, ok := dispatch[t]; !ok {
			diff = append(diff, t)
		}
	}
	return diff
}

// RegisterRefresher adds cluster name's instance refresher to the set invalidated
// by an inbound ROUTE_INVALIDATE.
func (p *Processor) RegisterRefresher(cluster string, r InstanceRefresher) {
	p.refreshers[cluster] = r
}

func (p *Processor) handlePing(_ context.Context, query interface{}) (int, interface{}) {
	if query == nil {
		return constants.ReplStatusOK, "ok"
	}
	return constants.ReplStatusError, "non-empty ping query"
}

func (p *Processor) handleRouteInvalidate(ctx context.Context, query interface{}) (int, interface{}) {
	if query == nil {
		return constants.ReplStatusError, constants.ErrorArgument
	}
	for _, r := range p.refreshers {
		r.RefreshInstances(ctx)
	}
	return constants.ReplStatusOK, "done"
}

// ExtractRequest verifies the signature and clock skew, checks for the
// presence of the cluster field, and parses the body into a typed Request.
func (p *Processor) ExtractRequest(payload []byte, now time.Time) (cluster string, req *Request, err error) {
	inner, salt, err := codec.Unpack(payload, ClusterSelector, p.keys)
	if err != nil {
		return "", nil, err
	}

	ts, err := strconv.ParseInt(salt, 10, 64)
	if err != nil {
		return "", nil, nbmaerrors.NewNLDRequestError("non-integer timestamp: %s", salt)
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > constants.NLDMaxClockSkew {
		return "", nil, nbmaerrors.NewNLDRequestError("outside time range (skew: %s)", skew)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(inner, &raw); err != nil {
		return "", nil, nbmaerrors.NewNLDRequestError("malformed request body: %v", err)
	}
	if _, ok := raw["cluster"]; !ok {
		return "", nil, nbmaerrors.NewNLDRequestError("cluster name is missing from NLD request")
	}
	for _, f := range requiredRequestFields {
		if _, ok := raw[f]; !ok {
			return "", nil, nbmaerrors.NewNLDRequestError("missing required field %q", f)
		}
	}

	var r Request
	if err := json.Unmarshal(inner, &r); err != nil {
		return "", nil, nbmaerrors.NewNLDRequestError("malformed request body: %v", err)
	}
	return r.Cluster, &r, nil
}

// ProcessRequest checks the protocol version and request type, then
// dispatches to the handler, producing a reply and the salt to sign it
// with.
func (p *Processor) ProcessRequest(ctx context.Context, req *Request) (reply *Reply, rsalt string, err error) {
	if req.Protocol != constants.NLDProtocolVersion {
		return nil, "", nbmaerrors.NewNLDRequestError("wrong protocol version %d", req.Protocol)
	}
	if _, ok := constants.NLDReqs[req.Type]; !ok {
		return nil, "", nbmaerrors.NewNLDRequestError("wrong request type %d", req.Type)
	}
	if req.RSalt == "" {
		return nil, "", nbmaerrors.NewNLDRequestError("missing requested salt")
	}

	handler := p.dispatch[req.Type]
	status, answer := handler(ctx, req.Query)
	return &Reply{
		Protocol:  constants.NLDProtocolVersion,
		IsRequest: false,
		Status:    status,
		Answer:    answer,
	}, req.RSalt, nil
}

// PackReply serialises and signs reply with salt rsalt under cluster's key.
func (p *Processor) PackReply(reply *Reply, rsalt, cluster string) ([]byte, error) {
	reply.Cluster = cluster
	key, ok := p.keys(cluster)
	if !ok {
		return nil, nbmaerrors.NewSignatureError("unknown cluster %q", cluster)
	}
	inner, err := json.Marshal(reply)
	if err != nil {
		return nil, nbmaerrors.NewDecodeError("marshalling reply: %v", err)
	}
	return codec.Pack(inner, key, rsalt)
}

// ExecQuery processes a single inbound request datagram end to end,
// returning the reply payload to send back, or nil if the request was
// dropped. Errors are never returned to the caller; they are logged at the
// appropriate level and the request is silently dropped.
func (p *Processor) ExecQuery(ctx context.Context, payload []byte, ip string, port int) []byte {
	cluster, req, err := p.ExtractRequest(payload, time.Now())
	if err != nil {
		logDrop(ctx, err, ip, port)
		return nil
	}

	reply, rsalt, err := p.ProcessRequest(ctx, req)
	if err != nil {
		logDrop(ctx, err, ip, port)
		return nil
	}

	out, err := p.PackReply(reply, rsalt, cluster)
	if err != nil {
		dlog.Errorf(ctx, "failed to pack reply to %s:%d: %v", ip, port, err)
		return nil
	}
	return out
}

func logDrop(ctx context.Context, err error, ip string, port int) {
	switch err.(type) {
	case *nbmaerrors.MagicError, *nbmaerrors.SignatureError, *nbmaerrors.DecodeError:
		dlog.Debugf(ctx, "dropping broken datagram from %s:%d: %v", ip, port, err)
	default:
		dlog.Infof(ctx, "ignoring broken query from %s:%d: %v", ip, port, err)
	}
}
