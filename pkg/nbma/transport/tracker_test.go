package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ganeti/nbmad/pkg/nbma/codec"
	"github.com/ganeti/nbmad/pkg/nbma/constants"
	"github.com/ganeti/nbmad/pkg/nbma/nbmaerrors"
	"github.com/ganeti/nbmad/pkg/nbma/protocol"
)

var trackerKey = []byte("s3cr3t")

func trackerKeys(cluster string) codec.KeyLookup {
	return func(selector string) ([]byte, bool) {
		if selector != cluster {
			return nil, false
		}
		return trackerKey, true
	}
}

func newTestSocket(t *testing.T) *Socket {
	t.Helper()
	sock, err := Listen("127.0.0.1", 0)
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close() })
	return sock
}

// TestSendRequestDuplicateRSalt verifies a duplicate rsalt across live
// pending requests is a client error.
func TestSendRequestDuplicateRSalt(t *testing.T) {
	sock := newTestSocket(t)
	var upcalls []Upcall
	tr := NewTracker(sock, trackerKeys("prod"), func(u Upcall) { upcalls = append(upcalls, u) })

	req, err := protocol.NewClientRequest(constants.ReqPing, nil, "dup-salt")
	require.NoError(t, err)

	require.NoError(t, tr.SendRequest(context.Background(), req, "prod", "127.0.0.1", 1, nil))

	req2, err := protocol.NewClientRequest(constants.ReqPing, nil, "dup-salt")
	require.NoError(t, err)
	err = tr.SendRequest(context.Background(), req2, "prod", "127.0.0.1", 1, nil)
	var clientErr *nbmaerrors.NLDClientError
	assert.ErrorAs(t, err, &clientErr)
}

func TestSendRequestMissingRSalt(t *testing.T) {
	sock := newTestSocket(t)
	tr := NewTracker(sock, trackerKeys("prod"), func(Upcall) {})

	req := &protocol.Request{Protocol: constants.NLDProtocolVersion, Type: constants.ReqPing, IsRequest: true}
	err := tr.SendRequest(context.Background(), req, "prod", "127.0.0.1", 1, nil)
	var clientErr *nbmaerrors.NLDClientError
	assert.ErrorAs(t, err, &clientErr)
}

// TestHandleReplyDeliversUpcallAndClearsPending verifies the client side:
// a valid reply for a pending salt removes the entry and delivers
// exactly one REPLY upcall.
func TestHandleReplyDeliversUpcallAndClearsPending(t *testing.T) {
	sock := newTestSocket(t)
	var upcalls []Upcall
	tr := NewTracker(sock, trackerKeys("prod"), func(u Upcall) { upcalls = append(upcalls, u) })

	req, err := protocol.NewClientRequest(constants.ReqPing, nil, "salt-1")
	require.NoError(t, err)
	require.NoError(t, tr.SendRequest(context.Background(), req, "prod", "127.0.0.1", 1, "extra"))
	assert.Equal(t, 1, tr.PendingCount())

	reply := protocol.Reply{Protocol: constants.NLDProtocolVersion, IsRequest: false, Status: constants.ReplStatusOK, Answer: "ok", Cluster: "prod"}
	inner, err := json.Marshal(reply)
	require.NoError(t, err)
	frame, err := codec.Pack(inner, trackerKey, "salt-1")
	require.NoError(t, err)

	tr.HandleReply(context.Background(), frame, "127.0.0.1", 1811)

	assert.Equal(t, 0, tr.PendingCount())
	require.Len(t, upcalls, 1)
	assert.Equal(t, UpcallReply, upcalls[0].Type)
	assert.Equal(t, "extra", upcalls[0].ExtraArgs)
	assert.Equal(t, "salt-1", upcalls[0].Salt)
}

func TestHandleReplyUnknownSaltIsDropped(t *testing.T) {
	sock := newTestSocket(t)
	var upcalls []Upcall
	tr := NewTracker(sock, trackerKeys("prod"), func(u Upcall) { upcalls = append(upcalls, u) })

	reply := protocol.Reply{Protocol: constants.NLDProtocolVersion, IsRequest: false, Status: constants.ReplStatusOK, Answer: "ok", Cluster: "prod"}
	inner, err := json.Marshal(reply)
	require.NoError(t, err)
	frame, err := codec.Pack(inner, trackerKey, "never-sent")
	require.NoError(t, err)

	tr.HandleReply(context.Background(), frame, "127.0.0.1", 1811)
	assert.Empty(t, upcalls)
}

// TestExpireRequestsFiresExactlyOnce verifies the pending entry is removed
// within the expire timeout, via exactly one
// upcall.
func TestExpireRequestsFiresExactlyOnce(t *testing.T) {
	sock := newTestSocket(t)
	var upcalls []Upcall
	tr := NewTracker(sock, trackerKeys("prod"), func(u Upcall) { upcalls = append(upcalls, u) })

	req, err := protocol.NewClientRequest(constants.ReqPing, nil, "salt-2")
	require.NoError(t, err)
	require.NoError(t, tr.SendRequest(context.Background(), req, "prod", "127.0.0.1", 1, nil))

	tr.ExpireRequests(context.Background(), time.Now().Add(constants.NLDClientExpireTimeout+time.Second))

	require.Len(t, upcalls, 1)
	assert.Equal(t, UpcallExpire, upcalls[0].Type)
	assert.Equal(t, 0, tr.PendingCount())

	// A late reply for the same, now-expired salt must be dropped as
	// unknown.
	reply := protocol.Reply{Protocol: constants.NLDProtocolVersion, IsRequest: false, Status: constants.ReplStatusOK, Answer: "ok", Cluster: "prod"}
	inner, err := json.Marshal(reply)
	require.NoError(t, err)
	frame, err := codec.Pack(inner, trackerKey, "salt-2")
	require.NoError(t, err)
	tr.HandleReply(context.Background(), frame, "127.0.0.1", 1811)

	require.Len(t, upcalls, 1, "no REPLY upcall should follow an EXPIRE for the same salt")
}
