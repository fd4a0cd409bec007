package protocol

import (
	"github.com/google/uuid"

	"github.com/ganeti/nbmad/pkg/nbma/constants"
	"github.com/ganeti/nbmad/pkg/nbma/nbmaerrors"
)

// NewClientRequest builds the client-side version of a Request, filling in
// defaults the way the original NLDClientRequest constructor does: an
// auto-generated rsalt when none is supplied, and the only protocol
// version this daemon speaks.
func NewClientRequest(reqType int, query interface{}, rsalt string) (*Request, error) {
	if _, ok := constants.NLDReqs[reqType]; !ok {
		return nil, nbmaerrors.NewNLDClientError("invalid request type %d", reqType)
	}
	if rsalt == "" {
		rsalt = uuid.NewString()
	}
	return &Request{
		Protocol:  constants.NLDProtocolVersion,
		Type:      reqType,
		RSalt:     rsalt,
		IsRequest: true,
		Query:     query,
	}, nil
}
