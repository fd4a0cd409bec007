package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ganeti/nbmad/pkg/nbma/constants"
	"github.com/ganeti/nbmad/pkg/nbma/nbmaerrors"
)

func TestNewClientRequestGeneratesRSalt(t *testing.T) {
	req, err := NewClientRequest(constants.ReqPing, nil, "")
	require.NoError(t, err)
	assert.NotEmpty(t, req.RSalt)
	assert.Equal(t, constants.NLDProtocolVersion, req.Protocol)
	assert.True(t, req.IsRequest)
}

func TestNewClientRequestKeepsExplicitRSalt(t *testing.T) {
	req, err := NewClientRequest(constants.ReqPing, nil, "fixed-salt")
	require.NoError(t, err)
	assert.Equal(t, "fixed-salt", req.RSalt)
}

func TestNewClientRequestRejectsUnknownType(t *testing.T) {
	_, err := NewClientRequest(99, nil, "")
	var clientErr *nbmaerrors.NLDClientError
	assert.ErrorAs(t, err, &clientErr)
}
