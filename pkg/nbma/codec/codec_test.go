package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ganeti/nbmad/pkg/nbma/nbmaerrors"
)

func testSelector(inner []byte) (string, error) {
	return "prod", nil
}

func testLookup(keys map[string][]byte) KeyLookup {
	return func(selector string) ([]byte, bool) {
		k, ok := keys[selector]
		return k, ok
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	key := []byte("s3cr3t")
	lookup := testLookup(map[string][]byte{"prod": key})

	inner := []byte(`{"protocol":1,"type":0,"rsalt":"abc","cluster":"prod","is_request":true}`)
	frame, err := Pack(inner, key, "1700000000")
	require.NoError(t, err)

	gotInner, gotSalt, err := Unpack(frame, testSelector, lookup)
	require.NoError(t, err)
	assert.Equal(t, inner, gotInner)
	assert.Equal(t, "1700000000", gotSalt)
}

func TestUnpackMagicError(t *testing.T) {
	lookup := testLookup(map[string][]byte{"prod": []byte("k")})

	_, _, err := Unpack([]byte("xx"), testSelector, lookup)
	var magicErr *nbmaerrors.MagicError
	assert.ErrorAs(t, err, &magicErr)

	frame, err := Pack([]byte(`{}`), []byte("k"), "1")
	require.NoError(t, err)
	frame[0] = 'z'
	_, _, err = Unpack(frame, testSelector, lookup)
	assert.ErrorAs(t, err, &magicErr)
}

func TestUnpackUnknownSelector(t *testing.T) {
	lookup := testLookup(map[string][]byte{})
	frame, err := Pack([]byte(`{}`), []byte("k"), "1")
	require.NoError(t, err)

	_, _, err = Unpack(frame, testSelector, lookup)
	var sigErr *nbmaerrors.SignatureError
	assert.ErrorAs(t, err, &sigErr)
}

// TestTampering verifies mutating any byte of a packed frame outside the
// magic prefix causes Unpack to raise
// SignatureError or DecodeError.
func TestTampering(t *testing.T) {
	key := []byte("s3cr3t")
	lookup := testLookup(map[string][]byte{"prod": key})

	inner := []byte(`{"protocol":1,"type":0,"rsalt":"abcdef","cluster":"prod","is_request":true}`)
	frame, err := Pack(inner, key, "1700000000")
	require.NoError(t, err)

	for i := magicLen; i < len(frame); i++ {
		mutated := append([]byte(nil), frame...)
		mutated[i] ^= 0xFF

		_, _, err := Unpack(mutated, testSelector, lookup)
		if err == nil {
			t.Fatalf("byte %d: tampering went undetected", i)
		}
		var sigErr *nbmaerrors.SignatureError
		var decErr *nbmaerrors.DecodeError
		if !assertErrorAsEither(err, &sigErr, &decErr) {
			t.Fatalf("byte %d: expected SignatureError or DecodeError, got %T: %v", i, err, err)
		}
	}
}

func assertErrorAsEither(err error, sigErr **nbmaerrors.SignatureError, decErr **nbmaerrors.DecodeError) bool {
	if e, ok := err.(*nbmaerrors.SignatureError); ok {
		*sigErr = e
		return true
	}
	if e, ok := err.(*nbmaerrors.DecodeError); ok {
		*decErr = e
		return true
	}
	return false
}

func TestPeekInner(t *testing.T) {
	inner := []byte(`{"is_request":true,"cluster":"prod"}`)
	frame, err := Pack(inner, []byte("k"), "1")
	require.NoError(t, err)

	got, err := PeekInner(frame)
	require.NoError(t, err)
	assert.JSONEq(t, string(inner), string(got))
}

func TestPeekInnerMagicError(t *testing.T) {
	_, err := PeekInner([]byte("no"))
	var magicErr *nbmaerrors.MagicError
	assert.ErrorAs(t, err, &magicErr)
}
