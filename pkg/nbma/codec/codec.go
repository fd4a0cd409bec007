// Package codec implements the wire framing: a four-byte magic fourcc,
// followed by a JSON envelope carrying an inner JSON message, a salt, and
// a hex HMAC-SHA1 over salt‖inner.
//
// The codec is deliberately ignorant of clusters: it is handed a selector
// extractor and a key lookup, both supplied by the caller, and never
// interprets the inner message itself beyond treating it as an opaque byte
// string for signing purposes.
package codec

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // algorithm mandated by the wire protocol, not chosen here
	"encoding/hex"
	"encoding/json"

	"github.com/ganeti/nbmad/pkg/nbma/constants"
	"github.com/ganeti/nbmad/pkg/nbma/nbmaerrors"
)

const magicLen = len(constants.NLDMagicFourCC)

// envelope is the outer JSON_OUTER structure.
type envelope struct {
	Msg  string `json:"msg"`
	Salt string `json:"salt"`
	HMAC string `json:"hmac"`
}

// KeyLookup resolves a key selector (the cluster name) to its HMAC key.
// It reports false if the selector is unknown.
type KeyLookup func(selector string) ([]byte, bool)

// SelectorFunc extracts the key selector from an as-yet-unverified inner
// message. For this protocol the selector is always the "cluster" field
// carried inside the message; reading it before verification is safe
// because the HMAC check that follows is the actual trust boundary, not
// this lookup.
type SelectorFunc func(inner []byte) (string, error)

func sign(key []byte, salt, inner string) string {
	mac := hmac.New(sha1.New, key)
	mac.Write([]byte(salt))
	mac.Write([]byte(inner))
	return hex.EncodeToString(mac.Sum(nil))
}

// Pack serialises inner (already-marshalled JSON), signs it with key under
// the given salt, and returns the full magic-prefixed frame.
func Pack(inner []byte, key []byte, salt string) ([]byte, error) {
	env := envelope{
		Msg:  string(inner),
		Salt: salt,
		HMAC: sign(key, salt, string(inner)),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, nbmaerrors.NewDecodeError("marshalling envelope: %v", err)
	}
	frame := make([]byte, 0, magicLen+len(body))
	frame = append(frame, constants.NLDMagicFourCC...)
	frame = append(frame, body...)
	return frame, nil
}

// Unpack strips the magic prefix, parses the envelope, extracts the key
// selector from the (unverified) inner message, verifies the HMAC, and
// returns the raw inner JSON bytes and the salt.
func Unpack(frame []byte, selector SelectorFunc, lookup KeyLookup) (inner []byte, salt string, err error) {
	env, err := stripFrame(frame)
	if err != nil {
		return nil, "", err
	}

	sel, err := selector([]byte(env.Msg))
	if err != nil {
		return nil, "", nbmaerrors.NewDecodeError("extracting key selector: %v", err)
	}

	key, ok := lookup(sel)
	if !ok {
		return nil, "", nbmaerrors.NewSignatureError("unknown key selector %q", sel)
	}

	expected := sign(key, env.Salt, env.Msg)
	if !hmac.Equal([]byte(expected), []byte(env.HMAC)) {
		return nil, "", nbmaerrors.NewSignatureError("hmac mismatch")
	}

	return []byte(env.Msg), env.Salt, nil
}

// stripFrame removes the magic prefix and parses the JSON envelope, doing
// no signature verification. It is the shared first half of Unpack and
// PeekInner.
func stripFrame(frame []byte) (envelope, error) {
	if len(frame) < magicLen {
		return envelope{}, nbmaerrors.NewMagicError("udp payload too short to contain the fourcc")
	}
	if string(frame[:magicLen]) != constants.NLDMagicFourCC {
		return envelope{}, nbmaerrors.NewMagicError("udp payload contains an unknown fourcc")
	}

	var env envelope
	if err := json.Unmarshal(frame[magicLen:], &env); err != nil {
		return envelope{}, nbmaerrors.NewDecodeError("malformed envelope: %v", err)
	}
	return env, nil
}

// PeekInner strips the magic prefix and parses the envelope without
// verifying the HMAC, returning the still-unverified inner JSON. Spec
// §4.D's transport dispatcher uses this to read is_request and choose a
// path before either path does its own full, verified Unpack; trusting
// anything else read through PeekInner would skip the codec's actual
// trust boundary.
func PeekInner(frame []byte) (inner []byte, err error) {
	env, err := stripFrame(frame)
	if err != nil {
		return nil, err
	}
	return []byte(env.Msg), nil
}
