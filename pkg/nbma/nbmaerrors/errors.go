// Package nbmaerrors defines the daemon's error taxonomy.
//
// Each kind is a distinct type so that callers can use errors.As to decide
// whether a failure is startup-fatal (ConfigurationError, ProgrammerError),
// locally absorbable (CommandError, the codec errors, NLDRequestError), or a
// client-visible contract violation (NLDClientError).
package nbmaerrors

import "fmt"

// ConfigurationError is startup-fatal: no endpoints, a duplicate endpoint,
// or a routing table bound to two interfaces.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return "configuration error: " + e.Msg }

func NewConfigurationError(format string, args ...interface{}) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// CommandError wraps a failed kernel-effector subprocess. It is never
// fatal to the event loop; the reconciliation step that produced it is
// dropped and retried on the next tick.
type CommandError struct {
	Msg   string
	Cause error
}

func (e *CommandError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("command error: %s: %v", e.Msg, e.Cause)
	}
	return "command error: " + e.Msg
}

func (e *CommandError) Unwrap() error { return e.Cause }

func NewCommandError(cause error, format string, args ...interface{}) error {
	return &CommandError{Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// MagicError means the frame was too short or carried an unknown fourcc.
type MagicError struct {
	Msg string
}

func (e *MagicError) Error() string { return "magic error: " + e.Msg }

func NewMagicError(format string, args ...interface{}) error {
	return &MagicError{Msg: fmt.Sprintf(format, args...)}
}

// SignatureError means the HMAC did not verify, or the key selector named
// an unknown cluster.
type SignatureError struct {
	Msg string
}

func (e *SignatureError) Error() string { return "signature error: " + e.Msg }

func NewSignatureError(format string, args ...interface{}) error {
	return &SignatureError{Msg: fmt.Sprintf(format, args...)}
}

// DecodeError means the JSON envelope or its inner message was malformed or
// missing a required field.
type DecodeError struct {
	Msg string
}

func (e *DecodeError) Error() string { return "decode error: " + e.Msg }

func NewDecodeError(format string, args ...interface{}) error {
	return &DecodeError{Msg: fmt.Sprintf(format, args...)}
}

// NLDRequestError is a malformed or replayed request. It is dropped
// silently on the wire, with an info-level log naming the peer.
type NLDRequestError struct {
	Msg string
}

func (e *NLDRequestError) Error() string { return "request error: " + e.Msg }

func NewNLDRequestError(format string, args ...interface{}) error {
	return &NLDRequestError{Msg: fmt.Sprintf(format, args...)}
}

// NLDClientError is a caller contract violation: a missing rsalt, a
// duplicate rsalt, an oversized payload, or an unknown request type. It is
// always surfaced to the caller.
type NLDClientError struct {
	Msg string
}

func (e *NLDClientError) Error() string { return "client error: " + e.Msg }

func NewNLDClientError(format string, args ...interface{}) error {
	return &NLDClientError{Msg: fmt.Sprintf(format, args...)}
}

// ProgrammerError signals an invariant breakage (double peer-set
// registration, an unknown peer set). The caller is expected to abort the
// process; this package only constructs the value.
type ProgrammerError struct {
	Msg string
}

func (e *ProgrammerError) Error() string { return "programmer error: " + e.Msg }

func NewProgrammerError(format string, args ...interface{}) error {
	return &ProgrammerError{Msg: fmt.Sprintf(format, args...)}
}

// UdpDataSizeError means a datagram would exceed the kernel UDP limit.
type UdpDataSizeError struct {
	Size int
}

func (e *UdpDataSizeError) Error() string {
	return fmt.Sprintf("udp payload too large: %d bytes", e.Size)
}

func NewUdpDataSizeError(size int) error {
	return &UdpDataSizeError{Size: size}
}
