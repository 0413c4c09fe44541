// Package fault classifies the errors coinlink reports to its host.
//
// Nothing in the client API returns or panics with these errors; they are
// delivered as events so the host can pick a fallback (for example polling).
package fault

import (
	"errors"
	"fmt"
)

// Kind is the error taxonomy surfaced on the client's error channel.
type Kind int

const (
	// KindTransport covers connect failures and dropped connections.
	KindTransport Kind = iota + 1
	// KindProtocol covers payloads whose shape did not match the contract.
	KindProtocol
	// KindDecode covers malformed JSON lines in a streamed response.
	KindDecode
	// KindAuth covers credential rejection. It is never retried.
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindDecode:
		return "decode"
	case KindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

var (
	ErrAuthRejected     = errors.New("credential rejected")
	ErrMaxAttempts      = errors.New("reconnect attempts exhausted")
	ErrAckTimeout       = errors.New("subscribe ack timeout")
	ErrHandshakeTimeout = errors.New("handshake timeout")
	ErrStreamTruncated  = errors.New("stream ended before terminal record")
	ErrConnectionClosed = errors.New("connection closed")
)

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on a bare *Error carrying only a Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

func Transport(op string, err error) *Error { return &Error{Kind: KindTransport, Op: op, Err: err} }
func Protocol(op string, err error) *Error  { return &Error{Kind: KindProtocol, Op: op, Err: err} }
func Decode(op string, err error) *Error    { return &Error{Kind: KindDecode, Op: op, Err: err} }
func Auth(op string, err error) *Error      { return &Error{Kind: KindAuth, Op: op, Err: err} }

// KindOf returns the kind of the first *Error in err's chain. Unclassified
// errors are reported as transport errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransport
}

// IsAuth reports whether err is an auth rejection.
func IsAuth(err error) bool {
	if errors.Is(err, ErrAuthRejected) {
		return true
	}
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == KindAuth
}
