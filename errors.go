package netplay

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies a NetError.
type ErrorKind int

const (
	// KindUsage is an operation that is invalid for the endpoint's role or state.
	KindUsage ErrorKind = iota + 1
	// KindConnection is a transport failure: dial, bind or per-peer write.
	KindConnection
	// KindProtocol is a malformed frame received from a peer.
	KindProtocol
	// KindSerialization is a message that cannot be encoded as a frame.
	KindSerialization
)

func (k ErrorKind) String() string {
	switch k {
	case KindUsage:
		return "usage error"
	case KindConnection:
		return "connection error"
	case KindProtocol:
		return "protocol error"
	case KindSerialization:
		return "serialization error"
	default:
		return fmt.Sprintf("error kind %d", int(k))
	}
}

// NetError is the error type returned by Endpoint operations and reported to
// the diagnostics sink. Err carries the human-readable cause.
type NetError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *NetError) Error() string {
	msg := "netplay"
	if e.Op != "" {
		msg += ": " + e.Op
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *NetError) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind, so that
// errors.Is(err, ErrUsage) matches any usage error.
func (e *NetError) Is(target error) bool {
	t, ok := target.(*NetError)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels matched through errors.Is.
var (
	ErrUsage         = &NetError{Kind: KindUsage}
	ErrConnection    = &NetError{Kind: KindConnection}
	ErrProtocol      = &NetError{Kind: KindProtocol}
	ErrSerialization = &NetError{Kind: KindSerialization}
)

// Causes carried inside a NetError or returned by lower layers.
var (
	// ErrNotHost is returned when a host-only operation is used on a client.
	ErrNotHost = errors.New("operation requires a host endpoint")
	// ErrNotClient is returned when a client-only operation is used on a host.
	ErrNotClient = errors.New("operation requires a client endpoint")
	// ErrAlreadyRunning is returned by Start or Connect on a running endpoint.
	ErrAlreadyRunning = errors.New("endpoint already running")
	// ErrEndpointClosed is returned by Start or Connect after Close.
	ErrEndpointClosed = errors.New("endpoint closed")
	// ErrConnectionClosed is returned when writing to a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrFrameTooLarge is returned when a peer sends more than the maximum
	// frame size without a newline.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrNotObject is returned when a frame is valid JSON but not an object.
	ErrNotObject = errors.New("frame is not a JSON object")
	// ErrInvalidUTF8 is returned when a frame is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("frame is not valid UTF-8")
	// ErrNewlineInPayload is returned when an encoded message contains a raw newline.
	ErrNewlineInPayload = errors.New("encoded payload contains a newline")
	// ErrReservedType is returned when a business message uses a control type.
	ErrReservedType = errors.New("message type is reserved for control frames")
)

func newError(kind ErrorKind, op string, err error) *NetError {
	return &NetError{Kind: kind, Op: op, Err: err}
}

// wrapError annotates cause with msg and a stack trace before boxing it.
func wrapError(kind ErrorKind, op string, cause error, msg string) *NetError {
	return &NetError{Kind: kind, Op: op, Err: errors.Wrap(cause, msg)}
}

// Cause returns the innermost error of err, unwrapping NetError and
// pkg/errors annotations.
func Cause(err error) error {
	for {
		var ne *NetError
		if errors.As(err, &ne) && ne.Err != nil {
			err = ne.Err
			continue
		}
		cause := errors.Cause(err)
		if cause == err {
			return err
		}
		err = cause
	}
}
