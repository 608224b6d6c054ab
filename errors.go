package unique

import (
	"fmt"

	"github.com/ngrok/unique/internal/proto"
	"github.com/pkg/errors"
)

var (
	// ErrEmptyIdentity is returned when an application identity is empty.
	ErrEmptyIdentity = errors.New("application identity must not be empty")
	// ErrAddressTooLong indicates that no socket path short enough for a unix
	// socket address could be derived in the runtime directory.
	ErrAddressTooLong = errors.New("coordination address is too long for a unix socket")
	// ErrManagerQuit is returned by Run after Quit has been called.
	// This state is terminal.
	ErrManagerQuit = errors.New("the manager has quit")
	// ErrAlreadyStarted is returned by Run if it has already been called.
	ErrAlreadyStarted = errors.New("the manager has already been started")
)

// errNoServer indicates that either no server currently listens on the
// coordination address (e.g. initial startup case), or one was supposed to
// but is dead (e.g. it crashed).
var errNoServer = errors.New("no server is listening")

// TransportError is a failure of the underlying socket or filesystem that is
// not a would-block condition. It is not retried, except for a refused
// connection to a stale address, which leads to a takeover.
type TransportError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Cause returns the underlying error, for github.com/pkg/errors.
func (e *TransportError) Cause() error { return e.Err }

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolViolation is returned when a peer sends a message that is not the
// one expected in the session's current state. It is fatal to that session
// only.
type ProtocolViolation struct {
	Role     Role
	State    sessionState
	Expected proto.MessageType
	Got      proto.MessageType
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation: %s session in state %q expected %q, got %q", e.Role, e.State, e.Expected, e.Got)
}

// SerializationError wraps a payload that could not be serialized or
// unserialized. It is fatal to the exchange it occurred in.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("payload serialization failed: %v", e.Err)
}

// Cause returns the underlying codec error, for github.com/pkg/errors.
func (e *SerializationError) Cause() error { return e.Err }

func (e *SerializationError) Unwrap() error { return e.Err }
