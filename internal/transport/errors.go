package transport

import (
	"errors"
	"fmt"
)

// ErrorType classifies transport errors.
type ErrorType string

const (
	ErrPeerUnavailable ErrorType = "peer-unavailable" // target name is not registered
	ErrUnavailableID   ErrorType = "unavailable-id"   // our name is already registered
	ErrNetwork         ErrorType = "network"          // broker unreachable
	ErrServer          ErrorType = "server-error"     // broker rejected a message
	ErrWebRTC          ErrorType = "webrtc"           // negotiation or ICE failure
	ErrDisconnected    ErrorType = "disconnected"     // operation on a destroyed peer
)

// Error is reported through Handlers.OnError and returned by Peer methods.
type Error struct {
	Type ErrorType
	// Peer is the remote name, when the error concerns one.
	Peer string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Type)
	if e.Peer != "" {
		msg += " (" + e.Peer + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(t ErrorType, peer string, format string, args ...any) *Error {
	return &Error{Type: t, Peer: peer, Err: fmt.Errorf(format, args...)}
}

// IsType reports whether err is a transport *Error of type t.
func IsType(err error, t ErrorType) bool {
	var te *Error
	return errors.As(err, &te) && te.Type == t
}

var (
	errClosed      = errors.New("connection closed")
	errNotOpen     = errors.New("data connection is not open")
	errNoOffer     = errors.New("no pending offer")
	errMessageSize = errors.New("message exceeds reassembly limit")
)
