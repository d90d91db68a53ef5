package call

import (
	"encoding/json"
	"errors"
)

// Kind classifies session errors.
type Kind string

const (
	KindPermissionDenied  Kind = "permission-denied"  // camera/microphone refused; user must retry
	KindPeerUnavailable   Kind = "peer-unavailable"   // counterpart not registered yet; retried
	KindIdentityCollision Kind = "identity-collision" // our name is held elsewhere; recovered, then fatal
	KindTransport         Kind = "transport-error"    // anything else from the transport; not recovered
	KindFileTooLarge      Kind = "file-too-large"
	KindChannelNotOpen    Kind = "channel-not-open"
	KindUnsupportedFile   Kind = "unsupported-file"
	KindSessionClosed     Kind = "session-closed"
)

// Error is returned by Session methods and carried by error events.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := "call"
	if e.Op != "" {
		msg += ": " + e.Op
	}
	msg += ": " + string(e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind-only sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind    Kind   `json:"kind"`
		Message string `json:"message"`
	}{e.Kind, e.Error()})
}

// Sentinels for errors.Is.
var (
	ErrPermissionDenied  = &Error{Kind: KindPermissionDenied}
	ErrPeerUnavailable   = &Error{Kind: KindPeerUnavailable}
	ErrIdentityCollision = &Error{Kind: KindIdentityCollision}
	ErrTransport         = &Error{Kind: KindTransport}
	ErrFileTooLarge      = &Error{Kind: KindFileTooLarge}
	ErrChannelNotOpen    = &Error{Kind: KindChannelNotOpen}
	ErrUnsupportedFile   = &Error{Kind: KindUnsupportedFile}
	ErrSessionClosed     = &Error{Kind: KindSessionClosed}
)

// ErrSessionExists is returned by Manager.Start for an appointment that
// already has a live session on this node.
var ErrSessionExists = errors.New("call: session already running for appointment")

// KindOf returns the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
