package call

import (
	"context"
	"time"

	"github.com/petervdpas/consult/internal/broadcast"
	"github.com/petervdpas/consult/internal/media"
	"github.com/petervdpas/consult/internal/storage"
	"github.com/petervdpas/consult/internal/transport"
)

// State is the externally visible session state.
type State string

const (
	StateInitializing   State = "initializing"
	StateConnecting     State = "connecting"
	StateWaitingForPeer State = "waiting-for-peer"
	StateConnected      State = "connected"
	StateError          State = "error"
	StateTerminated     State = "terminated"
)

// LegState tracks one direction of the call. Both sides dial each other, so
// a session can have an outbound and an inbound leg at the same time.
type LegState string

const (
	LegIdle    LegState = "idle"
	LegDialing LegState = "dialing" // outbound call placed
	LegRinging LegState = "ringing" // inbound call answered, no stream yet
	LegActive  LegState = "active"  // remote stream received
)

type Legs struct {
	Outbound LegState `json:"outbound"`
	Inbound  LegState `json:"inbound"`
}

// EndReason says what triggered teardown.
type EndReason string

const (
	EndHangup EndReason = "hangup" // EndCall on this side
	EndRemote EndReason = "remote" // call-ended notice from the privileged side
	EndClosed EndReason = "closed" // Close: the host went away
)

// SharedFile is the document currently displayed to both participants.
type SharedFile struct {
	URL  string `json:"url"` // data:<mime>;base64,...
	Type string `json:"type"`
	Name string `json:"name"`
}

const (
	FilePDF   = "pdf"
	FileImage = "image"
)

// EventType names session events.
type EventType string

const (
	EventState EventType = "state"
	EventFile  EventType = "file"
	EventError EventType = "error"
	EventEnded EventType = "ended"
)

// Event is delivered to Subscribe channels.
type Event struct {
	Type   EventType   `json:"type"`
	State  State       `json:"state,omitempty"`
	Legs   *Legs       `json:"legs,omitempty"`
	File   *SharedFile `json:"file,omitempty"`
	Err    *Error      `json:"error,omitempty"`
	Reason EndReason   `json:"reason,omitempty"`
	At     time.Time   `json:"at"`
}

// Ledger records session history. *storage.DB satisfies it.
type Ledger interface {
	Record(ctx context.Context, e storage.Event) error
}

// Archiver keeps a copy of shared documents. *archive.Minio satisfies it.
type Archiver interface {
	Archive(ctx context.Context, appointmentID, name, contentType string, data []byte) (string, error)
}

// Options configures sessions. Factory and Acquirer are required.
type Options struct {
	Factory     transport.Factory
	Acquirer    media.Acquirer
	Constraints media.Constraints

	// Bus carries call-ended notices. Nil disables them.
	Bus      broadcast.Bus
	Ledger   Ledger
	Archiver Archiver

	// RecordDir enables recording of remote media.
	RecordDir string

	RetryInterval       time.Duration
	// DialTimeout is how long an outbound call may stay without a remote
	// stream before a retry replaces it.
	DialTimeout         time.Duration
	CollisionDelay      time.Duration
	MaxCollisionDelay   time.Duration
	MaxCollisionRetries int
	MaxFileSize         int

	// OnEnd runs once, last in teardown.
	OnEnd func(EndReason)
}

const (
	DefaultRetryInterval       = 3 * time.Second
	DefaultDialTimeout         = 30 * time.Second
	DefaultCollisionDelay      = 3 * time.Second
	DefaultMaxCollisionDelay   = 30 * time.Second
	DefaultMaxCollisionRetries = 5
	DefaultMaxFileSize         = 5 * 1024 * 1024
)

func (o *Options) withDefaults() {
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.CollisionDelay <= 0 {
		o.CollisionDelay = DefaultCollisionDelay
	}
	if o.MaxCollisionDelay < o.CollisionDelay {
		o.MaxCollisionDelay = max(DefaultMaxCollisionDelay, o.CollisionDelay)
	}
	if o.MaxCollisionRetries <= 0 {
		o.MaxCollisionRetries = DefaultMaxCollisionRetries
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if !o.Constraints.Video && !o.Constraints.Audio {
		o.Constraints.Video, o.Constraints.Audio = true, true
	}
}

// collisionDelay is the wait before re-registering after the n-th collision
// (n >= 1): CollisionDelay doubled per attempt, capped at MaxCollisionDelay.
func (o *Options) collisionDelay(n int) time.Duration {
	d := o.CollisionDelay
	for i := 1; i < n && d < o.MaxCollisionDelay; i++ {
		d *= 2
	}
	return min(d, o.MaxCollisionDelay)
}
