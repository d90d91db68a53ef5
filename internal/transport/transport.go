// Package transport is the peer-to-peer layer used by call sessions.
//
// A Peer registers a name at the rendezvous broker, places and answers media
// calls and opens reliable data connections to other registered names. The
// production implementation (Client) speaks the broker protocol in
// internal/proto and runs one pion PeerConnection per connection.
//
// All callbacks may fire on arbitrary goroutines and must not block.
package transport

import (
	"sync"

	"github.com/petervdpas/consult/internal/media"
	"github.com/pion/webrtc/v4"
)

// LocalStream supplies the tracks attached to outbound and answered calls.
// *media.Stream satisfies it.
type LocalStream interface {
	Tracks() []webrtc.TrackLocal
}

// Handlers receives peer-level events. Nil fields are ignored.
type Handlers struct {
	// OnOpen fires once when the broker accepts the registration.
	OnOpen func(id string)
	// OnCall fires for every inbound media call.
	OnCall func(MediaConnection)
	// OnConnection fires for every inbound data connection.
	OnConnection func(DataConnection)
	// OnError fires for broker and negotiation errors.
	OnError func(*Error)
	// OnDisconnected fires when the broker link drops after registration.
	OnDisconnected func()
}

// Peer is one registration at the broker.
type Peer interface {
	ID() string
	// Call places a media call carrying local's tracks (nil: receive only).
	Call(target string, local LocalStream) (MediaConnection, error)
	// Connect opens a reliable data connection.
	Connect(target string) (DataConnection, error)
	// Destroy closes every connection and the broker link. Idempotent.
	Destroy()
	Destroyed() bool
}

// Factory creates a Peer registering under id. It must not block on the
// network; registration outcome arrives through h.OnOpen or h.OnError.
type Factory func(id string, h Handlers) (Peer, error)

// MediaConnection is one audio/video call leg.
type MediaConnection interface {
	ID() string
	// Peer is the remote name.
	Peer() string
	// Answer accepts an inbound call with local's tracks.
	Answer(local LocalStream) error
	// OnStream fires when the remote stream arrives; immediately if it
	// already has.
	OnStream(func(*RemoteStream))
	// OnClose fires once; immediately if already closed.
	OnClose(func())
	Open() bool
	Close()
}

// DataConnection is a reliable, ordered message channel.
type DataConnection interface {
	ID() string
	Peer() string
	Label() string
	Open() bool
	// Send delivers msg as one message regardless of size.
	Send(msg []byte) error
	// OnOpen fires once; immediately if already open.
	OnOpen(func())
	OnData(func([]byte))
	// OnClose fires once; immediately if already closed.
	OnClose(func())
	Close()
}

// RemoteStream groups the tracks received on one media connection.
type RemoteStream struct {
	ID string

	mu     sync.Mutex
	tracks []media.RemoteTrack
	subs   []func(media.RemoteTrack)
}

func NewRemoteStream(id string) *RemoteStream {
	return &RemoteStream{ID: id}
}

// OnTrack calls fn for every track received so far and every later one.
func (s *RemoteStream) OnTrack(fn func(media.RemoteTrack)) {
	s.mu.Lock()
	existing := append([]media.RemoteTrack(nil), s.tracks...)
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
	for _, t := range existing {
		fn(t)
	}
}

func (s *RemoteStream) Tracks() []media.RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]media.RemoteTrack(nil), s.tracks...)
}

// AddTrack records t and notifies OnTrack subscribers.
func (s *RemoteStream) AddTrack(t media.RemoteTrack) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	subs := append(([]func(media.RemoteTrack))(nil), s.subs...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(t)
	}
}
