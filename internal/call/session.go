// Package call drives one participant's side of a two-party appointment call:
// local media, registration under the deterministic peer name, the dial loop,
// the auxiliary data channel for shared documents and teardown.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/consult/internal/identity"
	"github.com/petervdpas/consult/internal/media"
	"github.com/petervdpas/consult/internal/storage"
	"github.com/petervdpas/consult/internal/transport"
	"github.com/petervdpas/consult/internal/util"
)

var log = logging.Logger("call")

// ErrNoTrack is returned by the toggles when the local stream lacks the kind.
var ErrNoTrack = errors.New("call: local stream has no such track")

// Session is one participant's call for one appointment.
//
// Transport callbacks, timers and API calls are serialized on the session's
// event loop; fields marked loop-owned are only touched there.
//
// The host must authorize the user for the appointment before starting a
// session. Anyone able to compute the peer names can join as that role.
type Session struct {
	appointmentID string
	role          identity.Role
	self          string
	peer          string
	channel       string
	opts          Options

	qmu      sync.Mutex
	queue    []func()
	stopped  bool
	wake     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	tornDown atomic.Bool

	// loop-owned
	gen            int
	tp             transport.Peer
	stream         *media.Stream
	outbound       transport.MediaConnection
	inbound        transport.MediaConnection
	outStream      *transport.RemoteStream
	inStream       *transport.RemoteStream
	active         transport.MediaConnection
	outData        transport.DataConnection
	inData         transport.DataConnection
	connected      bool
	collisions     int
	collisionTimer *time.Timer
	retryStop      chan struct{}
	busCancel      func()
	stopPreview    func()
	recorder       *media.Recorder
	dials          int
	dialedAt       time.Time

	mu          sync.RWMutex
	state       State
	legs        Legs
	file        *SharedFile
	lastErr     *Error
	startedAt   time.Time
	connectedAt time.Time
	selfView    *media.LiveView
	remoteView  *media.LiveView

	subMu sync.Mutex
	subs  map[chan Event]struct{}
}

// NewSession prepares a session for appointmentID as role. Nothing happens
// on the network until Start.
func NewSession(appointmentID string, role identity.Role, opts Options) (*Session, error) {
	self, peer, err := identity.Resolve(role, appointmentID)
	if err != nil {
		return nil, err
	}
	if opts.Factory == nil || opts.Acquirer == nil {
		return nil, errors.New("call: Options.Factory and Options.Acquirer are required")
	}
	opts.withDefaults()
	id := util.SanitizeName(appointmentID)
	s := &Session{
		appointmentID: id,
		role:          role,
		self:          self,
		peer:          peer,
		channel:       identity.BroadcastChannel(id),
		opts:          opts,
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
		state:         StateInitializing,
		legs:          Legs{Outbound: LegIdle, Inbound: LegIdle},
		subs:          make(map[chan Event]struct{}),
	}
	go s.run()
	return s, nil
}

func (s *Session) AppointmentID() string { return s.appointmentID }
func (s *Session) Role() identity.Role   { return s.role }
func (s *Session) Self() string          { return s.self }
func (s *Session) Peer() string          { return s.peer }

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start acquires local media, then registers with the broker and begins
// dialing. It blocks only on media acquisition; a failure there leaves the
// session in StateError with a permission-denied error and no transport
// activity.
func (s *Session) Start(ctx context.Context) error {
	if s.tornDown.Load() {
		return &Error{Kind: KindSessionClosed, Op: "start"}
	}
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("call: session already started")
	}
	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	log.Infof("[%s] acquiring local media", s.self)
	stream, err := s.opts.Acquirer.Acquire(ctx, s.opts.Constraints)
	if err != nil {
		e := &Error{Kind: KindPermissionDenied, Op: "acquire media", Err: err}
		_ = s.do(func() { s.fail(e) })
		return e
	}
	if err := s.do(func() { s.bootstrap(stream) }); err != nil {
		stream.Stop()
		return err
	}
	return nil
}

// Status is a snapshot for the host page.
type Status struct {
	AppointmentID string        `json:"appointment_id"`
	Role          identity.Role `json:"role"`
	Self          string        `json:"self"`
	Peer          string        `json:"peer"`
	State         State         `json:"state"`
	Legs          Legs          `json:"legs"`
	File          *SharedFile   `json:"file,omitempty"`
	Error         *Error        `json:"error,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	ConnectedAt   *time.Time    `json:"connected_at,omitempty"`
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		AppointmentID: s.appointmentID,
		Role:          s.role,
		Self:          s.self,
		Peer:          s.peer,
		State:         s.state,
		Legs:          s.legs,
		File:          s.file,
		Error:         s.lastErr,
		StartedAt:     s.startedAt,
	}
	if !s.connectedAt.IsZero() {
		at := s.connectedAt
		st.ConnectedAt = &at
	}
	return st
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Legs() Legs {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.legs
}

// SharedFile returns the document currently displayed, or nil.
func (s *Session) SharedFile() *SharedFile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file
}

// Err returns the last fatal error.
func (s *Session) Err() *Error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// SelfView is the live WebM self-preview; nil before Start succeeds.
func (s *Session) SelfView() *media.LiveView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selfView
}

// RemoteView is the live WebM view of the counterpart; nil until connected.
func (s *Session) RemoteView() *media.LiveView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteView
}

// ToggleAudio flips the microphone and returns whether it is now on.
func (s *Session) ToggleAudio() (bool, error) { return s.toggle(media.KindAudio) }

// ToggleVideo flips the camera and returns whether it is now on.
func (s *Session) ToggleVideo() (bool, error) { return s.toggle(media.KindVideo) }

func (s *Session) toggle(k media.Kind) (bool, error) {
	var (
		on  bool
		err error
	)
	if e := s.do(func() {
		if s.stream == nil || !s.stream.HasKind(k) {
			err = fmt.Errorf("%w: %s", ErrNoTrack, k)
			return
		}
		on = s.stream.Toggle(k)
		log.Infof("[%s] %s on=%v", s.self, k, on)
	}); e != nil {
		return false, e
	}
	return on, err
}

// Subscribe returns a channel of session events. It is closed after the
// ended event, or immediately when the session is already over. Slow
// subscribers drop events.
func (s *Session) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	s.subMu.Lock()
	if s.subs == nil {
		s.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch, func() {
		s.subMu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.subMu.Unlock()
	}
}

func (s *Session) emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- e:
		default:
			log.Debugf("[%s] subscriber full, dropping %s event", s.self, e.Type)
		}
	}
}

func (s *Session) closeSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		close(ch)
	}
	s.subs = nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	legs := s.legs
	s.mu.Unlock()

	log.Infof("[%s] %s", s.self, st)
	s.emit(Event{Type: EventState, State: st, Legs: &legs})
	s.record(storage.EventState, string(st))
}

func (s *Session) setLegs(fn func(*Legs)) {
	s.mu.Lock()
	fn(&s.legs)
	s.mu.Unlock()
}

func (s *Session) setFile(f *SharedFile) {
	s.mu.Lock()
	s.file = f
	s.mu.Unlock()
	s.emit(Event{Type: EventFile, File: f})
}

func (s *Session) emitError(e *Error) {
	log.Warnf("[%s] %v", s.self, e)
	s.emit(Event{Type: EventError, Err: e})
}

// fail stops dialing and parks the session in StateError.
func (s *Session) fail(e *Error) {
	s.stopRetry()
	s.mu.Lock()
	s.lastErr = e
	s.mu.Unlock()
	s.emitError(e)
	s.setState(StateError)
	s.record(storage.EventError, e.Error())
}

func (s *Session) record(kind, detail string) {
	if s.opts.Ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	err := s.opts.Ledger.Record(ctx, storage.Event{
		AppointmentID: s.appointmentID,
		Peer:          s.self,
		Kind:          kind,
		Detail:        detail,
	})
	if err != nil {
		log.Warnf("[%s] ledger: %v", s.self, err)
	}
}
