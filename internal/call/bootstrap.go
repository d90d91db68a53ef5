package call

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/petervdpas/consult/internal/broadcast"
	"github.com/petervdpas/consult/internal/identity"
	"github.com/petervdpas/consult/internal/media"
	"github.com/petervdpas/consult/internal/transport"
)

func (s *Session) bootstrap(stream *media.Stream) {
	s.stream = stream

	view := media.NewLiveView(s.self+"/self", false)
	s.stopPreview = view.FeedPreview(stream)
	s.mu.Lock()
	s.selfView = view
	s.mu.Unlock()

	if s.opts.Bus != nil {
		ch, cancel, err := s.opts.Bus.Subscribe(context.Background(), s.channel)
		if err != nil {
			log.Warnf("[%s] subscribe %s: %v", s.self, s.channel, err)
		} else {
			s.busCancel = cancel
			go func() {
				for msg := range ch {
					s.post(func() { s.onBroadcast(msg) })
				}
			}()
		}
	}

	s.createPeer()
}

// createPeer registers a fresh peer generation under our name.
func (s *Session) createPeer() {
	s.gen++
	gen := s.gen
	h := transport.Handlers{
		OnOpen: func(string) { s.postGen(gen, s.onOpen) },
		OnCall: func(mc transport.MediaConnection) {
			s.postGen(gen, func() { s.onCall(mc) })
		},
		OnConnection: func(dc transport.DataConnection) {
			s.postGen(gen, func() { s.onConnection(dc) })
		},
		OnError: func(e *transport.Error) {
			s.postGen(gen, func() { s.onTransportError(e) })
		},
		OnDisconnected: func() { s.postGen(gen, s.onDisconnected) },
	}
	p, err := s.opts.Factory(s.self, h)
	if err != nil {
		s.fail(&Error{Kind: KindTransport, Op: "create peer", Err: err})
		return
	}
	s.tp = p
	log.Infof("[%s] registering (generation %d)", s.self, gen)
}

// destroyPeer drops the current peer generation and everything hanging off it.
func (s *Session) destroyPeer() {
	s.stopRetry()
	s.closeConnections()
	if s.tp != nil {
		s.tp.Destroy()
		s.tp = nil
	}
	s.gen++
}

func (s *Session) closeConnections() {
	for _, mc := range []transport.MediaConnection{s.outbound, s.inbound} {
		if mc != nil {
			mc.Close()
		}
	}
	for _, dc := range []transport.DataConnection{s.outData, s.inData} {
		if dc != nil {
			dc.Close()
		}
	}
	s.outbound, s.inbound, s.active = nil, nil, nil
	s.outStream, s.inStream = nil, nil
	s.outData, s.inData = nil, nil
	s.setLegs(func(l *Legs) { *l = Legs{Outbound: LegIdle, Inbound: LegIdle} })
}

func (s *Session) onOpen() {
	s.collisions = 0
	log.Infof("[%s] registered, calling %s", s.self, s.peer)
	if !s.connected {
		s.setState(StateConnecting)
	}
	s.dial()
	s.openData()
	if !s.connected {
		s.startRetry()
	}
}

// dial places an outbound call. An attempt still being set up is left alone
// until DialTimeout; EXPIRE or a failed connection closes it sooner and the
// next retry dials again.
func (s *Session) dial() {
	if s.connected || s.tp == nil {
		return
	}
	if s.outbound != nil {
		if time.Since(s.dialedAt) < s.opts.DialTimeout {
			return
		}
		log.Infof("[%s] call to %s not answered after %s, redialing", s.self, s.peer, s.opts.DialTimeout)
		old := s.outbound
		s.outbound, s.outStream = nil, nil
		old.Close()
	}
	s.dials++
	mc, err := s.tp.Call(s.peer, s.stream)
	if err != nil {
		log.Warnf("[%s] call %s: %v", s.self, s.peer, err)
		s.setLegs(func(l *Legs) { l.Outbound = LegIdle })
		return
	}
	s.outbound = mc
	s.dialedAt = time.Now()
	s.setLegs(func(l *Legs) { l.Outbound = LegDialing })
	s.watchCall(mc)
}

func (s *Session) watchCall(mc transport.MediaConnection) {
	gen := s.gen
	mc.OnStream(func(rs *transport.RemoteStream) {
		s.postGen(gen, func() { s.onStream(mc, rs) })
	})
	mc.OnClose(func() {
		s.postGen(gen, func() { s.onCallClosed(mc) })
	})
}

// onCall answers the inbound leg. One inbound call at a time.
func (s *Session) onCall(mc transport.MediaConnection) {
	if s.inbound != nil {
		log.Infof("[%s] already have an inbound call, rejecting %s", s.self, mc.ID())
		mc.Close()
		return
	}
	if mc.Peer() != s.peer {
		log.Warnf("[%s] rejecting call from unexpected peer %s", s.self, mc.Peer())
		mc.Close()
		return
	}
	if err := mc.Answer(s.stream); err != nil {
		log.Warnf("[%s] answer %s: %v", s.self, mc.Peer(), err)
		mc.Close()
		return
	}
	log.Infof("[%s] answered call from %s", s.self, mc.Peer())
	s.inbound = mc
	s.setLegs(func(l *Legs) { l.Inbound = LegRinging })
	s.watchCall(mc)
}

// onStream marks a leg active. The first active leg connects the session.
func (s *Session) onStream(mc transport.MediaConnection, rs *transport.RemoteStream) {
	switch mc {
	case s.outbound:
		s.outStream = rs
		s.setLegs(func(l *Legs) { l.Outbound = LegActive })
	case s.inbound:
		s.inStream = rs
		s.setLegs(func(l *Legs) { l.Inbound = LegActive })
	default:
		return
	}
	if s.connected {
		log.Debugf("[%s] second leg active, keeping the first", s.self)
		return
	}
	s.connected = true
	s.active = mc
	s.stopRetry()
	s.attachRemote(rs)
	s.mu.Lock()
	s.connectedAt = time.Now()
	s.lastErr = nil
	s.mu.Unlock()
	s.setState(StateConnected)
	if s.outData == nil && s.inData == nil {
		s.openData()
	}
}

func (s *Session) onCallClosed(mc transport.MediaConnection) {
	switch mc {
	case s.outbound:
		s.outbound, s.outStream = nil, nil
		s.setLegs(func(l *Legs) { l.Outbound = LegIdle })
	case s.inbound:
		s.inbound, s.inStream = nil, nil
		s.setLegs(func(l *Legs) { l.Inbound = LegIdle })
	default:
		return
	}
	if mc != s.active {
		return
	}
	s.active = nil

	// the other leg may still carry media
	switch {
	case s.outbound != nil && s.outStream != nil:
		s.active = s.outbound
		s.attachRemote(s.outStream)
		return
	case s.inbound != nil && s.inStream != nil:
		s.active = s.inbound
		s.attachRemote(s.inStream)
		return
	}

	log.Infof("[%s] %s left the call", s.self, s.peer)
	s.connected = false
	s.setState(StateWaitingForPeer)
	s.dial()
	s.openData()
	s.startRetry()
}

// attachRemote routes rs into a fresh remote view and the recorder.
func (s *Session) attachRemote(rs *transport.RemoteStream) {
	view := media.NewLiveView(s.peer, true)
	s.mu.Lock()
	old := s.remoteView
	s.remoteView = view
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}

	if s.opts.RecordDir != "" && s.recorder == nil {
		dir := filepath.Join(s.opts.RecordDir, s.appointmentID)
		rec, err := media.NewRecorder(dir, s.self)
		if err != nil {
			log.Warnf("[%s] recording disabled: %v", s.self, err)
		} else {
			s.recorder = rec
		}
	}

	sink := &media.RemoteSink{View: view, Recorder: s.recorder}
	rs.OnTrack(func(t media.RemoteTrack) {
		go func() {
			if err := sink.Consume(t); err != nil {
				log.Debugf("[%s] remote track %s: %v", s.self, t.ID(), err)
			}
		}()
	})
}

func (s *Session) openData() {
	if s.tp == nil || s.outData != nil {
		return
	}
	dc, err := s.tp.Connect(s.peer)
	if err != nil {
		log.Warnf("[%s] data channel to %s: %v", s.self, s.peer, err)
		return
	}
	s.outData = dc
	s.watchData(dc)
}

// onConnection accepts the inbound data channel. One at a time.
func (s *Session) onConnection(dc transport.DataConnection) {
	if s.inData != nil || dc.Peer() != s.peer {
		log.Infof("[%s] rejecting data connection %s from %s", s.self, dc.ID(), dc.Peer())
		dc.Close()
		return
	}
	s.inData = dc
	s.watchData(dc)
}

func (s *Session) watchData(dc transport.DataConnection) {
	gen := s.gen
	dc.OnData(func(b []byte) {
		s.postGen(gen, func() { s.onData(dc, b) })
	})
	dc.OnOpen(func() {
		s.postGen(gen, func() { log.Infof("[%s] data channel %s open", s.self, dc.ID()) })
	})
	dc.OnClose(func() {
		s.postGen(gen, func() {
			switch dc {
			case s.outData:
				s.outData = nil
			case s.inData:
				s.inData = nil
			}
		})
	})
}

// sendChannel picks an open data connection, preferring our own.
func (s *Session) sendChannel() transport.DataConnection {
	if s.outData != nil && s.outData.Open() {
		return s.outData
	}
	if s.inData != nil && s.inData.Open() {
		return s.inData
	}
	return nil
}

func (s *Session) startRetry() {
	if s.retryStop != nil {
		return
	}
	stop := make(chan struct{})
	s.retryStop = stop
	gen := s.gen
	interval := s.opts.RetryInterval
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-s.done:
				return
			case <-t.C:
				s.postGen(gen, func() { s.onRetry(stop) })
			}
		}
	}()
}

func (s *Session) stopRetry() {
	if s.retryStop != nil {
		close(s.retryStop)
		s.retryStop = nil
	}
}

func (s *Session) onRetry(stop chan struct{}) {
	if s.retryStop != stop || s.connected {
		return
	}
	log.Debugf("[%s] retrying %s", s.self, s.peer)
	s.dial()
	s.openData()
}

func (s *Session) onTransportError(e *transport.Error) {
	switch e.Type {
	case transport.ErrPeerUnavailable:
		if e.Peer != "" && e.Peer != s.peer {
			return
		}
		if s.connected || s.State() == StateError {
			return
		}
		s.setLegs(func(l *Legs) { l.Outbound = LegIdle })
		s.setState(StateWaitingForPeer)
		s.emit(Event{Type: EventError, Err: &Error{Kind: KindPeerUnavailable, Op: "call", Err: e}})
	case transport.ErrUnavailableID:
		s.onCollision(e)
	case transport.ErrWebRTC:
		// the failed connection closes itself; the retry tick dials again
		log.Warnf("[%s] %v", s.self, e)
	default:
		if s.connected {
			log.Warnf("[%s] transport error while connected: %v", s.self, e)
			return
		}
		s.fail(&Error{Kind: KindTransport, Op: "transport", Err: e})
	}
}

// onCollision re-registers after a backoff, a bounded number of times.
func (s *Session) onCollision(e *transport.Error) {
	s.collisions++
	s.destroyPeer()
	if s.collisions > s.opts.MaxCollisionRetries {
		s.fail(&Error{
			Kind: KindIdentityCollision,
			Op:   "register",
			Err:  fmt.Errorf("%s still taken after %d attempts: %w", s.self, s.opts.MaxCollisionRetries, e),
		})
		return
	}
	delay := s.opts.collisionDelay(s.collisions)
	log.Warnf("[%s] name in use, re-registering in %s (attempt %d/%d)", s.self, delay, s.collisions, s.opts.MaxCollisionRetries)
	s.emit(Event{Type: EventError, Err: &Error{Kind: KindIdentityCollision, Op: "register", Err: e}})

	gen := s.gen
	s.collisionTimer = time.AfterFunc(delay, func() {
		s.postGen(gen, func() {
			s.collisionTimer = nil
			s.createPeer()
		})
	})
}

func (s *Session) onDisconnected() {
	if s.connected {
		log.Warnf("[%s] broker link lost; media continues", s.self)
		return
	}
	s.fail(&Error{Kind: KindTransport, Op: "broker", Err: fmt.Errorf("disconnected from broker")})
}

// onBroadcast ends the session when the privileged side announces it.
func (s *Session) onBroadcast(msg broadcast.Message) {
	ce, ok := broadcast.DecodeCallEnded(msg)
	if !ok {
		return
	}
	if msg.From == s.self || ce.EndedBy == string(s.role) {
		return
	}
	if s.role.Privileged() || !identity.Role(ce.EndedBy).Privileged() {
		return
	}
	log.Infof("[%s] call ended by %s", s.self, ce.EndedBy)
	s.teardown(EndRemote)
}
