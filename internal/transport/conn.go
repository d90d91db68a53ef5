package transport

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/consult/internal/proto"
)

const (
	// Flow control for large data channel messages.
	bufferHighWater = 1 << 20
	bufferLowWater  = 256 << 10
	sendStallLimit  = 30 * time.Second

	keyframeInterval = 3 * time.Second
)

// connection is the state shared by media and data connections.
type connection struct {
	c        *Client
	id       string
	peer     string
	kind     string
	label    string
	outbound bool
	done     chan struct{}

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	offer     *webrtc.SessionDescription
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	open      bool
	closed    bool

	stream   *RemoteStream
	onStream func(*RemoteStream)
	onOpen   func()
	onData   func([]byte)
	onClose  func()

	dc     *webrtc.DataChannel
	chunks chunker
	reasm  *reassembler
	lowBuf chan struct{}
}

func (conn *connection) ID() string   { return conn.id }
func (conn *connection) Peer() string { return conn.peer }

func (conn *connection) Open() bool { return conn.isOpen() }

func (conn *connection) isOpen() bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.open && !conn.closed
}

func (conn *connection) OnClose(fn func()) {
	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		fn()
		return
	}
	conn.onClose = fn
	conn.mu.Unlock()
}

// Close tears the connection down and tells the remote side.
func (conn *connection) Close() { conn.shutdown(true) }

func (conn *connection) shutdown(notify bool) {
	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return
	}
	conn.closed = true
	pc, dc, fn := conn.pc, conn.dc, conn.onClose
	close(conn.done)
	conn.mu.Unlock()

	conn.c.forget(conn.id)
	if notify {
		if err := conn.c.send(proto.TypeLeave, conn.peer, proto.Negotiation{
			ConnectionID: conn.id,
			Kind:         conn.kind,
		}); err != nil {
			log.Debugf("[%s] leave %s: %v", conn.c.id, conn.id, err)
		}
	}
	// Close may be reached from inside pion callbacks.
	go func() {
		if dc != nil {
			_ = dc.Close()
		}
		if pc != nil {
			_ = pc.Close()
		}
	}()
	if fn != nil {
		fn()
	}
}

func (conn *connection) setRemote(sdp webrtc.SessionDescription) error {
	conn.mu.Lock()
	pc := conn.pc
	conn.mu.Unlock()
	if pc == nil {
		return errClosed
	}
	if err := pc.SetRemoteDescription(sdp); err != nil {
		return err
	}
	conn.mu.Lock()
	conn.remoteSet = true
	queued := conn.pending
	conn.pending = nil
	conn.mu.Unlock()
	for _, cand := range queued {
		if err := pc.AddICECandidate(cand); err != nil {
			log.Debugf("[%s] add queued candidate: %v", conn.c.id, err)
		}
	}
	return nil
}

// addCandidate queues candidates that arrive before the remote description.
func (conn *connection) addCandidate(cand webrtc.ICECandidateInit) {
	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return
	}
	if !conn.remoteSet || conn.pc == nil {
		conn.pending = append(conn.pending, cand)
		conn.mu.Unlock()
		return
	}
	pc := conn.pc
	conn.mu.Unlock()
	if err := pc.AddICECandidate(cand); err != nil {
		log.Debugf("[%s] add candidate: %v", conn.c.id, err)
	}
}

// ── media ───────────────────────────────────────────────────────────────────

type mediaConn struct{ *connection }

func (m mediaConn) Answer(local LocalStream) error {
	conn := m.connection
	conn.mu.Lock()
	offer, closed := conn.offer, conn.closed
	conn.offer = nil
	conn.mu.Unlock()
	if closed {
		return newError(ErrDisconnected, conn.peer, "%v", errClosed)
	}
	if offer == nil {
		return newError(ErrWebRTC, conn.peer, "%v", errNoOffer)
	}

	pc, err := conn.c.newPeerConnection(conn)
	if err != nil {
		return err
	}
	addLocalTracks(conn.c.id, pc, local)
	if err := conn.c.answer(conn, pc, *offer); err != nil {
		conn.shutdown(true)
		return err
	}
	log.Infof("[%s] answered call from %s (conn %s)", conn.c.id, conn.peer, conn.id)
	return nil
}

func (m mediaConn) OnStream(fn func(*RemoteStream)) {
	conn := m.connection
	conn.mu.Lock()
	s := conn.stream
	if s == nil {
		conn.onStream = fn
	}
	conn.mu.Unlock()
	if s != nil {
		fn(s)
	}
}

func (conn *connection) addRemoteTrack(tr *webrtc.TrackRemote) {
	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return
	}
	first := conn.stream == nil
	if first {
		conn.stream = NewRemoteStream(conn.id)
	}
	conn.open = true
	s, fn := conn.stream, conn.onStream
	conn.mu.Unlock()

	s.AddTrack(tr)
	if first && fn != nil {
		fn(s)
	}
}

// requestKeyframes sends periodic picture loss indications so a late
// decoder (recorder, live view) gets a keyframe promptly.
func (conn *connection) requestKeyframes(pc *webrtc.PeerConnection, tr *webrtc.TrackRemote) {
	t := time.NewTicker(keyframeInterval)
	defer t.Stop()
	for {
		if err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(tr.SSRC())}}); err != nil {
			return
		}
		select {
		case <-conn.done:
			return
		case <-t.C:
		}
	}
}

// ── data ────────────────────────────────────────────────────────────────────

type dataConn struct{ *connection }

func (d dataConn) Label() string { return d.label }

func (d dataConn) OnOpen(fn func()) {
	conn := d.connection
	conn.mu.Lock()
	open := conn.open && !conn.closed
	if !open {
		conn.onOpen = fn
	}
	conn.mu.Unlock()
	if open {
		fn()
	}
}

func (d dataConn) OnData(fn func([]byte)) {
	d.mu.Lock()
	d.onData = fn
	d.mu.Unlock()
}

// Send frames msg and writes the frames in order, pausing while the SCTP
// send buffer is above the high-water mark.
func (d dataConn) Send(msg []byte) error {
	conn := d.connection
	conn.mu.Lock()
	dc, open, closed := conn.dc, conn.open, conn.closed
	conn.mu.Unlock()
	if closed {
		return newError(ErrDisconnected, conn.peer, "%v", errClosed)
	}
	if !open || dc == nil {
		return newError(ErrWebRTC, conn.peer, "%v", errNotOpen)
	}

	for _, f := range conn.chunks.split(msg) {
		for dc.BufferedAmount() > bufferHighWater {
			select {
			case <-conn.lowBuf:
			case <-conn.done:
				return newError(ErrDisconnected, conn.peer, "%v", errClosed)
			case <-time.After(sendStallLimit):
				return newError(ErrWebRTC, conn.peer, "send stalled")
			}
		}
		if err := dc.Send(f); err != nil {
			return newError(ErrWebRTC, conn.peer, "send: %v", err)
		}
	}
	return nil
}

func (conn *connection) attachDataChannel(dc *webrtc.DataChannel) {
	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		_ = dc.Close()
		return
	}
	conn.dc = dc
	conn.mu.Unlock()

	dc.SetBufferedAmountLowThreshold(bufferLowWater)
	dc.OnBufferedAmountLow(func() {
		select {
		case conn.lowBuf <- struct{}{}:
		default:
		}
	})
	dc.OnOpen(func() {
		conn.mu.Lock()
		if conn.closed || conn.open {
			conn.mu.Unlock()
			return
		}
		conn.open = true
		fn := conn.onOpen
		conn.mu.Unlock()
		log.Infof("[%s] data connection %s to %s open", conn.c.id, conn.id, conn.peer)
		if fn != nil {
			fn()
		}
	})
	dc.OnMessage(func(m webrtc.DataChannelMessage) {
		msg, err := conn.reasm.add(m.Data)
		if err != nil {
			log.Warnf("[%s] data from %s: %v", conn.c.id, conn.peer, err)
			return
		}
		if msg == nil {
			return
		}
		conn.mu.Lock()
		fn := conn.onData
		conn.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
	})
	dc.OnClose(func() { conn.shutdown(true) })
}
