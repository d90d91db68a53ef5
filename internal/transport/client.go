package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/consult/internal/proto"
	"github.com/petervdpas/consult/internal/util"
)

var log = logging.Logger("transport")

// Options configures Client.
type Options struct {
	// BrokerURL is the rendezvous broker base URL (http, https, ws or wss).
	BrokerURL string
	// Heartbeat is the keep-alive interval; it must be shorter than the
	// broker's registration TTL.
	Heartbeat time.Duration
	ICE       *ICEConfig
	// ICE disconnected/failed timeouts; zero keeps pion's defaults.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	Dialer              *websocket.Dialer
}

// NewFactory returns a Factory producing broker-backed Clients.
func NewFactory(opts Options) Factory {
	return func(id string, h Handlers) (Peer, error) {
		return Dial(id, h, opts)
	}
}

// Client is the production Peer: a websocket registration at the broker plus
// one pion PeerConnection per media or data connection.
type Client struct {
	id   string
	h    Handlers
	opts Options
	api  *webrtc.API

	writeMu sync.Mutex

	mu        sync.Mutex
	ws        *websocket.Conn
	conns     map[string]*connection
	open      bool
	idTaken   bool
	destroyed bool

	done chan struct{}
}

// Dial starts registering id at the broker and returns immediately.
func Dial(id string, h Handlers, opts Options) (*Client, error) {
	if _, err := util.ValidatePeerName(id); err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 5 * time.Second
	}
	api, err := newAPI(opts)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	c := &Client{
		id:    id,
		h:     h,
		opts:  opts,
		api:   api,
		conns: make(map[string]*connection),
		done:  make(chan struct{}),
	}
	go c.run()
	return c, nil
}

func newAPI(opts Options) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, err
	}
	se := webrtc.SettingEngine{}
	if opts.DisconnectedTimeout > 0 && opts.FailedTimeout > 0 {
		se.SetICETimeouts(opts.DisconnectedTimeout, opts.FailedTimeout, 2*time.Second)
	}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

func (c *Client) ID() string { return c.id }

func (c *Client) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// Destroy closes every connection (notifying the remote side) and then the
// broker link. No peer-level callbacks fire afterwards.
func (c *Client) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	conns := make([]*connection, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	ws := c.ws
	close(c.done)
	c.mu.Unlock()

	for _, conn := range conns {
		conn.shutdown(true)
	}
	if ws != nil {
		c.writeMu.Lock()
		_ = ws.SetWriteDeadline(time.Now().Add(util.ShortTimeout))
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = ws.Close()
	}
	log.Infof("[%s] peer destroyed", c.id)
}

// Call places a media call to target.
func (c *Client) Call(target string, local LocalStream) (MediaConnection, error) {
	conn, err := c.newConnection(uuid.NewString(), target, proto.KindMedia, "", true)
	if err != nil {
		return nil, err
	}
	pc, err := c.newPeerConnection(conn)
	if err != nil {
		conn.shutdown(false)
		return nil, err
	}
	addLocalTracks(c.id, pc, local)
	if err := c.offer(conn, pc); err != nil {
		conn.shutdown(false)
		return nil, err
	}
	log.Infof("[%s] calling %s (conn %s)", c.id, target, conn.id)
	return mediaConn{conn}, nil
}

// Connect opens a reliable data connection to target.
func (c *Client) Connect(target string) (DataConnection, error) {
	conn, err := c.newConnection(uuid.NewString(), target, proto.KindData, "data", true)
	if err != nil {
		return nil, err
	}
	pc, err := c.newPeerConnection(conn)
	if err != nil {
		conn.shutdown(false)
		return nil, err
	}
	ordered := true
	dc, err := pc.CreateDataChannel(conn.label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		conn.shutdown(false)
		return nil, newError(ErrWebRTC, target, "create data channel: %v", err)
	}
	conn.attachDataChannel(dc)
	if err := c.offer(conn, pc); err != nil {
		conn.shutdown(false)
		return nil, err
	}
	log.Infof("[%s] data connection to %s (conn %s)", c.id, target, conn.id)
	return dataConn{conn}, nil
}

func (c *Client) offer(conn *connection, pc *webrtc.PeerConnection) error {
	sdp, err := pc.CreateOffer(nil)
	if err != nil {
		return newError(ErrWebRTC, conn.peer, "create offer: %v", err)
	}
	if err := pc.SetLocalDescription(sdp); err != nil {
		return newError(ErrWebRTC, conn.peer, "set local description: %v", err)
	}
	return c.send(proto.TypeOffer, conn.peer, proto.Negotiation{
		ConnectionID: conn.id,
		Kind:         conn.kind,
		Label:        conn.label,
		SDP:          &sdp,
	})
}

func (c *Client) newConnection(id, peer, kind, label string, outbound bool) (*connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, newError(ErrDisconnected, peer, "peer %s is destroyed", c.id)
	}
	if _, dup := c.conns[id]; dup {
		return nil, newError(ErrServer, peer, "duplicate connection id %s", id)
	}
	conn := &connection{
		c:        c,
		id:       id,
		peer:     peer,
		kind:     kind,
		label:    label,
		outbound: outbound,
		done:     make(chan struct{}),
	}
	if kind == proto.KindData {
		conn.reasm = newReassembler()
		conn.lowBuf = make(chan struct{}, 1)
	}
	c.conns[id] = conn
	return conn, nil
}

func (c *Client) lookup(id string) *connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[id]
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.conns, id)
	c.mu.Unlock()
}

func (c *Client) newPeerConnection(conn *connection) (*webrtc.PeerConnection, error) {
	pc, err := c.api.NewPeerConnection(webrtc.Configuration{ICEServers: c.opts.ICE.Servers()})
	if err != nil {
		return nil, newError(ErrWebRTC, conn.peer, "new peer connection: %v", err)
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		if err := c.send(proto.TypeCandidate, conn.peer, proto.Negotiation{
			ConnectionID: conn.id,
			Kind:         conn.kind,
			Candidate:    &init,
		}); err != nil {
			log.Debugf("[%s] send candidate: %v", c.id, err)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debugf("[%s] conn %s to %s: %s", c.id, conn.id, conn.peer, s)
		switch s {
		case webrtc.PeerConnectionStateFailed:
			c.emitError(newError(ErrWebRTC, conn.peer, "connection %s failed", conn.id))
			conn.shutdown(true)
		case webrtc.PeerConnectionStateClosed:
			conn.shutdown(false)
		}
	})

	if conn.kind == proto.KindMedia {
		pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			log.Infof("[%s] remote %s track from %s (%s)", c.id, tr.Kind(), conn.peer, tr.Codec().MimeType)
			conn.addRemoteTrack(tr)
			if tr.Kind() == webrtc.RTPCodecTypeVideo {
				go conn.requestKeyframes(pc, tr)
			}
		})
	}

	conn.mu.Lock()
	conn.pc = pc
	conn.mu.Unlock()
	return pc, nil
}

// addLocalTracks attaches local's tracks and adds receive-only transceivers
// for any kind local lacks, so the remote side's media is still negotiated.
func addLocalTracks(id string, pc *webrtc.PeerConnection, local LocalStream) {
	have := map[webrtc.RTPCodecType]bool{}
	if local != nil {
		for _, t := range local.Tracks() {
			sender, err := pc.AddTrack(t)
			if err != nil {
				log.Warnf("[%s] add %s track: %v", id, t.Kind(), err)
				continue
			}
			have[t.Kind()] = true
			// RTCP must be read for the interceptors (NACK, reports) to work.
			go func() {
				buf := make([]byte, 1500)
				for {
					if _, _, err := sender.Read(buf); err != nil {
						return
					}
				}
			}()
		}
	}
	for _, k := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if have[k] {
			continue
		}
		if _, err := pc.AddTransceiverFromKind(k, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("[%s] add recvonly %s transceiver: %v", id, k, err)
		}
	}
}

func (c *Client) send(typ, dst string, payload any) error {
	m, err := proto.NewMessage(typ, c.id, dst, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return newError(ErrNetwork, dst, "not connected to broker")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(util.DefaultWriteTimeout))
	if err := ws.WriteJSON(m); err != nil {
		return newError(ErrNetwork, dst, "write %s: %v", typ, err)
	}
	return nil
}

func (c *Client) emitError(e *Error) {
	if c.Destroyed() {
		return
	}
	log.Warnf("[%s] %v", c.id, e)
	if c.h.OnError != nil {
		c.h.OnError(e)
	}
}

func (c *Client) run() {
	u, err := util.WebSocketURL(c.opts.BrokerURL, proto.PeerPath, url.Values{
		"id":    {c.id},
		"token": {uuid.NewString()},
	})
	if err != nil {
		c.emitError(newError(ErrNetwork, "", "broker url: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultDialTimeout)
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	dialer := c.opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, u, nil)
	cancel()
	if err != nil {
		c.emitError(newError(ErrNetwork, "", "dial broker: %v", err))
		return
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		_ = ws.Close()
		return
	}
	c.ws = ws
	c.mu.Unlock()

	c.readLoop(ws)
}

func (c *Client) readLoop(ws *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		wasOpen, taken, destroyed := c.open, c.idTaken, c.destroyed
		c.open = false
		c.mu.Unlock()
		_ = ws.Close()
		if destroyed || taken {
			return
		}
		if !wasOpen {
			c.emitError(newError(ErrNetwork, "", "broker closed the connection before registration"))
			return
		}
		log.Warnf("[%s] disconnected from broker", c.id)
		if c.h.OnDisconnected != nil {
			c.h.OnDisconnected()
		}
	}()

	for {
		var m proto.Message
		if err := ws.ReadJSON(&m); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) && !c.Destroyed() {
				log.Debugf("[%s] broker read: %v", c.id, err)
			}
			return
		}
		c.handle(m)
	}
}

func (c *Client) handle(m proto.Message) {
	switch m.Type {
	case proto.TypeOpen:
		c.mu.Lock()
		c.open = true
		destroyed := c.destroyed
		c.mu.Unlock()
		if destroyed {
			return
		}
		log.Infof("[%s] registered at broker", c.id)
		go c.heartbeat()
		if c.h.OnOpen != nil {
			c.h.OnOpen(c.id)
		}

	case proto.TypeIDTaken:
		c.mu.Lock()
		c.idTaken = true
		c.mu.Unlock()
		c.emitError(newError(ErrUnavailableID, "", "name %s is already registered", c.id))

	case proto.TypeError:
		var p proto.ErrorPayload
		_ = json.Unmarshal(m.Payload, &p)
		c.emitError(newError(ErrServer, m.Src, "%s", p.Msg))

	case proto.TypeExpire:
		// Src carries the unreachable name.
		c.expire(m.Src)
		c.emitError(newError(ErrPeerUnavailable, m.Src, "could not connect to peer %s", m.Src))

	case proto.TypeOffer, proto.TypeAnswer, proto.TypeCandidate, proto.TypeLeave:
		var n proto.Negotiation
		if err := json.Unmarshal(m.Payload, &n); err != nil || n.ConnectionID == "" {
			log.Warnf("[%s] bad %s from %s", c.id, m.Type, m.Src)
			return
		}
		c.negotiate(m.Type, m.Src, n)

	case proto.TypeHeartbeat:
	default:
		log.Debugf("[%s] ignoring %s", c.id, m.Type)
	}
}

// expire closes connections to peer that never opened.
func (c *Client) expire(peer string) {
	c.mu.Lock()
	var stale []*connection
	for _, conn := range c.conns {
		if conn.peer == peer && conn.outbound && !conn.isOpen() {
			stale = append(stale, conn)
		}
	}
	c.mu.Unlock()
	for _, conn := range stale {
		conn.shutdown(false)
	}
}

func (c *Client) negotiate(typ, src string, n proto.Negotiation) {
	switch typ {
	case proto.TypeOffer:
		if n.SDP == nil {
			return
		}
		c.acceptOffer(src, n)

	case proto.TypeAnswer:
		conn := c.lookup(n.ConnectionID)
		if conn == nil || n.SDP == nil {
			return
		}
		if err := conn.setRemote(*n.SDP); err != nil {
			c.emitError(newError(ErrWebRTC, src, "apply answer: %v", err))
			conn.shutdown(true)
		}

	case proto.TypeCandidate:
		conn := c.lookup(n.ConnectionID)
		if conn == nil || n.Candidate == nil {
			return
		}
		conn.addCandidate(*n.Candidate)

	case proto.TypeLeave:
		if conn := c.lookup(n.ConnectionID); conn != nil {
			log.Infof("[%s] %s closed conn %s", c.id, src, conn.id)
			conn.shutdown(false)
		}
	}
}

func (c *Client) acceptOffer(src string, n proto.Negotiation) {
	conn, err := c.newConnection(n.ConnectionID, src, n.Kind, n.Label, false)
	if err != nil {
		log.Debugf("[%s] offer from %s: %v", c.id, src, err)
		return
	}

	switch n.Kind {
	case proto.KindMedia:
		offer := *n.SDP
		conn.mu.Lock()
		conn.offer = &offer
		conn.mu.Unlock()
		log.Infof("[%s] incoming call from %s (conn %s)", c.id, src, conn.id)
		if c.h.OnCall != nil && !c.Destroyed() {
			c.h.OnCall(mediaConn{conn})
		} else {
			conn.shutdown(true)
		}

	case proto.KindData:
		pc, err := c.newPeerConnection(conn)
		if err != nil {
			c.emitError(err.(*Error))
			conn.shutdown(true)
			return
		}
		pc.OnDataChannel(conn.attachDataChannel)
		if err := c.answer(conn, pc, *n.SDP); err != nil {
			c.emitError(err.(*Error))
			conn.shutdown(true)
			return
		}
		log.Infof("[%s] incoming data connection from %s (conn %s)", c.id, src, conn.id)
		if c.h.OnConnection != nil && !c.Destroyed() {
			c.h.OnConnection(dataConn{conn})
		} else {
			conn.shutdown(true)
		}

	default:
		log.Warnf("[%s] offer of unknown kind %q from %s", c.id, n.Kind, src)
		conn.shutdown(true)
	}
}

// answer applies offer and replies with an ANSWER. Errors are *Error.
func (c *Client) answer(conn *connection, pc *webrtc.PeerConnection, offer webrtc.SessionDescription) error {
	if err := conn.setRemote(offer); err != nil {
		return newError(ErrWebRTC, conn.peer, "apply offer: %v", err)
	}
	sdp, err := pc.CreateAnswer(nil)
	if err != nil {
		return newError(ErrWebRTC, conn.peer, "create answer: %v", err)
	}
	if err := pc.SetLocalDescription(sdp); err != nil {
		return newError(ErrWebRTC, conn.peer, "set local description: %v", err)
	}
	if err := c.send(proto.TypeAnswer, conn.peer, proto.Negotiation{
		ConnectionID: conn.id,
		Kind:         conn.kind,
		Label:        conn.label,
		SDP:          &sdp,
	}); err != nil {
		var te *Error
		if errors.As(err, &te) {
			return te
		}
		return newError(ErrNetwork, conn.peer, "%v", err)
	}
	return nil
}

func (c *Client) heartbeat() {
	t := time.NewTicker(c.opts.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.send(proto.TypeHeartbeat, "", nil); err != nil {
				log.Debugf("[%s] heartbeat: %v", c.id, err)
				return
			}
		}
	}
}
