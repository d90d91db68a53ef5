// Package memnet is an in-process transport.Peer network for tests. Names
// register instantly, calls connect without ICE and data is delivered in
// order by direct function calls.
package memnet

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/consult/internal/media"
	"github.com/petervdpas/consult/internal/transport"
)

// Network is a registry of in-memory peers.
type Network struct {
	mu       sync.Mutex
	peers    map[string]*Peer
	reserved map[string]bool
	created  map[string]int
}

func New() *Network {
	return &Network{
		peers:    make(map[string]*Peer),
		reserved: make(map[string]bool),
		created:  make(map[string]int),
	}
}

// Factory returns a transport.Factory bound to n.
func (n *Network) Factory() transport.Factory {
	return func(id string, h transport.Handlers) (transport.Peer, error) {
		return n.NewPeer(id, h), nil
	}
}

// Reserve holds id as if a stale registration still owned it.
func (n *Network) Reserve(id string) {
	n.mu.Lock()
	n.reserved[id] = true
	n.mu.Unlock()
}

// Release frees a name held by Reserve.
func (n *Network) Release(id string) {
	n.mu.Lock()
	delete(n.reserved, id)
	n.mu.Unlock()
}

// Created counts peers ever constructed under id.
func (n *Network) Created(id string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.created[id]
}

// Registered reports whether id is held by a live peer.
func (n *Network) Registered(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.peers[id]
	return ok
}

// Lookup returns the live peer registered as id.
func (n *Network) Lookup(id string) (*Peer, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.peers[id]
	return p, ok
}

// Disconnect simulates a broker link loss for id.
func (n *Network) Disconnect(id string) {
	if p, ok := n.Lookup(id); ok && p.h.OnDisconnected != nil {
		p.h.OnDisconnected()
	}
}

// NewPeer creates a peer and registers it asynchronously.
func (n *Network) NewPeer(id string, h transport.Handlers) *Peer {
	p := &Peer{net: n, id: id, h: h, conns: make(map[string]*conn)}
	n.mu.Lock()
	n.created[id]++
	n.mu.Unlock()
	go p.register()
	return p
}

// Peer is an in-memory transport.Peer.
type Peer struct {
	net *Network
	id  string
	h   transport.Handlers

	mu        sync.Mutex
	destroyed bool
	conns     map[string]*conn
}

func (p *Peer) ID() string { return p.id }

func (p *Peer) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

// Connections counts the peer's live connections.
func (p *Peer) Connections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *Peer) register() {
	n := p.net
	n.mu.Lock()
	if p.Destroyed() {
		n.mu.Unlock()
		return
	}
	_, taken := n.peers[p.id]
	if taken || n.reserved[p.id] {
		n.mu.Unlock()
		p.emitError(&transport.Error{Type: transport.ErrUnavailableID, Err: fmt.Errorf("name %s is already registered", p.id)})
		return
	}
	n.peers[p.id] = p
	n.mu.Unlock()

	if p.h.OnOpen != nil && !p.Destroyed() {
		p.h.OnOpen(p.id)
	}
}

func (p *Peer) emitError(e *transport.Error) {
	if p.Destroyed() {
		return
	}
	if p.h.OnError != nil {
		p.h.OnError(e)
	}
}

func (p *Peer) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	conns := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	p.net.mu.Lock()
	if p.net.peers[p.id] == p {
		delete(p.net.peers, p.id)
	}
	p.net.mu.Unlock()
}

func (p *Peer) newConn(remote, kind string) (*conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return nil, &transport.Error{Type: transport.ErrDisconnected, Peer: remote, Err: errors.New("peer destroyed")}
	}
	c := &conn{owner: p, id: uuid.NewString(), peer: remote, kind: kind, done: make(chan struct{})}
	p.conns[c.id] = c
	return c, nil
}

func (p *Peer) forget(id string) {
	p.mu.Lock()
	delete(p.conns, id)
	p.mu.Unlock()
}

// dial links a fresh local conn with one on target, or reports the target
// unavailable the way the broker does.
func (p *Peer) dial(target, kind string) (*conn, *Peer, *conn, error) {
	local, err := p.newConn(target, kind)
	if err != nil {
		return nil, nil, nil, err
	}
	remote, ok := p.net.Lookup(target)
	if !ok || remote.Destroyed() {
		go func() {
			local.Close()
			p.emitError(&transport.Error{Type: transport.ErrPeerUnavailable, Peer: target, Err: fmt.Errorf("could not connect to peer %s", target)})
		}()
		return local, nil, nil, nil
	}
	other, err := remote.newConn(p.id, kind)
	if err != nil {
		go local.Close()
		return local, nil, nil, nil
	}
	local.mu.Lock()
	local.other = other
	local.mu.Unlock()
	other.mu.Lock()
	other.other = local
	other.mu.Unlock()
	return local, remote, other, nil
}

func (p *Peer) Call(target string, local transport.LocalStream) (transport.MediaConnection, error) {
	c, remote, other, err := p.dial(target, "media")
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.local = local
	c.mu.Unlock()
	if remote != nil {
		go func() {
			if remote.h.OnCall != nil && !remote.Destroyed() {
				remote.h.OnCall(mediaConn{other})
			}
		}()
	}
	return mediaConn{c}, nil
}

func (p *Peer) Connect(target string) (transport.DataConnection, error) {
	c, remote, other, err := p.dial(target, "data")
	if err != nil {
		return nil, err
	}
	if remote != nil {
		go func() {
			if remote.h.OnConnection != nil && !remote.Destroyed() {
				remote.h.OnConnection(dataConn{other})
			}
			other.markOpen()
			c.markOpen()
		}()
	}
	return dataConn{c}, nil
}

type conn struct {
	owner *Peer
	id    string
	peer  string
	kind  string
	done  chan struct{}

	mu       sync.Mutex
	other    *conn
	local    transport.LocalStream
	open     bool
	closed   bool
	stream   *transport.RemoteStream
	onStream func(*transport.RemoteStream)
	onOpen   func()
	onData   func([]byte)
	onClose  func()
	sent     int
}

func (c *conn) ID() string   { return c.id }
func (c *conn) Peer() string { return c.peer }

func (c *conn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.closed
}

func (c *conn) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.onClose = fn
	c.mu.Unlock()
}

// Close closes both ends.
func (c *conn) Close() {
	if !c.closeLocal() {
		return
	}
	c.mu.Lock()
	other := c.other
	c.mu.Unlock()
	if other != nil {
		other.closeLocal()
	}
}

func (c *conn) closeLocal() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	fn := c.onClose
	close(c.done)
	c.mu.Unlock()
	c.owner.forget(c.id)
	if fn != nil {
		fn()
	}
	return true
}

func (c *conn) markOpen() {
	c.mu.Lock()
	if c.closed || c.open {
		c.mu.Unlock()
		return
	}
	c.open = true
	fn := c.onOpen
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// deliverStream hands c a remote stream built from the far side's tracks.
func (c *conn) deliverStream(from transport.LocalStream) {
	s := transport.NewRemoteStream(c.id)
	if from != nil {
		for _, t := range from.Tracks() {
			s.AddTrack(&track{id: t.ID(), kind: t.Kind(), done: c.done})
		}
	}
	c.mu.Lock()
	if c.closed || c.stream != nil {
		c.mu.Unlock()
		return
	}
	c.stream = s
	c.open = true
	fn := c.onStream
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

type mediaConn struct{ *conn }

func (m mediaConn) Answer(local transport.LocalStream) error {
	c := m.conn
	c.mu.Lock()
	closed, other := c.closed, c.other
	c.local = local
	c.mu.Unlock()
	if closed || other == nil {
		return &transport.Error{Type: transport.ErrDisconnected, Peer: c.peer, Err: errors.New("connection closed")}
	}
	other.mu.Lock()
	callerLocal := other.local
	other.mu.Unlock()
	go func() {
		c.deliverStream(callerLocal)
		other.deliverStream(local)
	}()
	return nil
}

func (m mediaConn) OnStream(fn func(*transport.RemoteStream)) {
	c := m.conn
	c.mu.Lock()
	s := c.stream
	if s == nil {
		c.onStream = fn
	}
	c.mu.Unlock()
	if s != nil {
		fn(s)
	}
}

type dataConn struct{ *conn }

func (d dataConn) Label() string { return "data" }

func (d dataConn) OnOpen(fn func()) {
	c := d.conn
	c.mu.Lock()
	open := c.open && !c.closed
	if !open {
		c.onOpen = fn
	}
	c.mu.Unlock()
	if open {
		fn()
	}
}

func (d dataConn) OnData(fn func([]byte)) {
	d.mu.Lock()
	d.onData = fn
	d.mu.Unlock()
}

func (d dataConn) Send(msg []byte) error {
	c := d.conn
	c.mu.Lock()
	open, closed, other := c.open, c.closed, c.other
	if open && !closed {
		c.sent++
	}
	c.mu.Unlock()
	if closed || !open || other == nil {
		return &transport.Error{Type: transport.ErrWebRTC, Peer: c.peer, Err: errors.New("data connection is not open")}
	}
	other.mu.Lock()
	fn := other.onData
	other.mu.Unlock()
	if fn != nil {
		fn(append([]byte(nil), msg...))
	}
	return nil
}

// Sent counts messages sent on a memnet data connection.
func Sent(dc transport.DataConnection) int {
	d, ok := dc.(dataConn)
	if !ok {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent
}

// track is a remote track that carries no packets and ends with its
// connection.
type track struct {
	id   string
	kind webrtc.RTPCodecType
	done chan struct{}
}

var _ media.RemoteTrack = (*track)(nil)

func (t *track) ID() string                       { return t.id }
func (t *track) Kind() webrtc.RTPCodecType        { return t.kind }
func (t *track) Codec() webrtc.RTPCodecParameters { return webrtc.RTPCodecParameters{} }

func (t *track) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	<-t.done
	return nil, nil, io.EOF
}
