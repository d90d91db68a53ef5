package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/consult/internal/proto"
	"github.com/petervdpas/consult/internal/storage"
	"github.com/petervdpas/consult/internal/util"
)

// maxMessageSize bounds one signaling message; SDP offers stay well below it.
const maxMessageSize = 64 * 1024

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin policy is enforced by CORS on the HTTP routes; sockets come from
	// any participant page.
	CheckOrigin: func(r *http.Request) bool { return true },
}

var errNameTaken = errors.New("name is registered")

// registration is one live name on /peer.
type registration struct {
	id          string
	remote      string
	connectedAt int64
	lastSeen    atomic.Int64
	messages    atomic.Int64

	writeMu sync.Mutex
	ws      *websocket.Conn
	once    sync.Once
}

func (reg *registration) send(m proto.Message) error {
	reg.writeMu.Lock()
	defer reg.writeMu.Unlock()
	_ = reg.ws.SetWriteDeadline(time.Now().Add(util.DefaultWriteTimeout))
	return reg.ws.WriteJSON(m)
}

func (reg *registration) close() {
	reg.once.Do(func() {
		reg.writeMu.Lock()
		_ = reg.ws.SetWriteDeadline(time.Now().Add(util.ShortTimeout))
		_ = reg.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		reg.writeMu.Unlock()
		_ = reg.ws.Close()
	})
}

func (reg *registration) info() PeerInfo {
	return PeerInfo{
		ID:          reg.id,
		RemoteAddr:  reg.remote,
		ConnectedAt: reg.connectedAt,
		LastSeen:    reg.lastSeen.Load(),
		Messages:    reg.messages.Load(),
	}
}

func sortPeers(p []PeerInfo) {
	sort.Slice(p, func(i, j int) bool { return p[i].ID < p[j].ID })
}

// sendError writes an ERROR (or ID-TAKEN) frame to a socket that is about to close.
func sendError(ws *websocket.Conn, typ, msg string) {
	m, _ := proto.NewMessage(typ, "", "", proto.ErrorPayload{Msg: msg})
	_ = ws.SetWriteDeadline(time.Now().Add(util.ShortTimeout))
	_ = ws.WriteJSON(m)
	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msg))
	_ = ws.Close()
}

func (s *Server) handlePeer(w http.ResponseWriter, r *http.Request) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("peer upgrade: %v", err)
		return
	}
	ws.SetReadLimit(maxMessageSize)

	id := util.SanitizeName(r.URL.Query().Get("id"))
	if id == "" {
		sendError(ws, proto.TypeError, "missing or invalid id")
		return
	}

	remote := extractIP(r.RemoteAddr)
	reg, err := s.register(id, ws, remote)
	if err != nil {
		s.addLog(fmt.Sprintf("Rejected %s from %s: %v", id, remote, err))
		s.record(storage.EventCollision, id, remote)
		sendError(ws, proto.TypeIDTaken, "ID is taken")
		return
	}
	defer s.unregister(reg)

	s.addLog(fmt.Sprintf("Registered %s from %s", id, reg.remote))
	s.record(storage.EventRegister, id, reg.remote)
	if err := reg.send(proto.Message{Type: proto.TypeOpen, Dst: id}); err != nil {
		return
	}

	for {
		var m proto.Message
		if err := ws.ReadJSON(&m); err != nil {
			return
		}
		reg.lastSeen.Store(proto.NowMillis())
		reg.messages.Add(1)
		s.route(reg, m)
	}
}

// register claims id for ws. A live holder wins; one past its TTL is evicted.
func (s *Server) register(id string, ws *websocket.Conn, remote string) (*registration, error) {
	now := proto.NowMillis()
	reg := &registration{id: id, remote: remote, connectedAt: now, ws: ws}
	reg.lastSeen.Store(now)

	s.mu.Lock()
	old, taken := s.peers[id]
	if taken && !s.expired(old, now) {
		s.mu.Unlock()
		return nil, errNameTaken
	}
	s.peers[id] = reg
	s.mu.Unlock()

	if taken {
		s.addLog(fmt.Sprintf("Evicted stale registration %s", id))
		old.close()
	}
	return reg, nil
}

func (s *Server) unregister(reg *registration) {
	s.mu.Lock()
	current := s.peers[reg.id] == reg
	if current {
		delete(s.peers, reg.id)
	}
	s.mu.Unlock()
	reg.close()
	if current {
		s.addLog(fmt.Sprintf("%s left", reg.id))
		s.record(storage.EventLeave, reg.id, "")
	}
}

func (s *Server) expired(reg *registration, now int64) bool {
	return now-reg.lastSeen.Load() > s.opts.TTL.Milliseconds()
}

func (s *Server) lookup(id string) *registration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[id]
}

// route handles one message from reg. Src is always rewritten to the
// sender's registered name.
func (s *Server) route(reg *registration, m proto.Message) {
	switch m.Type {
	case proto.TypeHeartbeat:

	case proto.TypeOffer, proto.TypeAnswer, proto.TypeCandidate, proto.TypeLeave:
		if m.Dst == "" {
			s.reply(reg, proto.TypeError, "", m.Type+" without dst")
			return
		}
		m.Src = reg.id
		dst := s.lookup(m.Dst)
		if dst == nil {
			if m.Type == proto.TypeLeave {
				return
			}
			log.Debugf("[%s] %s to unknown %s", reg.id, m.Type, m.Dst)
			if m.Type == proto.TypeOffer {
				s.record(storage.EventExpire, reg.id, m.Dst)
			}
			s.reply(reg, proto.TypeExpire, m.Dst, "")
			return
		}
		if err := dst.send(m); err != nil {
			log.Debugf("[%s] relay %s to %s: %v", reg.id, m.Type, dst.id, err)
		}

	default:
		s.reply(reg, proto.TypeError, "", fmt.Sprintf("unknown message type %q", m.Type))
	}
}

func (s *Server) reply(reg *registration, typ, src, msg string) {
	var payload any
	if msg != "" {
		payload = proto.ErrorPayload{Msg: msg}
	}
	m, err := proto.NewMessage(typ, src, reg.id, payload)
	if err != nil {
		return
	}
	if err := reg.send(m); err != nil {
		log.Debugf("[%s] reply %s: %v", reg.id, typ, err)
	}
}

// expireLoop drops registrations that stopped heartbeating.
func (s *Server) expireLoop(ctx context.Context) {
	interval := s.opts.TTL / 3
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.expireStale()
		}
	}
}

func (s *Server) expireStale() {
	now := proto.NowMillis()
	var stale []*registration
	s.mu.Lock()
	for id, reg := range s.peers {
		if s.expired(reg, now) {
			delete(s.peers, id)
			stale = append(stale, reg)
		}
	}
	s.mu.Unlock()

	for _, reg := range stale {
		s.addLog(fmt.Sprintf("Expired %s (last seen: %v)", reg.id, time.UnixMilli(reg.lastSeen.Load()).Format("15:04:05")))
		s.record(storage.EventExpire, reg.id, "ttl")
		reg.close()
	}
}
