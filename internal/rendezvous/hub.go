package rendezvous

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/consult/internal/proto"
	"github.com/petervdpas/consult/internal/util"
)

const subscriberBuffer = 64

// subscriber is one /broadcast socket.
type subscriber struct {
	name string
	ws   *websocket.Conn
	out  chan proto.Frame
	done chan struct{}
	once sync.Once
}

func (sub *subscriber) stop() {
	sub.once.Do(func() {
		close(sub.done)
		_ = sub.ws.Close()
	})
}

func (sub *subscriber) writeLoop() {
	for {
		select {
		case <-sub.done:
			return
		case f := <-sub.out:
			_ = sub.ws.SetWriteDeadline(time.Now().Add(util.DefaultWriteTimeout))
			if err := sub.ws.WriteJSON(f); err != nil {
				sub.stop()
				return
			}
		}
	}
}

// hub fans PUBLISH frames out to the other subscribers of a channel.
type hub struct {
	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[*subscriber]struct{})}
}

func (h *hub) subscribe(channel string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[channel]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[channel] = set
	}
	set[sub] = struct{}{}
}

func (h *hub) unsubscribe(channel string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[channel]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, channel)
		}
	}
}

func (h *hub) drop(sub *subscriber) {
	h.mu.Lock()
	for channel, set := range h.subs {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, channel)
		}
	}
	h.mu.Unlock()
	sub.stop()
}

// publish delivers f to every subscriber of f.Channel except from. It returns
// the number of subscribers reached.
func (h *hub) publish(f proto.Frame, from *subscriber) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for sub := range h.subs[f.Channel] {
		if sub == from {
			continue
		}
		select {
		case sub.out <- f:
			n++
		case <-sub.done:
		default:
			// slow subscriber; drop rather than block the publisher
			log.Warnf("[%s] subscriber %s full, dropping message", f.Channel, sub.name)
		}
	}
	return n
}

// channels lists channel names with their subscriber counts.
func (h *hub) channels() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.subs))
	for c, set := range h.subs {
		out[c] = len(set)
	}
	return out
}

func (h *hub) closeAll() {
	h.mu.Lock()
	var all []*subscriber
	seen := map[*subscriber]bool{}
	for _, set := range h.subs {
		for sub := range set {
			if !seen[sub] {
				seen[sub] = true
				all = append(all, sub)
			}
		}
	}
	h.subs = make(map[string]map[*subscriber]struct{})
	h.mu.Unlock()
	for _, sub := range all {
		sub.stop()
	}
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("broadcast upgrade: %v", err)
		return
	}
	ws.SetReadLimit(maxMessageSize)

	sub := &subscriber{
		name: util.SanitizeName(r.URL.Query().Get("name")),
		ws:   ws,
		out:  make(chan proto.Frame, subscriberBuffer),
		done: make(chan struct{}),
	}
	if sub.name == "" {
		sub.name = extractIP(r.RemoteAddr)
	}
	go sub.writeLoop()
	defer s.hub.drop(sub)

	for {
		var f proto.Frame
		if err := ws.ReadJSON(&f); err != nil {
			return
		}
		if f.Channel == "" {
			log.Debugf("[%s] %s frame without channel", sub.name, f.Type)
			continue
		}
		switch f.Type {
		case proto.FrameSubscribe:
			s.hub.subscribe(f.Channel, sub)
			log.Debugf("[%s] %s subscribed", f.Channel, sub.name)
		case proto.FrameUnsubscribe:
			s.hub.unsubscribe(f.Channel, sub)
		case proto.FramePublish:
			from := f.From
			if from == "" {
				from = sub.name
			}
			n := s.hub.publish(proto.Frame{Type: proto.FrameMessage, Channel: f.Channel, From: from, Data: f.Data}, sub)
			s.addLog(fmt.Sprintf("Broadcast on %s from %s to %d subscriber(s)", f.Channel, from, n))
		default:
			log.Debugf("[%s] ignoring %s frame from %s", f.Channel, f.Type, sub.name)
		}
	}
}
