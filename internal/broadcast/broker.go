package broadcast

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/consult/internal/proto"
	"github.com/petervdpas/consult/internal/util"
)

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// BrokerBus relays channels through the rendezvous broker's broadcast
// endpoint. The link reconnects with backoff and re-subscribes on its own.
type BrokerBus struct {
	url    string
	local  *Local
	dialer *websocket.Dialer

	writeMu sync.Mutex

	mu       sync.Mutex
	ws       *websocket.Conn
	ready    chan struct{} // closed while connected
	channels map[string]int
	closed   bool
	done     chan struct{}
}

// NewBrokerBus starts connecting to the broker at baseURL. name identifies
// this node in broker logs.
func NewBrokerBus(baseURL, name string) (*BrokerBus, error) {
	u, err := util.WebSocketURL(baseURL, proto.BroadcastPath, url.Values{"name": {name}})
	if err != nil {
		return nil, err
	}
	b := &BrokerBus{
		url:      u,
		local:    NewLocal(),
		dialer:   websocket.DefaultDialer,
		ready:    make(chan struct{}),
		channels: make(map[string]int),
		done:     make(chan struct{}),
	}
	go b.run()
	return b, nil
}

func (b *BrokerBus) run() {
	backoff := reconnectMin
	for {
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultDialTimeout)
		ws, _, err := b.dialer.DialContext(ctx, b.url, nil)
		cancel()
		if err == nil {
			backoff = reconnectMin
			if !b.attach(ws) {
				_ = ws.Close()
				return
			}
			log.Infof("broadcast link to broker up")
			b.readLoop(ws)
			b.detach()
			log.Warnf("broadcast link to broker lost")
		} else {
			log.Debugf("broadcast dial: %v", err)
		}

		select {
		case <-b.done:
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, reconnectMax)
	}
}

// attach installs ws and re-subscribes every live channel.
func (b *BrokerBus) attach(ws *websocket.Conn) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.ws = ws
	channels := make([]string, 0, len(b.channels))
	for c := range b.channels {
		channels = append(channels, c)
	}
	close(b.ready)
	b.mu.Unlock()

	for _, c := range channels {
		if err := b.write(proto.Frame{Type: proto.FrameSubscribe, Channel: c}); err != nil {
			log.Debugf("[%s] resubscribe: %v", c, err)
		}
	}
	return true
}

func (b *BrokerBus) detach() {
	b.mu.Lock()
	b.ws = nil
	b.ready = make(chan struct{})
	b.mu.Unlock()
}

func (b *BrokerBus) readLoop(ws *websocket.Conn) {
	defer ws.Close()
	for {
		var f proto.Frame
		if err := ws.ReadJSON(&f); err != nil {
			return
		}
		if f.Type != proto.FrameMessage {
			continue
		}
		_ = b.local.Publish(context.Background(), f.Channel, Message{Channel: f.Channel, From: f.From, Data: f.Data})
	}
}

func (b *BrokerBus) write(f proto.Frame) error {
	b.mu.Lock()
	ws := b.ws
	b.mu.Unlock()
	if ws == nil {
		return errors.New("broadcast: not connected to broker")
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(util.DefaultWriteTimeout))
	return ws.WriteJSON(f)
}

// Publish waits for the broker link (bounded by ctx), sends msg and delivers
// it to local subscribers.
func (b *BrokerBus) Publish(ctx context.Context, channel string, msg Message) error {
	for {
		b.mu.Lock()
		closed, ready := b.closed, b.ready
		b.mu.Unlock()
		if closed {
			return ErrClosed
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return ErrClosed
		}
		err := b.write(proto.Frame{Type: proto.FramePublish, Channel: channel, From: msg.From, Data: msg.Data})
		if err == nil {
			// the broker skips the publishing socket; other subscribers in
			// this process still get the notice
			return b.local.Publish(ctx, channel, msg)
		}
		if ctx.Err() != nil {
			return err
		}
		log.Debugf("[%s] publish retry: %v", channel, err)
	}
}

func (b *BrokerBus) Subscribe(ctx context.Context, channel string) (<-chan Message, func(), error) {
	ch, cancelLocal, err := b.local.Subscribe(ctx, channel)
	if err != nil {
		return nil, nil, err
	}
	b.mu.Lock()
	b.channels[channel]++
	first := b.channels[channel] == 1
	b.mu.Unlock()
	if first {
		if err := b.write(proto.Frame{Type: proto.FrameSubscribe, Channel: channel}); err != nil {
			log.Debugf("[%s] subscribe deferred until connected: %v", channel, err)
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelLocal()
			b.mu.Lock()
			b.channels[channel]--
			last := b.channels[channel] <= 0
			if last {
				delete(b.channels, channel)
			}
			b.mu.Unlock()
			if last {
				_ = b.write(proto.Frame{Type: proto.FrameUnsubscribe, Channel: channel})
			}
		})
	}
	return ch, cancel, nil
}

func (b *BrokerBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ws := b.ws
	close(b.done)
	b.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
	return b.local.Close()
}
