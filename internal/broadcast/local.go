package broadcast

import (
	"context"
	"sync"
)

const subscriberBuffer = 64

// Local is an in-process Bus. The broker and amqp backends use one internally
// to fan messages out to their own subscribers.
type Local struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Message]struct{}
	closed bool
}

func NewLocal() *Local {
	return &Local{subs: make(map[string]map[chan Message]struct{})}
}

func (l *Local) Publish(_ context.Context, channel string, msg Message) error {
	msg.Channel = channel
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	for ch := range l.subs[channel] {
		select {
		case ch <- msg:
		default:
			log.Warnf("[%s] subscriber full, dropping message from %s", channel, msg.From)
		}
	}
	return nil
}

func (l *Local) Subscribe(ctx context.Context, channel string) (<-chan Message, func(), error) {
	ch := make(chan Message, subscriberBuffer)
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, nil, ErrClosed
	}
	set, ok := l.subs[channel]
	if !ok {
		set = make(map[chan Message]struct{})
		l.subs[channel] = set
	}
	set[ch] = struct{}{}
	l.mu.Unlock()

	var once sync.Once
	stop := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(stop)
			l.mu.Lock()
			if set, ok := l.subs[channel]; ok {
				if _, ok := set[ch]; ok {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(l.subs, channel)
				}
			}
			l.mu.Unlock()
		})
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-stop:
			}
		}()
	}
	return ch, cancel, nil
}

// Subscribers counts subscriptions on channel.
func (l *Local) Subscribers(channel string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs[channel])
}

// Channels lists channels with at least one subscriber.
func (l *Local) Channels() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.subs))
	for c := range l.subs {
		out = append(out, c)
	}
	return out
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for _, set := range l.subs {
		for ch := range set {
			close(ch)
		}
	}
	l.subs = make(map[string]map[chan Message]struct{})
	return nil
}
