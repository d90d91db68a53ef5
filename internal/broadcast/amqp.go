package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBus maps channels onto routing keys of a RabbitMQ topic exchange. Each
// subscription gets its own exclusive, auto-deleted queue.
type AMQPBus struct {
	conn     *amqp.Connection
	exchange string

	pubMu sync.Mutex
	pub   *amqp.Channel

	mu     sync.Mutex
	subs   map[*amqp.Channel]struct{}
	closed bool
}

// DialAMQP connects to url and declares exchange.
func DialAMQP(url, exchange string) (*AMQPBus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := pub.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp exchange %q: %w", exchange, err)
	}
	log.Infof("amqp bus on exchange %s", exchange)
	return &AMQPBus{
		conn:     conn,
		exchange: exchange,
		pub:      pub,
		subs:     make(map[*amqp.Channel]struct{}),
	}, nil
}

func (b *AMQPBus) Publish(ctx context.Context, channel string, msg Message) error {
	msg.Channel = channel
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.pub.IsClosed() {
		return ErrClosed
	}
	return b.pub.PublishWithContext(ctx, b.exchange, channel, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		AppId:       "consult",
		Body:        body,
	})
}

func (b *AMQPBus) Subscribe(ctx context.Context, channel string) (<-chan Message, func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, ErrClosed
	}
	b.mu.Unlock()

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("amqp channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("amqp queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, channel, b.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("amqp bind %s: %w", channel, err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("amqp consume: %w", err)
	}

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	out := make(chan Message, subscriberBuffer)
	go func() {
		defer close(out)
		for d := range deliveries {
			var msg Message
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				log.Warnf("[%s] bad amqp message: %v", channel, err)
				continue
			}
			select {
			case out <- msg:
			default:
				log.Warnf("[%s] subscriber full, dropping message from %s", channel, msg.From)
			}
		}
	}()

	var once sync.Once
	stop := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(stop)
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			// closing the channel ends deliveries, which closes out
			_ = ch.Close()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stop:
		}
	}()
	return out, cancel, nil
}

func (b *AMQPBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*amqp.Channel]struct{})
	b.mu.Unlock()

	for ch := range subs {
		_ = ch.Close()
	}
	b.pubMu.Lock()
	_ = b.pub.Close()
	b.pubMu.Unlock()
	return b.conn.Close()
}
