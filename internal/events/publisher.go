// Package events publishes identity state-change events to a durable
// topic-routed AMQP exchange. Delivery is best-effort: the publisher holds no
// retry queue and a failed publish never fails the originating operation.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/singleflight"
)

// Channel is the slice of the AMQP channel API the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// ConnectFunc establishes a channel with the target exchange declared.
type ConnectFunc func(ctx context.Context) (Channel, error)

// Publisher lazily connects to the exchange on first publish and reuses the
// channel thereafter. Concurrent first publishers share one connection attempt.
type Publisher struct {
	exchange string
	logger   *slog.Logger
	connect  ConnectFunc

	mu sync.Mutex
	ch Channel
	sf singleflight.Group
}

// NewPublisher constructs a Publisher for the given broker URL and exchange.
// No connection is made until the first Publish call.
func NewPublisher(url, exchange string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{exchange: exchange, logger: logger}
	p.connect = func(ctx context.Context) (Channel, error) {
		return dialAMQP(url, exchange)
	}
	return p
}

// NewPublisherWithConnect constructs a Publisher with a custom connector.
func NewPublisherWithConnect(exchange string, logger *slog.Logger, connect ConnectFunc) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{exchange: exchange, logger: logger, connect: connect}
}

// brokerChannel couples a channel with its parent connection. Closing an AMQP
// channel leaves the connection and its heartbeats alive, so dropping a failed
// channel must release both or reconnects leak TCP connections.
type brokerChannel struct {
	ch   Channel
	conn io.Closer
}

func (b *brokerChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return b.ch.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

func (b *brokerChannel) IsClosed() bool {
	return b.ch.IsClosed()
}

func (b *brokerChannel) Close() error {
	err := b.ch.Close()
	if cerr := b.conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func dialAMQP(url, exchange string) (Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("events: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("events: declare exchange: %w", err)
	}
	return &brokerChannel{ch: ch, conn: conn}, nil
}

// channel returns the shared channel, establishing it if needed. The
// singleflight group serializes concurrent first use so racing publishers do
// not set up redundant connections.
func (p *Publisher) channel(ctx context.Context) (Channel, error) {
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch != nil && !ch.IsClosed() {
		return ch, nil
	}

	result, err, _ := p.sf.Do("connect", func() (any, error) {
		p.mu.Lock()
		ch := p.ch
		p.mu.Unlock()
		if ch != nil && !ch.IsClosed() {
			return ch, nil
		}
		fresh, err := p.connect(ctx)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.ch = fresh
		p.mu.Unlock()
		p.logger.Info("connected to message exchange", slog.String("exchange", p.exchange))
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(Channel), nil
}

// Publish sends a durable JSON message with the given routing key. The error
// return exists for observability; callers treat publication as best-effort.
// A failed publish drops the channel so the next call reconnects.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal payload: %w", err)
	}

	ch, err := p.channel(ctx)
	if err != nil {
		p.logger.Warn("event publish skipped", slog.String("routing_key", routingKey), slog.Any("error", err))
		return err
	}

	err = ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		p.drop(ch)
		p.logger.Warn("event publish failed", slog.String("routing_key", routingKey), slog.Any("error", err))
		return fmt.Errorf("events: publish %s: %w", routingKey, err)
	}

	p.logger.Debug("event published", slog.String("routing_key", routingKey))
	return nil
}

// drop discards the channel after a failure so a later publish reconnects.
func (p *Publisher) drop(failed Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == failed {
		_ = p.ch.Close()
		p.ch = nil
	}
}

// Close releases the channel if one was established.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}
