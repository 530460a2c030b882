// Package notify publishes best-effort notifications to a topic exchange.
// Delivery is at-least-once at best; consumers must tolerate duplicates and
// callers must never depend on delivery for correctness.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange       = "notifications"
	defaultDialTimeout    = 5 * time.Second
	defaultPublishTimeout = 3 * time.Second
)

// Routing keys, one per notification class.
const (
	KeyTaskAssigned  = "worker.task_assigned"
	KeyVotingRequest = "citizen.voting"
)

// Message is the wire payload consumers receive.
type Message struct {
	UserID    string         `json:"userId"`
	TaskID    string         `json:"taskId,omitempty"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// Publisher is the engine's outbound notification boundary.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, msg Message) error
	Close() error
}

// AMQPPublisher publishes to a durable topic exchange. The connection is
// established lazily and re-established after failures; a broker outage
// degrades to errors the caller logs, never to indefinite blocking.
type AMQPPublisher struct {
	URL            string
	Exchange       string
	DialTimeout    time.Duration
	PublishTimeout time.Duration

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQP(url, exchange string) *AMQPPublisher {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &AMQPPublisher{
		URL:            url,
		Exchange:       exchange,
		DialTimeout:    defaultDialTimeout,
		PublishTimeout: defaultPublishTimeout,
	}
}

// channel returns a usable channel, dialing if needed. Callers hold no lock.
func (p *AMQPPublisher) channel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil && !p.conn.IsClosed() {
		return p.ch, nil
	}
	p.teardownLocked()

	conn, err := amqp.DialConfig(p.URL, amqp.Config{Dial: amqp.DefaultDial(p.DialTimeout)})
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	p.conn = conn
	p.ch = ch
	return ch, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, msg Message) error {
	ch, err := p.channel()
	if err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.PublishTimeout)
	defer cancel()
	err = ch.PublishWithContext(ctx, p.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		// Drop the connection so the next publish redials.
		p.mu.Lock()
		p.teardownLocked()
		p.mu.Unlock()
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardownLocked()
	return nil
}

func (p *AMQPPublisher) teardownLocked() {
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}
