package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/warp/toll-ledger/ledger"
)

const DefaultExchange = "toll.ledger.events"

// RabbitMQSink publishes envelopes to a durable topic exchange with routing
// key "ledger.<event>".
type RabbitMQSink struct {
	exchange string
	currency string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewRabbitMQSink dials the broker and declares the exchange.
func NewRabbitMQSink(amqpURL, exchange, currency string) (*RabbitMQSink, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	s := &RabbitMQSink{exchange: exchange, currency: currency, conn: conn}
	if err := s.openChannel(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *RabbitMQSink) Name() string { return "rabbitmq" }

func (s *RabbitMQSink) Send(ctx context.Context, n ledger.Notification) error {
	body, err := json.Marshal(NewEnvelope(n, s.currency))
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.Reference,
		Timestamp:    n.At,
		Body:         body,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel == nil || s.channel.IsClosed() {
		if err := s.openChannel(); err != nil {
			return err
		}
	}
	err = s.channel.PublishWithContext(ctx, s.exchange, RoutingKey(n), false, false, msg)
	if err == nil {
		return nil
	}
	// One reopen on a dead channel, then give up.
	if !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("publish %s: %w", n.Event, err)
	}
	if err := s.openChannel(); err != nil {
		return err
	}
	if err := s.channel.PublishWithContext(ctx, s.exchange, RoutingKey(n), false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", n.Event, err)
	}
	return nil
}

// openChannel must be called with mu held or before the sink is shared.
func (s *RabbitMQSink) openChannel() error {
	if s.conn == nil || s.conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection closed")
	}
	ch, err := s.conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(s.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("declare exchange %s: %w", s.exchange, err)
	}
	s.channel = ch
	return nil
}

// Close releases channel and connection.
func (s *RabbitMQSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("parse rabbitmq url: %w", err)
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}
