package mq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/septivank/river-telemetry/internal/broker"
	"go.uber.org/zap"
)

// TransportConfig holds queue topology for the AMQP transport
type TransportConfig struct {
	Exchange      string
	Queue         string
	DLQQueue      string
	PrefetchCount int
}

// Transport is a broker.Transport over RabbitMQ. Devices publishing through
// the MQTT plugin land on a topic exchange with "/" mapped to ".".
type Transport struct {
	cfg    TransportConfig
	logger *zap.Logger

	mu      sync.Mutex
	conn    *Connection
	channel *amqp.Channel
}

// NewTransport creates a new AMQP transport
func NewTransport(cfg TransportConfig, logger *zap.Logger) *Transport {
	if cfg.PrefetchCount <= 0 {
		cfg.PrefetchCount = 10
	}
	return &Transport{cfg: cfg, logger: logger}
}

// Connect implements broker.Transport
func (t *Transport) Connect(ctx context.Context, ep broker.Endpoint) (<-chan error, error) {
	var tlsConfig *tls.Config
	if ep.UseTLS {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: ep.Host}
	}

	conn, err := Dial(EndpointURL(ep), tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	lost := make(chan error, 1)
	closed := conn.NotifyClose()
	go func() {
		amqpErr, ok := <-closed
		if !ok || amqpErr == nil {
			lost <- errors.New("amqp connection closed")
			return
		}
		lost <- amqpErr
	}()

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	t.logger.Info("amqp connection established",
		zap.String("host", ep.Host),
		zap.Int("port", ep.Port),
	)
	return lost, nil
}

// Subscribe implements broker.Transport. Messages whose handler fails are
// NACKed without requeue so they land in the dead-letter queue.
func (t *Transport) Subscribe(ctx context.Context, topics []string, handler broker.Handler) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.New("amqp transport not connected")
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := t.declareTopology(ch, topics); err != nil {
		ch.Close()
		return err
	}

	msgs, err := ch.Consume(
		t.cfg.Queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	t.mu.Lock()
	t.channel = ch
	t.mu.Unlock()

	t.logger.Info("consumer started",
		zap.String("queue", t.cfg.Queue),
		zap.Int("prefetch", t.cfg.PrefetchCount),
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					t.logger.Warn("message channel closed")
					return
				}
				t.processMessage(ctx, msg, handler)
			}
		}
	}()

	return nil
}

func (t *Transport) declareTopology(ch *amqp.Channel, topics []string) error {
	if err := ch.Qos(t.cfg.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	// amq.* exchanges are predeclared and may not be redeclared
	var err error
	if strings.HasPrefix(t.cfg.Exchange, "amq.") {
		err = ch.ExchangeDeclarePassive(t.cfg.Exchange, "topic", true, false, false, false, nil)
	} else {
		err = ch.ExchangeDeclare(t.cfg.Exchange, "topic", true, false, false, false, nil)
	}
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": t.cfg.DLQQueue,
	}
	if _, err := ch.QueueDeclare(t.cfg.Queue, true, false, false, false, args); err != nil {
		// A failed declare closes the channel, so this is fatal for the attempt.
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if _, err := ch.QueueDeclare(t.cfg.DLQQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLQ: %w", err)
	}

	for _, topic := range topics {
		key := RoutingKey(topic)
		if err := ch.QueueBind(t.cfg.Queue, key, t.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}
	return nil
}

func (t *Transport) processMessage(ctx context.Context, msg amqp.Delivery, handler broker.Handler) {
	topic := TopicFromRoutingKey(msg.RoutingKey)

	t.logger.Debug("received message from queue",
		zap.String("queue", t.cfg.Queue),
		zap.String("routing_key", msg.RoutingKey),
		zap.Int("body_size", len(msg.Body)),
	)

	if err := handler(ctx, broker.Message{Topic: topic, Payload: msg.Body}); err != nil {
		t.logger.Error("failed to process message",
			zap.Error(err),
			zap.String("routing_key", msg.RoutingKey),
		)

		// NACK with requeue=false sends to DLQ
		if nackErr := msg.Nack(false, false); nackErr != nil {
			t.logger.Error("failed to NACK message", zap.Error(nackErr))
		}
		return
	}

	if ackErr := msg.Ack(false); ackErr != nil {
		t.logger.Error("failed to ACK message", zap.Error(ackErr))
	}
}

// Disconnect implements broker.Transport
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	ch, conn := t.channel, t.conn
	t.channel, t.conn = nil, nil
	t.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			t.logger.Warn("failed to close consumer channel", zap.Error(err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			return fmt.Errorf("failed to close amqp connection: %w", err)
		}
		t.logger.Info("amqp connection closed")
	}
	return nil
}

// RoutingKey converts an MQTT topic filter into an AMQP binding key
func RoutingKey(topic string) string {
	segments := strings.Split(topic, "/")
	for i, s := range segments {
		if s == "+" {
			segments[i] = "*"
		}
	}
	return strings.Join(segments, ".")
}

// TopicFromRoutingKey converts an AMQP routing key back to an MQTT topic
func TopicFromRoutingKey(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}

var _ broker.Transport = (*Transport)(nil)
