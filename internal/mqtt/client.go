package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/septivank/river-telemetry/internal/broker"
	"go.uber.org/zap"
)

const (
	connectTimeout    = 10 * time.Second
	subscribeTimeout  = 10 * time.Second
	keepAlive         = 60 * time.Second
	disconnectQuiesce = 250 // milliseconds
	qosAtLeastOnce    = 1
)

// Transport is a broker.Transport over MQTT. Reconnection is left to the
// broker link, so paho's own auto-reconnect is off.
type Transport struct {
	logger *zap.Logger

	mu     sync.Mutex
	client paho.Client
}

// NewTransport creates a new MQTT transport
func NewTransport(logger *zap.Logger) *Transport {
	return &Transport{logger: logger}
}

// BrokerURL builds the paho server URL for ep
func BrokerURL(ep broker.Endpoint) string {
	scheme := "tcp"
	if ep.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, ep.Host, ep.Port)
}

// Connect implements broker.Transport
func (t *Transport) Connect(ctx context.Context, ep broker.Endpoint) (<-chan error, error) {
	lost := make(chan error, 1)

	opts := paho.NewClientOptions().
		AddBroker(BrokerURL(ep)).
		SetClientID(ep.ClientID).
		SetCleanSession(true).
		SetKeepAlive(keepAlive).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			select {
			case lost <- err:
			default:
			}
		})
	if ep.Username != "" {
		opts.SetUsername(ep.Username)
		opts.SetPassword(ep.Password)
	}
	if ep.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12, ServerName: ep.Host})
	}

	client := paho.NewClient(opts)
	if err := wait(ctx, client.Connect(), connectTimeout); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	t.logger.Info("mqtt connection established", zap.String("broker", BrokerURL(ep)))
	return lost, nil
}

// Subscribe implements broker.Transport. Handler errors are logged; MQTT
// has no negative acknowledgement to return the message with.
func (t *Transport) Subscribe(ctx context.Context, topics []string, handler broker.Handler) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return errors.New("mqtt transport not connected")
	}

	filters := make(map[string]byte, len(topics))
	for _, topic := range topics {
		filters[topic] = qosAtLeastOnce
	}

	callback := func(_ paho.Client, m paho.Message) {
		msg := broker.Message{Topic: m.Topic(), Payload: m.Payload()}
		if err := handler(ctx, msg); err != nil {
			t.logger.Error("failed to process mqtt message",
				zap.Error(err),
				zap.String("topic", m.Topic()),
			)
		}
	}

	if err := wait(ctx, client.SubscribeMultiple(filters, callback), subscribeTimeout); err != nil {
		return fmt.Errorf("mqtt subscribe: %w", err)
	}
	return nil
}

// Disconnect implements broker.Transport
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(disconnectQuiesce)
		t.logger.Info("mqtt connection closed")
	}
	return nil
}

func wait(ctx context.Context, token paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("timed out waiting for broker")
	}
}

var _ broker.Transport = (*Transport)(nil)
