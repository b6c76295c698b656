package mq

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/septivank/river-telemetry/internal/broker"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	heartbeat   = 10 * time.Second
	dialTimeout = 10 * time.Second
)

// Connection wraps RabbitMQ connection
type Connection struct {
	conn *amqp.Connection
}

// Dial opens a connection without lifecycle management
func Dial(rawURL string, tlsConfig *tls.Config) (*Connection, error) {
	conn, err := amqp.DialConfig(rawURL, amqp.Config{
		Heartbeat:       heartbeat,
		TLSClientConfig: tlsConfig,
		Dial:            amqp.DefaultDial(dialTimeout),
	})
	if err != nil {
		return nil, err
	}
	return &Connection{conn: conn}, nil
}

// NewConnection creates a new RabbitMQ connection closed on application stop
func NewConnection(lc fx.Lifecycle, logger *zap.Logger, rawURL string) (*Connection, error) {
	logger.Info("attempting to connect to RabbitMQ relay...")

	mqConn, err := Dial(rawURL, nil)
	if err != nil {
		logger.Error("rabbitmq connection failed", zap.Error(err))
		return nil, fmt.Errorf("[RABBITMQ CONNECTION FAILED] cannot connect to the relay broker. Please check: 1) RabbitMQ is running, 2) RELAY_AMQP_URL is correct, 3) Credentials are valid. Error: %w", err)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("rabbitmq relay connection established successfully")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := mqConn.Close(); err != nil {
				logger.Error("failed to close rabbitmq connection", zap.Error(err))
				return err
			}
			logger.Info("rabbitmq relay connection closed")
			return nil
		},
	})

	return mqConn, nil
}

// Channel creates a new RabbitMQ channel
func (c *Connection) Channel() (*amqp.Channel, error) {
	return c.conn.Channel()
}

// NotifyClose returns a channel that yields when the connection drops
func (c *Connection) NotifyClose() <-chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Close closes the connection if still open
func (c *Connection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

// EndpointURL builds an AMQP URI for a broker endpoint
func EndpointURL(ep broker.Endpoint) string {
	u := url.URL{
		Scheme: "amqp",
		Host:   ep.Host + ":" + strconv.Itoa(ep.Port),
		Path:   "/",
	}
	if ep.UseTLS {
		u.Scheme = "amqps"
	}
	if ep.Username != "" {
		u.User = url.UserPassword(ep.Username, ep.Password)
	}
	return u.String()
}
