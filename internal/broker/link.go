package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/septivank/river-telemetry/internal/db"
	"github.com/septivank/river-telemetry/internal/logging"
	"github.com/septivank/river-telemetry/internal/metrics"
	"github.com/septivank/river-telemetry/internal/normalizer"
	"github.com/septivank/river-telemetry/internal/repository"
	"github.com/septivank/river-telemetry/internal/service"
	"go.uber.org/zap"
)

// Ingester runs decoded payloads through the reading pipeline
type Ingester interface {
	Ingest(ctx context.Context, device string, payload map[string]any, source service.Source) (*service.Result, error)
}

// Store is what the link needs from persistence
type Store interface {
	SetDeviceOnline(ctx context.Context, name string, online bool) (*db.Device, error)
	ActiveBroker(ctx context.Context) (*db.BrokerConfig, error)
	MarkBrokerHealth(ctx context.Context, id uuid.UUID, healthy bool, at time.Time) error
}

// Config holds the default endpoint, topic filters and retry bounds
type Config struct {
	Endpoint     Endpoint
	Topic        string
	StatusTopic  string
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// Link keeps one subscription to the upstream broker alive for the life
// of the process
type Link struct {
	transport Transport
	ingester  Ingester
	store     Store
	cfg       Config
	logger    *zap.Logger

	mu      sync.Mutex
	running bool
	parent  context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	connected atomic.Bool
}

// NewLink creates a new broker link
func NewLink(transport Transport, ingester Ingester, store Store, cfg Config, logger *zap.Logger) *Link {
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = time.Second
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = cfg.RetryInitial
	}
	return &Link{
		transport: transport,
		ingester:  ingester,
		store:     store,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start launches the connection loop. Calling Start on a running link does
// nothing.
func (l *Link) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		l.logger.Debug("broker link already running")
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.running = true
	l.parent = ctx
	l.cancel = cancel
	l.done = make(chan struct{})

	go l.run(runCtx, l.done)
}

// Stop ends the connection loop and waits for it to exit
func (l *Link) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	cancel, done := l.cancel, l.done
	l.running = false
	l.mu.Unlock()

	cancel()
	<-done
}

// Reconnect drops the current connection and starts over, picking up a
// newly activated broker record
func (l *Link) Reconnect() {
	l.mu.Lock()
	parent := l.parent
	l.mu.Unlock()
	if parent == nil {
		return
	}

	l.logger.Info("reconnecting broker link")
	l.Stop()
	l.Start(parent)
}

// Connected reports whether a live subscription is held
func (l *Link) Connected() bool {
	return l.connected.Load()
}

func (l *Link) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.RetryInitial
	b.MaxInterval = l.cfg.RetryMax
	b.MaxElapsedTime = 0
	b.Reset()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			metrics.BrokerReconnects.Inc()
		}
		attempt++

		lost, brokerID, err := l.connect(ctx)
		if err != nil {
			delay := b.NextBackOff()
			l.logger.Warn("broker connection failed, retrying",
				zap.Error(err),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", delay),
			)
			l.markHealth(ctx, brokerID, false)
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		b.Reset()
		l.setConnected(true)
		l.markHealth(ctx, brokerID, true)

		select {
		case <-ctx.Done():
			l.setConnected(false)
			if err := l.transport.Disconnect(); err != nil {
				l.logger.Warn("failed to disconnect from broker", zap.Error(err))
			}
			l.logger.Info("broker link stopped")
			return
		case err := <-lost:
			l.setConnected(false)
			l.markHealth(ctx, brokerID, false)
			delay := b.NextBackOff()
			l.logger.Warn("broker connection lost, reconnecting",
				zap.Error(err),
				zap.Duration("retry_in", delay),
			)
			if !sleep(ctx, delay) {
				return
			}
		}
	}
}

func (l *Link) connect(ctx context.Context) (<-chan error, *uuid.UUID, error) {
	ep, brokerID := l.resolveEndpoint(ctx)

	l.logger.Info("connecting to broker",
		zap.String("host", ep.Host),
		zap.Int("port", ep.Port),
		zap.Bool("tls", ep.UseTLS),
	)

	lost, err := l.transport.Connect(ctx, ep)
	if err != nil {
		return nil, brokerID, fmt.Errorf("failed to connect to %s:%d: %w", ep.Host, ep.Port, err)
	}

	topics := []string{l.cfg.Topic}
	if l.cfg.StatusTopic != "" {
		topics = append(topics, l.cfg.StatusTopic)
	}
	if err := l.transport.Subscribe(ctx, topics, l.Handle); err != nil {
		_ = l.transport.Disconnect()
		return nil, brokerID, fmt.Errorf("failed to subscribe: %w", err)
	}

	l.logger.Info("broker subscription established", zap.Strings("topics", topics))
	return lost, brokerID, nil
}

// resolveEndpoint prefers the active broker record over the configured default
func (l *Link) resolveEndpoint(ctx context.Context) (Endpoint, *uuid.UUID) {
	ep := l.cfg.Endpoint
	if l.store == nil {
		return ep, nil
	}

	active, err := l.store.ActiveBroker(ctx)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			l.logger.Warn("failed to load active broker, using configured endpoint", zap.Error(err))
		}
		return ep, nil
	}

	ep.Host = active.Host
	ep.Port = active.Port
	ep.UseTLS = active.UseTLS
	ep.Username, ep.Password = "", ""
	if active.Username != nil {
		ep.Username = *active.Username
	}
	if active.Password != nil {
		ep.Password = *active.Password
	}
	id := active.ID
	return ep, &id
}

func (l *Link) markHealth(ctx context.Context, id *uuid.UUID, healthy bool) {
	if id == nil || l.store == nil || ctx.Err() != nil {
		return
	}
	if err := l.store.MarkBrokerHealth(ctx, *id, healthy, time.Now()); err != nil {
		l.logger.Warn("failed to record broker health", zap.Error(err), zap.Bool("healthy", healthy))
	}
}

func (l *Link) setConnected(v bool) {
	l.connected.Store(v)
	if v {
		metrics.BrokerConnected.Set(1)
	} else {
		metrics.BrokerConnected.Set(0)
	}
}

// Handle routes one inbound message. Malformed bodies and messages without
// a device are dropped here; only pipeline failures are returned.
func (l *Link) Handle(ctx context.Context, msg Message) error {
	if l.cfg.StatusTopic != "" && l.store != nil {
		if device, ok := MatchTopic(l.cfg.StatusTopic, msg.Topic); ok {
			return l.handleStatus(ctx, device, msg.Payload)
		}
	}

	device, ok := MatchTopic(l.cfg.Topic, msg.Topic)
	if !ok || strings.TrimSpace(device) == "" {
		metrics.MessagesDropped.WithLabelValues(metrics.DropMissingDevice).Inc()
		l.logger.Warn("dropping message without device in topic", zap.String("topic", msg.Topic))
		return nil
	}

	logger := logging.WithDevice(l.logger, device)

	payload, err := Decode(msg.Payload)
	if err != nil {
		metrics.MessagesDropped.WithLabelValues(metrics.DropMalformed).Inc()
		logger.Warn("dropping malformed message",
			zap.Error(err),
			zap.String("topic", msg.Topic),
			zap.Int("size", len(msg.Payload)),
		)
		return nil
	}

	if _, err := l.ingester.Ingest(ctx, device, payload, service.SourceBroker); err != nil {
		if errors.Is(err, normalizer.ErrMissingDevice) {
			return nil
		}
		return err
	}
	return nil
}

func (l *Link) handleStatus(ctx context.Context, device string, payload []byte) error {
	status := strings.Trim(strings.TrimSpace(string(payload)), `"`)
	online := strings.EqualFold(status, "online")

	if _, err := l.store.SetDeviceOnline(ctx, device, online); err != nil {
		logging.WithDevice(l.logger, device).Error("failed to update device status", zap.Error(err))
		return err
	}
	logging.WithDevice(l.logger, device).Info("device status updated", zap.Bool("online", online))
	return nil
}

// Decode parses a body into a flat payload map. The body must be exactly
// one JSON object, optionally surrounded by whitespace. Numbers are kept as
// json.Number so integer readings survive unchanged.
func Decode(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedPayload)
	}
	// Anything after the object, including a second object, is corruption.
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after object", ErrMalformedPayload)
	}
	return payload, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
