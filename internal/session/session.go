package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/septivank/river-telemetry/internal/db"
	"github.com/septivank/river-telemetry/internal/fanout"
	"github.com/septivank/river-telemetry/internal/logging"
	"github.com/septivank/river-telemetry/internal/metrics"
	"github.com/septivank/river-telemetry/internal/repository"
	"github.com/septivank/river-telemetry/internal/service"
	"go.uber.org/zap"
)

// ErrClosed is returned when delivering to a closed session
var ErrClosed = errors.New("session closed")

// State is the lifecycle stage of a session
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Conn is the client transport of a session
type Conn interface {
	WriteMessage(msg []byte) error
	ReadMessage() ([]byte, error)
	Close() error
}

// Hub is the fan-out registry a session joins
type Hub interface {
	Subscribe(topic string, sub fanout.Subscriber)
	Unsubscribe(topic string, sub fanout.Subscriber)
}

// Backfiller serves recent history to new global sessions
type Backfiller interface {
	ListRecent(ctx context.Context, q repository.RecentQuery) ([]db.Reading, error)
}

// Ingester routes client-submitted readings through the pipeline
type Ingester interface {
	Ingest(ctx context.Context, device string, payload map[string]any, source service.Source) (*service.Result, error)
}

// Options controls backfill
type Options struct {
	BackfillLimit    int
	BackfillLookback time.Duration
	BackfillTimeout  time.Duration
}

var sessionIDCounter atomic.Uint64

// Session is one live dashboard or device connection
type Session struct {
	id       uint64
	topic    string
	device   string
	conn     Conn
	hub      Hub
	history  Backfiller
	ingester Ingester
	opts     Options
	logger   *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	state   State
	pending [][]byte
	joined  []string

	closeOnce sync.Once
}

// NewGlobal creates a session on the all-sensors topic
func NewGlobal(conn Conn, hub Hub, history Backfiller, opts Options, logger *zap.Logger) *Session {
	return newSession(fanout.GlobalTopic, "", conn, hub, history, nil, opts, logger)
}

// NewDevice creates a session on a single device's topic
func NewDevice(device string, conn Conn, hub Hub, ingester Ingester, logger *zap.Logger) *Session {
	return newSession(fanout.DeviceTopic(device), device, conn, hub, nil, ingester, Options{}, logger)
}

func newSession(topic, device string, conn Conn, hub Hub, history Backfiller, ingester Ingester, opts Options, logger *zap.Logger) *Session {
	id := sessionIDCounter.Add(1)
	return &Session{
		id:       id,
		topic:    topic,
		device:   device,
		conn:     conn,
		hub:      hub,
		history:  history,
		ingester: ingester,
		opts:     opts,
		logger:   logging.WithSession(logger, id, topic),
		state:    StateConnecting,
	}
}

// ID implements fanout.Subscriber
func (s *Session) ID() uint64 { return s.id }

// Topic returns the topic key the session joins
func (s *Session) Topic() string { return s.topic }

// State returns the current lifecycle stage
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Deliver implements fanout.Subscriber. Events arriving before the session
// is active are queued and flushed after backfill.
func (s *Session) Deliver(msg []byte) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrClosed
	case StateConnecting:
		s.pending = append(s.pending, msg)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.write(msg)
}

// Open joins the hub and brings the session to Active. Global sessions
// receive backfill first; device sessions receive a heartbeat ack.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return ErrClosed
	}
	s.joined = append(s.joined, s.topic)
	s.mu.Unlock()

	// Join before reading history so nothing published meanwhile is missed.
	s.hub.Subscribe(s.topic, s)
	metrics.ActiveSessions.WithLabelValues(s.kind()).Inc()

	if fanout.IsDeviceTopic(s.topic) {
		if err := s.send(fanout.Heartbeat{
			Type: fanout.TypeHeartbeat,
			Data: "Connected to device " + s.device,
		}); err != nil {
			s.Close()
			return err
		}
	} else if err := s.backfill(ctx); err != nil {
		s.Close()
		return err
	}

	if err := s.activate(); err != nil {
		s.Close()
		return err
	}

	s.logger.Info("session active")
	return nil
}

// backfill sends recent readings newest-first. A failed history query is
// logged and the session continues with live events only.
func (s *Session) backfill(ctx context.Context) error {
	if s.history == nil {
		return nil
	}

	timeout := s.opts.BackfillTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	readings, err := s.history.ListRecent(qctx, repository.RecentQuery{
		Limit: s.opts.BackfillLimit,
		Since: s.opts.BackfillLookback,
	})
	if err != nil {
		s.logger.Warn("backfill query failed, continuing with live events", zap.Error(err))
		return nil
	}

	for i := range readings {
		if err := s.send(fanout.NewSensorData(&readings[i])); err != nil {
			return fmt.Errorf("failed to send backfill: %w", err)
		}
	}

	s.logger.Debug("backfill sent", zap.Int("readings", len(readings)))
	return nil
}

// activate drains events queued while connecting, then switches to Active.
// The switch happens under the lock only once the queue is empty, so a live
// event can never overtake a queued one.
func (s *Session) activate() error {
	for {
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			return ErrClosed
		}
		batch := s.pending
		s.pending = nil
		if len(batch) == 0 {
			s.state = StateActive
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		for _, msg := range batch {
			if err := s.write(msg); err != nil {
				return err
			}
		}
	}
}

// Run opens the session and serves client messages until the connection
// ends. The session is closed on return.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	if err := s.Open(ctx); err != nil {
		return err
	}

	for {
		raw, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Debug("client connection ended", zap.Error(err))
			return nil
		}
		s.handleInbound(ctx, raw)
	}
}

func (s *Session) handleInbound(ctx context.Context, raw []byte) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil || payload == nil {
		s.logger.Warn("dropping malformed client message", zap.Int("size", len(raw)))
		s.reply(fanout.ErrorEvent{Type: fanout.TypeError, Error: "malformed message"})
		return
	}

	if t, _ := payload["type"].(string); t == fanout.TypePing {
		s.reply(fanout.Pong{Type: fanout.TypePong})
		return
	}

	if !fanout.IsDeviceTopic(s.topic) || s.ingester == nil {
		s.logger.Debug("ignoring client message on global topic")
		return
	}

	result, err := s.ingester.Ingest(ctx, s.device, payload, service.SourceSession)
	if err != nil {
		s.reply(fanout.ErrorEvent{Type: fanout.TypeError, Error: "reading rejected"})
		return
	}

	ack := fanout.Ack{Status: "received"}
	if result != nil {
		ack.ReadingID = result.Reading.ID.String()
	}
	s.reply(ack)
}

func (s *Session) reply(event any) {
	if err := s.send(event); err != nil {
		s.logger.Debug("failed to reply to client", zap.Error(err))
	}
}

func (s *Session) send(event any) error {
	msg, err := fanout.Encode(event)
	if err != nil {
		return err
	}
	return s.write(msg)
}

func (s *Session) write(msg []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(msg)
}

// Close leaves every joined topic and closes the connection. Only the first
// call has any effect.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.pending = nil
		joined := s.joined
		s.joined = nil
		s.mu.Unlock()

		for _, topic := range joined {
			s.hub.Unsubscribe(topic, s)
		}
		if len(joined) > 0 {
			metrics.ActiveSessions.WithLabelValues(s.kind()).Dec()
		}

		if err := s.conn.Close(); err != nil {
			s.logger.Debug("failed to close connection", zap.Error(err))
		}
		s.logger.Info("session closed")
	})
}

func (s *Session) kind() string {
	if fanout.IsDeviceTopic(s.topic) {
		return "device"
	}
	return "global"
}
