package fanout

import (
	"fmt"
	"strings"
	"sync"

	"github.com/septivank/river-telemetry/internal/metrics"
	"go.uber.org/zap"
)

// GlobalTopic groups every dashboard session watching all sensors
const GlobalTopic = "sensors"

// DefaultMailboxSize bounds the queued events per subscriber
const DefaultMailboxSize = 256

// DeviceTopic returns the topic key of a single device
func DeviceTopic(device string) string {
	return "device:" + strings.ToLower(device)
}

// IsDeviceTopic reports whether topic is a device-specific key
func IsDeviceTopic(topic string) bool {
	return strings.HasPrefix(topic, "device:")
}

// Subscriber receives encoded events. Deliver is called from one goroutine
// per subscription, so a slow subscriber only delays itself.
type Subscriber interface {
	ID() uint64
	Deliver(msg []byte) error
}

type subscription struct {
	sub     Subscriber
	topic   string
	mailbox chan []byte
	done    chan struct{}
}

// Hub maps topic keys to their subscribers and fans events out to them
type Hub struct {
	mu          sync.RWMutex
	topics      map[string]map[uint64]*subscription
	mailboxSize int
	logger      *zap.Logger
}

// NewHub creates a new Hub
func NewHub(mailboxSize int, logger *zap.Logger) *Hub {
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}
	return &Hub{
		topics:      make(map[string]map[uint64]*subscription),
		mailboxSize: mailboxSize,
		logger:      logger,
	}
}

// Subscribe joins sub to topic. Joining twice is a no-op.
func (h *Hub) Subscribe(topic string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[uint64]*subscription)
		h.topics[topic] = subs
	}
	if _, ok := subs[sub.ID()]; ok {
		return
	}

	s := &subscription{
		sub:     sub,
		topic:   topic,
		mailbox: make(chan []byte, h.mailboxSize),
		done:    make(chan struct{}),
	}
	subs[sub.ID()] = s
	go h.drain(s)

	h.logger.Debug("subscriber joined",
		zap.String("topic", topic),
		zap.Uint64("subscriber_id", sub.ID()),
		zap.Int("subscribers", len(subs)),
	)
}

// Unsubscribe removes sub from topic. Leaving twice is a no-op.
func (h *Hub) Unsubscribe(topic string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeLocked(topic, sub.ID())
}

func (h *Hub) removeLocked(topic string, id uint64) {
	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	s, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	close(s.done)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}

	h.logger.Debug("subscriber left",
		zap.String("topic", topic),
		zap.Uint64("subscriber_id", id),
	)
}

// Publish encodes event once and queues it for every subscriber of topic.
// A subscriber whose mailbox is full misses the event; the publisher is
// never blocked. It returns the number of subscribers the event was queued for.
func (h *Hub) Publish(topic string, event any) (int, error) {
	msg, err := Encode(event)
	if err != nil {
		return 0, fmt.Errorf("failed to encode event: %w", err)
	}
	return h.PublishRaw(topic, msg), nil
}

// PublishRaw queues an already encoded event
func (h *Hub) PublishRaw(topic string, msg []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	queued := 0
	for id, s := range h.topics[topic] {
		select {
		case s.mailbox <- msg:
			queued++
		default:
			metrics.FanoutDropped.Inc()
			h.logger.Warn("subscriber mailbox full, dropping event",
				zap.String("topic", topic),
				zap.Uint64("subscriber_id", id),
			)
		}
	}
	return queued
}

func (h *Hub) drain(s *subscription) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.mailbox:
			// Unsubscribe may race a queued message; never deliver after it.
			select {
			case <-s.done:
				return
			default:
			}
			h.deliver(s, msg)
		}
	}
}

func (h *Hub) deliver(s *subscription, msg []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("subscriber panicked during delivery",
				zap.String("topic", s.topic),
				zap.Uint64("subscriber_id", s.sub.ID()),
				zap.Any("panic", r),
			)
		}
	}()

	if err := s.sub.Deliver(msg); err != nil {
		h.logger.Warn("delivery to subscriber failed",
			zap.String("topic", s.topic),
			zap.Uint64("subscriber_id", s.sub.ID()),
			zap.Error(err),
		)
		return
	}
	metrics.FanoutDelivered.Inc()
}

// Count returns the number of subscribers on topic
func (h *Hub) Count(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Close removes every subscription
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	total := 0
	for topic, subs := range h.topics {
		for id := range subs {
			h.removeLocked(topic, id)
			total++
		}
	}
	h.logger.Info("fanout hub closed", zap.Int("subscriptions_closed", total))
}
