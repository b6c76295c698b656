package broker

import (
	"context"
	"errors"
	"strings"
)

// Message is one inbound broker delivery with a slash-separated topic
type Message struct {
	Topic   string
	Payload []byte
}

// Handler processes one message. A returned error asks the transport to
// hand the message back to the broker's own redelivery policy.
type Handler func(ctx context.Context, msg Message) error

// Endpoint holds connection parameters for one broker
type Endpoint struct {
	Host     string
	Port     int
	Username string
	Password string
	UseTLS   bool
	ClientID string
}

// Transport is a single broker connection
type Transport interface {
	// Connect dials ep. The returned channel yields once when the
	// connection is lost.
	Connect(ctx context.Context, ep Endpoint) (<-chan error, error)
	// Subscribe starts delivery of messages matching the topic filters
	Subscribe(ctx context.Context, topics []string, handler Handler) error
	Disconnect() error
}

// ErrMalformedPayload marks a body that is not a JSON object
var ErrMalformedPayload = errors.New("malformed payload")

// MatchTopic matches topic against an MQTT-style filter and returns the
// segment captured by the first "+" wildcard
func MatchTopic(filter, topic string) (string, bool) {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")

	captured := ""
	for i, f := range fs {
		if f == "#" {
			return captured, true
		}
		if i >= len(ts) {
			return "", false
		}
		switch f {
		case "+":
			if captured == "" {
				captured = ts[i]
			}
		default:
			if f != ts[i] {
				return "", false
			}
		}
	}
	if len(fs) != len(ts) {
		return "", false
	}
	return captured, true
}
