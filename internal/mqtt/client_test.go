package mqtt

import (
	"context"
	"testing"

	"github.com/septivank/river-telemetry/internal/broker"
	"go.uber.org/zap"
)

func TestBrokerURL(t *testing.T) {
	tests := []struct {
		ep   broker.Endpoint
		want string
	}{
		{broker.Endpoint{Host: "localhost", Port: 1883}, "tcp://localhost:1883"},
		{broker.Endpoint{Host: "mqtt.example.org", Port: 8883, UseTLS: true}, "ssl://mqtt.example.org:8883"},
	}

	for _, tt := range tests {
		if got := BrokerURL(tt.ep); got != tt.want {
			t.Errorf("Expected %s, got %s", tt.want, got)
		}
	}
}

func TestSubscribe_NotConnected(t *testing.T) {
	tr := NewTransport(zap.NewNop())
	err := tr.Subscribe(context.Background(), []string{"devices/+/telemetry"}, func(context.Context, broker.Message) error { return nil })
	if err == nil {
		t.Error("Expected error when subscribing before connect")
	}
	if err := tr.Disconnect(); err != nil {
		t.Errorf("Disconnect without connection should be a no-op, got %v", err)
	}
}
