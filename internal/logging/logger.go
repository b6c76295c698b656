package logging

import (
	"go.uber.org/zap"
)

// NewLogger creates a new structured logger
func NewLogger(serviceName string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.InitialFields = map[string]interface{}{
		"service": serviceName,
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return logger, nil
}

// WithDevice returns a logger with device field
func WithDevice(logger *zap.Logger, device string) *zap.Logger {
	return logger.With(zap.String("device", device))
}

// WithSession returns a logger with session and topic fields
func WithSession(logger *zap.Logger, sessionID uint64, topic string) *zap.Logger {
	return logger.With(zap.Uint64("session_id", sessionID), zap.String("topic", topic))
}
