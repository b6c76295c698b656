package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/septivank/river-telemetry/internal/alerting"
	"github.com/septivank/river-telemetry/internal/db"
	"github.com/septivank/river-telemetry/internal/fanout"
	"github.com/septivank/river-telemetry/internal/logging"
	"github.com/septivank/river-telemetry/internal/metrics"
	"github.com/septivank/river-telemetry/internal/normalizer"
	"github.com/septivank/river-telemetry/internal/repository"
	"go.uber.org/zap"
)

// Source identifies where a payload entered the pipeline
type Source string

const (
	SourceBroker  Source = "broker"
	SourceSession Source = "session"
	SourceManual  Source = "manual"
)

// Publisher fans events out to live subscribers
type Publisher interface {
	Publish(topic string, event any) (int, error)
}

// Relay forwards accepted readings to a downstream system
type Relay interface {
	PublishReading(ctx context.Context, event fanout.SensorData) error
}

// Result is what one accepted payload produced
type Result struct {
	Reading   *db.Reading
	Alerts    []db.Alert
	Published int
}

// ProcessorService runs payloads through normalize, persist, alert
// evaluation and fan-out, in that order
type ProcessorService struct {
	normalizer *normalizer.Normalizer
	store      repository.ReadingStore
	alerts     *alerting.Engine
	hub        Publisher
	relay      Relay
	logger     *zap.Logger
}

// NewProcessorService creates a new processor service. relay may be nil.
func NewProcessorService(
	normalizer *normalizer.Normalizer,
	store repository.ReadingStore,
	alerts *alerting.Engine,
	hub Publisher,
	relay Relay,
	logger *zap.Logger,
) *ProcessorService {
	return &ProcessorService{
		normalizer: normalizer,
		store:      store,
		alerts:     alerts,
		hub:        hub,
		relay:      relay,
		logger:     logger,
	}
}

// Ingest processes one decoded payload for device. It returns a nil Result
// and nil error when the payload carried no recognized parameter. Persistence
// failures are returned and nothing is published for them.
func (s *ProcessorService) Ingest(ctx context.Context, device string, payload map[string]any, source Source) (*Result, error) {
	logger := logging.WithDevice(s.logger, device).With(zap.String("source", string(source)))

	manual := source == SourceManual || (source == SourceSession && manualOverrideFlag(payload))

	normalized, err := s.normalizer.Normalize(ctx, device, payload, manual)
	if err != nil {
		if errors.Is(err, normalizer.ErrMissingDevice) {
			metrics.MessagesDropped.WithLabelValues(metrics.DropMissingDevice).Inc()
			logger.Warn("dropping payload without device identifier")
			return nil, err
		}
		metrics.MessagesDropped.WithLabelValues(metrics.DropPersistence).Inc()
		logger.Error("failed to resolve device or sensors", zap.Error(err))
		return nil, err
	}
	if normalized == nil {
		metrics.MessagesDropped.WithLabelValues(metrics.DropNoParameters).Inc()
		logger.Info("payload has no recognized parameters, skipping", zap.Int("keys", len(payload)))
		return nil, nil
	}

	reading, err := s.store.CreateReading(ctx, normalized.Reading)
	if err != nil {
		metrics.MessagesDropped.WithLabelValues(metrics.DropPersistence).Inc()
		logger.Error("failed to persist reading", zap.Error(err))
		return nil, fmt.Errorf("failed to persist reading: %w", err)
	}
	if reading.DeviceName == "" {
		reading.DeviceName = normalized.Device.Name
	}
	metrics.ReadingsIngested.WithLabelValues(string(source)).Inc()

	result := &Result{Reading: reading}

	// A failed alert write does not unpersist the reading, so fan-out still runs.
	alerts, err := s.alerts.Evaluate(ctx, reading)
	if err != nil {
		logger.Error("failed to record alerts",
			zap.Error(err),
			zap.String("reading_id", reading.ID.String()),
		)
	}
	result.Alerts = alerts

	if manual {
		result.Published = s.publishUpdate(reading, logger)
	} else {
		result.Published = s.publishReading(ctx, reading, logger)
	}

	logger.Info("reading processed successfully",
		zap.String("reading_id", reading.ID.String()),
		zap.Int("parameters", len(reading.Values.Present())),
		zap.Int("alerts", len(alerts)),
		zap.Bool("manual_override", reading.ManualOverride),
	)

	return result, nil
}

// ManualReading stores operator-supplied values for device as a manual
// override. The values are keyed like broker payloads.
func (s *ProcessorService) ManualReading(ctx context.Context, device string, values map[string]float64) (*Result, error) {
	payload := make(map[string]any, len(values))
	for k, v := range values {
		payload[k] = v
	}
	return s.Ingest(ctx, device, payload, SourceManual)
}

// ToggleManualOverride flips the manual-override flag of a reading. When the
// flag ends up set, the device's subscribers are told.
func (s *ProcessorService) ToggleManualOverride(ctx context.Context, id uuid.UUID) (*db.Reading, error) {
	reading, err := s.store.ToggleManualOverride(ctx, id)
	if err != nil {
		return nil, err
	}

	logger := logging.WithDevice(s.logger, reading.DeviceName)
	logger.Info("manual override toggled",
		zap.String("reading_id", id.String()),
		zap.Bool("manual_override", reading.ManualOverride),
	)

	if reading.ManualOverride {
		s.publishUpdate(reading, logger)
	}
	return reading, nil
}

// publishReading sends the reading to its device topic and the global topic
func (s *ProcessorService) publishReading(ctx context.Context, reading *db.Reading, logger *zap.Logger) int {
	event := fanout.NewSensorData(reading)

	total := 0
	for _, topic := range []string{fanout.DeviceTopic(reading.DeviceName), fanout.GlobalTopic} {
		n, err := s.hub.Publish(topic, event)
		if err != nil {
			logger.Error("failed to publish reading", zap.String("topic", topic), zap.Error(err))
			continue
		}
		total += n
	}

	if s.relay != nil {
		if err := s.relay.PublishReading(ctx, event); err != nil {
			logger.Warn("failed to relay reading downstream",
				zap.Error(err),
				zap.String("reading_id", reading.ID.String()),
			)
		}
	}

	return total
}

// publishUpdate sends a manual-override update to the device topic only
func (s *ProcessorService) publishUpdate(reading *db.Reading, logger *zap.Logger) int {
	topic := fanout.DeviceTopic(reading.DeviceName)
	n, err := s.hub.Publish(topic, fanout.NewSensorUpdate(reading))
	if err != nil {
		logger.Error("failed to publish manual update", zap.String("topic", topic), zap.Error(err))
		return 0
	}
	return n
}

func manualOverrideFlag(payload map[string]any) bool {
	switch v := payload["manual_override"].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	default:
		return false
	}
}
