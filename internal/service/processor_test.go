package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/septivank/river-telemetry/internal/alerting"
	"github.com/septivank/river-telemetry/internal/db"
	"github.com/septivank/river-telemetry/internal/fanout"
	"github.com/septivank/river-telemetry/internal/normalizer"
	"github.com/septivank/river-telemetry/internal/repository"
	"go.uber.org/zap"
)

type published struct {
	topic string
	event any
}

type capturePublisher struct {
	mu     sync.Mutex
	events []published
}

func (c *capturePublisher) Publish(topic string, event any) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, published{topic: topic, event: event})
	return 1, nil
}

type captureRelay struct {
	events []fanout.SensorData
	err    error
}

func (r *captureRelay) PublishReading(_ context.Context, event fanout.SensorData) error {
	r.events = append(r.events, event)
	return r.err
}

// failingStore refuses to persist readings
type failingStore struct {
	*repository.MemoryStore
}

func (f failingStore) CreateReading(context.Context, db.NewReading) (*db.Reading, error) {
	return nil, errors.New("connection refused")
}

func newTestService(store repository.Store, relay Relay) (*ProcessorService, *capturePublisher) {
	logger := zap.NewNop()
	pub := &capturePublisher{}
	svc := NewProcessorService(
		normalizer.NewNormalizer(store, logger),
		store,
		alerting.NewEngine(store, logger),
		pub,
		relay,
		logger,
	)
	return svc, pub
}

func TestIngest_EndToEnd(t *testing.T) {
	store := repository.NewMemoryStore()
	relay := &captureRelay{}
	svc, pub := newTestService(store, relay)
	ctx := context.Background()

	result, err := svc.Ingest(ctx, "riv1", map[string]any{"ph": 9.0, "temperature": 22.5}, SourceBroker)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	devices, _ := store.ListDevices(ctx)
	if len(devices) != 1 || devices[0].Name != "riv1" || !devices[0].IsOnline {
		t.Fatalf("Expected one online device riv1, got %+v", devices)
	}
	types := map[db.SensorType]bool{}
	for _, s := range devices[0].Sensors {
		types[s.SensorType] = true
	}
	if len(types) != 2 || !types[db.SensorPH] || !types[db.SensorTemperature] {
		t.Errorf("Expected PH and TEMP sensors, got %+v", devices[0].Sensors)
	}

	readings, _ := store.ListRecent(ctx, repository.RecentQuery{})
	if len(readings) != 1 {
		t.Fatalf("Expected 1 reading, got %d", len(readings))
	}
	if ph, _ := readings[0].Values.Get(db.ParamPH); ph != 9.0 {
		t.Errorf("Expected pH 9.0, got %v", ph)
	}
	if temp, _ := readings[0].Values.Get(db.ParamTemperature); temp != 22.5 {
		t.Errorf("Expected temperature 22.5, got %v", temp)
	}

	if len(result.Alerts) != 1 || result.Alerts[0].Parameter != "pH" || result.Alerts[0].Message != "Ph out of range: 9.0" {
		t.Errorf("Unexpected alerts: %+v", result.Alerts)
	}

	if len(pub.events) != 2 {
		t.Fatalf("Expected 2 published events, got %d", len(pub.events))
	}
	if pub.events[0].topic != fanout.DeviceTopic("riv1") || pub.events[1].topic != fanout.GlobalTopic {
		t.Errorf("Unexpected topics: %s, %s", pub.events[0].topic, pub.events[1].topic)
	}
	for _, p := range pub.events {
		ev, ok := p.event.(fanout.SensorData)
		if !ok {
			t.Fatalf("Expected SensorData, got %T", p.event)
		}
		if *ev.Data["ph"] != 9.0 || *ev.Data["temperature"] != 22.5 {
			t.Errorf("Unexpected event data: %+v", ev.Data)
		}
	}

	if len(relay.events) != 1 || relay.events[0].DeviceID != "riv1" {
		t.Errorf("Expected the reading relayed once, got %+v", relay.events)
	}
}

func TestIngest_ManualOverrideGoesToDeviceTopicOnly(t *testing.T) {
	store := repository.NewMemoryStore()
	relay := &captureRelay{}
	svc, pub := newTestService(store, relay)

	payload := map[string]any{"ph": 7.1, "manual_override": true}
	result, err := svc.Ingest(context.Background(), "riv1", payload, SourceSession)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if !result.Reading.ManualOverride {
		t.Error("Expected reading stored as manual override")
	}

	if len(pub.events) != 1 {
		t.Fatalf("Expected exactly 1 broadcast, got %d", len(pub.events))
	}
	if pub.events[0].topic != fanout.DeviceTopic("riv1") {
		t.Errorf("Expected device topic, got %s", pub.events[0].topic)
	}
	ev, ok := pub.events[0].event.(fanout.SensorUpdate)
	if !ok || !ev.ManualOverride {
		t.Errorf("Expected manual sensor.update event, got %+v", pub.events[0].event)
	}
	if len(relay.events) != 0 {
		t.Error("Manual updates should not be relayed")
	}
}

func TestIngest_BrokerCannotClaimManualOverride(t *testing.T) {
	svc, pub := newTestService(repository.NewMemoryStore(), nil)

	result, err := svc.Ingest(context.Background(), "riv1", map[string]any{"ph": 7, "manual_override": true}, SourceBroker)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if result.Reading.ManualOverride {
		t.Error("Broker readings must not be marked manual")
	}
	if len(pub.events) != 2 {
		t.Errorf("Expected 2 broadcasts, got %d", len(pub.events))
	}
}

func TestIngest_NoRecognizedKeys(t *testing.T) {
	store := repository.NewMemoryStore()
	svc, pub := newTestService(store, nil)

	result, err := svc.Ingest(context.Background(), "riv1", map[string]any{"battery": 88}, SourceBroker)
	if err != nil || result != nil {
		t.Fatalf("Expected nil result and nil error, got %+v, %v", result, err)
	}
	if devices, _ := store.ListDevices(context.Background()); len(devices) != 0 {
		t.Error("No device should be created for an empty payload")
	}
	if len(pub.events) != 0 {
		t.Error("Nothing should be published")
	}
}

func TestIngest_MissingDevice(t *testing.T) {
	svc, _ := newTestService(repository.NewMemoryStore(), nil)

	_, err := svc.Ingest(context.Background(), "  ", map[string]any{"ph": 7}, SourceBroker)
	if !errors.Is(err, normalizer.ErrMissingDevice) {
		t.Errorf("Expected ErrMissingDevice, got %v", err)
	}
}

func TestIngest_PersistenceFailurePublishesNothing(t *testing.T) {
	svc, pub := newTestService(failingStore{repository.NewMemoryStore()}, nil)

	_, err := svc.Ingest(context.Background(), "riv1", map[string]any{"ph": 9.5}, SourceBroker)
	if err == nil {
		t.Fatal("Expected persistence error")
	}
	if len(pub.events) != 0 {
		t.Errorf("Expected no fan-out for unpersisted data, got %d events", len(pub.events))
	}
}

func TestManualReading(t *testing.T) {
	store := repository.NewMemoryStore()
	svc, pub := newTestService(store, nil)

	result, err := svc.ManualReading(context.Background(), "riv2", map[string]float64{"turbidity": 600})
	if err != nil {
		t.Fatalf("ManualReading failed: %v", err)
	}
	if !result.Reading.ManualOverride {
		t.Error("Expected manual override set")
	}
	if len(result.Alerts) != 1 || result.Alerts[0].Parameter != "turbidity" {
		t.Errorf("Expected turbidity alert, got %+v", result.Alerts)
	}
	if len(pub.events) != 1 || pub.events[0].topic != fanout.DeviceTopic("riv2") {
		t.Errorf("Expected a single device broadcast, got %+v", pub.events)
	}
}

func TestToggleManualOverride(t *testing.T) {
	store := repository.NewMemoryStore()
	svc, pub := newTestService(store, nil)
	ctx := context.Background()

	if _, err := svc.ToggleManualOverride(ctx, uuid.New()); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	result, _ := svc.Ingest(ctx, "riv1", map[string]any{"ph": 7}, SourceBroker)
	pub.events = nil

	on, err := svc.ToggleManualOverride(ctx, result.Reading.ID)
	if err != nil || !on.ManualOverride {
		t.Fatalf("Expected override on, got %+v (err=%v)", on, err)
	}
	if len(pub.events) != 1 || pub.events[0].topic != fanout.DeviceTopic("riv1") {
		t.Errorf("Expected one device broadcast, got %+v", pub.events)
	}

	off, err := svc.ToggleManualOverride(ctx, result.Reading.ID)
	if err != nil || off.ManualOverride {
		t.Fatalf("Expected override off, got %+v (err=%v)", off, err)
	}
	if len(pub.events) != 1 {
		t.Error("Clearing the override should not broadcast")
	}
}

func TestIngest_WithRealHub(t *testing.T) {
	store := repository.NewMemoryStore()
	logger := zap.NewNop()
	hub := fanout.NewHub(8, logger)
	defer hub.Close()

	svc := NewProcessorService(
		normalizer.NewNormalizer(store, logger),
		store,
		alerting.NewEngine(store, logger),
		hub,
		nil,
		logger,
	)

	result, err := svc.Ingest(context.Background(), "riv1", map[string]any{"ph": 7}, SourceBroker)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if result.Published != 0 {
		t.Errorf("Expected no subscribers reached, got %d", result.Published)
	}
}
