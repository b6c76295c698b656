package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/river-telemetry/internal/db"
)

func TestGetOrCreateDevice_ConcurrentCreatesOne(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const workers = 50
	ids := make([]uuid.UUID, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			device, err := store.GetOrCreateDevice(ctx, "riv1")
			if err != nil {
				t.Errorf("GetOrCreateDevice failed: %v", err)
				return
			}
			ids[i] = device.ID
		}(i)
	}
	wg.Wait()

	devices, _ := store.ListDevices(ctx)
	if len(devices) != 1 {
		t.Fatalf("Expected exactly 1 device, got %d", len(devices))
	}
	for _, id := range ids {
		if id != devices[0].ID {
			t.Errorf("Expected every caller to get %s, got %s", devices[0].ID, id)
		}
	}
}

func TestGetOrCreateSensor_UniquePerType(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	device, _ := store.GetOrCreateDevice(ctx, "riv1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.GetOrCreateSensor(ctx, device, db.SensorPH); err != nil {
				t.Errorf("GetOrCreateSensor failed: %v", err)
			}
		}()
	}
	wg.Wait()

	temp, _ := store.GetOrCreateSensor(ctx, device, db.SensorTemperature)
	if temp.Name != "riv1 - TEMP" {
		t.Errorf("Expected sensor name 'riv1 - TEMP', got %q", temp.Name)
	}

	devices, _ := store.ListDevices(ctx)
	if len(devices[0].Sensors) != 2 {
		t.Errorf("Expected 2 sensors, got %d", len(devices[0].Sensors))
	}
}

func TestCreateReading_MarksDeviceOnline(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	device, _ := store.GetOrCreateDevice(ctx, "riv1")
	sensor, _ := store.GetOrCreateSensor(ctx, device, db.SensorPH)

	if device.IsOnline {
		t.Fatal("Expected new device to be offline")
	}

	var values db.Measurements
	values.Set(db.ParamPH, 7.1)
	reading, err := store.CreateReading(ctx, db.NewReading{DeviceID: device.ID, SensorID: sensor.ID, Values: values})
	if err != nil {
		t.Fatalf("CreateReading failed: %v", err)
	}
	if reading.DeviceName != "riv1" || reading.Timestamp.IsZero() {
		t.Errorf("Expected device name and timestamp to be set, got %+v", reading)
	}

	devices, _ := store.ListDevices(ctx)
	if !devices[0].IsOnline {
		t.Error("Expected device to be online after a reading")
	}
}

func TestCreateReading_UnknownDevice(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.CreateReading(context.Background(), db.NewReading{DeviceID: uuid.New()})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func seedReadings(t *testing.T, store *MemoryStore, device string, stamps []time.Time) {
	t.Helper()
	ctx := context.Background()
	d, _ := store.GetOrCreateDevice(ctx, device)
	s, _ := store.GetOrCreateSensor(ctx, d, db.SensorTemperature)
	for i, ts := range stamps {
		ts := ts
		store.SetClock(func() time.Time { return ts })
		var values db.Measurements
		values.Set(db.ParamTemperature, float64(i))
		if _, err := store.CreateReading(ctx, db.NewReading{DeviceID: d.ID, SensorID: s.ID, Values: values}); err != nil {
			t.Fatalf("CreateReading failed: %v", err)
		}
	}
	store.SetClock(time.Now)
}

func TestListRecent_NewestFirstWithinWindow(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	seedReadings(t, store, "riv1", []time.Time{
		now.Add(-48 * time.Hour),
		now.Add(-2 * time.Hour),
		now.Add(-1 * time.Hour),
	})

	readings, err := store.ListRecent(context.Background(), RecentQuery{Limit: 10, Since: 24 * time.Hour})
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("Expected 2 readings in window, got %d", len(readings))
	}
	if !readings[0].Timestamp.After(readings[1].Timestamp) {
		t.Error("Expected newest-first ordering")
	}
}

func TestListRecent_FallsBackToAllTime(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	seedReadings(t, store, "riv1", []time.Time{
		now.Add(-72 * time.Hour),
		now.Add(-60 * time.Hour),
		now.Add(-50 * time.Hour),
	})

	readings, err := store.ListRecent(context.Background(), RecentQuery{Limit: 2, Since: 24 * time.Hour})
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("Expected fallback to return 2 readings, got %d", len(readings))
	}
	if v, _ := readings[0].Values.Get(db.ParamTemperature); v != 2 {
		t.Errorf("Expected newest reading first (value 2), got %v", v)
	}
}

func TestListRecent_DeviceFilter(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	seedReadings(t, store, "riv1", []time.Time{now.Add(-time.Minute)})
	seedReadings(t, store, "riv2", []time.Time{now.Add(-time.Minute), now})

	readings, _ := store.ListRecent(context.Background(), RecentQuery{Limit: 10, Device: "riv2"})
	if len(readings) != 2 {
		t.Fatalf("Expected 2 readings for riv2, got %d", len(readings))
	}
	for _, r := range readings {
		if r.DeviceName != "riv2" {
			t.Errorf("Expected only riv2 readings, got %s", r.DeviceName)
		}
	}
}

func TestResolveAlert(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	device, _ := store.GetOrCreateDevice(ctx, "riv1")

	if _, err := store.ResolveAlert(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown alert, got %v", err)
	}

	alert, err := store.CreateAlert(ctx, db.Alert{DeviceID: device.ID, ReadingID: uuid.New(), Parameter: "pH", Message: "Ph out of range: 9.0"})
	if err != nil {
		t.Fatalf("CreateAlert failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		resolved, err := store.ResolveAlert(ctx, alert.ID)
		if err != nil {
			t.Fatalf("ResolveAlert call %d failed: %v", i+1, err)
		}
		if !resolved.IsResolved {
			t.Errorf("Expected alert to be resolved after call %d", i+1)
		}
	}

	open, _ := store.ListUnresolvedAlerts(ctx, AlertFilter{})
	if len(open) != 0 {
		t.Errorf("Expected no unresolved alerts, got %d", len(open))
	}
}

func TestSetActiveBroker_Swap(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a, _ := store.CreateBroker(ctx, db.BrokerConfig{Name: "a", Host: "a.local", Port: 1883})
	b, _ := store.CreateBroker(ctx, db.BrokerConfig{Name: "b", Host: "b.local", Port: 8883, UseTLS: true})

	if _, err := store.SetActiveBroker(ctx, a.ID); err != nil {
		t.Fatalf("SetActiveBroker failed: %v", err)
	}
	if _, err := store.SetActiveBroker(ctx, b.ID); err != nil {
		t.Fatalf("SetActiveBroker failed: %v", err)
	}

	brokers, _ := store.ListBrokers(ctx)
	active := 0
	for _, br := range brokers {
		if br.IsActive {
			active++
			if br.ID != b.ID {
				t.Errorf("Expected broker b to be active, got %s", br.Name)
			}
		}
	}
	if active != 1 {
		t.Errorf("Expected exactly one active broker, got %d", active)
	}

	if _, err := store.SetActiveBroker(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	current, _ := store.ActiveBroker(ctx)
	if current.ID != b.ID {
		t.Error("Expected failed swap to leave the active broker untouched")
	}
}

func TestDeleteDevice_Cascades(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedReadings(t, store, "riv1", []time.Time{time.Now()})
	seedReadings(t, store, "riv2", []time.Time{time.Now()})

	devices, _ := store.ListDevices(ctx)
	readings, _ := store.ListRecent(ctx, RecentQuery{Device: "riv1"})
	if _, err := store.CreateAlert(ctx, db.Alert{DeviceID: devices[0].ID, ReadingID: readings[0].ID, Parameter: "temperature"}); err != nil {
		t.Fatalf("CreateAlert failed: %v", err)
	}

	if err := store.DeleteDevice(ctx, "riv1"); err != nil {
		t.Fatalf("DeleteDevice failed: %v", err)
	}

	if r, _ := store.ListRecent(ctx, RecentQuery{Device: "riv1"}); len(r) != 0 {
		t.Errorf("Expected riv1 readings to be removed, got %d", len(r))
	}
	if r, _ := store.ListRecent(ctx, RecentQuery{Device: "riv2"}); len(r) != 1 {
		t.Errorf("Expected riv2 readings to survive, got %d", len(r))
	}
	if a, _ := store.ListUnresolvedAlerts(ctx, AlertFilter{}); len(a) != 0 {
		t.Errorf("Expected alerts to cascade, got %d", len(a))
	}
	if err := store.DeleteDevice(ctx, "riv1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
}

func TestSetActiveBroker_SwapsSingleActive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.ActiveBroker(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound with no brokers, got %v", err)
	}

	primary, _ := store.CreateBroker(ctx, db.BrokerConfig{Name: "primary", Host: "mqtt-a.local", Port: 1883})
	backup, _ := store.CreateBroker(ctx, db.BrokerConfig{Name: "backup", Host: "mqtt-b.local", Port: 8883, UseTLS: true})

	if _, err := store.SetActiveBroker(ctx, primary.ID); err != nil {
		t.Fatalf("SetActiveBroker failed: %v", err)
	}
	if _, err := store.SetActiveBroker(ctx, backup.ID); err != nil {
		t.Fatalf("SetActiveBroker failed: %v", err)
	}

	brokers, _ := store.ListBrokers(ctx)
	active := 0
	for _, b := range brokers {
		if b.IsActive {
			active++
			if b.ID != backup.ID {
				t.Errorf("Expected backup to be active, got %s", b.Name)
			}
		}
	}
	if active != 1 {
		t.Errorf("Expected exactly one active broker, got %d", active)
	}

	if _, err := store.SetActiveBroker(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown broker, got %v", err)
	}
	if got, _ := store.ActiveBroker(ctx); got == nil || got.ID != backup.ID {
		t.Error("Unknown id must not change the active broker")
	}

	at := time.Now()
	if err := store.MarkBrokerHealth(ctx, backup.ID, false, at); err != nil {
		t.Fatalf("MarkBrokerHealth failed: %v", err)
	}
	got, _ := store.ActiveBroker(ctx)
	if got.IsHealthy || got.LastHealthCheck == nil || !got.LastHealthCheck.Equal(at) {
		t.Errorf("Expected unhealthy broker checked at %v, got %+v", at, got)
	}
}
