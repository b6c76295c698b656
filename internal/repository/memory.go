package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/river-telemetry/internal/db"
)

type sensorKey struct {
	deviceID   uuid.UUID
	sensorType db.SensorType
}

// MemoryStore is an in-process Store guarded by a single mutex. It backs
// STORE_DRIVER=memory and the package tests.
type MemoryStore struct {
	mu       sync.RWMutex
	devices  map[string]*db.Device
	sensors  map[sensorKey]*db.Sensor
	readings []*db.Reading // append order, oldest first
	alerts   []*db.Alert
	brokers  map[uuid.UUID]*db.BrokerConfig
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[string]*db.Device),
		sensors: make(map[sensorKey]*db.Sensor),
		brokers: make(map[uuid.UUID]*db.BrokerConfig),
		now:     time.Now,
	}
}

// SetClock replaces the time source used for timestamps
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) GetOrCreateDevice(ctx context.Context, name string) (*db.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	device := s.getOrCreateDeviceLocked(name)
	out := *device
	return &out, nil
}

func (s *MemoryStore) getOrCreateDeviceLocked(name string) *db.Device {
	if device, ok := s.devices[name]; ok {
		return device
	}
	device := &db.Device{
		ID:        uuid.New(),
		Name:      name,
		CreatedAt: s.now().UTC(),
	}
	s.devices[name] = device
	return device
}

func (s *MemoryStore) GetOrCreateSensor(ctx context.Context, device *db.Device, t db.SensorType) (*db.Sensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[device.Name]; !ok {
		return nil, ErrNotFound
	}

	key := sensorKey{deviceID: device.ID, sensorType: t}
	sensor, ok := s.sensors[key]
	if !ok {
		sensor = &db.Sensor{
			ID:         uuid.New(),
			DeviceID:   device.ID,
			Name:       sensorName(device.Name, t),
			SensorType: t,
			IsActive:   true,
		}
		s.sensors[key] = sensor
	}

	out := *sensor
	return &out, nil
}

func (s *MemoryStore) CreateReading(ctx context.Context, in db.NewReading) (*db.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	device := s.deviceByIDLocked(in.DeviceID)
	if device == nil {
		return nil, ErrNotFound
	}
	device.IsOnline = true

	reading := &db.Reading{
		ID:             uuid.New(),
		DeviceID:       device.ID,
		DeviceName:     device.Name,
		SensorID:       in.SensorID,
		Timestamp:      s.now().UTC(),
		ManualOverride: in.ManualOverride,
		Values:         copyMeasurements(in.Values),
	}
	s.readings = append(s.readings, reading)

	out := *reading
	return &out, nil
}

func (s *MemoryStore) deviceByIDLocked(id uuid.UUID) *db.Device {
	for _, device := range s.devices {
		if device.ID == id {
			return device
		}
	}
	return nil
}

func (s *MemoryStore) ListRecent(ctx context.Context, q RecentQuery) ([]db.Reading, error) {
	return listRecentWithFallback(ctx, q, s.fetchReadings)
}

func (s *MemoryStore) fetchReadings(ctx context.Context, since *time.Time, device string, limit int) ([]db.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []db.Reading
	for i := len(s.readings) - 1; i >= 0 && len(out) < limit; i-- {
		r := s.readings[i]
		if since != nil && r.Timestamp.Before(*since) {
			continue
		}
		if device != "" && r.DeviceName != device {
			continue
		}
		out = append(out, *r)
	}

	// Append order already matches timestamps unless the clock was moved.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

func (s *MemoryStore) GetReading(ctx context.Context, id uuid.UUID) (*db.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.readings {
		if r.ID == id {
			out := *r
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ToggleManualOverride(ctx context.Context, id uuid.UUID) (*db.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.readings {
		if r.ID == id {
			r.ManualOverride = !r.ManualOverride
			out := *r
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) SetDeviceOnline(ctx context.Context, name string, online bool) (*db.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	device := s.getOrCreateDeviceLocked(name)
	device.IsOnline = online
	out := *device
	return &out, nil
}

func (s *MemoryStore) ListDevices(ctx context.Context) ([]DeviceWithSensors, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DeviceWithSensors, 0, len(s.devices))
	for _, device := range s.devices {
		entry := DeviceWithSensors{Device: *device}
		for key, sensor := range s.sensors {
			if key.deviceID == device.ID {
				entry.Sensors = append(entry.Sensors, *sensor)
			}
		}
		sort.Slice(entry.Sensors, func(i, j int) bool {
			return entry.Sensors[i].SensorType < entry.Sensors[j].SensorType
		})
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) DeleteDevice(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.devices[name]
	if !ok {
		return ErrNotFound
	}
	delete(s.devices, name)

	for key := range s.sensors {
		if key.deviceID == device.ID {
			delete(s.sensors, key)
		}
	}

	readings := s.readings[:0]
	for _, r := range s.readings {
		if r.DeviceID != device.ID {
			readings = append(readings, r)
		}
	}
	s.readings = readings

	alerts := s.alerts[:0]
	for _, a := range s.alerts {
		if a.DeviceID != device.ID {
			alerts = append(alerts, a)
		}
	}
	s.alerts = alerts

	return nil
}

func (s *MemoryStore) CreateAlert(ctx context.Context, a db.Alert) (*db.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	device := s.deviceByIDLocked(a.DeviceID)
	if device == nil {
		return nil, ErrNotFound
	}

	a.ID = uuid.New()
	a.DeviceName = device.Name
	a.CreatedAt = s.now().UTC()
	a.IsResolved = false
	s.alerts = append(s.alerts, &a)

	out := a
	return &out, nil
}

func (s *MemoryStore) ResolveAlert(ctx context.Context, id uuid.UUID) (*db.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.alerts {
		if a.ID == id {
			a.IsResolved = true
			out := *a
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListUnresolvedAlerts(ctx context.Context, f AlertFilter) ([]db.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []db.Alert
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if a.IsResolved {
			continue
		}
		if f.Device != "" && a.DeviceName != f.Device {
			continue
		}
		if f.Parameter != "" && a.Parameter != f.Parameter {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

func (s *MemoryStore) CreateBroker(ctx context.Context, b db.BrokerConfig) (*db.BrokerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b.ID = uuid.New()
	b.IsActive = false
	b.IsHealthy = true
	s.brokers[b.ID] = &b

	out := b
	return &out, nil
}

func (s *MemoryStore) ListBrokers(ctx context.Context) ([]db.BrokerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]db.BrokerConfig, 0, len(s.brokers))
	for _, b := range s.brokers {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) ActiveBroker(ctx context.Context) (*db.BrokerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, b := range s.brokers {
		if b.IsActive {
			out := *b
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) SetActiveBroker(ctx context.Context, id uuid.UUID) (*db.BrokerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.brokers[id]
	if !ok {
		return nil, ErrNotFound
	}
	for _, b := range s.brokers {
		b.IsActive = false
	}
	target.IsActive = true

	out := *target
	return &out, nil
}

func (s *MemoryStore) MarkBrokerHealth(ctx context.Context, id uuid.UUID, healthy bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.brokers[id]
	if !ok {
		return ErrNotFound
	}
	b.IsHealthy = healthy
	b.LastHealthCheck = &at
	return nil
}

func copyMeasurements(m db.Measurements) db.Measurements {
	var out db.Measurements
	for _, p := range db.Parameters {
		if v, ok := m.Get(p); ok {
			out.Set(p, v)
		}
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
