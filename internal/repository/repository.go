package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/river-telemetry/internal/db"
)

// ErrNotFound is returned when a looked-up record does not exist
var ErrNotFound = errors.New("not found")

const (
	// DefaultLookback is the default listRecent window
	DefaultLookback = 24 * time.Hour
	// DefaultRecentLimit caps listRecent when no limit is given
	DefaultRecentLimit = 100
)

// RecentQuery selects readings for backfill and listing
type RecentQuery struct {
	Limit  int
	Since  time.Duration
	Device string // optional device name filter
}

// AlertFilter narrows ListUnresolvedAlerts
type AlertFilter struct {
	Device    string
	Parameter string
}

// DeviceWithSensors is a device and the sensors attached to it
type DeviceWithSensors struct {
	db.Device
	Sensors []db.Sensor
}

// ReadingStore persists devices, sensors and readings
type ReadingStore interface {
	// GetOrCreateDevice atomically returns the device named name, creating it if missing
	GetOrCreateDevice(ctx context.Context, name string) (*db.Device, error)
	// GetOrCreateSensor atomically returns the device's sensor of type t, creating it if missing
	GetOrCreateSensor(ctx context.Context, device *db.Device, t db.SensorType) (*db.Sensor, error)
	// CreateReading stores a reading and marks its device online
	CreateReading(ctx context.Context, r db.NewReading) (*db.Reading, error)
	// ListRecent returns readings newest-first, see RecentQuery
	ListRecent(ctx context.Context, q RecentQuery) ([]db.Reading, error)
	GetReading(ctx context.Context, id uuid.UUID) (*db.Reading, error)
	ToggleManualOverride(ctx context.Context, id uuid.UUID) (*db.Reading, error)
	SetDeviceOnline(ctx context.Context, name string, online bool) (*db.Device, error)
	ListDevices(ctx context.Context) ([]DeviceWithSensors, error)
	DeleteDevice(ctx context.Context, name string) error
}

// AlertStore persists alerts
type AlertStore interface {
	CreateAlert(ctx context.Context, a db.Alert) (*db.Alert, error)
	// ResolveAlert sets is_resolved; resolving twice succeeds
	ResolveAlert(ctx context.Context, id uuid.UUID) (*db.Alert, error)
	ListUnresolvedAlerts(ctx context.Context, f AlertFilter) ([]db.Alert, error)
}

// BrokerStore persists broker endpoint records
type BrokerStore interface {
	CreateBroker(ctx context.Context, b db.BrokerConfig) (*db.BrokerConfig, error)
	ListBrokers(ctx context.Context) ([]db.BrokerConfig, error)
	ActiveBroker(ctx context.Context) (*db.BrokerConfig, error)
	// SetActiveBroker deactivates every broker and activates id in one transaction
	SetActiveBroker(ctx context.Context, id uuid.UUID) (*db.BrokerConfig, error)
	MarkBrokerHealth(ctx context.Context, id uuid.UUID, healthy bool, at time.Time) error
}

// Store is the full persistence surface
type Store interface {
	ReadingStore
	AlertStore
	BrokerStore
}

// listRecentWithFallback applies the backfill policy: readings within the
// lookback window first, and when that is empty the newest readings of all time.
func listRecentWithFallback(
	ctx context.Context,
	q RecentQuery,
	fetch func(ctx context.Context, since *time.Time, device string, limit int) ([]db.Reading, error),
) ([]db.Reading, error) {
	lookback := q.Since
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	since := time.Now().Add(-lookback)

	readings, err := fetch(ctx, &since, q.Device, limit)
	if err != nil {
		return nil, err
	}
	if len(readings) > 0 {
		return readings, nil
	}

	return fetch(ctx, nil, q.Device, limit)
}

func sensorName(deviceName string, t db.SensorType) string {
	return deviceName + " - " + string(t)
}
