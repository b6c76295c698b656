package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/river-telemetry/internal/db"
)

// Tx is an alias for pgx.Tx
type Tx = pgx.Tx

// Repository handles database operations against PostgreSQL
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const readingColumns = `r.id, r.device_id, d.name, r.sensor_id, r.timestamp, r.manual_override,
	r.ph, r.temperature, r.turbidity, r.dissolved_oxygen, r.ise, r.tds, r.orp, r.ec, r.value`

const alertColumns = `a.id, a.device_id, d.name, a.reading_id, a.parameter, a.message, a.created_at, a.is_resolved`

const brokerColumns = `id, name, host, port, username, password, use_tls, is_active, is_healthy, last_health_check`

// GetOrCreateDevice inserts the device or returns the existing row. The
// no-op update on conflict lets RETURNING yield the existing row, so
// concurrent callers never race between a read and a write.
func (r *Repository) GetOrCreateDevice(ctx context.Context, name string) (*db.Device, error) {
	query := `
		INSERT INTO devices (id, name, description, is_online, created_at)
		VALUES ($1, $2, '', FALSE, $3)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, location, description, is_online, created_at
	`

	var device db.Device
	err := r.pool.QueryRow(ctx, query, uuid.New(), name, time.Now()).Scan(
		&device.ID,
		&device.Name,
		&device.Location,
		&device.Description,
		&device.IsOnline,
		&device.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create device: %w", err)
	}

	return &device, nil
}

// GetOrCreateSensor inserts the (device, type) sensor or returns the existing row
func (r *Repository) GetOrCreateSensor(ctx context.Context, device *db.Device, t db.SensorType) (*db.Sensor, error) {
	query := `
		INSERT INTO sensors (id, device_id, name, sensor_type, is_active)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (device_id, sensor_type) DO UPDATE SET sensor_type = EXCLUDED.sensor_type
		RETURNING id, device_id, name, sensor_type, is_active
	`

	var sensor db.Sensor
	var sensorType string
	err := r.pool.QueryRow(ctx, query, uuid.New(), device.ID, sensorName(device.Name, t), string(t)).Scan(
		&sensor.ID,
		&sensor.DeviceID,
		&sensor.Name,
		&sensorType,
		&sensor.IsActive,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create sensor: %w", err)
	}
	sensor.SensorType = db.SensorType(sensorType)

	return &sensor, nil
}

// BeginTx starts a new transaction
func (r *Repository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// CreateReading inserts a reading and flags its device online in one transaction
func (r *Repository) CreateReading(ctx context.Context, in db.NewReading) (*db.Reading, error) {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	reading := &db.Reading{
		ID:             uuid.New(),
		DeviceID:       in.DeviceID,
		SensorID:       in.SensorID,
		ManualOverride: in.ManualOverride,
		Values:         in.Values,
	}

	err = tx.QueryRow(ctx, `UPDATE devices SET is_online = TRUE WHERE id = $1 RETURNING name`, in.DeviceID).
		Scan(&reading.DeviceName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("device %s: %w", in.DeviceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark device online: %w", err)
	}

	query := `
		INSERT INTO sensor_readings (
			id, sensor_id, device_id, timestamp, manual_override,
			ph, temperature, turbidity, dissolved_oxygen, ise, tds, orp, ec, value
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING timestamp
	`

	v := in.Values
	err = tx.QueryRow(ctx, query,
		reading.ID,
		reading.SensorID,
		reading.DeviceID,
		time.Now().UTC(),
		reading.ManualOverride,
		v[db.ParamPH], v[db.ParamTemperature], v[db.ParamTurbidity], v[db.ParamDissolvedOxygen],
		v[db.ParamISE], v[db.ParamTDS], v[db.ParamORP], v[db.ParamEC], v[db.ParamValue],
	).Scan(&reading.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to insert reading: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return reading, nil
}

// ListRecent returns readings newest-first with the lookback fallback policy
func (r *Repository) ListRecent(ctx context.Context, q RecentQuery) ([]db.Reading, error) {
	return listRecentWithFallback(ctx, q, r.fetchReadings)
}

func (r *Repository) fetchReadings(ctx context.Context, since *time.Time, device string, limit int) ([]db.Reading, error) {
	query := `
		SELECT ` + readingColumns + `
		FROM sensor_readings r
		JOIN devices d ON d.id = r.device_id
		WHERE ($1::timestamptz IS NULL OR r.timestamp >= $1)
		  AND ($2 = '' OR d.name = $2)
		ORDER BY r.timestamp DESC, r.id DESC
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, since, device, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent readings: %w", err)
	}
	defer rows.Close()

	var readings []db.Reading
	for rows.Next() {
		reading, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, *reading)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return readings, nil
}

// GetReading fetches one reading by id
func (r *Repository) GetReading(ctx context.Context, id uuid.UUID) (*db.Reading, error) {
	query := `
		SELECT ` + readingColumns + `
		FROM sensor_readings r
		JOIN devices d ON d.id = r.device_id
		WHERE r.id = $1
	`

	reading, err := scanReading(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return reading, err
}

// ToggleManualOverride flips the manual_override flag of a reading
func (r *Repository) ToggleManualOverride(ctx context.Context, id uuid.UUID) (*db.Reading, error) {
	query := `
		WITH r AS (
			UPDATE sensor_readings SET manual_override = NOT manual_override
			WHERE id = $1
			RETURNING *
		)
		SELECT ` + readingColumns + `
		FROM r
		JOIN devices d ON d.id = r.device_id
	`

	reading, err := scanReading(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return reading, err
}

func scanReading(row pgx.Row) (*db.Reading, error) {
	var reading db.Reading
	dest := []any{
		&reading.ID,
		&reading.DeviceID,
		&reading.DeviceName,
		&reading.SensorID,
		&reading.Timestamp,
		&reading.ManualOverride,
	}
	for _, p := range db.Parameters {
		dest = append(dest, &reading.Values[p])
	}

	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan reading: %w", err)
	}
	return &reading, nil
}

// SetDeviceOnline records a broker status update for the named device
func (r *Repository) SetDeviceOnline(ctx context.Context, name string, online bool) (*db.Device, error) {
	if _, err := r.GetOrCreateDevice(ctx, name); err != nil {
		return nil, err
	}

	var device db.Device
	err := r.pool.QueryRow(ctx, `
		UPDATE devices SET is_online = $2 WHERE name = $1
		RETURNING id, name, location, description, is_online, created_at
	`, name, online).Scan(
		&device.ID,
		&device.Name,
		&device.Location,
		&device.Description,
		&device.IsOnline,
		&device.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update device status: %w", err)
	}

	return &device, nil
}

// ListDevices returns every device with its sensors, ordered by name
func (r *Repository) ListDevices(ctx context.Context) ([]DeviceWithSensors, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT d.id, d.name, d.location, d.description, d.is_online, d.created_at,
		       s.id, s.name, s.sensor_type, s.is_active
		FROM devices d
		LEFT JOIN sensors s ON s.device_id = d.id
		ORDER BY d.name, s.sensor_type
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []DeviceWithSensors
	for rows.Next() {
		var (
			device     db.Device
			sensorID   *uuid.UUID
			sensorName *string
			sensorType *string
			isActive   *bool
		)
		if err := rows.Scan(
			&device.ID, &device.Name, &device.Location, &device.Description, &device.IsOnline, &device.CreatedAt,
			&sensorID, &sensorName, &sensorType, &isActive,
		); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}

		if n := len(devices); n == 0 || devices[n-1].ID != device.ID {
			devices = append(devices, DeviceWithSensors{Device: device})
		}
		if sensorID != nil {
			last := &devices[len(devices)-1]
			last.Sensors = append(last.Sensors, db.Sensor{
				ID:         *sensorID,
				DeviceID:   device.ID,
				Name:       *sensorName,
				SensorType: db.SensorType(*sensorType),
				IsActive:   *isActive,
			})
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return devices, nil
}

// DeleteDevice removes a device; sensors, readings and alerts cascade
func (r *Repository) DeleteDevice(ctx context.Context, name string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM devices WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateAlert inserts an alert
func (r *Repository) CreateAlert(ctx context.Context, a db.Alert) (*db.Alert, error) {
	a.ID = uuid.New()
	a.IsResolved = false

	query := `
		INSERT INTO alerts (id, device_id, reading_id, parameter, message, created_at, is_resolved)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)
		RETURNING created_at
	`

	err := r.pool.QueryRow(ctx, query, a.ID, a.DeviceID, a.ReadingID, a.Parameter, a.Message, time.Now().UTC()).
		Scan(&a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert alert: %w", err)
	}

	return &a, nil
}

// ResolveAlert marks an alert resolved
func (r *Repository) ResolveAlert(ctx context.Context, id uuid.UUID) (*db.Alert, error) {
	query := `
		WITH a AS (
			UPDATE alerts SET is_resolved = TRUE
			WHERE id = $1
			RETURNING *
		)
		SELECT ` + alertColumns + `
		FROM a
		JOIN devices d ON d.id = a.device_id
	`

	alert, err := scanAlert(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return alert, err
}

// ListUnresolvedAlerts returns open alerts newest-first
func (r *Repository) ListUnresolvedAlerts(ctx context.Context, f AlertFilter) ([]db.Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alerts a
		JOIN devices d ON d.id = a.device_id
		WHERE NOT a.is_resolved
		  AND ($1 = '' OR d.name = $1)
		  AND ($2 = '' OR a.parameter = $2)
		ORDER BY a.created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, f.Device, f.Parameter)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []db.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return alerts, nil
}

func scanAlert(row pgx.Row) (*db.Alert, error) {
	var a db.Alert
	err := row.Scan(&a.ID, &a.DeviceID, &a.DeviceName, &a.ReadingID, &a.Parameter, &a.Message, &a.CreatedAt, &a.IsResolved)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}
	return &a, nil
}

// CreateBroker inserts an inactive broker record
func (r *Repository) CreateBroker(ctx context.Context, b db.BrokerConfig) (*db.BrokerConfig, error) {
	b.ID = uuid.New()
	b.IsActive = false
	b.IsHealthy = true

	_, err := r.pool.Exec(ctx, `
		INSERT INTO mqtt_brokers (id, name, host, port, username, password, use_tls, is_active, is_healthy)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, TRUE)
	`, b.ID, b.Name, b.Host, b.Port, b.Username, b.Password, b.UseTLS)
	if err != nil {
		return nil, fmt.Errorf("failed to insert broker: %w", err)
	}

	return &b, nil
}

// ListBrokers returns all broker records ordered by name
func (r *Repository) ListBrokers(ctx context.Context) ([]db.BrokerConfig, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+brokerColumns+` FROM mqtt_brokers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query brokers: %w", err)
	}
	defer rows.Close()

	var brokers []db.BrokerConfig
	for rows.Next() {
		b, err := scanBroker(rows)
		if err != nil {
			return nil, err
		}
		brokers = append(brokers, *b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return brokers, nil
}

// ActiveBroker returns the single active broker record
func (r *Repository) ActiveBroker(ctx context.Context) (*db.BrokerConfig, error) {
	b, err := scanBroker(r.pool.QueryRow(ctx, `SELECT `+brokerColumns+` FROM mqtt_brokers WHERE is_active`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// SetActiveBroker swaps the active broker inside one transaction
func (r *Repository) SetActiveBroker(ctx context.Context, id uuid.UUID) (*db.BrokerConfig, error) {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serialize concurrent swaps on the table before touching any row.
	if _, err := tx.Exec(ctx, `LOCK TABLE mqtt_brokers IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return nil, fmt.Errorf("failed to lock brokers: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM mqtt_brokers WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to look up broker: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	if _, err := tx.Exec(ctx, `UPDATE mqtt_brokers SET is_active = FALSE WHERE is_active`); err != nil {
		return nil, fmt.Errorf("failed to deactivate brokers: %w", err)
	}

	b, err := scanBroker(tx.QueryRow(ctx,
		`UPDATE mqtt_brokers SET is_active = TRUE WHERE id = $1 RETURNING `+brokerColumns, id))
	if err != nil {
		return nil, fmt.Errorf("failed to activate broker: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return b, nil
}

// MarkBrokerHealth records the outcome of a connection attempt
func (r *Repository) MarkBrokerHealth(ctx context.Context, id uuid.UUID, healthy bool, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE mqtt_brokers SET is_healthy = $2, last_health_check = $3 WHERE id = $1`, id, healthy, at)
	if err != nil {
		return fmt.Errorf("failed to update broker health: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanBroker(row pgx.Row) (*db.BrokerConfig, error) {
	var b db.BrokerConfig
	err := row.Scan(&b.ID, &b.Name, &b.Host, &b.Port, &b.Username, &b.Password,
		&b.UseTLS, &b.IsActive, &b.IsHealthy, &b.LastHealthCheck)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan broker: %w", err)
	}
	return &b, nil
}

var _ Store = (*Repository)(nil)
