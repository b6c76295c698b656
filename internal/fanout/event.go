package fanout

import (
	"math"
	"time"

	"github.com/goccy/go-json"
	"github.com/septivank/river-telemetry/internal/db"
)

// Event types sent to subscribers
const (
	TypeSensorData   = "sensor_data"
	TypeSensorUpdate = "sensor.update"
	TypeHeartbeat    = "heartbeat"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeError        = "error"
)

// SensorData is the live update emitted for every persisted reading
type SensorData struct {
	Type      string              `json:"type"`
	DeviceID  string              `json:"device_id"`
	Timestamp string              `json:"timestamp"`
	Data      map[string]*float64 `json:"data"`
}

// SensorUpdate is emitted on a device topic for manual-override readings
type SensorUpdate struct {
	Type           string              `json:"type"`
	DeviceID       string              `json:"device_id"`
	ManualOverride bool                `json:"manual_override"`
	Timestamp      string              `json:"timestamp"`
	Data           map[string]*float64 `json:"data"`
}

// Heartbeat acknowledges a new connection
type Heartbeat struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// Pong answers a client ping
type Pong struct {
	Type string `json:"type"`
}

// Ack confirms a client-submitted reading
type Ack struct {
	Status    string `json:"status"`
	ReadingID string `json:"reading_id,omitempty"`
}

// ErrorEvent reports a rejected client message
type ErrorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewSensorData builds the wire event for a reading
func NewSensorData(r *db.Reading) SensorData {
	return SensorData{
		Type:      TypeSensorData,
		DeviceID:  r.DeviceName,
		Timestamp: FormatTimestamp(r.Timestamp),
		Data:      WireValues(&r.Values),
	}
}

// NewSensorUpdate builds the manual-override wire event for a reading
func NewSensorUpdate(r *db.Reading) SensorUpdate {
	return SensorUpdate{
		Type:           TypeSensorUpdate,
		DeviceID:       r.DeviceName,
		ManualOverride: r.ManualOverride,
		Timestamp:      FormatTimestamp(r.Timestamp),
		Data:           WireValues(&r.Values),
	}
}

// WireValues maps every slot to its wire key; absent slots are explicit nulls
func WireValues(m *db.Measurements) map[string]*float64 {
	out := make(map[string]*float64, db.NumParameters)
	for _, p := range db.Parameters {
		if v, ok := m.Get(p); ok {
			r := Round(v)
			out[p.WireKey()] = &r
		} else {
			out[p.WireKey()] = nil
		}
	}
	return out
}

// Round keeps at most four fraction digits
func Round(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

// FormatTimestamp renders t as ISO-8601 in UTC
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Encode marshals an event for delivery
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
