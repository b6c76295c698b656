package normalizer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/septivank/river-telemetry/internal/db"
	"github.com/septivank/river-telemetry/internal/repository"
	"go.uber.org/zap"
)

// ErrMissingDevice is returned when no device identifier accompanies a payload
var ErrMissingDevice = errors.New("missing device identifier")

// Mapping routes one payload key into one canonical slot
type Mapping struct {
	Key   string
	Param db.Parameter
}

// DirectMappings are applied first; a later mapping never overwrites a slot
// already filled by an earlier one.
var DirectMappings = []Mapping{
	{"ph", db.ParamPH},
	{"pH", db.ParamPH},
	{"temperature", db.ParamTemperature},
	{"turbidity", db.ParamTurbidity},
	{"dissolved_oxygen", db.ParamDissolvedOxygen},
	{"ise_value", db.ParamISE},
	{"ise", db.ParamISE},
	{"tds", db.ParamTDS},
	{"orp", db.ParamORP},
	{"ec", db.ParamEC},
	{"mercury_ppb", db.ParamValue},
}

// SharedMappings let one upstream field feed several slots. Devices report
// a single conductivity probe that backs both TDS and EC.
var SharedMappings = []Mapping{
	{"conductivity", db.ParamTDS},
	{"conductivity", db.ParamEC},
}

// Normalized is a payload mapped onto canonical slots with its owning
// device and sensors resolved
type Normalized struct {
	Device  *db.Device
	Sensors []*db.Sensor
	Reading db.NewReading
	Skipped []string
}

// Normalizer maps raw device payloads to canonical readings
type Normalizer struct {
	store  repository.ReadingStore
	logger *zap.Logger
}

// NewNormalizer creates a new normalizer
func NewNormalizer(store repository.ReadingStore, logger *zap.Logger) *Normalizer {
	return &Normalizer{store: store, logger: logger}
}

// Normalize resolves the device and sensors for a payload and builds the
// reading to persist. It returns nil with no error when the payload holds no
// recognized parameter; nothing is created in that case.
func (n *Normalizer) Normalize(ctx context.Context, deviceName string, payload map[string]any, manualOverride bool) (*Normalized, error) {
	deviceName = strings.TrimSpace(deviceName)
	if deviceName == "" {
		return nil, ErrMissingDevice
	}

	values, skipped := Extract(payload)
	for _, key := range skipped {
		n.logger.Debug("skipping payload field",
			zap.String("device", deviceName),
			zap.String("key", key),
		)
	}
	if values.Empty() {
		return nil, nil
	}

	device, err := n.store.GetOrCreateDevice(ctx, deviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device: %w", err)
	}

	var sensors []*db.Sensor
	seen := make(map[db.SensorType]bool)
	for _, p := range values.Present() {
		t := p.SensorType()
		if seen[t] {
			continue
		}
		seen[t] = true

		sensor, err := n.store.GetOrCreateSensor(ctx, device, t)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s sensor: %w", t, err)
		}
		sensors = append(sensors, sensor)
	}

	return &Normalized{
		Device:  device,
		Sensors: sensors,
		Reading: db.NewReading{
			DeviceID:       device.ID,
			SensorID:       sensors[0].ID,
			ManualOverride: manualOverride,
			Values:         values,
		},
		Skipped: skipped,
	}, nil
}

// Extract maps recognized payload keys onto canonical slots. Keys that are
// unrecognized, or recognized but not numeric, are returned as skipped.
func Extract(payload map[string]any) (db.Measurements, []string) {
	var values db.Measurements
	used := make(map[string]bool)
	var skipped []string

	apply := func(mappings []Mapping) {
		for _, m := range mappings {
			raw, ok := payload[m.Key]
			if !ok {
				continue
			}
			used[m.Key] = true
			if raw == nil {
				continue
			}
			if _, set := values.Get(m.Param); set {
				continue
			}
			v, err := ToFloat(raw)
			if err != nil {
				skipped = appendOnce(skipped, m.Key)
				continue
			}
			values.Set(m.Param, v)
		}
	}
	apply(DirectMappings)
	apply(SharedMappings)

	for key := range payload {
		if !used[key] && !isMetaKey(key) {
			skipped = appendOnce(skipped, key)
		}
	}

	return values, skipped
}

func isMetaKey(key string) bool {
	switch key {
	case "timestamp", "manual_override", "type", "device", "device_id":
		return true
	}
	return false
}

func appendOnce(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

// ToFloat coerces a decoded JSON value to a finite float64
func ToFloat(raw any) (float64, error) {
	var value float64
	switch v := raw.(type) {
	case float64:
		value = v
	case float32:
		value = float64(v)
	case int:
		value = float64(v)
	case int64:
		value = float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid numeric value: %w", err)
		}
		value = f
	case string:
		// Some firmware wraps values in brackets, e.g. "[7.2]"
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.Trim(v, "[]")), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid numeric value: %w", err)
		}
		value = f
	default:
		return 0, fmt.Errorf("unsupported value type %T", raw)
	}

	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("non-finite value %v", value)
	}
	return value, nil
}
