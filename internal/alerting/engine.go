package alerting

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/septivank/river-telemetry/internal/db"
	"github.com/septivank/river-telemetry/internal/metrics"
	"github.com/septivank/river-telemetry/internal/repository"
	"go.uber.org/zap"
)

// Threshold is the inclusive safe band of a parameter
type Threshold struct {
	Min float64
	Max float64
}

// Contains reports whether v lies inside [Min, Max]
func (t Threshold) Contains(v float64) bool {
	return v >= t.Min && v <= t.Max
}

// DefaultThresholds are the water-quality bands alerts are raised against.
// Parameters without an entry are never alerted on.
var DefaultThresholds = map[db.Parameter]Threshold{
	db.ParamTemperature:     {Min: 0, Max: 40},
	db.ParamPH:              {Min: 6.5, Max: 8.5},
	db.ParamTurbidity:       {Min: 0, Max: 500},
	db.ParamDissolvedOxygen: {Min: 5, Max: 14},
}

// Violation is one out-of-band parameter on a reading
type Violation struct {
	Parameter db.Parameter
	Value     float64
	Threshold Threshold
}

// Message renders the operator-facing alert text
func (v Violation) Message() string {
	return fmt.Sprintf("%s out of range: %s", capitalize(v.Parameter.Name()), formatValue(v.Value))
}

// Engine evaluates persisted readings against static thresholds
type Engine struct {
	store      repository.AlertStore
	thresholds map[db.Parameter]Threshold
	logger     *zap.Logger
}

// NewEngine creates an alert engine over the default threshold table
func NewEngine(store repository.AlertStore, logger *zap.Logger) *Engine {
	return &Engine{
		store:      store,
		thresholds: DefaultThresholds,
		logger:     logger,
	}
}

// Check returns the violations on values in slot order. Absent parameters
// are never violations.
func (e *Engine) Check(values *db.Measurements) []Violation {
	var violations []Violation
	for _, p := range db.Parameters {
		threshold, ok := e.thresholds[p]
		if !ok {
			continue
		}
		value, present := values.Get(p)
		if !present || threshold.Contains(value) {
			continue
		}
		violations = append(violations, Violation{Parameter: p, Value: value, Threshold: threshold})
	}
	return violations
}

// Evaluate creates one alert per violation on a persisted reading. Alerts
// created before a store failure are returned along with the error.
func (e *Engine) Evaluate(ctx context.Context, reading *db.Reading) ([]db.Alert, error) {
	violations := e.Check(&reading.Values)
	if len(violations) == 0 {
		return nil, nil
	}

	alerts := make([]db.Alert, 0, len(violations))
	for _, v := range violations {
		alert, err := e.store.CreateAlert(ctx, db.Alert{
			DeviceID:  reading.DeviceID,
			ReadingID: reading.ID,
			Parameter: v.Parameter.Name(),
			Message:   v.Message(),
		})
		if err != nil {
			return alerts, fmt.Errorf("failed to create %s alert: %w", v.Parameter, err)
		}
		alerts = append(alerts, *alert)
		metrics.AlertsRaised.WithLabelValues(alert.Parameter).Inc()

		e.logger.Warn("threshold alert raised",
			zap.String("device", reading.DeviceName),
			zap.String("reading_id", reading.ID.String()),
			zap.String("parameter", alert.Parameter),
			zap.Float64("value", v.Value),
			zap.Float64("min", v.Threshold.Min),
			zap.Float64("max", v.Threshold.Max),
		)
	}

	return alerts, nil
}

// Resolve marks an alert resolved. Unknown ids yield repository.ErrNotFound;
// resolving an already resolved alert succeeds without change.
func (e *Engine) Resolve(ctx context.Context, id uuid.UUID) (*db.Alert, error) {
	alert, err := e.store.ResolveAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	e.logger.Info("alert resolved",
		zap.String("alert_id", id.String()),
		zap.String("parameter", alert.Parameter),
	)
	return alert, nil
}

// List returns unresolved alerts newest-first
func (e *Engine) List(ctx context.Context, f repository.AlertFilter) ([]db.Alert, error) {
	return e.store.ListUnresolvedAlerts(ctx, f)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

// formatValue renders v the way operators see floats elsewhere: shortest
// digits, a trailing ".0" on integral values (9 -> 9.0), and exponent form
// below 1e-4 or from 1e16 up (1e-05, 1e+16).
func formatValue(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	if v != 0 {
		sci := strconv.FormatFloat(v, 'e', -1, 64)
		if i := strings.IndexByte(sci, 'e'); i >= 0 {
			if exp, err := strconv.Atoi(sci[i+1:]); err == nil && (exp < -4 || exp >= 16) {
				return sci
			}
		}
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
