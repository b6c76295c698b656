package alerting

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/septivank/river-telemetry/internal/db"
	"github.com/septivank/river-telemetry/internal/metrics"
	"github.com/septivank/river-telemetry/internal/repository"
	"go.uber.org/zap"
)

func newReading(t *testing.T, store *repository.MemoryStore, set func(*db.Measurements)) *db.Reading {
	t.Helper()
	ctx := context.Background()
	device, _ := store.GetOrCreateDevice(ctx, "riv1")
	sensor, _ := store.GetOrCreateSensor(ctx, device, db.SensorPH)

	var values db.Measurements
	set(&values)
	reading, err := store.CreateReading(ctx, db.NewReading{DeviceID: device.ID, SensorID: sensor.ID, Values: values})
	if err != nil {
		t.Fatalf("CreateReading failed: %v", err)
	}
	return reading
}

func TestCheck_Bands(t *testing.T) {
	engine := NewEngine(repository.NewMemoryStore(), zap.NewNop())

	tests := []struct {
		name  string
		param db.Parameter
		value float64
		want  int
	}{
		{"ph in band", db.ParamPH, 7.0, 0},
		{"ph at min", db.ParamPH, 6.5, 0},
		{"ph at max", db.ParamPH, 8.5, 0},
		{"ph above", db.ParamPH, 9.0, 1},
		{"temperature below", db.ParamTemperature, -0.1, 1},
		{"turbidity above", db.ParamTurbidity, 500.5, 1},
		{"dissolved oxygen below", db.ParamDissolvedOxygen, 4.9, 1},
		{"ec has no threshold", db.ParamEC, 99999, 0},
		{"value has no threshold", db.ParamValue, -5, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var values db.Measurements
			values.Set(tt.param, tt.value)
			if got := len(engine.Check(&values)); got != tt.want {
				t.Errorf("Expected %d violations, got %d", tt.want, got)
			}
		})
	}
}

func TestCheck_AbsentNeverViolates(t *testing.T) {
	engine := NewEngine(repository.NewMemoryStore(), zap.NewNop())

	var values db.Measurements
	if v := engine.Check(&values); len(v) != 0 {
		t.Errorf("Expected no violations for an empty reading, got %d", len(v))
	}
}

func TestEvaluate_OneAlertPerViolation(t *testing.T) {
	store := repository.NewMemoryStore()
	engine := NewEngine(store, zap.NewNop())
	before := testutil.ToFloat64(metrics.AlertsRaised.WithLabelValues("pH"))

	reading := newReading(t, store, func(m *db.Measurements) {
		m.Set(db.ParamPH, 9.0)
		m.Set(db.ParamTemperature, 45)
		m.Set(db.ParamTurbidity, 10)
	})

	alerts, err := engine.Evaluate(context.Background(), reading)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("Expected 2 alerts, got %d", len(alerts))
	}

	if alerts[0].Parameter != "pH" || alerts[0].Message != "Ph out of range: 9.0" {
		t.Errorf("Unexpected pH alert: %+v", alerts[0])
	}
	if alerts[1].Parameter != "temperature" || alerts[1].Message != "Temperature out of range: 45.0" {
		t.Errorf("Unexpected temperature alert: %+v", alerts[1])
	}
	for _, a := range alerts {
		if a.ReadingID != reading.ID || a.DeviceID != reading.DeviceID || a.IsResolved {
			t.Errorf("Alert does not reference the reading correctly: %+v", a)
		}
	}

	if got := testutil.ToFloat64(metrics.AlertsRaised.WithLabelValues("pH")) - before; got != 1 {
		t.Errorf("Expected pH alert counter to grow by 1, got %v", got)
	}
}

func TestEvaluate_InBandCreatesNothing(t *testing.T) {
	store := repository.NewMemoryStore()
	engine := NewEngine(store, zap.NewNop())

	reading := newReading(t, store, func(m *db.Measurements) {
		m.Set(db.ParamPH, 7.2)
		m.Set(db.ParamDissolvedOxygen, 8)
	})

	alerts, err := engine.Evaluate(context.Background(), reading)
	if err != nil || len(alerts) != 0 {
		t.Fatalf("Expected no alerts, got %d (err=%v)", len(alerts), err)
	}
	open, _ := store.ListUnresolvedAlerts(context.Background(), repository.AlertFilter{})
	if len(open) != 0 {
		t.Errorf("Expected nothing stored, got %d", len(open))
	}
}

func TestResolve(t *testing.T) {
	store := repository.NewMemoryStore()
	engine := NewEngine(store, zap.NewNop())
	ctx := context.Background()

	if _, err := engine.Resolve(ctx, uuid.New()); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	reading := newReading(t, store, func(m *db.Measurements) { m.Set(db.ParamPH, 4.0) })
	alerts, _ := engine.Evaluate(ctx, reading)

	for i := 0; i < 2; i++ {
		alert, err := engine.Resolve(ctx, alerts[0].ID)
		if err != nil || !alert.IsResolved {
			t.Fatalf("Resolve call %d: expected resolved alert, got %+v (err=%v)", i+1, alert, err)
		}
	}

	open, _ := engine.List(ctx, repository.AlertFilter{Device: "riv1"})
	if len(open) != 0 {
		t.Errorf("Expected no open alerts, got %d", len(open))
	}
}

func TestViolationMessage_Formatting(t *testing.T) {
	tests := []struct {
		param db.Parameter
		value float64
		want  string
	}{
		{db.ParamPH, 9, "Ph out of range: 9.0"},
		{db.ParamDissolvedOxygen, 3.25, "Dissolved_oxygen out of range: 3.25"},
		{db.ParamTemperature, -2, "Temperature out of range: -2.0"},
	}

	for _, tt := range tests {
		got := Violation{Parameter: tt.param, Value: tt.value}.Message()
		if got != tt.want {
			t.Errorf("Expected %q, got %q", tt.want, got)
		}
	}
}

func TestFormatValue(t *testing.T) {
	tests := map[float64]string{
		9:       "9.0",
		0:       "0.0",
		0.0001:  "0.0001",
		0.00001: "1e-05",
		1.5e-7:  "1.5e-07",
		1e15:    "1000000000000000.0",
		1e16:    "1e+16",
		-2.5e20: "-2.5e+20",
		1234.5:  "1234.5",
	}
	for v, want := range tests {
		if got := formatValue(v); got != want {
			t.Errorf("formatValue(%v) = %q, want %q", v, got, want)
		}
	}
}

func TestViolationMessage_ExponentValues(t *testing.T) {
	tests := []struct {
		param db.Parameter
		value float64
		want  string
	}{
		{db.ParamTurbidity, 1e16, "Turbidity out of range: 1e+16"},
		{db.ParamDissolvedOxygen, 0.00001, "Dissolved_oxygen out of range: 1e-05"},
	}

	for _, tt := range tests {
		got := Violation{Parameter: tt.param, Value: tt.value}.Message()
		if got != tt.want {
			t.Errorf("Expected %q, got %q", tt.want, got)
		}
	}
}
