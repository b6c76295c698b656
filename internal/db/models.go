package db

import (
	"time"

	"github.com/google/uuid"
)

// SensorType tags the physical kind of a sensor
type SensorType string

const (
	SensorTemperature     SensorType = "TEMP"
	SensorPH              SensorType = "PH"
	SensorTurbidity       SensorType = "TURB"
	SensorDissolvedOxygen SensorType = "DO"
	SensorISE             SensorType = "ISE"
	SensorTDS             SensorType = "TDS"
	SensorORP             SensorType = "ORP"
	SensorEC              SensorType = "EC"
)

// Valid reports whether t is one of the known sensor types
func (t SensorType) Valid() bool {
	switch t {
	case SensorTemperature, SensorPH, SensorTurbidity, SensorDissolvedOxygen,
		SensorISE, SensorTDS, SensorORP, SensorEC:
		return true
	}
	return false
}

// Parameter is one numeric slot of a reading
type Parameter int

const (
	ParamPH Parameter = iota
	ParamTemperature
	ParamTurbidity
	ParamDissolvedOxygen
	ParamISE
	ParamTDS
	ParamORP
	ParamEC
	ParamValue

	NumParameters = int(ParamValue) + 1
)

// Parameters lists every slot in storage order
var Parameters = [NumParameters]Parameter{
	ParamPH, ParamTemperature, ParamTurbidity, ParamDissolvedOxygen,
	ParamISE, ParamTDS, ParamORP, ParamEC, ParamValue,
}

var parameterInfo = [NumParameters]struct {
	name       string
	wireKey    string
	sensorType SensorType
}{
	ParamPH:              {"pH", "ph", SensorPH},
	ParamTemperature:     {"temperature", "temperature", SensorTemperature},
	ParamTurbidity:       {"turbidity", "turbidity", SensorTurbidity},
	ParamDissolvedOxygen: {"dissolved_oxygen", "dissolved_oxygen", SensorDissolvedOxygen},
	ParamISE:             {"ise", "ise", SensorISE},
	ParamTDS:             {"tds", "tds", SensorTDS},
	ParamORP:             {"orp", "orp", SensorORP},
	ParamEC:              {"ec", "ec", SensorEC},
	ParamValue:           {"value", "value", SensorISE},
}

// Name is the canonical parameter name used in alerts
func (p Parameter) Name() string { return parameterInfo[p].name }

// WireKey is the key used in live update events
func (p Parameter) WireKey() string { return parameterInfo[p].wireKey }

// SensorType is the sensor kind that reports this parameter
func (p Parameter) SensorType() SensorType { return parameterInfo[p].sensorType }

func (p Parameter) String() string { return p.Name() }

// Measurements holds the optional value of every parameter slot.
// A nil entry means the parameter was not reported.
type Measurements [NumParameters]*float64

// Get returns the value of p and whether it was reported
func (m *Measurements) Get(p Parameter) (float64, bool) {
	if v := m[p]; v != nil {
		return *v, true
	}
	return 0, false
}

// Set records a value for p
func (m *Measurements) Set(p Parameter, v float64) {
	m[p] = &v
}

// Present returns the reported parameters in slot order
func (m *Measurements) Present() []Parameter {
	var out []Parameter
	for _, p := range Parameters {
		if m[p] != nil {
			out = append(out, p)
		}
	}
	return out
}

// Empty reports whether no parameter is set
func (m *Measurements) Empty() bool {
	for _, v := range m {
		if v != nil {
			return false
		}
	}
	return true
}

// Device is a monitoring station identified by its unique name
type Device struct {
	ID          uuid.UUID
	Name        string
	Location    *string
	Description string
	IsOnline    bool
	CreatedAt   time.Time
}

// Sensor belongs to a device and is unique per (device, type)
type Sensor struct {
	ID         uuid.UUID
	DeviceID   uuid.UUID
	Name       string
	SensorType SensorType
	IsActive   bool
}

// Reading is an immutable set of measurements captured at Timestamp
type Reading struct {
	ID             uuid.UUID
	DeviceID       uuid.UUID
	DeviceName     string
	SensorID       uuid.UUID
	Timestamp      time.Time
	ManualOverride bool
	Values         Measurements
}

// NewReading is the input to Store.CreateReading; the timestamp is
// assigned by the store
type NewReading struct {
	DeviceID       uuid.UUID
	SensorID       uuid.UUID
	ManualOverride bool
	Values         Measurements
}

// Alert records a threshold violation on a reading
type Alert struct {
	ID         uuid.UUID
	DeviceID   uuid.UUID
	DeviceName string
	ReadingID  uuid.UUID
	Parameter  string
	Message    string
	CreatedAt  time.Time
	IsResolved bool
}

// BrokerConfig describes one candidate broker endpoint
type BrokerConfig struct {
	ID              uuid.UUID
	Name            string
	Host            string
	Port            int
	Username        *string
	Password        *string
	UseTLS          bool
	IsActive        bool
	IsHealthy       bool
	LastHealthCheck *time.Time
}
