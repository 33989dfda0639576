package entities

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration      = errors.New("configuration error")
	ErrOutOfRange         = errors.New("value out of range")
	ErrIrrigationConflict = errors.New("irrigation already running")
	ErrInvalidCommand     = errors.New("invalid irrigation command")
	ErrUnknownSensor      = errors.New("unknown sensor type")
	ErrAlertNotFound      = errors.New("alert not found")
)

// ConfigurationError is fatal at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// OutOfRangeError reports an external value that cannot be accepted for a sensor.
type OutOfRangeError struct {
	Sensor SensorType
	Value  float64
	Min    float64
	Max    float64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("%s: value %v outside [%v, %v]", e.Sensor, e.Value, e.Min, e.Max)
}

func (e *OutOfRangeError) Unwrap() error { return ErrOutOfRange }
