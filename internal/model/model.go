package model

import (
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/entities"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/messages"
)

// Alias per esporre tipi comuni ai servizi

type (
	SensorType        = entities.SensorType
	SensorSpec        = entities.SensorSpec
	Thresholds        = entities.Thresholds
	IrrigationState   = entities.IrrigationState
	Reading           = messages.Reading
	SensorOverride    = messages.SensorOverride
	Alert             = messages.Alert
	AlertTransition   = messages.AlertTransition
	Event             = messages.Event
	IrrigationCommand = messages.IrrigationCommand

	ConfigurationError = entities.ConfigurationError
	OutOfRangeError    = entities.OutOfRangeError
)

const (
	IrrigationIdle    = entities.IrrigationIdle
	IrrigationRunning = entities.IrrigationRunning
)

var (
	ErrConfiguration      = entities.ErrConfiguration
	ErrOutOfRange         = entities.ErrOutOfRange
	ErrIrrigationConflict = entities.ErrIrrigationConflict
	ErrInvalidCommand     = entities.ErrInvalidCommand
	ErrUnknownSensor      = entities.ErrUnknownSensor
	ErrAlertNotFound      = entities.ErrAlertNotFound
)
