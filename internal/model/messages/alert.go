package messages

import (
	"time"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model/entities"
)

type Condition string

const (
	BelowLow  Condition = "below_low"
	AboveHigh Condition = "above_high"
)

type Severity string

const (
	SeverityModerate Severity = "moderate"
	SeverityHigh     Severity = "high"
)

type AlertStatus string

const (
	AlertOpen     AlertStatus = "open"
	AlertResolved AlertStatus = "resolved"
)

// Alert tracks one breach of a threshold from open to resolution.
type Alert struct {
	ID             string              `json:"id"`
	SensorType     entities.SensorType `json:"sensor_type"`
	Condition      Condition           `json:"condition"`
	Severity       Severity            `json:"severity"`
	Threshold      float64             `json:"threshold"`
	Unit           string              `json:"unit"`
	OpenedAt       time.Time           `json:"opened_at"`
	ValueAtOpen    float64             `json:"value_at_open"`
	Status         AlertStatus         `json:"status"`
	ResolvedAt     *time.Time          `json:"resolved_at,omitempty"`
	ValueAtResolve *float64            `json:"value_at_resolve,omitempty"`
	AcknowledgedAt *time.Time          `json:"acknowledged_at,omitempty"`
}

// Key is the dedup key of open alerts.
func (a Alert) Key() AlertKey { return AlertKey{Sensor: a.SensorType, Condition: a.Condition} }

type AlertKey struct {
	Sensor    entities.SensorType
	Condition Condition
}

type TransitionKind string

const (
	TransitionOpened   TransitionKind = "opened"
	TransitionResolved TransitionKind = "resolved"
)

type AlertTransition struct {
	Kind  TransitionKind `json:"kind"`
	Alert Alert          `json:"alert"`
}
