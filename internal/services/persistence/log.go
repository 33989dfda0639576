package persistence

import (
	"context"
	"time"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/messages"
)

// AlertEvent is one row of the alert lifecycle log.
type AlertEvent struct {
	AlertID    string                  `json:"alert_id"`
	SensorType model.SensorType        `json:"sensor_type"`
	Condition  messages.Condition      `json:"condition"`
	Kind       messages.TransitionKind `json:"kind"`
	Value      float64                 `json:"value"`
	Timestamp  time.Time               `json:"timestamp"`
}

// AlertEventFrom flattens a transition into its log row.
func AlertEventFrom(tr model.AlertTransition) AlertEvent {
	ev := AlertEvent{
		AlertID:    tr.Alert.ID,
		SensorType: tr.Alert.SensorType,
		Condition:  tr.Alert.Condition,
		Kind:       tr.Kind,
		Value:      tr.Alert.ValueAtOpen,
		Timestamp:  tr.Alert.OpenedAt,
	}
	if tr.Kind == messages.TransitionResolved {
		if tr.Alert.ValueAtResolve != nil {
			ev.Value = *tr.Alert.ValueAtResolve
		}
		if tr.Alert.ResolvedAt != nil {
			ev.Timestamp = *tr.Alert.ResolvedAt
		}
	}
	return ev
}

// Log is the append-only, key-ordered store behind the in-memory series.
// Implementations: SQLLog (sqlite/postgres) and InfluxLog.
type Log interface {
	AppendReadings(ctx context.Context, readings []model.Reading) error
	AppendAlertEvents(ctx context.Context, events []AlertEvent) error
	// ReadingsRange returns readings of one sensor in [since, until], oldest
	// first. When limit cuts the window, the newest rows are the ones kept.
	ReadingsRange(ctx context.Context, sensor model.SensorType, since, until time.Time, limit int) ([]model.Reading, error)
	Ping(ctx context.Context) error
	Close() error
}

// SequenceLog reports the highest reading sequence ever appended, across
// sensors, so a restarted generator never reuses one.
type SequenceLog interface {
	MaxSequence(ctx context.Context) (uint64, error)
}

// reverse turns a newest-first page back into oldest-first order.
func reverse(rs []model.Reading) {
	for i, j := 0, len(rs)-1; i < j; i, j = i+1, j-1 {
		rs[i], rs[j] = rs[j], rs[i]
	}
}
