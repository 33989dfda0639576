package messages

import (
	"fmt"
	"strings"
	"time"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model/entities"
)

const (
	ActionStart = "start"
	ActionStop  = "stop"

	MinDurationMinutes     = 1
	MaxDurationMinutes     = 180
	DefaultDurationMinutes = 15
)

// IrrigationCommand arriva via HTTP o MQTT. Activate è il formato legacy ({"activate":true}).
type IrrigationCommand struct {
	Action          string    `json:"action,omitempty"`
	Activate        *bool     `json:"activate,omitempty"`
	DurationMinutes int       `json:"duration_minutes,omitempty"`
	ZoneID          string    `json:"zone_id,omitempty"`
	IssuedAt        time.Time `json:"issued_at,omitempty"`
}

// Normalize resolves the legacy form, fills defaults and validates bounds.
func (c IrrigationCommand) Normalize() (IrrigationCommand, error) {
	out := c
	out.Action = strings.ToLower(strings.TrimSpace(out.Action))
	if out.Action == "" && out.Activate != nil {
		if *out.Activate {
			out.Action = ActionStart
		} else {
			out.Action = ActionStop
		}
	}
	out.Activate = nil
	if strings.TrimSpace(out.ZoneID) == "" {
		out.ZoneID = entities.DefaultZone
	}

	switch out.Action {
	case ActionStart:
		if out.DurationMinutes == 0 {
			out.DurationMinutes = DefaultDurationMinutes
		}
		if out.DurationMinutes < MinDurationMinutes || out.DurationMinutes > MaxDurationMinutes {
			return out, fmt.Errorf("%w: duration_minutes must be in [%d,%d], got %d",
				entities.ErrInvalidCommand, MinDurationMinutes, MaxDurationMinutes, out.DurationMinutes)
		}
	case ActionStop:
		out.DurationMinutes = 0
	default:
		return out, fmt.Errorf("%w: unknown action %q", entities.ErrInvalidCommand, c.Action)
	}
	return out, nil
}

func (c IrrigationCommand) Duration() time.Duration {
	return time.Duration(c.DurationMinutes) * time.Minute
}
