package messages

import "github.com/LeonardoBeccarini/agrimonitor/internal/model/entities"

type EventKind string

const (
	EventReading    EventKind = "reading"
	EventAlert      EventKind = "alert"
	EventIrrigation EventKind = "irrigation"
	EventGap        EventKind = "gap"
)

// Gap tells a subscriber that Dropped events were discarded since its last read.
type Gap struct {
	Dropped int `json:"dropped"`
}

// Event is the unit delivered by the broadcast hub.
type Event struct {
	Kind       EventKind                 `json:"kind"`
	Reading    *Reading                  `json:"reading,omitempty"`
	Alert      *AlertTransition          `json:"alert,omitempty"`
	Irrigation *entities.IrrigationState `json:"irrigation,omitempty"`
	Gap        *Gap                      `json:"gap,omitempty"`
	Backfill   bool                      `json:"backfill,omitempty"`
}

func ReadingEvent(r Reading) Event { return Event{Kind: EventReading, Reading: &r} }

func AlertEvent(t AlertTransition) Event { return Event{Kind: EventAlert, Alert: &t} }

func IrrigationEvent(s entities.IrrigationState) Event {
	s = s.Clone()
	return Event{Kind: EventIrrigation, Irrigation: &s}
}

func GapEvent(dropped int) Event { return Event{Kind: EventGap, Gap: &Gap{Dropped: dropped}} }
