package entities

import "time"

// IrrigationStatus indicates whether the valve is open.
type IrrigationStatus string

const (
	IrrigationIdle    IrrigationStatus = "idle"
	IrrigationRunning IrrigationStatus = "running"
)

type StopReason string

const (
	StopNone    StopReason = ""
	StopManual  StopReason = "manual"
	StopTimeout StopReason = "timeout"
)

const DefaultZone = "main"

// IrrigationState is a value snapshot of the single irrigation zone of a farm.
type IrrigationState struct {
	Status    IrrigationStatus `json:"status"`
	ZoneID    string           `json:"zone_id"`
	StartedAt *time.Time       `json:"started_at,omitempty"`
	Duration  time.Duration    `json:"duration"` // requested run time, 0 when idle

	LastStartedAt *time.Time    `json:"last_started_at,omitempty"`
	LastStoppedAt *time.Time    `json:"last_stopped_at,omitempty"`
	StopReason    StopReason    `json:"stop_reason,omitempty"`
	RuntimeToday  time.Duration `json:"runtime_today"`
	Day           time.Time     `json:"day"` // local midnight RuntimeToday refers to
}

func (s IrrigationState) Running() bool { return s.Status == IrrigationRunning }

// EndsAt is the scheduled timeout of a running state.
func (s IrrigationState) EndsAt() time.Time {
	if !s.Running() || s.StartedAt == nil {
		return time.Time{}
	}
	return s.StartedAt.Add(s.Duration)
}

// Clone copies pointer fields so the snapshot cannot alias controller state.
func (s IrrigationState) Clone() IrrigationState {
	cp := s
	cp.StartedAt = cloneTime(s.StartedAt)
	cp.LastStartedAt = cloneTime(s.LastStartedAt)
	cp.LastStoppedAt = cloneTime(s.LastStoppedAt)
	return cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
