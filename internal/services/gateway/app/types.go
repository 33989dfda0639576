package app

import (
	"time"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/messages"
	"github.com/LeonardoBeccarini/agrimonitor/internal/services/aggregator"
	irrigation "github.com/LeonardoBeccarini/agrimonitor/internal/services/irrigation-controller"
)

/************* DTO verso la dashboard *************/

type SensorCurrent struct {
	SensorType model.SensorType       `json:"sensor_type"`
	Value      float64                `json:"value"`
	Unit       string                 `json:"unit"`
	Timestamp  time.Time              `json:"timestamp"`
	Sequence   uint64                 `json:"sequence"`
	Source     messages.ReadingSource `json:"source,omitempty"`
	Status     string                 `json:"status"` // normal | alert
	Low        *float64               `json:"threshold_low,omitempty"`
	High       *float64               `json:"threshold_high,omitempty"`
}

type CurrentResponse struct {
	Sensors   []SensorCurrent `json:"sensors"`
	Timestamp time.Time       `json:"timestamp"`
}

type HistoricalResponse struct {
	SensorType    model.SensorType    `json:"sensor_type"`
	Unit          string              `json:"unit"`
	Source        string              `json:"source"` // memory | log
	Readings      []model.Reading     `json:"readings"`
	Buckets       []aggregator.Bucket `json:"buckets,omitempty"`
	Resolution    string              `json:"resolution,omitempty"`
	RequestedFrom time.Time           `json:"requested_from"`
	RequestedTo   time.Time           `json:"requested_to"`
	RetainedFrom  *time.Time          `json:"retained_from,omitempty"`
	RetainedTo    *time.Time          `json:"retained_to,omitempty"`
	Truncated     bool                `json:"truncated"`
}

// sensorDataRequest accetta sia il batch del dispositivo (Pico) sia un
// singolo override {sensor_type, value}.
type sensorDataRequest struct {
	messages.DeviceReport
	SensorType model.SensorType `json:"sensor_type"`
	Value      *float64         `json:"value"`
}

type RejectedValue struct {
	SensorType model.SensorType `json:"sensor_type"`
	Value      float64          `json:"value"`
	Error      string           `json:"error"`
}

type SensorDataResponse struct {
	Accepted int             `json:"accepted"`
	Rejected []RejectedValue `json:"rejected"`
}

type AlertsResponse struct {
	Alerts []model.Alert `json:"alerts"`
	Open   int           `json:"open"`
	Total  int           `json:"total"`
}

type IrrigationStatus struct {
	Status              string     `json:"status"`
	ZoneID              string     `json:"zone_id"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	DurationMinutes     float64    `json:"duration_minutes,omitempty"`
	EndsAt              *time.Time `json:"ends_at,omitempty"`
	RemainingSeconds    int64      `json:"remaining_seconds"`
	LastStartedAt       *time.Time `json:"last_started_at,omitempty"`
	LastStoppedAt       *time.Time `json:"last_stopped_at,omitempty"`
	StopReason          string     `json:"stop_reason,omitempty"`
	RuntimeTodayMinutes float64    `json:"runtime_today_minutes"`
}

func irrigationDTO(st model.IrrigationState, now time.Time) IrrigationStatus {
	out := IrrigationStatus{
		Status:              string(st.Status),
		ZoneID:              st.ZoneID,
		StartedAt:           st.StartedAt,
		LastStartedAt:       st.LastStartedAt,
		LastStoppedAt:       st.LastStoppedAt,
		StopReason:          string(st.StopReason),
		RuntimeTodayMinutes: st.RuntimeToday.Minutes(),
		RemainingSeconds:    int64(irrigation.Remaining(st, now).Seconds()),
	}
	if st.Running() {
		end := st.EndsAt()
		out.EndsAt = &end
		out.DurationMinutes = st.Duration.Minutes()
	}
	return out
}

type PersistenceStatus struct {
	Enabled          bool    `json:"enabled"`
	Backend          string  `json:"backend,omitempty"`
	Pending          int     `json:"pending"`
	Breaker          string  `json:"breaker,omitempty"`
	LastErrorAgeSecs float64 `json:"last_write_error_age_sec,omitempty"`
}

type SystemStatus struct {
	Status        string            `json:"status"` // ok | degraded | down
	StartedAt     time.Time         `json:"started_at"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	LastTick      *time.Time        `json:"last_tick,omitempty"`
	Ticks         uint64            `json:"ticks"`
	TickInterval  string            `json:"tick_interval"`
	Sensors       int               `json:"sensors"`
	OpenAlerts    int               `json:"open_alerts"`
	Subscribers   int               `json:"subscribers"`
	Irrigation    IrrigationStatus  `json:"irrigation"`
	MQTTConnected *bool             `json:"mqtt_connected,omitempty"`
	Persistence   PersistenceStatus `json:"persistence"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type conflictResponse struct {
	Error string           `json:"error"`
	State IrrigationStatus `json:"state"`
}
