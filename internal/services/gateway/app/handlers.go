package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/messages"
	"github.com/LeonardoBeccarini/agrimonitor/internal/services/aggregator"
	"github.com/LeonardoBeccarini/agrimonitor/internal/services/history"
)

const (
	defaultHistoryHours = 24
	defaultAlertLimit   = 100
	maxBodyBytes        = 64 << 10

	// LastErrorAge oltre questa soglia significa "nessun errore"
	neverFailed = 365 * 24 * time.Hour
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// sensorParam valida sensor_type contro i sensori configurati.
func (g *Gateway) sensorParam(raw string) (model.SensorSpec, error) {
	spec, ok := g.farm.Source.Spec(model.SensorType(strings.TrimSpace(raw)))
	if !ok {
		return model.SensorSpec{}, fmt.Errorf("%w: %q", model.ErrUnknownSensor, raw)
	}
	return spec, nil
}

func (g *Gateway) alertedSensors() map[model.SensorType]bool {
	out := map[model.SensorType]bool{}
	for _, a := range g.farm.Alerts.Open() {
		out[a.SensorType] = true
	}
	return out
}

// GET /api/sensors/current[?sensor_type=]
func (g *Gateway) HandleCurrent(w http.ResponseWriter, r *http.Request) {
	sensors := g.farm.Source.Sensors()
	if raw := r.URL.Query().Get("sensor_type"); raw != "" {
		spec, err := g.sensorParam(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		sensors = []model.SensorType{spec.Type}
	}

	alerted := g.alertedSensors()
	resp := CurrentResponse{Sensors: []SensorCurrent{}, Timestamp: g.farm.Clock().Now()}
	for _, t := range sensors {
		rd, ok := g.farm.History.Latest(t)
		if !ok {
			continue
		}
		spec, _ := g.farm.Source.Spec(t)
		sc := SensorCurrent{
			SensorType: t,
			Value:      rd.Value,
			Unit:       rd.Unit,
			Timestamp:  rd.Timestamp,
			Sequence:   rd.Sequence,
			Source:     rd.Source,
			Status:     "normal",
			Low:        spec.Thresholds.Low,
			High:       spec.Thresholds.High,
		}
		if alerted[t] {
			sc.Status = "alert"
		}
		resp.Sensors = append(resp.Sensors, sc)
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseWindow legge since/until (RFC3339) oppure hours a ritroso da until.
func parseWindow(q map[string][]string, now time.Time) (time.Time, time.Time, error) {
	get := func(k string) string {
		if v := q[k]; len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}
	until := now
	if v := get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("until: %w", err)
		}
		until = t
	}
	if v := get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("since: %w", err)
		}
		return t, until, nil
	}
	hours := defaultHistoryHours
	if v := get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return time.Time{}, time.Time{}, fmt.Errorf("hours must be a positive integer, got %q", v)
		}
		hours = n
	}
	return until.Add(-time.Duration(hours) * time.Hour), until, nil
}

// GET /api/sensors/historical?sensor_type=&since=&until=&hours=&resolution=&source=
func (g *Gateway) HandleHistorical(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	raw := q.Get("sensor_type")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "sensor_type is required")
		return
	}
	spec, err := g.sensorParam(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	since, until, err := parseWindow(q, g.farm.Clock().Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if until.Before(since) {
		writeError(w, http.StatusBadRequest, history.ErrInvalidRange.Error())
		return
	}
	var resolution time.Duration
	if v := q.Get("resolution"); v != "" {
		resolution, err = time.ParseDuration(v)
		if err != nil || resolution <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("resolution must be a positive duration, got %q", v))
			return
		}
	}

	resp := HistoricalResponse{SensorType: spec.Type, Unit: spec.Unit, RequestedFrom: since, RequestedTo: until}
	switch source := q.Get("source"); source {
	case "", "memory":
		res, err := g.farm.History.Query(spec.Type, since, until)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, history.ErrInvalidRange) || errors.Is(err, model.ErrUnknownSensor) {
				status = http.StatusBadRequest
			}
			writeError(w, status, err.Error())
			return
		}
		resp.Source = "memory"
		resp.Readings = res.Readings
		resp.RetainedFrom, resp.RetainedTo, resp.Truncated = res.RetainedFrom, res.RetainedTo, res.Truncated

	case "log":
		if g.logs == nil {
			writeError(w, http.StatusBadRequest, "source=log requires a persistence backend")
			return
		}
		rs, cached, err := g.logs.ReadingsRange(r.Context(), spec.Type, since, until)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		if cached {
			w.Header().Set("X-Cache", "stale")
		}
		resp.Source = "log"
		resp.Readings = rs
		if rs == nil {
			resp.Readings = []model.Reading{}
		}
		if n := len(rs); n > 0 {
			from, to := rs[0].Timestamp, rs[n-1].Timestamp
			resp.RetainedFrom, resp.RetainedTo = &from, &to
			// limite raggiunto: il log potrebbe avere altri punti
			resp.Truncated = n >= g.cfg.LogQueryLimit
		}

	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("source must be memory or log, got %q", source))
		return
	}

	if resolution > 0 {
		buckets, err := aggregator.Downsample(resp.Readings, resolution)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		resp.Buckets = buckets
		resp.Resolution = resolution.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /api/sensors/data: batch del dispositivo oppure singolo {sensor_type, value}.
func (g *Gateway) HandleSensorData(w http.ResponseWriter, r *http.Request) {
	var req sensorDataRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var overrides []model.SensorOverride
	if req.SensorType != "" {
		if req.Value == nil {
			writeError(w, http.StatusBadRequest, "value is required with sensor_type")
			return
		}
		overrides = []model.SensorOverride{{DeviceID: req.DeviceID, SensorType: req.SensorType, Value: *req.Value}}
	} else {
		overrides = req.DeviceReport.Overrides()
	}
	if len(overrides) == 0 {
		writeError(w, http.StatusBadRequest, "no sensor values in request")
		return
	}

	resp := SensorDataResponse{Rejected: []RejectedValue{}}
	for _, ov := range overrides {
		if _, err := g.sensorParam(string(ov.SensorType)); err != nil {
			resp.Rejected = append(resp.Rejected, RejectedValue{ov.SensorType, ov.Value, err.Error()})
			continue
		}
		if err := g.farm.SubmitOverride(ov); err != nil {
			resp.Rejected = append(resp.Rejected, RejectedValue{ov.SensorType, ov.Value, err.Error()})
			continue
		}
		resp.Accepted++
	}

	status := http.StatusAccepted
	if resp.Accepted == 0 {
		status = http.StatusUnprocessableEntity
	}
	g.log.Debug("sensor data received", zap.String("device_id", req.DeviceID),
		zap.Int("accepted", resp.Accepted), zap.Int("rejected", len(resp.Rejected)))
	writeJSON(w, status, resp)
}

// GET /api/alerts[?status=open|resolved|all][&limit=]
func (g *Gateway) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var status messages.AlertStatus
	switch s := q.Get("status"); s {
	case "", "all":
	case string(messages.AlertOpen), string(messages.AlertResolved):
		status = messages.AlertStatus(s)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("status must be open, resolved or all, got %q", s))
		return
	}
	limit := defaultAlertLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be a positive integer, got %q", v))
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, AlertsResponse{
		Alerts: g.farm.Alerts.List(status, limit),
		Open:   g.farm.Alerts.OpenCount(),
		Total:  g.farm.Alerts.Len(),
	})
}

// POST /api/alerts/{id}/ack
func (g *Gateway) HandleAckAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := g.farm.Alerts.Acknowledge(id, g.farm.Clock().Now())
	if errors.Is(err, model.ErrAlertNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GET /api/irrigation/status
func (g *Gateway) HandleIrrigationStatus(w http.ResponseWriter, _ *http.Request) {
	now := g.farm.Clock().Now()
	writeJSON(w, http.StatusOK, irrigationDTO(g.farm.Irrigation.Snapshot(now), now))
}

// POST /api/irrigation/control {action, duration_minutes?, zone_id?}
func (g *Gateway) HandleIrrigationControl(w http.ResponseWriter, r *http.Request) {
	var cmd model.IrrigationCommand
	if err := decodeBody(r, &cmd); err != nil {
		g.metrics.ObserveCommand("unknown", "invalid")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	action := strings.ToLower(strings.TrimSpace(cmd.Action))
	if action == "" && cmd.Activate != nil {
		action = map[bool]string{true: messages.ActionStart, false: messages.ActionStop}[*cmd.Activate]
	}

	st, err := g.farm.Irrigation.Execute(cmd)
	now := g.farm.Clock().Now()
	switch {
	case errors.Is(err, model.ErrIrrigationConflict):
		g.metrics.ObserveCommand(action, "conflict")
		writeJSON(w, http.StatusConflict, conflictResponse{Error: err.Error(), State: irrigationDTO(st, now)})
	case errors.Is(err, model.ErrInvalidCommand):
		g.metrics.ObserveCommand(action, "invalid")
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		g.metrics.ObserveCommand(action, "ok")
		g.log.Info("irrigation command applied", zap.String("action", action),
			zap.String("zone", st.ZoneID), zap.String("status", string(st.Status)))
		writeJSON(w, http.StatusOK, irrigationDTO(st, now))
	}
}

// GET /api/system/status
func (g *Gateway) HandleSystemStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.systemStatus())
}

func (g *Gateway) systemStatus() SystemStatus {
	f := g.farm
	now := f.Clock().Now()
	st := SystemStatus{
		StartedAt:     f.StartedAt(),
		UptimeSeconds: int64(now.Sub(f.StartedAt()).Seconds()),
		Ticks:         f.Ticks(),
		TickInterval:  f.Config().TickInterval.String(),
		Sensors:       len(f.Source.Sensors()),
		OpenAlerts:    f.Alerts.OpenCount(),
		Subscribers:   f.Hub.Len(),
		Irrigation:    irrigationDTO(f.Irrigation.Snapshot(now), now),
		Persistence:   g.persistenceStatus(),
	}
	if lt := f.LastTick(); !lt.IsZero() {
		st.LastTick = &lt
	}
	if g.mqtt != nil {
		ok := g.mqtt.IsConnectionOpen()
		st.MQTTConnected = &ok
	}
	st.Status = g.overall(st)
	return st
}

func (g *Gateway) persistenceStatus() PersistenceStatus {
	sink := g.farm.Sink()
	if sink == nil {
		return PersistenceStatus{}
	}
	ps := PersistenceStatus{
		Enabled: true,
		Backend: g.cfg.PersistenceBackend,
		Pending: sink.Pending(),
		Breaker: sink.BreakerState().String(),
	}
	if age := sink.LastErrorAge(); age < neverFailed {
		ps.LastErrorAgeSecs = age.Seconds()
	}
	return ps
}
