package app

import (
	"context"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// overall: down se lo scheduler è fermo, degraded se una dipendenza opzionale
// (MQTT, log persistente) ha problemi, ok altrimenti.
func (g *Gateway) overall(st SystemStatus) string {
	if !g.farm.Running() {
		return "down"
	}
	if st.MQTTConnected != nil && !*st.MQTTConnected {
		return "degraded"
	}
	if sink := g.farm.Sink(); sink != nil {
		if sink.BreakerState() == gobreaker.StateOpen || sink.LastErrorAge() < g.cfg.ReadyMinErrorAge {
			return "degraded"
		}
	}
	return "ok"
}

// GET /healthz: sempre 200 finché il processo risponde, il body dice lo stato.
func (g *Gateway) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	type status struct {
		Status          string   `json:"status"`
		SchedulerActive bool     `json:"scheduler_running"`
		MQTTConnected   *bool    `json:"mqtt_connected,omitempty"`
		LastWriteErrorS *float64 `json:"last_write_error_age_sec,omitempty"`
	}
	sys := g.systemStatus()
	st := status{Status: sys.Status, SchedulerActive: g.farm.Running(), MQTTConnected: sys.MQTTConnected}
	if sys.Persistence.LastErrorAgeSecs > 0 {
		v := sys.Persistence.LastErrorAgeSecs
		st.LastWriteErrorS = &v
	}
	writeJSON(w, http.StatusOK, st)
}

// GET /readyz: 200 solo se scheduler attivo e tutte le dipendenze configurate rispondono.
func (g *Gateway) HandleReady(w http.ResponseWriter, r *http.Request) {
	type resp struct {
		Ready  bool              `json:"ready"`
		Checks map[string]string `json:"checks"`
	}
	out := resp{Ready: true, Checks: map[string]string{}}
	fail := func(name, why string) {
		out.Ready = false
		out.Checks[name] = why
	}

	if g.farm.Running() {
		out.Checks["scheduler"] = "ok"
	} else {
		fail("scheduler", "not running")
	}
	if g.mqtt != nil {
		if g.mqtt.IsConnectionOpen() {
			out.Checks["mqtt"] = "ok"
		} else {
			fail("mqtt", "disconnected")
		}
	}
	if g.plog != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := g.plog.Ping(ctx)
		cancel()
		switch {
		case err != nil:
			fail("persistence", err.Error())
		case g.farm.Sink() != nil && g.farm.Sink().LastErrorAge() < g.cfg.ReadyMinErrorAge:
			fail("persistence", "recent write error")
		default:
			out.Checks["persistence"] = "ok"
		}
	}

	status := http.StatusOK
	if !out.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, out)
}
