package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/messages"
	"github.com/LeonardoBeccarini/agrimonitor/internal/services/hub"
)

// replay is the backfill sent before live events plus, per sensor, the
// highest sequence it covered: live readings up to that sequence are duplicates.
type replay struct {
	events []model.Event
	maxSeq map[model.SensorType]uint64
}

func (rp replay) duplicate(e model.Event) bool {
	if e.Kind != messages.EventReading || e.Reading == nil {
		return false
	}
	return e.Reading.Sequence <= rp.maxSeq[e.Reading.SensorType]
}

func (g *Gateway) parseBackfill(r *http.Request) (int, error) {
	v := r.URL.Query().Get("backfill")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("backfill must be a non-negative integer, got %q", v)
	}
	if n > g.cfg.MaxBackfill {
		n = g.cfg.MaxBackfill
	}
	return n, nil
}

// openStream subscribes before reading the history so nothing published in
// between is lost; overlaps are filtered by sequence.
func (g *Gateway) openStream(n int) (*hub.Subscription, replay) {
	sub := g.farm.Hub.Subscribe()
	rp := replay{maxSeq: map[model.SensorType]uint64{}}
	if n == 0 {
		return sub, rp
	}
	for _, t := range g.farm.Source.Sensors() {
		for _, rd := range g.farm.History.Recent(t, n) {
			ev := messages.ReadingEvent(rd)
			ev.Backfill = true
			rp.events = append(rp.events, ev)
			if rd.Sequence > rp.maxSeq[t] {
				rp.maxSeq[t] = rd.Sequence
			}
		}
	}
	sort.SliceStable(rp.events, func(i, j int) bool {
		return rp.events[i].Reading.Sequence < rp.events[j].Reading.Sequence
	})
	return sub, rp
}

// pump delivers backfill then live events until ctx ends or send fails.
// ping is called after PingInterval without events.
func (g *Gateway) pump(ctx context.Context, sub *hub.Subscription, rp replay, send func(model.Event) error, ping func() error) error {
	for _, ev := range rp.events {
		if err := send(ev); err != nil {
			return err
		}
	}
	for {
		nctx, cancel := context.WithTimeout(ctx, g.cfg.PingInterval)
		ev, err := sub.Next(nctx)
		cancel()
		switch {
		case err == nil:
			if rp.duplicate(ev) {
				continue
			}
			if err := send(ev); err != nil {
				return err
			}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if err := ping(); err != nil {
				return err
			}
		case errors.Is(err, hub.ErrClosed):
			return nil
		default:
			return ctx.Err()
		}
	}
}

// GET /ws/sensors[?backfill=N]
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	n, err := g.parseBackfill(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// subscribe prima dell'handshake: il client vede tutto ciò che segue la connessione
	sub, rp := g.openStream(n)
	defer sub.Close()
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// read pump: serve solo a gestire pong e chiusura lato client
	readWait := 2 * g.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	g.log.Debug("websocket viewer connected", zap.Uint64("subscription", sub.ID()), zap.Int("backfill", len(rp.events)))
	send := func(ev model.Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
		return conn.WriteJSON(ev)
	}
	ping := func() error {
		return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(g.cfg.WriteTimeout))
	}
	if err := g.pump(ctx, sub, rp, send, ping); err != nil && !errors.Is(err, context.Canceled) {
		g.log.Debug("websocket viewer gone", zap.Uint64("subscription", sub.ID()), zap.Error(err))
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

// GET /api/stream[?backfill=N] (Server-Sent Events)
func (g *Gateway) HandleSSE(w http.ResponseWriter, r *http.Request) {
	n, err := g.parseBackfill(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub, rp := g.openStream(n)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(ev model.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	ping := func() error {
		if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	if err := g.pump(r.Context(), sub, rp, send, ping); err != nil && !errors.Is(err, context.Canceled) {
		g.log.Debug("sse viewer gone", zap.Uint64("subscription", sub.ID()), zap.Error(err))
	}
}
