package app

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/entities"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/messages"
)

// readSSE legge il prossimo evento (righe "event:" e "data:") ignorando i keepalive.
func readSSE(t *testing.T, r *bufio.Reader) model.Event {
	t.Helper()
	var data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && data != "":
			var ev model.Event
			require.NoError(t, json.Unmarshal([]byte(data), &ev))
			return ev
		}
	}
}

func TestSSEBackfillThenLive(t *testing.T) {
	fx := newFixture(t)
	fx.tick(3)
	srv := httptest.NewServer(fx.h)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream?backfill=2", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	rd := bufio.NewReader(resp.Body)
	n := 2 * len(entities.AllSensorTypes)
	var last uint64
	for i := 0; i < n; i++ {
		ev := readSSE(t, rd)
		require.Equal(t, messages.EventReading, ev.Kind)
		assert.True(t, ev.Backfill)
		assert.Greater(t, ev.Reading.Sequence, last, "backfill is ordered by sequence")
		last = ev.Reading.Sequence
	}

	fx.tick(1)
	ev := readSSE(t, rd)
	require.Equal(t, messages.EventReading, ev.Kind)
	assert.False(t, ev.Backfill)
	assert.Equal(t, last+1, ev.Reading.Sequence, "live stream continues right after the backfill")
}

func TestSSERejectsBadBackfill(t *testing.T) {
	fx := newFixture(t)
	rec := fx.do(t, http.MethodGet, "/api/stream?backfill=lots", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebSocketStreamsAlertsAfterReadings(t *testing.T) {
	fx := newFixture(t)
	fx.tick(1)
	srv := httptest.NewServer(fx.h)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sensors?backfill=1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	for i := 0; i < len(entities.AllSensorTypes); i++ {
		var ev model.Event
		require.NoError(t, conn.ReadJSON(&ev))
		assert.True(t, ev.Backfill)
	}

	require.NoError(t, fx.farm.SubmitOverride(model.SensorOverride{SensorType: entities.SoilMoisture, Value: 20}))
	fx.tick(1)

	var sawReading bool
	for {
		var ev model.Event
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Kind == messages.EventReading && ev.Reading.SensorType == entities.SoilMoisture {
			sawReading = true
		}
		if ev.Kind == messages.EventAlert && ev.Alert.Alert.SensorType == entities.SoilMoisture {
			assert.True(t, sawReading, "the reading that caused the alert arrives first")
			assert.Equal(t, messages.TransitionOpened, ev.Alert.Kind)
			return
		}
	}
}

func TestWebSocketPingKeepsIdleConnection(t *testing.T) {
	fx := newFixture(t)
	srv := httptest.NewServer(fx.h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/sensors", nil)
	require.NoError(t, err)
	defer conn.Close()

	pings := make(chan struct{}, 4)
	conn.SetPingHandler(func(string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(time.Second))
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping from an idle stream")
	}
	assert.Equal(t, 1, fx.farm.Hub.Len())
}

func TestReplayFiltersOverlap(t *testing.T) {
	rp := replay{maxSeq: map[model.SensorType]uint64{entities.SoilPH: 40}}
	old := messages.ReadingEvent(model.Reading{SensorType: entities.SoilPH, Sequence: 40})
	fresh := messages.ReadingEvent(model.Reading{SensorType: entities.SoilPH, Sequence: 41})
	other := messages.ReadingEvent(model.Reading{SensorType: entities.Light, Sequence: 12})
	assert.True(t, rp.duplicate(old))
	assert.False(t, rp.duplicate(fresh))
	assert.False(t, rp.duplicate(other))
	assert.False(t, rp.duplicate(messages.GapEvent(3)))
}
