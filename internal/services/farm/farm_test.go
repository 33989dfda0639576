package farm

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/entities"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/messages"
	sensorSimulator "github.com/LeonardoBeccarini/agrimonitor/internal/sensor-simulator"
	"github.com/LeonardoBeccarini/agrimonitor/internal/services/hub"
	"github.com/LeonardoBeccarini/agrimonitor/internal/services/persistence"
	"github.com/LeonardoBeccarini/agrimonitor/pkg/clock"
)

var t0 = time.Date(2024, 6, 21, 9, 0, 0, 0, time.UTC)

func newFarm(t *testing.T, opts ...Option) (*Farm, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(t0)
	f, err := New(Config{Seed: 42, TickInterval: 30 * time.Second}, entities.DefaultSpecs(), clk, zap.NewNop(), opts...)
	require.NoError(t, err)
	return f, clk
}

func drain(s *hub.Subscription) []model.Event {
	var out []model.Event
	for {
		e, ok := s.TryNext()
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

func TestTickEmitsOneReadingPerSensor(t *testing.T) {
	f, clk := newFarm(t)
	sub := f.Hub.Subscribe()

	res := f.Tick(context.Background(), clk.Now())
	require.Len(t, res.Readings, len(entities.AllSensorTypes))
	assert.Empty(t, res.Errors)

	evs := drain(sub)
	require.Len(t, evs, len(entities.AllSensorTypes))
	var last uint64
	for i, e := range evs {
		require.Equal(t, messages.EventReading, e.Kind)
		assert.Equal(t, entities.AllSensorTypes[i], e.Reading.SensorType)
		assert.Greater(t, e.Reading.Sequence, last)
		last = e.Reading.Sequence
	}
	for _, st := range entities.AllSensorTypes {
		assert.Equal(t, 1, f.History.Len(st))
	}
	assert.Equal(t, uint64(1), f.Ticks())
	assert.Equal(t, t0, f.LastTick())
}

func moistureTransitions(trs []model.AlertTransition) []model.AlertTransition {
	var out []model.AlertTransition
	for _, tr := range trs {
		if tr.Alert.SensorType == entities.SoilMoisture {
			out = append(out, tr)
		}
	}
	return out
}

func TestOverrideDrivesAlertLifecycle(t *testing.T) {
	f, clk := newFarm(t)
	sub := f.Hub.Subscribe()
	ctx := context.Background()

	require.NoError(t, f.SubmitOverride(model.SensorOverride{SensorType: entities.SoilMoisture, Value: 20}))
	res := f.Tick(ctx, clk.Advance(30*time.Second))
	trs := moistureTransitions(res.Transitions)
	require.Len(t, trs, 1)
	assert.Equal(t, messages.TransitionOpened, trs[0].Kind)
	assert.Equal(t, messages.BelowLow, trs[0].Alert.Condition)

	evs := drain(sub)
	var moistureIdx, alertIdx = -1, -1
	for i, e := range evs {
		if e.Kind == messages.EventReading && e.Reading.SensorType == entities.SoilMoisture {
			moistureIdx = i
		}
		if e.Kind == messages.EventAlert && e.Alert.Alert.SensorType == entities.SoilMoisture {
			alertIdx = i
		}
	}
	require.GreaterOrEqual(t, alertIdx, 0)
	assert.Equal(t, moistureIdx+1, alertIdx, "alert follows the reading that caused it")

	// 31 non basta: serve low + margine (30 + 1.6)
	require.NoError(t, f.SubmitOverride(model.SensorOverride{SensorType: entities.SoilMoisture, Value: 31}))
	res = f.Tick(ctx, clk.Advance(30*time.Second))
	assert.Empty(t, moistureTransitions(res.Transitions))

	require.NoError(t, f.SubmitOverride(model.SensorOverride{SensorType: entities.SoilMoisture, Value: 35}))
	res = f.Tick(ctx, clk.Advance(30*time.Second))
	trs = moistureTransitions(res.Transitions)
	require.Len(t, trs, 1)
	assert.Equal(t, messages.TransitionResolved, trs[0].Kind)
}

func TestInvalidOverrideHoldsPriorValue(t *testing.T) {
	f, clk := newFarm(t)
	ctx := context.Background()
	first := f.Tick(ctx, clk.Now())
	var prev float64
	for _, r := range first.Readings {
		if r.SensorType == entities.SoilPH {
			prev = r.Value
		}
	}

	err := f.SubmitOverride(model.SensorOverride{SensorType: entities.SoilPH, Value: 14})
	var oor *model.OutOfRangeError
	require.True(t, errors.As(err, &oor))

	res := f.Tick(ctx, clk.Advance(30*time.Second))
	for _, r := range res.Readings {
		if r.SensorType == entities.SoilPH {
			assert.Equal(t, prev, r.Value)
			assert.Equal(t, messages.SourceHold, r.Source)
		}
	}
}

// flakySource fa fallire un sensore e delega il resto al generatore.
type flakySource struct {
	*sensorSimulator.DataGenerator
	broken model.SensorType
}

func (s flakySource) GenerateAll(now time.Time, irr model.IrrigationState) ([]model.Reading, map[model.SensorType]error) {
	rs, errs := s.DataGenerator.GenerateAll(now, irr)
	out := rs[:0]
	for _, r := range rs {
		if r.SensorType != s.broken {
			out = append(out, r)
		}
	}
	if errs == nil {
		errs = map[model.SensorType]error{}
	}
	errs[s.broken] = errors.New("sensor offline")
	return out, errs
}

func TestConstructorsShareDefaults(t *testing.T) {
	specs := entities.DefaultSpecs()
	viaNew, err := New(Config{}, specs, nil, nil)
	require.NoError(t, err)
	gen, err := sensorSimulator.NewDataGenerator(specs, 1, zap.NewNop())
	require.NoError(t, err)
	viaSource, err := NewWithSource(Config{}, specs, gen, nil, nil)
	require.NoError(t, err)

	for _, cfg := range []Config{viaNew.Config(), viaSource.Config()} {
		assert.Equal(t, DefaultTickInterval, cfg.TickInterval)
		assert.Equal(t, time.UTC, cfg.Location)
		assert.Equal(t, 2*time.Second, cfg.SnapshotTimeout)
	}
	assert.Equal(t, viaNew.Config(), viaSource.Config())
}

func TestSensorFailureIsIsolated(t *testing.T) {
	specs := entities.DefaultSpecs()
	gen, err := sensorSimulator.NewDataGenerator(specs, 1, zap.NewNop())
	require.NoError(t, err)
	clk := clock.NewManual(t0)
	f, err := NewWithSource(Config{}, specs, flakySource{gen, entities.Light}, clk, zap.NewNop())
	require.NoError(t, err)

	res := f.Tick(context.Background(), clk.Now())
	assert.Len(t, res.Readings, len(specs)-1)
	assert.Contains(t, res.Errors, entities.Light)
	assert.Equal(t, 0, f.History.Len(entities.Light))
	assert.Equal(t, 1, f.History.Len(entities.Humidity))
}

func TestIrrigationTimeoutPublishedBeforeReadings(t *testing.T) {
	f, clk := newFarm(t)
	ctx := context.Background()

	_, err := f.Irrigation.Start("main", 15*time.Minute, clk.Now())
	require.NoError(t, err)
	sub := f.Hub.Subscribe()

	f.Tick(ctx, clk.Advance(16*time.Minute))
	evs := drain(sub)
	require.NotEmpty(t, evs)
	require.Equal(t, messages.EventIrrigation, evs[0].Kind)
	assert.Equal(t, entities.IrrigationIdle, evs[0].Irrigation.Status)
	assert.Equal(t, entities.StopTimeout, evs[0].Irrigation.StopReason)
	assert.Equal(t, messages.EventReading, evs[1].Kind)
}

func TestIrrigationRaisesMoistureThroughTicks(t *testing.T) {
	a, clkA := newFarm(t)
	b, clkB := newFarm(t)
	ctx := context.Background()
	_, err := a.Irrigation.Start("main", time.Hour, clkA.Now())
	require.NoError(t, err)

	var wet, dry float64
	for i := 0; i < 60; i++ {
		ra := a.Tick(ctx, clkA.Advance(30*time.Second))
		rb := b.Tick(ctx, clkB.Advance(30*time.Second))
		wet, dry = ra.Readings[0].Value, rb.Readings[0].Value
	}
	assert.Greater(t, wet, dry)
}

type memLog struct {
	batches []persistence.Batch
	stored  map[model.SensorType][]model.Reading
}

func (m *memLog) AppendReadings(_ context.Context, rs []model.Reading) error {
	m.batches = append(m.batches, persistence.Batch{Readings: rs})
	return nil
}
func (m *memLog) AppendAlertEvents(context.Context, []persistence.AlertEvent) error { return nil }
func (m *memLog) ReadingsRange(_ context.Context, t model.SensorType, _, _ time.Time, _ int) ([]model.Reading, error) {
	return m.stored[t], nil
}
func (m *memLog) Ping(context.Context) error { return nil }
func (m *memLog) Close() error               { return nil }

func TestTickEnqueuesBatchOnSink(t *testing.T) {
	ml := &memLog{}
	sink := persistence.NewSink(ml, persistence.SinkConfig{QueueSize: 4}, nil, zap.NewNop())
	f, clk := newFarm(t, WithSink(sink))

	f.Tick(context.Background(), clk.Now())
	assert.Equal(t, 1, sink.Pending())
}

func TestRestoreFromLog(t *testing.T) {
	ml := &memLog{stored: map[model.SensorType][]model.Reading{
		entities.SoilPH: {
			{SensorType: entities.SoilPH, Value: 6.9, Unit: "pH", Timestamp: t0.Add(-time.Hour), Sequence: 500},
			{SensorType: entities.SoilPH, Value: 7.0, Unit: "pH", Timestamp: t0.Add(-30 * time.Minute), Sequence: 511},
		},
	}}
	f, clk := newFarm(t)
	n, err := f.Restore(context.Background(), ml)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	res := f.Tick(context.Background(), clk.Now())
	for _, r := range res.Readings {
		assert.Greater(t, r.Sequence, uint64(511), "sequence continues after restore")
		if r.SensorType == entities.SoilPH {
			assert.InDelta(t, 7.0, r.Value, 0.2)
		}
	}
	assert.Equal(t, 3, f.History.Len(entities.SoilPH))
}

func TestRestoreReadsNewestWindowAndMaxSequence(t *testing.T) {
	ctx := context.Background()
	plog, err := persistence.OpenLog(ctx, persistence.BackendConfig{
		Backend:    persistence.BackendSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "agri.db"),
	}, zap.NewNop())
	require.NoError(t, err)
	defer plog.Close()

	// 120 righe ogni 10s, più di quante la serie ne trattenga
	var rs []model.Reading
	for i := 1; i <= 120; i++ {
		rs = append(rs, model.Reading{
			SensorType: entities.SoilPH, Value: 6.0 + float64(i)/100, Unit: "pH",
			Timestamp: t0.Add(-time.Duration(121-i) * 10 * time.Second),
			Sequence:  uint64(i), Source: messages.SourceModel,
		})
	}
	// fuori finestra ma con la sequenza più alta del log
	rs = append(rs, model.Reading{
		SensorType: entities.Humidity, Value: 55, Unit: "%",
		Timestamp: t0.Add(-48 * time.Hour), Sequence: 900, Source: messages.SourceModel,
	})
	require.NoError(t, plog.AppendReadings(ctx, rs))

	clk := clock.NewManual(t0)
	f, err := New(Config{Seed: 42, HistoryMaxPoints: 50, HistoryMaxAge: 24 * time.Hour},
		entities.DefaultSpecs(), clk, zap.NewNop())
	require.NoError(t, err)
	_, err = f.Restore(ctx, plog)
	require.NoError(t, err)

	assert.Equal(t, 50, f.History.Len(entities.SoilPH))
	latest, ok := f.History.Latest(entities.SoilPH)
	require.True(t, ok)
	assert.Equal(t, uint64(120), latest.Sequence)
	assert.True(t, latest.Timestamp.Equal(t0.Add(-10*time.Second)))
	assert.Equal(t, 0, f.History.Len(entities.Humidity))

	res := f.Tick(ctx, clk.Now())
	require.NotEmpty(t, res.Readings)
	for _, r := range res.Readings {
		assert.Greater(t, r.Sequence, uint64(900), "%s", r.SensorType)
		if r.SensorType == entities.SoilPH {
			assert.InDelta(t, 7.2, r.Value, 0.3, "walk resumes from the newest value")
		}
	}
}

// gatedKV blocca ogni Set finché il gate non viene chiuso.
type gatedKV struct {
	gate chan struct{}
	mu   sync.Mutex
	data map[string]string
}

func (g *gatedKV) Get(_ context.Context, key string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.data[key]
	if !ok {
		return "", persistence.ErrCacheMiss
	}
	return v, nil
}

func (g *gatedKV) Set(ctx context.Context, key, value string, _ time.Duration) error {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.data[key] = value
	return nil
}

func TestIrrigationSnapshotDoesNotBlockCommandsOrTicks(t *testing.T) {
	kv := &gatedKV{gate: make(chan struct{}), data: map[string]string{}}
	live := persistence.NewLiveState(kv, "agri", time.Hour)
	f, clk := newFarm(t, WithLiveState(live))

	within := func(name string, fn func()) {
		t.Helper()
		done := make(chan struct{})
		go func() { fn(); close(done) }()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("%s waited on the snapshot store", name)
		}
	}

	within("start command", func() {
		st, err := f.Irrigation.Execute(messages.IrrigationCommand{Action: messages.ActionStart, DurationMinutes: 10})
		assert.NoError(t, err)
		assert.True(t, st.Running())
	})
	clk.Advance(11 * time.Minute)
	within("tick with timeout", func() { f.Tick(context.Background(), clk.Now()) })

	// solo l'ultimo stato arriva a Redis
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.runSnapshots(ctx)
	close(kv.gate)
	require.Eventually(t, func() bool {
		st, ok, err := live.LoadIrrigation(context.Background())
		return err == nil && ok && st.Status == entities.IrrigationIdle
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunTicksUntilCancelled(t *testing.T) {
	specs := entities.DefaultSpecs()
	f, err := New(Config{TickInterval: 5 * time.Millisecond}, specs, nil, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	require.Eventually(t, func() bool { return f.Ticks() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, f.Running())
	assert.Error(t, f.Run(ctx), "a second scheduler is refused")
	cancel()
	require.NoError(t, <-done)
	assert.False(t, f.Running())
}
