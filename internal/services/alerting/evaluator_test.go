package alerting

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/entities"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/messages"
)

var t0 = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func f(v float64) *float64 { return &v }

func moistureSpec() model.SensorSpec {
	return model.SensorSpec{
		Type: entities.SoilMoisture, Unit: "%", Min: 0, Max: 100, Baseline: 50,
		Noise: 1, MaxStep: 5, Decay: 0.15,
		Thresholds: model.Thresholds{Low: f(20)}, HysteresisPct: 2.5,
	}
}

func phSpec() model.SensorSpec {
	return model.SensorSpec{
		Type: entities.SoilPH, Unit: "pH", Min: 4, Max: 9, Baseline: 6.8,
		Noise: 0.1, MaxStep: 5, Decay: 0.15,
		Thresholds: model.Thresholds{Low: f(6.0), High: f(7.5)}, HysteresisPct: 2,
	}
}

func newEvaluator(specs ...model.SensorSpec) *Evaluator {
	e := NewEvaluator(specs, NewRegistry(0, 0), zap.NewNop())
	n := 0
	e.newID = func() string { n++; return fmt.Sprintf("alert-%d", n) }
	return e
}

func feed(e *Evaluator, t model.SensorType, values ...float64) [][]model.AlertTransition {
	out := make([][]model.AlertTransition, 0, len(values))
	for i, v := range values {
		out = append(out, e.Evaluate(model.Reading{SensorType: t, Value: v, Timestamp: t0.Add(time.Duration(i) * time.Minute)}))
	}
	return out
}

func TestHysteresisLifecycle(t *testing.T) {
	e := newEvaluator(moistureSpec())
	got := feed(e, entities.SoilMoisture, 25, 19, 18, 22, 23)

	assert.Empty(t, got[0])
	require.Len(t, got[1], 1)
	assert.Equal(t, messages.TransitionOpened, got[1][0].Kind)
	assert.Equal(t, messages.BelowLow, got[1][0].Alert.Condition)
	assert.Equal(t, t0.Add(time.Minute), got[1][0].Alert.OpenedAt)
	assert.Empty(t, got[2], "re-breach while open is a no-op")
	assert.Empty(t, got[3], "22 is still inside the hysteresis band")
	require.Len(t, got[4], 1)
	assert.Equal(t, messages.TransitionResolved, got[4][0].Kind)
	assert.Equal(t, 23.0, *got[4][0].Alert.ValueAtResolve)

	assert.Equal(t, 0, e.Registry().OpenCount())
	hist := e.Registry().History(0)
	require.Len(t, hist, 1)
	assert.Equal(t, messages.AlertResolved, hist[0].Status)
	assert.Equal(t, t0.Add(time.Minute), hist[0].OpenedAt, "opened_at is not reset by re-breach")
}

func TestTouchingThresholdDoesNotResolve(t *testing.T) {
	e := newEvaluator(moistureSpec())
	got := feed(e, entities.SoilMoisture, 19, 20, 22.4, 22.5)
	assert.Empty(t, got[1])
	assert.Empty(t, got[2])
	require.Len(t, got[3], 1)
	assert.Equal(t, messages.TransitionResolved, got[3][0].Kind)
}

func TestExactlyOnThresholdIsNotABreach(t *testing.T) {
	e := newEvaluator(moistureSpec())
	assert.Empty(t, feed(e, entities.SoilMoisture, 20)[0])
}

func TestNoThresholdsNeverAlerts(t *testing.T) {
	spec := moistureSpec()
	spec.Type = entities.Conductivity
	spec.Thresholds = model.Thresholds{}
	e := newEvaluator(spec)
	for _, tr := range feed(e, entities.Conductivity, 0, 100, 0.1) {
		assert.Empty(t, tr)
	}
	assert.Empty(t, feed(newEvaluator(), entities.Light, 1)[0], "unknown sensors pass through")
}

func TestJumpAcrossBothThresholds(t *testing.T) {
	e := newEvaluator(phSpec())
	got := feed(e, entities.SoilPH, 5.5, 8.0)

	require.Len(t, got[0], 1)
	require.Len(t, got[1], 2)
	assert.Equal(t, messages.TransitionResolved, got[1][0].Kind)
	assert.Equal(t, messages.BelowLow, got[1][0].Alert.Condition)
	assert.Equal(t, messages.TransitionOpened, got[1][1].Kind)
	assert.Equal(t, messages.AboveHigh, got[1][1].Alert.Condition)

	open := e.Registry().Open()
	require.Len(t, open, 1)
	assert.Equal(t, messages.AboveHigh, open[0].Condition)
}

func TestAtMostOneOpenPerSensorCondition(t *testing.T) {
	e := newEvaluator(phSpec())
	feed(e, entities.SoilPH, 5, 5.1, 5.2, 4.9)
	assert.Equal(t, 1, e.Registry().OpenCount())
}

func TestSeverity(t *testing.T) {
	e := newEvaluator(phSpec())
	got := feed(e, entities.SoilPH, 5.9)
	assert.Equal(t, messages.SeverityModerate, got[0][0].Alert.Severity)

	e = newEvaluator(phSpec())
	got = feed(e, entities.SoilPH, 4.5) // < 6.0*0.8
	assert.Equal(t, messages.SeverityHigh, got[0][0].Alert.Severity)
	assert.Equal(t, 6.0, got[0][0].Alert.Threshold)
	assert.Equal(t, "pH", got[0][0].Alert.Unit)
}

func TestRegistryHistoryBoundKeepsOpenAlerts(t *testing.T) {
	e := NewEvaluator([]model.SensorSpec{phSpec()}, NewRegistry(3, 0), zap.NewNop())
	// 4 cicli completi + uno aperto
	feed(e, entities.SoilPH, 5, 7, 5, 7, 5, 7, 5, 7, 5)
	reg := e.Registry()
	assert.Equal(t, 3, reg.Len())
	assert.Equal(t, 1, reg.OpenCount())

	hist := reg.History(0)
	require.Len(t, hist, 3)
	assert.Equal(t, messages.AlertOpen, hist[0].Status, "most recent first")
	assert.Len(t, reg.List(messages.AlertResolved, 0), 2)
	assert.Len(t, reg.History(1), 1)
}

func TestRegistryRetentionPrunesResolved(t *testing.T) {
	reg := NewRegistry(100, time.Hour)
	e := NewEvaluator([]model.SensorSpec{phSpec()}, reg, zap.NewNop())
	e.Evaluate(model.Reading{SensorType: entities.SoilPH, Value: 5, Timestamp: t0})
	e.Evaluate(model.Reading{SensorType: entities.SoilPH, Value: 7, Timestamp: t0.Add(time.Minute)})
	require.Equal(t, 1, reg.Len())

	e.Evaluate(model.Reading{SensorType: entities.SoilPH, Value: 8, Timestamp: t0.Add(3 * time.Hour)})
	hist := reg.History(0)
	require.Len(t, hist, 1)
	assert.Equal(t, messages.AboveHigh, hist[0].Condition)
}

func TestAcknowledge(t *testing.T) {
	e := newEvaluator(phSpec())
	got := feed(e, entities.SoilPH, 5)
	id := got[0][0].Alert.ID

	a, err := e.Registry().Acknowledge(id, t0.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, a.AcknowledgedAt)
	assert.Equal(t, messages.AlertOpen, a.Status)

	again, err := e.Registry().Acknowledge(id, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), *again.AcknowledgedAt)

	_, err = e.Registry().Acknowledge("nope", t0)
	assert.True(t, errors.Is(err, model.ErrAlertNotFound))
	_, err = e.Registry().Get("nope")
	assert.True(t, errors.Is(err, model.ErrAlertNotFound))
}

func TestSnapshotsAreCopies(t *testing.T) {
	e := newEvaluator(phSpec())
	feed(e, entities.SoilPH, 5)
	open := e.Registry().Open()
	open[0].Status = messages.AlertResolved
	assert.Equal(t, messages.AlertOpen, e.Registry().Open()[0].Status)
}

func TestConcurrentReadersDuringEvaluation(t *testing.T) {
	e := NewEvaluator([]model.SensorSpec{phSpec()}, NewRegistry(50, 0), zap.NewNop())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			v := 5.0
			if i%2 == 1 {
				v = 7.0
			}
			e.Evaluate(model.Reading{SensorType: entities.SoilPH, Value: v, Timestamp: t0.Add(time.Duration(i) * time.Second)})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			assert.LessOrEqual(t, len(e.Registry().Open()), 1)
			_ = e.Registry().History(10)
		}
	}()
	wg.Wait()
}
