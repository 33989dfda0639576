package irrigation_controller

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model/entities"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/messages"
	"github.com/LeonardoBeccarini/agrimonitor/pkg/clock"
)

var t0 = time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC)

func newController() (*Controller, *clock.Manual, *[]entities.IrrigationState) {
	clk := clock.NewManual(t0)
	c := NewController(clk, time.UTC, zap.NewNop())
	var seen []entities.IrrigationState
	c.OnTransition(func(st entities.IrrigationState) { seen = append(seen, st) })
	return c, clk, &seen
}

func TestStartAndConflict(t *testing.T) {
	c, _, seen := newController()

	st, err := c.Start("main", 20*time.Minute, t0)
	require.NoError(t, err)
	assert.True(t, st.Running())
	assert.Equal(t, t0.Add(20*time.Minute), st.EndsAt())

	st, err = c.Start("main", 10*time.Minute, t0.Add(5*time.Minute))
	assert.True(t, errors.Is(err, entities.ErrIrrigationConflict))
	assert.True(t, st.Running(), "state unchanged by the rejected start")
	assert.Equal(t, t0.Add(20*time.Minute), st.EndsAt())
	assert.Len(t, *seen, 1)
}

func TestAutoTimeout(t *testing.T) {
	c, _, seen := newController()
	_, err := c.Start("main", 10*time.Minute, t0)
	require.NoError(t, err)

	snap := c.Snapshot(t0.Add(11 * time.Minute))
	assert.False(t, snap.Running(), "snapshot reports the deadline even before Advance")
	assert.Len(t, *seen, 1)

	st, changed := c.Advance(t0.Add(11 * time.Minute))
	require.True(t, changed)
	assert.Equal(t, entities.StopTimeout, st.StopReason)
	assert.Equal(t, t0.Add(10*time.Minute), *st.LastStoppedAt)
	assert.Equal(t, 10*time.Minute, st.RuntimeToday)
	assert.Len(t, *seen, 2)

	_, changed = c.Advance(t0.Add(12 * time.Minute))
	assert.False(t, changed)

	_, err = c.Start("main", 5*time.Minute, t0.Add(12*time.Minute))
	assert.NoError(t, err, "a new start is allowed after timeout")
}

func TestManualStop(t *testing.T) {
	c, _, _ := newController()
	_, err := c.Start("north", time.Hour, t0)
	require.NoError(t, err)

	st, changed := c.Stop(t0.Add(15 * time.Minute))
	require.True(t, changed)
	assert.Equal(t, entities.IrrigationIdle, st.Status)
	assert.Equal(t, entities.StopManual, st.StopReason)
	assert.Equal(t, "north", st.ZoneID)
	assert.Equal(t, 15*time.Minute, st.RuntimeToday)

	_, changed = c.Stop(t0.Add(16 * time.Minute))
	assert.False(t, changed, "stop on idle is a no-op")
}

func TestRuntimeTodayResetsAtMidnight(t *testing.T) {
	c, _, _ := newController()
	_, err := c.Start("main", 30*time.Minute, t0)
	require.NoError(t, err)
	c.Advance(t0.Add(time.Hour))

	assert.Equal(t, 30*time.Minute, c.Snapshot(t0.Add(2*time.Hour)).RuntimeToday)
	assert.Equal(t, time.Duration(0), c.Snapshot(t0.Add(24*time.Hour)).RuntimeToday)

	late := time.Date(2024, 6, 1, 23, 50, 0, 0, time.UTC)
	_, err = c.Start("main", 20*time.Minute, late)
	require.NoError(t, err)
	st := c.Snapshot(late.Add(15 * time.Minute))
	assert.Equal(t, 5*time.Minute, st.RuntimeToday, "only the part after midnight counts")
}

func TestExecuteCommands(t *testing.T) {
	c, clk, _ := newController()

	st, err := c.Execute(messages.IrrigationCommand{Action: "start", DurationMinutes: 15})
	require.NoError(t, err)
	assert.Equal(t, entities.DefaultZone, st.ZoneID)

	_, err = c.Execute(messages.IrrigationCommand{Action: "start", DurationMinutes: 15})
	assert.True(t, errors.Is(err, entities.ErrIrrigationConflict))

	clk.Advance(time.Minute)
	st, err = c.Execute(messages.IrrigationCommand{Action: "stop"})
	require.NoError(t, err)
	assert.False(t, st.Running())

	_, err = c.Execute(messages.IrrigationCommand{Action: "start", DurationMinutes: 500})
	assert.True(t, errors.Is(err, entities.ErrInvalidCommand))

	_, err = c.Start("main", 0, t0)
	assert.True(t, errors.Is(err, entities.ErrInvalidCommand))
}

func TestRestore(t *testing.T) {
	c, _, _ := newController()
	start := t0.Add(-5 * time.Minute)
	st := c.Restore(entities.IrrigationState{
		Status: entities.IrrigationRunning, ZoneID: "main", StartedAt: &start, Duration: 30 * time.Minute,
	}, t0)
	assert.True(t, st.Running())

	c2, _, _ := newController()
	st = c2.Restore(entities.IrrigationState{
		Status: entities.IrrigationRunning, StartedAt: &start, Duration: time.Minute,
	}, t0)
	assert.False(t, st.Running())
	assert.Equal(t, entities.StopTimeout, st.StopReason)
}

func TestConcurrentStartsOnlyOneWins(t *testing.T) {
	c, _, _ := newController()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Start("main", time.Minute, t0); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestRemaining(t *testing.T) {
	c, _, _ := newController()
	st, _ := c.Start("main", 10*time.Minute, t0)
	assert.Equal(t, 4*time.Minute, Remaining(st, t0.Add(6*time.Minute)))
	assert.Equal(t, time.Duration(0), Remaining(st, t0.Add(time.Hour)))
}
