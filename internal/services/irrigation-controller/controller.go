package irrigation_controller

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/entities"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/messages"
	"github.com/LeonardoBeccarini/agrimonitor/pkg/clock"
)

// ===================== Controller =====================

// Controller è la macchina a stati dell'irrigazione: idle -> running -> idle.
// Una sola zona alla volta per farm; un secondo start mentre è running è un conflitto.
type Controller struct {
	mu    sync.Mutex
	state entities.IrrigationState
	tz    *time.Location
	clock clock.Clock

	onTransition func(entities.IrrigationState)
	log          *zap.Logger
}

func NewController(clk clock.Clock, tz *time.Location, logger *zap.Logger) *Controller {
	if clk == nil {
		clk = clock.Real{}
	}
	if tz == nil {
		tz = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		state: entities.IrrigationState{Status: entities.IrrigationIdle, ZoneID: entities.DefaultZone},
		tz:    tz,
		clock: clk,
		log:   logger,
	}
}

// OnTransition registers the callback invoked after every committed transition,
// outside the controller lock.
func (c *Controller) OnTransition(fn func(entities.IrrigationState)) { c.onTransition = fn }

func (c *Controller) notify(st entities.IrrigationState) {
	if c.onTransition != nil {
		c.onTransition(st)
	}
}

// Start opens the valve for d. Returns ErrIrrigationConflict if already running.
func (c *Controller) Start(zone string, d time.Duration, now time.Time) (entities.IrrigationState, error) {
	if d <= 0 {
		return c.Snapshot(now), fmt.Errorf("%w: duration must be positive", entities.ErrInvalidCommand)
	}
	if zone == "" {
		zone = entities.DefaultZone
	}

	c.mu.Lock()
	c.advanceLocked(now)
	if c.state.Running() {
		busyUntil := c.state.EndsAt()
		st := c.viewLocked(now)
		c.mu.Unlock()
		c.log.Info("skip start: already running",
			zap.String("zone", st.ZoneID), zap.Time("busy_until", busyUntil))
		return st, fmt.Errorf("%w: zone %s busy until %s", entities.ErrIrrigationConflict, st.ZoneID, busyUntil.Format(time.RFC3339))
	}
	started := now
	c.state.Status = entities.IrrigationRunning
	c.state.ZoneID = zone
	c.state.StartedAt = &started
	c.state.Duration = d
	c.state.LastStartedAt = &started
	c.state.StopReason = entities.StopNone
	st := c.viewLocked(now)
	c.mu.Unlock()

	c.log.Info("irrigation started", zap.String("zone", zone), zap.Duration("duration", d))
	c.notify(st)
	return st, nil
}

// Stop closes the valve. Stopping an idle controller is a no-op (changed=false).
func (c *Controller) Stop(now time.Time) (entities.IrrigationState, bool) {
	c.mu.Lock()
	timedOut := c.advanceLocked(now)
	if !c.state.Running() {
		st := c.viewLocked(now)
		c.mu.Unlock()
		if timedOut {
			c.notify(st)
		}
		return st, timedOut
	}
	c.stopLocked(now, entities.StopManual)
	st := c.viewLocked(now)
	c.mu.Unlock()

	c.log.Info("irrigation stopped", zap.String("zone", st.ZoneID), zap.String("reason", string(st.StopReason)))
	c.notify(st)
	return st, true
}

// Advance applies the automatic timeout; the scheduler calls it once per tick.
func (c *Controller) Advance(now time.Time) (entities.IrrigationState, bool) {
	c.mu.Lock()
	changed := c.advanceLocked(now)
	st := c.viewLocked(now)
	c.mu.Unlock()
	if changed {
		c.log.Info("irrigation timed out", zap.String("zone", st.ZoneID))
		c.notify(st)
	}
	return st, changed
}

// Snapshot is read-only: a run past its deadline is reported idle even if
// Advance has not committed the timeout yet.
func (c *Controller) Snapshot(now time.Time) entities.IrrigationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked(now)
}

// Execute applies a normalized start/stop command at the controller clock.
func (c *Controller) Execute(cmd messages.IrrigationCommand) (entities.IrrigationState, error) {
	cmd, err := cmd.Normalize()
	if err != nil {
		return c.Snapshot(c.clock.Now()), err
	}
	now := c.clock.Now()
	if cmd.Action == messages.ActionStop {
		st, _ := c.Stop(now)
		return st, nil
	}
	return c.Start(cmd.ZoneID, cmd.Duration(), now)
}

// Restore loads a snapshot kept by an external store (e.g. Redis) at startup.
// A run that should already have ended is restored as timed out.
func (c *Controller) Restore(st entities.IrrigationState, now time.Time) entities.IrrigationState {
	c.mu.Lock()
	c.state = st.Clone()
	if c.state.ZoneID == "" {
		c.state.ZoneID = entities.DefaultZone
	}
	if c.state.Running() && c.state.StartedAt == nil {
		c.state.Status = entities.IrrigationIdle
	}
	c.advanceLocked(now)
	out := c.viewLocked(now)
	c.mu.Unlock()
	return out
}

func (c *Controller) Now() time.Time { return c.clock.Now() }

func (c *Controller) advanceLocked(now time.Time) bool {
	if !c.state.Running() {
		return false
	}
	if end := c.state.EndsAt(); !now.Before(end) {
		c.stopLocked(end, entities.StopTimeout)
		return true
	}
	return false
}

func (c *Controller) stopLocked(at time.Time, reason entities.StopReason) {
	c.state.RuntimeToday = c.runtimeTodayLocked(at)
	c.state.Day = midnightLocal(at, c.tz)
	stopped := at
	c.state.Status = entities.IrrigationIdle
	c.state.StartedAt = nil
	c.state.Duration = 0
	c.state.LastStoppedAt = &stopped
	c.state.StopReason = reason
}

// runtimeTodayLocked: minuti di irrigazione dalla mezzanotte locale, inclusa la run in corso.
func (c *Controller) runtimeTodayLocked(now time.Time) time.Duration {
	day := midnightLocal(now, c.tz)
	total := c.state.RuntimeToday
	if !c.state.Day.Equal(day) {
		total = 0
	}
	if c.state.Running() && c.state.StartedAt != nil {
		from := *c.state.StartedAt
		if from.Before(day) {
			from = day
		}
		if now.After(from) {
			total += now.Sub(from)
		}
	}
	return total
}

func (c *Controller) viewLocked(now time.Time) entities.IrrigationState {
	st := c.state.Clone()
	if st.Running() && !now.Before(st.EndsAt()) {
		end := st.EndsAt()
		st.RuntimeToday = c.runtimeTodayLocked(end)
		st.Status = entities.IrrigationIdle
		st.StartedAt = nil
		st.Duration = 0
		st.LastStoppedAt = &end
		st.StopReason = entities.StopTimeout
		st.Day = midnightLocal(end, c.tz)
		return st
	}
	st.RuntimeToday = c.runtimeTodayLocked(now)
	st.Day = midnightLocal(now, c.tz)
	return st
}

func midnightLocal(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

// Remaining returns how long a running state still has before timing out.
func Remaining(st model.IrrigationState, now time.Time) time.Duration {
	if !st.Running() {
		return 0
	}
	if d := st.EndsAt().Sub(now); d > 0 {
		return d
	}
	return 0
}
