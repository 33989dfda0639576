package farm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/messages"
	sensorSimulator "github.com/LeonardoBeccarini/agrimonitor/internal/sensor-simulator"
	"github.com/LeonardoBeccarini/agrimonitor/internal/services/alerting"
	"github.com/LeonardoBeccarini/agrimonitor/internal/services/history"
	"github.com/LeonardoBeccarini/agrimonitor/internal/services/hub"
	irrigation "github.com/LeonardoBeccarini/agrimonitor/internal/services/irrigation-controller"
	"github.com/LeonardoBeccarini/agrimonitor/internal/services/persistence"
	"github.com/LeonardoBeccarini/agrimonitor/pkg/clock"
	"github.com/LeonardoBeccarini/agrimonitor/pkg/metrics"
)

const DefaultTickInterval = 30 * time.Second

type Config struct {
	TickInterval      time.Duration
	Seed              int64
	HistoryMaxPoints  int
	HistoryMaxAge     time.Duration
	AlertHistoryLimit int
	AlertRetention    time.Duration
	HubQueueSize      int
	Location          *time.Location
	SnapshotTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.SnapshotTimeout <= 0 {
		c.SnapshotTimeout = 2 * time.Second
	}
	return c
}

// ReadingSource produces the readings of one tick. Implemented by the
// synthetic generator; a failing sensor is reported in the error map and
// the others still produce their reading.
type ReadingSource interface {
	Sensors() []model.SensorType
	Spec(t model.SensorType) (model.SensorSpec, bool)
	GenerateAll(now time.Time, irr model.IrrigationState) ([]model.Reading, map[model.SensorType]error)
	SubmitOverride(t model.SensorType, v float64) error
	Restore(r model.Reading)
	AdvanceSequence(seq uint64)
}

// Farm is the single owned context of a farm instance: every component of
// the pipeline hangs off it and it is passed explicitly to the scheduler, the
// HTTP API and the MQTT listeners.
type Farm struct {
	cfg   Config
	clock clock.Clock

	Source     ReadingSource
	Irrigation *irrigation.Controller
	Evaluator  *alerting.Evaluator
	Alerts     *alerting.Registry
	History    *history.Store
	Hub        *hub.Hub

	sink    *persistence.Sink
	live    *persistence.LiveState
	metrics *metrics.Metrics
	log     *zap.Logger

	tickMu    sync.Mutex
	startedAt time.Time
	lastTick  atomic.Int64 // unix nano
	ticks     atomic.Uint64
	running   atomic.Bool

	snapshots    chan []model.Reading
	irrSnapshots chan model.IrrigationState
}

type Option func(*Farm)

// WithSink attaches the asynchronous persistence log writer.
func WithSink(s *persistence.Sink) Option { return func(f *Farm) { f.sink = s } }

// WithLiveState attaches the Redis snapshot of latest values and irrigation.
func WithLiveState(l *persistence.LiveState) Option { return func(f *Farm) { f.live = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(f *Farm) { f.metrics = m } }

// New wires a farm from already validated specs.
func New(cfg Config, specs []model.SensorSpec, clk clock.Clock, logger *zap.Logger, opts ...Option) (*Farm, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	gen, err := sensorSimulator.NewDataGenerator(specs, cfg.Seed, logger.Named("generator"),
		sensorSimulator.WithLocation(cfg.Location))
	if err != nil {
		return nil, err
	}
	return NewWithSource(cfg, specs, gen, clk, logger, opts...)
}

// NewWithSource is New with a custom reading source (tests, replay).
func NewWithSource(cfg Config, specs []model.SensorSpec, src ReadingSource, clk clock.Clock, logger *zap.Logger, opts ...Option) (*Farm, error) {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := alerting.NewRegistry(cfg.AlertHistoryLimit, cfg.AlertRetention)
	f := &Farm{
		cfg:        cfg,
		clock:      clk,
		Source:     src,
		Irrigation: irrigation.NewController(clk, cfg.Location, logger.Named("irrigation")),
		Evaluator:  alerting.NewEvaluator(specs, registry, logger.Named("alerting")),
		Alerts:     registry,
		History:    history.New(src.Sensors(), cfg.HistoryMaxPoints, cfg.HistoryMaxAge, clk),
		log:        logger,
		startedAt:  clk.Now(),
		snapshots:  make(chan []model.Reading, 1),

		irrSnapshots: make(chan model.IrrigationState, 1),
	}
	for _, o := range opts {
		o(f)
	}
	f.Hub = hub.New(cfg.HubQueueSize, f.metrics, logger.Named("hub"))
	f.Irrigation.OnTransition(f.onIrrigation)
	return f, nil
}

func (f *Farm) Clock() clock.Clock { return f.clock }

func (f *Farm) Config() Config { return f.cfg }

func (f *Farm) StartedAt() time.Time { return f.startedAt }

func (f *Farm) Running() bool { return f.running.Load() }

func (f *Farm) Ticks() uint64 { return f.ticks.Load() }

// LastTick is zero before the first tick.
func (f *Farm) LastTick() time.Time {
	n := f.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (f *Farm) Sink() *persistence.Sink { return f.sink }

// onIrrigation pubblica ogni transizione committata dal controller.
func (f *Farm) onIrrigation(st model.IrrigationState) {
	f.metrics.SetIrrigationRunning(st.Running())
	f.Hub.Publish(messages.IrrigationEvent(st))
	f.queueIrrigation(st)
}

// TickResult summarises one sampling pass.
type TickResult struct {
	Readings    []model.Reading
	Transitions []model.AlertTransition
	Errors      map[model.SensorType]error
}

// Tick runs one sampling pass at now: irrigation timeout, parallel generation,
// evaluation and history append per sensor, then a single batch publish.
func (f *Farm) Tick(ctx context.Context, now time.Time) TickResult {
	f.tickMu.Lock()
	defer f.tickMu.Unlock()
	start := time.Now()

	// uno snapshot per tick: comandi arrivati durante la tick valgono dalla prossima
	irr, _ := f.Irrigation.Advance(now)

	readings, errs := f.Source.GenerateAll(now, irr)
	res := TickResult{Errors: errs}
	for t, err := range errs {
		f.metrics.ObserveSensorError(string(t))
		f.log.Warn("sensor skipped this tick", zap.String("sensor_type", string(t)), zap.Error(err))
	}

	events := make([]model.Event, 0, len(readings)+2)
	alertRows := []persistence.AlertEvent{}
	for _, r := range readings {
		if r.Source == messages.SourceHold {
			f.metrics.ObserveOverrideRejected(string(r.SensorType))
		}
		trs := f.Evaluator.Evaluate(r)
		if err := f.History.Append(r); err != nil {
			f.metrics.ObserveSensorError(string(r.SensorType))
			f.log.Warn("history append", zap.String("sensor_type", string(r.SensorType)), zap.Error(err))
		}
		f.metrics.ObserveReading(string(r.SensorType), string(r.Source))
		res.Readings = append(res.Readings, r)
		events = append(events, messages.ReadingEvent(r))
		for _, tr := range trs {
			f.metrics.ObserveAlert(string(tr.Alert.SensorType), string(tr.Alert.Condition), string(tr.Kind), f.Alerts.OpenCount())
			res.Transitions = append(res.Transitions, tr)
			events = append(events, messages.AlertEvent(tr))
			alertRows = append(alertRows, persistence.AlertEventFrom(tr))
		}
	}

	f.Hub.Publish(events...)
	f.sink.Enqueue(persistence.Batch{Readings: res.Readings, Alerts: alertRows})
	f.queueSnapshot(res.Readings)

	f.lastTick.Store(now.UnixNano())
	f.ticks.Add(1)
	f.metrics.ObserveTick(time.Since(start).Seconds())
	if ctx.Err() != nil {
		f.log.Debug("tick finished after cancellation")
	}
	return res
}

// queueSnapshot keeps only the newest batch for the Redis writer.
func (f *Farm) queueSnapshot(rs []model.Reading) {
	if f.live == nil || len(rs) == 0 {
		return
	}
	for {
		select {
		case f.snapshots <- rs:
			return
		default:
			select {
			case <-f.snapshots:
			default:
			}
		}
	}
}

// queueIrrigation keeps only the newest irrigation state; the Redis write
// happens off the tick and off the command path.
func (f *Farm) queueIrrigation(st model.IrrigationState) {
	if f.live == nil {
		return
	}
	for {
		select {
		case f.irrSnapshots <- st:
			return
		default:
			select {
			case <-f.irrSnapshots:
			default:
			}
		}
	}
}

func (f *Farm) runSnapshots(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rs := <-f.snapshots:
			sctx, cancel := context.WithTimeout(ctx, f.cfg.SnapshotTimeout)
			if err := f.live.SaveReadings(sctx, rs); err != nil {
				f.log.Warn("save latest readings snapshot", zap.Error(err))
			}
			cancel()
		case st := <-f.irrSnapshots:
			sctx, cancel := context.WithTimeout(ctx, f.cfg.SnapshotTimeout)
			if err := f.live.SaveIrrigation(sctx, st); err != nil {
				f.log.Warn("save irrigation snapshot", zap.Error(err))
			}
			cancel()
		}
	}
}

// Run ticks immediately and then every TickInterval until ctx is done.
func (f *Farm) Run(ctx context.Context) error {
	if !f.running.CompareAndSwap(false, true) {
		return errors.New("farm scheduler already running")
	}
	defer f.running.Store(false)

	if f.live != nil {
		go f.runSnapshots(ctx)
	}

	f.log.Info("scheduler started", zap.Duration("interval", f.cfg.TickInterval))
	ticker := time.NewTicker(f.cfg.TickInterval)
	defer ticker.Stop()

	f.Tick(ctx, f.clock.Now())
	for {
		select {
		case <-ctx.Done():
			f.log.Info("scheduler stopped", zap.Uint64("ticks", f.ticks.Load()))
			return nil
		case <-ticker.C:
			f.Tick(ctx, f.clock.Now())
		}
	}
}

// SubmitOverride queues an external value for the next tick.
func (f *Farm) SubmitOverride(ov model.SensorOverride) error {
	err := f.Source.SubmitOverride(ov.SensorType, ov.Value)
	var oor *model.OutOfRangeError
	if errors.As(err, &oor) {
		f.log.Warn("override out of range, prior value will be held",
			zap.String("sensor_type", string(ov.SensorType)), zap.Float64("value", ov.Value),
			zap.String("device_id", ov.DeviceID))
	}
	return err
}

// Restore reloads the retained window from the persistence log and the live
// state from the KV snapshot. Both are optional; errors are logged, startup
// continues with whatever was recovered.
func (f *Farm) Restore(ctx context.Context, log persistence.Log) (int, error) {
	now := f.clock.Now()
	restored := 0
	var errs []error

	recovered := map[model.SensorType]bool{}
	if log != nil {
		since := now.Add(-f.History.MaxAge())
		// il log restituisce le righe più recenti quando il limite taglia la finestra
		for _, t := range f.Source.Sensors() {
			rs, err := log.ReadingsRange(ctx, t, since, now, f.History.MaxPoints())
			if err != nil {
				errs = append(errs, fmt.Errorf("restore %s: %w", t, err))
				continue
			}
			if len(rs) == 0 {
				continue
			}
			restored += f.History.Restore(rs)
			f.Source.Restore(rs[len(rs)-1])
			recovered[t] = true
		}
		// la sequenza riparte dal massimo del log, anche per righe fuori finestra
		if sl, ok := log.(persistence.SequenceLog); ok {
			if seq, err := sl.MaxSequence(ctx); err != nil {
				errs = append(errs, fmt.Errorf("restore sequence: %w", err))
			} else {
				f.Source.AdvanceSequence(seq)
			}
		}
	}

	if f.live != nil {
		if st, ok, err := f.live.LoadIrrigation(ctx); err != nil {
			errs = append(errs, fmt.Errorf("restore irrigation: %w", err))
		} else if ok {
			st = f.Irrigation.Restore(st, now)
			f.metrics.SetIrrigationRunning(st.Running())
		}
		latest, err := f.live.LoadLatest(ctx, f.Source.Sensors())
		if err != nil {
			errs = append(errs, fmt.Errorf("restore latest: %w", err))
		}
		for _, r := range latest {
			if !recovered[r.SensorType] {
				f.Source.Restore(r)
			}
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		f.log.Warn("partial restore", zap.Error(err))
	}
	f.log.Info("state restored", zap.Int("readings", restored))
	return restored, err
}
