package sensor_simulator

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/entities"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/messages"
)

// ====== Tunables ======
const (
	// gainPerMin: +0.6 punti percentuali di moisture per minuto con valvola aperta.
	gainPerMin = 0.6

	defaultMaxBoost   = 25.0
	defaultPostWindow = 2 * time.Hour

	// delta del random walk troncato a ±3σ
	noiseClampSigma = 3.0
)

// IrrigationModel describes how an open valve raises soil moisture.
type IrrigationModel struct {
	GainPerMin float64
	MaxBoost   float64
	PostWindow time.Duration // boost reached at stop decays to zero over this window
}

func DefaultIrrigationModel() IrrigationModel {
	return IrrigationModel{GainPerMin: gainPerMin, MaxBoost: defaultMaxBoost, PostWindow: defaultPostWindow}
}

// Boost is a pure function of the irrigation snapshot, so every sensor of a tick sees the same value.
func (m IrrigationModel) Boost(st model.IrrigationState, now time.Time) float64 {
	if st.Running() && st.StartedAt != nil {
		el := math.Max(0, now.Sub(*st.StartedAt).Minutes())
		return math.Min(m.GainPerMin*el, m.MaxBoost)
	}
	if st.LastStartedAt == nil || st.LastStoppedAt == nil || m.PostWindow <= 0 {
		return 0
	}
	ran := math.Max(0, st.LastStoppedAt.Sub(*st.LastStartedAt).Minutes())
	peak := math.Min(m.GainPerMin*ran, m.MaxBoost)
	since := now.Sub(*st.LastStoppedAt)
	if since < 0 {
		return peak
	}
	if since >= m.PostWindow {
		return 0
	}
	return peak * (1 - float64(since)/float64(m.PostWindow))
}

type sensorState struct {
	mu       sync.Mutex
	spec     model.SensorSpec
	rng      *rand.Rand
	walk     float64
	last     float64
	hasLast  bool
	override *float64
}

// DataGenerator mantiene lo stato del random walk per ogni sensore e produce le letture di ogni tick.
type DataGenerator struct {
	sensors    map[model.SensorType]*sensorState
	order      []model.SensorType
	irrigation IrrigationModel
	loc        *time.Location
	seq        atomic.Uint64
	log        *zap.Logger
}

type Option func(*DataGenerator)

func WithIrrigationModel(m IrrigationModel) Option {
	return func(g *DataGenerator) { g.irrigation = m }
}

// WithLocation sets the timezone used for the diurnal and seasonal terms.
func WithLocation(loc *time.Location) Option {
	return func(g *DataGenerator) {
		if loc != nil {
			g.loc = loc
		}
	}
}

// NewDataGenerator validates every spec; one bad spec fails the whole generator.
func NewDataGenerator(specs []model.SensorSpec, seed int64, logger *zap.Logger, opts ...Option) (*DataGenerator, error) {
	if len(specs) == 0 {
		return nil, &entities.ConfigurationError{Field: "sensors", Reason: "no sensors configured"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &DataGenerator{
		sensors:    make(map[model.SensorType]*sensorState, len(specs)),
		irrigation: DefaultIrrigationModel(),
		loc:        time.UTC,
		log:        logger,
	}
	for i, s := range specs {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := g.sensors[s.Type]; dup {
			return nil, &entities.ConfigurationError{Field: string(s.Type), Reason: "duplicate sensor"}
		}
		// un rng per sensore: la generazione parallela resta riproducibile
		g.sensors[s.Type] = &sensorState{
			spec: s,
			rng:  rand.New(rand.NewSource(seed + int64(i)*7919)),
		}
		g.order = append(g.order, s.Type)
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// Sensors returns the configured sensor types in emission order.
func (g *DataGenerator) Sensors() []model.SensorType {
	out := make([]model.SensorType, len(g.order))
	copy(out, g.order)
	return out
}

func (g *DataGenerator) Spec(t model.SensorType) (model.SensorSpec, bool) {
	st, ok := g.sensors[t]
	if !ok {
		return model.SensorSpec{}, false
	}
	return st.spec, true
}

// SetSequence makes the next emitted reading carry seq+1.
func (g *DataGenerator) SetSequence(seq uint64) { g.seq.Store(seq) }

// AdvanceSequence is SetSequence that never moves the counter backwards.
func (g *DataGenerator) AdvanceSequence(seq uint64) {
	for {
		cur := g.seq.Load()
		if seq <= cur || g.seq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Generate produce una singola lettura per il sensore dato.
func (g *DataGenerator) Generate(t model.SensorType, now time.Time, irr model.IrrigationState) (model.Reading, error) {
	r, err := g.next(t, now, irr)
	if err != nil {
		return model.Reading{}, err
	}
	r.Sequence = g.seq.Add(1)
	return r, nil
}

// GenerateAll samples every sensor in parallel and returns only once all of them are done.
// Sequences are assigned after the barrier in emission order. A failing sensor is
// reported in errs and skipped; the others still produce their reading.
func (g *DataGenerator) GenerateAll(now time.Time, irr model.IrrigationState) ([]model.Reading, map[model.SensorType]error) {
	results := make([]model.Reading, len(g.order))
	failures := make([]error, len(g.order))

	var eg errgroup.Group
	for i, t := range g.order {
		i, t := i, t
		eg.Go(func() error {
			r, err := g.next(t, now, irr)
			results[i], failures[i] = r, err
			return nil
		})
	}
	_ = eg.Wait()

	out := make([]model.Reading, 0, len(results))
	var errs map[model.SensorType]error
	for i, r := range results {
		if failures[i] != nil {
			if errs == nil {
				errs = make(map[model.SensorType]error)
			}
			errs[g.order[i]] = failures[i]
			continue
		}
		r.Sequence = g.seq.Add(1)
		out = append(out, r)
	}
	return out, errs
}

// SubmitOverride queues an external value for the next tick of that sensor.
// An invalid value is still queued (the tick will hold the previous reading)
// and reported to the caller as an *entities.OutOfRangeError.
func (g *DataGenerator) SubmitOverride(t model.SensorType, v float64) error {
	st, ok := g.sensors[t]
	if !ok {
		return fmt.Errorf("%w: %q", model.ErrUnknownSensor, t)
	}
	st.mu.Lock()
	st.override = &v
	st.mu.Unlock()
	if !st.spec.InRange(v) {
		return &entities.OutOfRangeError{Sensor: t, Value: v, Min: st.spec.Min, Max: st.spec.Max}
	}
	return nil
}

// Restore re-anchors the walk of a sensor on a previously emitted value.
func (g *DataGenerator) Restore(r model.Reading) {
	st, ok := g.sensors[r.SensorType]
	if !ok || !st.spec.InRange(r.Value) {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.last, st.hasLast = r.Value, true
	st.walk = r.Value - g.target(st.spec, r.Timestamp, 0)
	g.AdvanceSequence(r.Sequence)
}

func (g *DataGenerator) next(t model.SensorType, now time.Time, irr model.IrrigationState) (model.Reading, error) {
	st, ok := g.sensors[t]
	if !ok {
		return model.Reading{}, fmt.Errorf("%w: %q", model.ErrUnknownSensor, t)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	spec := st.spec
	boost := 0.0
	if t == entities.SoilMoisture {
		boost = g.irrigation.Boost(irr, now)
	}

	r := model.Reading{SensorType: t, Unit: spec.Unit, Timestamp: now, Source: messages.SourceModel}

	if ov := st.override; ov != nil {
		st.override = nil
		v := *ov
		switch {
		case spec.InRange(v):
			// valore misurato: niente limite MaxStep, la Source lo distingue
			st.walk = v - g.target(spec, now, boost)
			st.last, st.hasLast = v, true
			r.Value, r.Source = v, messages.SourceOverride
			return r, nil
		case st.hasLast:
			g.log.Warn("override discarded, holding previous value",
				zap.String("sensor", string(t)), zap.Float64("value", v),
				zap.Float64("min", spec.Min), zap.Float64("max", spec.Max))
			r.Value, r.Source = st.last, messages.SourceHold
			return r, nil
		default:
			g.log.Warn("override discarded, no previous value to hold",
				zap.String("sensor", string(t)), zap.Float64("value", v))
		}
	}

	delta := st.rng.NormFloat64() * spec.Noise
	delta = math.Max(-noiseClampSigma*spec.Noise, math.Min(noiseClampSigma*spec.Noise, delta))
	bound := (spec.Max - spec.Min) / 4
	st.walk = math.Max(-bound, math.Min(bound, (st.walk+delta)*(1-spec.Decay)))

	v := g.target(spec, now, boost) + st.walk
	if st.hasLast {
		step := math.Max(-spec.MaxStep, math.Min(spec.MaxStep, v-st.last))
		v = st.last + step
	}
	v = spec.Clamp(v)

	st.last, st.hasLast = v, true
	r.Value = v
	return r, nil
}

// target is the deterministic part of the model: baseline, day cycle, season and irrigation.
func (g *DataGenerator) target(spec model.SensorSpec, now time.Time, boost float64) float64 {
	local := now.In(g.loc)
	hour := float64(local.Hour()) + float64(local.Minute())/60 + float64(local.Second())/3600
	diurnal := spec.DiurnalAmplitude * math.Cos(2*math.Pi*(hour-spec.DiurnalPeakHour)/24)
	seasonal := spec.SeasonalAmplitude * math.Cos(2*math.Pi*(float64(local.YearDay())-spec.SeasonalPeakDay)/365.25)
	return spec.Baseline + diurnal + seasonal + boost
}
