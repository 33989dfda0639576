package alerting

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/messages"
)

// severity "high" oltre il 20% dalla soglia
const severityFactor = 0.2

// Evaluator classifies readings against the thresholds of their sensor.
// A breach opens an alert; the alert resolves only once the value has moved
// back past threshold ± margin, so touching the threshold never resolves it.
type Evaluator struct {
	mu       sync.Mutex
	specs    map[model.SensorType]model.SensorSpec
	registry *Registry
	newID    func() string
	log      *zap.Logger
}

func NewEvaluator(specs []model.SensorSpec, registry *Registry, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := make(map[model.SensorType]model.SensorSpec, len(specs))
	for _, s := range specs {
		m[s.Type] = s
	}
	return &Evaluator{specs: m, registry: registry, newID: uuid.NewString, log: logger}
}

func (e *Evaluator) Registry() *Registry { return e.registry }

// Evaluate returns the transitions caused by r: none, one, or a resolve
// followed by an open when the value jumps across both thresholds.
func (e *Evaluator) Evaluate(r model.Reading) []model.AlertTransition {
	spec, ok := e.specs[r.SensorType]
	if !ok || spec.Thresholds.Empty() {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	margin := spec.Margin()
	v := r.Value
	var resolved, opened []model.AlertTransition

	check := func(cond messages.Condition, threshold float64, breached, recovered bool) {
		key := messages.AlertKey{Sensor: r.SensorType, Condition: cond}
		open := e.registry.isOpen(key)
		switch {
		case open && recovered:
			if a, ok := e.registry.resolve(key, v, r.Timestamp); ok {
				e.log.Info("alert resolved",
					zap.String("id", a.ID), zap.String("sensor", string(r.SensorType)),
					zap.String("condition", string(cond)), zap.Float64("value", v))
				resolved = append(resolved, model.AlertTransition{Kind: messages.TransitionResolved, Alert: a})
			}
		case !open && breached:
			a := e.registry.add(messages.Alert{
				ID:          e.newID(),
				SensorType:  r.SensorType,
				Condition:   cond,
				Severity:    severity(cond, v, threshold),
				Threshold:   threshold,
				Unit:        spec.Unit,
				OpenedAt:    r.Timestamp,
				ValueAtOpen: v,
				Status:      messages.AlertOpen,
			})
			e.log.Warn("alert opened",
				zap.String("id", a.ID), zap.String("sensor", string(r.SensorType)),
				zap.String("condition", string(cond)), zap.String("severity", string(a.Severity)),
				zap.Float64("value", v), zap.Float64("threshold", threshold))
			opened = append(opened, model.AlertTransition{Kind: messages.TransitionOpened, Alert: a})
		}
	}

	if low := spec.Thresholds.Low; low != nil {
		check(messages.BelowLow, *low, v < *low, v >= *low+margin)
	}
	if high := spec.Thresholds.High; high != nil {
		check(messages.AboveHigh, *high, v > *high, v <= *high-margin)
	}
	return append(resolved, opened...)
}

func severity(cond messages.Condition, v, threshold float64) messages.Severity {
	switch cond {
	case messages.BelowLow:
		if v < threshold*(1-severityFactor) {
			return messages.SeverityHigh
		}
	case messages.AboveHigh:
		if v > threshold*(1+severityFactor) {
			return messages.SeverityHigh
		}
	}
	return messages.SeverityModerate
}
