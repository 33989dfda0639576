package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model"
	"github.com/LeonardoBeccarini/agrimonitor/internal/services/persistence"
)

// ErrLogUnavailable is returned when the log read fails and no cached answer exists.
var ErrLogUnavailable = errors.New("persistence log unavailable")

func mkCB(name string, fails uint32, openFor, interval time.Duration, logger *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: interval,
		Timeout:  openFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= fails
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
}

type rangeKey struct {
	sensor       model.SensorType
	since, until int64
}

// LogReader legge intervalli dal log persistente dietro un circuit breaker.
// Con breaker aperto o errore torna l'ultima risposta valida per la stessa richiesta.
type LogReader struct {
	log     persistence.Log
	cb      *gobreaker.CircuitBreaker
	limit   int
	timeout time.Duration

	mu       sync.Mutex
	lastGood map[rangeKey][]model.Reading
	logger   *zap.Logger
}

const lastGoodEntries = 64

func NewLogReader(l persistence.Log, cfg Config, logger *zap.Logger) *LogReader {
	cfg = cfg.withDefaults()
	return &LogReader{
		log:      l,
		cb:       mkCB("persistence-read", cfg.BreakerFailures, cfg.BreakerOpenFor, cfg.BreakerInterval, logger),
		limit:    cfg.LogQueryLimit,
		timeout:  cfg.RequestTimeout,
		lastGood: map[rangeKey][]model.Reading{},
		logger:   logger,
	}
}

// ReadingsRange returns the readings and whether they came from the fallback cache.
func (r *LogReader) ReadingsRange(ctx context.Context, t model.SensorType, since, until time.Time) ([]model.Reading, bool, error) {
	key := rangeKey{t, since.UnixMilli(), until.UnixMilli()}
	res, err := r.cb.Execute(func() (any, error) {
		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return r.log.ReadingsRange(cctx, t, since, until, r.limit)
	})
	if err == nil {
		rs := res.([]model.Reading)
		r.remember(key, rs)
		return rs, false, nil
	}

	r.logger.Warn("log range read failed", zap.String("sensor_type", string(t)),
		zap.String("breaker", r.cb.State().String()), zap.Error(err))
	r.mu.Lock()
	cached, ok := r.lastGood[key]
	r.mu.Unlock()
	if ok {
		return cached, true, nil
	}
	return nil, false, fmt.Errorf("%w: %v", ErrLogUnavailable, err)
}

func (r *LogReader) State() gobreaker.State { return r.cb.State() }

func (r *LogReader) remember(key rangeKey, rs []model.Reading) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.lastGood) >= lastGoodEntries {
		// niente LRU: si svuota e si riparte
		r.lastGood = make(map[rangeKey][]model.Reading, lastGoodEntries)
	}
	r.lastGood[key] = rs
}
