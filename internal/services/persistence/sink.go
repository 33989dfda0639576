package persistence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model"
	"github.com/LeonardoBeccarini/agrimonitor/pkg/metrics"
)

// Batch is what one tick hands to the sink.
type Batch struct {
	Readings []model.Reading
	Alerts   []AlertEvent
}

func (b Batch) Empty() bool { return len(b.Readings) == 0 && len(b.Alerts) == 0 }

type SinkConfig struct {
	QueueSize       int
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxElapsed      time.Duration
	AppendTimeout   time.Duration

	BreakerFailures uint32
	BreakerOpenFor  time.Duration
	BreakerInterval time.Duration
}

func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		QueueSize:       256,
		MaxRetries:      4,
		InitialInterval: 200 * time.Millisecond,
		MaxElapsed:      10 * time.Second,
		AppendTimeout:   5 * time.Second,
		BreakerFailures: 5,
		BreakerOpenFor:  30 * time.Second,
		BreakerInterval: time.Minute,
	}
}

// Sink scrive i batch sul Log in background: la coda è limitata e la tick
// non aspetta mai disco o rete. Retry con backoff dietro un circuit breaker.
type Sink struct {
	target  Log
	cfg     SinkConfig
	queue   chan Batch
	cb      *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	log     *zap.Logger

	mu      sync.RWMutex
	lastErr time.Time

	done chan struct{}
}

func NewSink(target Log, cfg SinkConfig, m *metrics.Metrics, logger *zap.Logger) *Sink {
	def := DefaultSinkConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = def.MaxElapsed
	}
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = def.AppendTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerOpenFor <= 0 {
		cfg.BreakerOpenFor = def.BreakerOpenFor
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sink{
		target:  target,
		cfg:     cfg,
		queue:   make(chan Batch, cfg.QueueSize),
		metrics: m,
		log:     logger,
		lastErr: time.Now().Add(-24 * time.Hour),
		done:    make(chan struct{}),
	}
	fails := cfg.BreakerFailures
	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "persistence",
		Interval: cfg.BreakerInterval,
		Timeout:  cfg.BreakerOpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= fails
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return s
}

// Enqueue never blocks: with a full queue the batch is dropped and counted.
func (s *Sink) Enqueue(b Batch) bool {
	if s == nil || b.Empty() {
		return true
	}
	select {
	case s.queue <- b:
		return true
	default:
		s.metrics.IncPersistQueueDrop()
		s.log.Warn("persistence queue full, batch dropped",
			zap.Int("readings", len(b.Readings)), zap.Int("alerts", len(b.Alerts)))
		return false
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left
// with a bounded deadline.
func (s *Sink) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.flush()
			return
		case b := <-s.queue:
			s.write(ctx, b)
		}
	}
}

// Done is closed when Run has returned.
func (s *Sink) Done() <-chan struct{} { return s.done }

func (s *Sink) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AppendTimeout)
	defer cancel()
	for {
		select {
		case b := <-s.queue:
			s.write(ctx, b)
		default:
			return
		}
	}
}

func (s *Sink) write(ctx context.Context, b Batch) {
	// le due parti del batch avanzano separatamente: un retry non riscrive
	// le letture già committate
	readingsDone := len(b.Readings) == 0
	alertsDone := len(b.Alerts) == 0

	op := func() error {
		_, err := s.cb.Execute(func() (any, error) {
			actx, cancel := context.WithTimeout(ctx, s.cfg.AppendTimeout)
			defer cancel()
			if !readingsDone {
				if err := s.target.AppendReadings(actx, b.Readings); err != nil {
					return nil, err
				}
				readingsDone = true
			}
			if !alertsDone {
				if err := s.target.AppendAlertEvents(actx, b.Alerts); err != nil {
					return nil, err
				}
				alertsDone = true
			}
			return nil, nil
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialInterval
	bo.MaxElapsedTime = s.cfg.MaxElapsed
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, s.cfg.MaxRetries), ctx))
	if err != nil {
		s.mu.Lock()
		s.lastErr = time.Now()
		s.mu.Unlock()
		s.metrics.IncPersistFailure()
		s.log.Error("persistence append failed",
			zap.Int("readings", len(b.Readings)), zap.Int("alerts", len(b.Alerts)),
			zap.String("breaker", s.cb.State().String()), zap.Error(err))
	}
}

// LastErrorAge ritorna da quanto tempo non si verificano errori di scrittura.
func (s *Sink) LastErrorAge() time.Duration {
	if s == nil {
		return 99999 * time.Hour
	}
	s.mu.RLock()
	t := s.lastErr
	s.mu.RUnlock()
	return time.Since(t)
}

func (s *Sink) BreakerState() gobreaker.State { return s.cb.State() }

func (s *Sink) Pending() int { return len(s.queue) }

// Pruner is implemented by logs that manage their own retention.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// StartCleanupJob periodically removes log rows older than maxAge.
func StartCleanupJob(ctx context.Context, p Pruner, interval, maxAge time.Duration, now func() time.Time, logger *zap.Logger) {
	if p == nil || interval <= 0 || maxAge <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup job stopped")
				return
			case <-ticker.C:
				cut := now().Add(-maxAge)
				n, err := p.Prune(ctx, cut)
				if err != nil {
					logger.Error("cleanup job failed", zap.Error(err))
					continue
				}
				logger.Info("cleanup done", zap.Int64("removed", n), zap.Time("before", cut))
			}
		}
	}()
}
