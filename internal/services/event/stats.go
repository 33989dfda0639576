package event

import (
	"sync"
	"time"
)

// Stats traccia l'ultimo errore di publish (per /healthz e /readyz) e i
// contatori per tipo evento.
type Stats struct {
	mu      sync.RWMutex
	lastErr time.Time
	counts  map[string]int64
	dropped int64
}

func NewStats() *Stats {
	return &Stats{
		lastErr: time.Now().Add(-24 * time.Hour), // di default "lontano nel tempo"
		counts:  make(map[string]int64),
	}
}

func (s *Stats) MarkError() {
	s.mu.Lock()
	s.lastErr = time.Now()
	s.mu.Unlock()
}

// LastErrorAge ritorna da quanto tempo non si verificano errori di publish.
func (s *Stats) LastErrorAge() time.Duration {
	if s == nil {
		return 99999 * time.Hour
	}
	s.mu.RLock()
	t := s.lastErr
	s.mu.RUnlock()
	return time.Since(t)
}

func (s *Stats) MarkPublished(kind string) {
	s.mu.Lock()
	s.counts[kind]++
	s.mu.Unlock()
}

func (s *Stats) MarkDropped(n int) {
	s.mu.Lock()
	s.dropped += int64(n)
	s.mu.Unlock()
}

func (s *Stats) Count(kind string) int64 {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counts[kind]
}

func (s *Stats) Dropped() int64 {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}
