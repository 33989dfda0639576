package history

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model"
	"github.com/LeonardoBeccarini/agrimonitor/pkg/clock"
)

const (
	DefaultMaxPoints = 20000
	DefaultMaxAge    = 7 * 24 * time.Hour

	initialCapacity = 256
)

var (
	ErrOutOfOrder   = errors.New("reading older than the newest retained point")
	ErrInvalidRange = errors.New("since is after until")
)

// QueryResult carries the points of a ranged query plus the boundaries that were actually served.
// Truncated is set when the retained data does not reach back to RequestedFrom.
type QueryResult struct {
	SensorType    model.SensorType `json:"sensor_type"`
	Readings      []model.Reading  `json:"readings"`
	RequestedFrom time.Time        `json:"requested_from"`
	RequestedTo   time.Time        `json:"requested_to"`
	RetainedFrom  *time.Time       `json:"retained_from,omitempty"`
	RetainedTo    *time.Time       `json:"retained_to,omitempty"`
	Truncated     bool             `json:"truncated"`
}

// series is a growable ring: oldest at head, count valid entries. Not safe for concurrent use.
type series struct {
	mu     sync.RWMutex
	buf    []model.Reading
	head   int
	count  int
	pruned bool
}

func (s *series) at(i int) model.Reading { return s.buf[(s.head+i)%len(s.buf)] }

func (s *series) newest() model.Reading { return s.at(s.count - 1) }

func (s *series) push(r model.Reading, maxPoints int) {
	if s.count == len(s.buf) {
		if len(s.buf) < maxPoints {
			s.grow(maxPoints)
		} else {
			// pieno: sovrascrive il più vecchio, head punta già lì
			s.buf[s.head] = r
			s.head = (s.head + 1) % len(s.buf)
			s.pruned = true
			return
		}
	}
	s.buf[(s.head+s.count)%len(s.buf)] = r
	s.count++
}

func (s *series) grow(maxPoints int) {
	n := len(s.buf) * 2
	if n < initialCapacity {
		n = initialCapacity
	}
	if n > maxPoints {
		n = maxPoints
	}
	nb := make([]model.Reading, n)
	for i := 0; i < s.count; i++ {
		nb[i] = s.at(i)
	}
	s.buf, s.head = nb, 0
}

func (s *series) popOldest() {
	s.buf[s.head] = model.Reading{}
	s.head = (s.head + 1) % len(s.buf)
	s.count--
	s.pruned = true
}

// firstAtOrAfter returns the index of the first point with Timestamp >= t.
func (s *series) firstAtOrAfter(t time.Time) int {
	return sort.Search(s.count, func(i int) bool { return !s.at(i).Timestamp.Before(t) })
}

// Store keeps one bounded series per sensor. The sensor set is fixed at construction,
// so the map itself is never written after New and needs no lock.
type Store struct {
	series    map[model.SensorType]*series
	maxPoints int
	maxAge    time.Duration
	clock     clock.Clock
}

func New(sensors []model.SensorType, maxPoints int, maxAge time.Duration, clk clock.Clock) *Store {
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if clk == nil {
		clk = clock.Real{}
	}
	st := &Store{
		series:    make(map[model.SensorType]*series, len(sensors)),
		maxPoints: maxPoints,
		maxAge:    maxAge,
		clock:     clk,
	}
	for _, t := range sensors {
		st.series[t] = &series{}
	}
	return st
}

func (st *Store) get(t model.SensorType) (*series, error) {
	s, ok := st.series[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownSensor, t)
	}
	return s, nil
}

// Append adds a reading and then evicts points beyond the count or age bound.
func (st *Store) Append(r model.Reading) error {
	s, err := st.get(r.SensorType)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count > 0 && r.Timestamp.Before(s.newest().Timestamp) {
		return fmt.Errorf("%w: %s at %s", ErrOutOfOrder, r.SensorType, r.Timestamp.Format(time.RFC3339))
	}
	s.push(r, st.maxPoints)

	cutoff := r.Timestamp.Add(-st.maxAge)
	for s.count > 0 && s.at(0).Timestamp.Before(cutoff) {
		s.popOldest()
	}
	return nil
}

// Restore appends a batch (e.g. loaded from the persistence log), skipping out-of-order points.
func (st *Store) Restore(readings []model.Reading) int {
	sorted := make([]model.Reading, len(readings))
	copy(sorted, readings)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	n := 0
	for _, r := range sorted {
		if st.Append(r) == nil {
			n++
		}
	}
	return n
}

// Query never returns points outside the current retention window, even if
// no append has pruned them yet.
func (st *Store) Query(t model.SensorType, since, until time.Time) (QueryResult, error) {
	s, err := st.get(t)
	if err != nil {
		return QueryResult{}, err
	}
	if until.Before(since) {
		return QueryResult{}, ErrInvalidRange
	}
	res := QueryResult{SensorType: t, Readings: []model.Reading{}, RequestedFrom: since, RequestedTo: until}
	cutoff := st.clock.Now().Add(-st.maxAge)

	s.mu.RLock()
	defer s.mu.RUnlock()

	first := s.firstAtOrAfter(cutoff)
	if first == s.count {
		res.Truncated = s.pruned || s.count > 0
		return res, nil
	}
	from, to := s.at(first).Timestamp, s.newest().Timestamp
	res.RetainedFrom, res.RetainedTo = &from, &to
	res.Truncated = since.Before(from)

	lo := s.firstAtOrAfter(since)
	if lo < first {
		lo = first
	}
	for i := lo; i < s.count; i++ {
		r := s.at(i)
		if r.Timestamp.After(until) {
			break
		}
		res.Readings = append(res.Readings, r)
	}
	return res, nil
}

// Latest returns the newest retained reading.
func (st *Store) Latest(t model.SensorType) (model.Reading, bool) {
	s, err := st.get(t)
	if err != nil {
		return model.Reading{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.count == 0 {
		return model.Reading{}, false
	}
	return s.newest(), true
}

// Recent returns up to n newest readings, oldest first.
func (st *Store) Recent(t model.SensorType, n int) []model.Reading {
	s, err := st.get(t)
	if err != nil || n <= 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n > s.count {
		n = s.count
	}
	out := make([]model.Reading, 0, n)
	for i := s.count - n; i < s.count; i++ {
		out = append(out, s.at(i))
	}
	return out
}

func (st *Store) Len(t model.SensorType) int {
	s, err := st.get(t)
	if err != nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

func (st *Store) MaxAge() time.Duration { return st.maxAge }

func (st *Store) MaxPoints() int { return st.maxPoints }
