package aggregator

import (
	"errors"
	"time"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model"
)

var ErrInvalidResolution = errors.New("resolution must be positive")

// Bucket summarises the readings of one fixed-width window [Start, End).
type Bucket struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Count int       `json:"count"`
	Avg   float64   `json:"avg"`
	Min   float64   `json:"min"`
	Max   float64   `json:"max"`
}

// Downsample groups time-ordered readings into buckets aligned on multiples
// of resolution since the Unix epoch (UTC). Empty windows are omitted; output
// is ordered by Start.
func Downsample(readings []model.Reading, resolution time.Duration) ([]Bucket, error) {
	if resolution <= 0 {
		return nil, ErrInvalidResolution
	}
	out := []Bucket{}
	var cur *Bucket
	var sum float64
	for _, r := range readings {
		start := epochFloor(r.Timestamp, resolution)
		if cur == nil || !start.Equal(cur.Start) {
			if cur != nil {
				cur.Avg = sum / float64(cur.Count)
				out = append(out, *cur)
			}
			cur = &Bucket{Start: start, End: start.Add(resolution), Min: r.Value, Max: r.Value}
			sum = 0
		}
		cur.Count++
		sum += r.Value
		if r.Value < cur.Min {
			cur.Min = r.Value
		}
		if r.Value > cur.Max {
			cur.Max = r.Value
		}
	}
	if cur != nil {
		cur.Avg = sum / float64(cur.Count)
		out = append(out, *cur)
	}
	return out, nil
}

// epochFloor: time.Truncate allinea sullo zero time di Go, non su Unix.
func epochFloor(t time.Time, d time.Duration) time.Time {
	ns, step := t.UnixNano(), int64(d)
	off := ns % step
	if off < 0 {
		off += step
	}
	return time.Unix(0, ns-off).UTC()
}
