package alerting

import (
	"fmt"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/messages"
)

const (
	DefaultHistoryLimit = 1000
	DefaultRetention    = 7 * 24 * time.Hour
)

// Registry holds open alerts (at most one per sensor and condition) and a bounded lifecycle history.
// Only the Evaluator opens and resolves alerts; readers always get copies.
type Registry struct {
	mu        sync.RWMutex
	byID      map[string]*messages.Alert
	open      map[messages.AlertKey]string
	order     []string // ids in opening order
	limit     int
	retention time.Duration
}

func NewRegistry(historyLimit int, retention time.Duration) *Registry {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Registry{
		byID:      make(map[string]*messages.Alert),
		open:      make(map[messages.AlertKey]string),
		limit:     historyLimit,
		retention: retention,
	}
}

func (r *Registry) isOpen(k messages.AlertKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.open[k]
	return ok
}

func (r *Registry) add(a messages.Alert) messages.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := a
	r.byID[a.ID] = &cp
	r.open[a.Key()] = a.ID
	r.order = append(r.order, a.ID)
	r.pruneLocked(a.OpenedAt)
	return cp
}

func (r *Registry) resolve(k messages.AlertKey, value float64, at time.Time) (messages.Alert, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.open[k]
	if !ok {
		return messages.Alert{}, false
	}
	a := r.byID[id]
	a.Status = messages.AlertResolved
	a.ResolvedAt = &at
	a.ValueAtResolve = &value
	delete(r.open, k)
	out := copyAlert(a)
	r.pruneLocked(at)
	return out, true
}

// pruneLocked drops resolved alerts older than the retention and, past the
// history limit, the oldest resolved ones. Open alerts are never dropped.
func (r *Registry) pruneLocked(now time.Time) {
	cutoff := now.Add(-r.retention)
	excess := len(r.order) - r.limit
	kept := r.order[:0]
	for _, id := range r.order {
		a := r.byID[id]
		if a.Status == messages.AlertResolved && (a.ResolvedAt.Before(cutoff) || excess > 0) {
			delete(r.byID, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
}

// Open returns the currently open alerts, oldest first.
func (r *Registry) Open() []messages.Alert {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]messages.Alert, 0, len(r.open))
	for _, id := range r.order {
		if a := r.byID[id]; a.Status == messages.AlertOpen {
			out = append(out, copyAlert(a))
		}
	}
	return out
}

// History returns up to limit alerts, most recently opened first. limit <= 0 means all.
func (r *Registry) History(limit int) []messages.Alert {
	return r.list(limit, "")
}

// List filters History by status ("open", "resolved" or empty for all).
func (r *Registry) List(status messages.AlertStatus, limit int) []messages.Alert {
	return r.list(limit, status)
}

func (r *Registry) list(limit int, status messages.AlertStatus) []messages.Alert {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]messages.Alert, 0)
	for i := len(r.order) - 1; i >= 0; i-- {
		a := r.byID[r.order[i]]
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, copyAlert(a))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (r *Registry) Get(id string) (messages.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	if !ok {
		return messages.Alert{}, fmt.Errorf("%w: %s", model.ErrAlertNotFound, id)
	}
	return copyAlert(a), nil
}

// Acknowledge marks an alert as seen by an operator. It never changes the alert status.
func (r *Registry) Acknowledge(id string, at time.Time) (messages.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[id]
	if !ok {
		return messages.Alert{}, fmt.Errorf("%w: %s", model.ErrAlertNotFound, id)
	}
	if a.AcknowledgedAt == nil {
		a.AcknowledgedAt = &at
	}
	return copyAlert(a), nil
}

func (r *Registry) OpenCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.open)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func copyAlert(a *messages.Alert) messages.Alert {
	cp := *a
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	if a.ValueAtResolve != nil {
		v := *a.ValueAtResolve
		cp.ValueAtResolve = &v
	}
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		cp.AcknowledgedAt = &t
	}
	return cp
}
