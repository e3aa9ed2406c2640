// Package progress keeps the latest known progress of every transfer for reporting.
package progress

import (
	"sync"
	"time"

	"github.com/italolelis/batch_downloader/internal/transfer"
)

// Snapshot is the latest known state of one transfer.
type Snapshot struct {
	ID          string          `json:"id"`
	URL         string          `json:"url"`
	Destination string          `json:"destination"`
	Progress    int             `json:"progress"`
	Speed       float64         `json:"speed"`
	Status      transfer.Status `json:"status"`
	UpdatedAt   time.Time       `json:"updated_at"`
	FinishedAt  time.Time       `json:"finished_at,omitempty"`
}

// Aggregator is safe for concurrent use. Samples are keyed by transfer id and
// never mixed across ids.
type Aggregator struct {
	mu      sync.RWMutex
	samples map[string]*Snapshot
	order   []string
	now     func() time.Time
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		samples: make(map[string]*Snapshot),
		now:     time.Now,
	}
}

// Track registers a transfer, or resets an existing record to the given state.
func (a *Aggregator) Track(t transfer.Transfer) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.samples[t.ID]
	if !ok {
		s = &Snapshot{ID: t.ID}
		a.samples[t.ID] = s
		a.order = append(a.order, t.ID)
	}

	s.URL = t.URL
	s.Destination = t.Destination
	s.Progress = t.Progress
	s.Speed = t.Speed
	s.Status = t.Status
	s.UpdatedAt = a.now()
	s.FinishedAt = time.Time{}

	if t.Status.IsTerminal() {
		s.FinishedAt = s.UpdatedAt
	}
}

// Record overwrites the latest sample for id. Unknown ids are ignored.
func (a *Aggregator) Record(id string, progress int, speed float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s, ok := a.samples[id]; ok {
		s.Progress = progress
		s.Speed = speed
		s.UpdatedAt = a.now()
	}
}

// SetStatus updates the status of id. Unknown ids are ignored.
func (a *Aggregator) SetStatus(id string, status transfer.Status) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.samples[id]
	if !ok {
		return
	}

	s.Status = status
	s.UpdatedAt = a.now()

	if status.IsTerminal() {
		s.Speed = 0
		s.FinishedAt = s.UpdatedAt
	} else {
		s.FinishedAt = time.Time{}
	}
}

func (a *Aggregator) Get(id string) (Snapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s, ok := a.samples[id]
	if !ok {
		return Snapshot{}, false
	}

	return *s, true
}

// SnapshotAll returns every record in the order transfers were first seen.
func (a *Aggregator) SnapshotAll() []Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]Snapshot, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, *a.samples[id])
	}

	return out
}

// PruneFinished drops records of transfers that reached a terminal status before
// the given time and returns their ids.
func (a *Aggregator) PruneFinished(before time.Time) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var stale []string

	for _, id := range a.order {
		s := a.samples[id]
		if s.Status.IsTerminal() && !s.FinishedAt.IsZero() && s.FinishedAt.Before(before) {
			stale = append(stale, id)
		}
	}

	for _, id := range stale {
		a.forget(id)
	}

	return stale
}

func (a *Aggregator) forget(id string) {
	if _, ok := a.samples[id]; !ok {
		return
	}

	delete(a.samples, id)

	for i, v := range a.order {
		if v == id {
			a.order = append(a.order[:i], a.order[i+1:]...)

			break
		}
	}
}
