package health

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// Monitor keeps the latest status of each stage
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

func NewMonitor() *Monitor {
	return &Monitor{statuses: make(map[string]Status)}
}

// Update stores status under name and returns the previous status value
// ("" for a new stage) when it differs from the new one.
func (m *Monitor) Update(name string, status Status) (previous string, changed bool) {
	status.Stage = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	old, known := m.statuses[name]
	m.statuses[name] = status
	if known && old.Status == status.Status {
		return old.Status, false
	}
	return old.Status, true
}

// Get returns the stored status of name
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[name]
	return s, ok
}

func (m *Monitor) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.statuses)
}

// Snapshot aggregates every stored status under name, sub-statuses sorted by stage
func (m *Monitor) Snapshot(name string) Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.statuses))
	for _, s := range m.statuses {
		subs = append(subs, s)
	}
	m.mu.RUnlock()

	slices.SortFunc(subs, func(a, b Status) int { return cmp.Compare(a.Stage, b.Stage) })
	return Aggregate(name, subs)
}
