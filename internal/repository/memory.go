package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

const defaultMemoryCapacity = 100000

// MemoryRepository implements AuditRepository in process memory.
// The oldest events are discarded once capacity is reached.
type MemoryRepository struct {
	mu       sync.RWMutex
	events   []model.AuditEvent
	ids      map[string]struct{}
	capacity int
}

// NewMemoryRepository creates a MemoryRepository. capacity <= 0 selects the default.
func NewMemoryRepository(capacity int) *MemoryRepository {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryRepository{
		ids:      make(map[string]struct{}),
		capacity: capacity,
	}
}

func (r *MemoryRepository) AppendEvents(_ context.Context, events []model.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ev := range events {
		if _, dup := r.ids[ev.ID]; dup {
			continue
		}
		ev.Metadata = ev.Metadata.Clone()
		r.events = append(r.events, ev)
		r.ids[ev.ID] = struct{}{}
	}
	if over := len(r.events) - r.capacity; over > 0 {
		for _, ev := range r.events[:over] {
			delete(r.ids, ev.ID)
		}
		r.events = append([]model.AuditEvent(nil), r.events[over:]...)
	}
	return nil
}

func (r *MemoryRepository) QueryEvents(_ context.Context, filter model.AuditFilter) ([]model.AuditEvent, error) {
	r.mu.RLock()
	var out []model.AuditEvent
	for _, ev := range r.events {
		if filter.Matches(ev) {
			out = append(out, ev)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit := queryLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored events.
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

func (r *MemoryRepository) Ping(context.Context) error { return nil }

func (r *MemoryRepository) Close() error { return nil }
