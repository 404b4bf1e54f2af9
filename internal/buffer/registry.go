package buffer

import (
	"sync"

	"github.com/g960059/canview/internal/model"
)

// Registry owns one FrameBuffer per observed bus ID. The map lock is held only
// for lookups; appends and snapshots take the per-buffer lock.
type Registry struct {
	mu       sync.RWMutex
	limits   model.Limits
	capacity int
	buffers  map[model.BusID]*FrameBuffer
}

func NewRegistry(capacity int, limits model.Limits) (*Registry, error) {
	if !limits.Contains(capacity) {
		return nil, capacityError(capacity, limits)
	}
	return &Registry{
		limits:   limits,
		capacity: capacity,
		buffers:  make(map[model.BusID]*FrameBuffer),
	}, nil
}

// Record appends v to the buffer for id, creating it on first sight.
func (r *Registry) Record(id model.BusID, v float64) {
	r.mu.RLock()
	buf, ok := r.buffers[id]
	r.mu.RUnlock()
	if !ok {
		buf = r.create(id)
	}
	buf.Append(v)
}

func (r *Registry) create(id model.BusID) *FrameBuffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if buf, ok := r.buffers[id]; ok {
		return buf
	}
	buf := &FrameBuffer{limits: r.limits, ring: make([]float64, r.capacity)}
	r.buffers[id] = buf
	return buf
}

// BroadcastCapacity resizes every buffer and sets the capacity of future ones.
func (r *Registry) BroadcastCapacity(n int) error {
	if !r.limits.Contains(n) {
		return capacityError(n, r.limits)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capacity = n
	for _, buf := range r.buffers {
		if err := buf.SetCapacity(n); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) Capacity() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.capacity
}

func (r *Registry) Remove(id model.BusID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buffers, id)
}

func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffers = make(map[model.BusID]*FrameBuffer)
}

// IDs returns the bus IDs currently held, in no particular order.
func (r *Registry) IDs() []model.BusID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]model.BusID, 0, len(r.buffers))
	for id := range r.buffers {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buffers)
}

func (r *Registry) Snapshot(id model.BusID, window int) (Snapshot, bool) {
	r.mu.RLock()
	buf, ok := r.buffers[id]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return buf.Snapshot(window), true
}
