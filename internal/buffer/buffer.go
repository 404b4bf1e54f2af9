package buffer

import (
	"fmt"
	"sync"

	"github.com/g960059/canview/internal/model"
)

// Snapshot is a point-in-time copy of a buffer, oldest sample first, with a
// synthetic ascending X axis.
type Snapshot struct {
	X []float64
	Y []float64
}

func (s Snapshot) Len() int {
	return len(s.Y)
}

// FrameBuffer keeps the newest samples of one bus ID in a ring.
type FrameBuffer struct {
	mu     sync.Mutex
	limits model.Limits
	ring   []float64
	head   int // index of the oldest sample
	size   int
}

func NewFrameBuffer(capacity int, limits model.Limits) (*FrameBuffer, error) {
	if !limits.Contains(capacity) {
		return nil, capacityError(capacity, limits)
	}
	return &FrameBuffer{limits: limits, ring: make([]float64, capacity)}, nil
}

func (b *FrameBuffer) Append(v float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appendLocked(v)
}

func (b *FrameBuffer) appendLocked(v float64) {
	capacity := len(b.ring)
	if b.size < capacity {
		b.ring[(b.head+b.size)%capacity] = v
		b.size++
		return
	}
	b.ring[b.head] = v
	b.head = (b.head + 1) % capacity
}

// SetCapacity resizes the ring, keeping the newest min(n, len) samples.
func (b *FrameBuffer) SetCapacity(n int) error {
	if !b.limits.Contains(n) {
		return capacityError(n, b.limits)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if n == len(b.ring) {
		return nil
	}
	kept := b.newestLocked(n)
	b.ring = make([]float64, n)
	copy(b.ring, kept)
	b.head = 0
	b.size = len(kept)
	return nil
}

// Snapshot returns the newest min(window, len) samples. A window <= 0 selects
// every sample.
func (b *FrameBuffer) Snapshot(window int) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	if window <= 0 {
		window = b.size
	}
	y := b.newestLocked(window)
	x := make([]float64, len(y))
	for i := range x {
		x[i] = float64(i)
	}
	return Snapshot{X: x, Y: y}
}

func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *FrameBuffer) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ring)
}

func (b *FrameBuffer) newestLocked(n int) []float64 {
	if n > b.size {
		n = b.size
	}
	out := make([]float64, n)
	capacity := len(b.ring)
	start := b.head + b.size - n
	for i := 0; i < n; i++ {
		out[i] = b.ring[(start+i)%capacity]
	}
	return out
}

func capacityError(n int, limits model.Limits) error {
	return fmt.Errorf("capacity %d outside %d..%d: %w", n, limits.Min, limits.Max, model.ErrInvalidCapacity)
}
