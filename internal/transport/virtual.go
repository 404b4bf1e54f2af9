package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/g960059/canview/internal/model"
)

var ErrClosed = errors.New("handle closed")

// VirtualBus is an in-process bus with named channels. A channel may be
// claimed by one handle at a time.
type VirtualBus struct {
	mu       sync.Mutex
	channels map[string]*virtualChannel
}

type virtualChannel struct {
	claimed *virtualHandle
}

func NewVirtualBus() *VirtualBus {
	return &VirtualBus{channels: map[string]*virtualChannel{}}
}

// AddChannel declares a channel. Frames sent while nobody has it open are
// discarded.
func (b *VirtualBus) AddChannel(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.channels[name]; !ok {
		b.channels[name] = &virtualChannel{}
	}
}

func (b *VirtualBus) Open(_ context.Context, conn model.Connection) (Handle, error) {
	if !model.SupportedBitrate(conn.Bitrate) {
		return nil, fmt.Errorf("bitrate %d unsupported: %w", conn.Bitrate, model.ErrConnection)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[conn.Channel]
	if !ok {
		return nil, fmt.Errorf("channel %q not found: %w", conn.Channel, model.ErrConnection)
	}
	if ch.claimed != nil {
		return nil, fmt.Errorf("channel %q already claimed: %w", conn.Channel, model.ErrConnection)
	}
	// each claim gets its own delivery channel so a send aimed at a released
	// handle can never reach the next one
	h := &virtualHandle{bus: b, name: conn.Channel, frames: make(chan Frame), done: make(chan struct{})}
	ch.claimed = h
	return h, nil
}

// Send delivers f to the handle holding channel, blocking until it is taken.
// It reports false when no handle is open or the handle closes first.
func (b *VirtualBus) Send(ctx context.Context, channel string, f Frame) bool {
	b.mu.Lock()
	ch, ok := b.channels[channel]
	var h *virtualHandle
	if ok {
		h = ch.claimed
	}
	b.mu.Unlock()
	if h == nil {
		return false
	}
	select {
	case h.frames <- f:
		return true
	case <-h.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Claimed reports whether a handle currently holds channel.
func (b *VirtualBus) Claimed(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[channel]
	return ok && ch.claimed != nil
}

func (b *VirtualBus) release(h *virtualHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.channels[h.name]; ok && ch.claimed == h {
		ch.claimed = nil
	}
}

type virtualHandle struct {
	bus    *VirtualBus
	name   string
	frames chan Frame
	once   sync.Once
	done   chan struct{}
}

func (h *virtualHandle) Receive(ctx context.Context) (Frame, error) {
	select {
	case <-h.done:
		return Frame{}, ErrClosed
	default:
	}
	select {
	case f := <-h.frames:
		return f, nil
	case <-h.done:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (h *virtualHandle) Close() error {
	h.once.Do(func() {
		close(h.done)
		h.bus.release(h)
	})
	return nil
}
