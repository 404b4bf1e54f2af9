package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/g960059/canview/internal/model"
)

// Frame is one message as delivered by a transport, before validation.
type Frame struct {
	ID       uint32
	Extended bool
	Remote   bool
	Error    bool
	Data     []byte
}

const maxClassicPayload = 8

// Validate reports why a frame cannot be recorded, or nil.
func (f Frame) Validate() error {
	switch {
	case f.Error:
		return fmt.Errorf("error frame %#x", f.ID)
	case len(f.Data) > maxClassicPayload:
		return fmt.Errorf("payload of %d bytes exceeds %d", len(f.Data), maxClassicPayload)
	case f.Extended && model.BusID(f.ID) > model.MaxExtendedID:
		return fmt.Errorf("extended id %#x out of range", f.ID)
	case !f.Extended && model.BusID(f.ID) > model.MaxStandardID:
		return fmt.Errorf("standard id %#x out of range", f.ID)
	}
	return nil
}

// Value decodes the payload as a big-endian unsigned integer. Payloads wider
// than 6 bytes may exceed 2^53, where float64 rounds to the nearest
// representable value.
func (f Frame) Value() float64 {
	var buf [8]byte
	data := f.Data
	if len(data) > len(buf) {
		data = data[len(data)-len(buf):]
	}
	copy(buf[len(buf)-len(data):], data)
	return float64(binary.BigEndian.Uint64(buf[:]))
}

// Handle is an open connection to a bus.
type Handle interface {
	// Receive blocks until a frame arrives, ctx is done, or the handle is closed.
	Receive(ctx context.Context) (Frame, error)
	Close() error
}

type Transport interface {
	Open(ctx context.Context, conn model.Connection) (Handle, error)
}

// Registry resolves an interface kind to the transport serving it.
type Registry struct {
	mu         sync.RWMutex
	transports map[model.InterfaceKind]Transport
}

func NewRegistry() *Registry {
	return &Registry{transports: map[model.InterfaceKind]Transport{}}
}

func (r *Registry) Register(kind model.InterfaceKind, t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[kind] = t
}

func (r *Registry) Supports(kind model.InterfaceKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.transports[kind]
	return ok
}

func (r *Registry) Open(ctx context.Context, conn model.Connection) (Handle, error) {
	r.mu.RLock()
	t, ok := r.transports[conn.Interface]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("interface %q not available: %w", conn.Interface, model.ErrConnection)
	}
	h, err := t.Open(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", conn, err)
	}
	return h, nil
}
