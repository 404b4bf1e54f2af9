package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/g960059/canview/internal/db"
	"github.com/g960059/canview/internal/model"
	"github.com/g960059/canview/internal/transport"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "canview-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// NewVirtualBus returns a virtual bus with the given channels and a transport
// registry serving it under the virtual interface kind.
func NewVirtualBus(channels ...string) (*transport.VirtualBus, *transport.Registry) {
	bus := transport.NewVirtualBus()
	for _, ch := range channels {
		bus.AddChannel(ch)
	}
	reg := transport.NewRegistry()
	reg.Register(model.InterfaceVirtual, bus)
	return bus, reg
}

func VirtualConnection(channel string) model.Connection {
	return model.Connection{Interface: model.InterfaceVirtual, Channel: channel, Bitrate: 500000}
}
