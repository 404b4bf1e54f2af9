package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/g960059/canview/internal/config"
	"github.com/g960059/canview/internal/model"
	"github.com/g960059/canview/internal/session"
	"github.com/g960059/canview/internal/testutil"
	"github.com/g960059/canview/internal/transport"
)

func TestInitialSettingsPrecedence(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	cfg := config.DefaultConfig()

	got, err := initialSettings(ctx, store, cfg, model.Settings{})
	if err != nil {
		t.Fatalf("initial settings: %v", err)
	}
	if got != cfg.Settings {
		t.Fatalf("expected config settings on empty store, got %+v", got)
	}

	stored := model.Settings{Capacity: 300, PlotHeight: 50, Connection: testutil.VirtualConnection("vcan0")}
	if err := store.SaveSettings(ctx, stored); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	got, err = initialSettings(ctx, store, cfg, model.Settings{Capacity: 20, Connection: model.Connection{Channel: "vcan1"}})
	if err != nil {
		t.Fatalf("initial settings: %v", err)
	}
	want := stored
	want.Capacity = 20
	want.Connection.Channel = "vcan1"
	if got != want {
		t.Fatalf("settings = %+v, want %+v", got, want)
	}
}

func TestRunTickLoopStopsOnCancel(t *testing.T) {
	bus, reg := testutil.NewVirtualBus("vcan0")
	cfg := config.DefaultConfig()
	settings := cfg.Settings
	settings.Connection = testutil.VirtualConnection("vcan0")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sess, err := session.New(cfg, settings, session.Deps{Opener: reg, Canvas: newLogCanvas(logger), Logger: logger})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer sess.Close(context.Background())
	if err := sess.Toggle(ctx); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	go transport.Simulate(ctx, bus, "vcan0", simulatedIDs, time.Millisecond)

	errCh := make(chan error, 1)
	go func() { errCh <- runTickLoop(ctx, sess, 5*time.Millisecond, logger) }()

	deadline := time.Now().Add(2 * time.Second)
	for sess.RowCount() < len(simulatedIDs) {
		if time.Now().After(deadline) {
			t.Fatalf("rows = %d, want %d", sess.RowCount(), len(simulatedIDs))
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Fatalf("loop returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("tick loop did not stop")
	}
}
