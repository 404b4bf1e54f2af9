package session

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/g960059/canview/internal/config"
	"github.com/g960059/canview/internal/db"
	"github.com/g960059/canview/internal/model"
	"github.com/g960059/canview/internal/testutil"
	"github.com/g960059/canview/internal/transport"
)

func testSettings(channel string) model.Settings {
	return model.Settings{
		Capacity:   config.DefaultCapacity,
		PlotHeight: config.DefaultPlotHeight,
		Connection: testutil.VirtualConnection(channel),
	}
}

type fixture struct {
	bus     *transport.VirtualBus
	store   *db.Store
	session *Session
}

func newFixture(t *testing.T, settings model.Settings) fixture {
	t.Helper()
	bus, reg := testutil.NewVirtualBus("vcan0")
	store, _ := testutil.NewStore(t)
	s, err := New(config.DefaultConfig(), settings, Deps{Opener: reg, Store: store})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return fixture{bus: bus, store: store, session: s}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustTick(t *testing.T, s *Session) TickReport {
	t.Helper()
	report, err := s.Tick()
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	return report
}

func TestApplySettingsRejectsCapacityBelowMinimum(t *testing.T) {
	f := newFixture(t, testSettings("vcan0"))
	settings := testSettings("vcan0")
	settings.Capacity = 1
	if err := f.session.ApplySettings(context.Background(), settings); !errors.Is(err, model.ErrInvalidCapacity) {
		t.Fatalf("expected ErrInvalidCapacity, got %v", err)
	}
	mustTick(t, f.session)
	if f.session.Capacity() != config.DefaultCapacity {
		t.Fatalf("capacity = %d", f.session.Capacity())
	}
	if f.session.State() != model.SessionIdle {
		t.Fatalf("state = %s", f.session.State())
	}
}

func TestApplySettingsValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.Settings)
		want   error
	}{
		{name: "capacity above ceiling", mutate: func(s *model.Settings) { s.Capacity = 1 << 20 }, want: model.ErrInvalidCapacity},
		{name: "height too small", mutate: func(s *model.Settings) { s.PlotHeight = 1 }, want: model.ErrInvalidHeight},
		{name: "empty interface", mutate: func(s *model.Settings) { s.Connection.Interface = "" }, want: model.ErrInvalidSettings},
		{name: "unknown interface", mutate: func(s *model.Settings) { s.Connection.Interface = "pcan" }, want: model.ErrInvalidSettings},
		{name: "blank channel", mutate: func(s *model.Settings) { s.Connection.Channel = "  " }, want: model.ErrInvalidSettings},
		{name: "zero bitrate", mutate: func(s *model.Settings) { s.Connection.Bitrate = 0 }, want: model.ErrInvalidSettings},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, testSettings("vcan0"))
			settings := testSettings("vcan0")
			tc.mutate(&settings)
			err := f.session.ApplySettings(context.Background(), settings)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if got := f.session.Settings(); got != testSettings("vcan0") {
				t.Fatalf("settings partially applied: %+v", got)
			}
			if _, err := f.store.LoadSettings(context.Background()); !errors.Is(err, db.ErrNotFound) {
				t.Fatalf("rejected settings persisted: %v", err)
			}
		})
	}
}

func TestApplySettingsArmsAndPersists(t *testing.T) {
	f := newFixture(t, testSettings("vcan0"))
	settings := testSettings("vcan0")
	settings.Capacity = 40
	settings.PlotHeight = 60
	if err := f.session.ApplySettings(context.Background(), settings); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if f.session.State() != model.SessionArmed {
		t.Fatalf("state = %s", f.session.State())
	}
	stored, err := f.store.LoadSettings(context.Background())
	if err != nil || stored != settings {
		t.Fatalf("stored settings = %+v, %v", stored, err)
	}
	if f.session.Capacity() != config.DefaultCapacity || f.session.PlotHeight() != config.DefaultPlotHeight {
		t.Fatalf("settings applied before tick")
	}
	mustTick(t, f.session)
	if f.session.Capacity() != 40 || f.session.PlotHeight() != 60 {
		t.Fatalf("after tick capacity=%d height=%d", f.session.Capacity(), f.session.PlotHeight())
	}
}

func TestToggleFailureStaysIdleAndRecovers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings("bad0"))

	err := f.session.Toggle(ctx)
	if !errors.Is(err, model.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if f.session.State() != model.SessionIdle {
		t.Fatalf("state = %s", f.session.State())
	}
	if f.session.ListenerState() != model.ListenerStopped {
		t.Fatalf("listener left in %s", f.session.ListenerState())
	}

	if err := f.session.ApplySettings(ctx, testSettings("vcan0")); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := f.session.Toggle(ctx); err != nil {
		t.Fatalf("toggle on valid channel: %v", err)
	}
	if f.session.State() != model.SessionRunning || f.session.RunID() == "" {
		t.Fatalf("state = %s run=%q", f.session.State(), f.session.RunID())
	}

	runs, err := f.store.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %+v", runs)
	}
	var failed, open int
	for _, run := range runs {
		switch {
		case run.Error != "":
			failed++
		case run.StoppedAt == nil:
			open++
		}
	}
	if failed != 1 || open != 1 {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestApplySettingsRejectedWhileRunning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings("vcan0"))
	if err := f.session.Toggle(ctx); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if err := f.session.ApplySettings(ctx, testSettings("vcan1")); !errors.Is(err, model.ErrSessionRunning) {
		t.Fatalf("expected ErrSessionRunning, got %v", err)
	}
	if got := f.session.Settings().Connection.Channel; got != "vcan0" {
		t.Fatalf("channel = %s", got)
	}
}

func TestTickMirrorsFramesAndStopKeepsData(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings("vcan0"))
	if err := f.session.SetCapacity(3); err != nil {
		t.Fatalf("set capacity: %v", err)
	}
	mustTick(t, f.session)
	if err := f.session.Toggle(ctx); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	for _, v := range []byte{1, 2, 3, 4} {
		f.bus.Send(ctx, "vcan0", transport.Frame{ID: 0x10, Data: []byte{v}})
	}
	f.bus.Send(ctx, "vcan0", transport.Frame{ID: 0x20, Data: []byte{9}})
	waitFor(t, "frames", func() bool { return f.session.ListenerStats().Recorded == 5 })

	report := mustTick(t, f.session)
	if report.Added != 2 || report.Rows != 2 || report.State != model.SessionRunning {
		t.Fatalf("report = %+v", report)
	}
	rows := f.session.Rows()
	if rows[0].ID != 0x10 || !reflect.DeepEqual(rows[0].Series.X, []float64{0, 1, 2}) || !reflect.DeepEqual(rows[0].Series.Y, []float64{2, 3, 4}) {
		t.Fatalf("row 0x10 = %+v", rows[0])
	}

	if err := f.session.Toggle(ctx); err != nil {
		t.Fatalf("toggle stop: %v", err)
	}
	if f.session.State() != model.SessionIdle {
		t.Fatalf("state = %s", f.session.State())
	}
	report = mustTick(t, f.session)
	if report.Rows != 2 || report.Removed != 0 {
		t.Fatalf("stop dropped rows: %+v", report)
	}
	if snap, ok := f.session.Snapshot(0x20); !ok || !reflect.DeepEqual(snap.Y, []float64{9}) {
		t.Fatalf("snapshot after stop = %+v", snap)
	}

	runs, err := f.store.ListRuns(ctx, 1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("list runs: %+v, %v", runs, err)
	}
	if runs[0].StoppedAt == nil || runs[0].Stats.Recorded != 5 {
		t.Fatalf("finished run = %+v", runs[0])
	}
}

func TestClearWhileRunningRepopulates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings("vcan0"))
	if err := f.session.Toggle(ctx); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	f.bus.Send(ctx, "vcan0", transport.Frame{ID: 0x1, Data: []byte{1}})
	f.bus.Send(ctx, "vcan0", transport.Frame{ID: 0x2, Data: []byte{2}})
	waitFor(t, "frames", func() bool { return f.session.ListenerStats().Recorded == 2 })
	mustTick(t, f.session)

	f.session.Clear()
	if f.session.RowCount() != 0 {
		t.Fatalf("rows after clear = %d", f.session.RowCount())
	}
	f.bus.Send(ctx, "vcan0", transport.Frame{ID: 0x3, Data: []byte{3}})
	waitFor(t, "frame after clear", func() bool { return f.session.ListenerStats().Recorded == 3 })
	mustTick(t, f.session)

	rows := f.session.Rows()
	if len(rows) != 1 || rows[0].ID != 0x3 {
		t.Fatalf("rows = %+v", rows)
	}
	if f.session.State() != model.SessionRunning {
		t.Fatalf("clear changed state to %s", f.session.State())
	}
}

func TestHeightChangeAppliesOnceOnTick(t *testing.T) {
	f := newFixture(t, testSettings("vcan0"))
	if err := f.session.SetPlotHeight(5); !errors.Is(err, model.ErrInvalidHeight) {
		t.Fatalf("expected ErrInvalidHeight, got %v", err)
	}
	if err := f.session.SetPlotHeight(150); err != nil {
		t.Fatalf("set height: %v", err)
	}
	if f.session.PlotHeight() != config.DefaultPlotHeight {
		t.Fatalf("height applied before tick")
	}
	mustTick(t, f.session)
	if f.session.PlotHeight() != 150 {
		t.Fatalf("height = %d", f.session.PlotHeight())
	}
	if f.session.pendingHeight != nil {
		t.Fatalf("pending height not consumed")
	}
}

type brokenHandle struct{}

func (brokenHandle) Receive(context.Context) (transport.Frame, error) {
	return transport.Frame{}, errors.New("bus off")
}
func (brokenHandle) Close() error { return nil }

type brokenOpener struct{}

func (brokenOpener) Open(context.Context, model.Connection) (transport.Handle, error) {
	return brokenHandle{}, nil
}

func TestTickStopsSessionAfterStreamFailure(t *testing.T) {
	s, err := New(config.DefaultConfig(), testSettings("vcan0"), Deps{Opener: brokenOpener{}})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Toggle(context.Background()); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	waitFor(t, "listener fault", func() bool { return s.ListenerState() == model.ListenerFaulted })
	report := mustTick(t, s)
	if !report.Faulted || report.State != model.SessionIdle {
		t.Fatalf("report = %+v", report)
	}
	if s.ListenerState() != model.ListenerStopped {
		t.Fatalf("listener = %s", s.ListenerState())
	}
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	_, reg := testutil.NewVirtualBus("vcan0")
	settings := testSettings("vcan0")
	settings.Capacity = 0
	if _, err := New(config.DefaultConfig(), settings, Deps{Opener: reg}); !errors.Is(err, model.ErrInvalidCapacity) {
		t.Fatalf("expected ErrInvalidCapacity, got %v", err)
	}
}

func TestPlotWindowLimitsRowSeries(t *testing.T) {
	ctx := context.Background()
	bus, reg := testutil.NewVirtualBus("vcan0")
	cfg := config.DefaultConfig()
	cfg.PlotWindow = 2
	s, err := New(cfg, testSettings("vcan0"), Deps{Opener: reg})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { s.Close(ctx) })
	if err := s.Toggle(ctx); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	for _, v := range []byte{1, 2, 3, 4} {
		bus.Send(ctx, "vcan0", transport.Frame{ID: 0x10, Data: []byte{v}})
	}
	waitFor(t, "frames", func() bool { return s.ListenerStats().Recorded == 4 })
	mustTick(t, s)

	rows := s.Rows()
	if len(rows) != 1 || !reflect.DeepEqual(rows[0].Series.Y, []float64{3, 4}) {
		t.Fatalf("rows = %+v", rows)
	}
	if snap, _ := s.Snapshot(0x10); snap.Len() != 4 {
		t.Fatalf("buffer trimmed by plot window: %+v", snap)
	}
}

func TestSliderChangesPersistOnTick(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings("vcan0"))
	if err := f.session.ApplySettings(ctx, testSettings("vcan0")); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := f.session.SetCapacity(250); err != nil {
		t.Fatalf("set capacity: %v", err)
	}
	if err := f.session.SetPlotHeight(300); err != nil {
		t.Fatalf("set height: %v", err)
	}
	stored, err := f.store.LoadSettings(ctx)
	if err != nil || stored.Capacity != config.DefaultCapacity {
		t.Fatalf("persisted before tick: %+v, %v", stored, err)
	}

	mustTick(t, f.session)
	stored, err = f.store.LoadSettings(ctx)
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if stored.Capacity != 250 || stored.PlotHeight != 300 || stored.Connection != testutil.VirtualConnection("vcan0") {
		t.Fatalf("stored settings = %+v", stored)
	}
	if f.session.unsaved {
		t.Fatalf("slider changes still marked unsaved")
	}
}
