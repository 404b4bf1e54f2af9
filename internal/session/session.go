package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/canview/internal/buffer"
	"github.com/g960059/canview/internal/config"
	"github.com/g960059/canview/internal/listener"
	"github.com/g960059/canview/internal/model"
	"github.com/g960059/canview/internal/plot"
)

// Store persists applied settings and run history. A nil Store disables both.
type Store interface {
	SaveSettings(ctx context.Context, settings model.Settings) error
	InsertRun(ctx context.Context, run model.Run) error
	FinishRun(ctx context.Context, runID string, stoppedAt time.Time, stats model.ListenerStats) error
}

type Deps struct {
	Opener listener.Opener
	Canvas plot.Canvas
	Store  Store
	Logger *slog.Logger
	Now    func() time.Time
}

// TickReport summarizes one reconcile pass.
type TickReport struct {
	Added    int
	Removed  int
	Rows     int
	State    model.SessionState
	Listener model.ListenerStats
	// Faulted is set when the stream failed since the previous tick and the
	// session fell back to idle.
	Faulted bool
}

// Session owns the buffers, the listener and the plot rows of one viewer and
// keeps them consistent across ticks.
type Session struct {
	cfg      config.Config
	opener   listener.Opener
	registry *buffer.Registry
	listener *listener.Listener
	plots    *plot.State
	store    Store
	logger   *slog.Logger
	now      func() time.Time

	mu              sync.Mutex
	state           model.SessionState
	settings        model.Settings
	pendingCapacity *int
	pendingHeight   *int
	// unsaved marks slider changes not yet written to the store.
	unsaved bool
	runID   string
}

func New(cfg config.Config, settings model.Settings, deps Deps) (*Session, error) {
	if deps.Opener == nil {
		return nil, fmt.Errorf("session requires a transport opener: %w", model.ErrInvalidSettings)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	s := &Session{
		cfg:    cfg,
		opener: deps.Opener,
		store:  deps.Store,
		logger: logger,
		now:    now,
		state:  model.SessionIdle,
	}
	if err := s.validate(settings); err != nil {
		return nil, err
	}
	registry, err := buffer.NewRegistry(settings.Capacity, cfg.Capacity)
	if err != nil {
		return nil, err
	}
	plots, err := plot.NewState(settings.PlotHeight, cfg.PlotHeight, deps.Canvas)
	if err != nil {
		return nil, err
	}
	plots.SetWindow(cfg.PlotWindow)
	s.registry = registry
	s.plots = plots
	s.listener = listener.New(deps.Opener, registry, cfg.MailboxSize, logger.With("component", "listener"))
	s.settings = settings
	return s, nil
}

func (s *Session) validate(settings model.Settings) error {
	if err := s.checkCapacity(settings.Capacity); err != nil {
		return err
	}
	if err := s.checkHeight(settings.PlotHeight); err != nil {
		return err
	}
	return s.checkConnection(settings.Connection)
}

func (s *Session) checkCapacity(n int) error {
	if !s.cfg.Capacity.Contains(n) {
		return fmt.Errorf("capacity %d outside %d..%d: %w", n, s.cfg.Capacity.Min, s.cfg.Capacity.Max, model.ErrInvalidCapacity)
	}
	return nil
}

func (s *Session) checkHeight(h int) error {
	if !s.cfg.PlotHeight.Contains(h) {
		return fmt.Errorf("plot height %d outside %d..%d: %w", h, s.cfg.PlotHeight.Min, s.cfg.PlotHeight.Max, model.ErrInvalidHeight)
	}
	return nil
}

func (s *Session) checkConnection(conn model.Connection) error {
	switch {
	case strings.TrimSpace(string(conn.Interface)) == "":
		return fmt.Errorf("interface is empty: %w", model.ErrInvalidSettings)
	case strings.TrimSpace(conn.Channel) == "":
		return fmt.Errorf("channel is empty: %w", model.ErrInvalidSettings)
	case conn.Bitrate <= 0:
		return fmt.Errorf("bitrate %d: %w", conn.Bitrate, model.ErrInvalidSettings)
	}
	if kinds, ok := s.opener.(interface {
		Supports(model.InterfaceKind) bool
	}); ok && !kinds.Supports(conn.Interface) {
		return fmt.Errorf("interface %q unknown: %w", conn.Interface, model.ErrInvalidSettings)
	}
	return nil
}

// ApplySettings validates settings and stages them for the next start. It is
// rejected while running so a live listener is never half reconfigured.
func (s *Session) ApplySettings(ctx context.Context, settings model.Settings) error {
	if err := s.validate(settings); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == model.SessionRunning {
		return model.ErrSessionRunning
	}
	if s.store != nil {
		if err := s.store.SaveSettings(ctx, settings); err != nil {
			return fmt.Errorf("persist settings: %w", err)
		}
	}
	s.stageCapacityLocked(settings.Capacity)
	s.stageHeightLocked(settings.PlotHeight)
	s.settings = settings
	s.unsaved = false
	s.state = model.SessionArmed
	s.logger.Info("settings applied", "connection", settings.Connection.String(), "capacity", settings.Capacity, "plot_height", settings.PlotHeight)
	return nil
}

// SetCapacity stages a buffer capacity for the next tick, which also persists
// it. Allowed in any state.
func (s *Session) SetCapacity(n int) error {
	if err := s.checkCapacity(n); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stageCapacityLocked(n)
	s.settings.Capacity = n
	s.unsaved = true
	return nil
}

// SetPlotHeight stages a row height for the next tick, which also persists it.
// Allowed in any state.
func (s *Session) SetPlotHeight(h int) error {
	if err := s.checkHeight(h); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stageHeightLocked(h)
	s.settings.PlotHeight = h
	s.unsaved = true
	return nil
}

func (s *Session) stageCapacityLocked(n int) {
	if n == s.registry.Capacity() {
		s.pendingCapacity = nil
		return
	}
	s.pendingCapacity = &n
}

func (s *Session) stageHeightLocked(h int) {
	if h == s.plots.Height() {
		s.pendingHeight = nil
		return
	}
	s.pendingHeight = &h
}

// Toggle starts the listener when idle or armed and stops it when running.
// Stopping keeps buffers and rows; only Clear drops them.
func (s *Session) Toggle(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == model.SessionRunning {
		s.stopLocked(ctx, "")
		return nil
	}
	return s.startLocked(ctx)
}

func (s *Session) startLocked(ctx context.Context) error {
	conn := s.settings.Connection
	runID := uuid.NewString()
	startedAt := s.now().UTC()
	if err := s.listener.Start(ctx, conn); err != nil {
		// leave no faulted listener behind
		s.listener.Stop()
		s.state = model.SessionIdle
		s.recordRun(ctx, model.Run{RunID: runID, Connection: conn, StartedAt: startedAt, StoppedAt: &startedAt, Error: err.Error()})
		return err
	}
	s.state = model.SessionRunning
	s.runID = runID
	s.recordRun(ctx, model.Run{RunID: runID, Connection: conn, StartedAt: startedAt})
	s.logger.Info("session started", "run_id", runID, "connection", conn.String())
	return nil
}

func (s *Session) stopLocked(ctx context.Context, reason string) {
	s.listener.Stop()
	stats := s.listener.Stats()
	if s.store != nil && s.runID != "" {
		if err := s.store.FinishRun(ctx, s.runID, s.now().UTC(), stats); err != nil {
			s.logger.Warn("finish run", "run_id", s.runID, "err", err)
		}
	}
	s.logger.Info("session stopped", "run_id", s.runID, "reason", reason, "recorded", stats.Recorded, "malformed", stats.Malformed)
	s.runID = ""
	s.state = model.SessionIdle
}

func (s *Session) recordRun(ctx context.Context, run model.Run) {
	if s.store == nil {
		return
	}
	if err := s.store.InsertRun(ctx, run); err != nil {
		s.logger.Warn("record run", "run_id", run.RunID, "err", err)
	}
}

// Clear drops every buffer and row. While running, later frames repopulate
// both on the next tick.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry.Clear()
	s.plots.Clear()
}

// Tick applies staged capacity and height once, then reconciles rows with the
// buffered IDs.
func (s *Session) Tick() (TickReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report TickReport
	if s.state == model.SessionRunning && s.listener.State() == model.ListenerFaulted {
		s.stopLocked(context.Background(), "stream failed")
		report.Faulted = true
	}
	if s.pendingCapacity != nil {
		if err := s.registry.BroadcastCapacity(*s.pendingCapacity); err != nil {
			return report, fmt.Errorf("apply capacity: %w", err)
		}
		s.pendingCapacity = nil
	}
	if s.pendingHeight != nil {
		if err := s.plots.Resize(*s.pendingHeight); err != nil {
			return report, fmt.Errorf("apply plot height: %w", err)
		}
		s.pendingHeight = nil
	}
	if s.unsaved {
		s.saveSlidersLocked()
	}

	diff, err := s.plots.Reconcile(s.registry.IDs(), s.registry)
	if err != nil {
		return report, fmt.Errorf("reconcile plots: %w", err)
	}
	report.Added = len(diff.Added)
	report.Removed = len(diff.Removed)
	report.Rows = s.plots.Len()
	report.State = s.state
	report.Listener = s.listener.Stats()
	return report, nil
}

// saveSlidersLocked persists capacity and height set since the last apply. A
// store failure is logged and retried on the next tick.
func (s *Session) saveSlidersLocked() {
	if s.store == nil {
		s.unsaved = false
		return
	}
	if err := s.store.SaveSettings(context.Background(), s.settings); err != nil {
		s.logger.Warn("persist settings", "err", err)
		return
	}
	s.unsaved = false
}

// Close stops a running session. The session stays usable.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == model.SessionRunning {
		s.stopLocked(ctx, "shutdown")
	}
}

func (s *Session) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Settings returns the staged settings, which may be ahead of Capacity and
// PlotHeight until the next tick.
func (s *Session) Settings() model.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

func (s *Session) Capacity() int {
	return s.registry.Capacity()
}

func (s *Session) PlotHeight() int {
	return s.plots.Height()
}

func (s *Session) Snapshot(id model.BusID) (buffer.Snapshot, bool) {
	return s.registry.Snapshot(id, 0)
}

func (s *Session) Rows() []plot.Row {
	return s.plots.Rows()
}

func (s *Session) RowCount() int {
	return s.plots.Len()
}

func (s *Session) ListenerState() model.ListenerState {
	return s.listener.State()
}

func (s *Session) ListenerStats() model.ListenerStats {
	return s.listener.Stats()
}

// RunID identifies the current run; empty unless running.
func (s *Session) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}
