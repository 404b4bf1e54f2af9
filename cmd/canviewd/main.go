package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/g960059/canview/internal/config"
	"github.com/g960059/canview/internal/db"
	"github.com/g960059/canview/internal/model"
	"github.com/g960059/canview/internal/session"
	"github.com/g960059/canview/internal/transport"
)

var simulatedIDs = []uint32{0x0C1, 0x1A0, 0x2F4, 0x3E8}

func main() {
	cfg := config.DefaultConfig()
	var (
		configPath string
		autostart  bool
		settings   model.Settings
		iface      string
	)
	fs := pflag.NewFlagSet("canviewd", pflag.ExitOnError)
	fs.StringVarP(&configPath, "config", "c", "", "YAML config file")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite path for settings and run history")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.DurationVar(&cfg.TickInterval, "tick", cfg.TickInterval, "reconcile cadence")
	fs.StringVar(&iface, "interface", "", "bus interface kind (socketcan, virtual)")
	fs.StringVar(&settings.Connection.Channel, "channel", "", "bus channel name")
	fs.IntVar(&settings.Connection.Bitrate, "bitrate", 0, "bus bit rate")
	fs.IntVar(&settings.Capacity, "capacity", 0, "samples kept per bus ID")
	fs.IntVar(&settings.PlotHeight, "plot-height", 0, "plot row height")
	fs.IntVar(&cfg.PlotWindow, "plot-window", cfg.PlotWindow, "newest samples shown per row, 0 for all")
	fs.BoolVar(&cfg.Simulate, "simulate", cfg.Simulate, "generate traffic on the virtual bus")
	fs.BoolVar(&autostart, "autostart", true, "start listening immediately")
	_ = fs.Parse(os.Args[1:])

	if configPath != "" {
		if err := config.LoadFile(configPath, &cfg); err != nil {
			fatal(err)
		}
		// flags given explicitly win over the file
		_ = fs.Parse(os.Args[1:])
	}
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}
	settings.Connection.Interface = model.InterfaceKind(iface)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}

	initial, err := initialSettings(ctx, store, cfg, settings)
	if err != nil {
		fatal(err)
	}

	bus := transport.NewVirtualBus()
	bus.AddChannel(initial.Connection.Channel)
	transports := transport.NewRegistry()
	transports.Register(model.InterfaceSocketCAN, transport.NewSocketCAN())
	transports.Register(model.InterfaceVirtual, bus)

	sess, err := session.New(cfg, initial, session.Deps{
		Opener: transports,
		Canvas: newLogCanvas(logger.With("component", "canvas")),
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		fatal(err)
	}
	defer sess.Close(context.Background())

	if cfg.Simulate && initial.Connection.Interface == model.InterfaceVirtual {
		go transport.Simulate(ctx, bus, initial.Connection.Channel, simulatedIDs, 10*time.Millisecond)
	}
	if autostart {
		if err := sess.Toggle(ctx); err != nil {
			logger.Error("start failed", "err", err)
		}
	}
	startRetentionLoop(ctx, store, cfg, logger)
	if err := runTickLoop(ctx, sess, cfg.TickInterval, logger); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

// initialSettings layers stored settings, then flags, over the config file.
func initialSettings(ctx context.Context, store *db.Store, cfg config.Config, flags model.Settings) (model.Settings, error) {
	settings := cfg.Settings
	stored, err := store.LoadSettings(ctx)
	switch {
	case err == nil:
		settings = stored
	case !errors.Is(err, db.ErrNotFound):
		return settings, err
	}
	if flags.Capacity != 0 {
		settings.Capacity = flags.Capacity
	}
	if flags.PlotHeight != 0 {
		settings.PlotHeight = flags.PlotHeight
	}
	if flags.Connection.Interface != "" {
		settings.Connection.Interface = flags.Connection.Interface
	}
	if flags.Connection.Channel != "" {
		settings.Connection.Channel = flags.Connection.Channel
	}
	if flags.Connection.Bitrate != 0 {
		settings.Connection.Bitrate = flags.Connection.Bitrate
	}
	return settings, nil
}

func runTickLoop(ctx context.Context, sess *session.Session, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	summaryEvery := max(int(5*time.Second/interval), 1)
	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		report, err := sess.Tick()
		if err != nil {
			// reconcile errors break the row invariants; nothing to recover
			return err
		}
		if report.Faulted {
			logger.Warn("bus stream failed; session stopped")
		}
		if n%summaryEvery == 0 {
			logger.Info("tick",
				"state", report.State,
				"rows", report.Rows,
				"received", report.Listener.Received,
				"recorded", report.Listener.Recorded,
				"malformed", report.Listener.Malformed,
			)
		}
	}
}

func startRetentionLoop(ctx context.Context, store *db.Store, cfg config.Config, logger *slog.Logger) {
	run := func() {
		n, err := store.PurgeRuns(ctx, time.Now().UTC().Add(-cfg.RunHistoryTTL))
		if err != nil {
			logger.Warn("run history purge failed", "err", err)
			return
		}
		if n > 0 {
			logger.Info("purged run history", "runs", n)
		}
	}

	run()
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "canviewd: %v\n", err)
	os.Exit(1)
}
