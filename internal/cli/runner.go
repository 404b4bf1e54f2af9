package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/g960059/canview/internal/config"
	"github.com/g960059/canview/internal/db"
	"github.com/g960059/canview/internal/model"
)

// Runner implements the canview command, which inspects the daemon's store.
type Runner struct {
	dbPath string
	out    io.Writer
	errOut io.Writer
}

func NewRunner(dbPath string, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{dbPath: dbPath, out: out, errOut: errOut}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet("canview", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SetInterspersed(false)
	fs.StringVar(&r.dbPath, "db", r.dbPath, "SQLite path")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "runs":
		return r.runRuns(ctx, rest[1:])
	case "settings":
		return r.runSettings(ctx, rest[1:])
	case "purge":
		return r.runPurge(ctx, rest[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: canview [--db path] <runs|settings|purge> [flags]")
}

func (r *Runner) openStore(ctx context.Context) (*db.Store, error) {
	store, err := db.Open(ctx, r.dbPath)
	if err != nil {
		return nil, err
	}
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

type runJSON struct {
	RunID     string     `json:"run_id"`
	Interface string     `json:"interface"`
	Channel   string     `json:"channel"`
	Bitrate   int        `json:"bitrate"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	Error     string     `json:"error,omitempty"`
	Received  uint64     `json:"frames_received"`
	Recorded  uint64     `json:"frames_recorded"`
	Malformed uint64     `json:"frames_malformed"`
}

func (r *Runner) runRuns(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet("runs", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	limit := fs.IntP("limit", "n", 20, "maximum runs to list")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	store, err := r.openStore(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	defer store.Close() //nolint:errcheck

	runs, err := store.ListRuns(ctx, *limit)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		out := make([]runJSON, 0, len(runs))
		for _, run := range runs {
			out = append(out, runJSON{
				RunID:     run.RunID,
				Interface: string(run.Connection.Interface),
				Channel:   run.Connection.Channel,
				Bitrate:   run.Connection.Bitrate,
				StartedAt: run.StartedAt,
				StoppedAt: run.StoppedAt,
				Error:     run.Error,
				Received:  run.Stats.Received,
				Recorded:  run.Stats.Recorded,
				Malformed: run.Stats.Malformed,
			})
		}
		return r.writeJSON(map[string]any{"runs": out})
	}
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RUN\tCONNECTION\tSTARTED\tSTATUS\tRECORDED\tMALFORMED")
	for _, run := range runs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n",
			shortID(run.RunID), run.Connection, run.StartedAt.Local().Format(time.DateTime), runStatus(run), run.Stats.Recorded, run.Stats.Malformed)
	}
	_ = tw.Flush()
	return 0
}

func runStatus(run model.Run) string {
	switch {
	case run.Error != "":
		return "failed: " + run.Error
	case run.StoppedAt == nil:
		return "running"
	default:
		return "stopped after " + run.StoppedAt.Sub(run.StartedAt).Round(time.Second).String()
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (r *Runner) runSettings(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet("settings", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	store, err := r.openStore(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	defer store.Close() //nolint:errcheck

	settings, err := store.LoadSettings(ctx)
	if errors.Is(err, db.ErrNotFound) {
		settings = config.DefaultConfig().Settings
		_, _ = fmt.Fprintln(r.errOut, "no applied settings stored; showing defaults")
	} else if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeJSON(map[string]any{
			"capacity":    settings.Capacity,
			"plot_height": settings.PlotHeight,
			"interface":   settings.Connection.Interface,
			"channel":     settings.Connection.Channel,
			"bitrate":     settings.Connection.Bitrate,
		})
	}
	_, _ = fmt.Fprintf(r.out, "connection:  %s\ncapacity:    %d\nplot height: %d\n", settings.Connection, settings.Capacity, settings.PlotHeight)
	return 0
}

func (r *Runner) runPurge(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet("purge", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	olderThan := fs.Duration("older-than", config.DefaultConfig().RunHistoryTTL, "delete finished runs started before now minus this")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	store, err := r.openStore(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	defer store.Close() //nolint:errcheck

	n, err := store.PurgeRuns(ctx, time.Now().UTC().Add(-*olderThan))
	if err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "purged %d runs\n", n)
	return 0
}

func (r *Runner) writeJSON(v any) int {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}
