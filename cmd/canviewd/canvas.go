package main

import (
	"log/slog"

	"github.com/g960059/canview/internal/model"
	"github.com/g960059/canview/internal/plot"
)

// logCanvas stands in for a graphical renderer and reports row changes.
type logCanvas struct {
	logger *slog.Logger
}

func newLogCanvas(logger *slog.Logger) *logCanvas {
	return &logCanvas{logger: logger}
}

func (c *logCanvas) AddRow(row plot.Row) {
	c.logger.Info("row added", "id", row.Label, "samples", row.Series.Len(), "height", row.Height)
}

func (c *logCanvas) UpdateRow(row plot.Row) {
	if n := row.Series.Len(); n > 0 {
		c.logger.Debug("row updated", "id", row.Label, "samples", n, "last", row.Series.Y[n-1])
	}
}

func (c *logCanvas) RemoveRow(id model.BusID) {
	c.logger.Info("row removed", "id", id.String())
}

func (c *logCanvas) SetRowHeight(id model.BusID, height int) {
	c.logger.Debug("row resized", "id", id.String(), "height", height)
}
