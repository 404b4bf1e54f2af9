package plot

import (
	"fmt"
	"slices"
	"sync"

	"github.com/g960059/canview/internal/buffer"
	"github.com/g960059/canview/internal/model"
)

// Row is the renderable state of one bus ID.
type Row struct {
	ID     model.BusID
	Label  string
	Series buffer.Snapshot
	Height int
}

// Canvas is the renderer that mirrors row mutations. Calls are made with the
// plot state lock held and must not call back into State.
type Canvas interface {
	AddRow(row Row)
	UpdateRow(row Row)
	RemoveRow(id model.BusID)
	SetRowHeight(id model.BusID, height int)
}

type discard struct{}

func (discard) AddRow(Row)                    {}
func (discard) UpdateRow(Row)                 {}
func (discard) RemoveRow(model.BusID)         {}
func (discard) SetRowHeight(model.BusID, int) {}

// Discard is a Canvas that renders nothing.
var Discard Canvas = discard{}

type Source interface {
	Snapshot(id model.BusID, window int) (buffer.Snapshot, bool)
}

type State struct {
	mu     sync.Mutex
	canvas Canvas
	limits model.Limits
	height int
	window int
	rows   map[model.BusID]*Row
}

func NewState(height int, limits model.Limits, canvas Canvas) (*State, error) {
	if !limits.Contains(height) {
		return nil, heightError(height, limits)
	}
	if canvas == nil {
		canvas = Discard
	}
	return &State{
		canvas: canvas,
		limits: limits,
		height: height,
		rows:   make(map[model.BusID]*Row),
	}, nil
}

// Diff partitions bus IDs for one reconcile pass. The three sets are disjoint
// and sorted.
type Diff struct {
	Added    []model.BusID
	Removed  []model.BusID
	Retained []model.BusID
}

func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// ComputeDiff compares the IDs currently present against the rendered ones.
func ComputeDiff(present []model.BusID, rendered map[model.BusID]struct{}) Diff {
	var d Diff
	seen := make(map[model.BusID]struct{}, len(present))
	for _, id := range present {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := rendered[id]; ok {
			d.Retained = append(d.Retained, id)
		} else {
			d.Added = append(d.Added, id)
		}
	}
	for id := range rendered {
		if _, ok := seen[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	slices.Sort(d.Added)
	slices.Sort(d.Removed)
	slices.Sort(d.Retained)
	return d
}

// Reconcile aligns rows with ids. The diff and every snapshot are taken
// before any row is touched; an ID whose buffer vanished in between is
// treated as removed.
func (s *State) Reconcile(ids []model.BusID, src Source) (Diff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rendered := make(map[model.BusID]struct{}, len(s.rows))
	for id := range s.rows {
		rendered[id] = struct{}{}
	}
	diff := ComputeDiff(ids, rendered)

	series := make(map[model.BusID]buffer.Snapshot, len(diff.Added)+len(diff.Retained))
	var added, retained []model.BusID
	for _, id := range diff.Added {
		if snap, ok := src.Snapshot(id, s.window); ok {
			series[id] = snap
			added = append(added, id)
		}
	}
	for _, id := range diff.Retained {
		if snap, ok := src.Snapshot(id, s.window); ok {
			series[id] = snap
			retained = append(retained, id)
			continue
		}
		diff.Removed = append(diff.Removed, id)
	}
	slices.Sort(diff.Removed)
	diff.Added, diff.Retained = added, retained

	for _, id := range diff.Removed {
		s.removeLocked(id)
	}
	for _, id := range diff.Retained {
		row := s.rows[id]
		row.Series = series[id]
		s.canvas.UpdateRow(*row)
	}
	for _, id := range diff.Added {
		if err := s.addLocked(id, series[id]); err != nil {
			return diff, err
		}
	}
	return diff, nil
}

func (s *State) addLocked(id model.BusID, snap buffer.Snapshot) error {
	if _, ok := s.rows[id]; ok {
		return fmt.Errorf("add row %s: %w", id, model.ErrDuplicateID)
	}
	row := &Row{ID: id, Label: id.String(), Series: snap, Height: s.height}
	s.rows[id] = row
	s.canvas.AddRow(*row)
	return nil
}

func (s *State) removeLocked(id model.BusID) {
	if _, ok := s.rows[id]; !ok {
		return
	}
	delete(s.rows, id)
	s.canvas.RemoveRow(id)
}

// Resize applies height to every row at once and to rows added later.
func (s *State) Resize(height int) error {
	if !s.limits.Contains(height) {
		return heightError(height, s.limits)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.height = height
	for id, row := range s.rows {
		row.Height = height
		s.canvas.SetRowHeight(id, height)
	}
	return nil
}

// SetWindow bounds how many of the newest samples each row shows; 0 shows the
// whole buffer.
func (s *State) SetWindow(window int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window = max(window, 0)
}

func (s *State) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.rows {
		s.removeLocked(id)
	}
}

func (s *State) Height() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height
}

func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *State) Row(id model.BusID) (Row, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return Row{}, false
	}
	return *row, true
}

// Rows returns a copy of every row ordered by bus ID.
func (s *State) Rows() []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Row, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, *row)
	}
	slices.SortFunc(out, func(a, b Row) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func heightError(h int, limits model.Limits) error {
	return fmt.Errorf("height %d outside %d..%d: %w", h, limits.Min, limits.Max, model.ErrInvalidHeight)
}
