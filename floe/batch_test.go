package floe_test

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"

	"github.com/ctessum/sparse"

	"github.com/nivalis-lab/floe/amr"
	"github.com/nivalis-lab/floe/floe"
)

// fakeWorld hands out in-memory snapshots keyed by filename and tracks how
// many native handles are open at once.
type fakeWorld struct {
	snaps   map[string]*fakeSnap
	opens   int
	open    int
	maxOpen int
}

func newFakeWorld() *fakeWorld {
	return &fakeWorld{snaps: make(map[string]*fakeSnap)}
}

func (w *fakeWorld) add(name string, time float64, fields map[string][]float64) {
	w.snaps[name] = &fakeSnap{world: w, time: time, fields: fields}
}

func (w *fakeWorld) opener(path string) (amr.Snapshot, error) {
	s, ok := w.snaps[filepath.Base(path)]
	if !ok {
		return nil, fmt.Errorf("fake: %s: %w", path, amr.ErrNotFound)
	}
	w.opens++
	w.open++
	if w.open > w.maxOpen {
		w.maxOpen = w.open
	}
	s.closed = false
	return s, nil
}

// fakeSnap serves 2x2 planes from a map of variable name to elements.
type fakeSnap struct {
	world  *fakeWorld
	time   float64
	fields map[string][]float64
	closed bool
}

func (s *fakeSnap) Time() (float64, error) { return s.time, nil }

func (s *fakeSnap) DomainCorners(level int) (amr.Box, error) {
	return amr.Box{Lo: [2]int{0, 0}, Hi: [2]int{1, 1}}, nil
}

func (s *fakeSnap) ReadVariable(name string, level, order int) (*amr.FieldSlice, error) {
	vals, ok := s.fields[name]
	if !ok {
		return nil, fmt.Errorf("fake: no component named %q", name)
	}
	data := sparse.ZerosDense(2, 2)
	copy(data.Elements, vals)
	return &amr.FieldSlice{
		Name: name,
		X:    []float64{0.5, 1.5},
		Y:    []float64{0.5, 1.5},
		Data: data,
	}, nil
}

func (s *fakeSnap) Close() error {
	if !s.closed {
		s.closed = true
		s.world.open--
	}
	return nil
}

func plane(v float64) []float64 { return []float64{v, v, v, v} }

func TestBatchPlot_SkipsDuplicateTimes(t *testing.T) {
	w := newFakeWorld()
	w.add("plot.a.000001000000.2d.hdf5", 100.0, map[string][]float64{"thickness": plane(1)})
	w.add("plot.b.000002000000.2d.hdf5", 100.03, map[string][]float64{"thickness": plane(2)})
	w.add("plot.c.000003000000.2d.hdf5", 100.2, map[string][]float64{"thickness": plane(3)})

	b := &floe.Batcher{
		Open:      w.opener,
		Variables: []string{"thickness"},
		VarTable:  floe.DefaultVarTable(),
	}
	ds, stats, err := b.BatchPlot([]string{
		"plot.a.000001000000.2d.hdf5",
		"plot.b.000002000000.2d.hdf5",
		"plot.c.000003000000.2d.hdf5",
	})
	if err != nil {
		t.Fatalf("BatchPlot failed: %v", err)
	}

	wantTimes := []float64{100.0, 100.2}
	if len(ds.Times) != 2 || ds.Times[0] != wantTimes[0] || ds.Times[1] != wantTimes[1] {
		t.Errorf("Times = %v, want %v", ds.Times, wantTimes)
	}
	if ds.Iterations != nil {
		t.Errorf("plot dataset has iteration axis: %v", ds.Iterations)
	}
	if stats.Processed != 2 {
		t.Errorf("Processed = %d, want 2", stats.Processed)
	}
	if len(stats.SkippedDuplicates) != 1 || stats.SkippedDuplicates[0] != "plot.b.000002000000.2d.hdf5" {
		t.Errorf("SkippedDuplicates = %v", stats.SkippedDuplicates)
	}

	// The surviving planes, in order.
	el := ds.Vars["thickness"].Data.Elements
	if len(el) != 8 {
		t.Fatalf("len(Elements) = %d, want 8", len(el))
	}
	if el[0] != 1 || el[4] != 3 {
		t.Errorf("plane values = %v, want first plane 1s then 3s", el)
	}
}

func TestBatchPlot_MaxTimeCut(t *testing.T) {
	w := newFakeWorld()
	w.add("plot.a.000001000000.2d.hdf5", 10, map[string][]float64{"thickness": plane(1)})
	w.add("plot.b.000002000000.2d.hdf5", 20, map[string][]float64{"thickness": plane(2)})
	w.add("plot.c.000003000000.2d.hdf5", 30, map[string][]float64{"thickness": plane(3)})

	b := &floe.Batcher{
		Open:      w.opener,
		Variables: []string{"thickness"},
		MaxTime:   20,
		VarTable:  floe.DefaultVarTable(),
	}
	ds, stats, err := b.BatchPlot([]string{
		"plot.a.000001000000.2d.hdf5",
		"plot.b.000002000000.2d.hdf5",
		"plot.c.000003000000.2d.hdf5",
	})
	if err != nil {
		t.Fatalf("BatchPlot failed: %v", err)
	}
	if len(ds.Times) != 2 || ds.Times[1] != 20 {
		t.Errorf("Times = %v, want [10 20]", ds.Times)
	}
	if len(stats.SkippedOutOfRange) != 1 {
		t.Errorf("SkippedOutOfRange = %v", stats.SkippedOutOfRange)
	}
}

func TestBatchPlot_AllSkippedIsEmptyInput(t *testing.T) {
	w := newFakeWorld()
	w.add("plot.a.000001000000.2d.hdf5", 100, map[string][]float64{"thickness": plane(1)})

	b := &floe.Batcher{
		Open:      w.opener,
		Variables: []string{"thickness"},
		MaxTime:   50,
		VarTable:  floe.DefaultVarTable(),
	}
	_, _, err := b.BatchPlot([]string{"plot.a.000001000000.2d.hdf5"})
	if !errors.Is(err, floe.ErrEmptyInput) {
		t.Errorf("error = %v, want ErrEmptyInput", err)
	}
}

func TestBatchPlot_UnitConversion(t *testing.T) {
	w := newFakeWorld()
	w.add("plot.a.000001000000.2d.hdf5", 1, map[string][]float64{"basalThicknessSource": plane(0.5)})

	b := &floe.Batcher{
		Open:      w.opener,
		Variables: []string{"basalThicknessSource"}, // m/yr -> mm/yr
		VarTable:  floe.DefaultVarTable(),
	}
	ds, _, err := b.BatchPlot([]string{"plot.a.000001000000.2d.hdf5"})
	if err != nil {
		t.Fatalf("BatchPlot failed: %v", err)
	}
	if got := ds.Vars["basalThicknessSource"].Data.Elements[0]; got != 500 {
		t.Errorf("converted value = %g, want 500", got)
	}
	if got := ds.Vars["basalThicknessSource"].Units; got != "mm/yr" {
		t.Errorf("units = %q, want mm/yr", got)
	}
}

func TestBatchCtrl_UnionIterations(t *testing.T) {
	w := newFakeWorld()
	w.add("ctrl.r.000015000001.2d.hdf5", 0, map[string][]float64{"Cwshelf": plane(11)})
	w.add("ctrl.r.000015000002.2d.hdf5", 0, map[string][]float64{"Cwshelf": plane(12)})
	w.add("ctrl.r.000020000001.2d.hdf5", 0, map[string][]float64{"Cwshelf": plane(21)})

	g, err := floe.GroupByTime([]string{
		"ctrl.r.000015000001.2d.hdf5",
		"ctrl.r.000015000002.2d.hdf5",
		"ctrl.r.000020000001.2d.hdf5",
	}, 1)
	if err != nil {
		t.Fatal(err)
	}

	b := &floe.Batcher{
		Open:      w.opener,
		Variables: []string{"Cwshelf"},
		VarTable:  floe.DefaultVarTable(),
	}
	ds, stats, err := b.BatchCtrl(g)
	if err != nil {
		t.Fatalf("BatchCtrl failed: %v", err)
	}

	if len(ds.Times) != 2 || ds.Times[0] != 15 || ds.Times[1] != 20 {
		t.Errorf("Times = %v, want [15 20]", ds.Times)
	}
	if len(ds.Iterations) != 2 || ds.Iterations[0] != 1 || ds.Iterations[1] != 2 {
		t.Errorf("Iterations = %v, want [1 2]", ds.Iterations)
	}
	if stats.Processed != 3 {
		t.Errorf("Processed = %d, want 3", stats.Processed)
	}

	// Shape (2 times, 2 iterations, 2, 2). Timestep 20 has no iteration 2,
	// so its slot is NaN-filled.
	el := ds.Vars["Cwshelf"].Data.Elements
	if len(el) != 16 {
		t.Fatalf("len(Elements) = %d, want 16", len(el))
	}
	if el[0] != 11 || el[4] != 12 || el[8] != 21 {
		t.Errorf("plane values = %v", el)
	}
	if !math.IsNaN(el[12]) {
		t.Errorf("missing iteration slot = %g, want NaN", el[12])
	}
}

func TestBatchCtrl_DuplicateIterationReadOnce(t *testing.T) {
	w := newFakeWorld()
	w.add("ctrl.a.000015000001.2d.hdf5", 0, map[string][]float64{"Cwshelf": plane(1)})
	w.add("ctrl.b.000015000001.2d.hdf5", 0, map[string][]float64{"Cwshelf": plane(2)})

	g, err := floe.GroupByTime([]string{
		"ctrl.a.000015000001.2d.hdf5",
		"ctrl.b.000015000001.2d.hdf5",
	}, 1)
	if err != nil {
		t.Fatal(err)
	}

	b := &floe.Batcher{
		Open:      w.opener,
		Variables: []string{"Cwshelf"},
		VarTable:  floe.DefaultVarTable(),
	}
	ds, _, err := b.BatchCtrl(g)
	if err != nil {
		t.Fatalf("BatchCtrl failed: %v", err)
	}
	if len(ds.Iterations) != 1 {
		t.Errorf("Iterations = %v, want one entry", ds.Iterations)
	}
	if w.opens != 1 {
		t.Errorf("opened %d snapshots, want 1", w.opens)
	}
}

func TestBatch_OneHandleAtATime(t *testing.T) {
	w := newFakeWorld()
	files := make([]string, 5)
	for i := range files {
		name := fmt.Sprintf("plot.x.%06d000000.2d.hdf5", i+1)
		w.add(name, float64(i), map[string][]float64{"thickness": plane(float64(i))})
		files[i] = name
	}

	b := &floe.Batcher{
		Open:      w.opener,
		Variables: []string{"thickness"},
		VarTable:  floe.DefaultVarTable(),
	}
	if _, _, err := b.BatchPlot(files); err != nil {
		t.Fatalf("BatchPlot failed: %v", err)
	}
	if w.maxOpen != 1 {
		t.Errorf("max concurrent open handles = %d, want 1", w.maxOpen)
	}
	if w.open != 0 {
		t.Errorf("%d handles left open", w.open)
	}
}

func TestBatchPlot_OpenErrorAborts(t *testing.T) {
	w := newFakeWorld()
	w.add("plot.a.000001000000.2d.hdf5", 1, map[string][]float64{"thickness": plane(1)})

	b := &floe.Batcher{
		Open:      w.opener,
		Variables: []string{"thickness"},
		VarTable:  floe.DefaultVarTable(),
	}
	_, _, err := b.BatchPlot([]string{
		"plot.a.000001000000.2d.hdf5",
		"plot.missing.000002000000.2d.hdf5",
	})
	if !errors.Is(err, amr.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}
