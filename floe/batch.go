package floe

import (
	"fmt"
	"math"
	"path/filepath"

	"github.com/ctessum/sparse"
	"gonum.org/v1/gonum/floats/scalar"

	"github.com/nivalis-lab/floe/amr"
)

// DupTimeTolerance is the absolute tolerance within which two plot-file
// times are considered the same timestep. Restarted simulations can rewrite
// a timestep with a slightly jittered time (200.0000 vs 200.0001); the
// second write is a duplicate and is skipped. Ctrl files derive exact times
// from filenames and never need the tolerance.
const DupTimeTolerance = 0.05

// Batcher reads snapshots one at a time and folds them into a Dataset.
// Snapshots are opened, read, and closed strictly sequentially: at most one
// native handle is open at any moment.
type Batcher struct {
	Open      amr.Opener
	Variables []string
	Level     int
	Order     int
	// MaxTime discards inputs beyond it; zero disables the cut.
	MaxTime  float64
	VarTable VarTable
}

// Stats records what a batch run did, for the run manifest.
type Stats struct {
	Processed         int
	SkippedDuplicates []string
	SkippedOutOfRange []string
}

// BatchPlot concatenates plot files along a new time axis, in the given
// (filename-sorted) order. Files whose embedded time falls within
// DupTimeTolerance of the last accepted time are skipped with a diagnostic;
// this makes the pass inherently sequential and order-sensitive.
func (b *Batcher) BatchPlot(files []string) (*Dataset, *Stats, error) {
	acc := b.newAccumulator(false)
	stats := &Stats{}

	var last float64
	accepted := false
	for i, f := range files {
		logger.Info().Msgf("(%d/%d) %s", i+1, len(files), filepath.Base(f))
		slices, t, err := b.readSnapshot(f, true)
		if err != nil {
			return nil, nil, err
		}
		if b.MaxTime > 0 && t > b.MaxTime {
			logger.Debug().Float64("time", t).Float64("max", b.MaxTime).
				Msgf("skipping %s: beyond time range", filepath.Base(f))
			stats.SkippedOutOfRange = append(stats.SkippedOutOfRange, filepath.Base(f))
			continue
		}
		if accepted && scalar.EqualWithinAbs(t, last, DupTimeTolerance) {
			logger.Warn().Float64("time", t).
				Msgf("a time close to %g already exists in dataset, skipping %s", t, filepath.Base(f))
			stats.SkippedDuplicates = append(stats.SkippedDuplicates, filepath.Base(f))
			continue
		}
		if err := acc.foldPlot(slices, t); err != nil {
			return nil, nil, fmt.Errorf("floe: folding %s: %w", f, err)
		}
		last = t
		accepted = true
		stats.Processed++
	}
	if stats.Processed == 0 {
		return nil, nil, fmt.Errorf("floe: %w", ErrEmptyInput)
	}
	ds, err := acc.finalize()
	if err != nil {
		return nil, nil, err
	}
	return ds, stats, nil
}

// BatchCtrl concatenates each time group's iterations along a new iteration
// axis and the groups along a new time axis, in grouping order. Groups are
// keyed by exact time equality, so no tolerance dedup applies.
func (b *Batcher) BatchCtrl(g *Grouping) (*Dataset, *Stats, error) {
	acc := b.newAccumulator(true)
	stats := &Stats{}

	for _, t := range g.Times {
		entries := g.Entries[t]
		if b.MaxTime > 0 && t > b.MaxTime {
			logger.Debug().Float64("time", t).Float64("max", b.MaxTime).
				Msg("skipping timestep: beyond time range")
			for _, e := range entries {
				stats.SkippedOutOfRange = append(stats.SkippedOutOfRange, filepath.Base(e.Path))
			}
			continue
		}
		logger.Info().Msgf("processing timestep %g with %d iterations", t, len(entries))
		iters, slices, err := b.batchIterations(entries)
		if err != nil {
			return nil, nil, err
		}
		if err := acc.foldIterations(slices, t, iters); err != nil {
			return nil, nil, fmt.Errorf("floe: folding timestep %g: %w", t, err)
		}
		stats.Processed += len(iters)
	}
	if stats.Processed == 0 {
		return nil, nil, fmt.Errorf("floe: %w", ErrEmptyInput)
	}
	ds, err := acc.finalize()
	if err != nil {
		return nil, nil, err
	}
	return ds, stats, nil
}

// batchIterations reads one time group, one snapshot at a time, returning
// the iteration coordinates in input order and, per variable, one slice per
// iteration. Repeated iteration indices are read once.
func (b *Batcher) batchIterations(entries []Entry) ([]int, [][]*amr.FieldSlice, error) {
	if len(entries) == 0 {
		return nil, nil, fmt.Errorf("floe: empty iteration group")
	}
	seen := make(map[int]bool, len(entries))
	var iters []int
	var perIter [][]*amr.FieldSlice
	for _, e := range entries {
		if seen[e.Iteration] {
			logger.Warn().Int("iteration", e.Iteration).
				Msgf("duplicate iteration, skipping %s", filepath.Base(e.Path))
			continue
		}
		seen[e.Iteration] = true
		logger.Info().Msgf("  processing iteration %d: %s", e.Iteration, filepath.Base(e.Path))
		slices, _, err := b.readSnapshot(e.Path, false)
		if err != nil {
			return nil, nil, err
		}
		iters = append(iters, e.Iteration)
		perIter = append(perIter, slices)
	}
	return iters, perIter, nil
}

// readSnapshot opens one snapshot, reads every requested variable (and the
// embedded time when asked), and closes the handle before returning, so the
// native resource is held for one file at a time. Unit conversions from the
// variable table are applied here.
func (b *Batcher) readSnapshot(path string, withTime bool) ([]*amr.FieldSlice, float64, error) {
	snap, err := b.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = snap.Close() }()

	var t float64
	if withTime {
		if t, err = snap.Time(); err != nil {
			return nil, 0, fmt.Errorf("floe: querying time of %s: %w", path, err)
		}
	}
	slices := make([]*amr.FieldSlice, 0, len(b.Variables))
	for _, v := range b.Variables {
		fs, err := snap.ReadVariable(v, b.Level, b.Order)
		if err != nil {
			return nil, 0, fmt.Errorf("floe: reading %s from %s: %w", v, path, err)
		}
		if conv := b.VarTable.Lookup(v).Conversion; conv != 1 {
			fs = &amr.FieldSlice{Name: fs.Name, X: fs.X, Y: fs.Y, Data: fs.Data.ScaleCopy(conv)}
		}
		slices = append(slices, fs)
	}
	return slices, t, nil
}

// accumulator threads the batch state through a single forward pass: each
// input file's planes are appended and the source discarded immediately, so
// memory holds the accumulated output plus one file, never the full input
// set.
type accumulator struct {
	vars    []*accVar
	hasIter bool
	x, y    []float64
	times   []float64
	// per-time iteration coordinates (ctrl only)
	iters [][]int
}

type accVar struct {
	raw      string
	name     string
	units    string
	longName string
	// planes holds, per accepted time, the (y, x) planes of each
	// iteration (a single plane for the plot family).
	planes [][][]float64
}

func (b *Batcher) newAccumulator(hasIter bool) *accumulator {
	a := &accumulator{hasIter: hasIter}
	for _, v := range b.Variables {
		spec := b.VarTable.Lookup(v)
		a.vars = append(a.vars, &accVar{
			raw:      v,
			name:     SanitizeName(v),
			units:    spec.Units,
			longName: spec.LongName,
		})
	}
	return a
}

// foldPlot appends one plot timestep: one FieldSlice per variable.
func (a *accumulator) foldPlot(slices []*amr.FieldSlice, t float64) error {
	return a.foldIterations([][]*amr.FieldSlice{slices}, t, nil)
}

// foldIterations appends one timestep's iterations: per iteration, one
// FieldSlice per variable.
func (a *accumulator) foldIterations(perIter [][]*amr.FieldSlice, t float64, iters []int) error {
	for v, av := range a.vars {
		var planes [][]float64
		for _, slices := range perIter {
			fs := slices[v]
			if err := a.checkGeometry(fs); err != nil {
				return err
			}
			planes = append(planes, fs.Data.Elements)
		}
		av.planes = append(av.planes, planes)
	}
	a.times = append(a.times, t)
	if a.hasIter {
		a.iters = append(a.iters, iters)
	}
	return nil
}

// checkGeometry records the grid on first fold and rejects later slices
// whose shape differs.
func (a *accumulator) checkGeometry(fs *amr.FieldSlice) error {
	if a.x == nil {
		a.x = fs.X
		a.y = fs.Y
		return nil
	}
	if len(fs.X) != len(a.x) || len(fs.Y) != len(a.y) {
		return fmt.Errorf("grid mismatch: got %dx%d, want %dx%d",
			len(fs.Y), len(fs.X), len(a.y), len(a.x))
	}
	return nil
}

// finalize assembles the accumulated planes into the output Dataset. For
// ctrl datasets the iteration coordinate is the first-seen-order union of
// the per-time iteration lists; timesteps missing an iteration are filled
// with NaN (stored as the fill sentinel).
func (a *accumulator) finalize() (*Dataset, error) {
	if len(a.times) == 0 {
		return nil, fmt.Errorf("floe: %w", ErrEmptyInput)
	}
	nx, ny, nt := len(a.x), len(a.y), len(a.times)

	ds := &Dataset{
		Times: a.times,
		X:     a.x,
		Y:     a.y,
		Vars:  make(map[string]*Variable, len(a.vars)),
	}

	var unionIters []int
	iterIdx := make(map[int]int)
	if a.hasIter {
		for _, group := range a.iters {
			for _, it := range group {
				if _, ok := iterIdx[it]; !ok {
					iterIdx[it] = len(unionIters)
					unionIters = append(unionIters, it)
				}
			}
		}
		ds.Iterations = unionIters
	}

	for _, av := range a.vars {
		var data *sparse.DenseArray
		if a.hasIter {
			ni := len(unionIters)
			data = sparse.ZerosDense(nt, ni, ny, nx)
			for i := range data.Elements {
				data.Elements[i] = math.NaN()
			}
			planeLen := ny * nx
			for ti, planes := range av.planes {
				for pi, plane := range planes {
					off := (ti*len(unionIters) + iterIdx[a.iters[ti][pi]]) * planeLen
					copy(data.Elements[off:off+planeLen], plane)
				}
			}
		} else {
			data = sparse.ZerosDense(nt, ny, nx)
			planeLen := ny * nx
			for ti, planes := range av.planes {
				copy(data.Elements[ti*planeLen:(ti+1)*planeLen], planes[0])
			}
		}
		ds.Names = append(ds.Names, av.name)
		ds.Vars[av.name] = &Variable{
			Name:     av.name,
			RawName:  av.raw,
			Units:    av.units,
			LongName: av.longName,
			Data:     data,
		}
	}
	return ds, nil
}
