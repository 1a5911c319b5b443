package floe

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/ctessum/cdf"
)

// WriteDataset persists ds as a classic netCDF file at path, applying the
// per-variable encoding plans: values are stored as fixed-point int16/int32
// with scale_factor and _FillValue attributes, written slab-wise along the
// time axis in chunks sized by the plan (the explicit rechunking step — the
// in-memory layout from incremental concatenation is one plane per input
// file).
//
// The file is assembled under a temporary name and renamed into place on
// success, so a failure or cancellation partway through never leaves a
// partial artifact at path: a later idempotent re-run that short-circuits on
// an existing output can trust what it finds.
func WriteDataset(ctx context.Context, ds *Dataset, plans map[string]Encoding, path string) error {
	h, err := buildHeader(ds, plans)
	if err != nil {
		return fmt.Errorf("floe: %s: %v: %w", path, err, ErrWriteFailure)
	}

	tmp := path + ".tmp"
	ff, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("floe: creating %s: %v: %w", tmp, err, ErrWriteFailure)
	}
	if err := writeBody(ctx, ff, h, ds, plans); err != nil {
		_ = ff.Close()
		_ = os.Remove(tmp)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("floe: writing %s: %v: %w", path, err, ErrWriteFailure)
	}
	if err := ff.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("floe: closing %s: %v: %w", tmp, err, ErrWriteFailure)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("floe: renaming %s: %v: %w", tmp, err, ErrWriteFailure)
	}
	return nil
}

func buildHeader(ds *Dataset, plans map[string]Encoding) (*cdf.Header, error) {
	dims := []string{"time", "y", "x"}
	lengths := []int{len(ds.Times), len(ds.Y), len(ds.X)}
	if ds.Iterations != nil {
		dims = []string{"time", "iteration", "y", "x"}
		lengths = []int{len(ds.Times), len(ds.Iterations), len(ds.Y), len(ds.X)}
	}
	h := cdf.NewHeader(dims, lengths)

	h.AddVariable("time", []string{"time"}, []float64{0})
	if ds.Iterations != nil {
		h.AddVariable("iteration", []string{"iteration"}, []int32{0})
	}
	h.AddVariable("y", []string{"y"}, []float64{0})
	h.AddVariable("x", []string{"x"}, []float64{0})

	for _, name := range ds.Names {
		v := ds.Vars[name]
		plan, ok := plans[name]
		if !ok {
			return nil, fmt.Errorf("no encoding plan for variable %s", name)
		}
		switch plan.Dtype {
		case "int16":
			h.AddVariable(name, dims, []int16{0})
			h.AddAttribute(name, "_FillValue", []int16{int16(plan.FillValue)})
		case "int32":
			h.AddVariable(name, dims, []int32{0})
			h.AddAttribute(name, "_FillValue", []int32{plan.FillValue})
		default:
			return nil, fmt.Errorf("variable %s: unsupported dtype %q", name, plan.Dtype)
		}
		h.AddAttribute(name, "scale_factor", []float64{plan.ScaleFactor})
		if v.Units != "" {
			h.AddAttribute(name, "units", v.Units)
		}
		if v.LongName != "" {
			h.AddAttribute(name, "long_name", v.LongName)
		}
	}

	h.Define()
	if errs := h.Check(); len(errs) > 0 {
		return nil, errs[0]
	}
	return h, nil
}

func writeBody(ctx context.Context, ff *os.File, h *cdf.Header, ds *Dataset, plans map[string]Encoding) error {
	f, err := cdf.Create(ff, h)
	if err != nil {
		return err
	}

	if err := writeAll(f, "time", ds.Times); err != nil {
		return err
	}
	if ds.Iterations != nil {
		iters := make([]int32, len(ds.Iterations))
		for i, it := range ds.Iterations {
			iters[i] = int32(it)
		}
		if err := writeAll(f, "iteration", iters); err != nil {
			return err
		}
	}
	if err := writeAll(f, "y", ds.Y); err != nil {
		return err
	}
	if err := writeAll(f, "x", ds.X); err != nil {
		return err
	}

	for _, name := range ds.Names {
		if err := writeVariable(ctx, f, ds, ds.Vars[name], plans[name]); err != nil {
			return err
		}
	}
	return nil
}

func writeAll[T any](f *cdf.File, name string, vals []T) error {
	w := f.Writer(name, []int{0}, []int{len(vals)})
	if _, err := w.Write(vals); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// writeVariable quantizes and writes one variable in slabs of the plan's
// time-chunk size, checking for cancellation between slabs.
func writeVariable(ctx context.Context, f *cdf.File, ds *Dataset, v *Variable, plan Encoding) error {
	nt := len(ds.Times)
	sliceLen := len(ds.Y) * len(ds.X)
	if ds.Iterations != nil {
		sliceLen *= len(ds.Iterations)
	}
	chunkT := plan.ChunkSizes[0]
	if chunkT < 1 {
		chunkT = 1
	}

	for t0 := 0; t0 < nt; t0 += chunkT {
		if err := ctx.Err(); err != nil {
			return err
		}
		t1 := t0 + chunkT
		if t1 > nt {
			t1 = nt
		}
		begin := []int{t0, 0, 0}
		end := []int{t1, len(ds.Y), len(ds.X)}
		if ds.Iterations != nil {
			begin = []int{t0, 0, 0, 0}
			end = []int{t1, len(ds.Iterations), len(ds.Y), len(ds.X)}
		}
		vals := v.Data.Elements[t0*sliceLen : t1*sliceLen]
		w := f.Writer(v.Name, begin, end)
		var err error
		if plan.Dtype == "int16" {
			_, err = w.Write(quantize16(vals, plan.ScaleFactor, int16(plan.FillValue)))
		} else {
			_, err = w.Write(quantize32(vals, plan.ScaleFactor, plan.FillValue))
		}
		if err != nil {
			return fmt.Errorf("writing %s: %w", v.Name, err)
		}
	}
	return nil
}

func quantize16(vals []float64, scale float64, fill int16) []int16 {
	out := make([]int16, len(vals))
	for i, v := range vals {
		if math.IsNaN(v) {
			out[i] = fill
			continue
		}
		q := math.Round(v / scale)
		switch {
		case q > math.MaxInt16:
			out[i] = math.MaxInt16
		case q < math.MinInt16:
			out[i] = math.MinInt16
		default:
			out[i] = int16(q)
		}
	}
	return out
}

func quantize32(vals []float64, scale float64, fill int32) []int32 {
	out := make([]int32, len(vals))
	for i, v := range vals {
		if math.IsNaN(v) {
			out[i] = fill
			continue
		}
		q := math.Round(v / scale)
		switch {
		case q > math.MaxInt32:
			out[i] = math.MaxInt32
		case q < math.MinInt32:
			out[i] = math.MinInt32
		default:
			out[i] = int32(q)
		}
	}
	return out
}
