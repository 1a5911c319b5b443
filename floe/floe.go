// Package floe batches two-dimensional fields extracted from AMR snapshot
// files into compressed, fixed-point-quantized netCDF datasets.
//
// Floe focuses on the concatenation pipeline: an unordered directory of
// per-timestep (and, for inversion runs, per-iteration) snapshot files is
// indexed by the time and iteration keys embedded in the filenames, read one
// file at a time through an amr.Snapshot handle, folded incrementally into an
// accumulator keyed by variable, and persisted as a single netCDF dataset
// over axes (time[, iteration], y, x). It does not implement the AMR file
// format itself (see package amr/chombo) or any plotting.
package floe

import "github.com/nivalis-lab/floe/amr"

// Family selects between the two snapshot-file naming families.
type Family int

const (
	// Plot files carry one instance per time and no iteration axis.
	Plot Family = iota
	// Ctrl files carry multiple inversion iterations per time.
	Ctrl
)

// String returns the family's filename prefix.
func (f Family) String() string {
	if f == Ctrl {
		return "ctrl"
	}
	return "plot"
}

// Glob returns the glob pattern matching the family's snapshot files.
func (f Family) Glob() string { return f.String() + ".*.2d.hdf5" }

// Error sentinel values for common conditions.
var (
	// ErrNotFound indicates a missing input path or directory.
	ErrNotFound = amr.ErrNotFound

	// ErrInvalidFormat indicates an unreadable snapshot container.
	ErrInvalidFormat = amr.ErrInvalidFormat

	// ErrMalformedName indicates a filename without the expected
	// 6+6 digit block.
	ErrMalformedName = errMalformedName{}

	// ErrEmptyInput indicates a glob that matched zero snapshot files.
	ErrEmptyInput = errEmptyInput{}

	// ErrWriteFailure indicates an error during final persistence. The
	// partial output artifact has already been removed when this is
	// returned.
	ErrWriteFailure = errWriteFailure{}
)

type errMalformedName struct{}

func (errMalformedName) Error() string { return "no 6+6 digit block in filename" }

type errEmptyInput struct{}

func (errEmptyInput) Error() string { return "no snapshot files matched" }

type errWriteFailure struct{}

func (errWriteFailure) Error() string { return "write failed" }
