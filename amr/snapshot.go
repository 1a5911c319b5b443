// Package amr defines the contract for reading two-dimensional gridded
// fields out of adaptive mesh refinement snapshot files.
//
// A Snapshot wraps one snapshot file and owns its native resource. The
// resource is acquired lazily on the first read or metadata query and must be
// released with Close before the next snapshot is opened; the batching
// pipeline keeps at most one snapshot open at a time.
package amr

import (
	"fmt"

	"github.com/ctessum/sparse"
)

// Box is an integer grid-index bounding box at one refinement level.
// Lo and Hi are inclusive (i, j) cell indices.
type Box struct {
	Lo [2]int
	Hi [2]int
}

// Nx returns the number of cells along the x axis.
func (b Box) Nx() int { return b.Hi[0] - b.Lo[0] + 1 }

// Ny returns the number of cells along the y axis.
func (b Box) Ny() int { return b.Hi[1] - b.Lo[1] + 1 }

// Contains reports whether cell (i, j) lies within the box.
func (b Box) Contains(i, j int) bool {
	return i >= b.Lo[0] && i <= b.Hi[0] && j >= b.Lo[1] && j <= b.Hi[1]
}

// FieldSlice is one variable read from one snapshot at one refinement level.
// Data has shape (ny, nx); X and Y hold grid cell-center coordinates.
// A FieldSlice is immutable once produced.
type FieldSlice struct {
	Name string
	X    []float64
	Y    []float64
	Data *sparse.DenseArray
}

// Snapshot provides access to one AMR snapshot file.
type Snapshot interface {
	// Time returns the snapshot's embedded simulation time, rounded to
	// two decimal places.
	Time() (float64, error)

	// DomainCorners returns the (lo, hi) grid-index bounds of the given
	// refinement level. Implementations query the underlying file at most
	// once per level per open handle.
	DomainCorners(level int) (Box, error)

	// ReadVariable extracts one variable at the given refinement level.
	// order selects the interpolation used to fill cells not covered at
	// that level: 0 is piecewise constant, 1 is bilinear.
	ReadVariable(name string, level, order int) (*FieldSlice, error)

	// Close releases the native resource. It is idempotent.
	Close() error
}

// Opener opens the snapshot file at path.
type Opener func(path string) (Snapshot, error)

// Error sentinel values for common conditions.
var (
	// ErrNotFound indicates a missing snapshot path or directory.
	ErrNotFound = errNotFound{}

	// ErrInvalidFormat indicates a file that is not a readable snapshot.
	ErrInvalidFormat = errInvalidFormat{}
)

type errNotFound struct{}

func (errNotFound) Error() string { return "snapshot not found" }

type errInvalidFormat struct{}

func (errInvalidFormat) Error() string { return "not a valid snapshot file" }

// CheckOrder validates an interpolation order argument.
func CheckOrder(order int) error {
	if order != 0 && order != 1 {
		return fmt.Errorf("amr: interpolation order must be 0 or 1, got %d", order)
	}
	return nil
}
