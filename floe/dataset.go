package floe

import (
	"strings"

	"github.com/ctessum/sparse"
)

// Variable is one batched output variable over axes (time[, iteration], y, x).
type Variable struct {
	// Name is the output variable name, sanitized for the container.
	Name string
	// RawName is the name used against the snapshot reader, which may
	// contain characters illegal in container variable names.
	RawName  string
	Units    string
	LongName string
	Data     *sparse.DenseArray
}

// Dataset is the assembled output structure handed to the writer. It is
// built incrementally by the batchers, finalized once, and discarded after
// persistence.
type Dataset struct {
	Times []float64
	// Iterations is nil for the plot family.
	Iterations []int
	X          []float64
	Y          []float64
	// Names holds the sanitized variable names in input order.
	Names []string
	Vars  map[string]*Variable
}

// SanitizeName strips characters that are illegal in container variable
// names (dThickness/dt must be written as dThicknessdt).
func SanitizeName(raw string) string {
	return strings.ReplaceAll(raw, "/", "")
}
