package floe

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// Snapshot filenames embed exactly twelve consecutive digits split 6/6:
// the first block is the timestep count, the second the inversion iteration,
// e.g. ctrl.lasagne.run001.03lev.000015000013.2d.hdf5.
var digitBlock = regexp.MustCompile(`\.(\d{6})(\d{6})\.`)

// Key identifies one snapshot file within a run: the simulation time derived
// from the filename's first digit block scaled by the deployment's typical
// timestep duration, and the iteration taken from the second block as-is.
type Key struct {
	Time      float64
	Iteration int
}

// ParseName extracts the (time, iteration) key from a snapshot filename.
// scale is the typical timestep duration multiplied onto the raw timestep
// count. Returns ErrMalformedName if the digit block is absent.
func ParseName(name string, scale float64) (Key, error) {
	m := digitBlock.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return Key{}, fmt.Errorf("floe: %s: %w", name, ErrMalformedName)
	}
	// Fixed-width matches cannot fail to parse.
	t, _ := strconv.Atoi(m[1])
	it, _ := strconv.Atoi(m[2])
	return Key{Time: float64(t) * scale, Iteration: it}, nil
}

// FormatDigits renders a (timestep count, iteration) pair as the 6+6 digit
// filename block.
func FormatDigits(timeUnits, iteration int) string {
	return fmt.Sprintf("%06d%06d", timeUnits, iteration)
}

// Entry is one snapshot file within a time group.
type Entry struct {
	Iteration int
	Path      string
}

// Grouping maps each time value to the ordered list of files sharing it.
// Times preserves first-appearance order, which is chronological given the
// fixed-width digit encoding and lexicographic input ordering.
type Grouping struct {
	Times   []float64
	Entries map[float64][]Entry
}

// GroupByTime sorts paths lexicographically and groups them by their parsed
// time key. Every input file lands in exactly one group; a single malformed
// name fails the whole call.
func GroupByTime(paths []string, scale float64) (*Grouping, error) {
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	g := &Grouping{Entries: make(map[float64][]Entry)}
	for _, p := range sorted {
		k, err := ParseName(p, scale)
		if err != nil {
			return nil, err
		}
		if _, ok := g.Entries[k.Time]; !ok {
			g.Times = append(g.Times, k.Time)
		}
		g.Entries[k.Time] = append(g.Entries[k.Time], Entry{Iteration: k.Iteration, Path: p})
	}
	return g, nil
}
