// Package chombo implements amr.Snapshot for Chombo-format AMR HDF5 files,
// the output format written by BISICLES and other Chombo-based solvers.
//
// A Chombo file stores one group per refinement level (level_0, level_1, …).
// Each level group carries the grid spacing, the level's problem domain, a
// `boxes` dataset listing the rectangular patches present at that level, and
// a flat `data:datatype=0` dataset holding the cell values of every component
// for every box. Reading a variable at level L starts from the level-0 plane
// and successively refines it, overlaying the boxes actually present at each
// finer level, so cells uncovered at L are filled from coarser data.
package chombo

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/ctessum/sparse"
	"github.com/robert-malhotra/go-hdf5/hdf5"
	"gonum.org/v1/gonum/floats"

	"github.com/nivalis-lab/floe/amr"
)

// File is an amr.Snapshot backed by a Chombo HDF5 file. The native HDF5
// handle is opened lazily on the first read or metadata query and released by
// Close. Domain corners are cached per level for the lifetime of the handle.
type File struct {
	path      string
	f         *hdf5.File
	corners   map[int]amr.Box
	comps     map[string]int
	numLevels int
}

// Open prepares a snapshot handle for the file at path. The path must exist
// and carry the .hdf5 extension; the file contents are not touched until the
// first read.
func Open(path string) (*File, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("chombo: %s: %w", path, amr.ErrNotFound)
		}
		return nil, fmt.Errorf("chombo: stat %s: %w", path, err)
	}
	if !strings.HasSuffix(path, ".hdf5") {
		return nil, fmt.Errorf("chombo: %s: expected .hdf5 extension: %w", path, amr.ErrInvalidFormat)
	}
	return &File{path: path, corners: make(map[int]amr.Box)}, nil
}

// Opener adapts Open to the amr.Opener signature.
func Opener(path string) (amr.Snapshot, error) { return Open(path) }

// Path returns the snapshot's filesystem path.
func (f *File) Path() string { return f.path }

// Close releases the native HDF5 handle. Safe to call multiple times.
func (f *File) Close() error {
	if f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	return err
}

// native opens the underlying HDF5 file on first use and loads the
// component name table.
func (f *File) native() (*hdf5.File, error) {
	if f.f != nil {
		return f.f, nil
	}
	// The path was stat'ed at Open, so a failure here means the contents
	// could not be parsed as HDF5, not that the file is missing.
	h, err := hdf5.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("chombo: %s: %v: %w", f.path, err, amr.ErrInvalidFormat)
	}
	f.f = h

	n, err := f.attrInt("/@num_levels")
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("chombo: %s: missing num_levels: %w", f.path, amr.ErrInvalidFormat)
	}
	f.numLevels = n

	nc, err := f.attrInt("/@num_components")
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("chombo: %s: missing num_components: %w", f.path, amr.ErrInvalidFormat)
	}
	f.comps = make(map[string]int, nc)
	for c := 0; c < nc; c++ {
		name, err := f.attrString(fmt.Sprintf("/@component_%d", c))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("chombo: %s: reading component_%d: %w", f.path, c, err)
		}
		f.comps[name] = c
	}
	return f.f, nil
}

// Time returns the simulation time embedded in the snapshot, rounded to two
// decimal places.
func (f *File) Time() (float64, error) {
	if _, err := f.native(); err != nil {
		return 0, err
	}
	t, err := f.attrFloat("/level_0@time")
	if err != nil {
		return 0, fmt.Errorf("chombo: %s: reading time: %w", f.path, err)
	}
	return math.Round(t*100) / 100, nil
}

// DomainCorners returns the problem-domain bounds of a refinement level,
// querying the file at most once per level per open handle.
func (f *File) DomainCorners(level int) (amr.Box, error) {
	if b, ok := f.corners[level]; ok {
		return b, nil
	}
	if _, err := f.native(); err != nil {
		return amr.Box{}, err
	}
	if level < 0 || level >= f.numLevels {
		return amr.Box{}, fmt.Errorf("chombo: %s: level %d not present (file has %d levels)",
			f.path, level, f.numLevels)
	}
	b, err := f.attrBox(fmt.Sprintf("/level_%d@prob_domain", level))
	if err != nil {
		return amr.Box{}, fmt.Errorf("chombo: %s: reading level %d domain: %w", f.path, level, err)
	}
	f.corners[level] = b
	return b, nil
}

// ReadVariable extracts one component at the requested refinement level.
func (f *File) ReadVariable(name string, level, order int) (*amr.FieldSlice, error) {
	if err := amr.CheckOrder(order); err != nil {
		return nil, err
	}
	if _, err := f.native(); err != nil {
		return nil, err
	}
	comp, ok := f.comps[name]
	if !ok {
		return nil, fmt.Errorf("chombo: %s: no component named %q", f.path, name)
	}
	if level < 0 || level >= f.numLevels {
		return nil, fmt.Errorf("chombo: %s: level %d not present (file has %d levels)",
			f.path, level, f.numLevels)
	}

	// Level 0 covers the whole coarse domain; refine the plane level by
	// level, overlaying the patches present at each one.
	p, err := f.readLevelPlane(0, comp, nil)
	if err != nil {
		return nil, err
	}
	for l := 1; l <= level; l++ {
		ratio, err := f.attrInt(fmt.Sprintf("/level_%d@ref_ratio", l-1))
		if err != nil {
			return nil, fmt.Errorf("chombo: %s: reading level %d ref_ratio: %w", f.path, l-1, err)
		}
		fineBox, err := f.DomainCorners(l)
		if err != nil {
			return nil, err
		}
		p = refinePlane(p, ratio, fineBox, order)
		if p, err = f.readLevelPlane(l, comp, p); err != nil {
			return nil, err
		}
	}

	nx, ny := p.box.Nx(), p.box.Ny()
	field := sparse.ZerosDense(ny, nx)
	copy(field.Elements, p.data)
	return &amr.FieldSlice{
		Name: name,
		X:    cellCenters(p.box.Lo[0], nx, p.dx),
		Y:    cellCenters(p.box.Lo[1], ny, p.dx),
		Data: field,
	}, nil
}

// plane is a dense domain-spanning grid at one refinement level, row-major
// with j (y) as the slow axis.
type plane struct {
	box  amr.Box
	dx   float64
	data []float64
}

func (p *plane) at(i, j int) float64 {
	return p.data[(j-p.box.Lo[1])*p.box.Nx()+(i-p.box.Lo[0])]
}

func (p *plane) set(i, j int, v float64) {
	p.data[(j-p.box.Lo[1])*p.box.Nx()+(i-p.box.Lo[0])] = v
}

// readLevelPlane overlays the boxes of level l onto dst. A nil dst allocates
// a fresh NaN-filled plane spanning the level's domain (used for level 0,
// whose boxes always tile the domain).
func (f *File) readLevelPlane(l, comp int, dst *plane) (*plane, error) {
	dom, err := f.DomainCorners(l)
	if err != nil {
		return nil, err
	}
	dx, err := f.attrFloat(fmt.Sprintf("/level_%d@dx", l))
	if err != nil {
		return nil, fmt.Errorf("chombo: %s: reading level %d dx: %w", f.path, l, err)
	}
	if dst == nil {
		dst = &plane{box: dom, dx: dx, data: make([]float64, dom.Nx()*dom.Ny())}
		for i := range dst.data {
			dst.data[i] = math.NaN()
		}
	}
	dst.dx = dx

	boxes, err := f.readBoxes(l)
	if err != nil {
		return nil, err
	}
	dsPath := fmt.Sprintf("/level_%d/data:datatype=0", l)
	ds, err := f.f.OpenDataset(dsPath)
	if err != nil {
		return nil, fmt.Errorf("chombo: %s: opening %s: %w", f.path, dsPath, err)
	}
	data, err := ds.ReadFloat64()
	if err != nil {
		return nil, fmt.Errorf("chombo: %s: reading %s: %w", f.path, dsPath, err)
	}
	gi, gj := f.outputGhost(l)
	ncomp := len(f.comps)

	offset := 0
	for _, b := range boxes {
		w, h := b.Nx()+2*gi, b.Ny()+2*gj
		compSize := w * h
		base := offset + comp*compSize
		if base+compSize > len(data) {
			return nil, fmt.Errorf("chombo: %s: level %d data truncated: %w", f.path, l, amr.ErrInvalidFormat)
		}
		for j := b.Lo[1]; j <= b.Hi[1]; j++ {
			row := base + (j-b.Lo[1]+gj)*w + gi
			for i := b.Lo[0]; i <= b.Hi[0]; i++ {
				if dst.box.Contains(i, j) {
					dst.set(i, j, data[row+(i-b.Lo[0])])
				}
			}
		}
		offset += ncomp * compSize
	}
	return dst, nil
}

// readBoxes reads the patch list of one level.
func (f *File) readBoxes(l int) ([]amr.Box, error) {
	dsPath := fmt.Sprintf("/level_%d/boxes", l)
	ds, err := f.f.OpenDataset(dsPath)
	if err != nil {
		return nil, fmt.Errorf("chombo: %s: opening %s: %w", f.path, dsPath, err)
	}
	var raw []map[string]interface{}
	if err := ds.Read(&raw); err != nil {
		return nil, fmt.Errorf("chombo: %s: reading %s: %w", f.path, dsPath, err)
	}
	boxes := make([]amr.Box, len(raw))
	for i, m := range raw {
		b, err := boxFromCompound(m)
		if err != nil {
			return nil, fmt.Errorf("chombo: %s: %s[%d]: %w", f.path, dsPath, i, err)
		}
		boxes[i] = b
	}
	return boxes, nil
}

// outputGhost returns the ghost-cell halo written with each box's data.
// Plot and ctrl files are normally written without ghosts; the attribute is
// absent in that case.
func (f *File) outputGhost(l int) (gi, gj int) {
	attr, err := f.f.GetAttr(fmt.Sprintf("/level_%d/data_attributes@outputGhost", l))
	if err != nil {
		return 0, 0
	}
	m, err := attr.ReadScalarCompound()
	if err != nil {
		return 0, 0
	}
	gi, _ = compoundInt(m, "intvecti")
	gj, _ = compoundInt(m, "intvectj")
	return gi, gj
}

// refinePlane produces a plane at the next finer level spanning fineBox.
// Order 0 copies the underlying coarse cell; order 1 interpolates bilinearly
// between coarse cell centers, clamped at the domain edge.
func refinePlane(p *plane, ratio int, fineBox amr.Box, order int) *plane {
	fine := &plane{
		box:  fineBox,
		dx:   p.dx / float64(ratio),
		data: make([]float64, fineBox.Nx()*fineBox.Ny()),
	}
	for j := fineBox.Lo[1]; j <= fineBox.Hi[1]; j++ {
		for i := fineBox.Lo[0]; i <= fineBox.Hi[0]; i++ {
			if order == 0 {
				fine.set(i, j, p.at(coarsen(i, ratio), coarsen(j, ratio)))
				continue
			}
			fine.set(i, j, bilinear(p,
				(float64(i)+0.5)/float64(ratio)-0.5,
				(float64(j)+0.5)/float64(ratio)-0.5))
		}
	}
	return fine
}

// bilinear samples p at fractional cell-index coordinates (xi, yj).
func bilinear(p *plane, xi, yj float64) float64 {
	i0 := clamp(int(math.Floor(xi)), p.box.Lo[0], p.box.Hi[0])
	j0 := clamp(int(math.Floor(yj)), p.box.Lo[1], p.box.Hi[1])
	i1 := clamp(i0+1, p.box.Lo[0], p.box.Hi[0])
	j1 := clamp(j0+1, p.box.Lo[1], p.box.Hi[1])
	fx := clamp01(xi - float64(i0))
	fy := clamp01(yj - float64(j0))

	v00, v10 := p.at(i0, j0), p.at(i1, j0)
	v01, v11 := p.at(i0, j1), p.at(i1, j1)
	return v00*(1-fx)*(1-fy) + v10*fx*(1-fy) + v01*(1-fx)*fy + v11*fx*fy
}

// coarsen maps a fine cell index to its covering coarse index, rounding
// toward negative infinity.
func coarsen(i, ratio int) int {
	if i >= 0 {
		return i / ratio
	}
	return -((-i-1)/ratio + 1)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// cellCenters builds the cell-center coordinate array for n cells starting
// at grid index lo with spacing dx.
func cellCenters(lo, n int, dx float64) []float64 {
	c := make([]float64, n)
	if n == 1 {
		c[0] = (float64(lo) + 0.5) * dx
		return c
	}
	floats.Span(c, (float64(lo)+0.5)*dx, (float64(lo+n)-0.5)*dx)
	return c
}

// --- attribute helpers ---

func (f *File) attrInt(path string) (int, error) {
	attr, err := f.f.GetAttr(path)
	if err != nil {
		return 0, err
	}
	v, err := attr.ReadScalarInt64()
	return int(v), err
}

func (f *File) attrFloat(path string) (float64, error) {
	attr, err := f.f.GetAttr(path)
	if err != nil {
		return 0, err
	}
	return attr.ReadScalarFloat64()
}

func (f *File) attrString(path string) (string, error) {
	attr, err := f.f.GetAttr(path)
	if err != nil {
		return "", err
	}
	return attr.ReadScalarString()
}

func (f *File) attrBox(path string) (amr.Box, error) {
	attr, err := f.f.GetAttr(path)
	if err != nil {
		return amr.Box{}, err
	}
	m, err := attr.ReadScalarCompound()
	if err != nil {
		return amr.Box{}, err
	}
	return boxFromCompound(m)
}

// boxFromCompound decodes a Chombo box2d compound {lo_i, lo_j, hi_i, hi_j}.
func boxFromCompound(m map[string]interface{}) (amr.Box, error) {
	var b amr.Box
	var err error
	if b.Lo[0], err = compoundInt(m, "lo_i"); err != nil {
		return b, err
	}
	if b.Lo[1], err = compoundInt(m, "lo_j"); err != nil {
		return b, err
	}
	if b.Hi[0], err = compoundInt(m, "hi_i"); err != nil {
		return b, err
	}
	if b.Hi[1], err = compoundInt(m, "hi_j"); err != nil {
		return b, err
	}
	return b, nil
}

func compoundInt(m map[string]interface{}, key string) (int, error) {
	v, ok := m[key]
	if !ok {
		return 0, fmt.Errorf("compound member %q missing", key)
	}
	switch n := v.(type) {
	case int8:
		return int(n), nil
	case int16:
		return int(n), nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint32:
		return int(n), nil
	case uint64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("compound member %q has non-integer type %T", key, v)
	}
}

// Ensure File implements amr.Snapshot.
var _ amr.Snapshot = (*File)(nil)
