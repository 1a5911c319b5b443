package chombo

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/nivalis-lab/floe/amr"
)

func TestOpen_MissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "absent.hdf5"))
	if !errors.Is(err, amr.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestOpen_WrongExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(path)
	if !errors.Is(err, amr.ErrInvalidFormat) {
		t.Errorf("error = %v, want ErrInvalidFormat", err)
	}
}

func TestOpen_LazyAndInvalidContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.hdf5")
	if err := os.WriteFile(path, []byte("not really hdf5"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Open succeeds without touching the contents.
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// The first metadata query hits the file and reports the bad format.
	if _, err := f.Time(); !errors.Is(err, amr.ErrInvalidFormat) {
		t.Errorf("Time() error = %v, want ErrInvalidFormat", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.hdf5")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestCoarsen(t *testing.T) {
	tests := []struct{ i, ratio, want int }{
		{0, 2, 0},
		{1, 2, 0},
		{2, 2, 1},
		{7, 2, 3},
		{-1, 2, -1},
		{-2, 2, -1},
		{-3, 2, -2},
		{8, 4, 2},
	}
	for _, tc := range tests {
		if got := coarsen(tc.i, tc.ratio); got != tc.want {
			t.Errorf("coarsen(%d, %d) = %d, want %d", tc.i, tc.ratio, got, tc.want)
		}
	}
}

func testPlane() *plane {
	// 2x2 coarse grid:
	//   j=1: 3 4
	//   j=0: 1 2
	return &plane{
		box:  amr.Box{Lo: [2]int{0, 0}, Hi: [2]int{1, 1}},
		dx:   2,
		data: []float64{1, 2, 3, 4},
	}
}

func TestRefinePlane_Order0(t *testing.T) {
	fineBox := amr.Box{Lo: [2]int{0, 0}, Hi: [2]int{3, 3}}
	fine := refinePlane(testPlane(), 2, fineBox, 0)

	if fine.dx != 1 {
		t.Errorf("dx = %g, want 1", fine.dx)
	}
	// Each coarse cell is replicated into a 2x2 block.
	for j := 0; j < 4; j++ {
		for i := 0; i < 4; i++ {
			want := testPlane().at(i/2, j/2)
			if got := fine.at(i, j); got != want {
				t.Errorf("fine(%d, %d) = %g, want %g", i, j, got, want)
			}
		}
	}
}

func TestRefinePlane_Order1(t *testing.T) {
	fineBox := amr.Box{Lo: [2]int{0, 0}, Hi: [2]int{3, 3}}
	fine := refinePlane(testPlane(), 2, fineBox, 1)

	// Fine cell (1,1) sits at coarse coordinates (0.25, 0.25):
	// 1*0.75*0.75 + 2*0.25*0.75 + 3*0.75*0.25 + 4*0.25*0.25 = 1.75
	if got := fine.at(1, 1); math.Abs(got-1.75) > 1e-12 {
		t.Errorf("fine(1,1) = %g, want 1.75", got)
	}
	// Corner cells clamp to the coarse corner values.
	if got := fine.at(0, 0); math.Abs(got-1) > 1e-12 {
		t.Errorf("fine(0,0) = %g, want 1", got)
	}
	if got := fine.at(3, 3); math.Abs(got-4) > 1e-12 {
		t.Errorf("fine(3,3) = %g, want 4", got)
	}
	// The fine midline between the two bottom coarse centers.
	if got := fine.at(2, 0); math.Abs(got-1.75) > 1e-12 {
		t.Errorf("fine(2,0) = %g, want 1.75", got)
	}
}

func TestBoxFromCompound(t *testing.T) {
	m := map[string]interface{}{
		"lo_i": int32(0), "lo_j": int32(-2),
		"hi_i": int64(15), "hi_j": int32(13),
	}
	b, err := boxFromCompound(m)
	if err != nil {
		t.Fatalf("boxFromCompound failed: %v", err)
	}
	want := amr.Box{Lo: [2]int{0, -2}, Hi: [2]int{15, 13}}
	if b != want {
		t.Errorf("box = %+v, want %+v", b, want)
	}
	if b.Nx() != 16 || b.Ny() != 16 {
		t.Errorf("Nx/Ny = %d/%d, want 16/16", b.Nx(), b.Ny())
	}
}

func TestBoxFromCompound_MissingMember(t *testing.T) {
	m := map[string]interface{}{"lo_i": int32(0), "lo_j": int32(0), "hi_i": int32(1)}
	if _, err := boxFromCompound(m); err == nil {
		t.Fatal("expected error for missing hi_j")
	}
}

func TestBoxFromCompound_BadType(t *testing.T) {
	m := map[string]interface{}{
		"lo_i": "zero", "lo_j": int32(0), "hi_i": int32(1), "hi_j": int32(1),
	}
	if _, err := boxFromCompound(m); err == nil {
		t.Fatal("expected error for non-integer member")
	}
}

func TestCellCenters(t *testing.T) {
	got := cellCenters(0, 3, 2)
	want := []float64{1, 3, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("cellCenters[%d] = %g, want %g", i, got[i], want[i])
		}
	}

	// Offset origin.
	got = cellCenters(4, 2, 0.5)
	if got[0] != 2.25 || got[1] != 2.75 {
		t.Errorf("offset cellCenters = %v, want [2.25 2.75]", got)
	}
}
