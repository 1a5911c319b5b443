package floe

// Encoding holds per-variable storage parameters for the writer: numeric
// width, compression, fixed-point scale factor, fill sentinel, and chunk
// shape. The plan is advisory configuration derived at final-write time; the
// writer applies what the output container can express.
type Encoding struct {
	// Dtype is the storage width, "int16" or "int32".
	Dtype string
	// Compress requests deflate compression at CompressLevel.
	Compress      bool
	CompressLevel int
	// ScaleFactor is the fixed-point quantization step.
	ScaleFactor float64
	// FillValue is the sentinel stored for missing cells.
	FillValue int32
	// ChunkSizes is the persisted chunk shape over
	// (time[, iteration], y, x).
	ChunkSizes []int
}

// FillValue is the sentinel stored in place of missing cells.
const FillValue = -9999

// PlanEncoding derives the storage parameters for one variable at one
// refinement level. It is a pure function of its arguments.
//
// Level 0 grids are small enough to chunk spatially in one piece with many
// timesteps per chunk; finer levels use 768-square spatial chunks and fewer
// timesteps to bound the chunk byte size. Ctrl datasets chunk one timestep
// and sixteen iterations at a time.
func PlanEncoding(spec VarSpec, level int, family Family) Encoding {
	e := Encoding{
		Dtype:       spec.Dtype,
		Compress:    true,
		ScaleFactor: spec.Precision,
		FillValue:   FillValue,
	}
	if e.Dtype == "" {
		e.Dtype = "int32"
	}
	if e.ScaleFactor == 0 {
		e.ScaleFactor = 0.001
	}
	switch family {
	case Ctrl:
		e.CompressLevel = 3
		e.ChunkSizes = []int{1, 16, 768, 768}
	default:
		e.CompressLevel = 4
		if level == 0 {
			e.ChunkSizes = []int{147, 192, 192}
		} else {
			e.ChunkSizes = []int{49, 768, 768}
		}
	}
	return e
}
