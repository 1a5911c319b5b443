package floe

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// VarSpec holds the recognized-variable configuration: output attributes and
// storage parameters for one physical field.
type VarSpec struct {
	Units      string  `toml:"units"`
	LongName   string  `toml:"long_name"`
	Conversion float64 `toml:"conversion"`
	Precision  float64 `toml:"precision"`
	Dtype      string  `toml:"dtype"`
}

// VarTable maps raw variable names (as known to the snapshot reader) to
// their specs. It is loaded once at process start; unknown variables fall
// back to defaults via Lookup.
type VarTable map[string]VarSpec

// Lookup returns the spec for a raw variable name, filling defaults for
// unknown variables and for zero-valued fields of known ones.
func (t VarTable) Lookup(raw string) VarSpec {
	s := t[raw]
	if s.Conversion == 0 {
		s.Conversion = 1
	}
	if s.Precision == 0 {
		s.Precision = 0.001
	}
	if s.Dtype == "" {
		s.Dtype = "int32"
	}
	return s
}

// DefaultVarTable returns the built-in table of BISICLES output fields.
func DefaultVarTable() VarTable {
	return VarTable{
		"thickness":                    {Units: "m", LongName: "Ice thickness", Precision: 0.01},
		"Z_surface":                    {Units: "m", LongName: "Surface elevation", Precision: 0.01},
		"Z_base":                       {Units: "m", LongName: "Bed elevation", Precision: 0.01},
		"Z_bottom":                     {Units: "m", LongName: "Ice bottom elevation", Precision: 0.01},
		"bTemp":                        {Units: "K", LongName: "Basal temperature", Precision: 0.01},
		"sTemp":                        {Units: "K", LongName: "Surface temperature", Precision: 0.01},
		"calvingFlux":                  {Precision: 0.01},
		"calvingRate":                  {Precision: 0.01},
		"dragCoef":                     {Precision: 0.01},
		"viscosityCoef":                {Precision: 0.01},
		"iceFrac":                      {Precision: 0.01},
		"basal_friction":               {Precision: 1},
		"surfaceThicknessSource":       {Units: "mm/yr", Conversion: 1000, Precision: 1},
		"activeSurfaceThicknessSource": {Units: "mm/yr", Conversion: 1000, Precision: 1},
		"basalThicknessSource":         {Units: "mm/yr", Conversion: 1000, Precision: 1},
		"activeBasalThicknessSource":   {Units: "mm/yr", Conversion: 1000, Precision: 1},
		"tillWaterDepth":               {Units: "mm", Conversion: 1000, Precision: 1},
		"waterDepth":                   {Units: "mm", Conversion: 1000, Precision: 1},
		"mask":                         {Precision: 1, Dtype: "int16"},
		"xVel":                         {Units: "m/yr", LongName: "X-velocity", Precision: 0.01},
		"yVel":                         {Units: "m/yr", LongName: "Y-velocity", Precision: 0.01},
		"xbVel":                        {Units: "m/yr", Precision: 0.01},
		"ybVel":                        {Units: "m/yr", Precision: 0.01},
		"xVelb":                        {Units: "m/yr", Precision: 0.01},
		"yVelb":                        {Units: "m/yr", Precision: 0.01},
		"Cwshelf":                      {Units: "Pa·s·m⁻¹", LongName: "Basal friction coefficient", Precision: 0.01},
		"muCoef":                       {LongName: "Viscosity coefficient", Precision: 0.01, Dtype: "int16"},
		"dThickness/dt":                {Units: "m/yr", LongName: "Thickness rate of change", Precision: 0.01},
	}
}

// Config holds the deployment configuration of one pipeline invocation.
type Config struct {
	// Scale is the typical timestep duration multiplied onto the raw
	// filename timestep count (the BISICLES dt_typical input).
	Scale float64
	// MaxTime discards inputs whose time exceeds it; zero disables the cut.
	MaxTime float64
	// Level is the refinement level to extract.
	Level int
	// Order is the interpolation order (0 piecewise constant, 1 linear).
	Order int
	// Variables lists the raw variable names to extract.
	Variables []string
	// GzipArtifact compresses the finished netCDF to <out>.nc.gz.
	GzipArtifact bool
	// VarTable is the recognized-variable table.
	VarTable VarTable
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() Config {
	return Config{
		Scale:    1,
		VarTable: DefaultVarTable(),
	}
}

// Validate checks the configuration for caller errors.
func (c Config) Validate() error {
	if c.Order != 0 && c.Order != 1 {
		return fmt.Errorf("floe: interpolation order must be 0 or 1, got %d", c.Order)
	}
	if c.Level < 0 {
		return fmt.Errorf("floe: refinement level must be non-negative, got %d", c.Level)
	}
	if c.Scale <= 0 {
		return fmt.Errorf("floe: time scale must be positive, got %g", c.Scale)
	}
	return nil
}

// FileConfig mirrors Config for TOML loading. Pointer fields distinguish
// "absent" from zero so file values only override what they set.
type FileConfig struct {
	Scale        *float64           `toml:"scale"`
	MaxTime      *float64           `toml:"max_time"`
	Level        *int               `toml:"level"`
	Order        *int               `toml:"order"`
	GzipArtifact *bool              `toml:"gzip_artifact"`
	Variables    map[string]VarSpec `toml:"variables"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, fmt.Errorf("floe: parsing config %s: %w", path, err)
	}
	return fc, nil
}

// Apply overlays file configuration onto c. Entries in the file's variable
// table add to or replace the built-in table.
func (c *Config) Apply(fc FileConfig) {
	if fc.Scale != nil {
		c.Scale = *fc.Scale
	}
	if fc.MaxTime != nil {
		c.MaxTime = *fc.MaxTime
	}
	if fc.Level != nil {
		c.Level = *fc.Level
	}
	if fc.Order != nil {
		c.Order = *fc.Order
	}
	if fc.GzipArtifact != nil {
		c.GzipArtifact = *fc.GzipArtifact
	}
	for name, spec := range fc.Variables {
		c.VarTable[name] = spec
	}
}
