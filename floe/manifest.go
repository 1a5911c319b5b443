package floe

import (
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	manifestSchemaName    = "floe-manifest"
	manifestFormatVersion = "1.0.0"
)

// Manifest describes one finished artifact: where it came from, what it
// holds, and how it was encoded. It is written as a JSON sidecar next to the
// netCDF file.
type Manifest struct {
	SchemaName    string    `json:"schema_name"`
	FormatVersion string    `json:"format_version"`
	CreatedAt     time.Time `json:"created_at"`

	// Source is the snapshot directory the artifact was batched from.
	Source string `json:"source"`
	// Family is the snapshot naming family, "plot" or "ctrl".
	Family string `json:"family"`
	Level  int    `json:"level"`
	Order  int    `json:"order"`

	Variables []ManifestVariable `json:"variables"`

	Timesteps  int     `json:"timesteps"`
	Iterations int     `json:"iterations,omitempty"`
	TimeMin    float64 `json:"time_min"`
	TimeMax    float64 `json:"time_max"`

	FilesProcessed    int      `json:"files_processed"`
	SkippedDuplicates []string `json:"skipped_duplicates,omitempty"`
	SkippedOutOfRange []string `json:"skipped_out_of_range,omitempty"`

	Artifact string `json:"artifact"`
}

// ManifestVariable records one variable's output name and encoding.
type ManifestVariable struct {
	Name        string  `json:"name"`
	Units       string  `json:"units,omitempty"`
	Dtype       string  `json:"dtype"`
	ScaleFactor float64 `json:"scale_factor"`
}

// newManifest assembles a manifest from a finished batch.
func newManifest(source string, family Family, level, order int, ds *Dataset, plans map[string]Encoding, stats *Stats, artifact string) *Manifest {
	m := &Manifest{
		SchemaName:        manifestSchemaName,
		FormatVersion:     manifestFormatVersion,
		CreatedAt:         time.Now().UTC(),
		Source:            source,
		Family:            family.String(),
		Level:             level,
		Order:             order,
		Timesteps:         len(ds.Times),
		Iterations:        len(ds.Iterations),
		TimeMin:           ds.Times[0],
		TimeMax:           ds.Times[len(ds.Times)-1],
		FilesProcessed:    stats.Processed,
		SkippedDuplicates: stats.SkippedDuplicates,
		SkippedOutOfRange: stats.SkippedOutOfRange,
		Artifact:          artifact,
	}
	for _, name := range ds.Names {
		plan := plans[name]
		m.Variables = append(m.Variables, ManifestVariable{
			Name:        name,
			Units:       ds.Vars[name].Units,
			Dtype:       plan.Dtype,
			ScaleFactor: plan.ScaleFactor,
		})
	}
	return m
}

// writeManifest persists the manifest at path. Best-effort: callers log
// failures rather than failing the pipeline over a sidecar.
func writeManifest(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
