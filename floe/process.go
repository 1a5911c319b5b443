package floe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/nivalis-lab/floe/amr"
	"github.com/nivalis-lab/floe/internal/compress"
)

// Pipeline runs the end-to-end extraction for one snapshot directory and one
// output path. Processing is strictly sequential: one open snapshot handle
// at a time, one forward pass over the inputs.
type Pipeline struct {
	Cfg  Config
	Open amr.Opener
}

// ProcessPlot batches a directory of plot files into outfile. Re-invoking on
// an existing output is a no-op.
func (p *Pipeline) ProcessPlot(ctx context.Context, dir, outfile string) error {
	return p.process(ctx, Plot, dir, outfile)
}

// ProcessCtrl batches a directory of ctrl files into outfile. Re-invoking on
// an existing output is a no-op.
func (p *Pipeline) ProcessCtrl(ctx context.Context, dir, outfile string) error {
	return p.process(ctx, Ctrl, dir, outfile)
}

func (p *Pipeline) process(ctx context.Context, family Family, dir, outfile string) error {
	if err := p.Cfg.Validate(); err != nil {
		return err
	}
	if artifactExists(outfile) {
		logger.Info().Msgf("%s already exists", outfile)
		return nil
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return fmt.Errorf("floe: snapshot directory %s: %w", dir, ErrNotFound)
	}

	files, err := filepath.Glob(filepath.Join(dir, family.Glob()))
	if err != nil {
		return fmt.Errorf("floe: globbing %s: %w", dir, err)
	}
	if len(files) == 0 {
		logger.Warn().Msgf("no %s files found in %s", family, dir)
		return fmt.Errorf("floe: %s in %s: %w", family.Glob(), dir, ErrEmptyInput)
	}

	logger.Info().
		Strs("variables", p.Cfg.Variables).
		Int("level", p.Cfg.Level).
		Msgf("processing %d %s files from %s", len(files), family, dir)

	b := &Batcher{
		Open:      p.Open,
		Variables: p.Cfg.Variables,
		Level:     p.Cfg.Level,
		Order:     p.Cfg.Order,
		MaxTime:   p.Cfg.MaxTime,
		VarTable:  p.Cfg.VarTable,
	}

	var ds *Dataset
	var stats *Stats
	if family == Ctrl {
		g, gerr := GroupByTime(files, p.Cfg.Scale)
		if gerr != nil {
			return gerr
		}
		ds, stats, err = b.BatchCtrl(g)
	} else {
		ds, stats, err = b.BatchPlot(sortedCopy(files))
	}
	if err != nil {
		return err
	}

	plans := make(map[string]Encoding, len(ds.Names))
	for _, name := range ds.Names {
		plans[name] = PlanEncoding(p.Cfg.VarTable.Lookup(ds.Vars[name].RawName), p.Cfg.Level, family)
	}

	if err := os.MkdirAll(filepath.Dir(outfile), 0o755); err != nil {
		return fmt.Errorf("floe: creating output directory: %v: %w", err, ErrWriteFailure)
	}
	logger.Info().Msgf("generating %s", outfile)
	if err := WriteDataset(ctx, ds, plans, outfile); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			logger.Info().Msgf("cancelled, removed partial %s", outfile)
		}
		return err
	}

	artifact := outfile
	if p.Cfg.GzipArtifact {
		// Pick the largest requested compression level across variables.
		level := 0
		for _, plan := range plans {
			if plan.Compress && plan.CompressLevel > level {
				level = plan.CompressLevel
			}
		}
		artifact = outfile + ".gz"
		if err := compress.EncodeFile(outfile, artifact, level); err != nil {
			return fmt.Errorf("floe: compressing %s: %v: %w", outfile, err, ErrWriteFailure)
		}
		if err := os.Remove(outfile); err != nil {
			return fmt.Errorf("floe: removing %s: %v: %w", outfile, err, ErrWriteFailure)
		}
	}

	m := newManifest(dir, family, p.Cfg.Level, p.Cfg.Order, ds, plans, stats, filepath.Base(artifact))
	if err := writeManifest(artifact+".json", m); err != nil {
		logger.Warn().Err(err).Msg("could not write run manifest")
	}

	logger.Info().Msgf("successfully created %s", artifact)
	return nil
}

// artifactExists reports whether the output (or its gzipped form) is already
// present. Existence, not content, is the idempotence check; the writer's
// cleanup-on-failure contract guarantees anything found here is complete.
func artifactExists(outfile string) bool {
	for _, p := range []string{outfile, outfile + ".gz"} {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

// OutputPath derives the directory-mode output path
// <savedir>/<lev>lev/<variable>/<ensemble>_<run>_<variable>_<lev>lev.nc,
// taking the ensemble and run names from the two parent directories above
// the snapshot directory.
func OutputPath(savedir, snapdir, variable string, level int) (string, error) {
	abs, err := filepath.Abs(snapdir)
	if err != nil {
		return "", err
	}
	run := filepath.Base(filepath.Dir(abs))
	ensemble := filepath.Base(filepath.Dir(filepath.Dir(abs)))
	v := SanitizeName(variable)
	name := fmt.Sprintf("%s_%s_%s_%dlev.nc", ensemble, run, v, level)
	return filepath.Join(savedir, fmt.Sprintf("%dlev", level), v, name), nil
}

func sortedCopy(paths []string) []string {
	out := make([]string, len(paths))
	copy(out, paths)
	sort.Strings(out)
	return out
}
