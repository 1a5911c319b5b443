package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/nivalis-lab/floe/amr/chombo"
	"github.com/nivalis-lab/floe/floe"
)

const helpDescription = `
Batch directories of AMR ice-sheet snapshots into compressed netCDF datasets.

Plot files (plot.*.2d.hdf5) carry one instance per simulation time; ctrl
files (ctrl.*.2d.hdf5) carry one instance per inversion iteration and are
grouped by the time key in their filenames. Either way, each run folds one
variable at one refinement level into a single netCDF file laid out over
(time[, iteration], y, x), quantized to fixed point and written atomically.
Re-running against an existing output is a no-op.
`

var exampleUsage = strings.TrimSpace(`
  floe plot ens01/run001/plots --var thickness --lev 0 --savedir out/
  floe ctrl ens01/run001/ctrl --var Cwshelf --scale 0.25 --gzip --savedir out/
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	log := floe.Logger()

	cfg := floe.DefaultConfig()
	var (
		cfgPath  string
		savedir  string
		outfile  string
		variable string
	)

	run := func(cmd *cobra.Command, args []string, family floe.Family) error {
		changed := map[string]bool{}
		cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

		if cfgPath != "" {
			fc, err := floe.LoadFileConfig(cfgPath)
			if err != nil {
				return err
			}
			// Flags given on the command line beat the file.
			if changed["scale"] {
				fc.Scale = nil
			}
			if changed["max-time"] {
				fc.MaxTime = nil
			}
			if changed["lev"] {
				fc.Level = nil
			}
			if changed["order"] {
				fc.Order = nil
			}
			if changed["gzip"] {
				fc.GzipArtifact = nil
			}
			cfg.Apply(fc)
		}
		cfg.Variables = []string{variable}
		if err := cfg.Validate(); err != nil {
			return err
		}

		dir := args[0]
		out := outfile
		if out == "" {
			var err error
			out, err = floe.OutputPath(savedir, dir, variable, cfg.Level)
			if err != nil {
				return err
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		p := &floe.Pipeline{Cfg: cfg, Open: chombo.Opener}
		var err error
		if family == floe.Ctrl {
			err = p.ProcessCtrl(ctx, dir, out)
		} else {
			err = p.ProcessPlot(ctx, dir, out)
		}
		switch {
		case err == nil:
			return nil
		case errors.Is(err, context.Canceled):
			log.Info().Msg("interrupted")
			return nil
		case errors.Is(err, floe.ErrEmptyInput), errors.Is(err, floe.ErrNotFound):
			// Nothing to do for this directory; not a failure in sweep use.
			log.Warn().Err(err).Msgf("skipping %s", dir)
			return nil
		default:
			return err
		}
	}

	root := &cobra.Command{
		Use:     "floe",
		Short:   "Batch AMR ice-sheet snapshots into netCDF datasets",
		Long:    strings.TrimSpace(helpDescription),
		Example: exampleUsage,
		Version: fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
	}

	plotCmd := &cobra.Command{
		Use:   "plot <snapshot-dir>",
		Short: "Batch plot.*.2d.hdf5 files along a time axis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args, floe.Plot)
		},
	}
	ctrlCmd := &cobra.Command{
		Use:   "ctrl <snapshot-dir>",
		Short: "Batch ctrl.*.2d.hdf5 files along time and iteration axes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args, floe.Ctrl)
		},
	}

	for _, c := range []*cobra.Command{plotCmd, ctrlCmd} {
		c.Flags().StringVar(&variable, "var", "thickness", "variable to extract")
		c.Flags().IntVar(&cfg.Level, "lev", cfg.Level, "refinement level to extract")
		c.Flags().IntVar(&cfg.Order, "order", cfg.Order, "interpolation order when refining coarse levels (0 or 1)")
		c.Flags().Float64Var(&cfg.Scale, "scale", cfg.Scale, "typical timestep duration (filename time units per step)")
		c.Flags().Float64Var(&cfg.MaxTime, "max-time", cfg.MaxTime, "drop snapshots beyond this simulation time (0 = no limit)")
		c.Flags().BoolVar(&cfg.GzipArtifact, "gzip", cfg.GzipArtifact, "gzip the finished netCDF file")
		c.Flags().StringVar(&savedir, "savedir", ".", "root directory for derived output paths")
		c.Flags().StringVar(&outfile, "out", "", "explicit output path (overrides --savedir layout)")
		c.Flags().StringVar(&cfgPath, "config", "", "path to TOML config file")
		root.AddCommand(c)
	}

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg(filepath.Base(os.Args[0]))
		os.Exit(1)
	}
}
