package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/specsim/timing/sim"
)

type runOptions struct {
	outDir          string
	maxInstructions uint64
	maxCycles       uint64
	warmup          uint64
	parallel        int
}

func newRunCmd(logger func(*cobra.Command) logr.Logger) *cobra.Command {
	var opts runOptions

	runCmd := &cobra.Command{
		Use:   "run [config...]",
		Short: "Run one simulation per configuration file (default configuration if none)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigs(cmd.Context(), logger(cmd), args, opts, cmd.OutOrStdout())
		},
	}
	runCmd.Flags().StringVarP(&opts.outDir, "out", "o", "", "Directory for YAML statistics dumps")
	runCmd.Flags().Uint64Var(&opts.maxInstructions, "max-insts", 0, "Override the per-core instruction limit")
	runCmd.Flags().Uint64Var(&opts.maxCycles, "max-cycles", 0, "Override the cycle limit")
	runCmd.Flags().Uint64Var(&opts.warmup, "warmup", 0, "Cycles to simulate before clearing statistics")
	runCmd.Flags().IntVarP(&opts.parallel, "jobs", "j", 0, "Simulations run at once (0 = all)")
	return runCmd
}

// job is one simulation of a batch. Its report is buffered so that
// concurrent runs print in argument order.
type job struct {
	name   string
	config sim.Config
	report bytes.Buffer
}

func loadJobs(paths []string, opts runOptions) ([]*job, error) {
	if len(paths) == 0 {
		return []*job{{name: "default", config: applyOverrides(sim.DefaultConfig(), opts)}}, nil
	}

	jobs := make([]*job, 0, len(paths))
	for _, path := range paths {
		config, err := sim.LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		jobs = append(jobs, &job{name: name, config: applyOverrides(config, opts)})
	}
	return jobs, nil
}

func applyOverrides(config sim.Config, opts runOptions) sim.Config {
	if opts.maxInstructions > 0 {
		config.MaxInstructions = opts.maxInstructions
	}
	if opts.maxCycles > 0 {
		config.MaxCycles = opts.maxCycles
	}
	return config
}

func runConfigs(ctx context.Context, log logr.Logger, paths []string, opts runOptions, w io.Writer) error {
	jobs, err := loadJobs(paths, opts)
	if err != nil {
		return err
	}
	if opts.outDir != "" {
		if err := os.MkdirAll(opts.outDir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	if opts.parallel > 0 {
		g.SetLimit(opts.parallel)
	}
	for _, j := range jobs {
		g.Go(func() error {
			return j.run(ctx, log.WithName(j.name), opts)
		})
	}
	err = g.Wait()

	for _, j := range jobs {
		if _, werr := j.report.WriteTo(w); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

func (j *job) run(ctx context.Context, log logr.Logger, opts runOptions) error {
	s, err := sim.New(j.config, sim.WithLogger(log))
	if err != nil {
		return fmt.Errorf("%s: %w", j.name, err)
	}
	defer s.Close()

	log.V(1).Info("starting", "run", s.Stats().RunID(), "cores", j.config.Cores)

	if opts.warmup > 0 {
		for s.Cycle() < opts.warmup && !s.Done() {
			if err := s.Step(); err != nil {
				return fmt.Errorf("%s: warm-up: %w", j.name, err)
			}
		}
		s.ResetStats()
	}

	if err := s.Run(ctx); err != nil {
		return fmt.Errorf("%s: %w", j.name, err)
	}

	fmt.Fprintf(&j.report, "== %s ==\n", j.name)
	if err := s.Stats().Print(&j.report); err != nil {
		return err
	}
	fmt.Fprintln(&j.report)

	if opts.outDir == "" {
		return nil
	}
	return j.dump(s, opts.outDir)
}

func (j *job) dump(s *sim.Simulation, dir string) error {
	path := filepath.Join(dir, j.name+".stats.yaml")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create stats file: %w", err)
	}
	if err := s.Stats().WriteYAML(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
