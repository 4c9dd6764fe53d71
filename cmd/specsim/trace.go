package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sarchlab/specsim/trace"
)

func newTraceCmd() *cobra.Command {
	traceCmd := &cobra.Command{
		Use:   "trace",
		Short: "Work with instruction traces",
	}

	config := trace.DefaultGeneratorConfig()

	genCmd := &cobra.Command{
		Use:   "gen [output]",
		Short: "Generate a synthetic trace as JSON lines (stdout if no output)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if config.Length == 0 {
				return fmt.Errorf("--length must be > 0")
			}
			g, err := trace.NewGenerator(config)
			if err != nil {
				return err
			}

			var out io.Writer = cmd.OutOrStdout()
			if len(args) == 1 {
				f, err := os.Create(args[0])
				if err != nil {
					return fmt.Errorf("failed to create trace file: %w", err)
				}
				defer f.Close()
				out = f
			}

			n, err := trace.Copy(trace.NewWriter(out), g)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d records\n", n)
			return nil
		},
	}
	genCmd.Flags().Int64Var(&config.Seed, "seed", config.Seed, "Random seed")
	genCmd.Flags().Uint64Var(&config.Length, "length", config.Length, "Number of records")
	genCmd.Flags().IntVar(&config.BodySize, "body", config.BodySize, "Instructions in the loop body")
	genCmd.Flags().IntVar(&config.LoopTrip, "trip", config.LoopTrip, "Loop trip count")
	genCmd.Flags().IntVar(&config.BranchPct, "branch-pct", config.BranchPct, "Percent conditional branches")

	countCmd := &cobra.Command{
		Use:   "count <trace>",
		Short: "Validate a trace file and count its records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := trace.Open(args[0])
			if err != nil {
				return err
			}
			defer r.Close()

			var n uint64
			for {
				_, ok, err := r.Next()
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				n++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", n)
			return nil
		},
	}

	traceCmd.AddCommand(genCmd, countCmd)
	return traceCmd
}
