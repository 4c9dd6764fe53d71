// Package main provides the specsim command line: it runs speculative
// out-of-order core simulations from configuration files and generates
// synthetic instruction traces.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbosity int

	rootCmd := &cobra.Command{
		Use:           "specsim",
		Short:         "Speculative out-of-order core simulator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Log verbosity (repeat for more detail)")

	logger := func(cmd *cobra.Command) logr.Logger {
		w := cmd.ErrOrStderr()
		return funcr.New(func(prefix, args string) {
			if prefix != "" {
				fmt.Fprintf(w, "%s: %s\n", prefix, args)
				return
			}
			fmt.Fprintln(w, args)
		}, funcr.Options{Verbosity: verbosity})
	}

	rootCmd.AddCommand(newRunCmd(logger), newConfigCmd(), newTraceCmd())
	return rootCmd
}
