// Command run is the validation worker. It is spawned by the validator
// with a pipe identifier and one word on argv, reads the automaton
// description from the inherited pipe, decides acceptance, and commits
// the verdict to the run-output queue. It is not a user entry point.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/afnet/emit"
	"github.com/dshills/afnet/runner"
)

func main() {
	var (
		verbose    bool
		jsonLogs   bool
		sequential bool
	)

	rootCmd := &cobra.Command{
		Use:   "run <pipe_id> <word>",
		Short: "Internal worker of the validation server",
		Long: `run decides whether one word is accepted by the automaton shipped to
it over an inherited pipe. It is spawned by the validator and reports
through the run-output queue; running it by hand does nothing useful.`,
		SilenceUsage: true,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("this command is an internal worker of the validator server\n" +
					"and expects to be spawned with a pipe identifier and a word")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var emitter emit.Emitter = emit.NewNullEmitter()
			if verbose {
				emitter = emit.NewLogEmitter(os.Stderr, jsonLogs)
			}
			_, err := runner.Run(cmd.Context(), args[0], args[1],
				runner.WithSequential(sequential),
				runner.WithEmitter(emitter),
			)
			return err
		},
	}

	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging on stderr")
	rootCmd.Flags().BoolVar(&jsonLogs, "json-logs", false, "log events as JSONL instead of text")
	rootCmd.Flags().BoolVar(&sequential, "sync", false, "use the sequential evaluation strategy")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
