// Command tester is the client of the validation service. It reads
// words from standard input, one per line, submits each to the
// validator, prints the verdict ("<word> A" or "<word> N") as it
// arrives, and finishes with a summary report. The word "!" requests
// server shutdown instead of being validated.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/afnet/emit"
	"github.com/dshills/afnet/tester"
)

func main() {
	var (
		verbose  bool
		jsonLogs bool
	)

	rootCmd := &cobra.Command{
		Use:   "tester",
		Short: "Submit words to the validation server",
		Long: `tester reads words from standard input and submits each to a running
validator. Answers may arrive out of submission order; every verdict is
correlated back to its word before printing. The tester terminates when
its input is exhausted and every answer has arrived, or when the server
announces shutdown.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var emitter emit.Emitter = emit.NewNullEmitter()
			if verbose {
				emitter = emit.NewLogEmitter(os.Stderr, jsonLogs)
			}
			t := tester.New(tester.WithEmitter(emitter))
			return t.Run(cmd.Context())
		},
	}

	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging on stderr")
	rootCmd.Flags().BoolVar(&jsonLogs, "json-logs", false, "log events as JSONL instead of text")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
