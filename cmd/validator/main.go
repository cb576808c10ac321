// Command validator is the long-lived server of the validation
// service. It reads the automaton description from standard input,
// admits queries from tester processes over the named queues, spawns a
// run worker per query, routes verdicts back, and prints an operation
// report on shutdown.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/dshills/afnet/afa"
	"github.com/dshills/afnet/emit"
	"github.com/dshills/afnet/server"
)

func main() {
	var (
		verbose     bool
		jsonLogs    bool
		strict      bool
		sequential  bool
		dumpGraph   bool
		trace       bool
		metricsAddr string
	)

	rootCmd := &cobra.Command{
		Use:   "validator",
		Short: "Alternating-automaton validation server",
		Long: `validator reads an automaton description from standard input and
serves word-validation queries from tester processes. Each query is
decided by a spawned run worker; verdicts flow back through the named
queues. Send the word "!" from a tester to shut the server down.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			desc, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("cannot read automaton description: %w", err)
			}

			if dumpGraph {
				g, err := afa.Parse(string(desc))
				if err != nil {
					return fmt.Errorf("cannot parse automaton description: %w", err)
				}
				g.Dump(os.Stderr)
			}

			emitter, flush, err := buildEmitter(verbose, jsonLogs, trace)
			if err != nil {
				return err
			}
			defer flush()

			var metrics *server.Metrics
			if metricsAddr != "" {
				registry := prometheus.NewRegistry()
				metrics = server.NewMetrics(registry)
				go serveMetrics(metricsAddr, registry)
			}

			srv, err := server.New(string(desc),
				server.WithStrict(strict),
				server.WithVerbose(verbose),
				server.WithSequential(sequential),
				server.WithEmitter(emitter),
				server.WithMetrics(metrics),
			)
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}

	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging on stderr")
	rootCmd.Flags().BoolVar(&jsonLogs, "json-logs", false, "log events as JSONL instead of text")
	rootCmd.Flags().BoolVar(&strict, "strict", false, "terminate when any worker crashes")
	rootCmd.Flags().BoolVar(&sequential, "sync", false, "force workers onto the sequential evaluation strategy")
	rootCmd.Flags().BoolVar(&dumpGraph, "dump-graph", false, "print the loaded transition graph to stderr")
	rootCmd.Flags().BoolVar(&trace, "trace", false, "emit OpenTelemetry spans for protocol events")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address (e.g. :9137)")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildEmitter assembles the event sink from the logging and tracing
// flags, returning a flush function for shutdown.
func buildEmitter(verbose, jsonLogs, trace bool) (emit.Emitter, func(), error) {
	var emitters []emit.Emitter
	if verbose {
		emitters = append(emitters, emit.NewLogEmitter(os.Stderr, jsonLogs))
	}
	if trace {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return nil, nil, fmt.Errorf("cannot create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(tp)
		emitters = append(emitters, emit.NewOTelEmitter(otel.Tracer("afnet/validator")))
	}

	switch len(emitters) {
	case 0:
		return emit.NewNullEmitter(), func() {}, nil
	case 1:
		return emitters[0], flushFunc(emitters[0]), nil
	default:
		multi := emit.NewMultiEmitter(emitters...)
		return multi, flushFunc(multi), nil
	}
}

func flushFunc(e emit.Emitter) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Flush(ctx)
	}
}

func serveMetrics(addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "metrics endpoint failed: %v\n", err)
	}
}
